package vlm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Fixed 決定性的測試後端：依窗口 ID 查表回應，查不到就回空結果。
// 回覆刻意包在 ```json 圍欄裡，讓呼叫端走完整的解析路徑。
type Fixed struct {
	// Responses 以窗口 ID 為鍵的預設回覆
	Responses map[int]Result
	// Latency 模擬推理延遲，零值表示立即返回
	Latency time.Duration
	// FailWindows 這些窗口永遠回傳錯誤，用來演練重試路徑
	FailWindows map[int]bool
}

func (f *Fixed) Name() string { return "fixed" }

func (f *Fixed) Analyze(ctx context.Context, req Request) (string, error) {
	if f.Latency > 0 {
		select {
		case <-time.After(f.Latency):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.FailWindows[req.WindowID] {
		return "", fmt.Errorf("fixed backend: window %d configured to fail", req.WindowID)
	}
	res := f.Responses[req.WindowID]
	body, err := json.Marshal(res)
	if err != nil {
		return "", err
	}
	return "```json\n" + string(body) + "\n```", nil
}
