// Package vlm defines the vision-language backend contract used by workers
// to analyze a window of sampled frames, plus the concrete backends.
package vlm

import "context"

// Frame 取樣後的單張影格，PNGBase64 為空表示來源讀不到這一幀。
// 隨 JobEnvelope 走線路，所以帶 json 標籤。
type Frame struct {
	Index     int    `json:"index"`      // absolute frame index in the video
	PNGBase64 string `json:"png_base64"` // base64-encoded PNG, no data-URL prefix
}

// Request 單一窗口的推理請求。Frames 依時間順序排列。
type Request struct {
	VideoID  string
	WindowID int
	Prompt   string
	Frames   []Frame
}

// Backend 視覺語言模型後端。Analyze 回傳模型的原始文字輸出，
// 由 ExtractResult 負責解析；解析失敗屬於結果層的問題，不是傳輸錯誤。
type Backend interface {
	Name() string
	Analyze(ctx context.Context, req Request) (string, error)
}

// Result 後端輸出解析後的結構。Transitions 是 Frames 切片的索引
// （第幾張取樣影格），不是絕對幀號——呼叫端負責換算。
type Result struct {
	Thought      string   `json:"thought"`
	Transitions  []int    `json:"transitions"`
	Instructions []string `json:"instructions"`
}
