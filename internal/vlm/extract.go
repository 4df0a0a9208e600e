package vlm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrMalformedResult 後端回覆中找不到可解析的 JSON 結果
var ErrMalformedResult = errors.New("vlm: malformed backend response")

// ExtractResult 從模型原始輸出取出結構化結果。
// 模型經常把 JSON 包在 ```json 圍欄裡，或在前後夾雜說明文字，
// 所以依序嘗試：去圍欄直解 → 擷取第一個 { 到最後一個 } 再解。
func ExtractResult(raw string) (*Result, error) {
	s := stripFence(strings.TrimSpace(raw))

	if res, ok := parseResult(s); ok {
		return res, nil
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		if res, ok := parseResult(s[start : end+1]); ok {
			return res, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrMalformedResult, snippet(raw))
}

func parseResult(s string) (*Result, bool) {
	if !gjson.Valid(s) {
		return nil, false
	}
	root := gjson.Parse(s)
	if !root.IsObject() {
		return nil, false
	}
	res := &Result{Thought: root.Get("thought").String()}
	for _, v := range root.Get("transitions").Array() {
		res.Transitions = append(res.Transitions, int(v.Int()))
	}
	for _, v := range root.Get("instructions").Array() {
		res.Instructions = append(res.Instructions, v.String())
	}
	return res, true
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
