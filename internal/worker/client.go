package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/seglab/framecut/internal/dispatch"
)

// Client 協調器任務 API 的 HTTP 客戶端
type Client struct {
	baseURL string
	hc      *http.Client
}

// NewClient 建立客戶端。timeout 蓋住整個請求，含影格下載，
// 所以要比單窗口推理時間預算更寬。
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: timeout},
	}
}

// FetchJob 領取下一個任務。(nil, false, nil) 表示目前沒有任務。
func (c *Client) FetchJob(ctx context.Context, workerID string) (*dispatch.JobEnvelope, bool, error) {
	url := c.baseURL + "/v1/job?worker=" + workerID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("fetch job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, false, fmt.Errorf("fetch job: unexpected status %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Status string                `json:"status"`
		Job    *dispatch.JobEnvelope `json:"job"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, false, fmt.Errorf("decode job response: %w", err)
	}
	if out.Status != "ok" || out.Job == nil {
		return nil, false, nil
	}
	return out.Job, true, nil
}

// Submit 交回結果，回傳伺服器判定的結局（accepted / stale / retry）
func (c *Client) Submit(ctx context.Context, sub dispatch.SubmitRequest) (dispatch.Outcome, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/result", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("submit result: unexpected status %d: %s", resp.StatusCode, raw)
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	return dispatch.Outcome(out.Status), nil
}
