// Package types 定義了 framecut 系統中使用的核心領域模型
package types

// VideoID 影片唯一識別碼
type VideoID string

// JobID 任務唯一識別碼
type JobID string

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusQueued          JobStatus = "queued"           // 待處理狀態：任務已建立但尚未被租用
	StatusInflight        JobStatus = "inflight"         // 執行中狀態：任務已租給某個 worker
	StatusDone            JobStatus = "done"             // 完成狀態：結果已提交並被接受
	StatusFailedPermanent JobStatus = "failed_permanent" // 永久失敗：重試次數已耗盡
)

// VideoRun identifies one video inside a run. Immutable once created;
// logically retired when its completion marker is written.
type VideoRun struct {
	ID      VideoID `json:"video_id" yaml:"video_id"`
	NFrames int     `json:"nframes" yaml:"nframes"`
	FPS     float64 `json:"fps,omitempty" yaml:"fps,omitempty"`
	Dataset string  `json:"dataset,omitempty" yaml:"dataset,omitempty"`
}

// Window 代表影片中一段連續（可能重疊）的幀區間，是一次推理工作的單位。
// 由 VideoRun 與窗口設定決定性派生，建立後不再修改。
// EndFrame is exclusive: the window covers [StartFrame, EndFrame).
type Window struct {
	ID           int     `json:"window_id"`
	VideoID      VideoID `json:"video_id"`
	StartFrame   int     `json:"start_frame"`
	EndFrame     int     `json:"end_frame"`
	FrameIndices []int   `json:"frame_indices,omitempty"` // sampled absolute frame indices shipped to the backend
}

// Len returns the window span in frames.
func (w Window) Len() int { return w.EndFrame - w.StartFrame }

// Contains reports whether absolute frame f falls inside the window span.
func (w Window) Contains(f int) bool { return f >= w.StartFrame && f < w.EndFrame }

// Job 任務結構，一個 Window 對應一個 Job
type Job struct {
	// 識別與資料
	ID     JobID  `json:"id"`     // 任務唯一識別碼
	Window Window `json:"window"` // 對應的影片窗口

	// 狀態追蹤
	Status  JobStatus `json:"status"`  // 任務當前狀態
	Attempt int       `json:"attempt"` // 租用次數（含目前這次）

	// 租約管理（使用 Unix 毫秒時間戳）
	LeaseExpiry *int64 `json:"lease_expiry_ms,omitempty"` // 租約到期時間，nil 表示未在執行中
	CreatedAt   int64  `json:"created_at"`                // 任務建立時間
	UpdatedAt   int64  `json:"updated_at"`                // 任務最後更新時間

	// 執行資訊
	WorkerID string `json:"worker_id,omitempty"` // 目前持有租約的 worker
}

// JobResult holds one window's backend output. Transitions are frame
// offsets relative to the window start (0 <= t < Window.Len()); they
// become absolute frame indices during aggregation. Immutable once
// attached to a done job.
type JobResult struct {
	JobID        JobID    `json:"job_id"`
	WindowID     int      `json:"window_id"`
	Transitions  []int    `json:"transitions"`
	Instructions []string `json:"instructions"`
	Thought      string   `json:"thought,omitempty"`
	LatencySec   float64  `json:"latency_s,omitempty"`
}

// Segment 最終分段輸出：互不重疊、連續、完整鋪滿 [0, nframes)。
// EndFrame is exclusive.
type Segment struct {
	SegID       int    `json:"seg_id"`
	StartFrame  int    `json:"start_frame"`
	EndFrame    int    `json:"end_frame"`
	Instruction string `json:"instruction"`
}

// Segmentation 一部影片的完整分段結果，持久化到 segments.json
type Segmentation struct {
	VideoID  VideoID   `json:"video_id"`
	NFrames  int       `json:"nframes"`
	Segments []Segment `json:"segments"`
}
