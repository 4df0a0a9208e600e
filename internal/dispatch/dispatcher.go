// ============================================================================
// framecut Dispatcher - 任務分派與結果接收
// ============================================================================
//
// Package: internal/dispatch
// 文件: dispatcher.go
// 功能: 在任務存儲之上提供 worker 面向的兩個操作：領任務、交結果
//
// 職責劃分:
//   - jobstore 管狀態機（誰持有租約、誰的提交算數）
//   - dispatcher 管週邊工作：領任務時掃過期租約、載入取樣影格、
//     接受結果時寫結果日誌、更新監控指標
//
// 掃描策略:
//   每次 RequestJob 先做一次惰性掃描，另外由協調器的背景迴圈定期掃描。
//   兩邊都呼叫同一個 Sweep，冪等。
//
// ============================================================================

package dispatch

import (
	"log/slog"
	"time"

	"github.com/seglab/framecut/internal/jobstore"
	"github.com/seglab/framecut/internal/metrics"
	"github.com/seglab/framecut/internal/source"
	"github.com/seglab/framecut/internal/vlm"
	"github.com/seglab/framecut/pkg/types"
)

// Outcome 結果提交的三種結局，直接對應 HTTP 回應語義
type Outcome string

const (
	// OutcomeAccepted 結果被接受並已記錄
	OutcomeAccepted Outcome = "accepted"
	// OutcomeStale 租約已失效或結果已由他人提交，worker 應直接丟棄
	OutcomeStale Outcome = "stale"
	// OutcomeRetry 顯式失敗已登記，任務會重排或進入永久失敗
	OutcomeRetry Outcome = "retry"
)

// ResultSink 已接受結果的持久化出口，由協調器路由到對應影片的結果日誌
type ResultSink interface {
	Append(videoID types.VideoID, jobID types.JobID, windowID int, transitions []int, instructions []string) error
}

// JobEnvelope 發給 worker 的完整任務包，影格在租借當下載入
type JobEnvelope struct {
	JobID         types.JobID   `json:"job_id"`
	VideoID       types.VideoID `json:"video_id"`
	WindowID      int           `json:"window_id"`
	StartFrame    int           `json:"start_frame"`
	EndFrame      int           `json:"end_frame"`
	Attempt       int           `json:"attempt"`
	LeaseExpiryMs int64         `json:"lease_expiry_ms"`
	Frames        []vlm.Frame   `json:"frames"`
}

// SubmitRequest worker 交回的結果。Failed 為 true 表示 worker 放棄這次租約
// （後端反覆吐出解析不了的東西之類），Transitions 等欄位此時忽略。
type SubmitRequest struct {
	JobID        types.JobID `json:"job_id"`
	WorkerID     string      `json:"worker_id"`
	Failed       bool        `json:"failed,omitempty"`
	Transitions  []int       `json:"transitions"`
	Instructions []string    `json:"instructions"`
	Thought      string      `json:"thought,omitempty"`
	LatencySec   float64     `json:"latency_s,omitempty"`
}

// Dispatcher 任務分派器
type Dispatcher struct {
	store     *jobstore.Store
	src       source.Source
	sink      ResultSink
	collector *metrics.Collector
	leaseDur  time.Duration
	logger    *slog.Logger

	now func() time.Time // 測試時替換
}

// NewDispatcher 建立分派器。collector 與 sink 可為 nil（觀測與持久化都關閉）。
func NewDispatcher(store *jobstore.Store, src source.Source, sink ResultSink,
	collector *metrics.Collector, leaseDur time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     store,
		src:       src,
		sink:      sink,
		collector: collector,
		leaseDur:  leaseDur,
		logger:    logger,
		now:       time.Now,
	}
}

// RequestJob 為 worker 領取下一個任務。沒有可租任務時回傳 (nil, false)。
// 影格在這裡載入而不是規劃時：重試的任務會重新讀檔，來源資料修復後
// 下一次租借就拿得到好影格。
func (d *Dispatcher) RequestJob(workerID string) (*JobEnvelope, bool) {
	d.Sweep()

	job, ok := d.store.Lease(workerID, d.now(), d.leaseDur)
	if !ok {
		return nil, false
	}
	if d.collector != nil {
		d.collector.RecordLease()
	}

	frames := make([]vlm.Frame, 0, len(job.Window.FrameIndices))
	for _, idx := range job.Window.FrameIndices {
		png, err := d.src.Frame(job.Window.VideoID, idx)
		if err != nil {
			d.logger.Warn("frame load failed",
				"video", job.Window.VideoID, "frame", idx, "error", err)
			png = ""
		}
		frames = append(frames, vlm.Frame{Index: idx, PNGBase64: png})
	}

	var expiry int64
	if job.LeaseExpiry != nil {
		expiry = *job.LeaseExpiry
	}
	d.logger.Info("job leased",
		"job", job.ID, "worker", workerID, "attempt", job.Attempt)

	return &JobEnvelope{
		JobID:         job.ID,
		VideoID:       job.Window.VideoID,
		WindowID:      job.Window.ID,
		StartFrame:    job.Window.StartFrame,
		EndFrame:      job.Window.EndFrame,
		Attempt:       job.Attempt,
		LeaseExpiryMs: expiry,
		Frames:        frames,
	}, true
}

// SubmitResult 接收 worker 的提交並回報結局。
// 錯誤只在任務 ID 根本不存在時回傳；租約競爭一律化為 OutcomeStale。
func (d *Dispatcher) SubmitResult(req SubmitRequest) (Outcome, error) {
	job, ok := d.store.Job(req.JobID)
	if !ok {
		return "", jobstore.ErrJobNotFound
	}

	if req.Failed {
		err := d.store.Fail(req.JobID, req.WorkerID, d.now())
		switch {
		case err == nil:
			d.logger.Warn("job failed by worker", "job", req.JobID, "worker", req.WorkerID)
			d.recordRetirement(req.JobID)
			return OutcomeRetry, nil
		default:
			if d.collector != nil {
				d.collector.RecordStale()
			}
			return OutcomeStale, nil
		}
	}

	result := &types.JobResult{
		JobID:        req.JobID,
		WindowID:     job.Window.ID,
		Transitions:  req.Transitions,
		Instructions: req.Instructions,
		Thought:      req.Thought,
		LatencySec:   req.LatencySec,
	}
	if err := d.store.Submit(req.JobID, req.WorkerID, result, d.now()); err != nil {
		d.logger.Info("stale submission dropped",
			"job", req.JobID, "worker", req.WorkerID)
		if d.collector != nil {
			d.collector.RecordStale()
		}
		return OutcomeStale, nil
	}

	if d.sink != nil {
		if err := d.sink.Append(job.Window.VideoID, req.JobID, job.Window.ID,
			req.Transitions, req.Instructions); err != nil {
			// 結果已在記憶體生效；日誌寫失敗只影響重啟後的恢復
			d.logger.Error("result journal write failed", "job", req.JobID, "error", err)
		}
	}
	if d.collector != nil {
		d.collector.RecordAccepted(req.LatencySec)
	}
	d.logger.Info("result accepted", "job", req.JobID, "window", job.Window.ID,
		"transitions", len(req.Transitions))
	return OutcomeAccepted, nil
}

// Sweep 回收到期租約，RequestJob 與背景迴圈共用
func (d *Dispatcher) Sweep() {
	requeued, failed := d.store.SweepExpired(d.now())
	for _, id := range requeued {
		d.logger.Warn("lease expired, job requeued", "job", id)
		if d.collector != nil {
			d.collector.RecordRequeued()
		}
	}
	for _, id := range failed {
		d.logger.Error("job attempts exhausted", "job", id)
		if d.collector != nil {
			d.collector.RecordDead()
		}
	}
	if d.collector != nil {
		st := d.store.Stats()
		d.collector.UpdateQueueStats(st.Queued, st.Inflight)
	}
}

// recordRetirement 顯式失敗後查任務最終狀態，分流 requeue/dead 指標
func (d *Dispatcher) recordRetirement(jobID types.JobID) {
	if d.collector == nil {
		return
	}
	job, ok := d.store.Job(jobID)
	if !ok {
		return
	}
	if job.Status == types.StatusFailedPermanent {
		d.collector.RecordDead()
	} else {
		d.collector.RecordRequeued()
	}
}
