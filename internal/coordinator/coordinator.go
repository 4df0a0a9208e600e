// ============================================================================
// framecut Coordinator - 核心協調器
// ============================================================================
//
// Package: internal/coordinator
// 文件: coordinator.go
// 功能: 串起整條管線：發現影片 → 規劃窗口 → 恢復 → 入隊 → 背景迴圈 → 定稿
//
// 啟動流程:
//  1. 發現階段：列出來源影片，略過已定稿（.DONE 存在）的
//  2. 規劃階段：每部影片決定性展開成重疊窗口並寫 manifest
//  3. 恢復階段：重放該影片的結果日誌，已有結果的窗口直接標記完成
//  4. 入隊階段：其餘窗口進入任務佇列等待 worker 租借
//
// 背景迴圈:
//   - sweepLoop: 定期回收到期租約（與領任務時的惰性掃描互補）
//   - finalizeLoop: 影片的所有窗口塵埃落定後聚合投票、建段、定稿
//
// 崩潰恢復語義:
//   結果日誌是唯一的進度來源。協調器重啟後重放日誌即可續跑，
//   執行中的租約不持久化——反正重啟後 worker 的提交會因身份不符被拒，
//   任務重新入隊重跑一次，結果冪等。
//
// ============================================================================

package coordinator

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seglab/framecut/internal/aggregate"
	"github.com/seglab/framecut/internal/checkpoint"
	"github.com/seglab/framecut/internal/dispatch"
	"github.com/seglab/framecut/internal/jobstore"
	"github.com/seglab/framecut/internal/journal"
	"github.com/seglab/framecut/internal/metrics"
	"github.com/seglab/framecut/internal/planner"
	"github.com/seglab/framecut/internal/source"
	"github.com/seglab/framecut/pkg/types"
)

// Config Coordinator 配置
type Config struct {
	WindowSize       int           // 窗口幀數
	Stride           int           // 窗口步長
	FramesPerWindow  int           // 每窗口取樣影格數
	MaxAttempts      int           // 單任務最大租用次數
	LeaseTimeout     time.Duration // 租約時長
	SweepInterval    time.Duration // 背景掃描間隔
	FinalizeInterval time.Duration // 定稿檢查間隔，零值用 1s
	AcceptFraction   float64       // 切點接受門檻比例
	MinSegmentFrames int           // 最短分段長度
	OutputDir        string        // 檢查點輸出根目錄
}

// videoRun 一部影片在本次運行中的狀態
type videoRun struct {
	nframes   int
	windows   []types.Window
	finalized bool
}

// Coordinator 核心協調器
type Coordinator struct {
	mu       sync.Mutex // 保護 runs 與 journals
	cfg      Config
	store    *jobstore.Store
	disp     *dispatch.Dispatcher
	ckpt     *checkpoint.Manager
	src      source.Source
	runs     map[types.VideoID]*videoRun
	journals map[types.VideoID]*journal.Journal

	collector *metrics.Collector
	logger    *slog.Logger

	stopCh  chan struct{}
	stopped bool
	loopWg  sync.WaitGroup
}

// NewCoordinator 建立協調器。collector 可為 nil。
func NewCoordinator(cfg Config, src source.Source, collector *metrics.Collector, logger *slog.Logger) (*Coordinator, error) {
	if cfg.WindowSize <= 0 || cfg.Stride <= 0 || cfg.Stride > cfg.WindowSize {
		return nil, fmt.Errorf("%w: window %d / stride %d", planner.ErrInvalidConfig, cfg.WindowSize, cfg.Stride)
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	if cfg.FinalizeInterval <= 0 {
		cfg.FinalizeInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{
		cfg:       cfg,
		store:     jobstore.New(cfg.MaxAttempts),
		ckpt:      checkpoint.NewManager(cfg.OutputDir),
		src:       src,
		runs:      make(map[types.VideoID]*videoRun),
		journals:  make(map[types.VideoID]*journal.Journal),
		collector: collector,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
	c.disp = dispatch.NewDispatcher(c.store, src, c, collector, cfg.LeaseTimeout, logger)
	return c, nil
}

// Dispatcher 給 HTTP 層用的分派器
func (c *Coordinator) Dispatcher() *dispatch.Dispatcher { return c.disp }

// Store 給 HTTP 層用的任務存儲
func (c *Coordinator) Store() *jobstore.Store { return c.store }

// Start 執行發現、規劃、恢復、入隊，然後啟動背景迴圈
func (c *Coordinator) Start() error {
	startTime := time.Now()

	videos, err := c.src.ListVideos()
	if err != nil {
		return fmt.Errorf("video discovery failed: %w", err)
	}

	enqueued, restored, skipped := 0, 0, 0
	for _, v := range videos {
		if c.ckpt.IsFinalized(v.ID) {
			skipped++
			c.logger.Info("video already finalized, skipping", "video", v.ID)
			continue
		}
		e, r, err := c.admitVideo(v)
		if err != nil {
			return fmt.Errorf("failed to admit video %s: %w", v.ID, err)
		}
		enqueued += e
		restored += r
	}

	c.logger.Info("startup completed",
		"duration", time.Since(startTime),
		"videos", len(videos),
		"skipped_finalized", skipped,
		"jobs_enqueued", enqueued,
		"jobs_restored", restored)

	c.loopWg.Add(2)
	go c.sweepLoop()
	go c.finalizeLoop()
	return nil
}

// admitVideo 規劃一部影片並恢復其既有進度，回傳（入隊數, 恢復數）
func (c *Coordinator) admitVideo(v source.VideoInfo) (int, int, error) {
	windows, err := planner.Plan(v.ID, v.NFrames, c.cfg.WindowSize, c.cfg.Stride)
	if err != nil {
		return 0, 0, err
	}

	// 空影片沒有窗口可跑，直接產出空分段
	if len(windows) == 0 {
		seg := types.Segmentation{VideoID: v.ID, NFrames: v.NFrames}
		if err := c.ckpt.Finalize(v.ID, seg, nil); err != nil &&
			!errors.Is(err, checkpoint.ErrAlreadyFinalized) {
			return 0, 0, err
		}
		c.logger.Info("empty video finalized", "video", v.ID)
		return 0, 0, nil
	}

	for i := range windows {
		windows[i].FrameIndices = planner.SampleFrames(windows[i], c.cfg.FramesPerWindow)
	}
	if err := c.ckpt.WriteManifest(v.ID, windows); err != nil {
		return 0, 0, err
	}

	jnlPath, err := c.ckpt.JournalPath(v.ID)
	if err != nil {
		return 0, 0, err
	}
	jnl, err := journal.Open(jnlPath)
	if err != nil {
		return 0, 0, err
	}

	// 先重放再入隊：重放只讀檔案，入隊才動狀態
	replayed := make(map[types.JobID]*types.JobResult)
	err = jnl.Replay(func(rec journal.Record) error {
		replayed[rec.JobID] = &types.JobResult{
			JobID:        rec.JobID,
			WindowID:     rec.WindowID,
			Transitions:  rec.Transitions,
			Instructions: rec.Instructions,
		}
		return nil
	})
	if err != nil {
		_ = jnl.Close()
		return 0, 0, err
	}

	enqueued, restored := 0, 0
	for _, w := range windows {
		jobID := JobIDFor(v.ID, w.ID)
		if err := c.store.Add(types.Job{ID: jobID, Window: w}); err != nil {
			_ = jnl.Close()
			return 0, 0, err
		}
		if result, ok := replayed[jobID]; ok {
			if err := c.store.Restore(jobID, result); err != nil {
				_ = jnl.Close()
				return 0, 0, err
			}
			restored++
			continue
		}
		if c.collector != nil {
			c.collector.RecordEnqueue()
		}
		enqueued++
	}

	c.mu.Lock()
	c.runs[v.ID] = &videoRun{nframes: v.NFrames, windows: windows}
	c.journals[v.ID] = jnl
	c.mu.Unlock()

	c.logger.Info("video admitted",
		"video", v.ID, "windows", len(windows), "restored", restored)
	return enqueued, restored, nil
}

// JobIDFor 任務 ID 的唯一命名規則
func JobIDFor(videoID types.VideoID, windowID int) types.JobID {
	return types.JobID(fmt.Sprintf("%s_w%d", videoID, windowID))
}

// Append 實作 dispatch.ResultSink：把接受的結果寫進對應影片的結果日誌
func (c *Coordinator) Append(videoID types.VideoID, jobID types.JobID, windowID int,
	transitions []int, instructions []string) error {
	c.mu.Lock()
	jnl := c.journals[videoID]
	c.mu.Unlock()
	if jnl == nil {
		return fmt.Errorf("no open journal for video %s", videoID)
	}
	return jnl.Append(jobID, windowID, transitions, instructions)
}

// ============================================================================
// 背景迴圈
// ============================================================================

func (c *Coordinator) sweepLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.disp.Sweep()
		}
	}
}

func (c *Coordinator) finalizeLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.FinalizeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.finalizePass()
		}
	}
}

// finalizePass 對所有塵埃落定的影片執行定稿
func (c *Coordinator) finalizePass() {
	c.mu.Lock()
	var ready []types.VideoID
	for id, run := range c.runs {
		if !run.finalized && c.store.IsRunComplete(id) {
			ready = append(ready, id)
		}
	}
	c.mu.Unlock()

	for _, id := range ready {
		if err := c.finalizeVideo(id); err != nil {
			c.logger.Error("finalize failed", "video", id, "error", err)
		}
	}
}

// finalizeVideo 聚合一部影片的投票、建段並原子寫出。
// 冪等：重複呼叫或磁碟上已有 .DONE 時靜默返回。
func (c *Coordinator) finalizeVideo(videoID types.VideoID) error {
	c.mu.Lock()
	run := c.runs[videoID]
	if run == nil || run.finalized {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	results := c.store.ResultsFor(videoID)
	tally := aggregate.Aggregate(run.nframes, run.windows, results)
	segs, err := aggregate.BuildSegments(tally, aggregate.Config{
		AcceptFraction:   c.cfg.AcceptFraction,
		MinSegmentFrames: c.cfg.MinSegmentFrames,
		ExpectedOverlap:  planner.ExpectedOverlap(c.cfg.WindowSize, c.cfg.Stride),
	})
	if err != nil {
		return err
	}

	seg := types.Segmentation{VideoID: videoID, NFrames: run.nframes, Segments: segs}
	unresolved := c.store.FailedWindows(videoID)

	if err := c.ckpt.Finalize(videoID, seg, unresolved); err != nil {
		if errors.Is(err, checkpoint.ErrAlreadyFinalized) {
			c.markFinalized(videoID)
			return nil
		}
		return err
	}
	c.markFinalized(videoID)

	if c.collector != nil {
		c.collector.RecordFinalized()
	}
	c.logger.Info("video finalized",
		"video", videoID, "segments", len(segs), "unresolved_windows", len(unresolved))
	return nil
}

func (c *Coordinator) markFinalized(videoID types.VideoID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if run := c.runs[videoID]; run != nil {
		run.finalized = true
	}
	if jnl := c.journals[videoID]; jnl != nil {
		_ = jnl.Close()
		delete(c.journals, videoID)
	}
}

// Finalized 回報某影片是否已定稿（記憶體或磁碟任一為準）
func (c *Coordinator) Finalized(videoID types.VideoID) bool {
	c.mu.Lock()
	run := c.runs[videoID]
	c.mu.Unlock()
	if run != nil && run.finalized {
		return true
	}
	return c.ckpt.IsFinalized(videoID)
}

// AllDone 回報本次運行的所有影片是否都已定稿
func (c *Coordinator) AllDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, run := range c.runs {
		if !run.finalized {
			return false
		}
	}
	return true
}

// CancelRun 取消一部影片的所有未完成任務。已接受的結果留在日誌裡，
// 重新入隊後仍可恢復。
func (c *Coordinator) CancelRun(videoID types.VideoID) int {
	n := c.store.CancelRun(videoID)
	c.logger.Info("run cancelled", "video", videoID, "jobs_cancelled", n)
	return n
}

// Stop 優雅關閉：停背景迴圈 → 補一次定稿 → 關日誌
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.logger.Info("stopping coordinator")
	close(c.stopCh)
	c.loopWg.Wait()

	// 已完成但還沒被迴圈撿到的影片，關機前補定稿
	c.finalizePass()

	c.mu.Lock()
	for id, jnl := range c.journals {
		if err := jnl.Close(); err != nil {
			c.logger.Error("journal close failed", "video", id, "error", err)
		}
		delete(c.journals, id)
	}
	c.mu.Unlock()
	c.logger.Info("coordinator stopped")
}
