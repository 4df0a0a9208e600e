// ============================================================================
// framecut 任務存儲 - 任務狀態機實現
// ============================================================================
//
// Package: internal/jobstore
// 文件: jobstore.go
// 功能: 管理窗口任務的完整生命週期和狀態轉換
//
// 任務狀態轉換 (State Machine):
//   Queued (待處理)
//      ↓ Lease()
//   Inflight (執行中，持有租約)
//      ↓ Submit() 成功 → Done (已完成)
//      ↓ 租約到期 / Fail() → Queued (重試) 或 FailedPermanent (重試耗盡)
//
// 狀態轉換規則:
//   - Queued → Inflight: 通過 Lease()（FIFO，記錄 worker 身份與租約到期時間）
//   - Inflight → Done: 通過 Submit()（必須由持有租約的 worker 提交）
//   - Inflight → Queued: 租約到期 SweepExpired() 或 Fail()（重試次數未耗盡）
//   - Inflight → FailedPermanent: 重試次數耗盡
//
// 數據結構設計:
//   jobs map[JobID]*Job - 主存儲，作為單一真實來源
//   queue []JobID       - 待處理佇列，按窗口順序保證 FIFO
//   byVideo map         - 每部影片的任務索引，支援完成判定與取消
//   results map         - 已接受的結果，聚合時讀取
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - 所有狀態轉換都在單一臨界區內完成（單一變更路徑）
//   - Submit 與 SweepExpired 競爭時，先取得鎖者獲勝：
//     sweep 在鎖內重新確認 inflight 狀態與到期時間，已完成的任務不會被重排
//
// ============================================================================

package jobstore

import (
	"errors"
	"sync"
	"time"

	"github.com/seglab/framecut/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrDuplicateJob 任務 ID 重複
	ErrDuplicateJob = errors.New("jobstore: job already exists")
	// ErrJobNotFound 任務不存在
	ErrJobNotFound = errors.New("jobstore: job not found")
	// ErrStaleSubmission 過期提交：租約已被回收或已由他人完成（呼叫端視為冪等 no-op）
	ErrStaleSubmission = errors.New("jobstore: stale submission")
	// ErrNotQueued 任務不在待處理狀態
	ErrNotQueued = errors.New("jobstore: job not queued")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Store 任務存儲，一個 run 一個實例
type Store struct {
	mu          sync.RWMutex
	jobs        map[types.JobID]*types.Job           // 所有任務的統一儲存
	queue       []types.JobID                        // 待處理佇列（FIFO by window order）
	byVideo     map[types.VideoID][]types.JobID      // 每部影片的任務索引
	results     map[types.JobID]*types.JobResult     // 已接受的結果
	maxAttempts int                                  // 每個任務的最大租用次數
}

// Stats 各狀態任務的統計
type Stats struct {
	Queued          int `json:"queued"`
	Inflight        int `json:"inflight"`
	Done            int `json:"done"`
	FailedPermanent int `json:"failed_permanent"`
}

// New 建立新的任務存儲
func New(maxAttempts int) *Store {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Store{
		jobs:        make(map[types.JobID]*types.Job),
		queue:       make([]types.JobID, 0),
		byVideo:     make(map[types.VideoID][]types.JobID),
		results:     make(map[types.JobID]*types.JobResult),
		maxAttempts: maxAttempts,
	}
}

// ============================================================================
// 任務生命週期
// ============================================================================

// Add 將新任務加入存儲，設定為待處理狀態
func (s *Store) Add(job types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return ErrDuplicateJob
	}

	now := time.Now().UnixMilli()
	job.Status = types.StatusQueued
	job.Attempt = 0
	job.LeaseExpiry = nil
	job.WorkerID = ""
	job.CreatedAt = now
	job.UpdatedAt = now

	s.jobs[job.ID] = &job
	s.queue = append(s.queue, job.ID)
	s.byVideo[job.Window.VideoID] = append(s.byVideo[job.Window.VideoID], job.ID)
	return nil
}

// Restore 將任務直接標記為完成並附上結果，用於從結果日誌恢復。
// 任務必須處於待處理狀態（剛由 Add 建立）。
func (s *Store) Restore(jobID types.JobID, result *types.JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return ErrJobNotFound
	}
	if job.Status != types.StatusQueued {
		return ErrNotQueued
	}

	job.Status = types.StatusDone
	job.UpdatedAt = time.Now().UnixMilli()
	s.results[jobID] = result
	return nil
}

// Lease 取出最舊的待處理任務並授予租約。
// 回傳任務副本；沒有可租任務時回傳 (nil, false)。
//
// 原子性保證：同一個任務只會被一個呼叫者取得（整段在鎖內完成）。
func (s *Store) Lease(workerID string, now time.Time, leaseDur time.Duration) (*types.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) > 0 {
		jobID := s.queue[0]
		s.queue = s.queue[1:]

		job, exists := s.jobs[jobID]
		if !exists || job.Status != types.StatusQueued {
			// 佇列裡可能殘留已取消的任務 ID，跳過
			continue
		}

		expiry := now.Add(leaseDur).UnixMilli()
		job.Status = types.StatusInflight
		job.Attempt++
		job.LeaseExpiry = &expiry
		job.WorkerID = workerID
		job.UpdatedAt = now.UnixMilli()

		cp := *job
		return &cp, true
	}
	return nil, false
}

// Submit 接受 worker 的結果提交。
//
// 只有當任務處於執行中且 workerID 與持有租約者一致時才接受；
// 否則回傳 ErrStaleSubmission（租約已到期被回收、或結果已由他人提交），
// 呼叫端應將其視為非錯誤的冪等 no-op。
func (s *Store) Submit(jobID types.JobID, workerID string, result *types.JobResult, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return ErrJobNotFound
	}
	if job.Status != types.StatusInflight || job.WorkerID != workerID {
		return ErrStaleSubmission
	}

	job.Status = types.StatusDone
	job.LeaseExpiry = nil
	job.WorkerID = ""
	job.UpdatedAt = now.UnixMilli()
	s.results[jobID] = result
	return nil
}

// Fail 處理 worker 的顯式失敗回報：重排或標記永久失敗（與租約到期同一規則）。
// 同樣受身份驗證保護，過期回報回傳 ErrStaleSubmission。
func (s *Store) Fail(jobID types.JobID, workerID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return ErrJobNotFound
	}
	if job.Status != types.StatusInflight || job.WorkerID != workerID {
		return ErrStaleSubmission
	}

	s.retireLeaseLocked(job, now)
	return nil
}

// SweepExpired 掃描租約到期的執行中任務並依重試規則處理。
// 回傳重排與永久失敗的任務 ID，供呼叫端記錄。
//
// 競爭語義：到期判定與狀態轉換在同一個臨界區內，
// 因此先於 sweep 取得鎖的 Submit 永遠獲勝。
func (s *Store) SweepExpired(now time.Time) (requeued, failed []types.JobID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := now.UnixMilli()
	for jobID, job := range s.jobs {
		if job.Status != types.StatusInflight {
			continue
		}
		if job.LeaseExpiry == nil || *job.LeaseExpiry >= nowMs {
			continue
		}
		if s.retireLeaseLocked(job, now) {
			requeued = append(requeued, jobID)
		} else {
			failed = append(failed, jobID)
		}
	}
	return requeued, failed
}

// retireLeaseLocked 收回租約：重試次數未耗盡則重排，否則標記永久失敗。
// 回傳 true 表示已重排。呼叫者必須持有寫鎖。
func (s *Store) retireLeaseLocked(job *types.Job, now time.Time) bool {
	job.LeaseExpiry = nil
	job.WorkerID = ""
	job.UpdatedAt = now.UnixMilli()

	if job.Attempt >= s.maxAttempts {
		job.Status = types.StatusFailedPermanent
		return false
	}
	job.Status = types.StatusQueued
	s.queue = append(s.queue, job.ID)
	return true
}

// CancelRun 取消一部影片的所有未完成任務（queued/inflight → failed_permanent）。
// 回傳被取消的任務數。其他影片不受影響。
func (s *Store) CancelRun(videoID types.VideoID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cancelled := 0
	for _, jobID := range s.byVideo[videoID] {
		job := s.jobs[jobID]
		if job == nil {
			continue
		}
		if job.Status == types.StatusQueued || job.Status == types.StatusInflight {
			job.Status = types.StatusFailedPermanent
			job.LeaseExpiry = nil
			job.WorkerID = ""
			job.UpdatedAt = time.Now().UnixMilli()
			cancelled++
		}
	}
	return cancelled
}

// ============================================================================
// 查詢方法
// ============================================================================

// IsRunComplete 當且僅當一部影片的所有任務都處於終態（done 或 failed_permanent）
// 且至少有一個任務時回傳 true。
func (s *Store) IsRunComplete(videoID types.VideoID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byVideo[videoID]
	if len(ids) == 0 {
		return false
	}
	for _, jobID := range ids {
		job := s.jobs[jobID]
		if job == nil {
			continue
		}
		if job.Status != types.StatusDone && job.Status != types.StatusFailedPermanent {
			return false
		}
	}
	return true
}

// ResultsFor 回傳一部影片所有已完成任務的結果，以 window ID 為鍵。
func (s *Store) ResultsFor(videoID types.VideoID) map[int]*types.JobResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int]*types.JobResult)
	for _, jobID := range s.byVideo[videoID] {
		if res, ok := s.results[jobID]; ok {
			out[s.jobs[jobID].Window.ID] = res
		}
	}
	return out
}

// FailedWindows 回傳一部影片永久失敗任務的 window ID（報告未解析窗口用）。
func (s *Store) FailedWindows(videoID types.VideoID) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []int
	for _, jobID := range s.byVideo[videoID] {
		job := s.jobs[jobID]
		if job != nil && job.Status == types.StatusFailedPermanent {
			out = append(out, job.Window.ID)
		}
	}
	return out
}

// Job 取得任務副本
func (s *Store) Job(jobID types.JobID) (types.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return types.Job{}, false
	}
	return *job, true
}

// Videos 回傳存儲中出現過的影片 ID 列表
func (s *Store) Videos() []types.VideoID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.VideoID, 0, len(s.byVideo))
	for id := range s.byVideo {
		out = append(out, id)
	}
	return out
}

// Stats 取得各狀態任務的統計資訊
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	for _, job := range s.jobs {
		switch job.Status {
		case types.StatusQueued:
			st.Queued++
		case types.StatusInflight:
			st.Inflight++
		case types.StatusDone:
			st.Done++
		case types.StatusFailedPermanent:
			st.FailedPermanent++
		}
	}
	return st
}
