// ============================================================================
// 職責說明：
// 1. 持久化每部影片的最終分段結果（segments.json）
// 2. 兩步寫入：先寫資料（temp file + rename 原子替換），再寫完成標記 .DONE
//    → 重啟的 run 永遠不會看到「有標記但資料不完整」的狀態
// 3. IsFinalized 讓重啟後的 run 跳過已完成影片（整條流水線可安全重跑）
// 4. 另存窗口清單與未解析窗口報告，供品質檢查
// ============================================================================

package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/seglab/framecut/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrAlreadyFinalized = errors.New("checkpoint: video already finalized")
	ErrNotFinalized     = errors.New("checkpoint: video not finalized")
)

const (
	segmentsFile   = "segments.json"
	manifestFile   = "windows.json"
	unresolvedFile = "unresolved_windows.json"
	journalFile    = "results.jsonl"
	doneMarker     = ".DONE"
)

// Manager 一個 run 的檢查點管理器
type Manager struct {
	dir string     // run 輸出根目錄
	mu  sync.Mutex // 保護 finalize 的兩步寫入
}

// unresolvedReport 未解析窗口報告：run 結束時仍為 failed_permanent 的窗口
type unresolvedReport struct {
	VideoID types.VideoID `json:"video_id"`
	Windows []int         `json:"unresolved_windows"`
}

// NewManager 建立檢查點管理器
func NewManager(dir string) *Manager {
	return &Manager{dir: dir}
}

// VideoDir 回傳（並建立）影片輸出目錄
func (m *Manager) VideoDir(videoID types.VideoID) (string, error) {
	p := filepath.Join(m.dir, string(videoID))
	if err := os.MkdirAll(p, 0o755); err != nil {
		return "", fmt.Errorf("checkpoint: mkdir %s: %w", p, err)
	}
	return p, nil
}

// JournalPath 回傳影片結果日誌的路徑
func (m *Manager) JournalPath(videoID types.VideoID) (string, error) {
	dir, err := m.VideoDir(videoID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, journalFile), nil
}

// WriteManifest 寫出一部影片的窗口清單（每個 run 一次，便於除錯與審計）
func (m *Manager) WriteManifest(videoID types.VideoID, windows []types.Window) error {
	dir, err := m.VideoDir(videoID)
	if err != nil {
		return err
	}
	return writeJSONAtomic(filepath.Join(dir, manifestFile), windows)
}

// Finalize 持久化最終分段並寫入完成標記。
//
// 寫入順序是關鍵：segments.json 先原子落盤，.DONE 最後建立。
// 影片已有完成標記時回傳 ErrAlreadyFinalized，呼叫端應視為冪等 no-op
// （併發 finalize 的第二方會在這裡停下，不會覆寫任何資料）。
func (m *Manager) Finalize(videoID types.VideoID, seg types.Segmentation, unresolved []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isFinalizedLocked(videoID) {
		return ErrAlreadyFinalized
	}

	dir, err := m.VideoDir(videoID)
	if err != nil {
		return err
	}

	// 1. 資料先落盤
	if err := writeJSONAtomic(filepath.Join(dir, segmentsFile), seg); err != nil {
		return err
	}
	if len(unresolved) > 0 {
		report := unresolvedReport{VideoID: videoID, Windows: unresolved}
		if err := writeJSONAtomic(filepath.Join(dir, unresolvedFile), report); err != nil {
			return err
		}
	}

	// 2. 最後寫完成標記
	marker, err := os.OpenFile(filepath.Join(dir, doneMarker), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("checkpoint: write done marker: %w", err)
	}
	return marker.Close()
}

// IsFinalized 檢查影片是否已有完成標記
func (m *Manager) IsFinalized(videoID types.VideoID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isFinalizedLocked(videoID)
}

func (m *Manager) isFinalizedLocked(videoID types.VideoID) bool {
	_, err := os.Stat(filepath.Join(m.dir, string(videoID), doneMarker))
	return err == nil
}

// LoadSegments 載入已完成影片的分段結果
func (m *Manager) LoadSegments(videoID types.VideoID) (types.Segmentation, error) {
	var seg types.Segmentation

	if !m.IsFinalized(videoID) {
		return seg, fmt.Errorf("%w: %s", ErrNotFinalized, videoID)
	}

	raw, err := os.ReadFile(filepath.Join(m.dir, string(videoID), segmentsFile))
	if err != nil {
		return seg, fmt.Errorf("checkpoint: read segments: %w", err)
	}
	if err := json.Unmarshal(raw, &seg); err != nil {
		return seg, fmt.Errorf("checkpoint: parse segments: %w", err)
	}
	return seg, nil
}

// writeJSONAtomic 以 temp file + rename 原子寫入 JSON 檔
func writeJSONAtomic(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal %s: %w", filepath.Base(path), err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write temp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("checkpoint: rename %s: %w", path, err)
	}
	return nil
}
