// ============================================================================
// 職責說明：
// 1. 將影片的總幀數映射為一串有序、可重疊的窗口
// 2. 在每個窗口內等距取樣要送交推理的幀
// 3. 決定性輸出：相同輸入永遠得到相同窗口列表，支援崩潰後重建任務
// ============================================================================

package planner

import (
	"errors"
	"fmt"
	"math"

	"github.com/seglab/framecut/pkg/types"
)

var (
	// ErrInvalidConfig 窗口參數不合法（會在啟動時 fail fast）
	ErrInvalidConfig = errors.New("planner: invalid window config")
)

// Plan maps a frame count and window parameters to an ordered sequence of
// overlapping windows. Windows start at 0, stride, 2*stride, ...; each spans
// windowSize frames clipped to nframes at the tail, so the final window may
// be shorter. Generation stops once a window reaches nframes.
//
// Constraints: stride > 0, windowSize > 0 and stride <= windowSize. The last
// one guarantees the union of all windows is exactly [0, nframes) with no
// coverage gap; violations return ErrInvalidConfig.
func Plan(videoID types.VideoID, nframes, windowSize, stride int) ([]types.Window, error) {
	if windowSize <= 0 {
		return nil, fmt.Errorf("%w: window_size=%d, must be > 0", ErrInvalidConfig, windowSize)
	}
	if stride <= 0 {
		return nil, fmt.Errorf("%w: stride=%d, must be > 0", ErrInvalidConfig, stride)
	}
	if stride > windowSize {
		return nil, fmt.Errorf("%w: stride=%d > window_size=%d leaves coverage gaps", ErrInvalidConfig, stride, windowSize)
	}
	if nframes < 0 {
		return nil, fmt.Errorf("%w: nframes=%d, must be >= 0", ErrInvalidConfig, nframes)
	}
	if nframes == 0 {
		return nil, nil
	}

	var windows []types.Window
	for start, wid := 0, 0; ; start, wid = start+stride, wid+1 {
		end := start + windowSize
		if end > nframes {
			end = nframes
		}
		windows = append(windows, types.Window{
			ID:         wid,
			VideoID:    videoID,
			StartFrame: start,
			EndFrame:   end,
		})
		if end >= nframes {
			break
		}
	}
	return windows, nil
}

// SampleFrames 在窗口 [StartFrame, EndFrame) 內等距取樣 perWindow 個絕對幀索引。
// perWindow 大於窗口長度時允許重複索引（短尾窗口）；perWindow <= 0 回傳 nil。
func SampleFrames(w types.Window, perWindow int) []int {
	if perWindow <= 0 || w.Len() <= 0 {
		return nil
	}
	first := w.StartFrame
	last := w.EndFrame - 1
	if perWindow == 1 {
		return []int{first}
	}

	idx := make([]int, perWindow)
	span := float64(last - first)
	for k := 0; k < perWindow; k++ {
		f := first + int(math.Round(span*float64(k)/float64(perWindow-1)))
		if f < first {
			f = first
		}
		if f > last {
			f = last
		}
		idx[k] = f
	}
	return idx
}

// ExpectedOverlap 回傳穩定狀態下一個幀被幾個窗口覆蓋（頭尾會較少）。
func ExpectedOverlap(windowSize, stride int) int {
	if stride <= 0 {
		return 1
	}
	n := (windowSize + stride - 1) / stride
	if n < 1 {
		n = 1
	}
	return n
}
