// Package source abstracts where videos and their frames come from.
// The coordinator only needs frame counts up front; pixel data is loaded
// lazily when a window job is handed to a worker.
package source

import "github.com/seglab/framecut/pkg/types"

// VideoInfo 影片的規劃期中繼資料
type VideoInfo struct {
	ID      types.VideoID
	NFrames int
	FPS     float64
}

// Source 影片來源。Frame 回傳 base64 編碼的 PNG；
// 讀不到的影格回傳空字串而不是錯誤，缺幀是資料問題，不該讓任務失敗。
type Source interface {
	ListVideos() ([]VideoInfo, error)
	Frame(videoID types.VideoID, index int) (string, error)
}

// Mem 全記憶體來源，測試用
type Mem struct {
	Videos []VideoInfo
	Frames map[types.VideoID]map[int]string
}

func (m *Mem) ListVideos() ([]VideoInfo, error) {
	out := make([]VideoInfo, len(m.Videos))
	copy(out, m.Videos)
	return out, nil
}

func (m *Mem) Frame(videoID types.VideoID, index int) (string, error) {
	return m.Frames[videoID][index], nil
}
