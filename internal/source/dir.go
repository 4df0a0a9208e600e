package source

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/seglab/framecut/pkg/types"
)

const (
	metaFile  = "meta.yaml"
	framesDir = "frames"
)

type videoMeta struct {
	NFrames int     `yaml:"nframes"`
	FPS     float64 `yaml:"fps"`
}

// Dir 檔案系統來源。佈局：
//
//	<root>/<video_id>/meta.yaml          nframes 與 fps
//	<root>/<video_id>/frames/000123.png  依幀號命名的影格
//
// 沒有 meta.yaml 的子目錄直接略過，root 下的一般檔案也是。
type Dir struct {
	root string
}

func NewDir(root string) *Dir {
	return &Dir{root: root}
}

func (d *Dir) ListVideos() ([]VideoInfo, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("failed to scan videos dir %s: %w", d.root, err)
	}

	var out []VideoInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		metaPath := filepath.Join(d.root, e.Name(), metaFile)
		data, err := os.ReadFile(metaPath)
		if err != nil {
			continue
		}
		var meta videoMeta
		if err := yaml.Unmarshal(data, &meta); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", metaPath, err)
		}
		if meta.NFrames < 0 {
			return nil, fmt.Errorf("invalid nframes %d in %s", meta.NFrames, metaPath)
		}
		out = append(out, VideoInfo{
			ID:      types.VideoID(e.Name()),
			NFrames: meta.NFrames,
			FPS:     meta.FPS,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Frame 讀取單一影格並做 base64 編碼。檔案缺失或讀取失敗回空字串：
// 取樣到壞幀時窗口仍要送出，由後端面對缺圖。
func (d *Dir) Frame(videoID types.VideoID, index int) (string, error) {
	path := filepath.Join(d.root, string(videoID), framesDir, fmt.Sprintf("%06d.png", index))
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
