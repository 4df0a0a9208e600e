// ============================================================================
// Framecut 端到端流水線測試套件
// ============================================================================
//
// Package: test/integration
// 文件: pipeline_test.go
// 功能: 完整流水線測試（規劃 → 分派 → 推理 → 聚合 → 定稿）
//
// 測試目標:
//   以真實的 HTTP 服務與真實的 worker 驗證整條流水線：
//   1. 協調器規劃窗口並入隊
//   2. Worker 透過 HTTP 輪詢、租用、推理、回報
//   3. 投票聚合產生正確的切點與指令
//   4. 定稿後 segments.json 完整鋪滿影片
//
// TestEndToEndPipeline:
//   單部 16 幀影片，窗口 8 / 步長 4 / 每窗 8 影格
//   - 窗口 0 與窗口 1 都在絕對幀 6 投票（權重和 ≈ 1.16 > 門檻 1.0）
//   - 預期分段 [0,6) 與 [6,16)
//   - 空影片應立即定稿為零分段
//
// TestConcurrentWorkersCompleteAllVideos:
//   四部影片 × 四個並發 worker
//   - 每個窗口恰好一份結果（互斥：不會重複完成）
//   - 每部影片的分段完整鋪滿 [0, nframes)
//
// 測試環境:
//   - httptest.Server 承載任務 API
//   - vlm.Fixed 決定性後端（無外部推理服務）
//   - source.Mem 記憶體影格來源
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seglab/framecut/internal/checkpoint"
	"github.com/seglab/framecut/internal/coordinator"
	"github.com/seglab/framecut/internal/server"
	"github.com/seglab/framecut/internal/source"
	"github.com/seglab/framecut/internal/vlm"
	"github.com/seglab/framecut/internal/worker"
	"github.com/seglab/framecut/pkg/types"
)

// pipelineConfig 16 幀影片 → 窗口 [0,8) [4,12) [8,16)，每窗取樣全部 8 幀，
// 所以 Fixed 回覆裡的轉場索引就等於窗口內偏移。
func pipelineConfig(dir string) coordinator.Config {
	return coordinator.Config{
		WindowSize:       8,
		Stride:           4,
		FramesPerWindow:  8,
		MaxAttempts:      3,
		LeaseTimeout:     30 * time.Second,
		SweepInterval:    50 * time.Millisecond,
		FinalizeInterval: 20 * time.Millisecond,
		AcceptFraction:   0.5,
		MinSegmentFrames: 3,
		OutputDir:        dir,
	}
}

// kitchenBackend 窗口 0 與 1 都指向絕對幀 6 的同一個轉場
func kitchenBackend() *vlm.Fixed {
	return &vlm.Fixed{
		Responses: map[int]vlm.Result{
			0: {Transitions: []int{6}, Instructions: []string{"lift the kettle", "pour the water"}},
			1: {Transitions: []int{2}, Instructions: []string{"pour the water", "stir the pot"}},
			2: {Instructions: []string{"wipe the counter"}},
		},
	}
}

func memVideo(id string, nframes int) source.VideoInfo {
	return source.VideoInfo{ID: types.VideoID(id), NFrames: nframes, FPS: 1}
}

// startCluster 啟動協調器、HTTP 服務與 n 個 worker，並註冊反向順序的清理。
func startCluster(t *testing.T, cfg coordinator.Config, src source.Source, backend vlm.Backend, n int) *coordinator.Coordinator {
	t.Helper()

	logger := slog.Default()
	c, err := coordinator.NewCoordinator(cfg, src, nil, logger)
	require.NoError(t, err)
	require.NoError(t, c.Start())

	srv := httptest.NewServer(server.New(c.Dispatcher(), c.Store(), logger).Handler())
	ctx, cancel := context.WithCancel(context.Background())

	// LIFO：先停 worker，再停協調器，最後關 HTTP
	t.Cleanup(srv.Close)
	t.Cleanup(c.Stop)
	t.Cleanup(cancel)

	for i := 0; i < n; i++ {
		w := worker.New(worker.Options{
			Backend:      backend,
			Client:       worker.NewClient(srv.URL, 5*time.Second),
			PollInterval: 10 * time.Millisecond,
			Logger:       logger,
		})
		go w.Run(ctx)
	}
	return c
}

// requireTiles 分段必須互不重疊、無縫隙地鋪滿 [0, nframes)
func requireTiles(t *testing.T, seg types.Segmentation) {
	t.Helper()
	cursor := 0
	for i, s := range seg.Segments {
		require.Equal(t, i, s.SegID)
		require.Equal(t, cursor, s.StartFrame)
		require.Greater(t, s.EndFrame, s.StartFrame)
		cursor = s.EndFrame
	}
	require.Equal(t, seg.NFrames, cursor)
}

func TestEndToEndPipeline(t *testing.T) {
	dir := t.TempDir()
	src := &source.Mem{
		Videos: []source.VideoInfo{memVideo("kitchen", 16), memVideo("blank", 0)},
		Frames: map[types.VideoID]map[int]string{
			"kitchen": {0: "cGl4ZWxz", 6: "cGl4ZWxz"},
		},
	}

	c := startCluster(t, pipelineConfig(dir), src, kitchenBackend(), 2)

	require.Eventually(t, c.AllDone, 10*time.Second, 20*time.Millisecond,
		"所有影片應在期限內定稿")

	ckpt := checkpoint.NewManager(dir)

	// 空影片：零分段，立即定稿
	blank, err := ckpt.LoadSegments("blank")
	require.NoError(t, err)
	require.Empty(t, blank.Segments)

	seg, err := ckpt.LoadSegments("kitchen")
	require.NoError(t, err)
	requireTiles(t, seg)
	require.Len(t, seg.Segments, 2)
	require.Equal(t, 6, seg.Segments[0].EndFrame)
	require.Equal(t, "lift the kettle", seg.Segments[0].Instruction)
	require.Equal(t, "wipe the counter", seg.Segments[1].Instruction)

	// 互斥：三個窗口各恰好一份結果
	results := c.Store().ResultsFor("kitchen")
	require.Len(t, results, 3)
}

func TestConcurrentWorkersCompleteAllVideos(t *testing.T) {
	dir := t.TempDir()
	videos := make([]source.VideoInfo, 0, 4)
	for i := 0; i < 4; i++ {
		videos = append(videos, memVideo(fmt.Sprintf("clip-%d", i), 16))
	}
	src := &source.Mem{Videos: videos}

	c := startCluster(t, pipelineConfig(dir), src, kitchenBackend(), 4)

	require.Eventually(t, c.AllDone, 15*time.Second, 20*time.Millisecond)

	stats := c.Store().Stats()
	require.Zero(t, stats.Queued)
	require.Zero(t, stats.Inflight)
	require.Zero(t, stats.FailedPermanent)
	require.Equal(t, 12, stats.Done, "4 部影片 × 3 個窗口")

	ckpt := checkpoint.NewManager(dir)
	for _, v := range videos {
		require.Len(t, c.Store().ResultsFor(v.ID), 3, "video %s", v.ID)
		seg, err := ckpt.LoadSegments(v.ID)
		require.NoError(t, err)
		requireTiles(t, seg)
		require.Len(t, seg.Segments, 2)
	}
}
