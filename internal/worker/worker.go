// ============================================================================
// framecut Worker - Window Inference Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Poll loop that leases window jobs, runs the vision backend,
//           and submits results back to the coordinator
//
// How it works:
//   1. GET /v1/job — lease the next window together with its sampled frames
//   2. Build the boundary-detection prompt and call the backend
//   3. Parse the model output, retrying locally on malformed JSON
//   4. POST /v1/result — accepted, stale, or retry decides nothing here;
//      the coordinator owns the lease state machine
//
// Failure policy:
//   - Backend/transport error after local retries → report Failed so the
//     lease is retired immediately instead of waiting for expiry
//   - Persistently malformed output → submit an EMPTY result: a window
//     with no usable votes is still a completed window, and burning the
//     whole attempt budget on a model quirk would dead-letter it
//
// Identity:
//   Each worker gets a fresh UUID per process. The coordinator uses it to
//   tell a live lease holder from a zombie that lost its lease.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/seglab/framecut/internal/dispatch"
	"github.com/seglab/framecut/internal/vlm"
)

// Options worker 行為參數
type Options struct {
	Backend      vlm.Backend
	Client       *Client
	PollInterval time.Duration
	MaxBackoff   time.Duration
	ParseRetries int
	Logger       *slog.Logger
}

// Worker 單一推理工作者
type Worker struct {
	id   string
	opts Options
}

func New(opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.PollInterval {
		opts.MaxBackoff = 10 * time.Second
	}
	if opts.ParseRetries < 0 {
		opts.ParseRetries = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{
		id:   uuid.NewString(),
		opts: opts,
	}
}

// ID 回傳本 worker 的租約身份
func (w *Worker) ID() string { return w.id }

// Run 主迴圈，直到 ctx 取消才返回。
// 拉不到任務時按 PollInterval 輪詢；協調器連不上時指數退避。
func (w *Worker) Run(ctx context.Context) error {
	backoff := w.opts.PollInterval
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		env, ok, err := w.opts.Client.FetchJob(ctx, w.id)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.opts.Logger.Warn("fetch job failed", "worker", w.id, "error", err)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, w.opts.MaxBackoff)
			continue
		}
		backoff = w.opts.PollInterval

		if !ok {
			if !sleep(ctx, w.opts.PollInterval) {
				return ctx.Err()
			}
			continue
		}

		w.process(ctx, env)
	}
}

// process 跑完一個租約：推理、解析、提交
func (w *Worker) process(ctx context.Context, env *dispatch.JobEnvelope) {
	start := time.Now()
	req := vlm.Request{
		VideoID:  string(env.VideoID),
		WindowID: env.WindowID,
		Prompt:   BuildPrompt(len(env.Frames)),
		Frames:   env.Frames,
	}

	var res *vlm.Result
	var lastErr error
	for attempt := 0; attempt <= w.opts.ParseRetries; attempt++ {
		raw, err := w.opts.Backend.Analyze(ctx, req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return
			}
			w.opts.Logger.Warn("backend call failed",
				"job", env.JobID, "attempt", attempt+1, "error", err)
			continue
		}
		parsed, err := vlm.ExtractResult(raw)
		if err != nil {
			lastErr = err
			w.opts.Logger.Warn("unparseable backend output",
				"job", env.JobID, "attempt", attempt+1, "error", err)
			continue
		}
		res = parsed
		break
	}

	sub := dispatch.SubmitRequest{
		JobID:      env.JobID,
		WorkerID:   w.id,
		LatencySec: time.Since(start).Seconds(),
	}
	switch {
	case res != nil:
		sub.Transitions = transitionOffsets(env, res.Transitions)
		sub.Instructions = res.Instructions
		sub.Thought = res.Thought
	case errors.Is(lastErr, vlm.ErrMalformedResult):
		w.opts.Logger.Warn("submitting empty result after parse retries", "job", env.JobID)
	default:
		sub.Failed = true
	}

	outcome, err := w.opts.Client.Submit(ctx, sub)
	if err != nil {
		// 提交失敗就放掉：租約到期後協調器會重排
		w.opts.Logger.Error("submit failed, abandoning lease", "job", env.JobID, "error", err)
		return
	}
	w.opts.Logger.Info("job finished",
		"job", env.JobID, "outcome", outcome, "latency_s", sub.LatencySec)
}

// transitionOffsets 把模型回報的取樣影格序號換算成窗口內幀偏移。
// 序號越界、或換算後落在窗口邊界外的值直接丟棄。
func transitionOffsets(env *dispatch.JobEnvelope, indices []int) []int {
	span := env.EndFrame - env.StartFrame
	var out []int
	for _, t := range indices {
		if t < 0 || t >= len(env.Frames) {
			continue
		}
		off := env.Frames[t].Index - env.StartFrame
		if off <= 0 || off >= span {
			continue
		}
		out = append(out, off)
	}
	return out
}

// sleep 可取消的等待，回傳 false 表示 ctx 已取消
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
