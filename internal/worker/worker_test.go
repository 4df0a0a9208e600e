package worker

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seglab/framecut/internal/dispatch"
	"github.com/seglab/framecut/internal/jobstore"
	"github.com/seglab/framecut/internal/server"
	"github.com/seglab/framecut/internal/source"
	"github.com/seglab/framecut/internal/vlm"
	"github.com/seglab/framecut/pkg/types"
)

// rawBackend returns a fixed string verbatim, for exercising parse failures
type rawBackend struct {
	output string
}

func (r *rawBackend) Name() string { return "raw" }
func (r *rawBackend) Analyze(ctx context.Context, req vlm.Request) (string, error) {
	return r.output, nil
}

type harness struct {
	store *jobstore.Store
	ts    *httptest.Server
}

func newHarness(t *testing.T, maxAttempts int) *harness {
	t.Helper()
	store := jobstore.New(maxAttempts)
	src := &source.Mem{Frames: map[types.VideoID]map[int]string{
		"vid": {0: "Zi0w", 4: "Zi00", 7: "Zi03"},
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	disp := dispatch.NewDispatcher(store, src, nil, nil, time.Minute, logger)
	ts := httptest.NewServer(server.New(disp, store, logger).Handler())
	t.Cleanup(ts.Close)
	return &harness{store: store, ts: ts}
}

func (h *harness) addJob(t *testing.T) types.JobID {
	t.Helper()
	id := types.JobID("vid_w0")
	require.NoError(t, h.store.Add(types.Job{
		ID: id,
		Window: types.Window{
			ID: 0, VideoID: "vid",
			StartFrame: 0, EndFrame: 8,
			FrameIndices: []int{0, 4, 7},
		},
	}))
	return id
}

func newWorker(h *harness, backend vlm.Backend) *Worker {
	return New(Options{
		Backend:      backend,
		Client:       NewClient(h.ts.URL, 5*time.Second),
		PollInterval: 10 * time.Millisecond,
		ParseRetries: 1,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestWorkerCompletesJob(t *testing.T) {
	h := newHarness(t, 3)
	h.addJob(t)

	backend := &vlm.Fixed{Responses: map[int]vlm.Result{
		// transition at sampled frame 1, which is absolute frame 4
		0: {Transitions: []int{1}, Instructions: []string{"reach the handle", "open the door"}},
	}}
	w := newWorker(h, backend)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return h.store.IsRunComplete("vid") },
		3*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	results := h.store.ResultsFor("vid")
	require.Contains(t, results, 0)
	assert.Equal(t, []int{4}, results[0].Transitions)
	assert.Equal(t, []string{"reach the handle", "open the door"}, results[0].Instructions)
	assert.Greater(t, results[0].LatencySec, 0.0)
}

func TestWorkerSubmitsEmptyOnMalformedOutput(t *testing.T) {
	h := newHarness(t, 3)
	h.addJob(t)

	w := newWorker(h, &rawBackend{output: "I cannot answer that."})

	env, ok, err := w.opts.Client.FetchJob(context.Background(), w.ID())
	require.NoError(t, err)
	require.True(t, ok)

	w.process(context.Background(), env)

	require.True(t, h.store.IsRunComplete("vid"))
	results := h.store.ResultsFor("vid")
	require.Contains(t, results, 0)
	assert.Empty(t, results[0].Transitions)
}

func TestWorkerReportsBackendFailure(t *testing.T) {
	h := newHarness(t, 2)
	id := h.addJob(t)

	backend := &vlm.Fixed{FailWindows: map[int]bool{0: true}}
	w := newWorker(h, backend)

	env, ok, err := w.opts.Client.FetchJob(context.Background(), w.ID())
	require.NoError(t, err)
	require.True(t, ok)

	w.process(context.Background(), env)

	// first failure requeues the job for another attempt
	job, found := h.store.Job(id)
	require.True(t, found)
	assert.Equal(t, types.StatusQueued, job.Status)

	env, ok, err = w.opts.Client.FetchJob(context.Background(), w.ID())
	require.NoError(t, err)
	require.True(t, ok)
	w.process(context.Background(), env)

	// second failure exhausts the budget
	job, found = h.store.Job(id)
	require.True(t, found)
	assert.Equal(t, types.StatusFailedPermanent, job.Status)
}

func TestTransitionOffsets(t *testing.T) {
	env := &dispatch.JobEnvelope{
		StartFrame: 8,
		EndFrame:   16,
		Frames: []vlm.Frame{
			{Index: 8}, {Index: 10}, {Index: 13}, {Index: 15},
		},
	}

	// sampled positions 1 and 2 map to offsets 2 and 5; position 0 maps to
	// offset 0 (not a transition) and out-of-range positions vanish
	got := transitionOffsets(env, []int{0, 1, 2, -1, 9})
	assert.Equal(t, []int{2, 5}, got)
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt(6)
	assert.Contains(t, p, "6 frames")
	assert.Contains(t, p, "JSON")
	assert.Contains(t, p, "transitions")
	assert.True(t, strings.Contains(p, "0-based"))
}

func TestWorkerIdentityIsUnique(t *testing.T) {
	h := newHarness(t, 1)
	a := newWorker(h, &vlm.Fixed{})
	b := newWorker(h, &vlm.Fixed{})
	assert.NotEqual(t, a.ID(), b.ID())
	assert.NotEmpty(t, a.ID())
}
