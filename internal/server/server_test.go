package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seglab/framecut/internal/dispatch"
	"github.com/seglab/framecut/internal/jobstore"
	"github.com/seglab/framecut/internal/source"
	"github.com/seglab/framecut/pkg/types"
)

func newTestServer(t *testing.T) (*httptest.Server, *jobstore.Store) {
	t.Helper()
	store := jobstore.New(3)
	src := &source.Mem{Frames: map[types.VideoID]map[int]string{"vid": {0: "cGl4ZWxz"}}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	disp := dispatch.NewDispatcher(store, src, nil, nil, time.Minute, logger)

	ts := httptest.NewServer(New(disp, store, logger).Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func addJob(t *testing.T, store *jobstore.Store) types.JobID {
	t.Helper()
	id := types.JobID("vid_w0")
	err := store.Add(types.Job{
		ID: id,
		Window: types.Window{
			ID: 0, VideoID: "vid",
			StartFrame: 0, EndFrame: 8,
			FrameIndices: []int{0, 4},
		},
	})
	require.NoError(t, err)
	return id
}

func getJob(t *testing.T, ts *httptest.Server, workerID string) (JobResponse, int) {
	t.Helper()
	resp, err := http.Get(ts.URL + "/v1/job?worker=" + workerID)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out JobResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return out, resp.StatusCode
}

func postResult(t *testing.T, ts *httptest.Server, req dispatch.SubmitRequest) (string, int) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/v1/result", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return out["status"], resp.StatusCode
}

func TestGetJobAndSubmit(t *testing.T) {
	ts, store := newTestServer(t)
	id := addJob(t, store)

	out, code := getJob(t, ts, "worker-1")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", out.Status)
	require.NotNil(t, out.Job)
	assert.Equal(t, id, out.Job.JobID)
	assert.Equal(t, "cGl4ZWxz", out.Job.Frames[0].PNGBase64)

	status, code := postResult(t, ts, dispatch.SubmitRequest{
		JobID: id, WorkerID: "worker-1", Transitions: []int{2},
	})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "accepted", status)
	assert.True(t, store.IsRunComplete("vid"))
}

// 線路格式全部 snake_case，影格欄位也不例外
func TestGetJobWireFormat(t *testing.T) {
	ts, store := newTestServer(t)
	addJob(t, store)

	resp, err := http.Get(ts.URL + "/v1/job?worker=worker-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	body := string(raw)
	assert.Contains(t, body, `"status":"ok"`)
	assert.Contains(t, body, `"job_id"`)
	assert.Contains(t, body, `"png_base64"`)
	assert.NotContains(t, body, "PNGBase64")
}

func TestGetJobEmptyQueue(t *testing.T) {
	ts, _ := newTestServer(t)

	out, code := getJob(t, ts, "worker-1")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "empty", out.Status)
	assert.Nil(t, out.Job)
}

func TestGetJobMissingWorkerID(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/job")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPostResultStale(t *testing.T) {
	ts, store := newTestServer(t)
	id := addJob(t, store)
	_, code := getJob(t, ts, "worker-1")
	require.Equal(t, http.StatusOK, code)

	status, code := postResult(t, ts, dispatch.SubmitRequest{JobID: id, WorkerID: "impostor"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "stale", status)
}

func TestPostResultUnknownJob(t *testing.T) {
	ts, _ := newTestServer(t)

	_, code := postResult(t, ts, dispatch.SubmitRequest{JobID: "ghost", WorkerID: "w"})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPostResultBadBody(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/v1/result", "application/json", bytes.NewReader([]byte("{broken")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/v1/result", "application/json", bytes.NewReader([]byte("{}")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	ts, store := newTestServer(t)
	addJob(t, store)

	resp, err := http.Get(ts.URL + "/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 1, out.Stats.Queued)
	assert.Equal(t, []string{"vid"}, out.Videos)
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
