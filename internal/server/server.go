// ============================================================================
// framecut Job API - worker 面向的 HTTP 介面
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 暴露拉取式任務 API，worker 輪詢領任務、推理完交結果
//
// 端點:
//   GET  /v1/job?worker=<id>  領任務；回 {"status":"ok","job":{...}}，
//                             沒有可租任務時回 {"status":"empty"}
//   POST /v1/result           交結果；回 {"status":"accepted|stale|retry"}
//   GET  /v1/status           佇列統計，給人看也給腳本看
//   GET  /healthz             存活探針
//
// 協定約定:
//   - stale 不是錯誤：HTTP 200 + status=stale，worker 丟棄結果即可
//   - 404 只在任務 ID 完全不存在時出現（通常是 worker 送錯東西）
//
// ============================================================================

package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/seglab/framecut/internal/dispatch"
	"github.com/seglab/framecut/internal/jobstore"
)

// Server worker 面向的任務 API
type Server struct {
	disp   *dispatch.Dispatcher
	store  *jobstore.Store
	logger *slog.Logger
}

// JobResponse GET /v1/job 的回應格式；沒有任務時 Job 省略、Status 為 empty
type JobResponse struct {
	Status string                `json:"status"`
	Job    *dispatch.JobEnvelope `json:"job,omitempty"`
}

// StatusResponse /v1/status 的回應格式
type StatusResponse struct {
	Stats  jobstore.Stats `json:"stats"`
	Videos []string       `json:"videos"`
}

func New(disp *dispatch.Dispatcher, store *jobstore.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{disp: disp, store: store, logger: logger}
}

// Handler 組出完整路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/job", s.handleGetJob)
	mux.HandleFunc("POST /v1/result", s.handlePostResult)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker")
	if workerID == "" {
		writeError(w, http.StatusBadRequest, "worker is required")
		return
	}

	env, ok := s.disp.RequestJob(workerID)
	if !ok {
		writeJSON(w, http.StatusOK, JobResponse{Status: "empty"})
		return
	}
	writeJSON(w, http.StatusOK, JobResponse{Status: "ok", Job: env})
}

func (s *Server) handlePostResult(w http.ResponseWriter, r *http.Request) {
	var req dispatch.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.JobID == "" || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "job_id and worker_id are required")
		return
	}

	outcome, err := s.disp.SubmitResult(req)
	if err != nil {
		if errors.Is(err, jobstore.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "unknown job id")
			return
		}
		s.logger.Error("submit failed", "job", req.JobID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	videos := s.store.Videos()
	out := StatusResponse{
		Stats:  s.store.Stats(),
		Videos: make([]string, 0, len(videos)),
	}
	for _, v := range videos {
		out.Videos = append(out.Videos, string(v))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
