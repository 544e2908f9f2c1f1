// Package server is the thin HTTP adapter over the core service: it maps
// typed operation results onto status codes and JSON bodies and records
// request metrics. No business logic lives here.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/bucketworks/bucketd/internal/access"
	"github.com/bucketworks/bucketd/internal/core"
	"github.com/bucketworks/bucketd/internal/identity"
	"github.com/bucketworks/bucketd/internal/job"
	"github.com/bucketworks/bucketd/internal/storage"
)

// statusRecorder wraps http.ResponseWriter to capture the HTTP status code.
// Note: Not thread-safe. Must only be used within a single request handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *statusRecorder) getStatus() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// classifyStatus converts an HTTP status code to a metric status string.
func classifyStatus(httpStatus int) string {
	switch {
	case httpStatus >= 200 && httpStatus < 300:
		return "success"
	case httpStatus == http.StatusNotFound:
		return "not_found"
	case httpStatus == http.StatusUnauthorized:
		return "unauthenticated"
	case httpStatus == http.StatusConflict:
		return "conflict"
	default:
		return "error"
	}
}

// Server exposes the core service over HTTP.
type Server struct {
	svc        *core.Service
	verifier   *identity.Verifier
	hub        *job.Hub
	metrics    *Metrics
	logger     zerolog.Logger
	stagingDir string
}

// New creates the HTTP adapter. If metrics is nil, none are recorded.
func New(svc *core.Service, verifier *identity.Verifier, hub *job.Hub, metrics *Metrics, stagingDir string, logger zerolog.Logger) *Server {
	return &Server{
		svc:        svc,
		verifier:   verifier,
		hub:        hub,
		metrics:    metrics,
		logger:     logger,
		stagingDir: stagingDir,
	}
}

// Handler returns the routing mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /v1/projects/{pid}/buckets", s.instrument("create_bucket", s.handleCreateBucket))
	mux.Handle("GET /v1/projects/{pid}/buckets/{bid}", s.instrument("stat_bucket", s.handleStatBucket))
	mux.Handle("GET /v1/projects/{pid}/buckets/{bid}/list", s.instrument("list", s.handleList))
	mux.Handle("GET /v1/projects/{pid}/buckets/{bid}/meta", s.instrument("meta", s.handleMeta))
	mux.Handle("GET /v1/projects/{pid}/buckets/{bid}/download", s.instrument("download", s.handleDownload))
	mux.Handle("POST /v1/projects/{pid}/buckets/{bid}/mkdir", s.instrument("mkdir", s.handleMkdir))
	mux.Handle("POST /v1/projects/{pid}/buckets/{bid}/move", s.instrument("move", s.handleMove))
	mux.Handle("POST /v1/projects/{pid}/buckets/{bid}/copy", s.instrument("copy", s.handleCopy))
	mux.Handle("POST /v1/projects/{pid}/buckets/{bid}/remove", s.instrument("remove", s.handleRemove))
	mux.Handle("POST /v1/projects/{pid}/buckets/{bid}/upload", s.instrument("upload", s.handleUpload))
	mux.Handle("POST /v1/projects/{pid}/buckets/{bid}/jobs", s.instrument("submit_job", s.handleSubmitJob))
	mux.Handle("GET /v1/projects/{pid}/jobs", s.instrument("list_jobs", s.handleListJobs))
	mux.Handle("GET /v1/jobs/watch", http.HandlerFunc(s.handleWatch))
	mux.Handle("GET /v1/jobs/{id}", s.instrument("get_job", s.handleGetJob))
	mux.Handle("DELETE /v1/jobs/{id}", s.instrument("cancel_job", s.handleCancelJob))
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// instrument records request count and duration per operation.
func (s *Server) instrument(operation string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		h(rec, r)
		if s.metrics != nil {
			s.metrics.RequestsTotal.WithLabelValues(operation, classifyStatus(rec.getStatus())).Inc()
			s.metrics.RequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
		}
	})
}

// userID extracts the verified user id, or "" for anonymous requests.
func (s *Server) userID(r *http.Request) string {
	id, err := s.verifier.UserID(r.Header.Get("Authorization"))
	if err != nil {
		return ""
	}
	return id
}

// requireUser extracts the verified user id or writes 401.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := s.verifier.UserID(r.Header.Get("Authorization"))
	if err != nil {
		s.writeError(w, err)
		return "", false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("failed to encode response")
	}
}

// writeError maps typed errors onto HTTP statuses. Denied and NotFound share
// a response so private resources cannot be enumerated.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"

	switch {
	case errors.Is(err, identity.ErrUnauthenticated):
		status, msg = http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, access.ErrDenied),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrBucketNotFound),
		errors.Is(err, job.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, storage.ErrInvalidPath),
		errors.Is(err, storage.ErrInvalidArchiveEntry),
		errors.Is(err, job.ErrUnknownKind):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, storage.ErrConflict),
		errors.Is(err, storage.ErrBucketExists),
		errors.Is(err, job.ErrAlreadyTerminal):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, storage.ErrQuotaExceeded):
		status, msg = http.StatusForbidden, err.Error()
	case errors.Is(err, job.ErrOverloaded):
		status, msg = http.StatusTooManyRequests, err.Error()
	default:
		s.logger.Error().Err(err).Msg("request failed")
	}
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleCreateBucket(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req struct {
		ID     string `json:"id"`
		Public bool   `json:"public"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.svc.CreateBucket(r.Context(), r.PathValue("pid"), req.ID, user, req.Public); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

func (s *Server) handleStatBucket(w http.ResponseWriter, r *http.Request) {
	meta, err := s.svc.StatBucket(r.Context(), r.PathValue("pid"), r.PathValue("bid"), s.userID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	listing, err := s.svc.ListDirectory(r.Context(), r.PathValue("pid"), r.PathValue("bid"), r.URL.Query().Get("dir"), s.userID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	entry, err := s.svc.GetMetadata(r.Context(), r.PathValue("pid"), r.PathValue("bid"), r.URL.Query().Get("path"), s.userID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	rc, entry, err := s.svc.Download(r.Context(), r.PathValue("pid"), r.PathValue("bid"), r.URL.Query().Get("path"), s.userID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", entry.Size))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", entry.Name))
	n, err := io.Copy(w, rc)
	if err != nil {
		s.logger.Debug().Err(err).Msg("download stream aborted")
	}
	if s.metrics != nil {
		s.metrics.BytesDownloaded.Add(float64(n))
	}
}

// pathRequest is the body shared by mkdir and remove.
type pathRequest struct {
	Path string `json:"path"`
}

// srcDstRequest is the body shared by move and copy.
type srcDstRequest struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req pathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.svc.Mkdir(r.Context(), r.PathValue("pid"), r.PathValue("bid"), req.Path, user); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"path": req.Path})
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	s.handleSrcDst(w, r, s.svc.Move)
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	s.handleSrcDst(w, r, s.svc.Copy)
}

func (s *Server) handleSrcDst(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, pid, bid, src, dst, user string) error) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req srcDstRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := op(r.Context(), r.PathValue("pid"), r.PathValue("bid"), req.Src, req.Dst, user); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"src": req.Src, "dst": req.Dst})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req pathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.svc.Remove(r.Context(), r.PathValue("pid"), r.PathValue("bid"), req.Path, user); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"path": req.Path})
}

// handleUpload stages each multipart file and hands the batch to the core.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	reader, err := r.MultipartReader()
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart body required"})
		return
	}

	var staged []core.StagedFile
	defer func() {
		for _, sf := range staged {
			_ = os.Remove(sf.StagedPath)
		}
	}()

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed multipart body"})
			return
		}
		if part.FileName() == "" {
			continue
		}
		tmp, err := os.CreateTemp(s.stagingDir, "staged-")
		if err != nil {
			s.writeError(w, fmt.Errorf("create staging file: %w", err))
			return
		}
		size, err := io.Copy(tmp, part)
		_ = tmp.Close()
		if err != nil {
			_ = os.Remove(tmp.Name())
			s.writeError(w, fmt.Errorf("stage upload: %w", err))
			return
		}
		staged = append(staged, core.StagedFile{
			OriginalName: filepath.Base(part.FileName()),
			StagedPath:   tmp.Name(),
			Size:         size,
		})
		if s.metrics != nil {
			s.metrics.BytesUploaded.Add(float64(size))
		}
	}

	if err := s.svc.SubmitUpload(r.Context(), r.PathValue("pid"), r.PathValue("bid"), r.URL.Query().Get("dir"), user, staged); err != nil {
		s.writeError(w, err)
		return
	}
	count := len(staged)
	staged = nil // consumed by the core; nothing left to clean up
	s.writeJSON(w, http.StatusCreated, map[string]int{"files": count})
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req struct {
		Kind    string   `json:"kind"`
		Sources []string `json:"sources"`
		Dest    string   `json:"dest"`
		URL     string   `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	j, err := s.svc.SubmitJob(r.Context(), r.PathValue("pid"), r.PathValue("bid"), user, req.Kind, job.Params{
		Sources: req.Sources,
		Dest:    req.Dest,
		URL:     req.URL,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, j)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	jobs, err := s.svc.ListJobs(r.Context(), r.PathValue("pid"), user)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	j, err := s.svc.GetJob(r.Context(), r.PathValue("id"), user)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if err := s.svc.CancelJob(r.Context(), r.PathValue("id"), user); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": r.PathValue("id")})
}
