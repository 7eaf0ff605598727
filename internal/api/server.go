package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bundlemirror/internal/crawlstate"
	"bundlemirror/internal/mirror"
	"bundlemirror/internal/storage"
	"bundlemirror/pkg/types"
)

// BuildCatalog reads and amends recorded build metadata.
type BuildCatalog interface {
	Lookup(ctx context.Context, buildHash string) (types.Build, error)
	SetIndexScripts(ctx context.Context, buildHash string, scripts []string) error
	Redetect(ctx context.Context, build types.Build) (types.Build, error)
}

// Server exposes the HTTP API for controlling build syncs.
type Server struct {
	manager *JobManager
	state   crawlstate.Store
	builds  BuildCatalog
	metrics http.Handler
	logger  *slog.Logger
	mux     *http.ServeMux
}

// Options carries the optional collaborators of a Server.
type Options struct {
	State   crawlstate.Store
	Builds  BuildCatalog
	Metrics http.Handler
	Logger  *slog.Logger
}

// NewServer wires handlers onto an HTTP mux.
func NewServer(manager *JobManager, opts Options) *Server {
	s := &Server{
		manager: manager,
		state:   opts.State,
		builds:  opts.Builds,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		mux:     http.NewServeMux(),
	}
	if s.metrics == nil {
		s.metrics = promhttp.Handler()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s.routes()
	return s
}

// ServeHTTP satisfies the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", s.metrics)
	s.mux.HandleFunc("/api/builds", s.handleBuilds)
	s.mux.HandleFunc("/api/builds/", s.handleBuildByKey)
	s.mux.HandleFunc("/openapi.yaml", s.handleOpenAPI)
	s.mux.HandleFunc("/docs", s.handleDocs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleBuilds(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listBuilds(w, r)
	case http.MethodPost:
		s.createSync(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleBuildByKey(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/builds/"), "/")
	if trimmed == "" {
		http.NotFound(w, r)
		return
	}
	parts := strings.Split(trimmed, "/")
	key, err := url.PathUnescape(parts[0])
	if err != nil {
		http.Error(w, "invalid build hash", http.StatusBadRequest)
		return
	}

	if len(parts) == 1 {
		switch {
		case key == LiveJobKey && r.Method == http.MethodPost:
			s.createLiveSync(w, r)
		case r.Method == http.MethodGet:
			s.getBuild(w, r, key)
		case key == LiveJobKey:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		default:
			methodNotAllowed(w, r, http.MethodGet)
		}
		return
	}

	switch parts[1] {
	case "events":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		s.streamJobEvents(w, r, key)
	case "cancel":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		s.cancelJob(w, r, key)
	case "index-scripts":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		s.setIndexScripts(w, r, key)
	case "redetect":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		s.redetect(w, r, key)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) createSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json payload: %v", err), http.StatusBadRequest)
		return
	}
	job, err := s.manager.StartSync(req)
	if err != nil {
		writeStartError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job.Snapshot())
}

func (s *Server) createLiveSync(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.StartLive()
	if err != nil {
		writeStartError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job.Snapshot())
}

func writeStartError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBuildRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrMaxConcurrency):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

// listBuilds returns the jobs of this process and the crawl snapshots in the
// state store, which may include runs started elsewhere.
func (s *Server) listBuilds(w http.ResponseWriter, r *http.Request) {
	jobs := s.manager.ListJobs()
	var snaps []crawlstate.Snapshot
	if s.state != nil {
		var err error
		snaps, err = s.state.List(r.Context())
		if err != nil {
			s.logger.Warn("list crawl state failed", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"crawls": nonNilSnapshots(snaps),
	})
}

func (s *Server) getBuild(w http.ResponseWriter, r *http.Request, key string) {
	var detail JobDetail
	hash := key
	if job, ok := s.manager.GetJob(key); ok {
		summary := job.Snapshot()
		detail.Job = &summary
		if summary.BuildHash != "" {
			hash = summary.BuildHash
		}
		if build, ok := job.Result(); ok {
			detail.Build = &build
		}
	}
	if s.state != nil && hash != LiveJobKey {
		snap, ok, err := s.state.Get(r.Context(), hash)
		if err != nil {
			s.logger.Warn("read crawl state failed", "build", hash, "error", err)
		} else if ok {
			detail.Progress = &snap
		}
	}
	if detail.Build == nil && s.builds != nil && hash != LiveJobKey {
		if build, err := s.builds.Lookup(r.Context(), hash); err == nil {
			detail.Build = &build
		}
	}
	if detail.Job == nil && detail.Progress == nil && detail.Build == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request, key string) {
	if err := s.manager.CancelJob(key); err != nil {
		if errors.Is(err, ErrJobNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// setIndexScripts overrides the detected entry scripts of a recorded build.
func (s *Server) setIndexScripts(w http.ResponseWriter, r *http.Request, hash string) {
	var req IndexScriptsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json payload: %v", err), http.StatusBadRequest)
		return
	}
	if len(req.IndexScripts) == 0 {
		http.Error(w, "index_scripts must include at least one script", http.StatusBadRequest)
		return
	}
	if !s.amendable(w, hash) {
		return
	}
	if err := s.builds.SetIndexScripts(r.Context(), hash, req.IndexScripts); err != nil {
		writeCatalogError(w, r, err)
		return
	}
	build, err := s.builds.Lookup(r.Context(), hash)
	if err != nil {
		writeCatalogError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, build)
}

// redetect reruns entry detection on the cached files of a recorded build.
func (s *Server) redetect(w http.ResponseWriter, r *http.Request, hash string) {
	if !s.amendable(w, hash) {
		return
	}
	build, err := s.builds.Redetect(r.Context(), types.Build{Hash: hash})
	if err != nil {
		writeCatalogError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, build)
}

// amendable rejects edits when no catalog is configured or the build is
// still syncing.
func (s *Server) amendable(w http.ResponseWriter, hash string) bool {
	if s.builds == nil || hash == LiveJobKey {
		http.Error(w, "build store not configured", http.StatusServiceUnavailable)
		return false
	}
	if job, ok := s.manager.GetJob(hash); ok && job.active() {
		http.Error(w, ErrBuildRunning.Error(), http.StatusConflict)
		return false
	}
	return true
}

func writeCatalogError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrBuildNotFound):
		http.NotFound(w, r)
	case errors.Is(err, mirror.ErrNoBuildStore):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, mirror.ErrInvalidBuild):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) streamJobEvents(w http.ResponseWriter, r *http.Request, key string) {
	job, ok := s.manager.GetJob(key)
	if !ok {
		http.NotFound(w, r)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events, cancel := job.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case evt, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			if isTerminal(evt.Job.Status) && evt.Type != "snapshot" {
				return
			}
		case <-heartbeat.C:
			fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func isTerminal(status JobStatus) bool {
	switch status {
	case JobStatusCompleted, JobStatusCancelled, JobStatusFailed:
		return true
	}
	return false
}

func nonNilSnapshots(snaps []crawlstate.Snapshot) []crawlstate.Snapshot {
	if snaps == nil {
		return []crawlstate.Snapshot{}
	}
	return snaps
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
