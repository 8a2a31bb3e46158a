// Package server exposes the batch pipeline over HTTP: batch
// submission, per-job SSE event streams, cancellation, ad-hoc
// classification and the published library.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"dropcrate/internal/classify"
	"dropcrate/internal/model"
	"dropcrate/internal/registry"
	"dropcrate/internal/scheduler"
	"dropcrate/internal/sidecar"
)

const (
	heartbeatInterval   = 15 * time.Second
	maxBatchItems       = 25
	classifyFetchBudget = 45 * time.Second
)

// MetadataFetcher resolves a URL to extracted metadata; satisfied by
// the extractor driver.
type MetadataFetcher interface {
	FetchInfo(ctx context.Context, url string, timeout time.Duration) (model.ExtractedInfo, error)
}

// Server wires the HTTP surface to the registry and scheduler.
type Server struct {
	reg      *registry.Registry
	proc     scheduler.ItemProcessor
	fetcher  MetadataFetcher
	llm      *classify.LLM
	inboxDir string
	version  string
	log      zerolog.Logger

	defaultConcurrency int
	maxRetries         int
}

// Option configures a Server.
type Option func(*Server)

// WithRegistry sets the job registry.
func WithRegistry(r *registry.Registry) Option {
	return func(s *Server) { s.reg = r }
}

// WithProcessor sets the per-item pipeline.
func WithProcessor(p scheduler.ItemProcessor) Option {
	return func(s *Server) { s.proc = p }
}

// WithFetcher sets the metadata fetcher backing /api/classify.
func WithFetcher(f MetadataFetcher) Option {
	return func(s *Server) { s.fetcher = f }
}

// WithLLM sets the optional LLM classifier for /api/classify.
func WithLLM(l *classify.LLM) Option {
	return func(s *Server) { s.llm = l }
}

// WithInboxDir sets the library directory.
func WithInboxDir(dir string) Option {
	return func(s *Server) { s.inboxDir = dir }
}

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithDefaultConcurrency sets the worker count used when a batch does
// not ask for one.
func WithDefaultConcurrency(n int) Option {
	return func(s *Server) { s.defaultConcurrency = n }
}

// New constructs a Server. A registry is created when none is given.
func New(opts ...Option) *Server {
	s := &Server{
		log:                zerolog.Nop(),
		defaultConcurrency: scheduler.DefaultConcurrency,
		maxRetries:         scheduler.DefaultMaxRetries,
	}
	for _, o := range opts {
		o(s)
	}
	if s.reg == nil {
		s.reg = registry.New(registry.WithLogger(s.log))
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Route("/api", func(r chi.Router) {
		r.Post("/batch", s.handleBatch)
		r.Post("/classify", s.handleClassify)
		r.Get("/library", s.handleLibrary)
		r.Get("/library/download", s.handleLibraryDownload)
		r.Route("/jobs/{jobID}", func(r chi.Router) {
			r.Get("/events", s.handleJobEvents)
			r.Post("/cancel", s.handleJobCancel)
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// batchRequest is the POST /api/batch payload.
type batchRequest struct {
	Items      []model.TrackRequest    `json:"items"`
	Preset     *model.ProcessingPreset `json:"preset,omitempty"`
	Concurrent int                     `json:"concurrent,omitempty"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", []string{err.Error()})
		return
	}

	preset := model.DefaultPreset()
	if req.Preset != nil {
		preset = *req.Preset
	}
	preset = preset.Normalize()

	if details := validateBatch(req, preset); len(details) > 0 {
		writeError(w, http.StatusBadRequest, "invalid batch", details)
		return
	}

	concurrency := req.Concurrent
	if concurrency == 0 {
		concurrency = s.defaultConcurrency
	}

	// The job outlives the request; it is cancelled through the
	// registry, not the request context.
	job := s.reg.Create(context.Background())
	sched := scheduler.New(s.proc,
		scheduler.WithConcurrency(concurrency),
		scheduler.WithMaxRetries(s.maxRetries),
		scheduler.WithLogger(s.log))
	go sched.Run(job.Context(), job.ID, req.Items, preset, job.Emit)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"jobId": job.ID})
}

func validateBatch(req batchRequest, preset model.ProcessingPreset) []string {
	var details []string
	if len(req.Items) == 0 {
		details = append(details, "items must not be empty")
	}
	if len(req.Items) > maxBatchItems {
		details = append(details, fmt.Sprintf("at most %d items per batch", maxBatchItems))
	}
	seen := make(map[string]bool, len(req.Items))
	for i, item := range req.Items {
		switch {
		case item.ID == "":
			details = append(details, fmt.Sprintf("item %d: id is required", i))
		case seen[item.ID]:
			details = append(details, fmt.Sprintf("item %d: duplicate id %q", i, item.ID))
		default:
			seen[item.ID] = true
		}
		if strings.TrimSpace(item.URL) == "" {
			details = append(details, fmt.Sprintf("item %d: url is required", i))
		}
	}
	if req.Concurrent < 0 || req.Concurrent > scheduler.MaxConcurrency {
		details = append(details, fmt.Sprintf("concurrent must be between %d and %d",
			scheduler.MinConcurrency, scheduler.MaxConcurrency))
	}
	if err := preset.Validate(); err != nil {
		details = append(details, err.Error())
	}
	return details
}

// handleJobEvents streams the job's event history and live updates as
// server-sent events, one "data:" frame per event.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	ch, unsub, err := s.reg.Subscribe(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown job", nil)
		return
	}
	defer unsub()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case e, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				s.log.Error().Err(err).Msg("marshal event")
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if !s.reg.Cancel(jobID) {
		writeError(w, http.StatusNotFound, "unknown job", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// classifyRequest is the POST /api/classify payload: URLs whose
// metadata is fetched and classified without downloading any media.
type classifyRequest struct {
	Items []model.TrackRequest `json:"items"`
}

type classifyResponse struct {
	Source  model.ClassificationSource `json:"source"`
	Results []model.Classification     `json:"results"`
	Ms      int64                      `json:"ms"`
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", []string{err.Error()})
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "items must not be empty", nil)
		return
	}
	for i, item := range req.Items {
		if strings.TrimSpace(item.URL) == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("item %d: url is required", i), nil)
			return
		}
	}
	if s.fetcher == nil {
		writeError(w, http.StatusServiceUnavailable, "metadata fetcher unavailable", nil)
		return
	}

	start := time.Now()
	infos := make([]model.ExtractedInfo, len(req.Items))
	fetched := make([]bool, len(req.Items))
	for i, item := range req.Items {
		info, err := s.fetcher.FetchInfo(r.Context(), item.URL, classifyFetchBudget)
		if err != nil {
			s.log.Warn().Err(err).Str("url", item.URL).Msg("classify metadata fetch failed")
			continue
		}
		infos[i] = info
		fetched[i] = true
	}

	results := s.llm.ClassifyBatch(r.Context(), infos)
	for i := range results {
		if !fetched[i] {
			results[i] = model.Classification{
				Kind:   model.KindUnknown,
				Source: model.SourceHeuristic,
				Notes:  "Metadata fetch failed.",
			}
		}
	}

	source := model.SourceHeuristic
	for _, res := range results {
		if res.Source == model.SourceLLM {
			source = model.SourceLLM
			break
		}
	}
	writeJSON(w, http.StatusOK, classifyResponse{
		Source:  source,
		Results: results,
		Ms:      time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleLibrary(w http.ResponseWriter, r *http.Request) {
	entries, err := sidecar.Scan(s.inboxDir, s.log)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "library scan failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleLibraryDownload serves a published file. The path must resolve
// inside the inbox; anything else is rejected.
func (s *Server) handleLibraryDownload(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required", nil)
		return
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid path", nil)
		return
	}
	inbox, err := filepath.Abs(s.inboxDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "inbox unavailable", nil)
		return
	}
	rel, err := filepath.Rel(inbox, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		writeError(w, http.StatusForbidden, "path outside library", nil)
		return
	}
	http.ServeFile(w, r, abs)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, details []string) {
	body := map[string]any{"error": msg}
	if len(details) > 0 {
		body["details"] = details
	}
	writeJSON(w, status, body)
}

// ListenAndServe runs the server on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info().Str("addr", addr).Msg("listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
