// Package api exposes the status and control HTTP interface used by `serve`.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/dsdown/internal/catalog"
	"github.com/JakeFAU/dsdown/internal/download"
	"github.com/JakeFAU/dsdown/internal/ingest"
	"github.com/JakeFAU/dsdown/internal/metrics"
	"github.com/JakeFAU/dsdown/internal/pipeline"
	"github.com/JakeFAU/dsdown/internal/progress/sinks"
	"github.com/JakeFAU/dsdown/internal/queue"
)

// Service is the part of the pipeline the HTTP handlers drive.
type Service interface {
	Status(ctx context.Context) (pipeline.Status, error)
	QueueList(ctx context.Context) ([]pipeline.QueueItem, error)
	QueueReset(ctx context.Context, entryID int64) error
	ListUnprocessed(ctx context.Context) ([]catalog.Chapter, error)
	ListSeries(ctx context.Context, status catalog.SeriesStatus) ([]catalog.Series, error)
	Fetch(ctx context.Context) (ingest.FetchResult, error)
	Drain(ctx context.Context) (download.DrainResult, error)
}

// Snapshotter returns the latest view of each run.
type Snapshotter interface {
	Snapshot() map[string]sinks.RunSnapshot
}

// IDGenerator produces request identifiers.
type IDGenerator interface {
	MustID() string
}

// Options carries the optional collaborators of a Server.
type Options struct {
	Snapshots Snapshotter
	IDs       IDGenerator
	Logger    *zap.Logger
	// RunContext bounds fetch and drain runs started over HTTP. They are
	// detached from the request so a dropped client does not interrupt a drain.
	RunContext context.Context
	// Timeout applies to the read-only routes.
	Timeout time.Duration
}

// Server wires HTTP handlers to the pipeline.
type Server struct {
	router    chi.Router
	svc       Service
	snapshots Snapshotter
	ids       IDGenerator
	logger    *zap.Logger
	runCtx    context.Context
}

const defaultTimeout = 30 * time.Second

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Service, opts Options) *Server {
	s := &Server{
		svc:       svc,
		snapshots: opts.Snapshots,
		ids:       opts.IDs,
		logger:    opts.Logger,
		runCtx:    opts.RunContext,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.runCtx == nil {
		s.runCtx = context.Background()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(timeout))
			r.Get("/status", s.getStatus)
			r.Get("/queue", s.getQueue)
			r.Post("/queue/{entry_id}/reset", s.resetEntry)
			r.Get("/chapters/new", s.getNewChapters)
			r.Get("/series", s.getSeries)
		})
		r.Post("/fetch", s.postFetch)
		r.Post("/drain", s.postDrain)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.svc.Status(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	pipeline.Status
	NextSlotIn string                       `json:"next_slot_in,omitempty"`
	Runs       map[string]sinks.RunSnapshot `json:"runs,omitempty"`
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	resp := statusResponse{Status: st}
	if !st.NextSlotAt.IsZero() {
		resp.NextSlotIn = time.Until(st.NextSlotAt).Round(time.Minute).String()
	}
	if s.snapshots != nil {
		resp.Runs = s.snapshots.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	items, err := s.svc.QueueList(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": items})
}

func (s *Server) resetEntry(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "entry_id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid entry id")
		return
	}
	if err := s.svc.QueueReset(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry_id": id, "status": catalog.QueuePending})
}

func (s *Server) getNewChapters(w http.ResponseWriter, r *http.Request) {
	chapters, err := s.svc.ListUnprocessed(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": pipeline.GroupByDate(chapters)})
}

func (s *Server) getSeries(w http.ResponseWriter, r *http.Request) {
	status := catalog.SeriesStatus(r.URL.Query().Get("status"))
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "status must be followed or ignored")
		return
	}
	series, err := s.svc.ListSeries(r.Context(), status)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"series": series})
}

func (s *Server) postFetch(w http.ResponseWriter, _ *http.Request) {
	res, err := s.svc.Fetch(s.runCtx)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) postDrain(w http.ResponseWriter, _ *http.Request) {
	res, err := s.svc.Drain(s.runCtx)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var rl *queue.RateLimitError
	switch {
	case errors.Is(err, pipeline.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, catalog.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, catalog.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &rl):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":        err.Error(),
			"next_slot_at": rl.NextSlotAt,
		})
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
