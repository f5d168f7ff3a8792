// Package api exposes the analysis pipeline over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/loopsight/insight/internal/cache"
	"github.com/loopsight/insight/internal/cost"
	"github.com/loopsight/insight/internal/model"
	"github.com/loopsight/insight/internal/monitoring"
	"github.com/loopsight/insight/internal/notify"
	"github.com/loopsight/insight/internal/queue"
	"github.com/loopsight/insight/internal/store"
)

// Server wires pipeline components into HTTP handlers.
type Server struct {
	queue     *queue.Queue
	store     store.Store
	governor  *cost.Governor
	cache     *cache.Cache
	notifier  *notify.Notifier
	collector *monitoring.Collector
}

// NewServer creates the HTTP surface over the pipeline.
func NewServer(q *queue.Queue, st store.Store, gov *cost.Governor, c *cache.Cache, n *notify.Notifier, col *monitoring.Collector) *Server {
	return &Server{queue: q, store: st, governor: gov, cache: c, notifier: n, collector: col}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmitJob)
		r.Get("/", s.handleListJobs)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Delete("/", s.handleCancelJob)
			r.Get("/progress", s.handleGetProgress)
			r.Get("/result", s.handleGetResult)
			r.Get("/events", s.handleEvents)
		})
	})

	r.Post("/estimate", s.handleEstimate)
	r.Get("/stats/costs", s.handleCostStats)
	r.Get("/stats/cache", s.handleCacheStats)
	r.Get("/stats/metrics", s.handleMetrics)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var spec model.JobSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	jobID, err := s.queue.Enqueue(r.Context(), spec)
	if err != nil {
		if eris.Is(err, queue.ErrInvalidJobSpec) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		zap.L().Error("api: enqueue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.JobFilter{Limit: 100}
	if st := r.URL.Query().Get("status"); st != "" {
		filter.Status = model.JobStatus(st)
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	jobs, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		zap.L().Error("api: list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.queue.GetJob(r.Context(), jobID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":   jobID,
		"status":   job.Status,
		"progress": job.Progress,
	})
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	result, err := s.store.GetResult(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	ok, err := s.queue.Cancel(r.Context(), jobID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "job already finished")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": string(model.JobStatusCancelled)})
}

// handleEvents streams job progress as server-sent events until the job
// reaches a terminal state or the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}

	events, err := s.notifier.Subscribe(jobID, token)
	if err != nil {
		if eris.Is(err, notify.ErrUnauthorized) {
			writeError(w, http.StatusUnauthorized, "invalid subscriber token")
			return
		}
		writeError(w, http.StatusInternalServerError, "subscribe failed")
		return
	}
	defer s.notifier.Unsubscribe(jobID, events)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// A job may already be terminal before the first event arrives.
	if job, err := s.queue.GetJob(r.Context(), jobID); err == nil {
		writeSSE(w, notify.Event{
			JobID:    jobID,
			Status:   job.Status,
			Progress: job.Progress,
			Cause:    job.FailureCause,
			At:       time.Now().UTC(),
		})
		flusher.Flush()
		if job.Status.Terminal() {
			return
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			writeSSE(w, event)
			flusher.Flush()
			if event.Terminal() {
				return
			}
		}
	}
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type      model.AnalysisType `json:"analysis_type"`
		Responses []model.Response   `json:"responses"`
		Provider  string             `json:"provider"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Type.Valid() {
		writeError(w, http.StatusUnprocessableEntity, "unknown analysis type")
		return
	}

	est := s.governor.Estimate(req.Type, req.Responses, req.Provider)
	writeJSON(w, http.StatusOK, est)
}

func (s *Server) handleCostStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.governor.Stats(r.Context())
	if err != nil {
		zap.L().Error("api: cost stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	lookback := 24
	if l := r.URL.Query().Get("lookback_hours"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			lookback = n
		}
	}
	snap, err := s.collector.Collect(r.Context(), lookback)
	if err != nil {
		zap.L().Error("api: collect metrics failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "metrics failed")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if eris.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	zap.L().Error("api: store error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeSSE(w http.ResponseWriter, event notify.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n\n"))
}
