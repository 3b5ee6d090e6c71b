package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"probeflow/internal/domain"
	"probeflow/internal/orchestrator"
	"probeflow/internal/report"
	"probeflow/internal/scheduler"
)

type Orchestrator interface {
	Enqueue(tt domain.TaskType, opts domain.Options) (string, error)
	StopAll() (queued, running int)
	Snapshot() orchestrator.Snapshot
}

type Reporter interface {
	Status(ctx context.Context, orch report.Snapshotter) (report.Status, error)
	CompileReport(ctx context.Context) (report.Report, error)
	Archive(ctx context.Context, dir string) (string, report.Report, error)
}

type Results interface {
	List(ctx context.Context, t domain.TaskType, limit int) ([]domain.Result, error)
}

type Schedules interface {
	Entries() []scheduler.Entry
}

// Deps are the components the HTTP surface fronts. Metrics and Control are optional.
type Deps struct {
	Orchestrator Orchestrator
	Reports      Reporter
	Results      Results
	Schedules    Schedules
	Metrics      http.Handler
	Control      http.Handler
	ReportsDir   string
	Debug        bool
}

type Server struct {
	r *chi.Mux
	d Deps
}

func NewServer(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)

	s := &Server{r: r, d: d}

	r.Get("/health", s.health)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}
	if d.Control != nil {
		r.Method(http.MethodGet, "/ws", d.Control)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", s.submitTask)
		r.Get("/tasks", s.listTasks)
		r.Delete("/tasks", s.stopAll)
		r.Get("/status", s.status)
		r.Get("/results/{type}", s.listResults)
		r.Get("/reports", s.getReport)
		r.Post("/reports", s.archiveReport)
		r.Get("/schedules", s.listSchedules)
		r.Get("/schedules/next", s.nextRun)
	})

	if d.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type submitReq struct {
	Type    domain.TaskType `json:"type"`
	Options domain.Options  `json:"options"`
}

type submitResp struct {
	ID string `json:"id"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	id, err := s.d.Orchestrator.Enqueue(req.Type, req.Options)
	switch {
	case errors.Is(err, domain.ErrUnknownTaskType):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, domain.ErrQueueFull):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{ID: id})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.d.Orchestrator.Snapshot())
}

func (s *Server) stopAll(w http.ResponseWriter, r *http.Request) {
	queued, running := s.d.Orchestrator.StopAll()
	writeJSON(w, http.StatusOK, map[string]int{"queued": queued, "running": running})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.d.Reports.Status(r.Context(), s.d.Orchestrator)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) listResults(w http.ResponseWriter, r *http.Request) {
	tt, err := domain.ParseTaskType(chi.URLParam(r, "type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
	}
	results, err := s.d.Results.List(r.Context(), tt, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.d.Reports.CompileReport(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type archiveResp struct {
	Path   string        `json:"path"`
	Report report.Report `json:"report"`
}

func (s *Server) archiveReport(w http.ResponseWriter, r *http.Request) {
	path, rep, err := s.d.Reports.Archive(r.Context(), s.d.ReportsDir)
	if err != nil {
		log.Error().Err(err).Msg("archive report")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	log.Info().Str("path", path).Int("types", len(rep.Types)).Msg("report archived")
	writeJSON(w, http.StatusCreated, archiveResp{Path: path, Report: rep})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	if s.d.Schedules == nil {
		writeJSON(w, http.StatusOK, []scheduler.Entry{})
		return
	}
	writeJSON(w, http.StatusOK, s.d.Schedules.Entries())
}

func (s *Server) nextRun(w http.ResponseWriter, r *http.Request) {
	expr := r.URL.Query().Get("cron")
	if err := scheduler.ValidateCronExpression(expr); err != nil {
		http.Error(w, "invalid cron expression: "+err.Error(), http.StatusBadRequest)
		return
	}
	next, err := scheduler.NextRunTime(expr, time.Now())
	if err != nil {
		http.Error(w, "failed to calculate next run time: "+err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cron": expr, "next_run": next.UTC()})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
