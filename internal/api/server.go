// Package api serves the admin HTTP interface of the daemon.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/tonerelay/internal/auth"
	"github.com/austindbirch/tonerelay/internal/delivery"
	"github.com/austindbirch/tonerelay/internal/dispatcher"
	"github.com/austindbirch/tonerelay/internal/health"
	"github.com/austindbirch/tonerelay/internal/logging"
)

// Service is the dispatcher surface exposed over HTTP.
type Service interface {
	Submit(ctx context.Context, sub delivery.Submission) (delivery.Task, bool, error)
	Get(id string) (delivery.Task, error)
	List(f dispatcher.Filter) []delivery.Task
	Wait(ctx context.Context, id string) (delivery.Task, error)
	Cancel(ctx context.Context, id string) (delivery.Task, error)
}

type Options struct {
	Service  Service
	Checks   map[string]health.Pinger
	Gatherer prometheus.Gatherer
	Auth     *auth.JWTValidator // nil disables auth
	Logger   *logging.Logger
	MaxWait  time.Duration // upper bound for ?wait=
}

type server struct {
	opts Options
	log  *logging.Logger
}

// SubmitResponse is returned by POST /v1/tasks.
type SubmitResponse struct {
	Task    delivery.Task `json:"task"`
	Created bool          `json:"created"`
}

type TaskList struct {
	Tasks []delivery.Task `json:"tasks"`
}

type errorBody struct {
	Error string `json:"error"`
}

// NewRouter builds the chi router for the admin API.
func NewRouter(opts Options) http.Handler {
	if opts.MaxWait <= 0 {
		opts.MaxWait = 5 * time.Minute
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &server{opts: opts, log: opts.Logger}
	if s.log == nil {
		s.log = logging.New("tonerelay-api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)
	if opts.Auth != nil {
		r.Use(opts.Auth.HTTPMiddleware)
	}

	r.Get("/healthz", health.HTTPHandler(opts.Checks))
	r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1/tasks", func(r chi.Router) {
		r.Post("/", s.submit)
		r.Get("/", s.list)
		r.Get("/{id}", s.get)
		r.Delete("/{id}", s.cancel)
	})
	return r
}

func (s *server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		s.log.WithContext(r.Context()).WithFields(map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

func (s *server) submit(w http.ResponseWriter, r *http.Request) {
	var sub delivery.Submission
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20))
	if err := dec.Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode submission: %w", err))
		return
	}
	// Trace context comes from the request headers, not the body.
	sub.TraceHeaders = nil

	t, created, err := s.opts.Service.Submit(r.Context(), sub)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, SubmitResponse{Task: t, Created: created})
}

func (s *server) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := dispatcher.Filter{State: delivery.State(q.Get("state"))}
	if ch := q.Get("channel"); ch != "" {
		kind, err := delivery.ParseChannelKind(ch)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		f.Channel = kind
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", l))
			return
		}
		f.Limit = n
	}
	writeJSON(w, http.StatusOK, TaskList{Tasks: s.opts.Service.List(f)})
}

func (s *server) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wait := r.URL.Query().Get("wait")
	if wait == "" {
		t, err := s.opts.Service.Get(id)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, t)
		return
	}

	d, err := time.ParseDuration(wait)
	if err != nil || d < 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid wait %q", wait))
		return
	}
	d = min(d, s.opts.MaxWait)

	ctx, cancel := context.WithTimeout(r.Context(), d)
	defer cancel()
	t, err := s.opts.Service.Wait(ctx, id)
	if errors.Is(err, context.DeadlineExceeded) {
		// Still running: report the current snapshot.
		t, err = s.opts.Service.Get(id)
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *server) cancel(w http.ResponseWriter, r *http.Request) {
	t, err := s.opts.Service.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func statusFor(err error) int {
	var perr *delivery.PersistenceError
	switch {
	case errors.Is(err, delivery.ErrInvalidTask):
		return http.StatusBadRequest
	case errors.Is(err, delivery.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, delivery.ErrNotCancellable):
		return http.StatusConflict
	case errors.As(err, &perr):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}
