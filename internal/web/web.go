package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"recurcal/internal/config"
	"recurcal/internal/ics"
	appLog "recurcal/internal/log"
	"recurcal/internal/model"
	"recurcal/internal/refresh"
	"recurcal/internal/rules"
	"recurcal/internal/store"
)

// Reader is the read side of the instance store.
type Reader interface {
	ListByEvent(ctx context.Context, eventID string) ([]model.Instance, error)
	ListByCalendar(ctx context.Context, calendarID string) ([]model.Instance, error)
	GetByID(ctx context.Context, id string) (model.Instance, error)
}

// Refresher is the write side the API drives. *refresh.Orchestrator
// satisfies it.
type Refresher interface {
	Rebuild(ctx context.Context, eventID string) error
	OnEventDeleted(ctx context.Context, eventID string) error
	RefreshAll(ctx context.Context) (refresh.Report, error)
}

// Server exposes materialized instances and refresh controls over HTTP.
type Server struct {
	cfg       *config.Config
	instances Reader
	refresher Refresher
	gatherer  prometheus.Gatherer
	now       func() time.Time

	router chi.Router
}

// NewServer constructs a Server. gatherer may be nil, in which case
// /metrics is not mounted.
func NewServer(cfg *config.Config, instances Reader, refresher Refresher, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		cfg:       cfg,
		instances: instances,
		refresher: refresher,
		gatherer:  gatherer,
		now:       time.Now,
		router:    chi.NewRouter(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.basicAuthEnabled() {
			appLog.Info("HTTP basic auth enabled", "listen", s.cfg.Listen)
			r.Use(s.basicAuthMiddleware)
		}

		if s.gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}

		r.Route("/api", func(r chi.Router) {
			r.Route("/events/{eventID}", func(r chi.Router) {
				r.Get("/instances", s.handleEventInstances)
				r.Delete("/instances", s.handleDeleteEventInstances)
				r.Post("/rebuild", s.handleRebuild)
			})
			r.Route("/calendars/{calendarID}", func(r chi.Router) {
				r.Get("/instances", s.handleCalendarInstances)
				r.Get("/feed.ics", s.handleCalendarFeed)
			})
			r.Get("/instances/{instanceID}", s.handleInstance)
			r.Post("/refresh", s.handleRefresh)
		})
	})
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="recurcal", charset="UTF-8"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		appLog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(started).String(),
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleEventInstances(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	out, err := s.instances.ListByEvent(r.Context(), eventID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteEventInstances(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	if err := s.refresher.OnEventDeleted(r.Context(), eventID); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	if err := s.refresher.Rebuild(r.Context(), eventID); err != nil {
		writeFailure(w, err)
		return
	}
	out, err := s.instances.ListByEvent(r.Context(), eventID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCalendarInstances(w http.ResponseWriter, r *http.Request) {
	calendarID := chi.URLParam(r, "calendarID")
	out, err := s.instances.ListByCalendar(r.Context(), calendarID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCalendarFeed(w http.ResponseWriter, r *http.Request) {
	calendarID := chi.URLParam(r, "calendarID")
	out, err := s.instances.ListByCalendar(r.Context(), calendarID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(ics.RenderFeed(calendarID, out, s.now())))
}

func (s *Server) handleInstance(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")
	inst, err := s.instances.GetByID(r.Context(), instanceID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	rep, err := s.refresher.RefreshAll(r.Context())
	if err != nil {
		appLog.Error("refresh via API interrupted", err)
		writeJSON(w, http.StatusServiceUnavailable, struct {
			Error  string         `json:"error"`
			Report refresh.Report `json:"report"`
		}{Error: err.Error(), Report: rep})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case rules.IsCompileError(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrInstanceNotFound), errors.Is(err, store.ErrEventNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		appLog.Error("request failed", err)
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
