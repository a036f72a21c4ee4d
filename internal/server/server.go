// Package server exposes the scenario supervisor over a small JSON API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfgangB33r/otel-demo-service/internal/logger"
	"github.com/wolfgangB33r/otel-demo-service/internal/patterns"
	"github.com/wolfgangB33r/otel-demo-service/internal/supervisor"
)

// Controller is the part of the supervisor the API drives.
type Controller interface {
	Status() map[string]supervisor.Status
	Start(ctx context.Context, name string) (supervisor.Started, error)
	Stop(ctx context.Context, name string) (supervisor.Stopped, error)
	Patterns(ctx context.Context, name string) (patterns.State, error)
	SetPattern(ctx context.Context, name, pattern string, enabled bool) (patterns.State, error)
	SetRate(ctx context.Context, name string, rpm int) (patterns.State, error)
	Output(name string) ([]byte, error)
	Health() int
}

type Server struct {
	ctl    Controller
	log    logger.Logger
	router *mux.Router
}

// New builds the router. gatherer serves /metrics; nil leaves it out.
func New(ctl Controller, gatherer prometheus.Gatherer, log logger.Logger) *Server {
	r := mux.NewRouter()
	s := &Server{ctl: ctl, log: log, router: r}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/scenarios", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/scenarios/{name}/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/scenarios/{name}/stop", s.handleStop).Methods(http.MethodPost)
	api.HandleFunc("/scenarios/{name}/patterns", s.handlePatterns).Methods(http.MethodGet)
	api.HandleFunc("/scenarios/{name}/patterns/{pattern}", s.handleSetPattern).Methods(http.MethodPut, http.MethodPost)
	api.HandleFunc("/scenarios/{name}/rate", s.handleSetRate).Methods(http.MethodPut, http.MethodPost)
	api.HandleFunc("/scenarios/{name}/output", s.handleOutput).Methods(http.MethodGet)

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return s
}

func (s *Server) Router() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("control API listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("serving control API: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down control API: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encoding response: %v", err)
	}
}

// writeError maps supervisor and store errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, supervisor.ErrUnknownScenario):
		code = http.StatusNotFound
	case errors.Is(err, supervisor.ErrAlreadyRunning), errors.Is(err, supervisor.ErrNotRunning):
		code = http.StatusConflict
	case errors.Is(err, patterns.ErrInvalidPattern), errors.Is(err, errBadRequest):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		s.log.Error("control API: %v", err)
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

var errBadRequest = errors.New("bad request")

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"scenarios_running": s.ctl.Health(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctl.Status())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	started, err := s.ctl.Start(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "started",
		"scenario": name,
		"pid":      started.PID,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	stopped, err := s.ctl.Stop(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   string(stopped.Mode),
		"scenario": name,
	})
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	state, err := s.ctl.Patterns(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

type patternRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleSetPattern(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req patternRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Enabled == nil {
		s.writeError(w, fmt.Errorf("%w: missing \"enabled\"", errBadRequest))
		return
	}
	state, err := s.ctl.SetPattern(r.Context(), vars["name"], vars["pattern"], *req.Enabled)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

type rateRequest struct {
	RPM *int `json:"rpm"`
}

func (s *Server) handleSetRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.RPM == nil {
		s.writeError(w, fmt.Errorf("%w: missing \"rpm\"", errBadRequest))
		return
	}
	state, err := s.ctl.SetRate(r.Context(), mux.Vars(r)["name"], *req.RPM)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	out, err := s.ctl.Output(mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(out)
}
