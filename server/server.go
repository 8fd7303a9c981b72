// Package server exposes agent sessions over HTTP. Turns can be run with a
// plain POST or streamed over a WebSocket, one JSON frame per event.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/martinemde/codeloop/agentloop"
)

const shutdownTimeout = 5 * time.Second

// Server serves the session API for one Machine.
type Server struct {
	machine    *agentloop.Machine
	logger     zerolog.Logger
	requestLog bool
	router     chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithRequestLogging toggles per-request access logs.
func WithRequestLogging(enabled bool) Option {
	return func(s *Server) { s.requestLog = enabled }
}

// New creates a Server and its routes.
func New(machine *agentloop.Machine, opts ...Option) *Server {
	s := &Server{
		machine:    machine,
		logger:     log.Logger,
		requestLog: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	router := chi.NewRouter()
	if s.requestLog {
		httpLogger := httplog.NewLogger("codeloop", httplog.Options{
			LogLevel: slog.LevelInfo,
			JSON:     true,
			Concise:  true,
		})
		router.Use(httplog.RequestLogger(httpLogger))
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
	}))

	router.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", s.createSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Delete("/", s.deleteSession)
			r.Get("/history", s.history)
			r.Post("/reset", s.reset)
			r.Post("/turns", s.runTurn)
			r.Get("/turns", s.streamTurns)
		})
	})
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Serve accepts connections on listener until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", listener.Addr().String()).Msg("server listening")
		errc <- httpServer.Serve(listener)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("server stopped")
	return nil
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
}

type historyResponse struct {
	SessionID string              `json:"session_id"`
	Messages  []agentloop.Message `json:"messages"`
}

type turnRequest struct {
	Input  string `json:"input"`
	Cancel bool   `json:"cancel,omitempty"`
}

// turnResult is the JSON form of agentloop.Outcome.
type turnResult struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Steps     int    `json:"steps"`
	Reply     string `json:"reply,omitempty"`
	Error     string `json:"error,omitempty"`
}

type turnResponse struct {
	Outcome turnResult        `json:"outcome"`
	Events  []agentloop.Event `json:"events"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newTurnResult(out agentloop.Outcome, err error) turnResult {
	res := turnResult{
		SessionID: out.SessionID,
		State:     out.State.String(),
		Steps:     out.Steps,
		Reply:     out.Reply,
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	id := s.machine.Store().Create()
	s.logger.Debug().Str("session_id", id).Msg("session created")
	writeJSON(w, http.StatusCreated, sessionResponse{SessionID: id})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.machine.Store().Exists(id) {
		writeError(w, http.StatusNotFound, agentloop.ErrSessionNotFound)
		return
	}
	s.machine.Store().Delete(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	messages, err := s.machine.Store().Snapshot(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{SessionID: id, Messages: messages})
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	newID, err := s.machine.Store().Reset(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{SessionID: newID})
}

// runTurn runs one turn to completion and returns its events.
func (s *Server) runTurn(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.machine.Store().Exists(id) {
		writeError(w, http.StatusNotFound, agentloop.ErrSessionNotFound)
		return
	}

	var req turnRequest
	if err := sonic.ConfigDefault.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var events []agentloop.Event
	out, err := s.machine.Run(r.Context(), id, req.Input, agentloop.PublisherFunc(func(ev agentloop.Event) {
		events = append(events, ev)
	}))
	if errors.Is(err, agentloop.ErrSessionBusy) {
		writeError(w, http.StatusConflict, err)
		return
	}
	if events == nil {
		events = []agentloop.Event{}
	}
	writeJSON(w, http.StatusOK, turnResponse{Outcome: newTurnResult(out, err), Events: events})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, agentloop.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, agentloop.ErrSessionBusy):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("sonic.Marshal() failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
