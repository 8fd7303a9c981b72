package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/martinemde/codeloop/agentloop"
)

const writeWait = 5 * time.Second

// Frame types sent to WebSocket clients.
const (
	FrameEvent   = "event"
	FrameOutcome = "outcome"
	FrameError   = "error"
)

// frame is one server-to-client WebSocket message.
type frame struct {
	Type    string           `json:"type"`
	Event   *agentloop.Event `json:"event,omitempty"`
	Outcome *turnResult      `json:"outcome,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// streamTurns upgrades to a WebSocket. Each {"input": ...} message starts a
// turn whose events are written back as they happen, followed by an outcome
// frame. {"cancel": true} cancels the running turn.
func (s *Server) streamTurns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.machine.Store().Exists(id) {
		writeError(w, http.StatusNotFound, agentloop.ErrSessionNotFound)
		return
	}

	err := s.serveTurns(w, r, id)
	if errors.Is(err, context.Canceled) {
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
		websocket.CloseStatus(err) == websocket.StatusGoingAway {
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", id).Msg("websocket session failed")
	}
}

// turnConn tracks the turn running on one WebSocket connection.
type turnConn struct {
	conn *websocket.Conn

	mu      sync.Mutex
	current *agentloop.Stream
	wg      sync.WaitGroup
}

func (s *Server) serveTurns(w http.ResponseWriter, r *http.Request, id string) error {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept has already written the response.
		return err
	}
	defer conn.CloseNow()

	tc := &turnConn{conn: conn}
	defer tc.stop()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var req turnRequest
		if err := sonic.Unmarshal(data, &req); err != nil {
			if err := tc.write(ctx, frame{Type: FrameError, Error: "invalid request: " + err.Error()}); err != nil {
				return err
			}
			continue
		}

		running := tc.running()
		switch {
		case req.Cancel:
			if running != nil {
				running.Cancel()
			}
			continue
		case running != nil:
			err = tc.write(ctx, frame{Type: FrameError, Error: agentloop.ErrSessionBusy.Error()})
		case strings.TrimSpace(req.Input) == "":
			err = tc.write(ctx, frame{Type: FrameError, Error: "input is required"})
		default:
			s.logger.Debug().Str("session_id", id).Msg("websocket turn started")
			tc.start(ctx, s.machine.Stream(ctx, id, req.Input))
		}
		if err != nil {
			return err
		}
	}
}

func (tc *turnConn) running() *agentloop.Stream {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.current
}

func (tc *turnConn) start(ctx context.Context, stream *agentloop.Stream) {
	tc.mu.Lock()
	tc.current = stream
	tc.mu.Unlock()

	tc.wg.Add(1)
	go func() {
		defer tc.wg.Done()
		tc.forward(ctx, stream)
	}()
}

// forward writes the turn's events and then its outcome. The turn is
// cleared before the outcome is written so the client can start the next
// one as soon as it sees the outcome.
func (tc *turnConn) forward(ctx context.Context, stream *agentloop.Stream) {
	for ev := range stream.Events() {
		if err := tc.write(ctx, frame{Type: FrameEvent, Event: &ev}); err != nil {
			stream.Close()
			break
		}
	}
	out, err := stream.Wait()

	tc.mu.Lock()
	tc.current = nil
	tc.mu.Unlock()

	if errors.Is(err, agentloop.ErrSessionBusy) {
		_ = tc.write(ctx, frame{Type: FrameError, Error: err.Error()})
		return
	}
	result := newTurnResult(out, err)
	_ = tc.write(ctx, frame{Type: FrameOutcome, Outcome: &result})
}

// stop cancels any running turn and waits for its forwarder.
func (tc *turnConn) stop() {
	if stream := tc.running(); stream != nil {
		stream.Close()
	}
	tc.wg.Wait()
}

func (tc *turnConn) write(ctx context.Context, f frame) error {
	data, err := sonic.Marshal(f)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return tc.conn.Write(writeCtx, websocket.MessageText, data)
}
