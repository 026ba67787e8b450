// Package channels serves client sessions over WebSocket. Each connection
// is one session: inbound frames are socket commands, outbound frames are
// events pushed by the conversation manager and the fleet relay.
package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/noco-ai/arcane-bridge/internal/security"
)

// Session errors.
var (
	ErrNoSession   = errors.New("channels: no such session")
	ErrSlowSession = errors.New("channels: session send queue full")
)

// Outbound events not owned by the conversation manager.
const (
	EventSessionStarted = "session_started"
	EventToast          = "toast_message"
	EventPong           = "pong"
)

const (
	sendQueue    = 256
	writeTimeout = 10 * time.Second
)

// Handler receives session lifecycle and commands.
type Handler interface {
	OnConnect(socketID string, userID int64)
	OnDisconnect(socketID string)
	HandleCommand(ctx context.Context, socketID string, userID int64, command string, payload json.RawMessage) error
}

// Request is an inbound frame.
type Request struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is an outbound frame.
type Event struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

type session struct {
	id     string
	userID int64
	out    chan Event
	done   chan struct{}
}

// Sessions tracks connected clients and delivers events to them.
type Sessions struct {
	handler Handler
	logger  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	byUser   map[int64]map[string]*session

	wg sync.WaitGroup
}

// NewSessions creates an empty session table feeding handler.
func NewSessions(handler Handler, logger *slog.Logger) *Sessions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{
		handler:  handler,
		logger:   logger.With("component", "sessions"),
		sessions: make(map[string]*session),
		byUser:   make(map[int64]map[string]*session),
	}
}

// SetHandler replaces the command handler. It must be called before the
// first connection.
func (s *Sessions) SetHandler(h Handler) { s.handler = h }

func (s *Sessions) add(userID int64) *session {
	sess := &session{
		id:     uuid.NewString(),
		userID: userID,
		out:    make(chan Event, sendQueue),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	if s.byUser[userID] == nil {
		s.byUser[userID] = make(map[string]*session)
	}
	s.byUser[userID][sess.id] = sess
	s.mu.Unlock()
	return sess
}

func (s *Sessions) remove(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	if m := s.byUser[sess.userID]; m != nil {
		delete(m, sess.id)
		if len(m) == 0 {
			delete(s.byUser, sess.userID)
		}
	}
	s.mu.Unlock()
}

func (s *Sessions) enqueue(sess *session, ev Event) error {
	select {
	case <-sess.done:
		return fmt.Errorf("%w: %s", ErrNoSession, sess.id)
	default:
	}
	select {
	case sess.out <- ev:
		return nil
	default:
		s.logger.Warn("dropping event for slow session", "socket_id", sess.id, "event", ev.Event)
		return fmt.Errorf("%w: %s", ErrSlowSession, sess.id)
	}
}

// Emit sends an event to one session. It never blocks.
func (s *Sessions) Emit(socketID, event string, payload any) error {
	s.mu.RLock()
	sess, ok := s.sessions[socketID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, socketID)
	}
	return s.enqueue(sess, Event{Event: event, Payload: payload})
}

// EmitToUser sends an event to every session of a user.
func (s *Sessions) EmitToUser(userID int64, event string, payload any) error {
	s.mu.RLock()
	targets := make([]*session, 0, len(s.byUser[userID]))
	for _, sess := range s.byUser[userID] {
		targets = append(targets, sess)
	}
	s.mu.RUnlock()
	if len(targets) == 0 {
		return fmt.Errorf("%w: user %d", ErrNoSession, userID)
	}
	var errs []error
	for _, sess := range targets {
		if err := s.enqueue(sess, Event{Event: event, Payload: payload}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenSockets lists connected session ids.
func (s *Sessions) OpenSockets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Wait blocks until every session has ended.
func (s *Sessions) Wait() { s.wg.Wait() }

// ServeHTTP upgrades an authenticated request to a session. Claims must
// already be on the request context.
func (s *Sessions) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := security.ClaimsFrom(r.Context())
	if err != nil {
		http.Error(w, `{"error":"missing token"}`, http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	s.serve(r.Context(), conn, claims.UserID)
}

func (s *Sessions) serve(ctx context.Context, conn *websocket.Conn, userID int64) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := s.add(userID)
	s.logger.Info("session connected", "socket_id", sess.id, "user_id", userID)
	if s.handler != nil {
		s.handler.OnConnect(sess.id, userID)
	}
	defer func() {
		s.remove(sess)
		close(sess.done)
		if s.handler != nil {
			s.handler.OnDisconnect(sess.id)
		}
		conn.Close(websocket.StatusNormalClosure, "session ended")
		s.logger.Info("session disconnected", "socket_id", sess.id)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, conn, sess)
		cancel()
	}()

	_ = s.enqueue(sess, Event{Event: EventSessionStarted, Payload: map[string]any{"socket_id": sess.id, "user_id": userID}})
	s.readLoop(ctx, conn, sess)
	cancel()
	<-writerDone
}

func (s *Sessions) readLoop(ctx context.Context, conn *websocket.Conn, sess *session) {
	for {
		var req Request
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			s.logger.Debug("session read ended", "socket_id", sess.id, "error", err)
			return
		}
		switch req.Command {
		case "":
			_ = s.enqueue(sess, toast("Invalid request", "missing command"))
		case "ping":
			_ = s.enqueue(sess, Event{Event: EventPong})
		default:
			if s.handler == nil {
				continue
			}
			if err := s.handler.HandleCommand(ctx, sess.id, sess.userID, req.Command, req.Payload); err != nil {
				s.logger.Warn("command failed", "socket_id", sess.id, "command", req.Command, "error", err)
				_ = s.enqueue(sess, toast("Error", err.Error()))
			}
		}
	}
}

func (s *Sessions) writeLoop(ctx context.Context, conn *websocket.Conn, sess *session) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sess.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				s.logger.Debug("session write failed", "socket_id", sess.id, "error", err)
				return
			}
		}
	}
}

func toast(summary, detail string) Event {
	return Event{Event: EventToast, Payload: map[string]string{
		"summary":  summary,
		"detail":   detail,
		"severity": "error",
	}}
}
