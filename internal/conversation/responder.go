package conversation

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/noco-ai/arcane-bridge/internal/abilities"
	"github.com/noco-ai/arcane-bridge/internal/broker"
)

var (
	_ abilities.Responder = (*Manager)(nil)
	_ abilities.Responder = (*turnResponder)(nil)
)

// turnResponder is the Responder of one turn. With headers set it only
// reaches the turn whose user message matches their parent_id.
type turnResponder struct {
	m       *Manager
	headers broker.Headers
}

// bind returns a Responder for the turn answering user message turnID. Zero
// binds to whatever turn the session has.
func (m *Manager) bind(turnID int64) *turnResponder {
	r := &turnResponder{m: m}
	if turnID != 0 {
		r.headers = broker.Headers{"parent_id": turnID}
	}
	return r
}

// current reports whether socketID's turn answers user message turnID.
func (m *Manager) current(socketID string, turnID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.turnLocked(socketID, m.bind(turnID).headers)
	return ok
}

// turnLocked returns the session's turn unless h belongs to an earlier one.
// m.mu must be held.
func (m *Manager) turnLocked(socketID string, h broker.Headers) (*Turn, bool) {
	t, ok := m.turns[socketID]
	if !ok || stale(t, h) {
		return nil, false
	}
	return t, true
}

// SendResponse streams text into the session's reply.
func (m *Manager) SendResponse(ctx context.Context, socketID, text string) error {
	return m.bind(0).SendResponse(ctx, socketID, text)
}

// SendResponseWithCursor streams text with cursor removed, then keeps
// streaming at the cursor's position: later fragments land before the text
// that followed it.
func (m *Manager) SendResponseWithCursor(ctx context.Context, socketID, text, cursor string) error {
	return m.bind(0).SendResponseWithCursor(ctx, socketID, text, cursor)
}

// ResetCursor returns to appending at the end of the reply.
func (m *Manager) ResetCursor(ctx context.Context, socketID string) error {
	return m.bind(0).ResetCursor(ctx, socketID)
}

// SendError shows msg as part of the reply. The turn continues.
func (m *Manager) SendError(ctx context.Context, socketID, msg string) error {
	return m.bind(0).SendError(ctx, socketID, msg)
}

// UpdateProgress shows a progress bar in the session.
func (m *Manager) UpdateProgress(ctx context.Context, socketID string, p abilities.Progress) error {
	return m.emitter.Emit(socketID, EventProgress, map[string]any{
		"label":   p.Label,
		"total":   p.Total,
		"current": p.Current,
		"target":  "chat_progress",
	})
}

// ConversationParameter reads a field of the session's turn.
func (m *Manager) ConversationParameter(socketID, name string) (any, bool) {
	return m.bind(0).ConversationParameter(socketID, name)
}

// ClearEmbeddings drops the embedding index; the next routed turn rebuilds
// it.
func (m *Manager) ClearEmbeddings() {
	m.router.Index().Invalidate()
	m.logger.Info("cleared function calling and moe embeddings")
}

func (r *turnResponder) SendResponse(ctx context.Context, socketID, text string) error {
	if !r.m.appendFragment(socketID, text, r.headers) {
		return ErrNoTurn
	}
	return nil
}

func (r *turnResponder) SendResponseWithCursor(ctx context.Context, socketID, text, cursor string) error {
	i := strings.Index(text, cursor)
	if cursor == "" || i < 0 {
		return fmt.Errorf("cursor %q not found in response", cursor)
	}
	tail := text[i+len(cursor):]
	if !r.m.appendFragment(socketID, text[:i]+tail, r.headers) {
		return ErrNoTurn
	}

	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	t, ok := r.m.turnLocked(socketID, r.headers)
	if !ok {
		return ErrNoTurn
	}
	t.setCursor(tail)
	r.m.emit(socketID, EventCursor, map[string]any{"index": utf8.RuneCountInString(tail), "tail": tail})
	return nil
}

func (r *turnResponder) ResetCursor(ctx context.Context, socketID string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	t, ok := r.m.turnLocked(socketID, r.headers)
	if !ok {
		return ErrNoTurn
	}
	t.resetCursor()
	r.m.emit(socketID, EventCursor, map[string]any{"index": 0, "tail": ""})
	return nil
}

func (r *turnResponder) SendError(ctx context.Context, socketID, msg string) error {
	return r.SendResponse(ctx, socketID, msg)
}

func (r *turnResponder) UpdateProgress(ctx context.Context, socketID string, p abilities.Progress) error {
	return r.m.UpdateProgress(ctx, socketID, p)
}

func (r *turnResponder) ConversationParameter(socketID, name string) (any, bool) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	t, ok := r.m.turnLocked(socketID, r.headers)
	if !ok {
		return nil, false
	}
	return t.parameter(name)
}

func (r *turnResponder) ClearEmbeddings() { r.m.ClearEmbeddings() }
