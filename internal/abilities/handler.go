package abilities

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/noco-ai/arcane-bridge/internal/golem"
	"github.com/noco-ai/arcane-bridge/internal/modules"
)

// Call is one invocation of a chat ability.
type Call struct {
	SocketID  string
	UserID    int64
	// MessageID is the user message the call answers.
	MessageID int64
	// Text is the user's prompt.
	Text      string
	Ability   *Ability
	Params    map[string]any
}

// String returns the named parameter as a string, or "".
func (c *Call) String(name string) string {
	switch v := c.Params[name].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Progress is a progress bar update shown while an ability works.
type Progress struct {
	Label   string `json:"label"`
	Total   int    `json:"total"`
	Current int    `json:"current"`
}

// Responder is how an ability talks back to the user's session.
type Responder interface {
	SendResponse(ctx context.Context, socketID, text string) error
	// SendResponseWithCursor sends text and keeps streaming at cursor.
	SendResponseWithCursor(ctx context.Context, socketID, text, cursor string) error
	ResetCursor(ctx context.Context, socketID string) error
	SendError(ctx context.Context, socketID, msg string) error
	UpdateProgress(ctx context.Context, socketID string, p Progress) error
	// ConversationParameter reads a field of the active turn.
	ConversationParameter(socketID, name string) (any, bool)
	ClearEmbeddings()
}

// Handler runs a chat ability. The response ends when Execute returns.
type Handler interface {
	Execute(ctx context.Context, call *Call, r Responder) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call *Call, r Responder) error

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, call *Call, r Responder) error {
	return f(ctx, call, r)
}

// NewHandlers creates an empty handler registry.
func NewHandlers() *modules.Registry[Handler] {
	return modules.NewRegistry[Handler]("chat ability handler")
}

// SimpleChatPayload is a system prompt followed by one user message.
func SimpleChatPayload(system, user string) []golem.Message {
	return []golem.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
}

// MergeConfig copies config over payload.
func MergeConfig(config, payload map[string]any) map[string]any {
	if payload == nil {
		payload = make(map[string]any, len(config))
	}
	for k, v := range config {
		payload[k] = v
	}
	return payload
}
