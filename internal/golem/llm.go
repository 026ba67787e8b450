package golem

import (
	"context"
	"encoding/json"
	"fmt"
)

// Message is one chat message sent to a language model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest asks a language model for a single completion.
type GenerateRequest struct {
	// Model is the preferred routing key. When it is offline the first
	// online language model is used.
	Model        string
	Messages     []Message
	MaxNewTokens int
	UserID       int64
	CustomData   any
	// Extra fields are copied into the payload (temperature, lora, ...).
	Extra map[string]any
}

// Completion is a language model response.
type Completion struct {
	Content          string  `json:"content"`
	FinishReason     string  `json:"finish_reason"`
	TokensPerSecond  float64 `json:"tokens_per_second"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Model            string  `json:"model"`
}

// Generate sends a non-streaming completion request and waits for it.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*Completion, error) {
	routingKey := c.PickWorker(req.Model, UseLanguageModel, true)
	if routingKey == "" {
		return nil, &OfflineError{RoutingKey: req.Model}
	}

	payload := make(map[string]any, len(req.Extra)+3)
	for k, v := range req.Extra {
		payload[k] = v
	}
	payload["messages"] = req.Messages
	payload["stream"] = false
	if req.MaxNewTokens > 0 {
		payload["max_new_tokens"] = req.MaxNewTokens
	}

	body, err := c.Send(ctx, Request{
		RoutingKey: routingKey,
		Command:    CommandLLM,
		Payload:    payload,
		UserID:     req.UserID,
		CustomData: req.CustomData,
	})
	if err != nil {
		return nil, err
	}

	var out Completion
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}
	if out.Model == "" {
		out.Model = routingKey
	}
	return &out, nil
}
