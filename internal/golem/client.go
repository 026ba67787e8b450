// Package golem is the bridge's client for the worker fleet. It publishes
// commands, turns request/response exchanges with a skill into blocking
// calls, and wraps the language-model and embedding services.
package golem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/noco-ai/arcane-bridge/internal/broker"
	"github.com/noco-ai/arcane-bridge/internal/jobs"
	"github.com/noco-ai/arcane-bridge/internal/skills"
)

// ExchangeSkill carries requests addressed to a skill's routing key.
const ExchangeSkill = "golem_skill"

// Worker commands.
const (
	CommandLLM       = "core_llm_service"
	CommandEmbedding = "core_embedding_service"
)

// Use tags of the skills the client falls back to.
const (
	UseLanguageModel = "language_model"
	UseEmbedding     = "embedding"
)

// ErrNoWorker is returned when no online skill can serve a request.
var ErrNoWorker = errors.New("golem: no online worker")

// OfflineError names the skill that could not be reached.
type OfflineError struct {
	RoutingKey string
}

func (e *OfflineError) Error() string {
	return fmt.Sprintf("skill with routing key %s is not online", e.RoutingKey)
}

func (e *OfflineError) Unwrap() error { return ErrNoWorker }

// Publisher sends one message to the broker. *broker.Gateway implements it.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, payload any, headers broker.Headers) error
}

// Client sends work to the fleet.
type Client struct {
	pub    Publisher
	jobs   *jobs.Registry
	index  *skills.Index
	logger *slog.Logger

	fragments fragmentTiming
}

// NewClient creates a client publishing through pub. Responses are matched
// back through registry, which must also be wired as a broker consumer.
func NewClient(pub Publisher, registry *jobs.Registry, index *skills.Index, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		pub:       pub,
		jobs:      registry,
		index:     index,
		logger:    logger.With("component", "golem"),
		fragments: defaultFragmentTiming(),
	}
}

// Jobs returns the registry used to correlate responses.
func (c *Client) Jobs() *jobs.Registry { return c.jobs }

// Index returns the skill index used to pick workers.
func (c *Client) Index() *skills.Index { return c.index }

// PublishCommand publishes payload with a command header. The command
// header always overrides one set by the caller.
func (c *Client) PublishCommand(ctx context.Context, exchange, routingKey, command string, payload any, headers broker.Headers) error {
	h := headers.Clone()
	h["command"] = command
	if err := c.pub.Publish(ctx, exchange, routingKey, payload, h); err != nil {
		c.logger.Error("failed to publish command", "command", command, "exchange", exchange, "routing_key", routingKey, "error", err)
		return err
	}
	return nil
}

// PickWorker returns explicit when it is online, otherwise the first online
// skill tagged use if fallback is allowed, otherwise "".
func (c *Client) PickWorker(explicit, use string, allowFallback bool) string {
	return c.index.PickWorker(explicit, use, allowFallback)
}

// Request is one job sent to a skill.
type Request struct {
	RoutingKey string
	Command    string
	Payload    any
	UserID     int64
	CustomData any
	// Headers are merged under the job headers.
	Headers broker.Headers
}

// Start publishes a job and returns its headers. The continuations run on
// the broker consumer goroutine when the response arrives.
func (c *Client) Start(ctx context.Context, req Request, onSuccess jobs.SuccessFunc, onFailure jobs.FailureFunc) (broker.Headers, error) {
	if req.RoutingKey == "" || req.Command == "" {
		return nil, fmt.Errorf("golem: invalid routing key or command")
	}
	if _, ok := c.index.OnlineSkill(req.RoutingKey); !ok {
		return nil, &OfflineError{RoutingKey: req.RoutingKey}
	}

	jobHeaders := c.jobs.Create(req.RoutingKey, req.UserID, req.CustomData, onSuccess, onFailure)
	headers := req.Headers.Clone()
	for k, v := range jobHeaders {
		headers[k] = v
	}
	if err := c.PublishCommand(ctx, ExchangeSkill, req.RoutingKey, req.Command, req.Payload, headers); err != nil {
		c.jobs.Cancel(jobHeaders.String("job"))
		return nil, err
	}
	return jobHeaders, nil
}

// Send publishes a job and waits for its response or for ctx to end.
func (c *Client) Send(ctx context.Context, req Request) (json.RawMessage, error) {
	type result struct {
		body json.RawMessage
		err  error
	}
	done := make(chan result, 1)

	headers, err := c.Start(ctx, req,
		func(body json.RawMessage) { done <- result{body: body} },
		func(err error) { done <- result{err: err} },
	)
	if err != nil {
		return nil, err
	}

	select {
	case r := <-done:
		return r.body, r.err
	case <-ctx.Done():
		c.jobs.Cancel(headers.String("job"))
		return nil, ctx.Err()
	}
}
