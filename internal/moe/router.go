// Package moe routes a chat turn to a chat ability, a specialist skill, or
// the default language model by comparing embeddings of what the reasoning
// agent thinks the user wants against the functions and knowledge domains
// on offer.
package moe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/noco-ai/arcane-bridge/internal/abilities"
	"github.com/noco-ai/arcane-bridge/internal/broker"
	"github.com/noco-ai/arcane-bridge/internal/embeddings"
	"github.com/noco-ai/arcane-bridge/internal/golem"
	"github.com/noco-ai/arcane-bridge/internal/security"
	"github.com/noco-ai/arcane-bridge/internal/skills"
	"github.com/noco-ai/arcane-bridge/internal/store"
)

// Router config flags set per conversation.
const (
	FlagFunctionCalling = "function_calling"
	FlagModelRouting    = "model_routing"
	FlagPinFunctions    = "pin_functions"
	FlagPinModels       = "pin_models"
)

// UseReasoningAgent tags skills that can run the routing prompts.
const UseReasoningAgent = "reasoning_agent"

// HandlerCodeDynamicFunction writes new dynamic functions. Requests routed
// to it are never pinned.
const HandlerCodeDynamicFunction = "code_dynamic_function"

var (
	// ErrNoPendingEmbeddings is returned when an embedding response arrives
	// for a session that did not ask for one.
	ErrNoPendingEmbeddings = errors.New("moe: no embedding request pending")
	// ErrNoReasoningAgent is returned when no reasoning agent is online.
	ErrNoReasoningAgent = errors.New("moe: no reasoning agent online")
)

// RoutingEnabled reports whether a conversation's router config turns on
// routing at all.
func RoutingEnabled(config []string) bool {
	return slices.Contains(config, FlagFunctionCalling) || slices.Contains(config, FlagModelRouting)
}

// Publisher sends commands to the fleet. *golem.Client implements it.
type Publisher interface {
	PublishCommand(ctx context.Context, exchange, routingKey, command string, payload any, headers broker.Headers) error
}

// Router runs the routing stages. Each stage publishes a job whose response
// comes back through the bridge consumer and is handed to the next stage
// by the conversation manager.
type Router struct {
	pub        Publisher
	skills     *skills.Index
	catalog    *abilities.Catalog
	store      Store
	index      *embeddings.Index
	thresholds Thresholds
	logger     *slog.Logger

	mu      sync.Mutex
	pending map[string][]string // socket id -> texts sent for embedding

	dynamic atomic.Pointer[map[string]*abilities.Ability]
}

// NewRouter creates a router. Zero thresholds take the defaults.
func NewRouter(pub Publisher, index *skills.Index, catalog *abilities.Catalog, st Store, th Thresholds, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if th.FunctionCall == 0 {
		th.FunctionCall = DefaultThresholds.FunctionCall
	}
	if th.ModelRoute == 0 {
		th.ModelRoute = DefaultThresholds.ModelRoute
	}
	r := &Router{
		pub:        pub,
		skills:     index,
		catalog:    catalog,
		store:      st,
		thresholds: th,
		logger:     logger.With("component", "moe"),
		pending:    make(map[string][]string),
	}
	r.index = embeddings.NewIndex(r.source, logger)
	return r
}

// Index returns the embedding index.
func (r *Router) Index() *embeddings.Index { return r.index }

// Thresholds returns the configured thresholds.
func (r *Router) Thresholds() Thresholds { return r.thresholds }

// Warm builds the embedding index ahead of the first routed turn.
func (r *Router) Warm(ctx context.Context, embed embeddings.EmbedFunc) error {
	_, err := r.index.Warm(ctx, embed)
	return err
}

// Ability returns a catalog ability or a dynamic function by key.
func (r *Router) Ability(key string) (*abilities.Ability, bool) {
	if a, ok := r.catalog.Get(key); ok {
		return a, true
	}
	if m := r.dynamic.Load(); m != nil {
		a, ok := (*m)[key]
		return a, ok
	}
	return nil, false
}

// FunctionByShortcut returns the key of the ability bound to shortcut.
func (r *Router) FunctionByShortcut(shortcut string) (string, bool) {
	a, ok := r.catalog.ByShortcut(shortcut)
	if !ok {
		return "", false
	}
	return a.Key, true
}

// stageHeaders addresses a routing stage job. turnID is the user message the
// turn answers; workers echo it back as parent_id.
func stageHeaders(socketID string, turnID int64, step int) broker.Headers {
	h := broker.Headers{"job": JobInferAction, "job_step": step, "socket_id": socketID}
	if turnID != 0 {
		h["parent_id"] = turnID
	}
	return h
}

// InferIntent asks the reasoning agent to describe the function text calls
// for.
func (r *Router) InferIntent(ctx context.Context, socketID string, turnID int64, reasoningAgent, text string) error {
	h := stageHeaders(socketID, turnID, StepGuess)
	h["reasoning_agent"] = reasoningAgent
	r.logger.Info("inferring prompt action", "socket_id", socketID, "reasoning_agent", reasoningAgent)
	return r.pub.PublishCommand(ctx, golem.ExchangeSkill, reasoningAgent, CommandInferAction, GuessPayload(text), h)
}

// RequestEmbeddings sends the guess strings, and every index string not
// embedded yet, to the embedding model in one request.
func (r *Router) RequestEmbeddings(ctx context.Context, socketID string, turnID int64, embeddingModel, reasoningAgent string, guess *Guess) error {
	texts, err := r.index.Missing(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(texts))
	for _, t := range texts {
		seen[t] = true
	}
	extra := append([]string{guess.Description, guess.KnowledgeDomain}, guess.ParameterDescriptions()...)
	for _, t := range extra {
		if t != "" && !seen[t] {
			seen[t] = true
			texts = append(texts, t)
		}
	}

	params, err := json.Marshal(guess.Parameters)
	if err != nil {
		return fmt.Errorf("encode guessed parameters: %w", err)
	}
	h := stageHeaders(socketID, turnID, StepEmbed)
	h["embedding"] = guess.Description
	h["domain_embedding"] = guess.KnowledgeDomain
	h["parameters"] = string(params)
	h["reasoning_agent"] = reasoningAgent

	r.mu.Lock()
	r.pending[socketID] = texts
	r.mu.Unlock()

	r.logger.Info("requesting embeddings", "socket_id", socketID, "texts", len(texts), "model", embeddingModel)
	if err := r.pub.PublishCommand(ctx, golem.ExchangeSkill, embeddingModel, CommandInferAction, map[string]any{"text": texts}, h); err != nil {
		r.Forget(socketID)
		return err
	}
	return nil
}

// Forget drops a session's pending embedding request.
func (r *Router) Forget(socketID string) {
	r.mu.Lock()
	delete(r.pending, socketID)
	r.mu.Unlock()
}

// RouteInput is the turn state the routing decision depends on.
type RouteInput struct {
	SocketID     string
	Guess        *Guess
	Perms        *security.UserPermissions
	RouterConfig []string
	// ManualFunction is the key of a chat ability picked by shortcut.
	ManualFunction string
	// ManualModel is the routing key of a skill picked by shortcut.
	ManualModel string
	Visual      bool
	// Thresholds override the router's when non-zero.
	Thresholds Thresholds
}

// Route is the outcome of the embedding stage.
type Route struct {
	Decision
	// Vectors holds every string embedded for this turn.
	Vectors map[string][]float64
}

// Route reads the embedding response for a turn, builds the index if this
// is its first use, and decides where the turn goes.
func (r *Router) Route(ctx context.Context, in RouteInput, body []byte) (*Route, error) {
	r.mu.Lock()
	texts, ok := r.pending[in.SocketID]
	delete(r.pending, in.SocketID)
	r.mu.Unlock()
	if !ok {
		return nil, ErrNoPendingEmbeddings
	}

	list, err := golem.ParseEmbeddings(body, texts)
	if err != nil {
		return nil, err
	}
	vectors := make(map[string][]float64, len(texts))
	for i, t := range texts {
		vectors[t] = list[i]
	}
	m, err := r.index.Ingest(ctx, vectors)
	if err != nil {
		return nil, err
	}
	out := &Route{Vectors: vectors}
	g := in.Guess

	switch {
	case in.ManualFunction != "":
		out.Decision = Decision{Kind: KindFunction, Function: in.ManualFunction}
		a, ok := r.Ability(in.ManualFunction)
		if slices.Contains(in.RouterConfig, FlagPinFunctions) && ok && a.Handler != HandlerCodeDynamicFunction {
			pin := embeddings.Pin{Text: g.Description, Target: a.Key, Type: embeddings.PinFunction}
			if err := r.Pin(ctx, pin, vectors[g.Description]); err != nil {
				r.logger.Warn("failed to pin function", "function", a.Key, "error", err)
			}
		}
		r.logger.Info("manually selected function", "function", in.ManualFunction)
		return out, nil

	case in.ManualModel != "":
		out.Decision = Decision{Kind: KindWorker, RoutingKey: in.ManualModel}
		if skill, ok := r.skills.OnlineSkill(in.ManualModel); ok {
			out.Shortcut = skill.Shortcut
		}
		if !in.Visual && slices.Contains(in.RouterConfig, FlagPinModels) {
			pin := embeddings.Pin{Text: g.KnowledgeDomain, Target: in.ManualModel, Type: embeddings.PinDomain}
			if err := r.Pin(ctx, pin, vectors[g.KnowledgeDomain]); err != nil {
				r.logger.Warn("failed to pin knowledge domain", "skill", in.ManualModel, "error", err)
			}
		}
		return out, nil
	}

	th := r.thresholds
	if in.Thresholds.FunctionCall > 0 {
		th.FunctionCall = in.Thresholds.FunctionCall
	}
	if in.Thresholds.ModelRoute > 0 {
		th.ModelRoute = in.Thresholds.ModelRoute
	}

	var fn, worker Candidate
	if slices.Contains(in.RouterConfig, FlagFunctionCalling) {
		fn = BestFunction(vectors[g.Description], m, in.Perms)
	}
	if slices.Contains(in.RouterConfig, FlagModelRouting) {
		worker = BestWorker(vectors[g.Description], vectors[g.KnowledgeDomain], m, in.Perms, r.skills.ShortcutSkill)
	}
	d := Decide(fn, worker, th)
	if d.Kind == KindWorker {
		d.RoutingKey = r.skills.ShortcutSkill(d.Shortcut)
	}
	r.logger.Info("routing decision", "socket_id", in.SocketID, "route", d.Kind.String(),
		"closest_function", fn.Key, "function_score", fn.Score, "closest_skill", worker.Key, "skill_score", worker.Score)
	out.Decision = d
	return out, nil
}

// Pin persists pin and maps its text into the live index. A domain pin
// targets a routing key.
func (r *Router) Pin(ctx context.Context, pin embeddings.Pin, v []float64) error {
	if pin.Text == "" || v == nil {
		return fmt.Errorf("pin %s: no vector for %q", pin.Target, pin.Text)
	}
	var shortcut string
	if pin.Type == embeddings.PinDomain {
		skill, ok := r.skills.OnlineSkill(pin.Target)
		if !ok || skill.Shortcut == "" {
			return fmt.Errorf("pin %s: %w", pin.Target, embeddings.ErrUnknownTarget)
		}
		shortcut = skill.Shortcut
	}
	if _, err := r.store.AddPinnedEmbedding(ctx, store.PinnedEmbedding{Text: pin.Text, Target: pin.Target, Type: pin.Type}); err != nil {
		return err
	}
	if err := r.index.AddPin(pin, shortcut, v); err != nil {
		return err
	}
	r.logger.Info("pinned embedding", "text", pin.Text, "target", pin.Target, "type", pin.Type)
	return nil
}

// ParameterRequest is the input of the parameter extraction stage.
type ParameterRequest struct {
	SocketID       string
	TurnID         int64
	Ability        *abilities.Ability
	Guess          *Guess
	Vectors        map[string][]float64
	Text           string
	ReasoningAgent string
}

// RequestParameters asks for the parameter values of the chosen ability.
func (r *Router) RequestParameters(ctx context.Context, req ParameterRequest) error {
	h := stageHeaders(req.SocketID, req.TurnID, StepParameters)
	h["chat_ability"] = req.Ability.Key

	if req.Ability.CustomExtractor() {
		agents := r.skills.OnlineByType(UseReasoningAgent)
		if len(agents) == 0 {
			return ErrNoReasoningAgent
		}
		r.logger.Info("running chat ability extractor", "function", req.Ability.Key, "agent", agents[0])
		return r.pub.PublishCommand(ctx, golem.ExchangeSkill, agents[0], CommandInferAction, ExtractorPayload(req.Ability, req.Text), h)
	}

	var params map[string]map[string][]float64
	if m, ok := r.index.Loaded(); ok {
		params = m.Parameters[req.Ability.Key]
	}
	def := ReducedDefinition(req.Ability, req.Guess, req.Vectors, params, r.logger)
	r.logger.Info("extracting function parameters", "function", req.Ability.Key)
	return r.pub.PublishCommand(ctx, golem.ExchangeSkill, req.ReasoningAgent, CommandInferAction, ParameterPayload(def, req.Text), h)
}
