// Package conversation runs chat turns: it takes a client's prompt, routes
// it through the MoE router or straight to a language model, streams the
// worker's fragments back to the session, and persists the finished reply.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/noco-ai/arcane-bridge/internal/abilities"
	"github.com/noco-ai/arcane-bridge/internal/broker"
	"github.com/noco-ai/arcane-bridge/internal/golem"
	"github.com/noco-ai/arcane-bridge/internal/modules"
	"github.com/noco-ai/arcane-bridge/internal/moe"
	"github.com/noco-ai/arcane-bridge/internal/security"
	"github.com/noco-ai/arcane-bridge/internal/store"
	"github.com/noco-ai/arcane-bridge/internal/workspace"
)

// Client events.
const (
	EventFragment      = "prompt_fragment"
	EventResponse      = "prompt_response"
	EventCursor        = "prompt_cursor"
	EventIcons         = "prompt_icons"
	EventFinishCommand = "finish_command"
	EventProgress      = "progress_bar_update"
)

// Sentinels in response content.
const (
	ContentStop     = "<stop>"
	ContentFragment = "<fragment>"
)

const (
	// CommandPromptResponse asks a language model for a streamed reply.
	CommandPromptResponse = "prompt_response"
	// CommandStopGeneration is broadcast to the fleet on a stop request.
	CommandStopGeneration = "stop_generation"
	// BroadcastExchange reaches every worker.
	BroadcastExchange = "golem_broadcast"

	// UseVisualLanguageModel tags models that take an image with the prompt.
	UseVisualLanguageModel = "visual_language_model"
	// UserAvatarIcon is stored on user messages.
	UserAvatarIcon = "asset/spellbook/core/user-avatar.png"

	// DefaultMaxNewTokens bounds a reply when nothing is configured.
	DefaultMaxNewTokens = 1024
)

// Error texts shown to the user.
const (
	msgNoLanguageModels = "No language models are running."
	msgImageRequired    = "This model requires an image as input."
	msgAbilityFailed    = "An error occurred with the chat ability."
	msgBadParameters    = "Could not extract the function parameters."
	msgUnknownError     = "Unknown error occurred with skill"
)

// ErrNoTurn is returned for sessions without an active turn.
var ErrNoTurn = errors.New("conversation: no active turn")

// Emitter pushes events to client sessions.
type Emitter interface {
	Emit(socketID, event string, payload any) error
	EmitToUser(userID int64, event string, payload any) error
}

// Options are the routing and generation defaults.
type Options struct {
	MaxNewTokens   int
	PreferredModel string
	SecondaryModel string
	// ReasoningAgent and EmbeddingModel are the routing keys the router
	// stages run on.
	ReasoningAgent string
	EmbeddingModel string
	Thresholds     moe.Thresholds
	// WaitMessageRate is the simulated tokens per second of an ability's
	// wait message.
	WaitMessageRate float64
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Client      *golem.Client
	Router      *moe.Router
	Store       *store.Store
	Workspaces  *workspace.Workspaces
	Handlers    *modules.Registry[abilities.Handler]
	Permissions *security.Permissions
	Emitter     Emitter
	Logger      *slog.Logger
}

// Manager owns the active turn of every session.
type Manager struct {
	client   *golem.Client
	router   *moe.Router
	store    *store.Store
	ws       *workspace.Workspaces
	handlers *modules.Registry[abilities.Handler]
	perms    *security.Permissions
	emitter  Emitter
	opts     Options
	logger   *slog.Logger

	mu    sync.Mutex
	turns map[string]*Turn

	cmdMu    sync.RWMutex
	commands map[string]CommandFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewManager creates a manager. Close stops running chat abilities.
func NewManager(deps Deps, opts Options) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxNewTokens <= 0 {
		opts.MaxNewTokens = DefaultMaxNewTokens
	}
	if opts.WaitMessageRate <= 0 {
		opts.WaitMessageRate = 30
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		client:   deps.Client,
		router:   deps.Router,
		store:    deps.Store,
		ws:       deps.Workspaces,
		handlers: deps.Handlers,
		perms:    deps.Permissions,
		emitter:  deps.Emitter,
		opts:     opts,
		logger:   logger.With("component", "conversation"),
		turns:    make(map[string]*Turn),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}
	m.registerCommands()
	return m
}

// Close cancels running chat abilities and waits for them.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) spawn(fn func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(m.ctx)
	}()
}

// Turn returns a copy of a session's active turn.
func (m *Manager) Turn(socketID string) (Turn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.turns[socketID]
	if !ok {
		return Turn{}, false
	}
	return *t, true
}

func (m *Manager) emit(socketID, event string, payload any) {
	if err := m.emitter.Emit(socketID, event, payload); err != nil {
		m.logger.Debug("emit failed", "socket_id", socketID, "event", event, "error", err)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (m *Manager) online(routingKey string) bool {
	if routingKey == "" {
		return false
	}
	_, ok := m.client.Index().OnlineSkill(routingKey)
	return ok
}

// HandlePrompt starts a turn for a client's prompt.
func (m *Manager) HandlePrompt(ctx context.Context, socketID string, userID int64, p Prompt) error {
	index := m.client.Index()
	perms := m.perms.UserPermissions(userID)
	languageModels := index.OnlineByType(golem.UseLanguageModel)
	visualModels := index.OnlineByType(UseVisualLanguageModel)

	useModel := ""
	if m.online(p.UseModel) {
		useModel = p.UseModel
	}
	noModels := useModel == "" && len(languageModels) == 0 && len(visualModels) == 0
	if useModel == "" {
		useModel = moe.SelectDefaultModel(languageModels, visualModels, perms, m.opts.PreferredModel, m.opts.SecondaryModel)
	}

	sc := moe.ApplyShortcuts(moe.ShortcutInput{
		Shortcuts:      p.Shortcuts,
		Messages:       len(p.Messages),
		Perms:          perms,
		PreferredModel: m.opts.PreferredModel,
		SecondaryModel: m.opts.SecondaryModel,
		LanguageModels: languageModels,
		Function:       m.router.FunctionByShortcut,
		Skill:          index.ShortcutSkill,
	})
	p.Messages = moe.TruncateMessages(p.Messages, sc.Keep)
	if sc.ModelManuallySelected {
		useModel = sc.Model
	}

	conversationID := p.ConversationID
	if conversationID == 0 {
		c := &store.Conversation{
			UserID:        userID,
			Topic:         p.Topic,
			UseModel:      p.UseModel,
			SystemMessage: p.SystemMessage,
			RouterConfig:  p.RouterConfig,
			Temperature:   p.Temperature,
			TopP:          p.TopP,
			TopK:          p.TopK,
			Seed:          p.Seed,
			MinP:          p.MinP,
			Mirostat:      p.Mirostat,
			MirostatEta:   p.MirostatEta,
			MirostatTau:   p.MirostatTau,
		}
		if err := m.store.CreateConversation(ctx, c); err != nil {
			return err
		}
		conversationID = c.ID
	}

	var files []string
	if m.ws != nil {
		if err := m.ws.SetCurrent(socketID, fmt.Sprintf("chats/chat-%d", conversationID), true); err != nil {
			m.logger.Warn("could not set workspace", "socket_id", socketID, "error", err)
		} else if names := splitList(p.Files); len(names) > 0 {
			moved, err := m.ws.MoveFiles(socketID, names)
			if err != nil {
				m.logger.Warn("could not move uploaded files", "socket_id", socketID, "error", err)
			}
			files = moved
			p.Files = strings.Join(moved, ",")
		}
	}

	msg := &store.Message{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           "user",
		Content:        p.Content,
		Icon:           UserAvatarIcon,
		Shortcuts:      sc.UserShortcuts,
		Files:          files,
		ParentID:       p.ParentID,
	}
	if err := m.store.CreateMessage(ctx, msg); err != nil {
		return err
	}
	if p.ParentID != 0 {
		if err := m.store.AddChild(ctx, p.ParentID, msg.ID); err != nil {
			m.logger.Warn("could not link user message", "parent_id", p.ParentID, "error", err)
		}
	} else if err := m.store.SetFirstMessage(ctx, conversationID, msg.ID); err != nil {
		m.logger.Warn("could not set first message", "conversation_id", conversationID, "error", err)
	}

	var image string
	if m.ws != nil {
		image, _ = m.ws.NewestImage(socketID)
	}
	t := &Turn{
		SocketID:       socketID,
		UserID:         userID,
		State:          StateIdle,
		Prompt:         p,
		RouterConfig:   splitList(p.RouterConfig),
		Perms:          perms,
		ConversationID: conversationID,
		ParentID:       p.ParentID,
		UserMessageID:  msg.ID,
		UserFiles:      files,
		Icons:          []string{p.AIIcon},
		UserShortcuts:  sc.UserShortcuts,
		Shortcuts:      sc.AIShortcuts,
		UseModel:       useModel,
		Visual:         slices.Contains(visualModels, useModel),
		ImageFile:      image,
		ModelManual:    sc.ModelManuallySelected,
		FunctionManual: sc.Function,
	}
	if m.online(m.opts.ReasoningAgent) {
		t.ReasoningAgent = m.opts.ReasoningAgent
	}
	if m.online(m.opts.EmbeddingModel) {
		t.EmbeddingModel = m.opts.EmbeddingModel
	}

	m.mu.Lock()
	if old, ok := m.turns[socketID]; ok {
		m.logger.Warn("replacing unfinished turn", "socket_id", socketID, "state", old.State.String())
	}
	m.turns[socketID] = t
	m.mu.Unlock()
	m.router.Forget(socketID)

	m.logger.Info("prompt received", "socket_id", socketID, "model", useModel, "manual_model", sc.ModelManuallySelected,
		"manual_function", sc.Function, "user_shortcuts", sc.UserShortcuts, "ai_shortcuts", sc.AIShortcuts, "visual", t.Visual)

	if noModels {
		m.logger.Warn("no language models are running")
		return m.sendErrorMessage(ctx, socketID, msgNoLanguageModels)
	}
	if slices.Contains(moe.DefaultHandlerShortcuts, sc.AIShortcuts) {
		return m.generate(ctx, socketID)
	}
	if moe.RoutingEnabled(t.RouterConfig) && t.ReasoningAgent != "" && t.EmbeddingModel != "" {
		m.setState(socketID, StateRouting)
		if err := m.router.InferIntent(ctx, socketID, t.UserMessageID, t.ReasoningAgent, p.Content); err != nil {
			m.logger.Error("could not start routing", "socket_id", socketID, "error", err)
			return m.generate(ctx, socketID)
		}
		return nil
	}
	return m.generate(ctx, socketID)
}

func (m *Manager) setState(socketID string, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.turns[socketID]; ok && t.State != StateCancelled {
		t.State = s
	}
}

// StripCards drops user messages whose reply is a rendered card (content
// starting with "<div"), along with the card. The last message is always
// kept.
func StripCards(messages []golem.Message) []golem.Message {
	var out []golem.Message
	for i := 0; i < len(messages); i += 2 {
		if i+1 >= len(messages) {
			out = append(out, messages[i])
			break
		}
		if !strings.HasPrefix(messages[i+1].Content, "<div") {
			out = append(out, messages[i], messages[i+1])
		}
	}
	return out
}

func orFloat(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

// generate sends the turn to its language model.
func (m *Manager) generate(ctx context.Context, socketID string) error {
	m.mu.Lock()
	t, ok := m.turns[socketID]
	if !ok || t.State == StateCancelled {
		m.mu.Unlock()
		return nil
	}
	t.State = StateGenerating
	turn := *t
	m.mu.Unlock()

	m.emit(socketID, EventIcons, map[string]any{
		"icons":          turn.Icons,
		"shortcuts":      turn.Shortcuts,
		"user_shortcuts": turn.UserShortcuts,
	})

	p := turn.Prompt
	messages := StripCards(p.Messages)
	if p.SystemMessage != "" {
		messages = append([]golem.Message{{Role: "system", Content: p.SystemMessage}}, messages...)
	}
	seed := p.Seed
	if seed == 0 {
		seed = -1
	}
	topK := p.TopK
	if topK == 0 {
		topK = 50
	}
	payload := map[string]any{
		"stream":         true,
		"debug":          true,
		"messages":       messages,
		"temperature":    orFloat(p.Temperature, 1),
		"top_p":          orFloat(p.TopP, 0.9),
		"top_k":          topK,
		"min_p":          orFloat(p.MinP, 0.05),
		"start_response": p.StartResponse,
		"mirostat":       p.Mirostat,
		"mirostat_tau":   orFloat(p.MirostatTau, 5),
		"mirostat_eta":   orFloat(p.MirostatEta, 0.1),
		"seed":           seed,
		"max_new_tokens": m.opts.MaxNewTokens,
	}

	if turn.Visual {
		if turn.ImageFile == "" || m.ws == nil {
			return m.sendErrorMessage(ctx, socketID, msgImageRequired)
		}
		url, err := m.ws.FileURL(socketID, turn.ImageFile, 2)
		if err != nil {
			m.logger.Error("could not share image", "socket_id", socketID, "file", turn.ImageFile, "error", err)
			return m.sendErrorMessage(ctx, socketID, msgImageRequired)
		}
		payload["img_url"] = url
	}

	headers := broker.Headers{
		"socket_id":       socketID,
		"conversation_id": turn.ConversationID,
		"parent_id":       turn.UserMessageID,
		"model_name":      turn.UseModel,
	}
	if err := m.client.PublishCommand(ctx, golem.ExchangeSkill, turn.UseModel, CommandPromptResponse, payload, headers); err != nil {
		return m.sendErrorMessage(ctx, socketID, fmt.Sprintf("Could not reach %s.", turn.UseModel))
	}
	return nil
}

// stale reports whether a worker message belongs to an earlier turn of the
// session. Messages without a parent_id header are never stale.
func stale(t *Turn, h broker.Headers) bool {
	if h == nil {
		return false
	}
	if _, ok := h["parent_id"]; !ok || t.UserMessageID == 0 {
		return false
	}
	return int64(h.Int("parent_id")) != t.UserMessageID
}

// appendFragment streams text to the session and adds it to the turn's
// buffer. Fragments for unknown, cancelled or earlier turns are dropped.
func (m *Manager) appendFragment(socketID, text string, h broker.Headers) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.turns[socketID]
	if !ok || t.State == StateCancelled || stale(t, h) {
		m.logger.Debug("dropping fragment", "socket_id", socketID)
		return false
	}
	t.append(text)
	if t.State == StateGenerating {
		t.State = StateStreaming
	}
	m.emit(socketID, EventFragment, text)
	return true
}

// finish ends the turn. content is the complete reply, or ContentStop to
// save the streamed buffer.
func (m *Manager) finish(ctx context.Context, socketID, content string, h broker.Headers) error {
	m.mu.Lock()
	t, ok := m.turns[socketID]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("response for session without a turn", "socket_id", socketID)
		return nil
	}
	if stale(t, h) {
		m.mu.Unlock()
		m.logger.Debug("dropping response for an earlier turn", "socket_id", socketID)
		return nil
	}
	delete(m.turns, socketID)
	if t.State != StateCancelled {
		t.State = StateComplete
	}
	m.mu.Unlock()
	m.router.Forget(socketID)

	save := content
	if content == ContentStop {
		save = t.buffer
	}
	msg := &store.Message{
		ConversationID: t.ConversationID,
		UserID:         t.UserID,
		Role:           "assistant",
		Content:        save,
		Icon:           strings.Join(t.Icons, ","),
		Shortcuts:      t.Shortcuts,
		Files:          t.GeneratedFiles,
		ParentID:       t.UserMessageID,
	}
	if err := m.store.CreateMessage(ctx, msg); err != nil {
		return err
	}
	if err := m.store.AddChild(ctx, t.UserMessageID, msg.ID); err != nil {
		m.logger.Warn("could not link reply", "message_id", msg.ID, "error", err)
	}

	files := t.UserFiles
	if files == nil {
		files = []string{}
	}
	generated := t.GeneratedFiles
	if generated == nil {
		generated = []string{}
	}
	m.emit(socketID, EventResponse, map[string]any{
		"id":              msg.ID,
		"parent_id":       t.UserMessageID,
		"icon":            t.Icons,
		"shortcuts":       t.Shortcuts,
		"conversation_id": t.ConversationID,
		"role":            "assistant",
		"content":         content,
		"raw":             content,
		"files":           files,
		"generated_files": generated,
		"blocks":          []any{},
		"created_at":      m.now().UnixMilli(),
	})
	m.logger.Info("turn complete", "socket_id", socketID, "message_id", msg.ID, "state", t.State.String())
	return nil
}

// sendErrorMessage shows msg and ends the turn.
func (m *Manager) sendErrorMessage(ctx context.Context, socketID, msg string) error {
	m.appendFragment(socketID, msg, nil)
	return m.finish(ctx, socketID, ContentStop, nil)
}

// StopGeneration cancels a session's turn and asks the fleet to stop
// generating for it. It does not wait for the worker.
func (m *Manager) StopGeneration(ctx context.Context, socketID string) error {
	m.mu.Lock()
	t, ok := m.turns[socketID]
	if !ok || !t.State.Active() {
		m.mu.Unlock()
		return nil
	}
	routing := t.State == StateRouting
	t.State = StateCancelled
	model := t.UseModel
	m.mu.Unlock()

	m.logger.Info("stop generation requested", "socket_id", socketID, "model", model)
	m.router.Forget(socketID)
	err := m.client.PublishCommand(ctx, BroadcastExchange, "", CommandStopGeneration, map[string]any{
		"command":     CommandStopGeneration,
		"socket_id":   socketID,
		"routing_key": model,
	}, broker.Headers{"socket_id": socketID})

	// No worker is generating yet, so no <stop> will arrive.
	if routing {
		if ferr := m.finish(ctx, socketID, ContentStop, nil); ferr != nil {
			return ferr
		}
	}
	return err
}
