package conversation

import (
	"context"
	"encoding/json"
	"slices"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/noco-ai/arcane-bridge/internal/abilities"
	"github.com/noco-ai/arcane-bridge/internal/broker"
	"github.com/noco-ai/arcane-bridge/internal/moe"
)

// Consumer handler names, as referenced by the broker topology.
const (
	HandlerPromptResponse = "conversation.prompt_response"
	HandlerPromptFragment = "conversation.prompt_fragment"
	HandlerInferAction    = "conversation.infer_action"
	HandlerProgress       = "conversation.progress"
)

// ConsumerHandlers returns the manager's broker handlers by name.
func (m *Manager) ConsumerHandlers() map[string]broker.HandlerFunc {
	return map[string]broker.HandlerFunc{
		HandlerPromptResponse: m.HandleResponse,
		HandlerPromptFragment: m.HandleFragment,
		HandlerInferAction:    m.HandleInferAction,
		HandlerProgress:       m.HandleProgress,
	}
}

// HandleFragment streams a worker fragment into its turn.
func (m *Manager) HandleFragment(ctx context.Context, d *broker.Delivery) (bool, error) {
	m.appendFragment(d.Headers.String("socket_id"), string(d.Body), d.Headers)
	return true, nil
}

// failure returns the worker's error text when a response reports one.
func failure(h broker.Headers) (string, bool) {
	if success, ok := h.Bool("success"); !ok || success {
		return "", false
	}
	if errs := h.Strings("errors"); len(errs) > 0 {
		return strings.Join(errs, "<br>"), true
	}
	return msgUnknownError, true
}

// HandleResponse ends a turn with a worker's reply. A failed response is
// shown to the user before the turn ends.
func (m *Manager) HandleResponse(ctx context.Context, d *broker.Delivery) (bool, error) {
	socketID := d.Headers.String("socket_id")
	content := gjson.GetBytes(d.Body, "content").String()

	msg, failed := failure(d.Headers)
	if !failed && content == "" {
		msg, failed = msgUnknownError, true
	}
	if failed {
		m.logger.Error("invalid response from skill", "socket_id", socketID, "errors", msg)
		m.appendFragment(socketID, msg, d.Headers)
		content = ContentStop
	}
	if content == ContentFragment {
		m.logger.Debug("fragment finished", "socket_id", socketID)
		return true, nil
	}
	if err := m.finish(ctx, socketID, content, d.Headers); err != nil {
		m.logger.Error("could not save reply", "socket_id", socketID, "error", err)
	}
	return true, nil
}

// HandleProgress relays a worker's progress report to the user.
func (m *Manager) HandleProgress(ctx context.Context, d *broker.Delivery) (bool, error) {
	var update map[string]any
	if err := json.Unmarshal(d.Body, &update); err != nil {
		m.logger.Warn("invalid progress update", "error", err)
		return true, nil
	}
	target := d.Headers.String("progress_target")
	if target == "" {
		target = "chat_progress"
	}
	update["target"] = target
	if err := m.emitter.EmitToUser(int64(d.Headers.Int("user_id")), EventProgress, update); err != nil {
		m.logger.Debug("progress not delivered", "error", err)
	}
	return true, nil
}

// HandleInferAction advances a turn through the routing stages. Any stage
// failure falls back to the default language model.
func (m *Manager) HandleInferAction(ctx context.Context, d *broker.Delivery) (bool, error) {
	socketID := d.Headers.String("socket_id")
	m.mu.Lock()
	t, ok := m.turns[socketID]
	var turn Turn
	if ok {
		turn = *t
	}
	m.mu.Unlock()
	if !ok || turn.State != StateRouting || stale(&turn, d.Headers) {
		m.logger.Debug("dropping routing response", "socket_id", socketID, "found", ok, "parent_id", d.Headers.Int("parent_id"))
		return true, nil
	}

	if msg, failed := failure(d.Headers); failed {
		m.logger.Error("routing stage failed", "socket_id", socketID, "step", d.Headers.Int("job_step"), "errors", msg)
		return true, m.generate(ctx, socketID)
	}

	var err error
	switch step := d.Headers.Int("job_step"); step {
	case moe.StepGuess:
		err = m.stageGuess(ctx, &turn, d.Body)
	case moe.StepEmbed:
		err = m.stageRoute(ctx, &turn, d.Body)
	case moe.StepParameters:
		err = m.stageExecute(ctx, &turn, d.Body)
	default:
		m.logger.Warn("unknown routing step", "socket_id", socketID, "step", step)
		err = m.generate(ctx, socketID)
	}
	return true, err
}

func (m *Manager) stageGuess(ctx context.Context, t *Turn, body []byte) error {
	guess, err := moe.ParseGuess(gjson.GetBytes(body, "content").String())
	if err != nil {
		m.logger.Warn("could not read function guess", "socket_id", t.SocketID, "error", err)
		return m.generate(ctx, t.SocketID)
	}
	m.mu.Lock()
	if cur, ok := m.turns[t.SocketID]; ok {
		cur.Guess = guess
	}
	m.mu.Unlock()

	m.logger.Info("function guessed", "socket_id", t.SocketID, "description", guess.Description, "domain", guess.KnowledgeDomain)
	if err := m.router.RequestEmbeddings(ctx, t.SocketID, t.UserMessageID, t.EmbeddingModel, t.ReasoningAgent, guess); err != nil {
		m.logger.Error("could not request embeddings", "socket_id", t.SocketID, "error", err)
		return m.generate(ctx, t.SocketID)
	}
	return nil
}

func (m *Manager) stageRoute(ctx context.Context, t *Turn, body []byte) error {
	in := moe.RouteInput{
		SocketID:       t.SocketID,
		Guess:          t.Guess,
		Perms:          t.Perms,
		RouterConfig:   t.RouterConfig,
		ManualFunction: t.FunctionManual,
		Visual:         t.Visual,
		Thresholds:     m.opts.Thresholds,
	}
	if t.ModelManual {
		in.ManualModel = t.UseModel
	}
	if in.Guess == nil {
		return m.generate(ctx, t.SocketID)
	}
	route, err := m.router.Route(ctx, in, body)
	if err != nil {
		m.logger.Error("routing failed", "socket_id", t.SocketID, "error", err)
		return m.generate(ctx, t.SocketID)
	}

	switch route.Kind {
	case moe.KindFunction:
		return m.selectAbility(ctx, t.SocketID, route)
	case moe.KindWorker:
		visual := m.client.Index().OnlineByType(UseVisualLanguageModel)
		m.mu.Lock()
		if cur, ok := m.turns[t.SocketID]; ok {
			if route.Shortcut != "" {
				cur.Shortcuts = route.Shortcut
			}
			cur.UseModel = route.RoutingKey
			cur.Visual = slices.Contains(visual, cur.UseModel)
		}
		m.mu.Unlock()
	}
	return m.generate(ctx, t.SocketID)
}

// selectAbility shows the chosen ability and asks for its parameters.
func (m *Manager) selectAbility(ctx context.Context, socketID string, route *moe.Route) error {
	a, ok := m.router.Ability(route.Function)
	if !ok {
		m.logger.Warn("routed to unknown chat ability", "function", route.Function)
		return m.generate(ctx, socketID)
	}

	m.mu.Lock()
	t, ok := m.turns[socketID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	t.Ability = a.Key
	t.Icons = []string{a.Icon}
	t.Shortcuts = a.Shortcut
	t.Vectors = route.Vectors
	req := moe.ParameterRequest{
		SocketID:       socketID,
		TurnID:         t.UserMessageID,
		Ability:        a,
		Guess:          t.Guess,
		Vectors:        route.Vectors,
		Text:           t.Prompt.Content,
		ReasoningAgent: t.ReasoningAgent,
	}
	m.mu.Unlock()

	m.emit(socketID, EventIcons, map[string]any{"icons": []string{a.Icon}, "shortcuts": a.Shortcut})
	m.logger.Info("chat ability selected", "socket_id", socketID, "function", a.Key, "score", route.Score)

	m.spawn(func(ctx context.Context) {
		if a.WaitMessage != "" {
			if err := m.client.SimulateFragment(ctx, socketID, a.WaitMessage+"\n\n", m.opts.WaitMessageRate); err != nil {
				m.logger.Warn("wait message not sent", "socket_id", socketID, "error", err)
			}
		}
		if err := m.router.RequestParameters(ctx, req); err != nil {
			m.logger.Error("could not request parameters", "socket_id", socketID, "function", a.Key, "error", err)
			if !m.current(socketID, req.TurnID) {
				return
			}
			if gerr := m.generate(ctx, socketID); gerr != nil {
				m.logger.Error("fallback generation failed", "socket_id", socketID, "error", gerr)
			}
		}
	})
	return nil
}

// stageExecute runs the chosen ability with its extracted parameters. The
// ability runs off the consumer goroutine; the turn ends when it returns.
func (m *Manager) stageExecute(ctx context.Context, t *Turn, body []byte) error {
	a, ok := m.router.Ability(t.Ability)
	if !ok {
		m.logger.Warn("parameters for unknown chat ability", "function", t.Ability)
		return m.generate(ctx, t.SocketID)
	}
	params, err := moe.ParseParameters(a, gjson.GetBytes(body, "content").String())
	if err != nil {
		m.logger.Error("could not parse function parameters", "socket_id", t.SocketID, "function", a.Key, "error", err)
		return m.sendErrorMessage(ctx, t.SocketID, msgBadParameters)
	}
	handler, err := m.handlers.Create(a.Handler)
	if err != nil {
		m.logger.Error("no handler for chat ability", "function", a.Key, "handler", a.Handler, "error", err)
		return m.sendErrorMessage(ctx, t.SocketID, msgAbilityFailed)
	}

	call := &abilities.Call{SocketID: t.SocketID, UserID: t.UserID, MessageID: t.UserMessageID, Text: t.Prompt.Content, Ability: a, Params: params}
	m.Execute(call, handler)
	return nil
}

// Execute runs handler for call in the background and ends the turn when it
// returns. The handler only reaches the turn that answers call.MessageID; once
// the session starts another turn its output is dropped.
func (m *Manager) Execute(call *abilities.Call, handler abilities.Handler) {
	m.logger.Info("executing chat ability", "socket_id", call.SocketID, "function", call.Ability.Key)
	r := m.bind(call.MessageID)
	m.spawn(func(ctx context.Context) {
		if err := handler.Execute(ctx, call, r); err != nil {
			m.logger.Error("chat ability failed", "socket_id", call.SocketID, "function", call.Ability.Key, "error", err)
			_ = r.SendError(ctx, call.SocketID, msgAbilityFailed)
		}
		if err := m.finish(ctx, call.SocketID, ContentStop, r.headers); err != nil {
			m.logger.Error("could not save chat ability reply", "socket_id", call.SocketID, "error", err)
		}
	})
}
