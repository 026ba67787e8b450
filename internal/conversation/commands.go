package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/noco-ai/arcane-bridge/internal/golem"
	"github.com/noco-ai/arcane-bridge/internal/store"
)

// ErrUnknownCommand is returned for socket commands nobody handles.
var ErrUnknownCommand = errors.New("conversation: unknown command")

// CommandFunc handles one socket command.
type CommandFunc func(ctx context.Context, socketID string, userID int64, payload json.RawMessage) error

// altLanguageModels are hosted models offered as language models although
// they are not tagged as one.
var altLanguageModels = []string{"openai_gpt_35", "openai_gpt_4"}

func (m *Manager) registerCommands() {
	m.commands = map[string]CommandFunc{
		"prompt":                     m.cmdPrompt,
		"stop_generation":            m.cmdStop,
		"get_online_skills":          m.cmdOnlineSkills,
		"get_online_language_models": m.cmdLanguageModels,
		"switch_message_chain":       m.cmdSwitchChain,
		"get_conversations":          m.cmdConversations,
		"get_conversation":           m.cmdConversation,
		"update_conversation":        m.cmdUpdateConversation,
		"delete_conversation":        m.cmdDeleteConversation,
		"delete_message":             m.cmdDeleteMessage,
		"clear_embeddings":           m.cmdClearEmbeddings,
		"reset_workspace":            m.cmdResetWorkspace,
	}
}

// Handle adds or replaces a socket command.
func (m *Manager) Handle(command string, fn CommandFunc) {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()
	m.commands[command] = fn
}

// HandleCommand runs a socket command.
func (m *Manager) HandleCommand(ctx context.Context, socketID string, userID int64, command string, payload json.RawMessage) error {
	m.cmdMu.RLock()
	fn, ok := m.commands[command]
	m.cmdMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}
	return fn(ctx, socketID, userID, payload)
}

// OnConnect gives a new session its workspace.
func (m *Manager) OnConnect(socketID string, userID int64) {
	if m.ws == nil {
		return
	}
	if err := m.ws.Open(socketID, userID); err != nil {
		m.logger.Error("could not open workspace", "socket_id", socketID, "error", err)
	}
}

// OnDisconnect drops a session's turn and workspace.
func (m *Manager) OnDisconnect(socketID string) {
	m.mu.Lock()
	delete(m.turns, socketID)
	m.mu.Unlock()
	m.router.Forget(socketID)
	if m.ws != nil {
		m.ws.Close(socketID)
	}
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func (m *Manager) finishCommand(socketID, command string, fields map[string]any) {
	payload := map[string]any{"command": command}
	for k, v := range fields {
		payload[k] = v
	}
	m.emit(socketID, EventFinishCommand, payload)
}

func (m *Manager) cmdPrompt(ctx context.Context, socketID string, userID int64, payload json.RawMessage) error {
	var p Prompt
	if err := decode(payload, &p); err != nil {
		return err
	}
	return m.HandlePrompt(ctx, socketID, userID, p)
}

func (m *Manager) cmdStop(ctx context.Context, socketID string, userID int64, payload json.RawMessage) error {
	return m.StopGeneration(ctx, socketID)
}

// Option is one entry of a client select list.
type Option struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

func (m *Manager) cmdOnlineSkills(ctx context.Context, socketID string, userID int64, payload json.RawMessage) error {
	perms := m.perms.UserPermissions(userID)
	byUse := make(map[string][]Option)
	for _, skill := range m.client.Index().OnlineSkills() {
		if !perms.CanUseSkill(skill.RoutingKey) {
			continue
		}
		for _, use := range skill.Use {
			byUse[use] = append(byUse[use], Option{Label: skill.Label, Value: skill.RoutingKey})
		}
	}
	m.finishCommand(socketID, "get_online_skills", map[string]any{"skills": byUse})
	return nil
}

// LanguageModelOptions lists the online language models a user may pick,
// led by a "None" option.
func (m *Manager) LanguageModelOptions(userID int64) []Option {
	perms := m.perms.UserPermissions(userID)
	out := []Option{{Label: "None", Value: "none"}}
	for _, skill := range m.client.Index().OnlineSkills() {
		if !skill.HasUse(golem.UseLanguageModel) && !skill.HasUse(UseVisualLanguageModel) && !slices.Contains(altLanguageModels, skill.RoutingKey) {
			continue
		}
		if !perms.CanUseSkill(skill.RoutingKey) {
			continue
		}
		label := skill.Label
		if skill.Shortcut != "" {
			label = skill.Shortcut + " " + skill.Label
		}
		out = append(out, Option{Label: label, Value: skill.RoutingKey})
	}
	return out
}

func (m *Manager) cmdLanguageModels(ctx context.Context, socketID string, userID int64, payload json.RawMessage) error {
	m.finishCommand(socketID, "get_online_language_models", map[string]any{"models": m.LanguageModelOptions(userID)})
	return nil
}

func (m *Manager) cmdSwitchChain(ctx context.Context, socketID string, userID int64, payload json.RawMessage) error {
	var req struct {
		MessageID      int64 `json:"message_id"`
		ActiveChildID  int64 `json:"active_child_id"`
		ConversationID int64 `json:"conversation_id"`
	}
	if err := decode(payload, &req); err != nil {
		return err
	}
	var err error
	if req.MessageID == 0 {
		err = m.ownedConversation(ctx, userID, req.ConversationID)
		if err == nil {
			err = m.store.SetFirstMessage(ctx, req.ConversationID, req.ActiveChildID)
		}
	} else {
		err = m.ownedMessage(ctx, userID, req.MessageID)
		if err == nil {
			err = m.store.SetActiveChild(ctx, req.MessageID, req.ActiveChildID)
		}
	}
	if err != nil {
		return err
	}
	if err := m.emitter.EmitToUser(userID, EventFinishCommand, map[string]any{"command": "switch_message_chain"}); err != nil {
		m.logger.Debug("switch notice not delivered", "error", err)
	}
	return nil
}

func (m *Manager) ownedConversation(ctx context.Context, userID, id int64) error {
	c, err := m.store.Conversation(ctx, id)
	if err != nil {
		return err
	}
	if c.UserID != userID {
		return fmt.Errorf("conversation %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (m *Manager) ownedMessage(ctx context.Context, userID, id int64) error {
	msg, err := m.store.Message(ctx, id)
	if err != nil {
		return err
	}
	if msg.UserID != userID {
		return fmt.Errorf("message %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (m *Manager) cmdConversations(ctx context.Context, socketID string, userID int64, payload json.RawMessage) error {
	list, err := m.store.Conversations(ctx, userID)
	if err != nil {
		return err
	}
	if list == nil {
		list = []store.Conversation{}
	}
	m.finishCommand(socketID, "get_conversations", map[string]any{"conversations": list})
	return nil
}

func (m *Manager) cmdConversation(ctx context.Context, socketID string, userID int64, payload json.RawMessage) error {
	var req struct {
		ID int64 `json:"id"`
	}
	if err := decode(payload, &req); err != nil {
		return err
	}
	c, err := m.store.Conversation(ctx, req.ID)
	if err != nil {
		return err
	}
	if c.UserID != userID {
		return fmt.Errorf("conversation %d: %w", req.ID, store.ErrNotFound)
	}
	chain, err := m.store.Chain(ctx, c.ID)
	if err != nil {
		return err
	}
	if chain == nil {
		chain = []store.Message{}
	}
	m.finishCommand(socketID, "get_conversation", map[string]any{"conversation": c, "messages": chain})
	return nil
}

func (m *Manager) cmdUpdateConversation(ctx context.Context, socketID string, userID int64, payload json.RawMessage) error {
	var c store.Conversation
	if err := decode(payload, &c); err != nil {
		return err
	}
	id := c.ID
	if err := m.store.UpdateConversation(ctx, userID, &c); err != nil {
		m.logger.Error("user may not update conversation", "user_id", userID, "conversation_id", c.ID, "error", err)
		id = 0
	}
	m.finishCommand(socketID, "update_conversation", map[string]any{"id": id})
	return nil
}

func (m *Manager) cmdDeleteConversation(ctx context.Context, socketID string, userID int64, payload json.RawMessage) error {
	var req struct {
		ID int64 `json:"id"`
	}
	if err := decode(payload, &req); err != nil {
		return err
	}
	id := req.ID
	if err := m.store.DeleteConversation(ctx, userID, req.ID); err != nil {
		m.logger.Error("user may not delete conversation", "user_id", userID, "conversation_id", req.ID, "error", err)
		id = 0
	} else if m.ws != nil {
		if err := m.ws.RemoveFolder(userID, fmt.Sprintf("chats/chat-%d", req.ID)); err != nil {
			m.logger.Warn("could not remove conversation files", "conversation_id", req.ID, "error", err)
		}
	}
	m.finishCommand(socketID, "delete_conversation", map[string]any{"id": id})
	return nil
}

func (m *Manager) cmdDeleteMessage(ctx context.Context, socketID string, userID int64, payload json.RawMessage) error {
	var req struct {
		ID int64 `json:"id"`
	}
	if err := decode(payload, &req); err != nil {
		return err
	}
	id := req.ID
	if err := m.store.DeleteMessage(ctx, userID, req.ID); err != nil {
		m.logger.Error("user may not delete message", "user_id", userID, "message_id", req.ID, "error", err)
		id = 0
	}
	m.finishCommand(socketID, "delete_message", map[string]any{"id": id})
	return nil
}

func (m *Manager) cmdClearEmbeddings(ctx context.Context, socketID string, userID int64, payload json.RawMessage) error {
	m.ClearEmbeddings()
	m.finishCommand(socketID, "clear_embeddings", nil)
	return nil
}

func (m *Manager) cmdResetWorkspace(ctx context.Context, socketID string, userID int64, payload json.RawMessage) error {
	if m.ws == nil {
		return nil
	}
	var req struct {
		ConversationID int64 `json:"conversation_id"`
	}
	if err := decode(payload, &req); err != nil {
		return err
	}
	if req.ConversationID == 0 {
		return m.ws.Open(socketID, userID)
	}
	return m.ws.SetCurrent(socketID, fmt.Sprintf("chats/chat-%d", req.ConversationID), true)
}

// Commands lists the registered socket commands.
func (m *Manager) Commands() []string {
	m.cmdMu.RLock()
	defer m.cmdMu.RUnlock()
	out := make([]string, 0, len(m.commands))
	for k := range m.commands {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
