package tui

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/go-cmp/cmp"

	"github.com/noco-ai/arcane-bridge/internal/conversation"
	"github.com/noco-ai/arcane-bridge/internal/golem"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

type sentCommand struct {
	command string
	payload any
}

type fakeConn struct {
	mu   sync.Mutex
	sent []sentCommand
}

func (f *fakeConn) Send(ctx context.Context, command string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentCommand{command, payload})
	return nil
}

func (f *fakeConn) Next(ctx context.Context) (Event, error) {
	<-ctx.Done()
	return Event{}, ctx.Err()
}

func (f *fakeConn) commands() []sentCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentCommand(nil), f.sent...)
}

func newTestModel(t *testing.T) (model, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	m := newModel(context.Background(), conn, testLogger())
	m.now = func() time.Time { return time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC) }
	return m, conn
}

func update(m model, msg tea.Msg) (model, tea.Cmd) {
	next, cmd := m.Update(msg)
	return next.(model), cmd
}

func event(t *testing.T, name string, payload any) eventMsg {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return eventMsg{Event: name, Payload: raw}
}

func connected(t *testing.T, m model) model {
	t.Helper()
	m, _ = update(m, event(t, "session_started", map[string]any{"socket_id": "s1", "user_id": 7}))
	return m
}

func enter(m model, text string) (model, tea.Cmd) {
	m.input.SetValue(text)
	return update(m, tea.KeyMsg{Type: tea.KeyEnter})
}

func lastPrompt(t *testing.T, conn *fakeConn) conversation.Prompt {
	t.Helper()
	sent := conn.commands()
	if len(sent) == 0 {
		t.Fatal("nothing sent")
	}
	last := sent[len(sent)-1]
	if last.command != "prompt" {
		t.Fatalf("last command = %s, want prompt", last.command)
	}
	return last.payload.(conversation.Prompt)
}

func TestSplitShortcuts(t *testing.T) {
	tests := []struct {
		text, shortcuts, rest string
	}{
		{"⏰ what time is it", "⏰", "what time is it"},
		{"🧑‍💻👉 write a loop", "🧑‍💻👉", "write a loop"},
		{"3️⃣ pick one", "3️⃣", "pick one"},
		{"hello ⏰", "", "hello ⏰"},
		{"  ✨", "✨", ""},
		{"¿qué hora es?", "", "¿qué hora es?"},
	}
	for _, tt := range tests {
		shortcuts, rest := SplitShortcuts(tt.text)
		if shortcuts != tt.shortcuts || rest != tt.rest {
			t.Errorf("SplitShortcuts(%q) = %q, %q; want %q, %q", tt.text, shortcuts, rest, tt.shortcuts, tt.rest)
		}
	}
}

func TestSessionStartedAsksForModels(t *testing.T) {
	m, conn := newTestModel(t)
	m, cmd := m.handleEvent(Event(event(t, "session_started", map[string]any{"socket_id": "s1", "user_id": 7})))
	if !m.connected || m.socketID != "s1" || m.userID != 7 {
		t.Errorf("session = %v %q %d", m.connected, m.socketID, m.userID)
	}
	if cmd == nil {
		t.Fatal("expected a command")
	}
	cmd()
	if sent := conn.commands(); len(sent) != 1 || sent[0].command != "get_online_language_models" {
		t.Errorf("sent = %+v", sent)
	}
}

func TestSubmitSendsPrompt(t *testing.T) {
	m, conn := newTestModel(t)
	m = connected(t, m)

	m, cmd := enter(m, "⏰ what time is it")
	if cmd == nil {
		t.Fatal("expected a send command")
	}
	if msg := cmd(); msg != nil {
		t.Fatalf("send returned %v", msg)
	}

	want := conversation.Prompt{
		Content:   "what time is it",
		Messages:  []golem.Message{{Role: "user", Content: "what time is it"}},
		Shortcuts: "⏰",
	}
	if diff := cmp.Diff(want, lastPrompt(t, conn)); diff != "" {
		t.Errorf("prompt mismatch (-want +got):\n%s", diff)
	}
	if !m.busy {
		t.Error("model should be busy until the response")
	}
	if m.input.Value() != "" {
		t.Error("input should be cleared")
	}
}

func TestSubmitWhileDisconnected(t *testing.T) {
	m, conn := newTestModel(t)
	m, cmd := enter(m, "hello")
	if cmd != nil {
		t.Error("nothing should be sent before the session starts")
	}
	if len(conn.commands()) != 0 || m.entries[len(m.entries)-1].content != "not connected" {
		t.Errorf("entries = %+v", m.entries)
	}
}

func TestStreamedReplyContinuesConversation(t *testing.T) {
	m, conn := newTestModel(t)
	m = connected(t, m)
	m, cmd := enter(m, "hi")
	cmd()

	m, _ = update(m, event(t, conversation.EventIcons, map[string]any{"icons": []string{"🤖"}}))
	m, _ = update(m, event(t, conversation.EventFragment, "Hel"))
	m, _ = update(m, event(t, conversation.EventFragment, "lo"))
	m, _ = update(m, event(t, conversation.EventResponse, map[string]any{
		"id": 12, "conversation_id": 3, "content": conversation.ContentStop,
	}))

	last := m.entries[len(m.entries)-1]
	if last.kind != entryBot || last.content != "Hello" || last.sender != "🤖" {
		t.Errorf("last entry = %+v", last)
	}
	if m.busy || m.streaming {
		t.Error("turn should be over")
	}
	if m.conversationID != 3 || m.parentID != 12 {
		t.Errorf("conversation %d parent %d", m.conversationID, m.parentID)
	}

	_, cmd = enter(m, "again")
	cmd()
	p := lastPrompt(t, conn)
	if p.ConversationID != 3 || p.ParentID != 12 {
		t.Errorf("follow-up prompt = %+v", p)
	}
	want := []golem.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "Hello"},
		{Role: "user", Content: "again"},
	}
	if diff := cmp.Diff(want, p.Messages); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestCompleteReplyReplacesStream(t *testing.T) {
	m, _ := newTestModel(t)
	m = connected(t, m)
	m, _ = enter(m, "hi")

	m, _ = update(m, event(t, conversation.EventFragment, "partial"))
	m, _ = update(m, event(t, conversation.EventResponse, map[string]any{"id": 2, "conversation_id": 1, "content": "<p>full</p>"}))

	var bots []string
	for _, e := range m.entries {
		if e.kind == entryBot {
			bots = append(bots, e.content)
		}
	}
	if diff := cmp.Diff([]string{"<p>full</p>"}, bots); diff != "" {
		t.Errorf("bot entries mismatch (-want +got):\n%s", diff)
	}
}

func TestBusyBlocksSecondPrompt(t *testing.T) {
	m, conn := newTestModel(t)
	m = connected(t, m)
	m, cmd := enter(m, "first")
	cmd()

	m, cmd = enter(m, "second")
	if cmd != nil {
		t.Error("second prompt should not be sent while busy")
	}
	if n := len(conn.commands()); n != 1 {
		t.Errorf("sent %d commands, want 1", n)
	}
	if !strings.Contains(m.entries[len(m.entries)-1].content, "esc") {
		t.Errorf("expected a notice, got %+v", m.entries[len(m.entries)-1])
	}
}

func TestEscStopsGeneration(t *testing.T) {
	m, conn := newTestModel(t)
	m = connected(t, m)

	if _, cmd := update(m, tea.KeyMsg{Type: tea.KeyEsc}); cmd != nil {
		t.Error("esc while idle should do nothing")
	}

	m, cmd := enter(m, "write a story")
	cmd()
	_, cmd = update(m, tea.KeyMsg{Type: tea.KeyEsc})
	if cmd == nil {
		t.Fatal("expected stop command")
	}
	cmd()
	sent := conn.commands()
	if sent[len(sent)-1].command != "stop_generation" {
		t.Errorf("last command = %s", sent[len(sent)-1].command)
	}
}

func TestModelSelection(t *testing.T) {
	m, _ := newTestModel(t)
	m = connected(t, m)
	m, _ = update(m, event(t, conversation.EventFinishCommand, map[string]any{
		"command": "get_online_language_models",
		"models": []map[string]string{
			{"label": "None", "value": "none"},
			{"label": "🦙 Llama 13B", "value": "llama_13b"},
		},
	}))
	if diff := cmp.Diff([]option{{label: "🦙 Llama 13B", value: "llama_13b"}}, m.models, cmp.AllowUnexported(option{})); diff != "" {
		t.Errorf("models mismatch (-want +got):\n%s", diff)
	}

	m, _ = enter(m, "/model llama_13b")
	if m.useModel != "llama_13b" {
		t.Errorf("useModel = %q", m.useModel)
	}
	m, _ = enter(m, "/model gpt_4")
	if m.useModel != "llama_13b" || !strings.Contains(m.entries[len(m.entries)-1].content, "not online") {
		t.Errorf("unknown model should be refused, useModel = %q", m.useModel)
	}
	m, _ = enter(m, "/model none")
	if m.useModel != "" {
		t.Errorf("useModel = %q after none", m.useModel)
	}
}

func TestNewConversation(t *testing.T) {
	m, _ := newTestModel(t)
	m = connected(t, m)
	m, _ = enter(m, "hi")
	m, _ = update(m, event(t, conversation.EventResponse, map[string]any{"id": 5, "conversation_id": 2, "content": "hey"}))

	m, _ = enter(m, "/new")
	if m.conversationID != 0 || m.parentID != 0 || len(m.history) != 0 {
		t.Errorf("conversation not reset: %d %d %v", m.conversationID, m.parentID, m.history)
	}
	if len(m.entries) != 1 || m.entries[0].kind != entryNotice {
		t.Errorf("entries = %+v", m.entries)
	}
}

func TestDisconnectEndsTurn(t *testing.T) {
	m, _ := newTestModel(t)
	m = connected(t, m)
	m, _ = enter(m, "hi")

	m, _ = update(m, disconnectedMsg{io.EOF})
	if m.connected || m.busy {
		t.Error("disconnect should clear the session state")
	}
}

func TestToastShown(t *testing.T) {
	m, _ := newTestModel(t)
	m, _ = update(m, event(t, "toast_message", map[string]string{"summary": "Error", "detail": "unknown command"}))
	if got := m.entries[len(m.entries)-1].content; got != "Error: unknown command" {
		t.Errorf("notice = %q", got)
	}
}

func TestView(t *testing.T) {
	m, _ := newTestModel(t)
	if !strings.Contains(m.View(), "Connecting") {
		t.Error("expected connecting view before the first resize")
	}

	m = connected(t, m)
	m.models = []option{{label: "Llama", value: "llama_13b"}}
	m, _ = update(m, tea.WindowSizeMsg{Width: 120, Height: 40})

	view := m.View()
	for _, want := range []string{"Arcane Bridge", "ONLINE", "Llama"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}
