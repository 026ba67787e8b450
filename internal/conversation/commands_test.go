package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/noco-ai/arcane-bridge/internal/golem"
	"github.com/noco-ai/arcane-bridge/internal/security"
	"github.com/noco-ai/arcane-bridge/internal/store"
)

func finished(t *testing.T, f *fixture, command string) map[string]any {
	t.Helper()
	var last map[string]any
	for _, ev := range f.emit.named(EventFinishCommand) {
		if p := ev.Payload.(map[string]any); p["command"] == command {
			last = p
		}
	}
	if last == nil {
		t.Fatalf("no finish_command for %s", command)
	}
	return last
}

// converse runs one streamed exchange and returns its conversation id.
func converse(t *testing.T, f *fixture, p Prompt, reply string) int64 {
	t.Helper()
	ctx := context.Background()
	if err := f.m.HandlePrompt(ctx, "s1", 1, p); err != nil {
		t.Fatal(err)
	}
	h := replyHeaders(f.pub.last())
	f.m.HandleFragment(ctx, delivery(h, reply))
	f.m.HandleResponse(ctx, delivery(h, `{"content":"<stop>"}`))
	return int64(h.Int("conversation_id"))
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t, defaultFleet())
	err := f.m.HandleCommand(context.Background(), "s1", 1, "summon_dragon", nil)
	if !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("err = %v, want ErrUnknownCommand", err)
	}
}

func TestExtraCommand(t *testing.T) {
	f := newFixture(t, defaultFleet())
	var got string
	f.m.Handle("worker_report", func(ctx context.Context, socketID string, userID int64, payload json.RawMessage) error {
		got = socketID
		return nil
	})
	if err := f.m.HandleCommand(context.Background(), "s1", 1, "worker_report", nil); err != nil {
		t.Fatal(err)
	}
	if got != "s1" {
		t.Errorf("handler saw socket %q", got)
	}
}

func TestOnlineLanguageModels(t *testing.T) {
	f := newFixture(t, map[string][]string{
		"llama_13b":     {golem.UseLanguageModel},
		"llava_13b":     {UseVisualLanguageModel},
		"openai_gpt_4":  {"chat"},
		"bge_large":     {golem.UseEmbedding},
		"restricted_7b": {golem.UseLanguageModel},
	})
	f.m.perms = security.NewPermissions(map[int64]security.UserPermissions{
		1: {Skills: []string{"llama_13b", "llava_13b", "openai_gpt_4", "bge_large"}},
	}, security.UserPermissions{})

	if err := f.m.HandleCommand(context.Background(), "s1", 1, "get_online_language_models", nil); err != nil {
		t.Fatal(err)
	}
	got := finished(t, f, "get_online_language_models")["models"].([]Option)
	want := []Option{
		{Label: "None", Value: "none"},
		{Label: "llama_13b", Value: "llama_13b"},
		{Label: "llava_13b", Value: "llava_13b"},
		{Label: "openai_gpt_4", Value: "openai_gpt_4"},
	}
	if got[0].Value != "none" {
		t.Errorf("first option = %+v", got[0])
	}
	byValue := cmpopts.SortSlices(func(a, b Option) bool { return a.Value < b.Value })
	if diff := cmp.Diff(want, got, byValue); diff != "" {
		t.Errorf("models mismatch (-want +got):\n%s", diff)
	}
}

func TestOnlineSkillsGroupedByUse(t *testing.T) {
	f := newFixture(t, map[string][]string{
		"llama_13b": {golem.UseLanguageModel},
		"bge_large": {golem.UseEmbedding},
	})
	if err := f.m.HandleCommand(context.Background(), "s1", 1, "get_online_skills", nil); err != nil {
		t.Fatal(err)
	}
	got := finished(t, f, "get_online_skills")["skills"].(map[string][]Option)
	want := map[string][]Option{
		golem.UseLanguageModel: {{Label: "llama_13b", Value: "llama_13b"}},
		golem.UseEmbedding:     {{Label: "bge_large", Value: "bge_large"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("skills mismatch (-want +got):\n%s", diff)
	}
}

func TestGetConversation(t *testing.T) {
	f := newFixture(t, defaultFleet())
	id := converse(t, f, Prompt{Content: "hi", Topic: "greetings"}, "hello")

	payload, _ := json.Marshal(map[string]any{"id": id})
	if err := f.m.HandleCommand(context.Background(), "s1", 1, "get_conversation", payload); err != nil {
		t.Fatal(err)
	}
	got := finished(t, f, "get_conversation")
	if c := got["conversation"].(*store.Conversation); c.Topic != "greetings" {
		t.Errorf("conversation = %+v", c)
	}
	if msgs := got["messages"].([]store.Message); len(msgs) != 2 || msgs[1].Content != "hello" {
		t.Errorf("messages = %+v", msgs)
	}

	if err := f.m.HandleCommand(context.Background(), "s2", 2, "get_conversation", payload); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("another user's conversation: err = %v", err)
	}
}

func TestSwitchMessageChain(t *testing.T) {
	f := newFixture(t, defaultFleet())
	ctx := context.Background()
	id := converse(t, f, Prompt{Content: "tell a joke"}, "joke one")
	chain := f.chain(t, id)
	userMsg := chain[0]

	// Regenerate: a second reply to the same user message.
	if err := f.m.HandlePrompt(ctx, "s1", 1, Prompt{ConversationID: id, ParentID: 0, Content: "tell a joke"}); err != nil {
		t.Fatal(err)
	}
	h := replyHeaders(f.pub.last())
	f.m.HandleResponse(ctx, delivery(h, `{"content":"joke two"}`))
	second := f.chain(t, id)
	if second[0].ID == userMsg.ID {
		t.Fatal("new root message expected")
	}

	payload, _ := json.Marshal(map[string]any{"message_id": 0, "active_child_id": userMsg.ID, "conversation_id": id})
	if err := f.m.HandleCommand(ctx, "s1", 1, "switch_message_chain", payload); err != nil {
		t.Fatal(err)
	}
	if got := f.chain(t, id); got[0].ID != userMsg.ID || got[1].Content != "joke one" {
		t.Errorf("chain after switch = %+v", got)
	}
	if len(f.emit.named(EventFinishCommand)) == 0 {
		t.Error("switch should be confirmed")
	}
}

func TestDeleteConversationRemovesFiles(t *testing.T) {
	f := newFixture(t, defaultFleet())
	ctx := context.Background()
	id := converse(t, f, Prompt{Content: "hi"}, "hello")

	dir, err := f.m.ws.Current("s1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.m.ws.SaveFile("s1", "notes.txt", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if filepath.Base(dir) != "chat-"+strconv.FormatInt(id, 10) {
		t.Fatalf("workspace = %s", dir)
	}

	payload, _ := json.Marshal(map[string]any{"id": id})
	if err := f.m.HandleCommand(ctx, "s1", 1, "delete_conversation", payload); err != nil {
		t.Fatal(err)
	}
	if got := finished(t, f, "delete_conversation")["id"]; got != id {
		t.Errorf("deleted id = %v", got)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("workspace folder still present: %v", err)
	}
	if _, err := f.store.Conversation(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("conversation still stored: %v", err)
	}

	if err := f.m.HandleCommand(ctx, "s2", 2, "delete_conversation", payload); err != nil {
		t.Fatal(err)
	}
	if got := finished(t, f, "delete_conversation")["id"]; got != int64(0) {
		t.Errorf("failed delete reported id %v", got)
	}
}

func TestOnDisconnectDropsTurn(t *testing.T) {
	f := newFixture(t, defaultFleet())
	if err := f.m.HandlePrompt(context.Background(), "s1", 1, Prompt{Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	f.m.OnDisconnect("s1")
	if _, ok := f.m.Turn("s1"); ok {
		t.Error("turn should be dropped")
	}
	if _, err := f.m.ws.Current("s1"); err == nil {
		t.Error("workspace session should be closed")
	}
}
