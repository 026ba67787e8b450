package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "bridge.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConversationCRUD(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	c := &Conversation{UserID: 1, Topic: "New Chat", UseModel: "llama_13b", Temperature: 0.7, TopK: 40}
	if err := s.CreateConversation(ctx, c); err != nil {
		t.Fatal(err)
	}
	if c.ID == 0 {
		t.Fatal("ID not set")
	}

	got, err := s.Conversation(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Topic != "New Chat" || got.Temperature != 0.7 || got.TopK != 40 || got.CreatedAt.IsZero() {
		t.Errorf("conversation = %+v", got)
	}

	got.Topic = "Renamed"
	if err := s.UpdateConversation(ctx, 2, got); !errors.Is(err, ErrNotFound) {
		t.Errorf("update by another user: err = %v", err)
	}
	if err := s.UpdateConversation(ctx, 1, got); err != nil {
		t.Fatal(err)
	}
	list, _ := s.Conversations(ctx, 1)
	if len(list) != 1 || list[0].Topic != "Renamed" {
		t.Errorf("list = %+v", list)
	}

	if err := s.DeleteConversation(ctx, 2, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("delete by another user: err = %v", err)
	}
	if err := s.DeleteConversation(ctx, 1, c.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Conversation(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// tree builds: u1 -> (a1, a2), a1 -> u2, with a2 active.
func tree(t *testing.T, s *Store) (conv *Conversation, ids map[string]int64) {
	t.Helper()
	ctx := context.Background()
	conv = &Conversation{UserID: 1}
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}
	ids = make(map[string]int64)
	add := func(name, role string, parent int64) {
		m := &Message{ConversationID: conv.ID, UserID: 1, Role: role, Content: name, ParentID: parent, Files: []string{name + ".png"}}
		if err := s.CreateMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
		if parent != 0 {
			if err := s.AddChild(ctx, parent, m.ID); err != nil {
				t.Fatal(err)
			}
		}
		ids[name] = m.ID
	}
	add("u1", "user", 0)
	s.SetFirstMessage(ctx, conv.ID, ids["u1"])
	add("a1", "assistant", ids["u1"])
	add("u2", "user", ids["a1"])
	add("a2", "assistant", ids["u1"])
	return conv, ids
}

func contents(msgs []Message) []string {
	var out []string
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func TestChainFollowsActiveChildren(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	conv, ids := tree(t, s)

	chain, err := s.Chain(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"u1", "a2"}, contents(chain)); diff != "" {
		t.Errorf("chain mismatch (-want +got):\n%s", diff)
	}
	if chain[0].NumChildren != 2 || chain[1].Files[0] != "a2.png" {
		t.Errorf("root = %+v", chain[0])
	}

	s.SetActiveChild(ctx, ids["u1"], ids["a1"])
	chain, _ = s.Chain(ctx, conv.ID)
	if diff := cmp.Diff([]string{"u1", "a1", "u2"}, contents(chain)); diff != "" {
		t.Errorf("chain after switch mismatch (-want +got):\n%s", diff)
	}
}

func TestDeleteMessageRepointsSiblings(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	conv, ids := tree(t, s)

	if err := s.DeleteMessage(ctx, 2, ids["a1"]); !errors.Is(err, ErrNotFound) {
		t.Errorf("delete by another user: err = %v", err)
	}
	if err := s.DeleteMessage(ctx, 1, ids["a1"]); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Message(ctx, ids["u2"]); !errors.Is(err, ErrNotFound) {
		t.Error("children of a deleted message should be deleted")
	}
	root, _ := s.Message(ctx, ids["u1"])
	if root.ActiveChildID != ids["a2"] || root.NumChildren != 1 {
		t.Errorf("root = %+v", root)
	}

	if err := s.DeleteMessage(ctx, 1, ids["u1"]); err != nil {
		t.Fatal(err)
	}
	c, _ := s.Conversation(ctx, conv.ID)
	if c.FirstMessageID != 0 {
		t.Errorf("first message = %d, want 0", c.FirstMessageID)
	}
	if chain, _ := s.Chain(ctx, conv.ID); len(chain) != 0 {
		t.Errorf("chain = %v", contents(chain))
	}
}

func TestPinsAndFunctions(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	for _, p := range []PinnedEmbedding{
		{Text: "is it raining", Target: "weather_0", Type: "chat_ability_function"},
		{Text: "golang", Target: "coder_7b", Type: "skill_knowledge_domain"},
	} {
		if _, err := s.AddPinnedEmbedding(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	pins, err := s.PinnedEmbeddings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pins) != 2 || pins[0].Text != "is it raining" || pins[1].Type != "skill_knowledge_domain" {
		t.Errorf("pins = %+v", pins)
	}

	id, err := s.SaveDynamicFunction(ctx, `{"function_description":"x"}`, "func Execute() {}")
	if err != nil {
		t.Fatal(err)
	}
	fns, _ := s.DynamicFunctions(ctx)
	if diff := cmp.Diff([]DynamicFunction{{ID: id, Definition: `{"function_description":"x"}`, Code: "func Execute() {}"}}, fns); diff != "" {
		t.Errorf("functions mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenMemory(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.PinnedEmbeddings(context.Background()); err != nil {
		t.Fatal(err)
	}
}
