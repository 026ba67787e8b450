package abilities

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/noco-ai/arcane-bridge/internal/embeddings"
	"github.com/noco-ai/arcane-bridge/internal/security"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func TestBuiltinCatalog(t *testing.T) {
	c, err := NewCatalog(testLogger())
	if err != nil {
		t.Fatal(err)
	}
	var keys []string
	for _, a := range c.All() {
		keys = append(keys, a.Key)
	}
	if diff := cmp.Diff([]string{"current_time_0", "translator_0", "dynamic_functions_0"}, keys); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
	a, ok := c.ByShortcut("🌐")
	if !ok || a.Key != "translator_0" {
		t.Errorf("ByShortcut = %v, %v", a, ok)
	}
	if _, ok := c.ByShortcut(""); ok {
		t.Error("empty shortcut should match nothing")
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "news.yaml"), []byte(`
- unique_key: bing_news_0
  handler: news
  sort_order: 1
  function_definition: [search the news]
  parameters:
    - name: query
      type: string
      required: true
      description: [the news topic]
`), 0o644)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not yaml"), 0o644)

	c, _ := NewCatalog(testLogger())
	if err := c.LoadDir(dir); err != nil {
		t.Fatal(err)
	}
	a, ok := c.Get("bing_news_0")
	if !ok {
		t.Fatal("bing_news_0 not loaded")
	}
	if c.All()[0] != a {
		t.Error("sort_order 1 should come first")
	}
	want := embeddings.Function{
		Key:         "bing_news_0",
		Definitions: []string{"search the news"},
		Parameters:  []embeddings.Parameter{{Name: "query", Descriptions: []string{"the news topic"}}},
	}
	if diff := cmp.Diff(want, a.Function()); diff != "" {
		t.Errorf("function mismatch (-want +got):\n%s", diff)
	}

	if err := c.LoadDir(filepath.Join(dir, "missing")); err != nil {
		t.Errorf("missing dir: %v", err)
	}
}

func TestParseRejectsInvalidAbilities(t *testing.T) {
	c, _ := NewCatalog(testLogger())
	for _, doc := range []string{
		`- handler: x
  function_definition: [y]`,
		`- unique_key: a_0
  handler: x`,
		`- unique_key: a_0
  function_definition: [y]`,
		`- unique_key: a_0
  handler: x
  function_definition: [y]
  parameters:
    - name: p`,
		`{not a list`,
	} {
		if err := c.Parse([]byte(doc)); err == nil {
			t.Errorf("Parse(%q) should fail", doc)
		}
	}
}

func TestFromDynamic(t *testing.T) {
	a, err := FromDynamic(12, `{"function_description":"add two numbers","parameters":{"b":{"type":"number","description":"second"},"a":{"type":"number","description":"first"}}}`, "func Execute(p map[string]any) (string, error) { return \"\", nil }")
	if err != nil {
		t.Fatal(err)
	}
	if a.Key != "chat_ability_dynamic_functions_12" || !a.Dynamic() || a.Handler != HandlerDynamic || a.Icon != DynamicIcon {
		t.Errorf("ability = %+v", a)
	}
	want := []Parameter{
		{Name: "a", Type: "number", Description: []string{"first"}, Required: true},
		{Name: "b", Type: "number", Description: []string{"second"}, Required: true},
	}
	if diff := cmp.Diff(want, a.Parameters); diff != "" {
		t.Errorf("parameters mismatch (-want +got):\n%s", diff)
	}

	if _, err := FromDynamic(1, `{"parameters":{}}`, "code"); err == nil {
		t.Error("expected an error without a description")
	}
	if _, err := FromDynamic(1, `nope`, "code"); err == nil {
		t.Error("expected a parse error")
	}
}

func TestPermitted(t *testing.T) {
	c, _ := NewCatalog(testLogger())
	perms := &security.UserPermissions{Applications: []string{"current_time"}}
	got := Permitted(c.All(), perms)
	if len(got) != 1 || got[0].Key != "current_time_0" {
		t.Errorf("permitted = %v", got)
	}
}
