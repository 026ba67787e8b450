// Package abilities holds the chat abilities the router can call: their
// definitions, the handlers that run them, and the sandbox that runs
// dynamic functions.
package abilities

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/noco-ai/arcane-bridge/internal/embeddings"
	"github.com/noco-ai/arcane-bridge/internal/security"
)

// DynamicPrefix starts the key of every dynamic function.
const DynamicPrefix = "chat_ability_dynamic_functions_"

// DynamicIcon is shown for dynamic functions.
const DynamicIcon = "asset/chat-ability/dynamic-functions/dynamic.jpeg"

// HandlerDynamic runs dynamic function code.
const HandlerDynamic = "dynamic_function"

// ErrUnknownAbility is returned for keys that are not in the catalog.
var ErrUnknownAbility = errors.New("abilities: unknown chat ability")

//go:embed builtin.yaml
var builtinYAML []byte

// Parameter is one argument of a chat ability.
type Parameter struct {
	Name        string   `yaml:"name" json:"name"`
	Type        string   `yaml:"type" json:"type"`
	Description []string `yaml:"description" json:"description"`
	Required    bool     `yaml:"required" json:"required"`
}

// Ability is one callable chat ability.
type Ability struct {
	Key                  string      `yaml:"unique_key"`
	Label                string      `yaml:"label"`
	Icon                 string      `yaml:"icon"`
	Shortcut             string      `yaml:"shortcut"`
	Handler              string      `yaml:"handler"`
	WaitMessage          string      `yaml:"wait_message"`
	FunctionDefinitions  []string    `yaml:"function_definition"`
	AllowEmptyParameters bool        `yaml:"allow_empty_parameters"`
	Parameters           []Parameter `yaml:"parameters"`
	// ExtractorPrompt, when set, replaces the parameter extraction prompt
	// with a system prompt sent to a reasoning agent.
	ExtractorPrompt   string         `yaml:"extractor_prompt"`
	SkillDependencies []string       `yaml:"skill_dependencies"`
	SortOrder         int            `yaml:"sort_order"`
	Config            map[string]any `yaml:"config"`

	// Code is set on dynamic functions only.
	Code string `yaml:"-"`
}

// Dynamic reports whether a is a stored dynamic function.
func (a *Ability) Dynamic() bool { return a.Code != "" }

// CustomExtractor reports whether parameters come from ExtractorPrompt.
func (a *Ability) CustomExtractor() bool { return a.ExtractorPrompt != "" }

// Parameter returns the named parameter.
func (a *Ability) Parameter(name string) (Parameter, bool) {
	for _, p := range a.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// Function is the embedding index view of a.
func (a *Ability) Function() embeddings.Function {
	fn := embeddings.Function{Key: a.Key, Definitions: a.FunctionDefinitions}
	for _, p := range a.Parameters {
		fn.Parameters = append(fn.Parameters, embeddings.Parameter{Name: p.Name, Descriptions: p.Description})
	}
	return fn
}

func (a *Ability) validate() error {
	switch {
	case a.Key == "":
		return fmt.Errorf("ability without unique_key")
	case len(a.FunctionDefinitions) == 0:
		return fmt.Errorf("ability %s: no function_definition", a.Key)
	case a.Handler == "":
		return fmt.Errorf("ability %s: no handler", a.Key)
	}
	for _, p := range a.Parameters {
		if p.Name == "" || len(p.Description) == 0 {
			return fmt.Errorf("ability %s: parameter needs a name and a description", a.Key)
		}
	}
	return nil
}

// dynamicDefinition is the stored shape of a dynamic function.
type dynamicDefinition struct {
	FunctionDescription string `json:"function_description"`
	Description         string `json:"description"`
	Parameters          map[string]struct {
		Type        string `json:"type"`
		Description string `json:"description"`
	} `json:"parameters"`
}

// FromDynamic turns a stored dynamic function into an ability. Every
// parameter is required.
func FromDynamic(id int64, definition, code string) (*Ability, error) {
	var def dynamicDefinition
	if err := json.Unmarshal([]byte(definition), &def); err != nil {
		return nil, fmt.Errorf("parse dynamic function %d: %w", id, err)
	}
	desc := def.FunctionDescription
	if desc == "" {
		desc = def.Description
	}
	if desc == "" || strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("dynamic function %d: missing description or code", id)
	}

	a := &Ability{
		Key:                 DynamicPrefix + strconv.FormatInt(id, 10),
		Icon:                DynamicIcon,
		Handler:             HandlerDynamic,
		FunctionDefinitions: []string{desc},
		Code:                code,
	}
	names := make([]string, 0, len(def.Parameters))
	for name := range def.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := def.Parameters[name]
		a.Parameters = append(a.Parameters, Parameter{
			Name:        name,
			Type:        p.Type,
			Description: []string{p.Description},
			Required:    true,
		})
	}
	return a, nil
}

// Catalog is the set of installed chat abilities.
type Catalog struct {
	mu        sync.RWMutex
	abilities map[string]*Ability
	logger    *slog.Logger
}

// NewCatalog creates a catalog holding the built-in abilities.
func NewCatalog(logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{abilities: make(map[string]*Ability), logger: logger.With("component", "abilities")}
	if err := c.Parse(builtinYAML); err != nil {
		return nil, fmt.Errorf("load built-in abilities: %w", err)
	}
	return c, nil
}

// Parse adds the abilities in a YAML list. A key already present is
// replaced.
func (c *Catalog) Parse(data []byte) error {
	var list []*Ability
	if err := yaml.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("parse abilities: %w", err)
	}
	for _, a := range list {
		if err := a.validate(); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range list {
		if _, ok := c.abilities[a.Key]; ok {
			c.logger.Warn("chat ability redefined", "key", a.Key)
		}
		c.abilities[a.Key] = a
	}
	return nil
}

// LoadDir adds every *.yaml and *.yml file in dir. A missing dir is not an
// error.
func (c *Catalog) LoadDir(dir string) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read abilities dir: %w", err)
	}
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("read %s: %w", e.Name(), err)
		}
		if err := c.Parse(data); err != nil {
			return fmt.Errorf("%s: %w", e.Name(), err)
		}
		c.logger.Info("loaded chat abilities", "file", e.Name())
	}
	return nil
}

// Get returns the ability with key.
func (c *Catalog) Get(key string) (*Ability, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.abilities[key]
	return a, ok
}

// All returns every ability by sort order, then key.
func (c *Catalog) All() []*Ability {
	c.mu.RLock()
	out := make([]*Ability, 0, len(c.abilities))
	for _, a := range c.abilities {
		out = append(out, a)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// ByShortcut returns the ability selected by shortcut.
func (c *Catalog) ByShortcut(shortcut string) (*Ability, bool) {
	if shortcut == "" {
		return nil, false
	}
	for _, a := range c.All() {
		if a.Shortcut == shortcut {
			return a, true
		}
	}
	return nil, false
}

// Permitted filters abilities down to the ones perms allows.
func Permitted(list []*Ability, perms *security.UserPermissions) []*Ability {
	var out []*Ability
	for _, a := range list {
		if perms.CanUseFunction(a.Key) {
			out = append(out, a)
		}
	}
	return out
}
