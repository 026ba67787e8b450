// Package embeddings holds the vectors the router scores requests against:
// chat ability function descriptions, their parameter descriptions, and the
// knowledge domains and special functions of online skills.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Pin types.
const (
	PinDomain   = "skill_knowledge_domain"
	PinFunction = "chat_ability_function"
)

// ErrUnknownTarget is returned when a pin names a function or shortcut that
// is not in the index.
var ErrUnknownTarget = errors.New("embeddings: unknown pin target")

// Pin maps an extra string to a function or skill.
type Pin struct {
	Text   string
	Target string // function key, or skill routing key for domains
	Type   string
}

// Parameter lists the description variants of one function parameter.
type Parameter struct {
	Name         string
	Descriptions []string
}

// Function is one callable chat ability, or one dynamic function.
type Function struct {
	Key         string
	Definitions []string
	Parameters  []Parameter
}

// Source is everything the index is built from.
type Source struct {
	Functions []Function
	// Domains and SkillFunctions are keyed by skill shortcut.
	Domains        map[string][]string
	SkillFunctions map[string][]string
	// Shortcuts maps skill routing keys to shortcuts, for domain pins.
	Shortcuts map[string]string
	Pinned    []Pin
}

// Texts returns every distinct string that needs a vector, in a stable
// order.
func (s *Source) Texts() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(texts ...string) {
		for _, t := range texts {
			if t != "" && !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	for _, fn := range s.Functions {
		for _, p := range fn.Parameters {
			add(p.Descriptions...)
		}
		add(fn.Definitions...)
	}
	for _, key := range sortedKeys(s.Domains) {
		add(s.Domains[key]...)
	}
	for _, key := range sortedKeys(s.SkillFunctions) {
		add(s.SkillFunctions[key]...)
	}
	for _, p := range s.Pinned {
		add(p.Text)
	}
	return out
}

// Map is a built index. It is never modified once published.
type Map struct {
	Functions      map[string][][]float64
	Parameters     map[string]map[string]map[string][]float64
	Domains        map[string][][]float64
	SkillFunctions map[string][][]float64
}

// Build maps vectors onto src. Strings without a vector are skipped.
func Build(src *Source, vectors map[string][]float64) *Map {
	m := &Map{
		Functions:      make(map[string][][]float64),
		Parameters:     make(map[string]map[string]map[string][]float64),
		Domains:        make(map[string][][]float64),
		SkillFunctions: make(map[string][][]float64),
	}

	for _, fn := range src.Functions {
		for _, def := range fn.Definitions {
			if v, ok := vectors[def]; ok {
				m.Functions[fn.Key] = append(m.Functions[fn.Key], v)
			}
		}
		for _, p := range fn.Parameters {
			for _, desc := range p.Descriptions {
				v, ok := vectors[desc]
				if !ok {
					continue
				}
				if m.Parameters[fn.Key] == nil {
					m.Parameters[fn.Key] = make(map[string]map[string][]float64)
				}
				if m.Parameters[fn.Key][p.Name] == nil {
					m.Parameters[fn.Key][p.Name] = make(map[string][]float64)
				}
				m.Parameters[fn.Key][p.Name][desc] = v
			}
		}
	}
	for shortcut, texts := range src.Domains {
		m.Domains[shortcut] = lookup(texts, vectors)
	}
	for shortcut, texts := range src.SkillFunctions {
		m.SkillFunctions[shortcut] = lookup(texts, vectors)
	}

	for _, pin := range src.Pinned {
		v, ok := vectors[pin.Text]
		if !ok {
			continue
		}
		switch pin.Type {
		case PinFunction:
			if _, known := m.Functions[pin.Target]; known {
				m.Functions[pin.Target] = append(m.Functions[pin.Target], v)
			}
		case PinDomain:
			shortcut := src.Shortcuts[pin.Target]
			if _, known := m.Domains[shortcut]; shortcut != "" && known {
				m.Domains[shortcut] = append(m.Domains[shortcut], v)
			}
		}
	}
	return m
}

func lookup(texts []string, vectors map[string][]float64) [][]float64 {
	out := make([][]float64, 0, len(texts))
	for _, t := range texts {
		if v, ok := vectors[t]; ok {
			out = append(out, v)
		}
	}
	return out
}

// SourceFunc gathers the current index source.
type SourceFunc func(ctx context.Context) (*Source, error)

// EmbedFunc returns one vector per text.
type EmbedFunc func(ctx context.Context, texts []string) ([][]float64, error)

// Index is built once per process, lazily, and rebuilt only after
// Invalidate. Pins are the only in-place growth.
type Index struct {
	source SourceFunc
	logger *slog.Logger

	group singleflight.Group
	gen   atomic.Uint64

	mu  sync.Mutex // serializes writers of m and src
	src atomic.Pointer[Source]
	m   atomic.Pointer[Map]
}

// NewIndex creates an unbuilt index.
func NewIndex(source SourceFunc, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{source: source, logger: logger.With("component", "embeddings")}
}

// Loaded returns the built map, if any.
func (x *Index) Loaded() (*Map, bool) {
	m := x.m.Load()
	return m, m != nil
}

// Source returns the index source, gathering it on first use. Concurrent
// callers share one gather.
func (x *Index) Source(ctx context.Context) (*Source, error) {
	if src := x.src.Load(); src != nil {
		return src, nil
	}
	gen := x.gen.Load()
	v, err, _ := x.group.Do(fmt.Sprintf("source-%d", gen), func() (any, error) {
		src, err := x.source(ctx)
		if err != nil {
			return nil, fmt.Errorf("gather embedding source: %w", err)
		}
		x.mu.Lock()
		if x.gen.Load() == gen {
			x.src.Store(src)
		}
		x.mu.Unlock()
		x.logger.Info("gathered function calling and moe strings", "functions", len(src.Functions), "domains", len(src.Domains))
		return src, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Source), nil
}

// Missing returns the strings that must be embedded before the index can be
// built, or nil when it is already built.
func (x *Index) Missing(ctx context.Context) ([]string, error) {
	if _, ok := x.Loaded(); ok {
		return nil, nil
	}
	src, err := x.Source(ctx)
	if err != nil {
		return nil, err
	}
	return src.Texts(), nil
}

// Ingest builds the index from vectors unless it is already built, and
// returns the current map. A build from vectors that miss some source text
// is returned for the caller's use but not kept; the index stays unbuilt.
func (x *Index) Ingest(ctx context.Context, vectors map[string][]float64) (*Map, error) {
	if m, ok := x.Loaded(); ok {
		return m, nil
	}
	src, err := x.Source(ctx)
	if err != nil {
		return nil, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if m := x.m.Load(); m != nil {
		return m, nil
	}
	m := Build(src, vectors)
	if !covers(src, vectors) {
		x.logger.Debug("embedding vectors do not cover the index source, not keeping the build", "texts", len(vectors))
		return m, nil
	}
	if x.src.Load() == src {
		x.m.Store(m)
		x.logger.Info("embedding index built", "functions", len(m.Functions), "domains", len(m.Domains), "skill_functions", len(m.SkillFunctions))
	}
	return m, nil
}

// covers reports whether vectors has a vector for every text of src.
func covers(src *Source, vectors map[string][]float64) bool {
	for _, t := range src.Texts() {
		if _, ok := vectors[t]; !ok {
			return false
		}
	}
	return true
}

// Warm builds the index with embed if it is not built yet. Concurrent
// callers share one build.
func (x *Index) Warm(ctx context.Context, embed EmbedFunc) (*Map, error) {
	if m, ok := x.Loaded(); ok {
		return m, nil
	}
	v, err, _ := x.group.Do(fmt.Sprintf("warm-%d", x.gen.Load()), func() (any, error) {
		texts, err := x.Missing(ctx)
		if err != nil {
			return nil, err
		}
		vectors := make(map[string][]float64, len(texts))
		if len(texts) > 0 {
			list, err := embed(ctx, texts)
			if err != nil {
				return nil, fmt.Errorf("embed index strings: %w", err)
			}
			for i, t := range texts {
				vectors[t] = list[i]
			}
		}
		return x.Ingest(ctx, vectors)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Map), nil
}

// Invalidate drops the built index and its source. The next use rebuilds.
func (x *Index) Invalidate() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.gen.Add(1)
	x.src.Store(nil)
	x.m.Store(nil)
	x.logger.Debug("embedding index invalidated")
}

// AddPin maps pin.Text with vector v into the live index. Domain pins are
// looked up by shortcut.
func (x *Index) AddPin(pin Pin, shortcut string, v []float64) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	cur := x.m.Load()
	if cur == nil {
		return fmt.Errorf("add pin: index not built")
	}
	next := &Map{
		Functions:      cur.Functions,
		Parameters:     cur.Parameters,
		Domains:        cur.Domains,
		SkillFunctions: cur.SkillFunctions,
	}
	switch pin.Type {
	case PinFunction:
		variants, ok := cur.Functions[pin.Target]
		if !ok {
			return fmt.Errorf("%w: function %s", ErrUnknownTarget, pin.Target)
		}
		next.Functions = cloneVectors(cur.Functions)
		next.Functions[pin.Target] = append(append([][]float64(nil), variants...), v)
	case PinDomain:
		variants, ok := cur.Domains[shortcut]
		if !ok {
			return fmt.Errorf("%w: shortcut %s", ErrUnknownTarget, shortcut)
		}
		next.Domains = cloneVectors(cur.Domains)
		next.Domains[shortcut] = append(append([][]float64(nil), variants...), v)
	default:
		return fmt.Errorf("add pin: unknown type %q", pin.Type)
	}
	x.m.Store(next)

	if src := x.src.Load(); src != nil {
		s := *src
		s.Pinned = append(append([]Pin(nil), src.Pinned...), pin)
		x.src.Store(&s)
	}
	return nil
}

func cloneVectors(in map[string][][]float64) map[string][][]float64 {
	out := make(map[string][][]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
