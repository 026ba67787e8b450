package moe

import (
	"context"
	"fmt"

	"github.com/noco-ai/arcane-bridge/internal/abilities"
	"github.com/noco-ai/arcane-bridge/internal/embeddings"
	"github.com/noco-ai/arcane-bridge/internal/store"
)

// Store is the persistence the router reads pins and dynamic functions
// from. *store.Store implements it.
type Store interface {
	AddPinnedEmbedding(ctx context.Context, p store.PinnedEmbedding) (int64, error)
	PinnedEmbeddings(ctx context.Context) ([]store.PinnedEmbedding, error)
	DynamicFunctions(ctx context.Context) ([]store.DynamicFunction, error)
}

// dependenciesOnline reports whether every skill an ability depends on is
// online, by routing key or by use tag.
func (r *Router) dependenciesOnline(a *abilities.Ability) bool {
	for _, dep := range a.SkillDependencies {
		if _, ok := r.skills.OnlineSkill(dep); ok {
			continue
		}
		if len(r.skills.OnlineByType(dep)) > 0 {
			continue
		}
		return false
	}
	return true
}

// source gathers the strings the embedding index is built from.
func (r *Router) source(ctx context.Context) (*embeddings.Source, error) {
	src := &embeddings.Source{
		Domains:        make(map[string][]string),
		SkillFunctions: make(map[string][]string),
		Shortcuts:      make(map[string]string),
	}

	for _, a := range r.catalog.All() {
		if !r.dependenciesOnline(a) {
			r.logger.Debug("chat ability dependencies offline", "function", a.Key, "dependencies", a.SkillDependencies)
			continue
		}
		src.Functions = append(src.Functions, a.Function())
	}

	stored, err := r.store.DynamicFunctions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load dynamic functions: %w", err)
	}
	dynamic := make(map[string]*abilities.Ability, len(stored))
	for _, f := range stored {
		a, err := abilities.FromDynamic(f.ID, f.Definition, f.Code)
		if err != nil {
			r.logger.Warn("skipping dynamic function", "id", f.ID, "error", err)
			continue
		}
		dynamic[a.Key] = a
		src.Functions = append(src.Functions, a.Function())
	}
	r.dynamic.Store(&dynamic)

	for _, skill := range r.skills.OnlineSkills() {
		if skill.Shortcut == "" {
			continue
		}
		src.Shortcuts[skill.RoutingKey] = skill.Shortcut
		if len(skill.MoeDomain) > 0 {
			src.Domains[skill.Shortcut] = skill.MoeDomain
		}
		if len(skill.MoeFunction) > 0 {
			src.SkillFunctions[skill.Shortcut] = skill.MoeFunction
		}
	}

	pins, err := r.store.PinnedEmbeddings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pinned embeddings: %w", err)
	}
	for _, p := range pins {
		src.Pinned = append(src.Pinned, embeddings.Pin{Text: p.Text, Target: p.Target, Type: p.Type})
	}
	return src, nil
}
