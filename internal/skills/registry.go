// Package skills tracks which skills the worker fleet has installed and
// running, and answers lookups by routing key, use tag and shortcut.
package skills

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

type snapshot struct {
	online    map[string]*Skill
	installed map[string]Config
	byUse     map[string][]string
	shortcuts map[string]string
}

// Index is the capability index. Rebuilds replace the whole snapshot; readers
// never see a partial index.
type Index struct {
	logger *slog.Logger

	rebuildMu sync.Mutex
	mu        sync.Mutex
	servers   map[string]ServerStatus
	onChange  []func()

	snap atomic.Pointer[snapshot]
}

// NewIndex creates an empty index.
func NewIndex(logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	x := &Index{
		logger:  logger.With("component", "skills"),
		servers: make(map[string]ServerStatus),
	}
	x.snap.Store(&snapshot{
		online:    map[string]*Skill{},
		installed: map[string]Config{},
		byUse:     map[string][]string{},
		shortcuts: map[string]string{},
	})
	return x
}

// OnChange registers fn to run after a rebuild that changed the set of
// usable skills.
func (x *Index) OnChange(fn func()) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.onChange = append(x.onChange, fn)
}

// Update stores one server's report and rebuilds the index from every
// report seen so far.
func (x *Index) Update(status ServerStatus) bool {
	x.rebuildMu.Lock()
	defer x.rebuildMu.Unlock()

	x.mu.Lock()
	x.servers[status.ServerID] = status
	fleet := make([]ServerStatus, 0, len(x.servers))
	for _, s := range x.servers {
		fleet = append(fleet, s)
	}
	x.mu.Unlock()
	return x.rebuild(fleet)
}

// Rebuild replaces the index with one built from fleet and reports whether
// the set of usable skills changed.
func (x *Index) Rebuild(fleet []ServerStatus) bool {
	x.rebuildMu.Lock()
	defer x.rebuildMu.Unlock()
	return x.rebuild(fleet)
}

func (x *Index) rebuild(fleet []ServerStatus) bool {
	fleet = append([]ServerStatus(nil), fleet...)
	sort.Slice(fleet, func(i, j int) bool { return fleet[i].ServerID < fleet[j].ServerID })

	next := &snapshot{
		online:    make(map[string]*Skill),
		installed: make(map[string]Config),
		byUse:     make(map[string][]string),
		shortcuts: make(map[string]string),
	}

	for _, server := range fleet {
		for _, cfg := range server.InstalledSkills {
			if _, ok := next.installed[cfg.RoutingKey]; !ok {
				next.installed[cfg.RoutingKey] = cfg
			}
		}
	}

	var order []string
	for _, server := range fleet {
		for _, run := range server.RunningSkills {
			skill, ok := next.online[run.RoutingKey]
			if !ok {
				skill = &Skill{RoutingKey: run.RoutingKey}
				if cfg, found := next.installed[run.RoutingKey]; found {
					skill.Label = cfg.Label
					skill.Use = cfg.Use
					skill.Shortcut = cfg.Shortcut
					skill.MoeDomain = cfg.MoeDomain
					skill.MoeFunction = cfg.MoeFunction
				} else {
					x.logger.Warn("running skill is not installed on any server", "skill", run.RoutingKey, "server", server.ServerID)
				}
				next.online[run.RoutingKey] = skill
				order = append(order, run.RoutingKey)
			}
			skill.Instances = append(skill.Instances, Instance{
				ServerID:     server.ServerID,
				Device:       run.Device,
				UsePrecision: run.UsePrecision,
				ThreadStatus: run.ThreadStatus,
			})
		}
	}

	for _, key := range order {
		skill := next.online[key]
		if !skill.Usable() {
			continue
		}
		for _, use := range skill.Use {
			next.byUse[use] = append(next.byUse[use], key)
		}
		if skill.Shortcut == "" {
			continue
		}
		if owner, taken := next.shortcuts[skill.Shortcut]; taken {
			x.logger.Warn("shortcut conflict", "shortcut", skill.Shortcut, "skill", key, "owner", owner)
			continue
		}
		next.shortcuts[skill.Shortcut] = key
	}

	prev := x.snap.Swap(next)
	changed := !sameUsable(prev, next)
	if changed {
		x.logger.Info("skill index rebuilt", "servers", len(fleet), "online", len(next.online))
		x.mu.Lock()
		hooks := append([]func(){}, x.onChange...)
		x.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	}
	return changed
}

func sameUsable(a, b *snapshot) bool {
	count := 0
	for key, skill := range a.online {
		if !skill.Usable() {
			continue
		}
		count++
		other, ok := b.online[key]
		if !ok || !other.Usable() {
			return false
		}
	}
	for _, skill := range b.online {
		if skill.Usable() {
			count--
		}
	}
	return count == 0
}

// OnlineSkills returns every usable skill sorted by routing key.
func (x *Index) OnlineSkills() []*Skill {
	snap := x.snap.Load()
	out := make([]*Skill, 0, len(snap.online))
	for _, skill := range snap.online {
		if skill.Usable() {
			out = append(out, skill)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoutingKey < out[j].RoutingKey })
	return out
}

// OnlineSkill returns the skill when at least one instance is online.
func (x *Index) OnlineSkill(routingKey string) (*Skill, bool) {
	skill, ok := x.snap.Load().online[routingKey]
	if !ok || !skill.Usable() {
		return nil, false
	}
	return skill, true
}

// OnlineByType returns the routing keys of usable skills tagged with use.
func (x *Index) OnlineByType(use string) []string {
	return append([]string(nil), x.snap.Load().byUse[use]...)
}

// ShortcutSkill returns the routing key owning shortcut, or "".
func (x *Index) ShortcutSkill(shortcut string) string {
	return x.snap.Load().shortcuts[shortcut]
}

// Skill returns the installed configuration of a skill.
func (x *Index) Skill(routingKey string) (Config, bool) {
	cfg, ok := x.snap.Load().installed[routingKey]
	return cfg, ok
}

// PickWorker chooses the worker for a request: the explicit key when it is
// online, otherwise the first online skill tagged with fallbackUse when
// fallback is allowed. It returns "" when nothing qualifies.
func (x *Index) PickWorker(explicit, fallbackUse string, allowFallback bool) string {
	if explicit != "" {
		if _, ok := x.OnlineSkill(explicit); ok {
			return explicit
		}
	}
	if !allowFallback || fallbackUse == "" {
		return ""
	}
	keys := x.OnlineByType(fallbackUse)
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}
