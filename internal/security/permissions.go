package security

import (
	"regexp"
	"slices"
	"sync"
)

// UserPermissions lists what one user may use.
type UserPermissions struct {
	Skills       []string `json:"skills"`
	Applications []string `json:"applications"`
	IsAdmin      bool     `json:"isAdmin"`
}

var indexSuffix = regexp.MustCompile(`_\d+$`)

// BaseFunction strips the numeric suffix that distinguishes the functions of
// one application, so weather_forecast_1 is checked as weather_forecast.
func BaseFunction(key string) string {
	return indexSuffix.ReplaceAllString(key, "")
}

// CanUseSkill reports whether the skill routing key is permitted.
func (p *UserPermissions) CanUseSkill(routingKey string) bool {
	if p == nil {
		return false
	}
	return p.IsAdmin || slices.Contains(p.Skills, routingKey)
}

// CanUseFunction reports whether the chat ability function key is
// permitted. Functions are granted by application.
func (p *UserPermissions) CanUseFunction(key string) bool {
	if p == nil {
		return false
	}
	return p.IsAdmin || slices.Contains(p.Applications, BaseFunction(key))
}

// FilterSkills returns the permitted routing keys, keeping order.
func (p *UserPermissions) FilterSkills(keys []string) []string {
	var out []string
	for _, k := range keys {
		if p.CanUseSkill(k) {
			out = append(out, k)
		}
	}
	return out
}

// Permissions answers permission lookups from a table keyed by user id.
// Users missing from the table get Default.
type Permissions struct {
	mu    sync.RWMutex
	users map[int64]UserPermissions
	def   UserPermissions
}

// NewPermissions creates a lookup over users.
func NewPermissions(users map[int64]UserPermissions, def UserPermissions) *Permissions {
	p := &Permissions{}
	p.Replace(users, def)
	return p
}

// Replace swaps the table and the default, for config reloads.
func (p *Permissions) Replace(users map[int64]UserPermissions, def UserPermissions) {
	cp := make(map[int64]UserPermissions, len(users))
	for id, u := range users {
		cp[id] = u
	}
	p.mu.Lock()
	p.users = cp
	p.def = def
	p.mu.Unlock()
}

// UserPermissions returns the permissions of userID. A nil lookup denies
// everything.
func (p *Permissions) UserPermissions(userID int64) *UserPermissions {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	u, ok := p.users[userID]
	if !ok {
		u = p.def
	}
	p.mu.RUnlock()
	return &u
}
