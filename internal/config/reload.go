package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sync"
)

// ReloadResult describes what changed during a config reload.
type ReloadResult struct {
	Changed []string // list of changed fields
	Applied []string // successfully applied
	Skipped []string // require restart
	Errors  []error
}

// restartRequiredFields lists config fields that cannot be hot-reloaded and
// require a full process restart.
var restartRequiredFields = map[string]bool{
	"Server.Port":      true,
	"Server.DataDir":   true,
	"Server.PublicURL": true,
	"Broker":           true,
	"Jobs":             true,
	"Fleet":            true,
	"Session":          true,
	"Router":           true,
	"Abilities":        true,
	"Plugins":          true,
	"Modules":          true,
}

// mu protects the Config during concurrent reload operations.
var mu sync.RWMutex

// RLock acquires a read lock on the config.
func RLock() { mu.RLock() }

// RUnlock releases a read lock on the config.
func RUnlock() { mu.RUnlock() }

// Reload re-reads the config from path, diffs against the current config,
// and applies hot-reloadable changes in place. Fields that require a
// restart are logged as skipped.
func (c *Config) Reload(path string) (*ReloadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config for reload: %w", err)
	}

	newCfg := DefaultConfig()
	if err := json.Unmarshal(data, newCfg); err != nil {
		return nil, fmt.Errorf("parse config for reload: %w", err)
	}
	if err := newCfg.Validate(); err != nil {
		return nil, err
	}

	result := &ReloadResult{}

	mu.Lock()
	defer mu.Unlock()

	diffAndApply(c, newCfg, result)

	return result, nil
}

// diffAndApply compares old and new configs, applying hot-reloadable changes.
func diffAndApply(old, new *Config, result *ReloadResult) {
	skip := func(field string, changed bool) {
		if changed {
			result.Changed = append(result.Changed, field)
			result.Skipped = append(result.Skipped, field+" (requires restart)")
		}
	}
	skip("Server.Port", old.Server.Port != new.Server.Port)
	skip("Server.DataDir", old.Server.DataDir != new.Server.DataDir)
	skip("Server.PublicURL", old.Server.PublicURL != new.Server.PublicURL)
	skip("Broker", old.Broker != new.Broker)
	skip("Jobs", old.Jobs != new.Jobs)
	skip("Fleet", old.Fleet != new.Fleet)
	skip("Session", old.Session != new.Session)
	skip("Router", old.Router != new.Router)
	skip("Abilities", old.Abilities != new.Abilities)
	skip("Plugins", !reflect.DeepEqual(old.Plugins, new.Plugins))
	skip("Modules", !reflect.DeepEqual(old.Modules, new.Modules))

	// Server.LogLevel (hot-reloadable)
	if old.Server.LogLevel != new.Server.LogLevel {
		result.Changed = append(result.Changed, "Server.LogLevel")
		old.Server.LogLevel = new.Server.LogLevel
		result.Applied = append(result.Applied, "Server.LogLevel")
	}

	// Permissions (hot-reloadable)
	if !reflect.DeepEqual(old.Permissions, new.Permissions) {
		result.Changed = append(result.Changed, "Permissions")
		old.Permissions = new.Permissions
		result.Applied = append(result.Applied, "Permissions")
	}
}

// Has reports whether field was applied by the reload.
func (r *ReloadResult) Has(field string) bool {
	for _, f := range r.Applied {
		if f == field {
			return true
		}
	}
	return false
}

// LogResult logs the reload result at the appropriate levels.
func (r *ReloadResult) LogResult(logger *slog.Logger) {
	if len(r.Changed) == 0 {
		logger.Info("config reload: no changes detected")
		return
	}

	logger.Info("config reload complete",
		"changed", len(r.Changed),
		"applied", len(r.Applied),
		"skipped", len(r.Skipped),
		"errors", len(r.Errors),
	)

	for _, field := range r.Applied {
		logger.Info("config field hot-reloaded", "field", field)
	}

	for _, field := range r.Skipped {
		logger.Warn("config field requires restart", "field", field)
	}

	for _, err := range r.Errors {
		logger.Error("config reload error", "error", err)
	}
}

// IsRestartRequired returns true if the field requires a restart.
func IsRestartRequired(field string) bool {
	return restartRequiredFields[field]
}
