package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all bridge configuration
type Config struct {
	// HTTP and WebSocket server settings
	Server ServerConfig `json:"server"`

	// Message broker connecting the worker fleet
	Broker BrokerConfig `json:"broker"`

	// Job correlation
	Jobs JobsConfig `json:"jobs"`

	// Worker fleet maintenance
	Fleet FleetConfig `json:"fleet"`

	// Client session tokens
	Session SessionConfig `json:"session"`

	// MoE routing and generation defaults
	Router RouterConfig `json:"router"`

	// Chat ability definitions
	Abilities AbilitiesConfig `json:"abilities"`

	// Per-user skill and application grants
	Permissions PermissionsConfig `json:"permissions"`

	// Interceptors around the publish path
	Plugins []PluginConfig `json:"plugins,omitempty"`

	// Optional services and their start dependencies
	Modules []ModuleConfig `json:"modules,omitempty"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	DataDir  string `json:"dataDir"`
	LogLevel string `json:"logLevel"`
	// PublicURL prefixes shared workspace file links.
	PublicURL string `json:"publicUrl"`
}

type BrokerConfig struct {
	Driver      string `json:"driver"` // "amqp" or "mqtt"
	URI         string `json:"uri,omitempty"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	TopicPrefix string `json:"topicPrefix,omitempty"`
	// ServerID names this bridge's return queue. Generated when empty.
	ServerID             string `json:"serverId,omitempty"`
	TopologyFile         string `json:"topologyFile,omitempty"`
	MaxReconnectAttempts int    `json:"maxReconnectAttempts"`
}

type JobsConfig struct {
	TimeoutSeconds int    `json:"timeoutSeconds"`
	SweepSpec      string `json:"sweepSpec"` // cron expression or @every descriptor
}

type FleetConfig struct {
	PingSpec string `json:"pingSpec"`
}

type SessionConfig struct {
	JWTSecret     string `json:"jwtSecret,omitempty"`
	TokenTTLHours int    `json:"tokenTTLHours"`
	// DevUser is the user every session runs as when no secret is set.
	DevUser int64 `json:"devUser"`
}

type RouterConfig struct {
	FunctionCallThreshold float64 `json:"functionCallThreshold"`
	ModelRouteThreshold   float64 `json:"modelRouteThreshold"`
	MaxNewTokens          int     `json:"maxNewTokens"`
	PreferredModel        string  `json:"preferredModel,omitempty"`
	SecondaryModel        string  `json:"secondaryModel,omitempty"`
	ReasoningAgent        string  `json:"reasoningAgent,omitempty"`
	EmbeddingModel        string  `json:"embeddingModel,omitempty"`
	// WaitMessageRate is the simulated tokens per second of wait messages.
	WaitMessageRate float64 `json:"waitMessageRate"`
}

type AbilitiesConfig struct {
	// Dir holds extra chat ability YAML files.
	Dir                   string `json:"dir,omitempty"`
	SandboxTimeoutSeconds int    `json:"sandboxTimeoutSeconds"`
}

// UserPermissions grants skills by routing key and chat abilities by
// application.
type UserPermissions struct {
	Skills       []string `json:"skills,omitempty"`
	Applications []string `json:"applications,omitempty"`
	IsAdmin      bool     `json:"isAdmin"`
}

type PermissionsConfig struct {
	Default UserPermissions           `json:"default"`
	Users   map[int64]UserPermissions `json:"users,omitempty"`
}

type PluginConfig struct {
	Target    string `json:"target"`
	Name      string `json:"name"`
	SortOrder int    `json:"sortOrder"`
}

type ModuleConfig struct {
	Name         string   `json:"name"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      3000,
			DataDir:   "./data",
			LogLevel:  "info",
			PublicURL: "http://localhost:3000/files",
		},
		Broker: BrokerConfig{
			Driver:               "amqp",
			Host:                 "localhost",
			Port:                 5672,
			Username:             "guest",
			Password:             "guest",
			MaxReconnectAttempts: 10,
		},
		Jobs: JobsConfig{
			TimeoutSeconds: 300,
			SweepSpec:      "@every 30s",
		},
		Fleet: FleetConfig{
			PingSpec: "@every 5m",
		},
		Session: SessionConfig{
			TokenTTLHours: 24,
			DevUser:       1,
		},
		Router: RouterConfig{
			FunctionCallThreshold: 0.95,
			ModelRouteThreshold:   0.9,
			MaxNewTokens:          1024,
			WaitMessageRate:       30,
		},
		Abilities: AbilitiesConfig{
			SandboxTimeoutSeconds: 10,
		},
		Permissions: PermissionsConfig{
			Default: UserPermissions{IsAdmin: true},
		},
		Plugins: []PluginConfig{
			{Target: "golem.publish", Name: "log_calls", SortOrder: 10},
		},
	}
}

// Load reads config from a JSON file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return cfg, nil
}

// Save writes config to a JSON file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0640)
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Broker.Driver {
	case "amqp", "mqtt":
	default:
		errs = append(errs, fmt.Errorf("broker.driver %q: want amqp or mqtt", c.Broker.Driver))
	}
	for name, v := range map[string]float64{
		"router.functionCallThreshold": c.Router.FunctionCallThreshold,
		"router.modelRouteThreshold":   c.Router.ModelRouteThreshold,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s %v: want 0..1", name, v))
		}
	}
	if c.Jobs.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("jobs.timeoutSeconds must not be negative"))
	}
	seen := make(map[string]bool)
	for _, m := range c.Modules {
		if m.Name == "" {
			errs = append(errs, errors.New("modules: entry without a name"))
		} else if seen[m.Name] {
			errs = append(errs, fmt.Errorf("modules: %s declared twice", m.Name))
		}
		seen[m.Name] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// JobTimeout is how long a job may wait for its worker.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.Jobs.TimeoutSeconds) * time.Second
}

// TokenTTL is the lifetime of issued session tokens.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Session.TokenTTLHours) * time.Hour
}

// SandboxTimeout bounds one dynamic function run.
func (c *Config) SandboxTimeout() time.Duration {
	return time.Duration(c.Abilities.SandboxTimeoutSeconds) * time.Second
}

// StorePath is the sqlite database inside the data dir.
func (c *Config) StorePath() string {
	return filepath.Join(c.Server.DataDir, "arcane-bridge.db")
}

// WorkspaceRoot is the folder holding user workspaces.
func (c *Config) WorkspaceRoot() string {
	return filepath.Join(c.Server.DataDir, "workspace")
}

// ModuleDependencies maps each declared module to its dependencies.
func (c *Config) ModuleDependencies() map[string][]string {
	out := make(map[string][]string, len(c.Modules))
	for _, m := range c.Modules {
		out[m.Name] = m.Dependencies
	}
	return out
}
