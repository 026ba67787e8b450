package skills

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// StatusOnline is the thread status of an instance that accepts work.
const StatusOnline = "ONLINE"

// Config is an installed skill as reported by a worker server.
type Config struct {
	Name          string         `json:"name"`
	Label         string         `json:"label"`
	RoutingKey    string         `json:"routing_key"`
	Use           []string       `json:"use"`
	HandlerKey    string         `json:"handler_key,omitempty"`
	Shortcut      string         `json:"shortcut,omitempty"`
	MoeDomain     []string       `json:"moe_domain,omitempty"`
	MoeFunction   []string       `json:"moe_function,omitempty"`
	MultiGPU      bool           `json:"multi_gpu_support,omitempty"`
	Configuration map[string]any `json:"configuration,omitempty"`
}

// Running is one skill thread reported by a worker server.
type Running struct {
	RoutingKey   string  `json:"routing_key"`
	Device       string  `json:"device"`
	UsePrecision string  `json:"use_precision"`
	ThreadStatus string  `json:"thread_status"`
	RAM          float64 `json:"ram,omitempty"`
}

// Instance is one process hosting a skill.
type Instance struct {
	ServerID     string `json:"server_id"`
	Device       string `json:"device"`
	UsePrecision string `json:"use_precision"`
	ThreadStatus string `json:"thread_status"`
}

// Online reports whether the instance accepts work.
func (i Instance) Online() bool { return i.ThreadStatus == StatusOnline }

// Skill is a running skill with its installed metadata merged in.
type Skill struct {
	RoutingKey  string     `json:"routing_key"`
	Label       string     `json:"label"`
	Use         []string   `json:"use"`
	Shortcut    string     `json:"shortcut,omitempty"`
	MoeDomain   []string   `json:"moe_domain,omitempty"`
	MoeFunction []string   `json:"moe_function,omitempty"`
	Instances   []Instance `json:"instances"`
}

// Usable reports whether at least one instance is online.
func (s *Skill) Usable() bool {
	for _, inst := range s.Instances {
		if inst.Online() {
			return true
		}
	}
	return false
}

// HasUse reports whether the skill is tagged with use.
func (s *Skill) HasUse(use string) bool {
	for _, u := range s.Use {
		if u == use {
			return true
		}
	}
	return false
}

// ServerStatus is the system_info report of one worker server.
type ServerStatus struct {
	ServerID        string    `json:"-"`
	RunningSkills   []Running `json:"running_skills"`
	InstalledSkills []Config  `json:"installed_skills"`
}

// ParseServerStatus decodes a system_info body. Workers send server_id as
// either a number or a string.
func ParseServerStatus(body []byte) (ServerStatus, error) {
	var status ServerStatus
	if !gjson.ValidBytes(body) {
		return status, fmt.Errorf("parse system_info: invalid json")
	}
	id := gjson.GetBytes(body, "server_id")
	if !id.Exists() || id.String() == "" {
		return status, fmt.Errorf("parse system_info: missing server_id")
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return status, fmt.Errorf("parse system_info: %w", err)
	}
	status.ServerID = id.String()
	return status, nil
}
