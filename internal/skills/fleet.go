package skills

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/noco-ai/arcane-bridge/internal/broker"
)

// Exchanges used to reach the worker fleet.
const (
	ExchangeGolem          = "golem"
	ExchangeGolemBroadcast = "golem_broadcast"
)

// Commander sends a command to the worker fleet.
type Commander interface {
	PublishCommand(ctx context.Context, exchange, routingKey, command string, payload any, headers broker.Headers) error
}

// Notifier delivers events to client sockets.
type Notifier interface {
	Emit(socketID, event string, payload any) error
	OpenSockets() []string
}

// Toast is a short client notification.
type Toast struct {
	Summary  string `json:"summary"`
	Detail   string `json:"detail"`
	Severity string `json:"severity"`
}

// Fleet consumes worker status messages and relays skill management
// commands from clients.
type Fleet struct {
	index  *Index
	cmd    Commander
	notify Notifier
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]string // routing key -> socket that asked for it
}

// NewFleet creates a fleet handler updating index.
func NewFleet(index *Index, cmd Commander, notify Notifier, logger *slog.Logger) *Fleet {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fleet{
		index:   index,
		cmd:     cmd,
		notify:  notify,
		logger:  logger.With("component", "fleet"),
		pending: make(map[string]string),
	}
}

// Index returns the index the fleet maintains.
func (f *Fleet) Index() *Index { return f.index }

// Handler returns the broker consumer for worker status commands.
func (f *Fleet) Handler() broker.HandlerFunc {
	return func(ctx context.Context, d *broker.Delivery) (bool, error) {
		return f.Handle(ctx, d), nil
	}
}

// Handle processes one worker status message.
func (f *Fleet) Handle(ctx context.Context, d *broker.Delivery) bool {
	command := d.Headers.String("command")
	switch command {
	case "golem_log":
		f.logger.Info("worker log", "message", string(d.Body))

	case "system_info":
		status, err := ParseServerStatus(d.Body)
		if err != nil {
			f.logger.Error("bad system_info message", "error", err)
			return true
		}
		f.index.Update(status)
		f.relayStatus(d)

	case "skill_started", "skill_stopped", "skill_downloaded":
		serverID := gjson.GetBytes(d.Body, "server_id").String()
		skillKey := gjson.GetBytes(d.Body, "skill_key").String()
		f.logger.Info("skill state changed", "command", command, "skill", skillKey, "server", serverID)
		if err := f.PingServer(ctx, serverID, true); err != nil {
			f.logger.Warn("failed to ping worker server", "server", serverID, "error", err)
		}
		if command != "skill_stopped" {
			f.toast(command, skillKey)
		}

	default:
		f.logger.Debug("ignoring fleet command", "command", command)
	}
	return true
}

func (f *Fleet) relayStatus(d *broker.Delivery) {
	if f.notify == nil {
		return
	}
	var targets []string
	if broadcast, _ := d.Headers.Bool("socket_broadcast"); broadcast {
		targets = f.notify.OpenSockets()
	} else if socketID := d.Headers.String("socket_id"); socketID != "" {
		targets = []string{socketID}
	}
	for _, socketID := range targets {
		if err := f.notify.Emit(socketID, "system_info", rawJSON(d.Body)); err != nil {
			f.logger.Debug("failed to relay system_info", "socket", socketID, "error", err)
		}
	}
}

func (f *Fleet) toast(command, routingKey string) {
	f.mu.Lock()
	socketID, ok := f.pending[routingKey]
	delete(f.pending, routingKey)
	f.mu.Unlock()
	if !ok || f.notify == nil {
		return
	}

	label := routingKey
	if cfg, found := f.index.Skill(routingKey); found && cfg.Label != "" {
		label = cfg.Label
	}
	t := Toast{Summary: label, Detail: label + " skill started", Severity: "success"}
	if command == "skill_downloaded" {
		t.Detail = label + " was downloaded successfully"
	}
	if err := f.notify.Emit(socketID, "toast_message", t); err != nil {
		f.logger.Debug("failed to send toast", "socket", socketID, "error", err)
	}
}

// PingServer asks one server, or every server when serverID is empty, to
// report its status.
func (f *Fleet) PingServer(ctx context.Context, serverID string, socketBroadcast bool) error {
	exchange := ExchangeGolemBroadcast
	if serverID != "" {
		exchange = ExchangeGolem
	}
	return f.cmd.PublishCommand(ctx, exchange, serverID, "system_info",
		map[string]any{"command": "system_info"},
		broker.Headers{"socket_broadcast": socketBroadcast})
}

// RunSkill asks the server named in payload to start a skill. The socket
// is told when the skill comes up.
func (f *Fleet) RunSkill(ctx context.Context, socketID string, payload map[string]any) error {
	return f.manage(ctx, socketID, "run_skill", payload, false, true)
}

// InstallSkill asks the server named in payload to download a skill. The
// socket is told when the download finishes.
func (f *Fleet) InstallSkill(ctx context.Context, socketID string, payload map[string]any) error {
	return f.manage(ctx, socketID, "install_skill", payload, true, true)
}

// StopSkill asks the server named in payload to stop a skill.
func (f *Fleet) StopSkill(ctx context.Context, socketID string, payload map[string]any) error {
	return f.manage(ctx, socketID, "stop_skill", payload, false, false)
}

func (f *Fleet) manage(ctx context.Context, socketID, command string, payload map[string]any, keepServerID, track bool) error {
	body := make(map[string]any, len(payload))
	for k, v := range payload {
		body[k] = v
	}
	if body["server_id"] == nil || fmt.Sprint(body["server_id"]) == "" {
		return fmt.Errorf("%s: missing server_id", command)
	}
	serverID := fmt.Sprint(body["server_id"])
	if !keepServerID {
		delete(body, "server_id")
	}

	if routingKey, ok := body["routing_key"].(string); ok && routingKey != "" && track {
		f.mu.Lock()
		f.pending[routingKey] = socketID
		f.mu.Unlock()
	}
	if err := f.cmd.PublishCommand(ctx, ExchangeGolem, serverID, command, body, broker.Headers{"socket_id": socketID}); err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	return nil
}

// WorkerReport asks every server to send its status to socketID.
func (f *Fleet) WorkerReport(ctx context.Context, socketID string) error {
	return f.cmd.PublishCommand(ctx, ExchangeGolemBroadcast, "", "system_info",
		map[string]any{"command": "system_info"},
		broker.Headers{"socket_id": socketID})
}

// UpdateConfiguration broadcasts new skill settings to every server.
func (f *Fleet) UpdateConfiguration(ctx context.Context, socketID string, payload map[string]any) error {
	return f.cmd.PublishCommand(ctx, ExchangeGolemBroadcast, "", "update_configuration", payload,
		broker.Headers{"socket_id": socketID})
}

type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}
