package broker

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BurntSushi/toml"

	"github.com/noco-ai/arcane-bridge/internal/modules"
)

//go:embed default_topology.toml
var defaultTopology []byte

// Topology is the exchange/queue/consumer layout read from TOML.
type Topology struct {
	Exchange []ExchangeSpec `toml:"exchange"`
	Queue    []QueueDef     `toml:"queue"`
}

// QueueDef is a queue with its bindings and consumers.
type QueueDef struct {
	Name                 string        `toml:"name"`
	AutoDelete           bool          `toml:"auto_delete"`
	Durable              bool          `toml:"durable"`
	DeadLetterExchange   string        `toml:"dead_letter_exchange"`
	DeadLetterRoutingKey string        `toml:"dead_letter_routing_key"`
	Binding              []BindingDef  `toml:"binding"`
	Consumer             []ConsumerDef `toml:"consumer"`
}

// Spec returns the queue declaration.
func (q QueueDef) Spec() QueueSpec {
	return QueueSpec{
		Name:                 q.Name,
		AutoDelete:           q.AutoDelete,
		Durable:              q.Durable,
		DeadLetterExchange:   q.DeadLetterExchange,
		DeadLetterRoutingKey: q.DeadLetterRoutingKey,
	}
}

// BindingDef binds the enclosing queue to an exchange.
type BindingDef struct {
	Exchange   string `toml:"exchange"`
	RoutingKey string `toml:"routing_key"`
}

// ConsumerDef names a registered handler and an optional header filter.
type ConsumerDef struct {
	Handler string `toml:"handler"`
	Filter  string `toml:"filter"`
}

// ParseTopology decodes TOML topology.
func ParseTopology(data []byte) (*Topology, error) {
	var t Topology
	if _, err := toml.Decode(string(data), &t); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	for i, q := range t.Queue {
		if q.Name == "" {
			return nil, fmt.Errorf("parse topology: queue %d has no name", i)
		}
	}
	return &t, nil
}

// LoadTopology reads a topology file. An empty path yields the built-in
// topology.
func LoadTopology(path string) (*Topology, error) {
	if path == "" {
		return DefaultTopology()
	}
	var t Topology
	if _, err := toml.DecodeFile(path, &t); err != nil {
		return nil, fmt.Errorf("load topology %s: %w", path, err)
	}
	return &t, nil
}

// DefaultTopology returns the built-in topology.
func DefaultTopology() (*Topology, error) {
	return ParseTopology(defaultTopology)
}

// Apply declares t on g and attaches its consumers. Handlers are looked up by
// name in handlers; a name that is not registered is logged and the consumer
// is kept with no handler so dispatch warns when it is reached. Exchange
// failures are logged and skipped; queue and binding failures abort.
func Apply(ctx context.Context, g *Gateway, t *Topology, handlers *modules.Registry[HandlerFunc], logger *slog.Logger) error {
	logger = logger.With("component", "topology")

	for _, ex := range t.Exchange {
		if err := g.DeclareExchange(ctx, ex); err != nil {
			logger.Error("could not create exchange", "exchange", ex.Name, "error", err)
		}
	}

	declared := make(map[string]bool)
	for _, q := range t.Queue {
		if !declared[q.Name] {
			if err := g.DeclareQueue(ctx, q.Spec()); err != nil {
				return err
			}
			declared[q.Name] = true
		}

		for _, b := range q.Binding {
			if err := g.BindQueue(ctx, q.Name, b.Exchange, b.RoutingKey); err != nil {
				return err
			}
		}

		for _, c := range q.Consumer {
			h, err := handlers.Create(c.Handler)
			if err != nil {
				if !errors.Is(err, modules.ErrUnknown) {
					return err
				}
				logger.Warn("no handler registered for consumer", "queue", q.Name, "handler", c.Handler)
			}
			if err := g.RegisterConsumer(ctx, q.Name, Consumer{Name: c.Handler, Filter: c.Filter, Handler: h}); err != nil {
				return err
			}
		}
	}
	return nil
}
