package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// HandlerFunc processes one delivery. Returning true acknowledges it.
type HandlerFunc func(ctx context.Context, d *Delivery) (bool, error)

// Consumer is one logical handler attached to a queue. Filter has the form
// "headerKey:headerValue"; an empty filter receives every message.
type Consumer struct {
	Name    string
	Filter  string
	Handler HandlerFunc
}

// DispatchTable fans one queue's messages out to its consumers. The filter
// lookup is built on the first message.
type DispatchTable struct {
	queue     string
	consumers []Consumer
	logger    *slog.Logger

	mu         sync.Mutex
	built      bool
	filtered   map[string]map[string][]Consumer
	unfiltered []Consumer
}

// NewDispatchTable creates an empty table for queue.
func NewDispatchTable(queue string, logger *slog.Logger) *DispatchTable {
	return &DispatchTable{
		queue:  queue,
		logger: logger.With("queue", queue),
	}
}

// Add appends a consumer. The lookup is rebuilt on the next message.
func (t *DispatchTable) Add(c Consumer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consumers = append(t.consumers, c)
	t.built = false
}

// Len returns the number of consumers.
func (t *DispatchTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.consumers)
}

func (t *DispatchTable) build() {
	t.filtered = make(map[string]map[string][]Consumer)
	t.unfiltered = nil

	for _, c := range t.consumers {
		if c.Filter == "" {
			t.unfiltered = append(t.unfiltered, c)
			continue
		}
		key, value, _ := strings.Cut(c.Filter, ":")
		if t.filtered[key] == nil {
			t.filtered[key] = make(map[string][]Consumer)
		}
		t.filtered[key][value] = append(t.filtered[key][value], c)
	}
	t.built = true
}

func (t *DispatchTable) snapshot() (map[string]map[string][]Consumer, []Consumer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.built {
		t.build()
	}
	return t.filtered, t.unfiltered
}

// Dispatch runs every consumer matching d. Filtered consumers run first, for
// each header on the message in key order, then every unfiltered consumer.
// The result is whatever the last consumer to run returned; downstream ack
// handling relies on that. A handler error stops dispatch.
func (t *DispatchTable) Dispatch(ctx context.Context, d *Delivery) (bool, error) {
	filtered, unfiltered := t.snapshot()
	result := false

	run := func(c Consumer) error {
		if c.Handler == nil {
			t.logger.Warn("no handler found for consumer", "consumer", c.Name)
			return nil
		}
		ok, err := c.Handler(ctx, d)
		if err != nil {
			return fmt.Errorf("consumer %s: %w", c.Name, err)
		}
		result = ok
		return nil
	}

	for _, key := range d.Headers.Keys() {
		byValue, ok := filtered[key]
		if !ok {
			continue
		}
		for _, c := range byValue[d.Headers.String(key)] {
			if err := run(c); err != nil {
				return false, err
			}
		}
	}

	for _, c := range unfiltered {
		if err := run(c); err != nil {
			return false, err
		}
	}
	return result, nil
}
