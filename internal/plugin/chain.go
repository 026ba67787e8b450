// Package plugin lets configured interceptors wrap service calls. A service
// exposes its methods through an interface; a decorator implementing the same
// interface runs each call through a Chain before reaching the real
// implementation.
package plugin

import (
	"context"
	"sort"
	"sync"
)

// Call describes one intercepted method invocation.
type Call struct {
	Target string // "golem.publish", "conversation.prompt", ...
	Args   []any
	Meta   map[string]any
}

// Next continues the chain. The last Next runs the real implementation.
type Next func(ctx context.Context, call *Call) (any, error)

// Interceptor runs around a call and decides whether and how to call next.
type Interceptor func(ctx context.Context, call *Call, next Next) (any, error)

type entry struct {
	name  string
	order int
	seq   int
	fn    Interceptor
}

// Chain holds the interceptors registered per target, sorted by order.
type Chain struct {
	entries map[string][]entry
	seq     int
	mu      sync.RWMutex
}

// NewChain creates an empty chain.
func NewChain() *Chain {
	return &Chain{entries: make(map[string][]entry)}
}

// Use registers fn for target. Lower order runs first; equal orders keep
// registration order.
func (c *Chain) Use(target, name string, order int, fn Interceptor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	list := append(append([]entry(nil), c.entries[target]...), entry{name: name, order: order, seq: c.seq, fn: fn})
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].order != list[j].order {
			return list[i].order < list[j].order
		}
		return list[i].seq < list[j].seq
	})
	c.entries[target] = list
}

// Names returns the interceptor names for target in execution order.
func (c *Chain) Names(target string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.entries[target]))
	for _, e := range c.entries[target] {
		names = append(names, e.name)
	}
	return names
}

// Invoke runs call through every interceptor registered for call.Target and
// finally through final.
func (c *Chain) Invoke(ctx context.Context, call *Call, final Next) (any, error) {
	if c == nil {
		return final(ctx, call)
	}

	c.mu.RLock()
	list := c.entries[call.Target]
	c.mu.RUnlock()

	var run func(i int) Next
	run = func(i int) Next {
		if i >= len(list) {
			return final
		}
		return func(ctx context.Context, call *Call) (any, error) {
			return list[i].fn(ctx, call, run(i+1))
		}
	}
	return run(0)(ctx, call)
}
