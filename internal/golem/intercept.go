package golem

import (
	"context"

	"github.com/noco-ai/arcane-bridge/internal/broker"
	"github.com/noco-ai/arcane-bridge/internal/plugin"
)

// TargetPublish is the interceptor target for outbound broker messages.
const TargetPublish = "golem.publish"

// InterceptedPublisher runs every publish through the chain's interceptors.
// Call args are exchange, routing key, payload and headers, in that order;
// interceptors may rewrite them before calling next.
type InterceptedPublisher struct {
	next  Publisher
	chain *plugin.Chain
}

// NewInterceptedPublisher wraps next.
func NewInterceptedPublisher(next Publisher, chain *plugin.Chain) *InterceptedPublisher {
	return &InterceptedPublisher{next: next, chain: chain}
}

// Publish implements Publisher.
func (p *InterceptedPublisher) Publish(ctx context.Context, exchange, routingKey string, payload any, headers broker.Headers) error {
	call := &plugin.Call{
		Target: TargetPublish,
		Args:   []any{exchange, routingKey, payload, headers},
		Meta:   map[string]any{"command": headers.String("command")},
	}
	_, err := p.chain.Invoke(ctx, call, func(ctx context.Context, call *plugin.Call) (any, error) {
		ex, _ := call.Args[0].(string)
		rk, _ := call.Args[1].(string)
		h, _ := call.Args[3].(broker.Headers)
		return nil, p.next.Publish(ctx, ex, rk, call.Args[2], h)
	})
	return err
}
