// Package broker owns the connection to the message broker. It declares the
// exchange/queue topology, publishes messages carrying the bridge's return
// address, and fans inbound messages out to the handlers registered per queue.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

var (
	// ErrNotConnected is returned when an operation needs a live connection.
	ErrNotConnected = errors.New("broker: not connected")
	// ErrGaveUp is returned once reconnect attempts are exhausted.
	ErrGaveUp = errors.New("broker: reconnect attempts exhausted")
)

// Headers are the message properties every worker message carries.
type Headers map[string]any

// String returns the header as a string, or "" when absent.
func (h Headers) String(key string) string {
	v, ok := h[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

// Int returns the header as an int, or 0 when absent or not numeric.
func (h Headers) Int(key string) int {
	switch t := h[key].(type) {
	case int:
		return t
	case int8:
		return int(t)
	case int16:
		return int(t)
	case int32:
		return int(t)
	case int64:
		return int(t)
	case float32:
		return int(t)
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	}
	return 0
}

// Bool reports the header as a bool. ok is false when the header is absent.
func (h Headers) Bool(key string) (value, ok bool) {
	v, present := h[key]
	if !present || v == nil {
		return false, false
	}
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(t)
		return b, err == nil
	case int, int32, int64, float64:
		return fmt.Sprint(t) != "0", true
	}
	return false, false
}

// Strings returns a list-valued header.
func (h Headers) Strings(key string) []string {
	switch t := h[key].(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, v := range t {
			out = append(out, fmt.Sprint(v))
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	}
	return nil
}

// Clone returns a shallow copy.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Keys returns the header names in sorted order.
func (h Headers) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Delivery is one inbound message.
type Delivery struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Headers    Headers
	Body       []byte

	ack    func() error
	reject func() error
}

// NewDelivery builds a delivery with explicit settle callbacks. Transports and
// tests use it; nil callbacks are no-ops.
func NewDelivery(queue string, headers Headers, body []byte, ack, reject func() error) *Delivery {
	if headers == nil {
		headers = Headers{}
	}
	return &Delivery{Queue: queue, Headers: headers, Body: body, ack: ack, reject: reject}
}

// Ack acknowledges the message.
func (d *Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Reject drops the message without requeue.
func (d *Delivery) Reject() error {
	if d.reject == nil {
		return nil
	}
	return d.reject()
}

// Message is an outbound message.
type Message struct {
	ContentType string
	Body        []byte
	Headers     Headers
	Persistent  bool
}

// ExchangeSpec declares an exchange.
type ExchangeSpec struct {
	Name       string `toml:"name"`
	Type       string `toml:"type"`
	AutoDelete bool   `toml:"auto_delete"`
	Durable    bool   `toml:"durable"`
}

// QueueSpec declares a queue.
type QueueSpec struct {
	Name                 string `toml:"name"`
	AutoDelete           bool   `toml:"auto_delete"`
	Durable              bool   `toml:"durable"`
	DeadLetterExchange   string `toml:"dead_letter_exchange"`
	DeadLetterRoutingKey string `toml:"dead_letter_routing_key"`
}

// Transport is a broker driver. Connect may be called again after the
// connection is lost; drivers must re-dial.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	// NotifyClose returns a channel that receives once when the current
	// connection ends: a non-nil error for a connection fault, nil for a
	// plain close.
	NotifyClose() <-chan error
	DeclareExchange(ctx context.Context, spec ExchangeSpec) error
	DeclareQueue(ctx context.Context, spec QueueSpec) error
	BindQueue(ctx context.Context, queue, exchange, routingKey string) error
	Publish(ctx context.Context, exchange, routingKey string, msg Message) error
	Consume(ctx context.Context, queue string, deliver func(*Delivery)) error
}
