package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// ServerIDPlaceholder is replaced with the gateway's server id in queue,
	// exchange and routing key names.
	ServerIDPlaceholder = "{serverid}"
	// DefaultReturnExchange is where workers send replies.
	DefaultReturnExchange = "arcane_bridge"
)

// Options configures a Gateway.
type Options struct {
	ServerID       string
	MaxAttempts    int
	ReturnExchange string
}

type binding struct {
	queue, exchange, routingKey string
}

// Gateway wraps a Transport with reconnects, idempotent topology and
// per-queue dispatch tables.
type Gateway struct {
	transport      Transport
	serverID       string
	returnExchange string
	maxAttempts    int
	logger         *slog.Logger
	sleep          func(ctx context.Context, d time.Duration) error

	mu           sync.Mutex
	online       bool
	halted       bool
	closing      bool
	reconnecting bool

	exchanges map[string]ExchangeSpec
	queues    map[string]QueueSpec
	bindings  map[string]binding
	order     []string // declaration order for replay, "x:", "q:", "b:" prefixed
	tables    map[string]*DispatchTable
	consuming map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGateway creates a gateway over transport.
func NewGateway(transport Transport, opts Options, logger *slog.Logger) *Gateway {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.ReturnExchange == "" {
		opts.ReturnExchange = DefaultReturnExchange
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		transport:      transport,
		serverID:       opts.ServerID,
		returnExchange: opts.ReturnExchange,
		maxAttempts:    opts.MaxAttempts,
		logger:         logger.With("component", "broker"),
		sleep:          sleepCtx,
		exchanges:      make(map[string]ExchangeSpec),
		queues:         make(map[string]QueueSpec),
		bindings:       make(map[string]binding),
		tables:         make(map[string]*DispatchTable),
		consuming:      make(map[string]bool),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// ServerID returns the id substituted for {serverid}.
func (g *Gateway) ServerID() string { return g.serverID }

// ReturnRoutingKey is the routing key workers reply to.
func (g *Gateway) ReturnRoutingKey() string { return g.returnExchange + "_" + g.serverID }

// ReturnExchange is the exchange workers reply to.
func (g *Gateway) ReturnExchange() string { return g.returnExchange }

// Online reports whether the transport is connected.
func (g *Gateway) Online() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.online
}

// Halted reports whether reconnects were exhausted.
func (g *Gateway) Halted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.halted
}

// Expand replaces {serverid} in name.
func (g *Gateway) Expand(name string) string {
	return strings.ReplaceAll(name, ServerIDPlaceholder, g.serverID)
}

// Connect dials the broker. It never returns an error: a failed dial is
// logged, a reconnect is scheduled and false is returned.
func (g *Gateway) Connect(ctx context.Context) bool {
	if err := g.dial(ctx); err != nil {
		g.logger.Error("error connecting to broker", "error", err)
		g.scheduleReconnect()
		return false
	}
	return true
}

func (g *Gateway) dial(ctx context.Context) error {
	if err := g.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	g.mu.Lock()
	g.online = true
	g.consuming = make(map[string]bool)
	g.mu.Unlock()

	if err := g.replay(ctx); err != nil {
		g.logger.Error("failed to restore topology", "error", err)
	}

	closed := g.transport.NotifyClose()
	g.wg.Add(1)
	go g.watch(closed)

	g.logger.Info("connected to broker", "server_id", g.serverID)
	return nil
}

// replay re-declares recorded topology and restarts consumers after a
// reconnect. On the first dial nothing is recorded yet.
func (g *Gateway) replay(ctx context.Context) error {
	g.mu.Lock()
	order := append([]string(nil), g.order...)
	exchanges := g.exchanges
	queues := g.queues
	bindings := g.bindings
	tables := make(map[string]*DispatchTable, len(g.tables))
	for q, t := range g.tables {
		tables[q] = t
		g.consuming[q] = true
	}
	g.mu.Unlock()

	for _, key := range order {
		kind, name, _ := strings.Cut(key, ":")
		var err error
		switch kind {
		case "x":
			err = g.transport.DeclareExchange(ctx, exchanges[name])
		case "q":
			err = g.transport.DeclareQueue(ctx, queues[name])
		case "b":
			b := bindings[name]
			err = g.transport.BindQueue(ctx, b.queue, b.exchange, b.routingKey)
		}
		if err != nil {
			return fmt.Errorf("replay %s: %w", key, err)
		}
	}

	for queue, table := range tables {
		if err := g.consume(ctx, queue, table); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) watch(closed <-chan error) {
	defer g.wg.Done()

	var err error
	select {
	case err = <-closed:
	case <-g.ctx.Done():
		return
	}

	g.mu.Lock()
	g.online = false
	closing := g.closing
	g.mu.Unlock()

	if closing {
		return
	}
	if err != nil {
		g.logger.Error("broker connection error", "error", err)
	} else {
		g.logger.Warn("broker connection closed")
	}
	g.scheduleReconnect()
}

func (g *Gateway) scheduleReconnect() {
	g.mu.Lock()
	if g.reconnecting || g.halted || g.closing {
		g.mu.Unlock()
		return
	}
	g.reconnecting = true
	g.online = false
	g.mu.Unlock()

	g.wg.Add(1)
	go g.reconnectLoop()
}

func (g *Gateway) reconnectLoop() {
	defer g.wg.Done()

	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		delay := Backoff(attempt)
		g.logger.Info("attempting to reconnect to broker", "attempt", attempt, "delay", delay)
		if err := g.sleep(g.ctx, delay); err != nil {
			g.setReconnecting(false)
			return
		}
		if err := g.dial(g.ctx); err != nil {
			g.logger.Error("reconnect failed", "attempt", attempt, "error", err)
			continue
		}
		g.setReconnecting(false)
		return
	}

	g.logger.Error("max number of connection attempts reached, giving up", "attempts", g.maxAttempts)
	g.mu.Lock()
	g.halted = true
	g.reconnecting = false
	g.mu.Unlock()
}

func (g *Gateway) setReconnecting(v bool) {
	g.mu.Lock()
	g.reconnecting = v
	g.mu.Unlock()
}

// DeclareExchange declares an exchange once. Repeated names are a warning.
func (g *Gateway) DeclareExchange(ctx context.Context, spec ExchangeSpec) error {
	spec.Name = g.Expand(spec.Name)
	if spec.Type == "" {
		spec.Type = "direct"
	}

	g.mu.Lock()
	_, exists := g.exchanges[spec.Name]
	online := g.online
	g.mu.Unlock()

	if exists {
		g.logger.Warn("exchange already declared", "exchange", spec.Name)
		return nil
	}
	if !online {
		return ErrNotConnected
	}
	if err := g.transport.DeclareExchange(ctx, spec); err != nil {
		return fmt.Errorf("declare exchange %s: %w", spec.Name, err)
	}

	g.mu.Lock()
	g.exchanges[spec.Name] = spec
	g.order = append(g.order, "x:"+spec.Name)
	g.mu.Unlock()

	g.logger.Debug("exchange declared", "exchange", spec.Name, "type", spec.Type)
	return nil
}

// DeclareQueue declares a queue once. Repeated names are a warning.
func (g *Gateway) DeclareQueue(ctx context.Context, spec QueueSpec) error {
	spec.Name = g.Expand(spec.Name)
	spec.DeadLetterExchange = g.Expand(spec.DeadLetterExchange)
	spec.DeadLetterRoutingKey = g.Expand(spec.DeadLetterRoutingKey)

	g.mu.Lock()
	_, exists := g.queues[spec.Name]
	online := g.online
	g.mu.Unlock()

	if exists {
		g.logger.Warn("queue already declared", "queue", spec.Name)
		return nil
	}
	if !online {
		return ErrNotConnected
	}
	if err := g.transport.DeclareQueue(ctx, spec); err != nil {
		return fmt.Errorf("declare queue %s: %w", spec.Name, err)
	}

	g.mu.Lock()
	g.queues[spec.Name] = spec
	g.order = append(g.order, "q:"+spec.Name)
	g.mu.Unlock()

	g.logger.Debug("queue declared", "queue", spec.Name)
	return nil
}

// BindQueue binds queue to exchange once. Repeated bindings are a warning.
func (g *Gateway) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	b := binding{queue: g.Expand(queue), exchange: g.Expand(exchange), routingKey: g.Expand(routingKey)}
	key := b.queue + "|" + b.exchange + "|" + b.routingKey

	g.mu.Lock()
	_, exists := g.bindings[key]
	online := g.online
	g.mu.Unlock()

	if exists {
		g.logger.Warn("binding already declared", "queue", b.queue, "exchange", b.exchange, "routing_key", b.routingKey)
		return nil
	}
	if !online {
		return ErrNotConnected
	}
	if err := g.transport.BindQueue(ctx, b.queue, b.exchange, b.routingKey); err != nil {
		return fmt.Errorf("bind %s to %s: %w", b.queue, b.exchange, err)
	}

	g.mu.Lock()
	g.bindings[key] = b
	g.order = append(g.order, "b:"+key)
	g.mu.Unlock()
	return nil
}

// RegisterConsumer attaches c to queue. The first consumer on a queue starts
// consuming it; later consumers join the same dispatch table.
func (g *Gateway) RegisterConsumer(ctx context.Context, queue string, c Consumer) error {
	queue = g.Expand(queue)

	g.mu.Lock()
	table, ok := g.tables[queue]
	if !ok {
		table = NewDispatchTable(queue, g.logger)
		g.tables[queue] = table
	}
	table.Add(c)
	start := g.online && !g.consuming[queue]
	if start {
		g.consuming[queue] = true
	}
	g.mu.Unlock()

	if !start {
		return nil
	}
	return g.consume(ctx, queue, table)
}

func (g *Gateway) consume(ctx context.Context, queue string, table *DispatchTable) error {
	err := g.transport.Consume(ctx, queue, func(d *Delivery) {
		g.handle(table, d)
	})
	if err != nil {
		g.mu.Lock()
		g.consuming[queue] = false
		g.mu.Unlock()
		return fmt.Errorf("consume %s: %w", queue, err)
	}
	g.logger.Debug("consuming queue", "queue", queue, "consumers", table.Len())
	return nil
}

func (g *Gateway) handle(table *DispatchTable, d *Delivery) {
	ok, err := g.dispatch(table, d)
	if err != nil {
		g.logger.Error("error handling message", "queue", d.Queue, "error", err)
	}
	if ok && err == nil {
		if aerr := d.Ack(); aerr != nil {
			g.logger.Warn("ack failed", "queue", d.Queue, "error", aerr)
		}
		return
	}
	if rerr := d.Reject(); rerr != nil {
		g.logger.Warn("reject failed", "queue", d.Queue, "error", rerr)
	}
}

func (g *Gateway) dispatch(table *DispatchTable, d *Delivery) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return table.Dispatch(g.ctx, d)
}

// Publish sends payload to exchange/routingKey. Caller headers are merged
// with the gateway's return address, which always wins. []byte and string
// payloads are sent as-is, anything else is JSON encoded.
func (g *Gateway) Publish(ctx context.Context, exchange, routingKey string, payload any, headers Headers) error {
	body, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	h := Headers{}
	for k, v := range headers {
		h[k] = v
	}
	h["return_routing_key"] = g.ReturnRoutingKey()
	h["return_exchange"] = g.returnExchange

	if g.Halted() {
		return ErrGaveUp
	}
	if !g.Online() {
		return ErrNotConnected
	}

	msg := Message{
		ContentType: "application/json",
		Body:        body,
		Headers:     h,
		Persistent:  true,
	}
	if err := g.transport.Publish(ctx, g.Expand(exchange), g.Expand(routingKey), msg); err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
	}
	return nil
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("{}"), nil
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(p)
	}
}

// Close stops reconnects and closes the transport.
func (g *Gateway) Close() error {
	g.mu.Lock()
	g.closing = true
	g.online = false
	g.mu.Unlock()

	g.cancel()
	err := g.transport.Close()
	g.wg.Wait()
	return err
}
