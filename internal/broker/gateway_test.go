package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

type published struct {
	exchange, routingKey string
	msg                  Message
}

// mockTransport records every call and lets tests drive deliveries and
// connection loss.
type mockTransport struct {
	mu         sync.Mutex
	failAlways bool
	failNext   int
	connects   int
	closed     chan error
	exchanges  []ExchangeSpec
	queues     []QueueSpec
	binds      [][3]string
	published  []published
	consumers  map[string]func(*Delivery)
	consumes   int
}

func newMockTransport() *mockTransport {
	return &mockTransport{consumers: make(map[string]func(*Delivery))}
}

func (m *mockTransport) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	if m.failAlways {
		return errors.New("connection refused")
	}
	if m.failNext > 0 {
		m.failNext--
		return errors.New("connection refused")
	}
	m.closed = make(chan error, 1)
	return nil
}

func (m *mockTransport) Close() error { return nil }

func (m *mockTransport) NotifyClose() <-chan error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockTransport) drop(err error) {
	m.mu.Lock()
	ch := m.closed
	m.mu.Unlock()
	ch <- err
}

func (m *mockTransport) DeclareExchange(_ context.Context, spec ExchangeSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exchanges = append(m.exchanges, spec)
	return nil
}

func (m *mockTransport) DeclareQueue(_ context.Context, spec QueueSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues = append(m.queues, spec)
	return nil
}

func (m *mockTransport) BindQueue(_ context.Context, queue, exchange, routingKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.binds = append(m.binds, [3]string{queue, exchange, routingKey})
	return nil
}

func (m *mockTransport) Publish(_ context.Context, exchange, routingKey string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, published{exchange, routingKey, msg})
	return nil
}

func (m *mockTransport) Consume(_ context.Context, queue string, deliver func(*Delivery)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumers[queue] = deliver
	m.consumes++
	return nil
}

func (m *mockTransport) deliver(t *testing.T, queue string, d *Delivery) {
	t.Helper()
	m.mu.Lock()
	fn := m.consumers[queue]
	m.mu.Unlock()
	if fn == nil {
		t.Fatalf("no consumer for %s", queue)
	}
	fn(d)
}

func (m *mockTransport) counts() (connects, consumes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects, m.consumes
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func (s *sleepRecorder) get() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func newTestGateway(tr Transport) (*Gateway, *sleepRecorder) {
	g := NewGateway(tr, Options{ServerID: "srv1"}, testLogger())
	rec := &sleepRecorder{}
	g.sleep = rec.sleep
	return g, rec
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{10, 1024 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestGatewayGivesUpAfterMaxAttempts(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := newMockTransport()
	tr.failAlways = true
	g, rec := newTestGateway(tr)
	defer g.Close()

	if g.Connect(context.Background()) {
		t.Fatal("Connect should report false when the dial fails")
	}
	waitFor(t, g.Halted)

	var want []time.Duration
	for i := 1; i <= DefaultMaxAttempts; i++ {
		want = append(want, time.Duration(1<<i)*time.Second)
	}
	if diff := cmp.Diff(want, rec.get()); diff != "" {
		t.Errorf("backoff delays mismatch (-want +got):\n%s", diff)
	}
	if connects, _ := tr.counts(); connects != DefaultMaxAttempts+1 {
		t.Errorf("connects = %d, want %d", connects, DefaultMaxAttempts+1)
	}
	if err := g.Publish(context.Background(), "golem", "x", nil, nil); !errors.Is(err, ErrGaveUp) {
		t.Errorf("Publish after give-up = %v, want ErrGaveUp", err)
	}
}

func TestGatewayReconnectsAfterFailedDial(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := newMockTransport()
	tr.failNext = 2
	g, rec := newTestGateway(tr)
	defer g.Close()

	g.Connect(context.Background())
	waitFor(t, g.Online)

	if diff := cmp.Diff([]time.Duration{2 * time.Second, 4 * time.Second}, rec.get()); diff != "" {
		t.Errorf("backoff delays mismatch (-want +got):\n%s", diff)
	}
	if g.Halted() {
		t.Error("gateway should not be halted")
	}
}

func TestGatewayReplaysTopologyOnReconnect(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := newMockTransport()
	g, rec := newTestGateway(tr)
	defer g.Close()
	ctx := context.Background()

	if !g.Connect(ctx) {
		t.Fatal("Connect failed")
	}
	if err := g.DeclareExchange(ctx, ExchangeSpec{Name: "arcane_bridge"}); err != nil {
		t.Fatal(err)
	}
	if err := g.DeclareQueue(ctx, QueueSpec{Name: "arcane_bridge_{serverid}"}); err != nil {
		t.Fatal(err)
	}
	if err := g.BindQueue(ctx, "arcane_bridge_{serverid}", "arcane_bridge", "arcane_bridge_{serverid}"); err != nil {
		t.Fatal(err)
	}
	if err := g.RegisterConsumer(ctx, "arcane_bridge_{serverid}", Consumer{Name: "noop"}); err != nil {
		t.Fatal(err)
	}

	tr.drop(errors.New("connection reset"))
	waitFor(t, func() bool {
		connects, consumes := tr.counts()
		return connects == 2 && consumes == 2 && g.Online()
	})

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.exchanges) != 2 || len(tr.queues) != 2 || len(tr.binds) != 2 {
		t.Errorf("replay counts: exchanges=%d queues=%d binds=%d, want 2 each",
			len(tr.exchanges), len(tr.queues), len(tr.binds))
	}
	if tr.exchanges[1].Type != "direct" {
		t.Errorf("replayed exchange type = %q, want direct", tr.exchanges[1].Type)
	}
	if diff := cmp.Diff([3]string{"arcane_bridge_srv1", "arcane_bridge", "arcane_bridge_srv1"}, tr.binds[1]); diff != "" {
		t.Errorf("replayed binding mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]time.Duration{2 * time.Second}, rec.get()); diff != "" {
		t.Errorf("backoff delays mismatch (-want +got):\n%s", diff)
	}
}

func TestGatewayPlainCloseAlsoReconnects(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := newMockTransport()
	g, _ := newTestGateway(tr)
	defer g.Close()

	g.Connect(context.Background())
	tr.drop(nil)
	waitFor(t, func() bool {
		connects, _ := tr.counts()
		return connects == 2 && g.Online()
	})
}

func TestGatewayDeclareIsIdempotent(t *testing.T) {
	tr := newMockTransport()
	g, _ := newTestGateway(tr)
	defer g.Close()
	ctx := context.Background()
	g.Connect(ctx)

	for i := 0; i < 3; i++ {
		if err := g.DeclareExchange(ctx, ExchangeSpec{Name: "golem", Type: "direct"}); err != nil {
			t.Fatal(err)
		}
		if err := g.DeclareQueue(ctx, QueueSpec{Name: "q"}); err != nil {
			t.Fatal(err)
		}
		if err := g.BindQueue(ctx, "q", "golem", "rk"); err != nil {
			t.Fatal(err)
		}
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.exchanges) != 1 || len(tr.queues) != 1 || len(tr.binds) != 1 {
		t.Errorf("declared exchanges=%d queues=%d binds=%d, want 1 each",
			len(tr.exchanges), len(tr.queues), len(tr.binds))
	}
}

func TestGatewayDeclareOffline(t *testing.T) {
	g, _ := newTestGateway(newMockTransport())
	defer g.Close()

	err := g.DeclareQueue(context.Background(), QueueSpec{Name: "q"})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("DeclareQueue offline = %v, want ErrNotConnected", err)
	}
}

func TestGatewayPublishAddsReturnAddress(t *testing.T) {
	tr := newMockTransport()
	g, _ := newTestGateway(tr)
	defer g.Close()
	ctx := context.Background()
	g.Connect(ctx)

	headers := Headers{
		"job":                "core_llm_service_1",
		"return_routing_key": "somewhere_else",
	}
	payload := map[string]any{"prompt": "hi"}
	if err := g.Publish(ctx, "golem_skill", "llama_{serverid}", payload, headers); err != nil {
		t.Fatal(err)
	}
	if err := g.Publish(ctx, "golem", "", nil, nil); err != nil {
		t.Fatal(err)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.published) != 2 {
		t.Fatalf("published %d messages, want 2", len(tr.published))
	}

	first := tr.published[0]
	if first.routingKey != "llama_srv1" {
		t.Errorf("routing key = %q, want llama_srv1", first.routingKey)
	}
	want := Headers{
		"job":                "core_llm_service_1",
		"return_routing_key": "arcane_bridge_srv1",
		"return_exchange":    "arcane_bridge",
	}
	if diff := cmp.Diff(want, first.msg.Headers); diff != "" {
		t.Errorf("headers mismatch (-want +got):\n%s", diff)
	}
	if headers["return_routing_key"] != "somewhere_else" {
		t.Error("caller headers were modified")
	}
	var body map[string]any
	if err := json.Unmarshal(first.msg.Body, &body); err != nil || body["prompt"] != "hi" {
		t.Errorf("body = %s, err = %v", first.msg.Body, err)
	}
	if !first.msg.Persistent || first.msg.ContentType != "application/json" {
		t.Errorf("message properties = %+v", first.msg)
	}

	if string(tr.published[1].msg.Body) != "{}" {
		t.Errorf("nil payload body = %q, want {}", tr.published[1].msg.Body)
	}
}

func TestGatewaySettlesDeliveries(t *testing.T) {
	tr := newMockTransport()
	g, _ := newTestGateway(tr)
	defer g.Close()
	ctx := context.Background()
	g.Connect(ctx)

	handler := func(ctx context.Context, d *Delivery) (bool, error) {
		switch d.Headers.String("mode") {
		case "ack":
			return true, nil
		case "error":
			return true, errors.New("boom")
		case "panic":
			panic("handler exploded")
		}
		return false, nil
	}
	if err := g.RegisterConsumer(ctx, "q", Consumer{Name: "h", Handler: handler}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		mode       string
		wantAck    bool
		wantReject bool
	}{
		{"ack", true, false},
		{"nack", false, true},
		{"error", false, true},
		{"panic", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			var acked, rejected bool
			d := NewDelivery("q", Headers{"mode": tt.mode}, nil,
				func() error { acked = true; return nil },
				func() error { rejected = true; return nil },
			)
			tr.deliver(t, "q", d)
			if acked != tt.wantAck || rejected != tt.wantReject {
				t.Errorf("acked=%v rejected=%v, want acked=%v rejected=%v", acked, rejected, tt.wantAck, tt.wantReject)
			}
		})
	}
}

func TestGatewayConsumersShareOneSubscription(t *testing.T) {
	tr := newMockTransport()
	g, _ := newTestGateway(tr)
	defer g.Close()
	ctx := context.Background()
	g.Connect(ctx)

	g.RegisterConsumer(ctx, "q", Consumer{Name: "a", Filter: "command:a"})
	g.RegisterConsumer(ctx, "q", Consumer{Name: "b", Filter: "command:b"})

	if _, consumes := tr.counts(); consumes != 1 {
		t.Errorf("consume calls = %d, want 1", consumes)
	}
	if n := g.tables["q"].Len(); n != 2 {
		t.Errorf("table consumers = %d, want 2", n)
	}
}
