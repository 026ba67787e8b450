package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var cmpSortStrings = cmpopts.SortSlices(func(a, b string) bool { return a < b })

// MockMQTTToken implements mqtt.Token for testing
type MockMQTTToken struct {
	err     error
	timeout bool
}

func (m *MockMQTTToken) Wait() bool {
	return true
}

func (m *MockMQTTToken) WaitTimeout(duration time.Duration) bool {
	return !m.timeout
}

func (m *MockMQTTToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (m *MockMQTTToken) Error() error {
	return m.err
}

// MockMQTTClient implements MQTTClient for testing
type MockMQTTClient struct {
	ConnectFunc    func() mqtt.Token
	IsConnectedVal bool

	mu            sync.Mutex
	subscriptions map[string]mqtt.MessageHandler
	published     map[string][]byte
}

func (m *MockMQTTClient) Connect() mqtt.Token {
	if m.ConnectFunc != nil {
		return m.ConnectFunc()
	}
	m.IsConnectedVal = true
	return &MockMQTTToken{err: nil}
}

func (m *MockMQTTClient) Disconnect(quiesce uint) {
	m.IsConnectedVal = false
}

func (m *MockMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.published == nil {
		m.published = make(map[string][]byte)
	}
	m.published[topic] = payload.([]byte)
	return &MockMQTTToken{err: nil}
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscriptions == nil {
		m.subscriptions = make(map[string]mqtt.MessageHandler)
	}
	m.subscriptions[topic] = callback
	return &MockMQTTToken{err: nil}
}

func (m *MockMQTTClient) IsConnected() bool {
	return m.IsConnectedVal
}

func (m *MockMQTTClient) handler(topic string) mqtt.MessageHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscriptions[topic]
}

// MockMQTTMessage implements mqtt.Message for testing
type MockMQTTMessage struct {
	topic   string
	payload []byte
	acked   bool
}

func (m *MockMQTTMessage) Duplicate() bool   { return false }
func (m *MockMQTTMessage) Qos() byte         { return 1 }
func (m *MockMQTTMessage) Retained() bool    { return false }
func (m *MockMQTTMessage) Topic() string     { return m.topic }
func (m *MockMQTTMessage) MessageID() uint16 { return 0 }
func (m *MockMQTTMessage) Payload() []byte   { return m.payload }
func (m *MockMQTTMessage) Ack()              { m.acked = true }

func newTestMQTT(t *testing.T) (*MQTTTransport, *MockMQTTClient) {
	t.Helper()
	client := &MockMQTTClient{}
	tr := NewMQTTTransportWithClient("localhost", 1883, "", "", "", testLogger(), func(opts *mqtt.ClientOptions) MQTTClient {
		return client
	})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return tr, client
}

func TestMQTTConnectFailure(t *testing.T) {
	client := &MockMQTTClient{ConnectFunc: func() mqtt.Token {
		return &MockMQTTToken{err: errors.New("refused")}
	}}
	tr := NewMQTTTransportWithClient("localhost", 1883, "", "", "", testLogger(), func(opts *mqtt.ClientOptions) MQTTClient {
		return client
	})
	if err := tr.Connect(context.Background()); err == nil {
		t.Error("expected connect error")
	}

	timeout := &MockMQTTClient{ConnectFunc: func() mqtt.Token {
		return &MockMQTTToken{timeout: true}
	}}
	tr = NewMQTTTransportWithClient("localhost", 1883, "", "", "", testLogger(), func(opts *mqtt.ClientOptions) MQTTClient {
		return timeout
	})
	if err := tr.Connect(context.Background()); err == nil {
		t.Error("expected timeout error")
	}
}

func TestMQTTPublishNotConnected(t *testing.T) {
	tr := NewMQTTTransport("localhost", 1883, "", "", "", testLogger())
	err := tr.Publish(context.Background(), "golem", "", Message{})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish = %v, want ErrNotConnected", err)
	}
}

func TestMQTTPublishEnvelope(t *testing.T) {
	tr, client := newTestMQTT(t)
	ctx := context.Background()

	msg := Message{
		ContentType: "application/json",
		Body:        []byte(`{"prompt":"hi"}`),
		Headers:     Headers{"job": "core_llm_service_3"},
		Persistent:  true,
	}
	if err := tr.Publish(ctx, "golem_skill", "llama_7b", msg); err != nil {
		t.Fatal(err)
	}

	raw, ok := client.published["arcane/golem_skill/llama_7b"]
	if !ok {
		t.Fatalf("nothing published to the expected topic, got %v", client.published)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatal(err)
	}
	if string(env.Content) != `{"prompt":"hi"}` || env.Headers.String("job") != "core_llm_service_3" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestMQTTTopicFilters(t *testing.T) {
	tr, client := newTestMQTT(t)
	ctx := context.Background()

	tr.DeclareExchange(ctx, ExchangeSpec{Name: "golem_broadcast", Type: "fanout"})
	tr.DeclareExchange(ctx, ExchangeSpec{Name: "arcane_bridge", Type: "direct"})
	tr.DeclareExchange(ctx, ExchangeSpec{Name: "events", Type: "topic"})
	tr.BindQueue(ctx, "q", "golem_broadcast", "ignored")
	tr.BindQueue(ctx, "q", "arcane_bridge", "arcane_bridge_srv1")
	tr.BindQueue(ctx, "q", "events", "skill.*.started")

	if err := tr.Consume(ctx, "q", func(*Delivery) {}); err != nil {
		t.Fatal(err)
	}

	var got []string
	for topic := range client.subscriptions {
		got = append(got, topic)
	}
	want := []string{
		"arcane/arcane_bridge/arcane_bridge_srv1",
		"arcane/events/skill/+/started",
		"arcane/golem_broadcast/#",
	}
	if diff := cmp.Diff(want, got, cmpSortStrings); diff != "" {
		t.Errorf("subscriptions mismatch (-want +got):\n%s", diff)
	}
}

func TestMQTTDelivery(t *testing.T) {
	tr, client := newTestMQTT(t)
	ctx := context.Background()

	var got *Delivery
	if err := tr.Consume(ctx, "q", func(d *Delivery) {
		got = d
		d.Ack()
	}); err != nil {
		t.Fatal(err)
	}
	// Binding after Consume subscribes straight away.
	if err := tr.BindQueue(ctx, "q", "arcane_bridge", "arcane_bridge_srv1"); err != nil {
		t.Fatal(err)
	}

	h := client.handler("arcane/arcane_bridge/arcane_bridge_srv1")
	if h == nil {
		t.Fatal("queue was not subscribed")
	}
	payload, _ := json.Marshal(envelope{Headers: Headers{"command": "prompt_response"}, Content: []byte("hello")})
	msg := &MockMQTTMessage{topic: "arcane/arcane_bridge/arcane_bridge_srv1", payload: payload}
	h(nil, msg)

	if got == nil {
		t.Fatal("no delivery")
	}
	if got.Headers.String("command") != "prompt_response" || string(got.Body) != "hello" {
		t.Errorf("delivery = %+v", got)
	}
	if got.Exchange != "arcane_bridge" || got.RoutingKey != "arcane_bridge_srv1" {
		t.Errorf("exchange/routing key = %q/%q", got.Exchange, got.RoutingKey)
	}
	if !msg.acked {
		t.Error("message was not acknowledged")
	}
}

func TestMQTTMalformedMessageIsDropped(t *testing.T) {
	tr, client := newTestMQTT(t)
	ctx := context.Background()
	tr.BindQueue(ctx, "q", "arcane_bridge", "rk")

	called := false
	tr.Consume(ctx, "q", func(*Delivery) { called = true })

	msg := &MockMQTTMessage{topic: "arcane/arcane_bridge/rk", payload: []byte("not json")}
	client.handler("arcane/arcane_bridge/rk")(nil, msg)

	if called {
		t.Error("malformed message reached the consumer")
	}
	if !msg.acked {
		t.Error("malformed message should still be acknowledged")
	}
}

func TestMQTTConnectionLostSignalsGateway(t *testing.T) {
	var captured *mqtt.ClientOptions
	client := &MockMQTTClient{}
	tr := NewMQTTTransportWithClient("localhost", 1883, "", "", "custom/", testLogger(), func(opts *mqtt.ClientOptions) MQTTClient {
		captured = opts
		return client
	})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if captured.AutoReconnect {
		t.Error("paho auto reconnect should be off")
	}

	captured.OnConnectionLost(nil, errors.New("eof"))
	select {
	case err := <-tr.NotifyClose():
		if err == nil || err.Error() != "eof" {
			t.Errorf("close error = %v", err)
		}
	default:
		t.Fatal("connection loss was not signalled")
	}

	if topic := tr.topic("golem", "x"); topic != "custom/golem/x" {
		t.Errorf("topic = %q", topic)
	}
}
