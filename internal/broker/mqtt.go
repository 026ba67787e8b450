package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// DefaultTopicPrefix roots every topic the MQTT transport uses.
const DefaultTopicPrefix = "arcane"

// envelope carries AMQP-style headers over MQTT, which has none.
type envelope struct {
	Headers     Headers `json:"headers"`
	ContentType string  `json:"content_type,omitempty"`
	Content     []byte  `json:"content"`
}

// MQTTTransport maps exchanges and queues onto MQTT topics. Messages go to
// {prefix}/{exchange}/{routingKey}; a queue subscribes to the topic filters of
// its bindings. Fanout bindings match every routing key.
type MQTTTransport struct {
	broker   string
	port     int
	clientID string
	username string
	password string
	prefix   string
	logger   *slog.Logger
	// Factory function for creating MQTT client
	clientFactory func(opts *mqtt.ClientOptions) MQTTClient

	mu        sync.Mutex
	client    MQTTClient
	closed    chan error
	exchanges map[string]string
	bindings  map[string][]string
	consumers map[string]func(*Delivery)
}

// NewMQTTTransport creates an MQTT transport for broker:port.
func NewMQTTTransport(broker string, port int, username, password, prefix string, logger *slog.Logger) *MQTTTransport {
	return NewMQTTTransportWithClient(broker, port, username, password, prefix, logger, func(opts *mqtt.ClientOptions) MQTTClient {
		return &pahoClient{client: mqtt.NewClient(opts)}
	})
}

// NewMQTTTransportWithClient creates an MQTT transport with a custom client
// factory.
func NewMQTTTransportWithClient(broker string, port int, username, password, prefix string, logger *slog.Logger, clientFactory func(*mqtt.ClientOptions) MQTTClient) *MQTTTransport {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &MQTTTransport{
		broker:        broker,
		port:          port,
		clientID:      fmt.Sprintf("arcane-bridge-%d", time.Now().UnixNano()),
		username:      username,
		password:      password,
		prefix:        strings.TrimSuffix(prefix, "/"),
		logger:        logger.With("driver", "mqtt"),
		clientFactory: clientFactory,
	}
}

func (m *MQTTTransport) Connect(ctx context.Context) error {
	closed := make(chan error, 1)

	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", m.broker, m.port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(m.clientID)
	if m.username != "" {
		opts.SetUsername(m.username)
		opts.SetPassword(m.password)
	}
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	// The gateway owns reconnects and replays subscriptions itself.
	opts.SetAutoReconnect(false)
	opts.SetOrderMatters(true)
	opts.SetAutoAckDisabled(true)
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		select {
		case closed <- err:
		default:
		}
	})

	client := m.clientFactory(opts)
	m.logger.Info("connecting to mqtt broker", "broker", brokerURL)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to mqtt: %w", err)
	}

	m.mu.Lock()
	m.client = client
	m.closed = closed
	m.exchanges = make(map[string]string)
	m.bindings = make(map[string][]string)
	m.consumers = make(map[string]func(*Delivery))
	m.mu.Unlock()
	return nil
}

func (m *MQTTTransport) NotifyClose() <-chan error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MQTTTransport) Close() error {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	return nil
}

func (m *MQTTTransport) connected() (MQTTClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil || !m.client.IsConnected() {
		return nil, ErrNotConnected
	}
	return m.client, nil
}

// DeclareExchange records the exchange type. MQTT has nothing to declare.
func (m *MQTTTransport) DeclareExchange(_ context.Context, spec ExchangeSpec) error {
	if _, err := m.connected(); err != nil {
		return err
	}
	m.mu.Lock()
	m.exchanges[spec.Name] = spec.Type
	m.mu.Unlock()
	return nil
}

// DeclareQueue is a no-op beyond the connection check.
func (m *MQTTTransport) DeclareQueue(_ context.Context, spec QueueSpec) error {
	_, err := m.connected()
	return err
}

// BindQueue records the topic filter for queue, subscribing at once when the
// queue is already being consumed.
func (m *MQTTTransport) BindQueue(_ context.Context, queue, exchange, routingKey string) error {
	client, err := m.connected()
	if err != nil {
		return err
	}

	m.mu.Lock()
	filter := m.topicFilter(exchange, routingKey)
	m.bindings[queue] = append(m.bindings[queue], filter)
	deliver := m.consumers[queue]
	m.mu.Unlock()

	if deliver == nil {
		return nil
	}
	return m.subscribe(client, queue, filter, deliver)
}

func (m *MQTTTransport) Publish(_ context.Context, exchange, routingKey string, msg Message) error {
	client, err := m.connected()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{Headers: msg.Headers, ContentType: msg.ContentType, Content: msg.Body})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	m.mu.Lock()
	if m.exchanges[exchange] == "topic" {
		routingKey = strings.ReplaceAll(routingKey, ".", "/")
	}
	m.mu.Unlock()

	topic := m.topic(exchange, routingKey)
	var qos byte
	if msg.Persistent {
		qos = 1
	}
	token := client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	m.logger.Debug("message sent", "topic", topic, "size", len(payload))
	return nil
}

// Consume subscribes to every topic filter bound to queue.
func (m *MQTTTransport) Consume(_ context.Context, queue string, deliver func(*Delivery)) error {
	client, err := m.connected()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.consumers[queue] = deliver
	filters := append([]string(nil), m.bindings[queue]...)
	m.mu.Unlock()

	for _, f := range filters {
		if err := m.subscribe(client, queue, f, deliver); err != nil {
			return err
		}
	}
	return nil
}

func (m *MQTTTransport) subscribe(client MQTTClient, queue, filter string, deliver func(*Delivery)) error {
	token := client.Subscribe(filter, 1, func(_ mqtt.Client, msg mqtt.Message) {
		m.handleMessage(queue, msg, deliver)
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", filter, err)
	}
	m.logger.Info("subscribed", "topic", filter, "queue", queue)
	return nil
}

func (m *MQTTTransport) handleMessage(queue string, msg mqtt.Message, deliver func(*Delivery)) {
	var env envelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		m.logger.Error("failed to parse mqtt message", "topic", msg.Topic(), "error", err)
		msg.Ack()
		return
	}

	// MQTT has no negative acknowledgement; a rejected message is dropped.
	settle := func() error {
		msg.Ack()
		return nil
	}
	d := NewDelivery(queue, env.Headers, env.Content, settle, settle)
	d.Exchange, d.RoutingKey = m.splitTopic(msg.Topic())
	deliver(d)
}

func (m *MQTTTransport) topic(exchange, routingKey string) string {
	if routingKey == "" {
		return m.prefix + "/" + exchange
	}
	return m.prefix + "/" + exchange + "/" + routingKey
}

// topicFilter must be called with m.mu held.
func (m *MQTTTransport) topicFilter(exchange, routingKey string) string {
	switch m.exchanges[exchange] {
	case "fanout":
		return m.prefix + "/" + exchange + "/#"
	case "topic":
		parts := strings.Split(routingKey, ".")
		for i, p := range parts {
			if p == "*" {
				parts[i] = "+"
			}
		}
		return m.topic(exchange, strings.Join(parts, "/"))
	default:
		return m.topic(exchange, routingKey)
	}
}

func (m *MQTTTransport) splitTopic(topic string) (exchange, routingKey string) {
	rest := strings.TrimPrefix(topic, m.prefix+"/")
	exchange, routingKey, _ = strings.Cut(rest, "/")
	return exchange, routingKey
}
