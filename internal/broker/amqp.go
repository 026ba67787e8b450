package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPURL builds an amqp:// URL from its parts.
func AMQPURL(host string, port int, username, password string) string {
	u := url.URL{
		Scheme: "amqp",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/",
	}
	if username != "" {
		u.User = url.UserPassword(username, password)
	}
	return u.String()
}

// AMQPTransport talks to RabbitMQ.
type AMQPTransport struct {
	url    string
	logger *slog.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed chan error
}

// NewAMQPTransport creates an unconnected transport for url.
func NewAMQPTransport(url string, logger *slog.Logger) *AMQPTransport {
	return &AMQPTransport{url: url, logger: logger.With("driver", "amqp")}
}

func (a *AMQPTransport) Connect(ctx context.Context) error {
	conn, err := amqp.DialConfig(a.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Dial:      amqp.DefaultDial(30 * time.Second),
	})
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	closed := make(chan error, 1)
	go func() {
		e, ok := <-notify
		if ok && e != nil {
			closed <- e
		} else {
			closed <- nil
		}
		close(closed)
	}()

	a.mu.Lock()
	a.conn, a.ch, a.closed = conn, ch, closed
	a.mu.Unlock()
	return nil
}

func (a *AMQPTransport) channel() (*amqp.Channel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch == nil || a.ch.IsClosed() {
		return nil, ErrNotConnected
	}
	return a.ch, nil
}

func (a *AMQPTransport) NotifyClose() <-chan error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *AMQPTransport) Close() error {
	a.mu.Lock()
	conn := a.conn
	a.conn, a.ch = nil, nil
	a.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

func (a *AMQPTransport) DeclareExchange(_ context.Context, spec ExchangeSpec) error {
	ch, err := a.channel()
	if err != nil {
		return err
	}
	return ch.ExchangeDeclare(spec.Name, spec.Type, spec.Durable, spec.AutoDelete, false, false, nil)
}

func (a *AMQPTransport) DeclareQueue(_ context.Context, spec QueueSpec) error {
	ch, err := a.channel()
	if err != nil {
		return err
	}
	args := amqp.Table{}
	if spec.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = spec.DeadLetterExchange
	}
	if spec.DeadLetterRoutingKey != "" {
		args["x-dead-letter-routing-key"] = spec.DeadLetterRoutingKey
	}
	_, err = ch.QueueDeclare(spec.Name, spec.Durable, spec.AutoDelete, false, false, args)
	return err
}

func (a *AMQPTransport) BindQueue(_ context.Context, queue, exchange, routingKey string) error {
	ch, err := a.channel()
	if err != nil {
		return err
	}
	return ch.QueueBind(queue, routingKey, exchange, false, nil)
}

func (a *AMQPTransport) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	ch, err := a.channel()
	if err != nil {
		return err
	}
	headers := toTable(msg.Headers)
	headers["x-delay"] = int64(0)

	pub := amqp.Publishing{
		ContentType: msg.ContentType,
		Body:        msg.Body,
		Headers:     headers,
		Timestamp:   time.Now(),
	}
	if msg.Persistent {
		pub.DeliveryMode = amqp.Persistent
	}
	return ch.PublishWithContext(ctx, exchange, routingKey, false, false, pub)
}

// Consume delivers messages for queue one at a time on a single goroutine.
func (a *AMQPTransport) Consume(_ context.Context, queue string, deliver func(*Delivery)) error {
	ch, err := a.channel()
	if err != nil {
		return err
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range deliveries {
			msg := d
			delivery := NewDelivery(queue, Headers(msg.Headers), msg.Body,
				func() error { return msg.Ack(false) },
				func() error { return msg.Reject(false) },
			)
			delivery.Exchange = msg.Exchange
			delivery.RoutingKey = msg.RoutingKey
			deliver(delivery)
		}
		a.logger.Debug("delivery channel closed", "queue", queue)
	}()
	return nil
}

// toTable converts headers into field values the AMQP codec accepts.
func toTable(h Headers) amqp.Table {
	t := make(amqp.Table, len(h))
	for k, v := range h {
		t[k] = tableValue(v)
	}
	return t
}

func tableValue(v any) any {
	switch x := v.(type) {
	case nil, bool, string, []byte, int, int8, int16, int32, int64, float32, float64, time.Time:
		return x
	case uint:
		return int64(x)
	case uint32:
		return int64(x)
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = tableValue(e)
		}
		return out
	case amqp.Table:
		return toTable(Headers(x))
	case map[string]any:
		return toTable(Headers(x))
	case Headers:
		return toTable(x)
	default:
		return fmt.Sprint(x)
	}
}
