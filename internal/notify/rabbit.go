package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/knocktwice/internal/logging"
)

const (
	DefaultExchange = "knocktwice.events"
	bindAll         = "order.#"
	publishTimeout  = 5 * time.Second
)

// confirmChannel publishes one message and waits for the broker's confirm.
type confirmChannel interface {
	PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) (bool, error)
	Close() error
}

// consumeChannel is the part of *amqp.Channel a Subscriber reads from.
type consumeChannel interface {
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

type exchangeDeclarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
}

// confirmMode wraps a channel already put in confirm mode.
type confirmMode struct{ *amqp.Channel }

func (c confirmMode) PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) (bool, error) {
	dc, err := c.PublishWithDeferredConfirmWithContext(ctx, exchange, key,
		false, // mandatory
		false, // immediate
		msg)
	if err != nil {
		return false, err
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return false, fmt.Errorf("confirm: %w", err)
	}
	return acked, nil
}

// RabbitPublisher publishes events to a durable topic exchange with the event
// type as routing key and waits for the broker's confirm.
type RabbitPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       confirmChannel
	exchange string
	log      *slog.Logger
}

func declare(ch exchangeDeclarer, exchange string) error {
	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	return nil
}

func DialPublisher(url, exchange string, log *slog.Logger) (*RabbitPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if log == nil {
		log = logging.New("notify")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declare(ch, exchange); err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable confirm mode: %w", err)
	}
	log.Info("rabbitmq connected", "exchange", exchange)
	return &RabbitPublisher{conn: conn, ch: confirmMode{ch}, exchange: exchange, log: log}, nil
}

func (p *RabbitPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	acked, err := p.ch.PublishConfirmed(ctx, p.exchange, string(e.Type), amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Timestamp:    e.At,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	if !acked {
		return fmt.Errorf("publish %s: nacked by broker", e.Type)
	}
	return nil
}

func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

// Subscriber consumes every order event from a queue bound to the exchange.
// An empty queue name declares an exclusive server-named queue that goes away
// with the connection.
type Subscriber struct {
	conn  *amqp.Connection
	ch    consumeChannel
	queue string
	log   *slog.Logger
}

func DialSubscriber(url, exchange, queue string, log *slog.Logger) (*Subscriber, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if log == nil {
		log = logging.New("notify")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declare(ch, exchange); err != nil {
		conn.Close()
		return nil, err
	}
	durable := queue != ""
	q, err := ch.QueueDeclare(
		queue,
		durable,
		!durable, // auto-delete
		!durable, // exclusive
		false,    // no-wait
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, bindAll, exchange, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("queue bind: %w", err)
	}
	return &Subscriber{conn: conn, ch: ch, queue: q.Name, log: log}, nil
}

// Run delivers events to handle until ctx is done. Messages that fail to
// decode are dropped; a handler error requeues the message once.
func (s *Subscriber) Run(ctx context.Context, handle func(context.Context, Event) error) error {
	msgs, err := s.ch.Consume(
		s.queue,
		"knocktwice-tail",
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	s.log.Info("consuming", "queue", s.queue)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			s.deliver(ctx, msg, handle)
		}
	}
}

func (s *Subscriber) deliver(ctx context.Context, msg amqp.Delivery, handle func(context.Context, Event) error) {
	var e Event
	if err := json.Unmarshal(msg.Body, &e); err != nil {
		s.log.Warn("undecodable event", "err", err, "routing_key", msg.RoutingKey)
		_ = msg.Nack(false, false)
		return
	}
	if err := handle(ctx, e); err != nil {
		s.log.Error("event handler failed", "err", err, "event_id", e.ID)
		_ = msg.Nack(false, !msg.Redelivered)
		return
	}
	_ = msg.Ack(false)
}

func (s *Subscriber) Close() error {
	if s.ch != nil {
		s.ch.Close()
	}
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
