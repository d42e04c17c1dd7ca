package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fixora/flagsync/application/port/outbound"
	"github.com/fixora/flagsync/domain/entity"
	"github.com/fixora/flagsync/infrastructure/service/logger"
	"github.com/fixora/flagsync/pkg/backoff"
)

// AMQPConfig configures the RabbitMQ event bus
type AMQPConfig struct {
	URL             string
	Exchange        string
	ReconnectBase   time.Duration
	ReconnectCap    time.Duration
	ReconnectJitter int
}

// publishChannel is the part of *amqp.Channel the publisher uses
type publishChannel interface {
	IsClosed() bool
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPBus publishes change events to a topic exchange with one routing key
// per organization. Every instance consumes through its own exclusive,
// auto-deleted queue bound to all organization keys.
type AMQPBus struct {
	config AMQPConfig
	logger logger.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	pub  publishChannel
	// openChannel opens a publish channel on the current connection
	openChannel func() (publishChannel, error)
}

// NewAMQPBus dials the broker and declares the exchange
func NewAMQPBus(config AMQPConfig, log logger.Logger) (*AMQPBus, error) {
	if config.Exchange == "" {
		config.Exchange = DefaultAMQPExchange
	}
	if config.ReconnectBase <= 0 {
		config.ReconnectBase = time.Second
	}
	if config.ReconnectCap <= 0 {
		config.ReconnectCap = 30 * time.Second
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	b := &AMQPBus{config: config, logger: log}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

var _ outbound.EventBus = (*AMQPBus)(nil)

func (b *AMQPBus) connect() error {
	conn, err := amqp.Dial(b.config.URL)
	if err != nil {
		return fmt.Errorf("failed to dial AMQP: %w", err)
	}
	open := channelOpener(conn, b.config.Exchange)
	ch, err := open()
	if err != nil {
		conn.Close()
		return err
	}

	b.mu.Lock()
	old := b.conn
	b.conn, b.pub, b.openChannel = conn, ch, open
	b.mu.Unlock()

	if old != nil && !old.IsClosed() {
		_ = old.Close()
	}
	return nil
}

// channelOpener returns a func that opens a channel on conn and declares
// the exchange on it
func channelOpener(conn *amqp.Connection, exchange string) func() (publishChannel, error) {
	return func() (publishChannel, error) {
		if conn.IsClosed() {
			return nil, amqp.ErrClosed
		}
		ch, err := conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
		}
		if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("failed to declare exchange: %w", err)
		}
		return ch, nil
	}
}

// publisherLocked returns the publish channel, reopening it when a channel
// exception closed it while the connection stayed up
func (b *AMQPBus) publisherLocked(ctx context.Context) (publishChannel, error) {
	if b.pub != nil && !b.pub.IsClosed() {
		return b.pub, nil
	}
	if b.openChannel == nil {
		return nil, errors.New("amqp connection is not open")
	}
	ch, err := b.openChannel()
	if err != nil {
		return nil, err
	}
	b.pub = ch
	b.logger.Info(ctx, "AMQP publish channel reopened", map[string]interface{}{
		"exchange": b.config.Exchange,
	})
	return ch, nil
}

func (b *AMQPBus) Publish(ctx context.Context, event entity.ChangeEvent) error {
	body, err := encode(event, logger.CorrelationID(ctx))
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	pub, err := b.publisherLocked(ctx)
	if err != nil {
		return err
	}
	err = pub.PublishWithContext(ctx, b.config.Exchange, RoutingKey(event.OrganizationID), false, false,
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Transient,
			CorrelationId: logger.CorrelationID(ctx),
			Timestamp:     time.Now(),
			Body:          body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to AMQP: %w", err)
	}
	return nil
}

// Consume runs until ctx is done, reconnecting with jittered backoff
// whenever the broker connection drops.
func (b *AMQPBus) Consume(ctx context.Context, deliver func(entity.ChangeEvent)) error {
	delay := b.config.ReconnectBase
	for {
		err := b.consumeOnce(ctx, deliver)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := backoff.Jittered(delay, b.config.ReconnectCap, b.config.ReconnectJitter)
		b.logger.Error(ctx, "AMQP consumer stopped, reconnecting", err, map[string]interface{}{
			"retry_in": wait.String(),
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if delay*2 < b.config.ReconnectCap {
			delay *= 2
		}

		if b.isClosed() {
			if err := b.connect(); err != nil {
				continue
			}
			delay = b.config.ReconnectBase
		}
	}
}

func (b *AMQPBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn == nil || b.conn.IsClosed()
}

func (b *AMQPBus) consumeOnce(ctx context.Context, deliver func(entity.ChangeEvent)) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return errors.New("amqp connection is not open")
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, routingKeyPrefix+"*", b.config.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume: %w", err)
	}
	closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))

	b.logger.Info(ctx, "AMQP event bus consumer started", map[string]interface{}{
		"exchange": b.config.Exchange,
		"queue":    q.Name,
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closeCh:
			if amqpErr == nil {
				return errors.New("amqp channel closed")
			}
			return amqpErr
		case d, ok := <-msgs:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			org, ok := organizationFromRoutingKey(d.RoutingKey)
			if !ok {
				continue
			}
			event, err := decode(d.Body, org)
			if err != nil {
				b.logger.Warn(ctx, "Discarding bus message", map[string]interface{}{
					"routing_key": d.RoutingKey,
					"error":       err.Error(),
				})
				continue
			}
			deliver(event)
		}
	}
}

func (b *AMQPBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}
