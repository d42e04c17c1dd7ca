package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/fixora/flagsync/application/port/outbound"
	"github.com/fixora/flagsync/domain/entity"
	"github.com/fixora/flagsync/infrastructure/service/logger"
)

// RedisBus fans change events out between instances over Redis pub/sub.
// Each organization has its own channel, so a consumer only ever decodes
// events routed under the organization they claim.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger logger.Logger
}

// NewRedisBus connects to redisURL and verifies the connection
func NewRedisBus(ctx context.Context, redisURL, prefix string, log logger.Logger) (*RedisBus, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisBusFromClient(client, prefix, log), nil
}

// NewRedisBusFromClient wraps an existing client
func NewRedisBusFromClient(client *redis.Client, prefix string, log logger.Logger) *RedisBus {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &RedisBus{client: client, prefix: prefix, logger: log}
}

var _ outbound.EventBus = (*RedisBus)(nil)

func (b *RedisBus) Publish(ctx context.Context, event entity.ChangeEvent) error {
	body, err := encode(event, logger.CorrelationID(ctx))
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, RedisChannel(b.prefix, event.OrganizationID), body).Err(); err != nil {
		return fmt.Errorf("failed to publish to Redis: %w", err)
	}
	return nil
}

// Consume pattern-subscribes to every organization channel. go-redis
// resubscribes on its own after a dropped connection.
func (b *RedisBus) Consume(ctx context.Context, deliver func(entity.ChangeEvent)) error {
	pubsub := b.client.PSubscribe(ctx, RedisChannel(b.prefix, "*"))
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to Redis: %w", err)
	}
	b.logger.Info(ctx, "Redis event bus consumer started", map[string]interface{}{
		"pattern": RedisChannel(b.prefix, "*"),
	})

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			b.handle(ctx, msg, deliver)
		}
	}
}

func (b *RedisBus) handle(ctx context.Context, msg *redis.Message, deliver func(entity.ChangeEvent)) {
	org, ok := organizationFromChannel(b.prefix, msg.Channel)
	if !ok {
		return
	}
	event, err := decode([]byte(msg.Payload), org)
	if err != nil {
		b.logger.Warn(ctx, "Discarding bus message", map[string]interface{}{
			"channel": msg.Channel,
			"error":   err.Error(),
		})
		return
	}
	deliver(event)
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
