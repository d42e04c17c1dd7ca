package outbound

import (
	"context"

	"github.com/fixora/flagsync/domain/entity"
)

// EventPublisher hands committed change events to the realtime layer.
// Publish must not block on delivery.
type EventPublisher interface {
	Publish(ctx context.Context, event entity.ChangeEvent) error
}

// Subscription is one live connection registered for one organization.
// Done is closed when the registry drops the subscription.
type Subscription interface {
	ID() string
	OrganizationID() string
	Events() <-chan entity.ChangeEvent
	Done() <-chan struct{}
}

// ChannelRegistry keeps one broadcast channel per organization.
type ChannelRegistry interface {
	Subscribe(organizationID, connectionID string) Subscription
	Unsubscribe(sub Subscription)
	// Publish returns the number of subscriptions the event was handed to
	Publish(organizationID string, event entity.ChangeEvent) int
}

// EventBus carries change events between service instances.
type EventBus interface {
	Publish(ctx context.Context, event entity.ChangeEvent) error
	// Consume blocks, delivering every event seen on the bus until ctx is done
	Consume(ctx context.Context, deliver func(entity.ChangeEvent)) error
	Close() error
}
