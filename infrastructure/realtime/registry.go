package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fixora/flagsync/application/port/outbound"
	"github.com/fixora/flagsync/domain/entity"
	"github.com/fixora/flagsync/infrastructure/service/logger"
)

const DefaultBufferSize = 64

// Registry routes change events to the live subscriptions of one organization.
// Delivery never blocks: a subscription whose buffer is full is dropped and
// its Done channel closed.
type Registry struct {
	mu         sync.RWMutex
	orgs       map[string]map[string]*subscription
	bufferSize int
	logger     logger.Logger

	totalConnections atomic.Int64
	messagesSent     atomic.Int64
	dropped          atomic.Int64
	lastConnection   atomic.Int64
}

type subscription struct {
	id             string
	organizationID string
	events         chan entity.ChangeEvent
	done           chan struct{}
	closeOnce      sync.Once
}

func (s *subscription) ID() string                        { return s.id }
func (s *subscription) OrganizationID() string            { return s.organizationID }
func (s *subscription) Events() <-chan entity.ChangeEvent { return s.events }
func (s *subscription) Done() <-chan struct{}             { return s.done }
func (s *subscription) close()                            { s.closeOnce.Do(func() { close(s.done) }) }

// NewRegistry creates a registry whose subscriptions buffer bufferSize events
func NewRegistry(bufferSize int, log logger.Logger) *Registry {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Registry{
		orgs:       make(map[string]map[string]*subscription),
		bufferSize: bufferSize,
		logger:     log,
	}
}

var _ outbound.ChannelRegistry = (*Registry)(nil)

// Subscribe registers a connection for organizationID. Subscribing an existing
// connection ID replaces and closes the previous subscription.
func (r *Registry) Subscribe(organizationID, connectionID string) outbound.Subscription {
	sub := &subscription{
		id:             connectionID,
		organizationID: organizationID,
		events:         make(chan entity.ChangeEvent, r.bufferSize),
		done:           make(chan struct{}),
	}

	r.mu.Lock()
	subs, ok := r.orgs[organizationID]
	if !ok {
		subs = make(map[string]*subscription)
		r.orgs[organizationID] = subs
	}
	if prev, exists := subs[connectionID]; exists {
		prev.close()
	}
	subs[connectionID] = sub
	r.mu.Unlock()

	r.totalConnections.Add(1)
	r.lastConnection.Store(time.Now().UnixNano())
	return sub
}

// Unsubscribe removes sub and closes its Done channel
func (r *Registry) Unsubscribe(sub outbound.Subscription) {
	if sub == nil {
		return
	}
	r.mu.Lock()
	if cur, ok := r.orgs[sub.OrganizationID()][sub.ID()]; ok && outbound.Subscription(cur) == sub {
		r.remove(sub.OrganizationID(), sub.ID())
	}
	r.mu.Unlock()
}

// remove must be called with r.mu held
func (r *Registry) remove(organizationID, connectionID string) {
	subs, ok := r.orgs[organizationID]
	if !ok {
		return
	}
	if s, ok := subs[connectionID]; ok {
		s.close()
		delete(subs, connectionID)
	}
	if len(subs) == 0 {
		delete(r.orgs, organizationID)
	}
}

// Publish hands event to every subscription of organizationID and returns how
// many accepted it. Events addressed to a different organization are dropped.
func (r *Registry) Publish(organizationID string, event entity.ChangeEvent) int {
	if event.OrganizationID != organizationID {
		logger.LogSecurityEvent(context.Background(), r.logger, "cross_tenant_event_dropped", "HIGH", map[string]interface{}{
			"routing_key":     organizationID,
			"organization_id": event.OrganizationID,
			"flag_key":        event.Key,
		})
		return 0
	}

	var (
		delivered int
		slow      []*subscription
	)

	r.mu.RLock()
	for _, s := range r.orgs[organizationID] {
		select {
		case s.events <- event:
			delivered++
		default:
			slow = append(slow, s)
		}
	}
	r.mu.RUnlock()

	if len(slow) > 0 {
		r.mu.Lock()
		for _, s := range slow {
			// Only drop the exact subscription that overflowed.
			if cur, ok := r.orgs[organizationID][s.id]; ok && cur == s {
				r.remove(organizationID, s.id)
			}
		}
		r.mu.Unlock()

		r.dropped.Add(int64(len(slow)))
		r.logger.Warn(context.Background(), "Dropped slow subscribers", map[string]interface{}{
			"organization_id": organizationID,
			"count":           len(slow),
		})
	}

	r.messagesSent.Add(int64(delivered))
	return delivered
}

// Deliver routes an event by its own organization, for bus consumers
func (r *Registry) Deliver(event entity.ChangeEvent) {
	r.Publish(event.OrganizationID, event)
}

// Count returns the number of live subscriptions for organizationID
func (r *Registry) Count(organizationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.orgs[organizationID])
}

// Close drops every subscription
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for org, subs := range r.orgs {
		for _, s := range subs {
			s.close()
		}
		delete(r.orgs, org)
	}
}

// Metrics tracks streaming statistics
type Metrics struct {
	TotalConnections   int64     `json:"total_connections"`
	ActiveConnections  int64     `json:"active_connections"`
	MessagesSent       int64     `json:"messages_sent"`
	DroppedSubscribers int64     `json:"dropped_subscribers"`
	LastConnectionTime time.Time `json:"last_connection_time,omitempty"`
}

func (r *Registry) Metrics() Metrics {
	r.mu.RLock()
	var active int64
	for _, subs := range r.orgs {
		active += int64(len(subs))
	}
	r.mu.RUnlock()

	m := Metrics{
		TotalConnections:   r.totalConnections.Load(),
		ActiveConnections:  active,
		MessagesSent:       r.messagesSent.Load(),
		DroppedSubscribers: r.dropped.Load(),
	}
	if ns := r.lastConnection.Load(); ns > 0 {
		m.LastConnectionTime = time.Unix(0, ns).UTC()
	}
	return m
}
