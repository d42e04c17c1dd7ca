package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/fixora/flagsync/application/port/outbound"
	"github.com/fixora/flagsync/domain/entity"
	domainerr "github.com/fixora/flagsync/domain/error"
	"github.com/fixora/flagsync/infrastructure/service/logger"
)

const DefaultQueueSize = 1024

var (
	ErrQueueFull         = errors.New("broadcast queue is full")
	ErrDispatcherStopped = errors.New("dispatcher stopped")
)

// Sink receives events from the dispatcher worker, in enqueue order
type Sink interface {
	Publish(ctx context.Context, event entity.ChangeEvent) error
}

// RegistrySink delivers straight into the local channel registry
type RegistrySink struct {
	Registry outbound.ChannelRegistry
}

func (s RegistrySink) Publish(ctx context.Context, event entity.ChangeEvent) error {
	s.Registry.Publish(event.OrganizationID, event)
	return nil
}

type queued struct {
	event         entity.ChangeEvent
	correlationID string
}

// Dispatcher decouples the toggle path from delivery. Publish only enqueues;
// a single worker drains the queue into the sink so events leave in the
// order they were enqueued.
type Dispatcher struct {
	sink   Sink
	queue  chan queued
	logger logger.Logger

	mu      sync.RWMutex
	stopped bool
	done    chan struct{}
}

func NewDispatcher(sink Sink, queueSize int, log logger.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Dispatcher{
		sink:   sink,
		queue:  make(chan queued, queueSize),
		logger: log,
		done:   make(chan struct{}),
	}
}

var _ outbound.EventPublisher = (*Dispatcher)(nil)

// Publish enqueues event without blocking
func (d *Dispatcher) Publish(ctx context.Context, event entity.ChangeEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrDispatcherStopped
	}
	select {
	case d.queue <- queued{event: event, correlationID: logger.CorrelationID(ctx)}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run drains the queue until ctx is done, then flushes what is left
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			d.stop()
			d.drain()
			return nil
		case q := <-d.queue:
			d.deliver(q)
		}
	}
}

// Done is closed once Run has returned
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
}

func (d *Dispatcher) drain() {
	for {
		select {
		case q := <-d.queue:
			d.deliver(q)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(q queued) {
	ctx := logger.WithCorrelationID(context.Background(), q.correlationID)
	if err := d.sink.Publish(ctx, q.event); err != nil {
		d.logger.Error(ctx, "Change event broadcast failed",
			domainerr.ErrBroadcastFailure(q.event.OrganizationID, q.event.Key, err),
			map[string]interface{}{
				"organization_id": q.event.OrganizationID,
				"flag_key":        q.event.Key,
				"version":         q.event.Version,
			})
	}
}
