package flagsync

import (
	"context"
	"errors"

	"github.com/fixora/flagsync/domain/entity"
)

var (
	// ErrResyncRequested ends a stream whose server-side subscription was dropped
	ErrResyncRequested = errors.New("server requested a full resync")
	// ErrStreamClosed ends a stream the server closed without a reason
	ErrStreamClosed = errors.New("event stream closed")
)

// StreamHandler receives the lifecycle of one event stream.
// OnConnected runs once the stream is established and before any event is
// handed to OnEvent; a non-nil error aborts the stream.
type StreamHandler struct {
	OnConnected func(ctx context.Context) error
	OnEvent     func(ev entity.ChangeEvent)
}

// Transport is how a Synchronizer reaches the service.
type Transport interface {
	List(ctx context.Context, organizationID string) ([]entity.FeatureFlag, error)
	Toggle(ctx context.Context, intent entity.ToggleIntent) (*entity.ChangeEvent, error)

	// Subscribe blocks while the stream is up and returns why it ended
	Subscribe(ctx context.Context, organizationID string, h StreamHandler) error
}
