package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/fixora/flagsync/application/port/outbound"
	"github.com/fixora/flagsync/domain/entity"
	domainerr "github.com/fixora/flagsync/domain/error"
	"github.com/fixora/flagsync/infrastructure/service/logger"
	"github.com/fixora/flagsync/pkg/keylock"
)

const DefaultToggleTimeout = 5 * time.Second

// ToggleCoordinator is the single write path for flag values.
type ToggleCoordinator struct {
	store      outbound.FlagStore
	authorizer outbound.Authorizer
	publisher  outbound.EventPublisher
	locks      *keylock.Map
	logger     logger.Logger
	timeout    time.Duration
	now        func() time.Time
}

func NewToggleCoordinator(
	store outbound.FlagStore,
	authorizer outbound.Authorizer,
	publisher outbound.EventPublisher,
	log logger.Logger,
	timeout time.Duration,
) *ToggleCoordinator {
	if timeout <= 0 {
		timeout = DefaultToggleTimeout
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &ToggleCoordinator{
		store:      store,
		authorizer: authorizer,
		publisher:  publisher,
		locks:      keylock.New(),
		logger:     log,
		timeout:    timeout,
		now:        time.Now,
	}
}

// Toggle applies intent on behalf of actor. Refusals come back as
// *domainerr.RejectionError; storage failures as a DB_6001 AppError.
func (c *ToggleCoordinator) Toggle(ctx context.Context, actor entity.Actor, intent entity.ToggleIntent) (*entity.ChangeEvent, error) {
	if err := intent.Validate(); err != nil {
		c.logRejected(ctx, actor, intent, domainerr.RejectInvalid)
		return nil, domainerr.NewRejection(domainerr.RejectInvalid, nil, domainerr.ErrInvalidRequest(err.Error(), err))
	}
	if actor.ID == "" {
		return nil, domainerr.ErrUnauthenticated(entity.ErrMissingActor.Error())
	}

	role, err := c.authorizer.Authorize(ctx, actor, intent.OrganizationID)
	if err != nil && !errors.Is(err, outbound.ErrAuthorizationDenied) {
		return nil, domainerr.ErrDatabaseError("authorize", err)
	}
	if err != nil || !role.CanToggle() {
		c.logRejected(ctx, actor, intent, domainerr.RejectUnauthorized)
		return nil, domainerr.NewRejection(domainerr.RejectUnauthorized, nil, domainerr.ErrAuthorizationDenied(actor.ID, intent.OrganizationID))
	}

	unlock := c.locks.Lock(keylock.Key(intent.OrganizationID, intent.Key))
	defer unlock()

	casCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := c.now()
	transition, err := c.store.CompareAndSwap(casCtx, outbound.CASRequest{
		OrganizationID:  intent.OrganizationID,
		Key:             intent.Key,
		ExpectedVersion: intent.ExpectedVersion,
		RequestedValue:  intent.RequestedValue,
		Actor:           actor.ID,
		At:              start,
	})
	if err != nil {
		var conflict *outbound.VersionConflictError
		switch {
		case errors.As(err, &conflict):
			c.logRejected(ctx, actor, intent, domainerr.RejectStaleVersion)
			return nil, domainerr.NewRejection(domainerr.RejectStaleVersion, conflict.Current,
				domainerr.ErrVersionConflict(intent.Key, conflict.Expected, conflict.Current.Version))
		case errors.Is(err, outbound.ErrFlagNotFound):
			c.logRejected(ctx, actor, intent, domainerr.RejectUnknownFlag)
			return nil, domainerr.NewRejection(domainerr.RejectUnknownFlag, nil,
				domainerr.ErrFlagNotFound(intent.OrganizationID, intent.Key))
		}
		c.logger.Error(ctx, "Flag compare-and-swap failed", err, map[string]interface{}{
			"organization_id": intent.OrganizationID,
			"flag_key":        intent.Key,
		})
		return nil, domainerr.ErrDatabaseError("compare-and-swap", err)
	}

	event := transition.Current.ChangeEvent()

	// Published under the key lock so per-key delivery order follows commit order.
	if err := c.publisher.Publish(ctx, event); err != nil {
		bf := domainerr.ErrBroadcastFailure(event.OrganizationID, event.Key, err)
		c.logger.Error(ctx, "Change event broadcast failed", bf, map[string]interface{}{
			"organization_id": event.OrganizationID,
			"flag_key":        event.Key,
			"version":         event.Version,
		})
	}

	logger.LogToggleEvent(ctx, c.logger, "committed", intent.OrganizationID, intent.Key, actor.ID, true, map[string]interface{}{
		"old_value": transition.Previous.IsEnabled,
		"new_value": transition.Current.IsEnabled,
		"version":   transition.Current.Version,
	})
	logger.LogPerformance(ctx, c.logger, "toggle", c.now().Sub(start), map[string]interface{}{
		"flag_key": intent.Key,
	})

	return &event, nil
}

func (c *ToggleCoordinator) logRejected(ctx context.Context, actor entity.Actor, intent entity.ToggleIntent, reason domainerr.RejectReason) {
	logger.LogToggleEvent(ctx, c.logger, string(reason), intent.OrganizationID, intent.Key, actor.ID, false, nil)
}
