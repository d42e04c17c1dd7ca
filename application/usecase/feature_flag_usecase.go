package usecase

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/fixora/flagsync/application/port/inbound"
	"github.com/fixora/flagsync/application/port/outbound"
	"github.com/fixora/flagsync/domain/entity"
	domainerr "github.com/fixora/flagsync/domain/error"
	"github.com/fixora/flagsync/infrastructure/service/logger"
)

type FeatureFlagUseCase struct {
	store       outbound.FlagStore
	audit       outbound.AuditRecorder
	authorizer  outbound.Authorizer
	registry    outbound.ChannelRegistry
	publisher   outbound.EventPublisher
	coordinator *ToggleCoordinator
	logger      logger.Logger
}

func NewFeatureFlagUseCase(
	store outbound.FlagStore,
	audit outbound.AuditRecorder,
	authorizer outbound.Authorizer,
	registry outbound.ChannelRegistry,
	publisher outbound.EventPublisher,
	coordinator *ToggleCoordinator,
	log logger.Logger,
) inbound.FeatureFlagUseCase {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &FeatureFlagUseCase{
		store:       store,
		audit:       audit,
		authorizer:  authorizer,
		registry:    registry,
		publisher:   publisher,
		coordinator: coordinator,
		logger:      log,
	}
}

func (uc *FeatureFlagUseCase) ListFlags(ctx context.Context, actor entity.Actor, organizationID string) (*inbound.ListFlagsResponse, error) {
	if _, err := uc.authorize(ctx, actor, organizationID, entity.Role.CanRead); err != nil {
		return nil, err
	}

	flags, err := uc.store.List(ctx, organizationID)
	if err != nil {
		return nil, domainerr.ErrDatabaseError("list flags", err)
	}

	enabled := 0
	for _, f := range flags {
		if f.IsEnabled {
			enabled++
		}
	}
	return &inbound.ListFlagsResponse{
		OrganizationID: organizationID,
		Flags:          flags,
		Total:          len(flags),
		Enabled:        enabled,
	}, nil
}

func (uc *FeatureFlagUseCase) CreateFlag(ctx context.Context, actor entity.Actor, req inbound.CreateFlagRequest) (*entity.FeatureFlag, error) {
	if _, err := uc.authorize(ctx, actor, req.OrganizationID, entity.Role.CanToggle); err != nil {
		return nil, err
	}

	flag := entity.NewFeatureFlag(req.OrganizationID, strings.TrimSpace(req.Key), req.Description, req.Category, req.IsEnabled, actor.ID)
	if err := flag.Validate(); err != nil {
		return nil, domainerr.ErrInvalidRequest(err.Error(), err)
	}

	if err := uc.store.Create(ctx, flag); err != nil {
		if errors.Is(err, outbound.ErrFlagAlreadyExists) {
			return nil, domainerr.ErrFlagAlreadyExists(flag.OrganizationID, flag.Key)
		}
		return nil, domainerr.ErrDatabaseError("create flag", err)
	}

	// Subscribers learn about new keys the same way they learn about toggles.
	if err := uc.publisher.Publish(ctx, flag.ChangeEvent()); err != nil {
		uc.logger.Error(ctx, "Change event broadcast failed", domainerr.ErrBroadcastFailure(flag.OrganizationID, flag.Key, err), nil)
	}

	uc.logger.Info(ctx, "Feature flag created", map[string]interface{}{
		"organization_id": flag.OrganizationID,
		"flag_key":        flag.Key,
		"actor_id":        actor.ID,
		"is_enabled":      flag.IsEnabled,
	})
	return flag, nil
}

func (uc *FeatureFlagUseCase) ToggleFlag(ctx context.Context, actor entity.Actor, intent entity.ToggleIntent) (*entity.ChangeEvent, error) {
	return uc.coordinator.Toggle(ctx, actor, intent)
}

func (uc *FeatureFlagUseCase) QueryAudit(ctx context.Context, actor entity.Actor, req inbound.AuditQueryRequest) ([]*entity.AuditRecord, error) {
	if _, err := uc.authorize(ctx, actor, req.OrganizationID, entity.Role.CanToggle); err != nil {
		return nil, err
	}

	records, err := uc.audit.Query(ctx, req.Filter())
	if err != nil {
		return nil, domainerr.ErrDatabaseError("query audit", err)
	}
	return records, nil
}

func (uc *FeatureFlagUseCase) Subscribe(ctx context.Context, actor entity.Actor, organizationID string) (outbound.Subscription, error) {
	if _, err := uc.authorize(ctx, actor, organizationID, entity.Role.CanRead); err != nil {
		return nil, err
	}

	sub := uc.registry.Subscribe(organizationID, uuid.NewString())
	uc.logger.Debug(ctx, "Subscription opened", map[string]interface{}{
		"organization_id": organizationID,
		"connection_id":   sub.ID(),
		"actor_id":        actor.ID,
	})
	return sub, nil
}

func (uc *FeatureFlagUseCase) Unsubscribe(sub outbound.Subscription) {
	if sub == nil {
		return
	}
	uc.registry.Unsubscribe(sub)
}

func (uc *FeatureFlagUseCase) authorize(ctx context.Context, actor entity.Actor, organizationID string, allowed func(entity.Role) bool) (entity.Role, error) {
	if err := entity.ValidateOrganizationID(organizationID); err != nil {
		return "", domainerr.ErrInvalidRequest(err.Error(), err)
	}
	if actor.ID == "" {
		return "", domainerr.ErrUnauthenticated(entity.ErrMissingActor.Error())
	}

	role, err := uc.authorizer.Authorize(ctx, actor, organizationID)
	if err != nil && !errors.Is(err, outbound.ErrAuthorizationDenied) {
		return "", domainerr.ErrDatabaseError("authorize", err)
	}
	if err != nil || !allowed(role) {
		logger.LogSecurityEvent(ctx, uc.logger, "authorization_denied", "MEDIUM", map[string]interface{}{
			"organization_id": organizationID,
			"actor_id":        actor.ID,
			"role":            string(role),
		})
		return "", domainerr.ErrAuthorizationDenied(actor.ID, organizationID)
	}
	return role, nil
}
