package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixora/flagsync/application/port/inbound"
	"github.com/fixora/flagsync/application/port/outbound"
	"github.com/fixora/flagsync/domain/entity"
	domainerr "github.com/fixora/flagsync/domain/error"
	"github.com/fixora/flagsync/infrastructure/realtime"
	"github.com/fixora/flagsync/infrastructure/service/logger"
)

type useCaseFixture struct {
	*coordinatorFixture
	registry *realtime.Registry
	uc       inbound.FeatureFlagUseCase
}

func newUseCaseFixture(t *testing.T, role entity.Role) *useCaseFixture {
	f := newCoordinatorFixture(t, role)
	registry := realtime.NewRegistry(8, logger.NewNopLogger())
	uc := NewFeatureFlagUseCase(f.store, f.audit, f.authorizer, registry, f.publisher, f.coordinator, logger.NewNopLogger())
	return &useCaseFixture{coordinatorFixture: f, registry: registry, uc: uc}
}

func TestFeatureFlagUseCase_ListFlags(t *testing.T) {
	ctx := context.Background()
	f := newUseCaseFixture(t, entity.RoleViewer)
	f.seed(t, "org-a", "dark-mode", true)
	f.seed(t, "org-a", "beta-ui", false)
	f.seed(t, "org-b", "secret", true)

	resp, err := f.uc.ListFlags(ctx, alice, "org-a")
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, 1, resp.Enabled)
	assert.Equal(t, "beta-ui", resp.Flags[0].Key)

	_, err = f.uc.ListFlags(ctx, alice, "org-b")
	assert.Equal(t, domainerr.ErrCodeAuthorizationDenied, domainerr.CodeOf(err))

	_, err = f.uc.ListFlags(ctx, alice, "org a")
	assert.Equal(t, domainerr.ErrCodeInvalidRequest, domainerr.CodeOf(err))
}

func TestFeatureFlagUseCase_CreateFlag(t *testing.T) {
	ctx := context.Background()

	t.Run("admin creates at version zero and publishes", func(t *testing.T) {
		f := newUseCaseFixture(t, entity.RoleAdmin)
		flag, err := f.uc.CreateFlag(ctx, alice, inbound.CreateFlagRequest{OrganizationID: "org-a", Key: "beta-ui", Category: "UI"})
		require.NoError(t, err)
		assert.Equal(t, int64(0), flag.Version)
		assert.Equal(t, "alice", flag.UpdatedBy)

		events := f.publisher.Events()
		require.Len(t, events, 1)
		assert.Equal(t, "beta-ui", events[0].Key)
		assert.Equal(t, 0, f.audit.Len())
	})

	t.Run("duplicate key", func(t *testing.T) {
		f := newUseCaseFixture(t, entity.RoleAdmin)
		f.seed(t, "org-a", "beta-ui", false)
		_, err := f.uc.CreateFlag(ctx, alice, inbound.CreateFlagRequest{OrganizationID: "org-a", Key: "beta-ui"})
		assert.Equal(t, domainerr.ErrCodeFlagAlreadyExists, domainerr.CodeOf(err))
	})

	t.Run("invalid key", func(t *testing.T) {
		f := newUseCaseFixture(t, entity.RoleAdmin)
		_, err := f.uc.CreateFlag(ctx, alice, inbound.CreateFlagRequest{OrganizationID: "org-a", Key: "-nope"})
		assert.Equal(t, domainerr.ErrCodeInvalidRequest, domainerr.CodeOf(err))
	})

	t.Run("viewer is denied", func(t *testing.T) {
		f := newUseCaseFixture(t, entity.RoleViewer)
		_, err := f.uc.CreateFlag(ctx, alice, inbound.CreateFlagRequest{OrganizationID: "org-a", Key: "beta-ui"})
		assert.Equal(t, domainerr.ErrCodeAuthorizationDenied, domainerr.CodeOf(err))
	})
}

func TestFeatureFlagUseCase_QueryAudit(t *testing.T) {
	ctx := context.Background()
	f := newUseCaseFixture(t, entity.RoleAdmin)
	f.seed(t, "org-a", "beta-ui", false)
	for i := 0; i < 3; i++ {
		_, err := f.uc.ToggleFlag(ctx, alice, entity.ToggleIntent{OrganizationID: "org-a", Key: "beta-ui"})
		require.NoError(t, err)
	}

	records, err := f.uc.QueryAudit(ctx, alice, inbound.AuditQueryRequest{OrganizationID: "org-a", Key: "beta-ui", Limit: 2})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(3), records[0].Version)
	assert.Equal(t, int64(2), records[1].Version)
}

func TestFeatureFlagUseCase_SubscribeIsTenantScoped(t *testing.T) {
	ctx := context.Background()
	f := newUseCaseFixture(t, entity.RoleViewer)

	sub, err := f.uc.Subscribe(ctx, alice, "org-a")
	require.NoError(t, err)
	defer f.uc.Unsubscribe(sub)
	assert.Equal(t, "org-a", sub.OrganizationID())
	assert.NotEmpty(t, sub.ID())

	_, err = f.uc.Subscribe(ctx, alice, "org-b")
	assert.Equal(t, domainerr.ErrCodeAuthorizationDenied, domainerr.CodeOf(err))

	f.registry.Publish("org-b", entity.ChangeEvent{OrganizationID: "org-b", Key: "secret", Version: 1})
	f.registry.Publish("org-a", entity.ChangeEvent{OrganizationID: "org-a", Key: "beta-ui", Version: 1})

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "org-a", ev.OrganizationID)
		assert.Equal(t, "beta-ui", ev.Key)
	case <-time.After(time.Second):
		t.Fatal("expected an event for org-a")
	}
}

var _ outbound.EventPublisher = (*recordingPublisher)(nil)
