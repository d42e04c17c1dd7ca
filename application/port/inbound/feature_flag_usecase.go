package inbound

import (
	"context"
	"time"

	"github.com/fixora/flagsync/application/port/outbound"
	"github.com/fixora/flagsync/domain/entity"
)

// Create Flag
type CreateFlagRequest struct {
	OrganizationID string `json:"-"`
	Key            string `json:"key" validate:"required"`
	Description    string `json:"description"`
	Category       string `json:"category"`
	IsEnabled      bool   `json:"is_enabled"`
}

// Toggle Flag
type ToggleFlagRequest struct {
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
	IsEnabled       *bool  `json:"is_enabled,omitempty"`
}

// List Flags
type ListFlagsResponse struct {
	OrganizationID string                `json:"organization_id"`
	Flags          []*entity.FeatureFlag `json:"flags"`
	Total          int                   `json:"total"`
	Enabled        int                   `json:"enabled"`
}

// Audit Query
type AuditQueryRequest struct {
	OrganizationID string
	Key            string
	Actor          string
	Since          time.Time
	Until          time.Time
	Limit          int
}

// Filter converts the request into the recorder filter
func (r AuditQueryRequest) Filter() entity.AuditFilter {
	return entity.AuditFilter{
		OrganizationID: r.OrganizationID,
		Key:            r.Key,
		Actor:          r.Actor,
		Since:          r.Since,
		Until:          r.Until,
		Limit:          r.Limit,
	}
}

// FeatureFlagUseCase is the upward surface: listFlags, toggleFlag and subscribe,
// plus the administrative create and the audit read path.
type FeatureFlagUseCase interface {
	ListFlags(ctx context.Context, actor entity.Actor, organizationID string) (*ListFlagsResponse, error)
	CreateFlag(ctx context.Context, actor entity.Actor, req CreateFlagRequest) (*entity.FeatureFlag, error)
	ToggleFlag(ctx context.Context, actor entity.Actor, intent entity.ToggleIntent) (*entity.ChangeEvent, error)
	QueryAudit(ctx context.Context, actor entity.Actor, req AuditQueryRequest) ([]*entity.AuditRecord, error)
	Subscribe(ctx context.Context, actor entity.Actor, organizationID string) (outbound.Subscription, error)
	Unsubscribe(sub outbound.Subscription)
}
