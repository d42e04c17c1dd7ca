package outbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fixora/flagsync/domain/entity"
)

var (
	ErrFlagNotFound      = errors.New("feature flag not found")
	ErrFlagAlreadyExists = errors.New("feature flag already exists")
)

// VersionConflictError is returned by CompareAndSwap when the caller's
// expected version is stale. Current is the authoritative flag.
type VersionConflictError struct {
	Expected int64
	Current  *entity.FeatureFlag
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, current %d", e.Current.Key, e.Expected, e.Current.Version)
}

// CASRequest is a single compare-and-swap against one flag.
// ExpectedVersion nil means the store flips atomically under its own lock.
type CASRequest struct {
	OrganizationID  string
	Key             string
	ExpectedVersion *int64
	RequestedValue  *bool
	Actor           string
	At              time.Time
}

// Intent rebuilds the toggle intent the request was made from
func (r CASRequest) Intent() entity.ToggleIntent {
	return entity.ToggleIntent{
		OrganizationID:  r.OrganizationID,
		Key:             r.Key,
		ExpectedVersion: r.ExpectedVersion,
		RequestedValue:  r.RequestedValue,
	}
}

// FlagStore is the authoritative, versioned flag table partitioned by organization.
type FlagStore interface {
	// Get returns ErrFlagNotFound when the key does not exist in the organization
	Get(ctx context.Context, organizationID, key string) (*entity.FeatureFlag, error)

	// List returns every active flag of the organization ordered by key
	List(ctx context.Context, organizationID string) ([]*entity.FeatureFlag, error)

	// Create inserts a flag at version 0; ErrFlagAlreadyExists on duplicates
	Create(ctx context.Context, flag *entity.FeatureFlag) error

	// CompareAndSwap is the only mutation path. On success the audit record for
	// the transition is committed in the same unit of work as the flag row.
	// Errors: ErrFlagNotFound, *VersionConflictError.
	CompareAndSwap(ctx context.Context, req CASRequest) (*entity.FlagTransition, error)
}
