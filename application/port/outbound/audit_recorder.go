package outbound

import (
	"context"

	"github.com/fixora/flagsync/domain/entity"
)

// AuditRecorder is the append-only audit trail of accepted toggles.
type AuditRecorder interface {
	// Append is idempotent by (organization, key, version)
	Append(ctx context.Context, record *entity.AuditRecord) error

	// Query returns records newest first
	Query(ctx context.Context, filter entity.AuditFilter) ([]*entity.AuditRecord, error)
}
