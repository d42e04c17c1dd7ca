package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fixora/flagsync/application/port/outbound"
	"github.com/fixora/flagsync/domain/entity"
)

type auditKey struct {
	organizationID string
	key            string
	version        int64
}

// AuditRecorder keeps the audit trail in process memory
type AuditRecorder struct {
	mu      sync.RWMutex
	records []*entity.AuditRecord
	seen    map[auditKey]struct{}
}

// NewAuditRecorder creates an empty in-memory audit trail
func NewAuditRecorder() *AuditRecorder {
	return &AuditRecorder{seen: make(map[auditKey]struct{})}
}

var _ outbound.AuditRecorder = (*AuditRecorder)(nil)

// Append stores a copy of record unless one with the same version already exists
func (a *AuditRecorder) Append(ctx context.Context, record *entity.AuditRecord) error {
	if record == nil {
		return fmt.Errorf("audit record cannot be nil")
	}
	k := auditKey{record.OrganizationID, record.Key, record.Version}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.seen[k]; dup {
		return nil
	}
	cp := *record
	a.records = append(a.records, &cp)
	a.seen[k] = struct{}{}
	return nil
}

// Query returns matching records newest first
func (a *AuditRecorder) Query(ctx context.Context, filter entity.AuditFilter) ([]*entity.AuditRecord, error) {
	if err := entity.ValidateOrganizationID(filter.OrganizationID); err != nil {
		return nil, err
	}

	a.mu.RLock()
	var out []*entity.AuditRecord
	for _, r := range a.records {
		if filter.Matches(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	a.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Version > out[j].Version
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit := filter.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored records
func (a *AuditRecorder) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.records)
}
