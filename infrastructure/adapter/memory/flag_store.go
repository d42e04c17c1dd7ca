package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fixora/flagsync/application/port/outbound"
	"github.com/fixora/flagsync/domain/entity"
	"github.com/fixora/flagsync/pkg/keylock"
)

type flagID struct {
	organizationID string
	key            string
}

// FlagStore is an in-process FlagStore. Each compare-and-swap holds the
// (organization, key) lock for its whole read-modify-write, and the audit
// append happens before the new row becomes visible.
type FlagStore struct {
	mu    sync.RWMutex
	flags map[flagID]*entity.FeatureFlag
	locks *keylock.Map
	audit outbound.AuditRecorder
	now   func() time.Time
}

// NewFlagStore creates an empty store writing its audit trail to audit
func NewFlagStore(audit outbound.AuditRecorder) *FlagStore {
	return &FlagStore{
		flags: make(map[flagID]*entity.FeatureFlag),
		locks: keylock.New(),
		audit: audit,
		now:   time.Now,
	}
}

var _ outbound.FlagStore = (*FlagStore)(nil)

// Get returns a copy of the stored flag
func (s *FlagStore) Get(ctx context.Context, organizationID, key string) (*entity.FeatureFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flags[flagID{organizationID, key}]
	if !ok {
		return nil, outbound.ErrFlagNotFound
	}
	cp := *f
	return &cp, nil
}

// List returns the organization's flags ordered by key
func (s *FlagStore) List(ctx context.Context, organizationID string) ([]*entity.FeatureFlag, error) {
	s.mu.RLock()
	out := make([]*entity.FeatureFlag, 0)
	for id, f := range s.flags {
		if id.organizationID == organizationID {
			cp := *f
			out = append(out, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Create inserts a new flag at version 0
func (s *FlagStore) Create(ctx context.Context, flag *entity.FeatureFlag) error {
	if flag == nil {
		return fmt.Errorf("feature flag cannot be nil")
	}
	if err := flag.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := flagID{flag.OrganizationID, flag.Key}
	if _, exists := s.flags[id]; exists {
		return outbound.ErrFlagAlreadyExists
	}
	cp := *flag
	cp.Version = 0
	s.flags[id] = &cp
	return nil
}

// CompareAndSwap applies the request atomically for its (organization, key)
func (s *FlagStore) CompareAndSwap(ctx context.Context, req outbound.CASRequest) (*entity.FlagTransition, error) {
	unlock := s.locks.Lock(keylock.Key(req.OrganizationID, req.Key))
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	current, err := s.Get(ctx, req.OrganizationID, req.Key)
	if err != nil {
		return nil, err
	}

	if req.ExpectedVersion != nil && *req.ExpectedVersion != current.Version {
		return nil, &outbound.VersionConflictError{Expected: *req.ExpectedVersion, Current: current}
	}

	at := req.At
	if at.IsZero() {
		at = s.now()
	}
	next := current.Transition(req.Intent().Resolve(current.IsEnabled), req.Actor, at)
	transition := &entity.FlagTransition{Previous: *current, Current: next}

	if err := s.audit.Append(ctx, transition.AuditRecord(uuid.NewString())); err != nil {
		return nil, fmt.Errorf("failed to append audit record: %w", err)
	}

	s.mu.Lock()
	stored := next
	s.flags[flagID{req.OrganizationID, req.Key}] = &stored
	s.mu.Unlock()

	return transition, nil
}
