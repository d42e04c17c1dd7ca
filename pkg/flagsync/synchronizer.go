// Package flagsync keeps a client-side snapshot of one organization's feature
// flags converged with the service. Toggles are applied optimistically and
// confirmed, reverted or reconciled as the service answers.
package flagsync

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fixora/flagsync/domain/entity"
	"github.com/fixora/flagsync/infrastructure/service/logger"
	"github.com/fixora/flagsync/pkg/backoff"
	apperror "github.com/fixora/flagsync/pkg/error"
)

const (
	DefaultToggleTimeout = 5 * time.Second
	DefaultReconnectBase = 500 * time.Millisecond
	DefaultReconnectCap  = 30 * time.Second
)

var (
	ErrNotReady    = errors.New("flag list has not been loaded yet")
	ErrUnknownFlag = errors.New("flag is not in the local snapshot")
)

// State is the per-key synchronization state
type State int

const (
	StateReconciling State = iota
	StateSynced
	StatePendingLocal
)

func (s State) String() string {
	switch s {
	case StateSynced:
		return "synced"
	case StatePendingLocal:
		return "pending"
	default:
		return "reconciling"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Config struct {
	OrganizationID string
	ToggleTimeout  time.Duration
	Reconnect      backoff.Policy
	Logger         logger.Logger
}

type entry struct {
	flag     entity.FeatureFlag
	state    State
	lastSeen int64
	// pending identifies the local toggle this key is waiting on, 0 when none
	pending uint64
}

type Synchronizer struct {
	transport     Transport
	org           string
	toggleTimeout time.Duration
	reconnect     backoff.Policy
	logger        logger.Logger

	mu       sync.Mutex
	flags    map[string]*entry
	ready    bool
	degraded bool
	seq      uint64
	baseCtx  context.Context
	// gen advances whenever a list read earlier can no longer be trusted
	gen uint64

	resyncs  singleflight.Group
	inflight sync.WaitGroup
	changes  chan struct{}
}

func NewSynchronizer(transport Transport, cfg Config) (*Synchronizer, error) {
	if err := entity.ValidateOrganizationID(cfg.OrganizationID); err != nil {
		return nil, err
	}
	if cfg.ToggleTimeout <= 0 {
		cfg.ToggleTimeout = DefaultToggleTimeout
	}
	if cfg.Reconnect.Base <= 0 {
		cfg.Reconnect.Base = DefaultReconnectBase
	}
	if cfg.Reconnect.Cap <= 0 {
		cfg.Reconnect.Cap = DefaultReconnectCap
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNopLogger()
	}

	return &Synchronizer{
		transport:     transport,
		org:           cfg.OrganizationID,
		toggleTimeout: cfg.ToggleTimeout,
		reconnect:     cfg.Reconnect,
		logger:        cfg.Logger.WithFields(map[string]interface{}{"organization_id": cfg.OrganizationID}),
		flags:         make(map[string]*entry),
		baseCtx:       context.Background(),
		changes:       make(chan struct{}, 1),
	}, nil
}

// Changes signals after every change to the snapshot. Signals coalesce.
func (s *Synchronizer) Changes() <-chan struct{} {
	return s.changes
}

// Run keeps the event stream open until ctx is done. Every (re)connect is
// followed by a full resync; a lost stream marks every key reconciling and
// reconnects with jittered exponential backoff.
func (s *Synchronizer) Run(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	attempt := 0
	for {
		err := s.transport.Subscribe(ctx, s.org, StreamHandler{
			OnConnected: func(ctx context.Context) error {
				s.invalidate()
				if err := s.Resync(ctx); err != nil {
					return err
				}
				s.recovered()
				attempt = 0
				return nil
			},
			OnEvent: s.apply,
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.markLost(ctx, err)

		wait := s.reconnect.Delay(attempt)
		attempt++
		s.logger.Debug(ctx, "Reconnecting flag stream", map[string]interface{}{
			"retry_in": wait.String(),
			"attempt":  attempt,
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Toggle flips key locally and asks the service to apply the same value.
// It returns once the optimistic value is visible in the snapshot.
func (s *Synchronizer) Toggle(key string) error {
	s.mu.Lock()
	e, ok := s.flags[key]
	if !ok {
		ready := s.ready
		s.mu.Unlock()
		if !ready {
			return ErrNotReady
		}
		return ErrUnknownFlag
	}

	requested := !e.flag.IsEnabled
	expected := e.lastSeen
	e.flag.IsEnabled = requested
	e.state = StatePendingLocal
	s.seq++
	e.pending = s.seq
	token := s.seq
	base := s.baseCtx
	s.inflight.Add(1)
	s.mu.Unlock()
	s.notify()

	go s.confirm(base, token, entity.ToggleIntent{
		OrganizationID:  s.org,
		Key:             key,
		ExpectedVersion: &expected,
		RequestedValue:  &requested,
	})
	return nil
}

// Wait blocks until every toggle sent so far has been answered or timed out
func (s *Synchronizer) Wait() {
	s.inflight.Wait()
}

func (s *Synchronizer) confirm(base context.Context, token uint64, intent entity.ToggleIntent) {
	defer s.inflight.Done()

	ctx, cancel := context.WithTimeout(base, s.toggleTimeout)
	ev, err := s.transport.Toggle(ctx, intent)
	cancel()

	needResync := false
	s.mu.Lock()
	e, ok := s.flags[intent.Key]
	switch {
	case !ok:
		needResync = err == nil
	case err == nil:
		applyEvent(e, *ev)
		if e.pending == token {
			e.pending = 0
			e.state = s.settledLocked()
		}
	case e.pending != token:
		// superseded by a newer toggle or an authoritative event
	default:
		e.pending = 0
		e.state = StateReconciling
		needResync = true
		if rej, isRej := apperror.AsRejection(err); isRej {
			e.flag.IsEnabled = !*intent.RequestedValue
			if rej.Current != nil {
				applyFlag(e, *rej.Current)
			}
		}
	}
	s.mu.Unlock()
	s.notify()

	if err != nil {
		s.logger.Warn(base, "Toggle not confirmed", map[string]interface{}{
			"key":   intent.Key,
			"error": err.Error(),
		})
	}
	if needResync {
		s.invalidate()
		if err := s.Resync(base); err != nil {
			s.logger.Warn(base, "Resync after toggle failed", map[string]interface{}{
				"key":   intent.Key,
				"error": err.Error(),
			})
		}
	}
}

// Resync reloads the full flag list. Concurrent calls share one request, but
// never one that was issued before the stream was lost or reconnected: such
// a list is discarded and read again.
func (s *Synchronizer) Resync(ctx context.Context) error {
	for {
		gen := s.generation()
		merged, err, _ := s.resyncs.Do(strconv.FormatUint(gen, 10), func() (interface{}, error) {
			flags, err := s.transport.List(ctx, s.org)
			if err != nil {
				return false, err
			}
			return s.merge(gen, flags), nil
		})
		if err != nil {
			return err
		}
		if merged.(bool) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s.logger.Debug(ctx, "Discarded superseded flag list", map[string]interface{}{
			"generation": gen,
		})
	}
}

func (s *Synchronizer) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

func (s *Synchronizer) invalidate() {
	s.mu.Lock()
	s.gen++
	s.mu.Unlock()
}

// merge takes the listed value unless the local one is newer. Keys with an
// unanswered local toggle keep their optimistic value; keys missing from
// the list are dropped. A list read under an older generation is rejected.
func (s *Synchronizer) merge(gen uint64, flags []entity.FeatureFlag) bool {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return false
	}
	settled := s.settledLocked()
	listed := make(map[string]struct{}, len(flags))
	for _, f := range flags {
		if f.OrganizationID != s.org {
			continue
		}
		listed[f.Key] = struct{}{}

		e, ok := s.flags[f.Key]
		if !ok {
			s.flags[f.Key] = &entry{flag: f, state: settled, lastSeen: f.Version}
			continue
		}
		if e.state == StatePendingLocal {
			continue
		}
		applyFlag(e, f)
		e.state = settled
	}
	for key, e := range s.flags {
		if _, ok := listed[key]; !ok && e.state != StatePendingLocal {
			delete(s.flags, key)
		}
	}
	s.ready = true
	s.mu.Unlock()
	s.notify()
	return true
}

func (s *Synchronizer) apply(ev entity.ChangeEvent) {
	if ev.OrganizationID != s.org {
		s.logger.Warn(context.Background(), "Dropped event for another organization", map[string]interface{}{
			"event_organization_id": ev.OrganizationID,
			"key":                   ev.Key,
		})
		return
	}

	s.mu.Lock()
	e, ok := s.flags[ev.Key]
	if !ok {
		if !s.ready {
			s.mu.Unlock()
			return
		}
		e = &entry{flag: entity.FeatureFlag{OrganizationID: ev.OrganizationID, Key: ev.Key}, lastSeen: -1}
		s.flags[ev.Key] = e
	}
	if !applyEvent(e, ev) {
		s.mu.Unlock()
		s.logger.Debug(context.Background(), "Discarded stale event", map[string]interface{}{
			"key":     ev.Key,
			"version": ev.Version,
		})
		return
	}
	e.pending = 0
	e.state = s.settledLocked()
	s.mu.Unlock()
	s.notify()
}

func (s *Synchronizer) markLost(ctx context.Context, cause error) {
	s.mu.Lock()
	s.gen++
	s.degraded = true
	for _, e := range s.flags {
		e.state = StateReconciling
	}
	s.mu.Unlock()
	s.notify()

	fields := map[string]interface{}{}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	s.logger.Warn(ctx, "Flag stream lost", fields)
}

// recovered clears the degraded indicator once the post-connect list has
// been merged, settling every key not waiting on a local toggle.
func (s *Synchronizer) recovered() {
	s.mu.Lock()
	s.degraded = false
	for _, e := range s.flags {
		if e.state == StateReconciling && e.pending == 0 {
			e.state = StateSynced
		}
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Synchronizer) settledLocked() State {
	if s.degraded {
		return StateReconciling
	}
	return StateSynced
}

func (s *Synchronizer) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// applyEvent applies ev if it is newer than anything seen for the key
func applyEvent(e *entry, ev entity.ChangeEvent) bool {
	if ev.Version <= e.lastSeen {
		return false
	}
	e.flag.IsEnabled = ev.IsEnabled
	e.flag.Version = ev.Version
	e.flag.UpdatedAt = ev.UpdatedAt
	e.flag.UpdatedBy = ev.UpdatedBy
	e.lastSeen = ev.Version
	return true
}

func applyFlag(e *entry, f entity.FeatureFlag) {
	if f.Version < e.lastSeen {
		return
	}
	e.flag = f
	e.lastSeen = f.Version
}

// FlagView is one flag as the client currently shows it
type FlagView struct {
	entity.FeatureFlag
	State State `json:"state"`
}

type Snapshot struct {
	OrganizationID string     `json:"organization_id"`
	Flags          []FlagView `json:"flags"`
	Ready          bool       `json:"ready"`
	Degraded       bool       `json:"degraded"`
}

// Snapshot returns a copy of the local view ordered by key
func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	flags := make([]FlagView, 0, len(s.flags))
	for _, e := range s.flags {
		flags = append(flags, FlagView{FeatureFlag: e.flag, State: e.state})
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i].Key < flags[j].Key })

	return Snapshot{
		OrganizationID: s.org,
		Flags:          flags,
		Ready:          s.ready,
		Degraded:       s.degraded,
	}
}

func (s Snapshot) Flag(key string) (FlagView, bool) {
	for _, f := range s.Flags {
		if f.Key == key {
			return f, true
		}
	}
	return FlagView{}, false
}

func (s Snapshot) EnabledCount() int {
	n := 0
	for _, f := range s.Flags {
		if f.IsEnabled {
			n++
		}
	}
	return n
}

// GroupByCategory buckets flags by display category, keeping their order
func GroupByCategory(flags []FlagView) map[string][]FlagView {
	groups := make(map[string][]FlagView)
	for _, f := range flags {
		category := f.CategoryOrDefault()
		groups[category] = append(groups[category], f)
	}
	return groups
}
