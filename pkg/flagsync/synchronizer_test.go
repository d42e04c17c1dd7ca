package flagsync

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixora/flagsync/domain/entity"
	"github.com/fixora/flagsync/pkg/backoff"
	apperror "github.com/fixora/flagsync/pkg/error"
)

// fakeTransport is an in-process service for one organization
type fakeTransport struct {
	mu            sync.Mutex
	flags         map[string]entity.FeatureFlag
	listCalls     int
	subscribes    int
	failSubscribe bool
	stream        chan entity.ChangeEvent
	listGate      chan struct{}
	holdNext      chan struct{}
	toggleFn      func(ctx context.Context, intent entity.ToggleIntent) (*entity.ChangeEvent, error)
}

func newFakeTransport(flags ...entity.FeatureFlag) *fakeTransport {
	ft := &fakeTransport{flags: make(map[string]entity.FeatureFlag)}
	for _, f := range flags {
		ft.flags[f.Key] = f
	}
	return ft
}

func (f *fakeTransport) List(ctx context.Context, organizationID string) ([]entity.FeatureFlag, error) {
	f.mu.Lock()
	f.listCalls++
	gate := f.listGate
	if hold := f.holdNext; hold != nil {
		// answer with what the service held when the request was read
		f.holdNext = nil
		out := f.snapshotLocked()
		f.mu.Unlock()
		select {
		case <-hold:
			return out, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked(), nil
}

func (f *fakeTransport) snapshotLocked() []entity.FeatureFlag {
	out := make([]entity.FeatureFlag, 0, len(f.flags))
	for _, flag := range f.flags {
		out = append(out, flag)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (f *fakeTransport) Toggle(ctx context.Context, intent entity.ToggleIntent) (*entity.ChangeEvent, error) {
	f.mu.Lock()
	fn := f.toggleFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, intent)
	}
	return f.commit(intent)
}

func (f *fakeTransport) commit(intent entity.ToggleIntent) (*entity.ChangeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cur, ok := f.flags[intent.Key]
	if !ok {
		return nil, &apperror.AppError{Status: http.StatusNotFound, Code: "FLAG_1001", Reason: "unknown-flag"}
	}
	if intent.ExpectedVersion != nil && *intent.ExpectedVersion != cur.Version {
		current := cur
		return nil, &apperror.AppError{Status: http.StatusConflict, Code: "FLAG_1002", Reason: "stale-version", Current: &current}
	}

	next := cur.Transition(intent.Resolve(cur.IsEnabled), "alice", time.Now())
	f.flags[intent.Key] = next
	ev := next.ChangeEvent()
	if f.stream != nil {
		select {
		case f.stream <- ev:
		default:
		}
	}
	return &ev, nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, organizationID string, h StreamHandler) error {
	f.mu.Lock()
	f.subscribes++
	if f.failSubscribe {
		f.mu.Unlock()
		return errors.New("connection refused")
	}
	stream := make(chan entity.ChangeEvent, 64)
	f.stream = stream
	f.mu.Unlock()

	if err := h.OnConnected(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-stream:
			if !ok {
				return ErrStreamClosed
			}
			h.OnEvent(ev)
		}
	}
}

func (f *fakeTransport) push(ev entity.ChangeEvent) {
	f.mu.Lock()
	stream := f.stream
	f.mu.Unlock()
	stream <- ev
}

// drop closes the live stream; failReconnect keeps the next attempts failing
func (f *fakeTransport) drop(failReconnect bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.stream)
	f.stream = nil
	f.failSubscribe = failReconnect
}

func (f *fakeTransport) allowReconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSubscribe = false
}

func (f *fakeTransport) setFlag(flag entity.FeatureFlag) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags[flag.Key] = flag
}

func (f *fakeTransport) setToggle(fn func(ctx context.Context, intent entity.ToggleIntent) (*entity.ChangeEvent, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toggleFn = fn
}

func (f *fakeTransport) counts() (lists, subscribes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, f.subscribes
}

func flag(key string, enabled bool, version int64) entity.FeatureFlag {
	return entity.FeatureFlag{OrganizationID: "org-a", Key: key, IsEnabled: enabled, Version: version}
}

func startSynchronizer(t *testing.T, ft *fakeTransport, cfg Config) *Synchronizer {
	t.Helper()
	cfg.OrganizationID = "org-a"
	if cfg.Reconnect.Base == 0 {
		cfg.Reconnect = backoff.Policy{Base: 5 * time.Millisecond, Cap: 20 * time.Millisecond}
	}
	s, err := NewSynchronizer(ft, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		s.Wait()
	})

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.Ready && !snap.Degraded
	}, time.Second, 5*time.Millisecond)
	return s
}

func viewOf(t *testing.T, s *Synchronizer, key string) FlagView {
	t.Helper()
	v, ok := s.Snapshot().Flag(key)
	require.True(t, ok, "flag %s missing from snapshot", key)
	return v
}

func TestSynchronizer_InitialLoad(t *testing.T) {
	ft := newFakeTransport(flag("beta-ui", true, 4), flag("dark_mode_ui", false, 0))
	s := startSynchronizer(t, ft, Config{})

	snap := s.Snapshot()
	require.Len(t, snap.Flags, 2)
	assert.Equal(t, "beta-ui", snap.Flags[0].Key)
	assert.Equal(t, 1, snap.EnabledCount())
	for _, f := range snap.Flags {
		assert.Equal(t, StateSynced, f.State)
	}
}

func TestSynchronizer_NotReadyBeforeFirstList(t *testing.T) {
	s, err := NewSynchronizer(newFakeTransport(), Config{OrganizationID: "org-a"})
	require.NoError(t, err)

	assert.ErrorIs(t, s.Toggle("beta-ui"), ErrNotReady)
	assert.False(t, s.Snapshot().Ready)

	_, err = NewSynchronizer(newFakeTransport(), Config{OrganizationID: "org a"})
	assert.ErrorIs(t, err, entity.ErrInvalidOrganizationID)
}

func TestSynchronizer_OptimisticToggleIsConfirmed(t *testing.T) {
	ft := newFakeTransport(flag("beta-ui", true, 4))
	s := startSynchronizer(t, ft, Config{})

	gate := make(chan struct{})
	ft.setToggle(func(ctx context.Context, intent entity.ToggleIntent) (*entity.ChangeEvent, error) {
		<-gate
		return ft.commit(intent)
	})

	require.NoError(t, s.Toggle("beta-ui"))

	pending := viewOf(t, s, "beta-ui")
	assert.False(t, pending.IsEnabled)
	assert.Equal(t, StatePendingLocal, pending.State)

	close(gate)
	s.Wait()

	confirmed := viewOf(t, s, "beta-ui")
	assert.False(t, confirmed.IsEnabled)
	assert.Equal(t, int64(5), confirmed.Version)
	assert.Equal(t, StateSynced, confirmed.State)

	assert.ErrorIs(t, s.Toggle("missing"), ErrUnknownFlag)
}

func TestSynchronizer_RejectionRevertsAndResyncs(t *testing.T) {
	ft := newFakeTransport(flag("beta-ui", true, 4))
	s := startSynchronizer(t, ft, Config{})
	listsBefore, _ := ft.counts()

	ft.setToggle(func(ctx context.Context, intent entity.ToggleIntent) (*entity.ChangeEvent, error) {
		return nil, &apperror.AppError{Status: http.StatusForbidden, Code: "AUTHZ_2001", Reason: "unauthorized"}
	})

	require.NoError(t, s.Toggle("beta-ui"))
	s.Wait()

	v := viewOf(t, s, "beta-ui")
	assert.True(t, v.IsEnabled)
	assert.Equal(t, int64(4), v.Version)
	assert.Equal(t, StateSynced, v.State)

	lists, _ := ft.counts()
	assert.Equal(t, listsBefore+1, lists)
}

func TestSynchronizer_StaleVersionAdoptsCurrent(t *testing.T) {
	ft := newFakeTransport(flag("beta-ui", true, 4))
	s := startSynchronizer(t, ft, Config{})

	// Another client moved the flag without the event reaching us yet.
	ft.setFlag(flag("beta-ui", false, 5))

	require.NoError(t, s.Toggle("beta-ui"))
	s.Wait()

	v := viewOf(t, s, "beta-ui")
	assert.False(t, v.IsEnabled)
	assert.Equal(t, int64(5), v.Version)
	assert.Equal(t, StateSynced, v.State)
}

func TestSynchronizer_ToggleTimeoutReconciles(t *testing.T) {
	ft := newFakeTransport(flag("beta-ui", true, 4))
	s := startSynchronizer(t, ft, Config{ToggleTimeout: 20 * time.Millisecond})
	listsBefore, _ := ft.counts()

	ft.setToggle(func(ctx context.Context, intent entity.ToggleIntent) (*entity.ChangeEvent, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	require.NoError(t, s.Toggle("beta-ui"))
	assert.Equal(t, StatePendingLocal, viewOf(t, s, "beta-ui").State)
	s.Wait()

	v := viewOf(t, s, "beta-ui")
	assert.True(t, v.IsEnabled, "authoritative value restored by resync")
	assert.Equal(t, StateSynced, v.State)

	lists, _ := ft.counts()
	assert.Equal(t, listsBefore+1, lists)
}

func TestSynchronizer_DiscardsOutOfOrderEvents(t *testing.T) {
	ft := newFakeTransport(flag("beta-ui", true, 7), flag("dark_mode_ui", false, 0))
	s := startSynchronizer(t, ft, Config{})

	ft.push(entity.ChangeEvent{OrganizationID: "org-a", Key: "beta-ui", IsEnabled: false, Version: 5})
	ft.push(entity.ChangeEvent{OrganizationID: "org-a", Key: "beta-ui", IsEnabled: true, Version: 7})
	ft.push(entity.ChangeEvent{OrganizationID: "org-a", Key: "dark_mode_ui", IsEnabled: true, Version: 1})

	require.Eventually(t, func() bool {
		v, _ := s.Snapshot().Flag("dark_mode_ui")
		return v.Version == 1
	}, time.Second, 5*time.Millisecond)

	v := viewOf(t, s, "beta-ui")
	assert.True(t, v.IsEnabled)
	assert.Equal(t, int64(7), v.Version)
}

func TestSynchronizer_EventsUpdateOnlyTheirKey(t *testing.T) {
	ft := newFakeTransport(flag("beta-ui", true, 4), flag("dark_mode_ui", false, 2))
	s := startSynchronizer(t, ft, Config{})

	ft.push(entity.ChangeEvent{OrganizationID: "org-b", Key: "beta-ui", IsEnabled: false, Version: 99})
	ft.push(entity.ChangeEvent{OrganizationID: "org-a", Key: "dark_mode_ui", IsEnabled: true, Version: 3})
	ft.push(entity.ChangeEvent{OrganizationID: "org-a", Key: "new_flag", IsEnabled: false, Version: 0})

	require.Eventually(t, func() bool {
		_, ok := s.Snapshot().Flag("new_flag")
		return ok
	}, time.Second, 5*time.Millisecond)

	beta := viewOf(t, s, "beta-ui")
	assert.True(t, beta.IsEnabled)
	assert.Equal(t, int64(4), beta.Version)

	dark := viewOf(t, s, "dark_mode_ui")
	assert.True(t, dark.IsEnabled)
	assert.Equal(t, StateSynced, dark.State)
}

func TestSynchronizer_ReconnectConverges(t *testing.T) {
	ft := newFakeTransport(flag("beta-ui", true, 4), flag("dark_mode_ui", false, 0))
	s := startSynchronizer(t, ft, Config{})

	ft.drop(true)
	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		if !snap.Degraded {
			return false
		}
		for _, f := range snap.Flags {
			if f.State != StateReconciling {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)

	// Changes made while disconnected are never sent as events.
	ft.setFlag(flag("beta-ui", false, 8))
	ft.allowReconnect()

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		v, _ := snap.Flag("beta-ui")
		return !snap.Degraded && v.Version == 8 && v.State == StateSynced
	}, 2*time.Second, 5*time.Millisecond)

	assert.False(t, viewOf(t, s, "beta-ui").IsEnabled)
	_, subscribes := ft.counts()
	assert.GreaterOrEqual(t, subscribes, 2)
}

func TestSynchronizer_ReconnectIgnoresListReadBeforeOutage(t *testing.T) {
	ft := newFakeTransport(flag("beta-ui", true, 4))
	s := startSynchronizer(t, ft, Config{})
	listsBefore, _ := ft.counts()

	hold := make(chan struct{})
	ft.mu.Lock()
	ft.holdNext = hold
	ft.mu.Unlock()

	pending := make(chan error, 1)
	go func() { pending <- s.Resync(context.Background()) }()
	require.Eventually(t, func() bool {
		lists, _ := ft.counts()
		return lists == listsBefore+1
	}, time.Second, 5*time.Millisecond)

	ft.drop(true)
	require.Eventually(t, func() bool { return s.Snapshot().Degraded }, time.Second, 5*time.Millisecond)

	// committed while disconnected, never sent as an event
	ft.setFlag(flag("beta-ui", false, 5))
	ft.allowReconnect()

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		v, _ := snap.Flag("beta-ui")
		return !snap.Degraded && v.Version == 5 && v.State == StateSynced
	}, 2*time.Second, 5*time.Millisecond)

	close(hold)
	select {
	case err := <-pending:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("held resync never returned")
	}

	v := viewOf(t, s, "beta-ui")
	assert.False(t, v.IsEnabled)
	assert.Equal(t, int64(5), v.Version)
	assert.Equal(t, StateSynced, v.State)
}

func TestSynchronizer_DegradedUntilReconnectResyncCompletes(t *testing.T) {
	ft := newFakeTransport(flag("beta-ui", true, 4))
	s := startSynchronizer(t, ft, Config{})

	ft.drop(true)
	require.Eventually(t, func() bool { return s.Snapshot().Degraded }, time.Second, 5*time.Millisecond)

	gate := make(chan struct{})
	ft.mu.Lock()
	ft.listGate = gate
	ft.mu.Unlock()
	_, subscribesBefore := ft.counts()
	listsBefore, _ := ft.counts()
	ft.allowReconnect()

	require.Eventually(t, func() bool {
		lists, subscribes := ft.counts()
		return subscribes > subscribesBefore && lists > listsBefore
	}, 2*time.Second, 5*time.Millisecond)

	snap := s.Snapshot()
	assert.True(t, snap.Degraded)
	v, _ := snap.Flag("beta-ui")
	assert.Equal(t, StateReconciling, v.State)

	close(gate)
	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		v, _ := snap.Flag("beta-ui")
		return !snap.Degraded && v.State == StateSynced
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSynchronizer_ConcurrentResyncsAreCoalesced(t *testing.T) {
	ft := newFakeTransport(flag("beta-ui", true, 4))
	s := startSynchronizer(t, ft, Config{})
	listsBefore, _ := ft.counts()

	gate := make(chan struct{})
	ft.mu.Lock()
	ft.listGate = gate
	ft.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Resync(context.Background()))
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	lists, _ := ft.counts()
	assert.Equal(t, listsBefore+1, lists)
}

func TestSynchronizer_ChangesSignal(t *testing.T) {
	ft := newFakeTransport(flag("beta-ui", true, 4))
	s := startSynchronizer(t, ft, Config{})

	// drain whatever the initial load signalled
	select {
	case <-s.Changes():
	default:
	}

	ft.push(entity.ChangeEvent{OrganizationID: "org-a", Key: "beta-ui", IsEnabled: false, Version: 5})
	select {
	case <-s.Changes():
	case <-time.After(time.Second):
		t.Fatal("no change signalled")
	}
}

func TestGroupByCategory(t *testing.T) {
	flags := []FlagView{
		{FeatureFlag: entity.FeatureFlag{Key: "admin_control_panel", Category: "System", IsEnabled: true}},
		{FeatureFlag: entity.FeatureFlag{Key: "dark_mode_ui", Category: "UI"}},
		{FeatureFlag: entity.FeatureFlag{Key: "beta-ui", Category: "UI", IsEnabled: true}},
		{FeatureFlag: entity.FeatureFlag{Key: "legacy"}},
	}

	groups := GroupByCategory(flags)
	assert.Len(t, groups, 3)
	assert.Len(t, groups["UI"], 2)
	assert.Equal(t, "dark_mode_ui", groups["UI"][0].Key)
	assert.Len(t, groups[entity.DefaultCategory], 1)

	assert.Equal(t, 2, Snapshot{Flags: flags}.EnabledCount())
}
