package realtime

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixora/flagsync/domain/entity"
)

func event(org, key string, version int64) entity.ChangeEvent {
	return entity.ChangeEvent{OrganizationID: org, Key: key, Version: version, IsEnabled: version%2 == 1}
}

func TestRegistry_TenantIsolation(t *testing.T) {
	r := NewRegistry(4, nil)
	a1 := r.Subscribe("org-a", "a1")
	a2 := r.Subscribe("org-a", "a2")
	b1 := r.Subscribe("org-b", "b1")

	n := r.Publish("org-a", event("org-a", "beta-ui", 1))
	assert.Equal(t, 2, n)

	assert.Len(t, a1.Events(), 1)
	assert.Len(t, a2.Events(), 1)
	assert.Len(t, b1.Events(), 0)
}

func TestRegistry_DropsMisroutedEvent(t *testing.T) {
	r := NewRegistry(4, nil)
	b1 := r.Subscribe("org-b", "b1")

	n := r.Publish("org-b", event("org-a", "beta-ui", 1))
	assert.Equal(t, 0, n)
	assert.Len(t, b1.Events(), 0)
}

func TestRegistry_SlowSubscriberIsDropped(t *testing.T) {
	r := NewRegistry(2, nil)
	slow := r.Subscribe("org-a", "slow")
	fast := r.Subscribe("org-a", "fast")

	for v := int64(1); v <= 3; v++ {
		r.Publish("org-a", event("org-a", "beta-ui", v))
		// Keep the fast subscriber drained.
		<-fast.Events()
	}

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not dropped")
	}
	assert.Equal(t, 1, r.Count("org-a"))

	select {
	case <-fast.Done():
		t.Fatal("fast subscriber must stay connected")
	default:
	}
	assert.Equal(t, int64(1), r.Metrics().DroppedSubscribers)
}

func TestRegistry_PerSubscriberOrder(t *testing.T) {
	const n = 200
	r := NewRegistry(n, nil)
	sub := r.Subscribe("org-a", "c1")

	for v := int64(1); v <= n; v++ {
		r.Publish("org-a", event("org-a", "beta-ui", v))
	}
	for v := int64(1); v <= n; v++ {
		ev := <-sub.Events()
		require.Equal(t, v, ev.Version)
	}
}

func TestRegistry_UnsubscribeAndResubscribe(t *testing.T) {
	r := NewRegistry(4, nil)
	first := r.Subscribe("org-a", "c1")
	second := r.Subscribe("org-a", "c1")

	select {
	case <-first.Done():
	default:
		t.Fatal("replaced subscription should be closed")
	}
	assert.Equal(t, 1, r.Count("org-a"))

	r.Unsubscribe(second)
	r.Unsubscribe(second)
	assert.Equal(t, 0, r.Count("org-a"))
	assert.Equal(t, 0, r.Publish("org-a", event("org-a", "beta-ui", 1)))
}

func TestRegistry_ConcurrentPublishAndSubscribe(t *testing.T) {
	r := NewRegistry(8, nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			sub := r.Subscribe("org-a", fmt.Sprintf("c%d", i))
			r.Unsubscribe(sub)
		}(i)
		go func(v int64) {
			defer wg.Done()
			r.Deliver(event("org-a", "beta-ui", v))
		}(int64(i))
	}
	wg.Wait()

	r.Close()
	assert.Equal(t, int64(0), r.Metrics().ActiveConnections)
}
