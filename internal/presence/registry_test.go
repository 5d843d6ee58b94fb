package presence

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_BindResolve(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Resolve("alice")
	assert.False(t, ok)

	h := NewHandle()
	prev, superseded := r.Bind("alice", h)
	assert.False(t, superseded)
	assert.Empty(t, prev)

	got, ok := r.Resolve("alice")
	require.True(t, ok)
	assert.Equal(t, h, got)
}

func TestRegistry_SupersededDisconnectKeepsNewer(t *testing.T) {
	r := NewRegistry()
	h1, h2 := NewHandle(), NewHandle()

	r.Bind("carol", h1)
	prev, superseded := r.Bind("carol", h2)
	assert.True(t, superseded)
	assert.Equal(t, h1, prev)

	username, ok := r.Unbind(h1)
	assert.False(t, ok, "superseded handle must not unbind")
	assert.Empty(t, username)

	got, ok := r.Resolve("carol")
	require.True(t, ok)
	assert.Equal(t, h2, got)

	username, ok = r.Unbind(h2)
	assert.True(t, ok)
	assert.Equal(t, "carol", username)

	_, ok = r.Resolve("carol")
	assert.False(t, ok)
}

func TestRegistry_UnbindIsIdempotent(t *testing.T) {
	r := NewRegistry()
	h := NewHandle()
	r.Bind("dave", h)

	_, ok := r.Unbind(h)
	assert.True(t, ok)
	_, ok = r.Unbind(h)
	assert.False(t, ok)
	_, ok = r.Unbind(NewHandle())
	assert.False(t, ok)
}

func TestRegistry_RebindSameHandle(t *testing.T) {
	r := NewRegistry()
	h := NewHandle()
	r.Bind("erin", h)

	prev, superseded := r.Bind("erin", h)
	assert.False(t, superseded)
	assert.Empty(t, prev)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_HandleMovesBetweenUsernames(t *testing.T) {
	r := NewRegistry()
	h := NewHandle()

	r.Bind("old-name", h)
	r.Bind("new-name", h)

	_, ok := r.Resolve("old-name")
	assert.False(t, ok)
	got, ok := r.Resolve("new-name")
	require.True(t, ok)
	assert.Equal(t, h, got)
}

func TestRegistry_LiveUsernamesSorted(t *testing.T) {
	r := NewRegistry()
	r.Bind("zed", NewHandle())
	r.Bind("amy", NewHandle())
	r.Bind("kim", NewHandle())

	assert.Equal(t, []string{"amy", "kim", "zed"}, r.LiveUsernames())
}

func TestRegistry_Touch(t *testing.T) {
	r := NewRegistry()
	clock := time.Unix(1000, 0)
	r.now = func() time.Time { return clock }
	h1, h2 := NewHandle(), NewHandle()

	persist, rebound, accepted := r.Touch("fay", h1, 2*time.Minute, false)
	assert.True(t, persist)
	assert.True(t, rebound)
	assert.True(t, accepted)
	r.MarkPersisted("fay", clock)

	clock = clock.Add(30 * time.Second)
	persist, rebound, accepted = r.Touch("fay", h1, 2*time.Minute, false)
	assert.False(t, persist, "inside throttle window")
	assert.False(t, rebound)
	assert.True(t, accepted)

	persist, _, accepted = r.Touch("fay", h2, 2*time.Minute, false)
	assert.False(t, persist)
	assert.False(t, accepted, "other handle cannot steal the binding")
	got, _ := r.Resolve("fay")
	assert.Equal(t, h1, got)

	clock = clock.Add(3 * time.Minute)
	persist, _, _ = r.Touch("fay", h1, 2*time.Minute, false)
	assert.True(t, persist, "throttle window elapsed")

	_, rebound, accepted = r.Touch("fay", h2, 2*time.Minute, true)
	assert.True(t, rebound)
	assert.True(t, accepted)
	got, _ = r.Resolve("fay")
	assert.Equal(t, h2, got)
	_, ok := r.Unbind(h1)
	assert.False(t, ok)
}

func TestRegistry_TouchNeverMovesHandle(t *testing.T) {
	r := NewRegistry()
	h := NewHandle()
	r.Bind("alice", h)

	for _, takeover := range []bool{false, true} {
		persist, rebound, accepted := r.Touch("bob", h, time.Minute, takeover)
		assert.False(t, accepted)
		assert.False(t, persist)
		assert.False(t, rebound)
	}

	got, ok := r.Resolve("alice")
	require.True(t, ok)
	assert.Equal(t, h, got)
	_, ok = r.Resolve("bob")
	assert.False(t, ok)
}

func TestRegistry_Subscribe(t *testing.T) {
	r := NewRegistry()

	ch, cancel := r.Subscribe("gus")
	defer cancel()

	select {
	case <-ch:
		t.Fatal("closed before bind")
	default:
	}

	r.Bind("gus", NewHandle())

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("subscription not notified")
	}
}

func TestRegistry_SubscribeCancel(t *testing.T) {
	r := NewRegistry()
	_, cancel := r.Subscribe("hal")
	cancel()

	r.mu.RLock()
	defer r.mu.RUnlock()
	assert.Empty(t, r.waiters)
}

func TestRegistry_ConcurrentBindsKeepSingleAuthority(t *testing.T) {
	r := NewRegistry()
	const workers = 32

	handles := make([]Handle, workers)
	for i := range handles {
		handles[i] = NewHandle()
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(h Handle) {
			defer wg.Done()
			r.Bind("ivy", h)
			r.Unbind(h)
			r.Bind("ivy", h)
		}(handles[i])
	}
	wg.Wait()

	authoritative := 0
	current, ok := r.Resolve("ivy")
	require.True(t, ok)
	for _, h := range handles {
		if name, ok := r.UsernameOf(h); ok && name == "ivy" {
			authoritative++
			assert.Equal(t, current, h)
		}
	}
	assert.Equal(t, 1, authoritative)
}

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	k := NewKeyedMutex()
	var inside int32
	var maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("jay")
			defer unlock()
			n := atomic.AddInt32(&inside, 1)
			if n > atomic.LoadInt32(&maxInside) {
				atomic.StoreInt32(&maxInside, n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, k.size())
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	k := NewKeyedMutex()
	unlockA := k.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("lock on %q blocked by %q", "b", "a")
	}
}
