package websocket

import (
	"testing"
	"time"

	"github.com/gowdhamkrishna/chatup/internal/config"
	"github.com/gowdhamkrishna/chatup/internal/metrics"
	"github.com/gowdhamkrishna/chatup/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestHub(t *testing.T, cfg *config.Config) *Hub {
	t.Helper()
	h := NewHub(cfg, zap.NewNop(), metrics.New())
	go h.Run()
	t.Cleanup(h.Stop)
	return h
}

// detachedClient has no socket; frames stay in its send queue.
func detachedClient(h *Hub, claim string) *Client {
	return NewClient(h, nil, nil, claim)
}

func TestHub_RegisterAndSend(t *testing.T) {
	h := newTestHub(t, &config.Config{})
	c := detachedClient(h, "alice")

	assert.False(t, h.IsOpen(c.Handle()))
	h.Register(c)
	assert.True(t, h.IsOpen(c.Handle()))
	assert.Equal(t, 1, h.Len())

	msg := protocol.MustMessage(protocol.MessageTypeOnline, protocol.PresencePayload{Username: "bob"})
	require.True(t, h.SendTo(c.Handle(), msg))
	assert.Len(t, c.send, 1)

	assert.False(t, h.SendTo("unknown", msg))
}

func TestHub_Unregister(t *testing.T) {
	h := newTestHub(t, &config.Config{})
	c := detachedClient(h, "alice")
	h.Register(c)

	h.Unregister(c)
	require.Eventually(t, func() bool { return !c.IsOpen() }, time.Second, 5*time.Millisecond)

	assert.Zero(t, h.Len())
	assert.False(t, h.IsOpen(c.Handle()))
	assert.False(t, h.SendTo(c.Handle(), protocol.MustMessage(protocol.MessageTypeOnline, nil)))
	assert.Equal(t, float64(1), h.metrics.Snapshot().Disconnections)
}

func TestHub_FindByClaim(t *testing.T) {
	h := newTestHub(t, &config.Config{})

	older := detachedClient(h, "bob")
	h.Register(older)
	time.Sleep(2 * time.Millisecond)
	newer := detachedClient(h, "bob")
	h.Register(newer)
	other := detachedClient(h, "carol")
	h.Register(other)

	got, ok := h.FindByClaim("bob")
	require.True(t, ok)
	assert.Equal(t, newer.Handle(), got)

	newer.Close()
	got, ok = h.FindByClaim("bob")
	require.True(t, ok)
	assert.Equal(t, older.Handle(), got, "closed connections are skipped")

	_, ok = h.FindByClaim("dave")
	assert.False(t, ok)
	_, ok = h.FindByClaim("")
	assert.False(t, ok)

	other.SetClaim("dave")
	got, ok = h.FindByClaim("dave")
	require.True(t, ok)
	assert.Equal(t, other.Handle(), got)
}

func TestHub_Broadcast(t *testing.T) {
	h := newTestHub(t, &config.Config{})
	a := detachedClient(h, "a")
	b := detachedClient(h, "b")
	h.Register(a)
	h.Register(b)

	h.Broadcast(protocol.MustMessage(protocol.MessageTypeRosterUpdate, protocol.RosterPayload{Online: []string{"a"}}))

	assert.Len(t, a.send, 1)
	assert.Len(t, b.send, 1)
}

func TestHub_SendQueueFull(t *testing.T) {
	h := newTestHub(t, &config.Config{})
	c := detachedClient(h, "alice")
	h.Register(c)

	msg := protocol.MustMessage(protocol.MessageTypeOnline, nil)
	for i := 0; i < sendBuffer; i++ {
		require.True(t, c.Send(msg))
	}
	assert.False(t, c.Send(msg))
	assert.True(t, c.IsOpen(), "a slow reader is not disconnected")
}

func TestHub_AllowConnect(t *testing.T) {
	h := newTestHub(t, &config.Config{Presence: config.PresenceConfig{ConnectThrottle: time.Hour}})

	assert.True(t, h.AllowConnect("10.0.0.1"))
	assert.False(t, h.AllowConnect("10.0.0.1"))
	assert.True(t, h.AllowConnect("10.0.0.2"))
}

func TestHub_Stop(t *testing.T) {
	h := NewHub(&config.Config{}, zap.NewNop(), metrics.New())
	go h.Run()

	c := detachedClient(h, "alice")
	h.Register(c)

	h.Stop()
	assert.False(t, c.IsOpen())
	assert.Zero(t, h.Len())

	// safe after stop
	late := detachedClient(h, "bob")
	h.Register(late)
	assert.False(t, late.IsOpen())
	h.Unregister(c)
	h.Stop()
}

func TestHub_StopWaitsForReadPumps(t *testing.T) {
	h := NewHub(&config.Config{}, zap.NewNop(), metrics.New())
	go h.Run()
	require.True(t, h.track())

	stopped := make(chan struct{})
	go func() {
		h.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a read pump was still tearing down")
	case <-time.After(50 * time.Millisecond):
	}

	h.pumps.Done()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the read pump finished")
	}
	assert.False(t, h.track(), "pumps started after Stop are not counted")
}
