package testutil

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gowdhamkrishna/chatup/internal/presence"
	"github.com/gowdhamkrishna/chatup/internal/protocol"
)

// FakeTransport is an in-memory connection table for service tests.
type FakeTransport struct {
	mu        sync.Mutex
	open      map[presence.Handle]bool
	claims    map[presence.Handle]string
	sent      map[presence.Handle][]*protocol.Message
	broadcast []*protocol.Message
	closing   map[presence.Handle]bool
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		open:    make(map[presence.Handle]bool),
		claims:  make(map[presence.Handle]string),
		sent:    make(map[presence.Handle][]*protocol.Message),
		closing: make(map[presence.Handle]bool),
	}
}

// Connect opens a new connection claiming username and returns its handle.
func (f *FakeTransport) Connect(username string) presence.Handle {
	h := presence.NewHandle()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open[h] = true
	if username != "" {
		f.claims[h] = username
	}
	return h
}

// Drop marks handle physically closed without telling the registry.
func (f *FakeTransport) Drop(h presence.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open[h] = false
}

// DropOnFind makes h close right after FindByClaim returns it, the way a
// socket can go away between lookup and bind.
func (f *FakeTransport) DropOnFind(h presence.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closing[h] = true
}

func (f *FakeTransport) SendTo(h presence.Handle, msg *protocol.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open[h] {
		return false
	}
	f.sent[h] = append(f.sent[h], msg)
	return true
}

func (f *FakeTransport) Broadcast(msg *protocol.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, msg)
}

func (f *FakeTransport) IsOpen(h presence.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open[h]
}

func (f *FakeTransport) FindByClaim(username string) (presence.Handle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for h, claim := range f.claims {
		if claim == username && f.open[h] {
			if f.closing[h] {
				f.open[h] = false
			}
			return h, true
		}
	}
	return "", false
}

// Sent returns the messages queued on h with the given type.
func (f *FakeTransport) Sent(h presence.Handle, msgType protocol.MessageType) []*protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.Message
	for _, m := range f.sent[h] {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

// Broadcasts returns broadcast messages with the given type.
func (f *FakeTransport) Broadcasts(msgType protocol.MessageType) []*protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.Message
	for _, m := range f.broadcast {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

// WaitSent polls until h received a message of msgType or timeout passes.
func (f *FakeTransport) WaitSent(t *testing.T, h presence.Handle, msgType protocol.MessageType, timeout time.Duration) *protocol.Message {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if msgs := f.Sent(h, msgType); len(msgs) > 0 {
			return msgs[len(msgs)-1]
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s on %s", msgType, h)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Reset forgets recorded messages.
func (f *FakeTransport) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = make(map[presence.Handle][]*protocol.Message)
	f.broadcast = nil
}

// DecodePayload unmarshals msg's payload into v, failing the test on error.
func DecodePayload(t *testing.T, msg *protocol.Message, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		t.Fatalf("failed to decode %s payload: %v", msg.Type, err)
	}
}
