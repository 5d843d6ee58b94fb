// Package presence holds the in-memory registry that decides which live
// connection, if any, is authoritative for a username.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle identifies one live connection instance. Handles are never reused.
type Handle string

func NewHandle() Handle {
	return Handle(uuid.NewString())
}

func (h Handle) String() string { return string(h) }

// Entry is the registry record for a username.
type Entry struct {
	Handle        Handle
	BoundAt       time.Time
	LastActivity  time.Time
	LastPersisted time.Time
}

// Registry maps usernames to their authoritative connection handle.
//
// At most one handle is bound per username. Binding a new handle silently
// supersedes the previous one; unbinding compares handle identity so a late
// disconnect of a superseded connection never unbinds its successor.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	byHandle map[Handle]string
	waiters  map[string][]chan struct{}
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		entries:  make(map[string]*Entry),
		byHandle: make(map[Handle]string),
		waiters:  make(map[string][]chan struct{}),
		now:      time.Now,
	}
}

// Bind registers handle as the live connection for username and returns the
// handle it superseded, if any.
func (r *Registry) Bind(username string, handle Handle) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	// a handle serves one username at a time
	if prevUser, ok := r.byHandle[handle]; ok && prevUser != username {
		if e := r.entries[prevUser]; e != nil && e.Handle == handle {
			delete(r.entries, prevUser)
		}
	}

	var previous Handle
	superseded := false
	if e, ok := r.entries[username]; ok {
		if e.Handle == handle {
			e.LastActivity = now
			r.notifyLocked(username)
			return "", false
		}
		previous = e.Handle
		superseded = true
		delete(r.byHandle, e.Handle)
	}

	r.entries[username] = &Entry{
		Handle:       handle,
		BoundAt:      now,
		LastActivity: now,
	}
	r.byHandle[handle] = username
	r.notifyLocked(username)

	return previous, superseded
}

// Resolve returns the authoritative handle for username.
func (r *Registry) Resolve(username string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[username]
	if !ok {
		return "", false
	}
	return e.Handle, true
}

// Lookup returns a copy of the entry for username.
func (r *Registry) Lookup(username string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[username]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Unbind removes the username currently bound to exactly this handle. It is a
// no-op for unknown or superseded handles.
func (r *Registry) Unbind(handle Handle) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	username, ok := r.byHandle[handle]
	if !ok {
		return "", false
	}
	delete(r.byHandle, handle)

	e, ok := r.entries[username]
	if !ok || e.Handle != handle {
		return "", false
	}
	delete(r.entries, username)
	return username, true
}

// UsernameOf returns the username handle is authoritative for.
func (r *Registry) UsernameOf(handle Handle) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	username, ok := r.byHandle[handle]
	return username, ok
}

// Touch records a liveness signal from handle for username.
//
// A signal from the bound handle refreshes it. An unbound username is bound
// to handle (rebound=true). A signal from a different handle while another is
// bound is ignored unless takeover is set, and a signal from a handle bound to
// a different username is always ignored. persist reports that more than
// persistEvery has passed since the last persisted update; the caller is
// expected to write through and call MarkPersisted.
func (r *Registry) Touch(username string, handle Handle, persistEvery time.Duration, takeover bool) (persist, rebound, accepted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, had := r.byHandle[handle]; had && owner != username {
		return false, false, false
	}

	now := r.now()
	e, ok := r.entries[username]
	switch {
	case !ok:
		e = &Entry{Handle: handle, BoundAt: now}
		r.entries[username] = e
		r.byHandle[handle] = username
		rebound = true
		r.notifyLocked(username)
	case e.Handle != handle:
		if !takeover {
			return false, false, false
		}
		delete(r.byHandle, e.Handle)
		e.Handle = handle
		e.BoundAt = now
		r.byHandle[handle] = username
		rebound = true
		r.notifyLocked(username)
	}

	e.LastActivity = now
	persist = rebound || now.Sub(e.LastPersisted) > persistEvery
	return persist, rebound, true
}

// MarkPersisted records that username's presence was written at instant at.
func (r *Registry) MarkPersisted(username string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[username]; ok {
		e.LastPersisted = at
	}
}

// LiveUsernames returns a sorted snapshot of bound usernames.
func (r *Registry) LiveUsernames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Subscribe returns a channel closed on the next bind of username.
func (r *Registry) Subscribe(username string) (<-chan struct{}, func()) {
	ch := make(chan struct{})

	r.mu.Lock()
	r.waiters[username] = append(r.waiters[username], ch)
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.waiters[username]
		for i, w := range list {
			if w == ch {
				r.waiters[username] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(r.waiters[username]) == 0 {
			delete(r.waiters, username)
		}
	}
	return ch, cancel
}

func (r *Registry) notifyLocked(username string) {
	for _, ch := range r.waiters[username] {
		close(ch)
	}
	delete(r.waiters, username)
}
