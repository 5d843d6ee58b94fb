package service

import (
	"sync"
	"time"
)

// Coalescer collects keys and hands them to flush at most once per window.
// The first Add after a flush arms the timer; later Adds inside the window
// join the pending set. A zero window flushes synchronously.
type Coalescer struct {
	window time.Duration
	flush  func(keys []string)

	mu      sync.Mutex
	pending map[string]struct{}
	order   []string
	timer   *time.Timer
	stopped bool
}

func NewCoalescer(window time.Duration, flush func(keys []string)) *Coalescer {
	return &Coalescer{
		window:  window,
		flush:   flush,
		pending: make(map[string]struct{}),
	}
}

func (c *Coalescer) Add(keys ...string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	for _, k := range keys {
		if _, ok := c.pending[k]; ok {
			continue
		}
		c.pending[k] = struct{}{}
		c.order = append(c.order, k)
	}

	if c.window <= 0 {
		batch := c.takeLocked()
		c.mu.Unlock()
		c.run(batch)
		return
	}

	if c.timer == nil && len(c.order) > 0 {
		c.timer = time.AfterFunc(c.window, c.Flush)
	}
	c.mu.Unlock()
}

// Flush delivers the pending set now.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	batch := c.takeLocked()
	c.mu.Unlock()

	c.run(batch)
}

// Stop cancels the timer and drops anything pending.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.pending = make(map[string]struct{})
	c.order = nil
}

func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

func (c *Coalescer) takeLocked() []string {
	if len(c.order) == 0 {
		return nil
	}
	batch := c.order
	c.order = nil
	c.pending = make(map[string]struct{})
	return batch
}

func (c *Coalescer) run(batch []string) {
	if len(batch) == 0 {
		return
	}
	c.flush(batch)
}
