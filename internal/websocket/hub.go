package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gowdhamkrishna/chatup/internal/config"
	"github.com/gowdhamkrishna/chatup/internal/metrics"
	"github.com/gowdhamkrishna/chatup/internal/presence"
	"github.com/gowdhamkrishna/chatup/internal/protocol"
	"github.com/gowdhamkrishna/chatup/internal/ratelimit"
	"go.uber.org/zap"
)

// Hub is the table of open connections. It knows nothing about usernames
// beyond what each connection claims; routing by username goes through the
// presence registry.
type Hub struct {
	clients    map[presence.Handle]*Client
	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	done       chan struct{} // closed when Run() exits
	stopped    bool
	connects   *ratelimit.Throttle
	log        *zap.Logger
	metrics    *metrics.Metrics
	mu         sync.RWMutex
	pumps      sync.WaitGroup
}

func NewHub(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		clients:    make(map[presence.Handle]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		connects:   ratelimit.NewThrottle(cfg.Presence.ConnectThrottle),
		log:        log,
		metrics:    m,
	}
}

func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			h.stopped = true
			for _, client := range h.clients {
				client.Close()
			}
			h.clients = make(map[presence.Handle]*Client)
			h.metrics.OpenConnections.Set(0)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.stopped {
				client.Close()
			} else {
				h.clients[client.handle] = client
				h.metrics.Connections.Inc()
				h.metrics.OpenConnections.Set(float64(len(h.clients)))
			}
			h.mu.Unlock()
			close(client.registered)

		case client := <-h.unregister:
			h.mu.Lock()
			if current, ok := h.clients[client.handle]; ok && current == client {
				delete(h.clients, client.handle)
				h.metrics.Disconnections.Inc()
				h.metrics.OpenConnections.Set(float64(len(h.clients)))
			}
			h.mu.Unlock()
			client.Close()
		}
	}
}

// Stop closes every connection and blocks until Run has exited and every
// started read pump has finished its teardown.
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
	<-h.done
	h.pumps.Wait()
}

// track counts a read pump for Stop to wait on. Pumps started after Stop
// are not counted.
func (h *Hub) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.pumps.Add(1)
	return true
}

// Register adds client to the table. It returns once the client is visible
// to SendTo and IsOpen.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
		<-client.registered
	case <-h.done:
		client.Close()
	}
}

// Unregister removes client and closes its send queue. Safe after Stop.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
		client.Close()
	}
}

// SendTo queues msg on the connection identified by handle.
func (h *Hub) SendTo(handle presence.Handle, msg *protocol.Message) bool {
	h.mu.RLock()
	client, ok := h.clients[handle]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return client.Send(msg)
}

// Broadcast queues msg on every open connection.
func (h *Hub) Broadcast(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to marshal broadcast", zap.String("type", string(msg.Type)), zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	for _, client := range targets {
		client.sendRaw(data)
	}
}

// IsOpen reports whether handle refers to a connection that can still
// receive frames.
func (h *Hub) IsOpen(handle presence.Handle) bool {
	h.mu.RLock()
	client, ok := h.clients[handle]
	h.mu.RUnlock()
	return ok && client.IsOpen()
}

// FindByClaim scans open connections for one claiming username. The most
// recently opened match wins.
func (h *Hub) FindByClaim(username string) (presence.Handle, bool) {
	if username == "" {
		return "", false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	var best *Client
	for _, client := range h.clients {
		if client.Claim() != username || !client.IsOpen() {
			continue
		}
		if best == nil || client.connectedAt.After(best.connectedAt) {
			best = client
		}
	}
	if best == nil {
		return "", false
	}
	return best.handle, true
}

// AllowConnect applies the per-address connection throttle.
func (h *Hub) AllowConnect(addr string) bool {
	return h.connects.Allow(addr, time.Now())
}

// Sweep forgets throttle state for idle addresses.
func (h *Hub) Sweep(now time.Time) {
	h.connects.Sweep(now)
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
