package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gowdhamkrishna/chatup/internal/presence"
)

type HealthHandler struct {
	registry *presence.Registry
	started  time.Time
}

func NewHealthHandler(registry *presence.Registry) *HealthHandler {
	return &HealthHandler{registry: registry, started: time.Now()}
}

type HealthResponse struct {
	Status      string    `json:"status"`
	Uptime      float64   `json:"uptime"`
	Timestamp   time.Time `json:"timestamp"`
	ClientIP    string    `json:"clientIP"`
	ActiveUsers int       `json:"activeUsers"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(HealthResponse{
		Status:      "ok",
		Uptime:      time.Since(h.started).Seconds(),
		Timestamp:   time.Now().UTC(),
		ClientIP:    remoteHost(r),
		ActiveUsers: h.registry.Len(),
	})
}
