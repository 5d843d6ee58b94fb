package handlers

import (
	"net"
	"net/http"

	"github.com/gowdhamkrishna/chatup/internal/service"
	"github.com/gowdhamkrishna/chatup/internal/websocket"
	ws "github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = ws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WebSocketHandler struct {
	hub      *websocket.Hub
	services *service.Services
	log      *zap.Logger
}

func NewWebSocketHandler(hub *websocket.Hub, services *service.Services, log *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:      hub,
		services: services,
		log:      log,
	}
}

// Handle upgrades the request. The optional username query parameter is the
// connection's claim, used to find it when the registry entry is stale.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	addr := remoteHost(r)
	if !h.hub.AllowConnect(addr) {
		h.log.Debug("connection throttled", zap.String("addr", addr))
		http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.String("addr", addr), zap.Error(err))
		return
	}

	client := websocket.NewClient(h.hub, conn, h.services, r.URL.Query().Get("username"))
	h.hub.Register(client)
	client.Start()
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
