package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gowdhamkrishna/chatup/internal/api/handlers"
	"github.com/gowdhamkrishna/chatup/internal/api/middleware"
	"github.com/gowdhamkrishna/chatup/internal/config"
	"github.com/gowdhamkrishna/chatup/internal/metrics"
	"github.com/gowdhamkrishna/chatup/internal/presence"
	"github.com/gowdhamkrishna/chatup/internal/repository"
	"github.com/gowdhamkrishna/chatup/internal/service"
	"github.com/gowdhamkrishna/chatup/internal/websocket"
	"go.uber.org/zap"
)

// NewRouter builds the HTTP surface. Upload pruning is registered with the
// sweeper so old attachments expire on the same schedule as idle users.
func NewRouter(services *service.Services, hub *websocket.Hub, repos *repository.Repositories, registry *presence.Registry, m *metrics.Metrics, cfg *config.Config, log *zap.Logger) (http.Handler, error) {
	uploadHandler, err := handlers.NewUploadHandler(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("upload handler: %w", err)
	}
	services.Sweeper.Also(uploadHandler.Prune)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)

	healthHandler := handlers.NewHealthHandler(registry)
	userHandler := handlers.NewUserHandler(repos.User, services.Delivery, registry, log)
	wsHandler := handlers.NewWebSocketHandler(hub, services, log)

	r.Get("/health", healthHandler.Health)
	r.Handle("/metrics", m.Handler())
	r.Handle("/uploads/*", http.StripPrefix("/uploads/", http.FileServer(http.Dir(cfg.Upload.Dir))))

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/users", func(r chi.Router) {
			r.Get("/", userHandler.List)
			r.Get("/{username}/exists", userHandler.Exists)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Auth(services.Auth, log))
				r.Get("/{username}/messages", userHandler.Messages)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(services.Auth, log))
			r.Post("/uploads", uploadHandler.Upload)
		})

		// WebSocket endpoint
		r.Get("/ws", wsHandler.Handle)
	})

	return r, nil
}
