package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gowdhamkrishna/chatup/internal/api/middleware"
	"github.com/gowdhamkrishna/chatup/internal/domain"
	"github.com/gowdhamkrishna/chatup/internal/presence"
	"github.com/gowdhamkrishna/chatup/internal/protocol"
	"github.com/gowdhamkrishna/chatup/internal/repository"
	"github.com/gowdhamkrishna/chatup/internal/service"
	"go.uber.org/zap"
)

type UserHandler struct {
	users    repository.UserRepository
	delivery *service.DeliveryService
	registry *presence.Registry
	log      *zap.Logger
}

func NewUserHandler(users repository.UserRepository, delivery *service.DeliveryService, registry *presence.Registry, log *zap.Logger) *UserHandler {
	return &UserHandler{
		users:    users,
		delivery: delivery,
		registry: registry,
		log:      log,
	}
}

type UserListResponse struct {
	Users []protocol.UserView `json:"users"`
}

type ExistsResponse struct {
	Exists bool `json:"exists"`
}

// List returns every user. The online flag comes from the registry, not the
// stored column.
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.List(r.Context())
	if err != nil {
		h.log.Error("list users failed", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	resp := UserListResponse{Users: make([]protocol.UserView, 0, len(users))}
	for _, u := range users {
		view := protocol.NewUserView(u)
		_, view.Online = h.registry.Resolve(u.Username)
		resp.Users = append(resp.Users, view)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *UserHandler) Exists(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	_, err := h.users.FindByUsername(r.Context(), username)
	if err != nil && !errors.Is(err, domain.ErrUserNotFound) {
		h.log.Error("user lookup failed", zap.String("username", username), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ExistsResponse{Exists: err == nil})
}

// Messages returns the caller's own history.
func (h *UserHandler) Messages(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	caller, ok := middleware.GetUsername(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if caller != username {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	history, err := h.delivery.History(r.Context(), username)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			http.Error(w, "User not found", http.StatusNotFound)
			return
		}
		h.log.Error("history load failed", zap.String("username", username), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(protocol.HistoryPayload{
		Username: username,
		Messages: protocol.NewMessageViews(history),
	})
}
