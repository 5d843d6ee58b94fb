package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gowdhamkrishna/chatup/internal/service"
	"go.uber.org/zap"
)

type contextKey string

const (
	UsernameKey contextKey = "username"
)

// Auth requires a Bearer session token and stores its subject in the
// request context.
func Auth(authService *service.AuthService, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				log.Debug("missing authorization header", zap.String("path", r.URL.Path))
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				log.Debug("invalid authorization header format", zap.String("path", r.URL.Path))
				http.Error(w, "Invalid authorization header", http.StatusUnauthorized)
				return
			}

			username, err := authService.Subject(parts[1])
			if err != nil {
				log.Debug("token validation failed", zap.String("path", r.URL.Path), zap.Error(err))
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UsernameKey, username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetUsername(ctx context.Context) (string, bool) {
	username, ok := ctx.Value(UsernameKey).(string)
	return username, ok
}
