package directory

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/odyssey-erp/buyplans/internal/platform/httpx"
	"github.com/odyssey-erp/buyplans/internal/shared"
)

// RoleResolver is the subset of Service used by Middleware.
type RoleResolver interface {
	RoleOf(ctx context.Context, userID int64) (shared.Role, error)
}

// Middleware resolves the session user into a principal for downstream handlers.
type Middleware struct {
	Roles  RoleResolver
	Logger *slog.Logger
}

// RequireUser rejects anonymous sessions and attaches the caller's principal.
func (m Middleware) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := shared.SessionFromContext(r.Context()).UserID()
		if userID == 0 {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "login required")
			return
		}
		role, err := m.Roles.RoleOf(r.Context(), userID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "unknown or inactive user")
				return
			}
			if m.Logger != nil {
				m.Logger.Error("directory resolve role", slog.Any("error", err), slog.Int64("user_id", userID))
			}
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		}
		ctx := shared.ContextWithPrincipal(r.Context(), shared.Principal{UserID: userID, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
