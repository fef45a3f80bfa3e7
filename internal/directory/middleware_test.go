package directory

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/buyplans/internal/shared"
)

type fakeRoles map[int64]shared.Role

func (f fakeRoles) RoleOf(ctx context.Context, userID int64) (shared.Role, error) {
	if userID == 99 {
		return "", errors.New("db down")
	}
	role, ok := f[userID]
	if !ok {
		return "", ErrNotFound
	}
	return role, nil
}

// sessionFor builds a session carrying userID without touching redis.
func sessionFor(userID int64) *shared.Session {
	sess := &shared.Session{}
	if userID != 0 {
		sess.SetUser(userID)
	}
	return sess
}

func serve(t *testing.T, userID int64) (*httptest.ResponseRecorder, shared.Principal) {
	t.Helper()
	var seen shared.Principal
	mw := Middleware{Roles: fakeRoles{1: shared.RoleBuyer}}
	handler := mw.RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := shared.PrincipalFromContext(r.Context())
		require.True(t, ok)
		seen = p
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/buy-plans", nil)
	req = req.WithContext(shared.ContextWithSession(req.Context(), sessionFor(userID)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, seen
}

func TestRequireUserAttachesPrincipal(t *testing.T) {
	rec, p := serve(t, 1)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, shared.Principal{UserID: 1, Role: shared.RoleBuyer}, p)
}

func TestRequireUserRejectsAnonymous(t *testing.T) {
	rec, _ := serve(t, 0)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireUserRejectsUnknownUser(t *testing.T) {
	rec, _ := serve(t, 5)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireUserDirectoryFailure(t *testing.T) {
	rec, _ := serve(t, 99)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
