package app_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/buyplans/internal/app"
	"github.com/odyssey-erp/buyplans/internal/buyplan"
	"github.com/odyssey-erp/buyplans/internal/observability"
	"github.com/odyssey-erp/buyplans/internal/shared"
	"github.com/odyssey-erp/buyplans/jobs"
	_ "github.com/odyssey-erp/buyplans/testing"
)

type stubRoles struct{}

func (stubRoles) RoleOf(ctx context.Context, userID int64) (shared.Role, error) {
	return shared.RoleManager, nil
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(ctx context.Context) error { return p.err }

func newTestRouter(t *testing.T, db app.Pinger) http.Handler {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         &app.Config{AppEnv: "development", AppRequestTimeout: 5 * time.Second},
		SessionManager: shared.NewSessionManager(client, "test_session", time.Hour, false),
		BuyPlanHandler: buyplan.NewHandler(logger, buyplan.NewService(nil, nil, nil, logger), buyplan.VendorSet{}),
		Directory:      stubRoles{},
		JobHandler:     jobs.NewHandler(nil, logger),
		Metrics:        observability.NewMetrics(),
		Database:       db,
	})
}

func TestRouterHealthz(t *testing.T) {
	router := newTestRouter(t, stubPinger{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	router = newTestRouter(t, stubPinger{err: errors.New("connection refused")})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouterProtectsSessionRoutes(t *testing.T) {
	router := newTestRouter(t, nil)

	for _, path := range []string{"/buy-plans/", "/jobs/health"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestRouterExposesMetrics(t *testing.T) {
	router := newTestRouter(t, nil)
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `buyplans_http_requests_total{code="200",route="/healthz"}`)
}
