package mailbox

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestTokenForCachesUntilExpiry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "/users/7/token", r.URL.Path)
		require.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-7","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cache.Close() })

	provider := NewTokenProvider(srv.URL, "s3cret", srv.Client(), cache)
	ctx := context.Background()

	token, err := provider.TokenFor(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, "tok-7", token)

	token, err = provider.TokenFor(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, "tok-7", token)
	require.Equal(t, int32(1), calls.Load())

	ttl := mr.TTL(tokenCachePrefix + "7")
	require.Greater(t, ttl, time.Duration(0))
	require.LessOrEqual(t, ttl, time.Hour-tokenExpiryGrace)

	mr.FastForward(time.Hour)
	_, err = provider.TokenFor(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
}

func TestTokenForMissingGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	_, err := NewTokenProvider(srv.URL, "", srv.Client(), nil).TokenFor(context.Background(), 3)
	require.ErrorIs(t, err, ErrNoToken)
}

func TestTokenForProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	_, err := NewTokenProvider(srv.URL, "", srv.Client(), nil).TokenFor(context.Background(), 3)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestSearchSentOrdersMostRecentFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/me/mailFolders/sentitems/messages", r.URL.Path)
		require.Equal(t, `"PO-77"`, r.URL.Query().Get("$search"))
		require.Equal(t, "2", r.URL.Query().Get("$top"))
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"value":[
			{"subject":"older","sentDateTime":"2026-01-02T10:00:00Z","toRecipients":[{"emailAddress":{"address":"old@vendor.test"}}]},
			{"subject":"newer","sentDateTime":"2026-01-05T10:00:00Z","toRecipients":[{"emailAddress":{"address":" sales@vendor.test "}},{"emailAddress":{"address":"cc@vendor.test"}}]},
			{"subject":"oldest","sentDateTime":"2026-01-01T10:00:00Z","toRecipients":[]}
		]}`))
	}))
	t.Cleanup(srv.Close)

	msgs, err := NewSentMailSearcher(srv.URL, srv.Client()).SearchSent(context.Background(), "tok", "PO-77", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "newer", msgs[0].Subject)
	require.Equal(t, "sales@vendor.test", msgs[0].FirstRecipient())
	require.Equal(t, time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC), msgs[0].SentAt.UTC())
	require.Equal(t, "older", msgs[1].Subject)
}

func TestSearchSentNoMatches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"value":[]}`))
	}))
	t.Cleanup(srv.Close)

	msgs, err := NewSentMailSearcher(srv.URL, srv.Client()).SearchSent(context.Background(), "tok", "PO-1", 5)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestSearchSentUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	_, err := NewSentMailSearcher(srv.URL, srv.Client()).SearchSent(context.Background(), "tok", "PO-1", 5)
	require.True(t, errors.Is(err, ErrUnavailable))
}
