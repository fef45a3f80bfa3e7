package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	tokenCachePrefix = "buyplans:mailbox:token:"
	tokenExpiryGrace = time.Minute
)

// TokenProvider fetches delegated mailbox tokens and caches them in redis until
// shortly before they expire.
type TokenProvider struct {
	baseURL string
	secret  string
	client  *http.Client
	cache   *redis.Client
}

// NewTokenProvider constructs a TokenProvider. cache may be nil.
func NewTokenProvider(baseURL, secret string, client *http.Client, cache *redis.Client) *TokenProvider {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &TokenProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		client:  client,
		cache:   cache,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// TokenFor returns a delegated token for userID.
func (p *TokenProvider) TokenFor(ctx context.Context, userID int64) (string, error) {
	key := tokenCachePrefix + strconv.FormatInt(userID, 10)
	if p.cache != nil {
		cached, err := p.cache.Get(ctx, key).Result()
		if err == nil && cached != "" {
			return cached, nil
		}
		if err != nil && !errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("%w: token cache: %v", ErrUnavailable, err)
		}
	}

	endpoint := p.baseURL + "/users/" + url.PathEscape(strconv.FormatInt(userID, 10)) + "/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	if p.secret != "" {
		req.Header.Set("Authorization", "Bearer "+p.secret)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", ErrNoToken
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrUnavailable, resp.StatusCode)
	}

	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: decode token: %v", ErrUnavailable, err)
	}
	if payload.AccessToken == "" {
		return "", ErrNoToken
	}

	if p.cache != nil {
		ttl := time.Duration(payload.ExpiresIn)*time.Second - tokenExpiryGrace
		if ttl > 0 {
			// A failed cache write only costs a refetch next time.
			_ = p.cache.Set(ctx, key, payload.AccessToken, ttl).Err()
		}
	}
	return payload.AccessToken, nil
}
