package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

type memStore map[string]string

func (s memStore) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := s[key]
	return v, ok, nil
}

func (s memStore) Set(_ context.Context, key, value string) error {
	s[key] = value
	return nil
}

func passLock(_ context.Context, _ string, _ time.Duration, fn func() error) (bool, error) {
	return true, fn()
}

func tokenEndpoint(t *testing.T, hits *int, grants *[]string) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*hits++

		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		*grants = append(*grants, r.PostForm.Get("grant_type"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"fresh-token","refresh_token":"fresh-refresh","expires_in":3600}`)
	}))
}

func TestReadAliasedFallbackChain(t *testing.T) {
	m := NewManager(memStore{
		"oauth.access_token": "dot-token",
	}, passLock, nil, "", "id", "secret")

	got, err := m.readAliased(context.Background(), KeyAccessToken)

	if err != nil || got != "dot-token" {
		t.Fatalf("dot alias not read: %q (%v)", got, err)
	}

	m = NewManager(memStore{
		"oauth_tokens": `{"access_token":"bundle-token","expires_at":1700000000}`,
	}, passLock, nil, "", "id", "secret")

	if got, _ := m.readAliased(context.Background(), KeyAccessToken); got != "bundle-token" {
		t.Fatalf("bundle alias not read: %q", got)
	}

	if got, _ := m.readAliased(context.Background(), KeyExpiresAt); got != "1700000000" {
		t.Fatalf("numeric bundle field not normalized: %q", got)
	}

	m = NewManager(memStore{
		"oauth_access_token": "canonical",
		"oauth.access_token": "dot",
	}, passLock, nil, "", "id", "secret")

	if got, _ := m.readAliased(context.Background(), KeyAccessToken); got != "canonical" {
		t.Fatalf("canonical key must win: %q", got)
	}
}

func TestReadAliasedEnvFallback(t *testing.T) {
	t.Setenv("VENDOR_ACCESS_TOKEN", "env-token")

	m := NewManager(memStore{}, passLock, nil, "", "id", "secret")

	if got, _ := m.readAliased(context.Background(), KeyAccessToken); got != "env-token" {
		t.Fatalf("environment fallback not read: %q", got)
	}
}

func TestEnsureValidReturnsFreshToken(t *testing.T) {
	store := memStore{
		KeyAccessToken: "live-token",
		KeyExpiresAt:   strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10),
	}

	m := NewManager(store, passLock, nil, "http://token.invalid", "id", "secret")

	got, err := m.EnsureValid(context.Background())

	if err != nil || got != "live-token" {
		t.Fatalf("fresh token not returned: %q (%v)", got, err)
	}
}

func TestEnsureValidTrustsUnknownExpiry(t *testing.T) {
	store := memStore{KeyAccessToken: "opaque-token"}

	m := NewManager(store, passLock, nil, "http://token.invalid", "id", "secret")

	got, err := m.EnsureValid(context.Background())

	if err != nil || got != "opaque-token" {
		t.Fatalf("token with unknown expiry must be trusted: %q (%v)", got, err)
	}
}

func TestEnsureValidRefreshesStaleToken(t *testing.T) {
	var (
		hits   int
		grants []string
	)

	srv := tokenEndpoint(t, &hits, &grants)
	defer srv.Close()

	store := memStore{
		KeyAccessToken:  "stale-token",
		KeyRefreshToken: "refresh-1",
		KeyExpiresAt:    "1",
	}

	m := NewManager(store, passLock, nil, srv.URL, "client-1", "secret-1")

	got, err := m.EnsureValid(context.Background())

	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	if got != "fresh-token" {
		t.Fatalf("stale token not refreshed: %q", got)
	}

	if hits != 1 || grants[0] != "refresh_token" {
		t.Fatalf("expected one refresh_token grant, got %d %v", hits, grants)
	}

	if store[KeyAccessToken] != "fresh-token" || store[KeyRefreshToken] != "fresh-refresh" {
		t.Fatalf("refreshed tokens not persisted: %v", store)
	}

	if store[keyBundle] == "" {
		t.Fatal("legacy bundle alias not written")
	}
}

func TestEnsureValidDoubleCheckSkipsRefresh(t *testing.T) {
	var (
		hits   int
		grants []string
	)

	srv := tokenEndpoint(t, &hits, &grants)
	defer srv.Close()

	store := memStore{
		KeyAccessToken: "stale-token",
		KeyExpiresAt:   "1",
	}

	// Another worker refreshes while we wait on the lock.
	raceLock := func(ctx context.Context, _ string, _ time.Duration, fn func() error) (bool, error) {
		store[KeyAccessToken] = "other-worker-token"
		store[KeyExpiresAt] = strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10)
		return true, fn()
	}

	m := NewManager(store, raceLock, nil, srv.URL, "id", "secret")

	got, err := m.EnsureValid(context.Background())

	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	if got != "other-worker-token" {
		t.Fatalf("under-lock double check skipped: %q", got)
	}

	if hits != 0 {
		t.Fatalf("token endpoint hit %d times despite a fresh token", hits)
	}
}

func TestEnsureValidFallsBackToAuthCode(t *testing.T) {
	var (
		hits   int
		grants []string
	)

	srv := tokenEndpoint(t, &hits, &grants)
	defer srv.Close()

	store := memStore{KeyAuthCode: "code-1"}

	m := NewManager(store, passLock, nil, srv.URL, "id", "secret")

	got, err := m.EnsureValid(context.Background())

	if err != nil || got != "fresh-token" {
		t.Fatalf("auth code exchange failed: %q (%v)", got, err)
	}

	if len(grants) != 1 || grants[0] != "authorization_code" {
		t.Fatalf("expected an authorization_code grant, got %v", grants)
	}
}

func TestEnsureValidNoGrant(t *testing.T) {
	m := NewManager(memStore{}, passLock, nil, "http://token.invalid", "id", "secret")

	_, err := m.EnsureValid(context.Background())

	if !errors.Is(err, ErrNoGrant) {
		t.Fatalf("expected ErrNoGrant, got %v", err)
	}
}

func TestEnsureValidExpiredWithoutGrantHandsTokenBack(t *testing.T) {
	store := memStore{
		KeyAccessToken: "expired-token",
		KeyExpiresAt:   "1",
	}

	m := NewManager(store, passLock, nil, "http://token.invalid", "id", "secret")

	got, err := m.EnsureValid(context.Background())

	if err != nil || got != "expired-token" {
		t.Fatalf("expired token without a grant should be handed back: %q (%v)", got, err)
	}
}

func TestForceRefresh(t *testing.T) {
	var (
		hits   int
		grants []string
	)

	srv := tokenEndpoint(t, &hits, &grants)
	defer srv.Close()

	store := memStore{
		KeyAccessToken:  "still-valid",
		KeyRefreshToken: "refresh-1",
		KeyExpiresAt:    strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10),
	}

	m := NewManager(store, passLock, nil, srv.URL, "id", "secret")

	got, err := m.ForceRefresh(context.Background())

	if err != nil || got != "fresh-token" {
		t.Fatalf("force refresh: %q (%v)", got, err)
	}

	if hits != 1 {
		t.Fatalf("expected one endpoint hit, got %d", hits)
	}
}

func TestRefreshEndpointErrorIsBadGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	m := NewManager(memStore{}, passLock, nil, srv.URL, "id", "secret")

	_, err := m.Refresh(context.Background(), "refresh-1")

	if !errors.Is(err, ErrBadGateway) {
		t.Fatalf("expected ErrBadGateway, got %v", err)
	}
}
