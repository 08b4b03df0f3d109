package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// Canonical underscore keys. Every read falls back through the alias
	// chain below so older deployments keep working.
	KeyAccessToken  = "oauth_access_token"
	KeyRefreshToken = "oauth_refresh_token"
	KeyExpiresAt    = "oauth_token_expires_at"
	KeyAuthCode     = "oauth_auth_code"

	// Legacy bundle object: {"access_token": ..., "refresh_token": ..., "expires_at": ...}
	keyBundle = "oauth_tokens"

	refreshLockName = "oauth_refresh"
	refreshLockWait = 10 * time.Second

	// Tokens this close to expiry are treated as stale.
	expirySlack = 120 * time.Second
)

var (
	ErrNoToken    = errors.New("no access token available")
	ErrNoGrant    = errors.New("no refresh token or authorization code on file")
	ErrBadGateway = errors.New("token endpoint returned an error")
)

// aliases maps each canonical key to its fallback chain: dot form, the
// legacy bundle field, then the environment.
var aliases = map[string]struct {
	dot    string
	bundle string
	env    string
}{
	KeyAccessToken:  {"oauth.access_token", "access_token", "VENDOR_ACCESS_TOKEN"},
	KeyRefreshToken: {"oauth.refresh_token", "refresh_token", "VENDOR_REFRESH_TOKEN"},
	KeyExpiresAt:    {"oauth.token_expires_at", "expires_at", "VENDOR_TOKEN_EXPIRES_AT"},
	KeyAuthCode:     {"oauth.auth_code", "auth_code", "VENDOR_AUTH_CODE"},
}

// ConfigStore is the slice of the shared config surface the manager needs.
type ConfigStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// LockFn serializes the refresh across all worker processes; the repo's
// advisory lock satisfies it.
type LockFn func(ctx context.Context, name string, timeout time.Duration, fn func() error) (bool, error)

type Manager struct {
	store    ConfigStore
	lock     LockFn
	client   *http.Client
	log      *slog.Logger
	tokenURL string
	clientID string
	secret   string
}

func NewManager(store ConfigStore, lock LockFn, log *slog.Logger, tokenURL, clientID, secret string) *Manager {
	if log == nil {
		log = slog.Default()
	}

	return &Manager{
		store:    store,
		lock:     lock,
		client:   &http.Client{Timeout: 15 * time.Second},
		log:      log,
		tokenURL: tokenURL,
		clientID: clientID,
		secret:   secret,
	}
}

// readAliased reads the canonical key, then walks the alias chain.
func (m *Manager) readAliased(ctx context.Context, key string) (string, error) {
	if v, ok, err := m.store.Get(ctx, key); err != nil {
		return "", err
	} else if ok && v != "" {
		return v, nil
	}

	al, known := aliases[key]
	if !known {
		return "", nil
	}

	if v, ok, err := m.store.Get(ctx, al.dot); err != nil {
		return "", err
	} else if ok && v != "" {
		return v, nil
	}

	if raw, ok, err := m.store.Get(ctx, keyBundle); err != nil {
		return "", err
	} else if ok && raw != "" {
		var bundle map[string]any

		if uerr := json.Unmarshal([]byte(raw), &bundle); uerr == nil {
			if v, found := bundle[al.bundle]; found {
				switch t := v.(type) {
				case string:
					if t != "" {
						return t, nil
					}
				case float64:
					return strconv.FormatInt(int64(t), 10), nil
				}
			}
		}
	}

	return os.Getenv(al.env), nil
}

func (m *Manager) expiresAt(ctx context.Context) (int64, error) {
	raw, err := m.readAliased(ctx, KeyExpiresAt)

	if err != nil || raw == "" {
		return 0, err
	}

	n, perr := strconv.ParseInt(raw, 10, 64)

	if perr != nil {
		return 0, nil
	}
	return n, nil
}

// EnsureValid returns an access token whose expiry is comfortably in the
// future. Expiry 0 means unknown: the stored token is trusted as-is and
// never refreshed proactively. A stale token triggers a single-flight
// refresh under the advisory lock, with an under-lock double check so
// only one worker does the round trip.
func (m *Manager) EnsureValid(ctx context.Context) (string, error) {
	token, err := m.readAliased(ctx, KeyAccessToken)

	if err != nil {
		return "", err
	}

	exp, err := m.expiresAt(ctx)

	if err != nil {
		return "", err
	}

	if token != "" && (exp == 0 || time.Unix(exp, 0).After(time.Now().Add(expirySlack))) {
		return token, nil
	}

	var out string

	acquired, err := m.lock(ctx, refreshLockName, refreshLockWait, func() error {
		// Another worker may have refreshed while we waited.
		fresh, rerr := m.readAliased(ctx, KeyAccessToken)

		if rerr != nil {
			return rerr
		}

		freshExp, rerr := m.expiresAt(ctx)

		if rerr != nil {
			return rerr
		}

		if fresh != "" && freshExp != 0 && time.Unix(freshExp, 0).After(time.Now().Add(expirySlack)) {
			out = fresh
			return nil
		}

		refresh, rerr := m.readAliased(ctx, KeyRefreshToken)

		if rerr != nil {
			return rerr
		}

		if refresh != "" {
			out, rerr = m.Refresh(ctx, refresh)
			return rerr
		}

		code, rerr := m.readAliased(ctx, KeyAuthCode)

		if rerr != nil {
			return rerr
		}

		if code != "" {
			out, rerr = m.Exchange(ctx, code)
			return rerr
		}

		if fresh != "" {
			// Expired but nothing to refresh with; hand it back and let
			// the 401 path sort it out.
			out = fresh
			return nil
		}

		return ErrNoGrant
	})

	if err != nil {
		return "", err
	}

	if !acquired {
		m.log.WarnContext(ctx, "oauth.refresh_lock_not_acquired")
	}

	if out == "" {
		return "", ErrNoToken
	}
	return out, nil
}

// ForceRefresh drops the cached expiry and runs EnsureValid, used by the
// client's 401 path and the admin manual-refresh endpoint.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	if err := m.store.Set(ctx, KeyExpiresAt, "1"); err != nil {
		return "", err
	}
	return m.EnsureValid(ctx)
}

func (m *Manager) Refresh(ctx context.Context, refreshToken string) (string, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {m.clientID},
		"client_secret": {m.secret},
	}

	return m.requestToken(ctx, form)
}

func (m *Manager) Exchange(ctx context.Context, authCode string) (string, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {authCode},
		"client_id":     {m.clientID},
		"client_secret": {m.secret},
	}

	return m.requestToken(ctx, form)
}

func (m *Manager) requestToken(ctx context.Context, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL,
		strings.NewReader(form.Encode()))

	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)

	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if err != nil {
		return "", err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		m.log.WarnContext(ctx, "oauth.token_endpoint_error",
			"status", resp.StatusCode, "body_len", len(body))
		return "", fmt.Errorf("%w: status %d", ErrBadGateway, resp.StatusCode)
	}

	var parsed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}

	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("parse token response: %w", err)
	}

	if parsed.AccessToken == "" {
		return "", ErrNoToken
	}

	return parsed.AccessToken, m.persist(ctx, parsed.AccessToken, parsed.RefreshToken, parsed.ExpiresIn)
}

// persist writes the canonical keys and the legacy bundle alias.
func (m *Manager) persist(ctx context.Context, access, refresh string, expiresIn int64) error {
	var expiresAt int64
	if expiresIn > 0 {
		expiresAt = time.Now().Unix() + expiresIn
	}

	if err := m.store.Set(ctx, KeyAccessToken, access); err != nil {
		return err
	}

	if refresh != "" {
		if err := m.store.Set(ctx, KeyRefreshToken, refresh); err != nil {
			return err
		}
	}

	if err := m.store.Set(ctx, KeyExpiresAt, strconv.FormatInt(expiresAt, 10)); err != nil {
		return err
	}

	bundle, err := json.Marshal(map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"expires_at":    expiresAt,
	})

	if err != nil {
		return err
	}

	return m.store.Set(ctx, keyBundle, string(bundle))
}
