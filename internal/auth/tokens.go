package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/marcusrw/posbridge/internal/security"
)

// Config store keys for the admin bearer material. Secrets are stored
// bcrypt-hashed; the JWT signing secret is stored as-is because it never
// grants access on its own.
const (
	bearerHashKey        = "admin.bearer_hash"
	bearerPrevHashKey    = "admin.bearer_prev_hash"
	bearerPrevExpiresKey = "admin.bearer_prev_expires_at"
	jwtSecretKey         = "admin.jwt_secret"
)

var ErrUnauthorized = errors.New("unauthorized")

type ConfigStore interface {
	GetCached(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

type Claims struct {
	Subject   string `json:"sub"`
	Role      string `json:"role"`
	TokenType string `json:"typ"`
	JTI       string `json:"jti"`
	jwt.RegisteredClaims
}

// Manager authorizes admin API callers. Two credential forms are
// accepted: a signed JWT, or the static bearer secret (current, or the
// previous one while its rotation overlap is open).
type Manager struct {
	store ConfigStore
	now   func() time.Time
}

func NewManager(store ConfigStore) *Manager {
	return &Manager{store: store, now: time.Now}
}

// VerifyBearer validates a presented bearer token.
func (m *Manager) VerifyBearer(ctx context.Context, token string) error {
	if token == "" {
		return ErrUnauthorized
	}

	if m.verifyJWT(ctx, token) == nil {
		return nil
	}

	if hash, ok, _ := m.store.GetCached(ctx, bearerHashKey); ok && hash != "" {
		if security.CheckSecret(hash, token) == nil {
			return nil
		}
	}

	prevHash, ok, _ := m.store.GetCached(ctx, bearerPrevHashKey)

	if !ok || prevHash == "" {
		return ErrUnauthorized
	}

	if raw, ok, _ := m.store.GetCached(ctx, bearerPrevExpiresKey); ok {
		exp, err := time.Parse(time.RFC3339, raw)

		if err != nil || m.now().After(exp) {
			return ErrUnauthorized
		}
	}

	if security.CheckSecret(prevHash, token) == nil {
		return nil
	}
	return ErrUnauthorized
}

func (m *Manager) verifyJWT(ctx context.Context, tokenStr string) error {
	secret, ok, _ := m.store.GetCached(ctx, jwtSecretKey)

	if !ok || secret == "" {
		return ErrUnauthorized
	}

	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})

	if err != nil {
		return ErrUnauthorized
	}

	claims, ok2 := token.Claims.(*Claims)

	if !ok2 || !token.Valid || claims.TokenType != "access" {
		return ErrUnauthorized
	}
	return nil
}

// IssueToken mints a short-lived admin JWT for ops tooling.
func (m *Manager) IssueToken(ctx context.Context, subject string, ttl time.Duration) (string, error) {
	secret, ok, err := m.store.GetCached(ctx, jwtSecretKey)

	if err != nil {
		return "", err
	}

	if !ok || secret == "" {
		return "", errors.New("admin jwt secret not configured")
	}

	now := m.now().UTC()

	claims := Claims{
		Subject:   subject,
		Role:      "admin",
		TokenType: "access",
		JTI:       uuid.NewString(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Subject:   subject,
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// RotateBearer installs a new static secret, keeping the old one valid
// for the overlap window. Returns the plaintext secret exactly once.
func (m *Manager) RotateBearer(ctx context.Context, newSecret string, overlap time.Duration) (string, error) {
	if newSecret == "" {
		generated, err := security.GenerateSecret()

		if err != nil {
			return "", err
		}
		newSecret = generated
	}

	newHash, err := security.HashSecret(newSecret)

	if err != nil {
		return "", err
	}

	if oldHash, ok, _ := m.store.GetCached(ctx, bearerHashKey); ok && oldHash != "" {
		if err := m.store.Set(ctx, bearerPrevHashKey, oldHash); err != nil {
			return "", err
		}

		expires := m.now().Add(overlap).Format(time.RFC3339)

		if err := m.store.Set(ctx, bearerPrevExpiresKey, expires); err != nil {
			return "", err
		}
	}

	if err := m.store.Set(ctx, bearerHashKey, newHash); err != nil {
		return "", err
	}

	return newSecret, nil
}
