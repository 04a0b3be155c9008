// Package credentials holds the access/refresh credential pair and the
// signed-in user's profile. Its lifecycle is login (Save), refresh
// (ReplaceTokens) and logout (Clear); the record is persisted as one JSON
// value in a kv.Store so it survives restarts.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tbourn/go-offline-gateway/internal/kv"
)

// storageKey is the kv key the record lives under.
const storageKey = "auth.credentials"

var (
	// ErrNoCredentials is returned when no session is stored.
	ErrNoCredentials = errors.New("no credentials stored")
	// ErrInvalidCredentials is returned when Save is given an unusable record.
	ErrInvalidCredentials = errors.New("access token must not be empty")
)

// Credentials is the persisted session record.
type Credentials struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token,omitempty"`
	Profile      json.RawMessage `json:"user_profile,omitempty"`
}

// Store owns the session record. A single instance is wired at startup and
// shared by the request pipeline; nothing else mutates it.
type Store struct {
	mu  sync.Mutex
	kv  kv.Store
	now func() time.Time
}

// NewStore returns a Store persisting into backend.
func NewStore(backend kv.Store) *Store {
	return &Store{kv: backend, now: time.Now}
}

// Load returns the stored record or ErrNoCredentials.
func (s *Store) Load(ctx context.Context) (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

// Save replaces the whole record (login).
func (s *Store) Save(ctx context.Context, c Credentials) error {
	if strings.TrimSpace(c.AccessToken) == "" {
		return ErrInvalidCredentials
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(ctx, c)
}

// ReplaceTokens swaps in a refreshed access token. The refresh token is only
// replaced when the server rotated it (refresh != ""); the profile is kept.
func (s *Store) ReplaceTokens(ctx context.Context, access, refresh string) error {
	if strings.TrimSpace(access) == "" {
		return ErrInvalidCredentials
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.loadLocked(ctx)
	if err != nil {
		return err
	}
	cur.AccessToken = access
	if refresh != "" {
		cur.RefreshToken = refresh
	}
	return s.saveLocked(ctx, cur)
}

// Clear removes the record (logout or irrecoverable refresh failure).
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Delete(ctx, storageKey); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}

// AccessExpiringWithin reports whether the stored access token is a JWT whose
// exp claim falls within skew of now. Opaque tokens and tokens without exp
// report false: their lifetime is only learned from a 401.
func (s *Store) AccessExpiringWithin(ctx context.Context, skew time.Duration) bool {
	c, err := s.Load(ctx)
	if err != nil {
		return false
	}
	exp, ok := AccessExpiry(c.AccessToken)
	if !ok {
		return false
	}
	return !s.now().Add(skew).Before(exp)
}

// AccessExpiry returns the exp claim of a JWT access token. The signature is
// not verified; only the server can do that.
func AccessExpiry(token string) (time.Time, bool) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

func (s *Store) loadLocked(ctx context.Context) (Credentials, error) {
	raw, ok, err := s.kv.Get(ctx, storageKey)
	if err != nil {
		return Credentials{}, fmt.Errorf("load credentials: %w", err)
	}
	if !ok || raw == "" {
		return Credentials{}, ErrNoCredentials
	}
	var c Credentials
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	if c.AccessToken == "" {
		return Credentials{}, ErrNoCredentials
	}
	return c, nil
}

func (s *Store) saveLocked(ctx context.Context, c Credentials) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if err := s.kv.Set(ctx, storageKey, string(raw)); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}
