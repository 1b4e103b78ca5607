// Package session manages opaque bearer sessions. Tokens are minted
// here and only their hashes reach the backend, which is either the
// Postgres store or Redis depending on deployment config.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bookworm/api/internal/auth"
	"bookworm/api/internal/store"
)

// ErrNoSession covers absent, unknown and expired tokens alike.
var ErrNoSession = errors.New("no valid session")

// Backend is the session storage contract. store.PostgresStore and
// RedisStore both satisfy it.
type Backend interface {
	SaveSession(ctx context.Context, tokenHash, userID string, ownerElevated bool, expiresAt time.Time) error
	LookupSession(ctx context.Context, tokenHash string) (store.Session, error)
	DeleteSession(ctx context.Context, tokenHash string) error
	SetSessionOwnerElevated(ctx context.Context, tokenHash string, elevated bool) error
}

type Manager struct {
	backend Backend
	ttl     time.Duration
}

func NewManager(backend Backend, ttl time.Duration) *Manager {
	return &Manager{backend: backend, ttl: ttl}
}

// Create mints a session token for the user. A token-hash collision is
// retried once with a fresh token; two collisions in a row means the
// random source is broken and the error surfaces.
func (m *Manager) Create(ctx context.Context, userID string, ownerElevated bool) (string, time.Time, error) {
	expiresAt := time.Now().Add(m.ttl)
	for attempt := 0; attempt < 2; attempt++ {
		token, err := auth.NewToken()
		if err != nil {
			return "", time.Time{}, err
		}
		err = m.backend.SaveSession(ctx, auth.HashToken(token), userID, ownerElevated, expiresAt)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return "", time.Time{}, fmt.Errorf("create session: %w", err)
		}
		return token, expiresAt, nil
	}
	return "", time.Time{}, fmt.Errorf("create session: token collision persisted across retries")
}

// Resolve validates a bearer token. Expiry is checked lazily by the
// backend; nothing sweeps expired rows.
func (m *Manager) Resolve(ctx context.Context, token string) (store.Session, error) {
	if token == "" {
		return store.Session{}, ErrNoSession
	}
	session, err := m.backend.LookupSession(ctx, auth.HashToken(token))
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, ErrNoSession) {
		return store.Session{}, ErrNoSession
	}
	if err != nil {
		return store.Session{}, fmt.Errorf("resolve session: %w", err)
	}
	return session, nil
}

// Invalidate is idempotent; removing an unknown token is not an error.
func (m *Manager) Invalidate(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return m.backend.DeleteSession(ctx, auth.HashToken(token))
}

// SetOwnerElevated flips the per-session owner bit without touching the
// account's permanent owner flag.
func (m *Manager) SetOwnerElevated(ctx context.Context, token string, elevated bool) error {
	if token == "" {
		return ErrNoSession
	}
	err := m.backend.SetSessionOwnerElevated(ctx, auth.HashToken(token), elevated)
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, ErrNoSession) {
		return ErrNoSession
	}
	return err
}
