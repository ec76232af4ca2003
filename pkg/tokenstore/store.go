// Package tokenstore persists the rotating refresh token.
//
// Exactly one refresh token is held per device under a fixed storage key.
// Backends differ by platform: a 0600 file on devices, an HttpOnly cookie on
// the web (unreadable by client code), Redis for backend-for-frontend hosts,
// and memory for tests.
package tokenstore

import (
	"context"
	"log/slog"
)

// DefaultKey is the storage key the refresh token is kept under.
const DefaultKey = "simple_idm.refresh_token"

// Store is the refresh token persistence contract. It must be safe to call
// before any session exists.
type Store interface {
	// Get returns the stored token, or "" when none is stored.
	Get(ctx context.Context) (string, error)
	// Set replaces the stored token. A write failure must be returned.
	Set(ctx context.Context, token string) error
	// Clear removes the stored token.
	Clear(ctx context.Context) error
	// Readable is false when the token travels in a credential client code
	// cannot read (HttpOnly cookie). Get then always returns "".
	Readable() bool
}

// Probe reads the stored token, treating read failures as "no token".
func Probe(ctx context.Context, s Store, logger *slog.Logger) string {
	token, err := s.Get(ctx)
	if err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("refresh token read failed, treating as absent", "error", err)
		return ""
	}
	return token
}

// Present reports whether a refresh token should be assumed to exist.
// Unreadable stores are assumed to hold one; only the server can tell.
func Present(ctx context.Context, s Store, logger *slog.Logger) bool {
	if !s.Readable() {
		return true
	}
	return Probe(ctx, s, logger) != ""
}
