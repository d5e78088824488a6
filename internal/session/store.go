// Package session tracks the single active viewing session per link in the
// fast-path cache. The durable store stays authoritative; everything here is
// an optimization and an anti-replay guard.
package session

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/and161185/safedrop/internal/crypto"
	"github.com/and161185/safedrop/internal/model"
)

// revokedTTL is the safety-net retention for revocation markers. The durable
// revoked flag is the permanent truth; the marker only has to outlive any
// session that could still reference the link.
const revokedTTL = 24 * time.Hour

// Store manages ephemeral sessions and revocation markers.
type Store interface {
	// Start creates a session for the link, atomically replacing any prior
	// session for the same access token (at most one active viewer).
	Start(ctx context.Context, link *model.Link, deviceHash []byte) (*model.Session, error)

	// Validate checks that sessionID is the current session for the token and
	// that no revocation marker is set. errs.ErrSessionInvalid on mismatch or
	// absence, errs.ErrRevoked on a marker.
	Validate(ctx context.Context, accessToken, sessionID string) (*model.Session, error)

	// Remaining reports the time left on the active session, zero when none.
	Remaining(ctx context.Context, accessToken string) (time.Duration, error)

	// End removes the active session for the token.
	End(ctx context.Context, accessToken string) error

	// MarkRevoked sets the revocation marker and drops the active session.
	MarkRevoked(ctx context.Context, accessToken string) error

	// Close releases store resources.
	Close() error
}

// NewID returns an unguessable session identifier.
func NewID() (string, error) {
	b, err := crypto.RandBytes(24)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
