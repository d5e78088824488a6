// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/safedrop/internal/model"
)

// LinkRepository provides transactional access to links and their encrypted data.
type LinkRepository interface {
	// Create inserts link, payload, attachments, and a "created" audit entry
	// in one transaction.
	Create(ctx context.Context, link *model.Link, payload *model.Payload, atts []model.Attachment) error

	// GetByAccessToken loads a link by its recipient-facing token.
	GetByAccessToken(ctx context.Context, token string) (*model.Link, error)

	// GetByOwnerToken loads a link by its owner-facing token.
	GetByOwnerToken(ctx context.Context, token string) (*model.Link, error)

	// GetPayload loads the encrypted payload owned by a link.
	GetPayload(ctx context.Context, linkID uuid.UUID) (*model.Payload, error)

	// ListAttachments loads all encrypted attachments of a link.
	ListAttachments(ctx context.Context, linkID uuid.UUID) ([]model.Attachment, error)

	// MarkUsed flips used=false->true atomically with a counter reset and the
	// device-binding hash. Returns errs.ErrAlreadyUsed when already true.
	MarkUsed(ctx context.Context, linkID uuid.UUID, deviceHash []byte) error

	// RecordFailedAttempt increments the counter; sets locked_at once the
	// ceiling is reached. Returns the new count.
	RecordFailedAttempt(ctx context.Context, linkID uuid.UUID, ceiling int) (int, error)

	// Revoke sets revoked=true and writes a "revoked" audit entry in one
	// transaction. With purge, a "data-deleted" audit entry is written before
	// the payload and attachments are removed. errs.ErrRevoked if already set.
	Revoke(ctx context.Context, linkID uuid.UUID, purge bool) error

	// DeleteExpired removes links that are expired or revoked as of now,
	// writing a "cleaned-up" audit entry per link first, all in one
	// transaction. Returns the number of deleted links. Idempotent.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}
