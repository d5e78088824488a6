package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/safedrop/internal/model"
)

// AuditRepository appends and reads immutable lifecycle records.
type AuditRepository interface {
	// Append writes one audit entry. Entries are never updated or deleted.
	Append(ctx context.Context, linkID *uuid.UUID, event model.AuditEvent, detail string) error

	// ListByLink returns entries referencing a link, oldest first.
	ListByLink(ctx context.Context, linkID uuid.UUID) ([]model.AuditEntry, error)
}
