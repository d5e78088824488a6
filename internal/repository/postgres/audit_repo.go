package postgres

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/safedrop/internal/model"
)

// AuditRepo implements AuditRepository using PostgreSQL.
type AuditRepo struct{ db *DB }

// NewAuditRepo constructs an audit repository.
func NewAuditRepo(db *DB) *AuditRepo { return &AuditRepo{db: db} }

// Append writes one audit entry. link_id is a weak reference (ON DELETE SET NULL).
func (r *AuditRepo) Append(ctx context.Context, linkID *uuid.UUID, event model.AuditEvent, detail string) error {
	const q = `INSERT INTO audit_entries (link_id, event, detail) VALUES ($1,$2,$3)`
	_, err := r.db.Pool.Exec(ctx, q, linkID, string(event), nullStr(detail))
	return err
}

// ListByLink returns entries referencing a link, oldest first.
func (r *AuditRepo) ListByLink(ctx context.Context, linkID uuid.UUID) ([]model.AuditEntry, error) {
	const q = `
SELECT id, link_id, event, detail, created_at
FROM audit_entries WHERE link_id=$1 ORDER BY id`
	rows, err := r.db.Pool.Query(ctx, q, linkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var (
			e      model.AuditEntry
			event  string
			detail *string
		)
		if err = rows.Scan(&e.ID, &e.LinkID, &event, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Event = model.AuditEvent(event)
		if detail != nil {
			e.Detail = *detail
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
