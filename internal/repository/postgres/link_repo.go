package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/safedrop/internal/errs"
	"github.com/and161185/safedrop/internal/model"
)

// LinkRepo implements LinkRepository using PostgreSQL.
type LinkRepo struct{ db *DB }

// NewLinkRepo constructs a link repository.
func NewLinkRepo(db *DB) *LinkRepo { return &LinkRepo{db: db} }

const linkColumns = `id, access_token, owner_token, otp_hash, expires_at, used, revoked,
purpose, device_hash, failed_attempts, locked_at, notify_to, created_at`

// Create inserts link + payload + attachments + "created" audit entry in one transaction.
func (r *LinkRepo) Create(
	ctx context.Context, link *model.Link, payload *model.Payload, atts []model.Attachment,
) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const insLink = `
INSERT INTO links (id, access_token, owner_token, otp_hash, expires_at, purpose, notify_to)
VALUES ($1,$2,$3,$4,$5,$6,$7)`
	if _, err = tx.Exec(ctx, insLink,
		link.ID, link.AccessToken, link.OwnerToken, link.OTPHash,
		link.ExpiresAt, nullStr(string(link.Purpose)), nullStr(link.NotifyTo),
	); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("token collision: %w", err)
		}
		return err
	}

	const insPayload = `
INSERT INTO payloads (id, link_id, iv, auth_tag, ciphertext, integrity_hash)
VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err = tx.Exec(ctx, insPayload,
		payload.ID, link.ID, payload.IV, payload.AuthTag, payload.Ciphertext, payload.IntegrityHash,
	); err != nil {
		return err
	}

	const insAtt = `
INSERT INTO attachments (id, link_id, filename, content_type, size_bytes, iv, auth_tag, ciphertext)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	for i := range atts {
		a := &atts[i]
		if _, err = tx.Exec(ctx, insAtt,
			a.ID, link.ID, a.Filename, a.ContentType, a.SizeBytes, a.IV, a.AuthTag, a.Ciphertext,
		); err != nil {
			return err
		}
	}

	const insAudit = `INSERT INTO audit_entries (link_id, event) VALUES ($1,$2)`
	if _, err = tx.Exec(ctx, insAudit, link.ID, string(model.AuditCreated)); err != nil {
		return err
	}
	return nil
}

// GetByAccessToken loads a link by its recipient-facing token.
func (r *LinkRepo) GetByAccessToken(ctx context.Context, token string) (*model.Link, error) {
	const q = `SELECT ` + linkColumns + ` FROM links WHERE access_token=$1`
	return r.getOne(ctx, q, token)
}

// GetByOwnerToken loads a link by its owner-facing token.
func (r *LinkRepo) GetByOwnerToken(ctx context.Context, token string) (*model.Link, error) {
	const q = `SELECT ` + linkColumns + ` FROM links WHERE owner_token=$1`
	return r.getOne(ctx, q, token)
}

func (r *LinkRepo) getOne(ctx context.Context, q, token string) (*model.Link, error) {
	row := r.db.Pool.QueryRow(ctx, q, token)
	var (
		l       model.Link
		purpose *string
		notify  *string
	)
	err := row.Scan(&l.ID, &l.AccessToken, &l.OwnerToken, &l.OTPHash, &l.ExpiresAt,
		&l.Used, &l.Revoked, &purpose, &l.DeviceHash, &l.FailedAttempts, &l.LockedAt,
		&notify, &l.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	if purpose != nil {
		l.Purpose = model.Purpose(*purpose)
	}
	if notify != nil {
		l.NotifyTo = *notify
	}
	return &l, nil
}

// GetPayload loads the encrypted payload owned by a link.
func (r *LinkRepo) GetPayload(ctx context.Context, linkID uuid.UUID) (*model.Payload, error) {
	const q = `
SELECT id, link_id, iv, auth_tag, ciphertext, integrity_hash, created_at
FROM payloads WHERE link_id=$1`
	row := r.db.Pool.QueryRow(ctx, q, linkID)
	var p model.Payload
	if err := row.Scan(&p.ID, &p.LinkID, &p.IV, &p.AuthTag, &p.Ciphertext, &p.IntegrityHash, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListAttachments loads all encrypted attachments of a link.
func (r *LinkRepo) ListAttachments(ctx context.Context, linkID uuid.UUID) ([]model.Attachment, error) {
	const q = `
SELECT id, link_id, filename, content_type, size_bytes, iv, auth_tag, ciphertext, created_at
FROM attachments WHERE link_id=$1 ORDER BY created_at`
	rows, err := r.db.Pool.Query(ctx, q, linkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Attachment
	for rows.Next() {
		var a model.Attachment
		if err = rows.Scan(&a.ID, &a.LinkID, &a.Filename, &a.ContentType, &a.SizeBytes,
			&a.IV, &a.AuthTag, &a.Ciphertext, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkUsed flips used atomically with the counter reset and device hash.
// The WHERE used=false guard makes a second verification lose the race.
func (r *LinkRepo) MarkUsed(ctx context.Context, linkID uuid.UUID, deviceHash []byte) error {
	const q = `
UPDATE links SET used=true, failed_attempts=0, device_hash=$2
WHERE id=$1 AND used=false`
	tag, err := r.db.Pool.Exec(ctx, q, linkID, deviceHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrAlreadyUsed
	}
	return nil
}

// RecordFailedAttempt increments the counter, locking the link at the ceiling.
func (r *LinkRepo) RecordFailedAttempt(ctx context.Context, linkID uuid.UUID, ceiling int) (int, error) {
	const q = `
UPDATE links
SET failed_attempts = failed_attempts + 1,
    locked_at = CASE WHEN failed_attempts + 1 >= $2 THEN now() ELSE locked_at END
WHERE id=$1
RETURNING failed_attempts`
	var count int
	if err := r.db.Pool.QueryRow(ctx, q, linkID, ceiling).Scan(&count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, errs.ErrNotFound
		}
		return 0, err
	}
	return count, nil
}

// Revoke flips the revoked flag and writes audit entries in one transaction.
// With purge, the "data-deleted" entry is committed in the same transaction
// that deletes the rows, and is written first, so deletion is always
// explainable from history.
func (r *LinkRepo) Revoke(ctx context.Context, linkID uuid.UUID, purge bool) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const upd = `UPDATE links SET revoked=true WHERE id=$1 AND revoked=false`
	tag, err := tx.Exec(ctx, upd, linkID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrRevoked
	}

	const insAudit = `INSERT INTO audit_entries (link_id, event) VALUES ($1,$2)`
	if _, err = tx.Exec(ctx, insAudit, linkID, string(model.AuditRevoked)); err != nil {
		return err
	}

	if purge {
		if _, err = tx.Exec(ctx, insAudit, linkID, string(model.AuditDataDeleted)); err != nil {
			return err
		}
		if _, err = tx.Exec(ctx, `DELETE FROM payloads WHERE link_id=$1`, linkID); err != nil {
			return err
		}
		if _, err = tx.Exec(ctx, `DELETE FROM attachments WHERE link_id=$1`, linkID); err != nil {
			return err
		}
	}
	return nil
}

// DeleteExpired removes expired-or-revoked links after writing a "cleaned-up"
// audit entry for each, all in one transaction. A link deleted by a prior run
// is simply absent from the selection, so repeat invocations are safe.
func (r *LinkRepo) DeleteExpired(ctx context.Context, now time.Time) (n int, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const sel = `SELECT id FROM links WHERE expires_at <= $1 OR revoked=true FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, sel, now)
	if err != nil {
		return 0, err
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err = rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	const insAudit = `INSERT INTO audit_entries (link_id, event) VALUES ($1,$2)`
	for _, id := range ids {
		if _, err = tx.Exec(ctx, insAudit, id, string(model.AuditCleanedUp)); err != nil {
			return 0, err
		}
	}

	const del = `DELETE FROM links WHERE id = ANY($1)`
	if _, err = tx.Exec(ctx, del, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
