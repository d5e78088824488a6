package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/safedrop/internal/errs"
	"github.com/and161185/safedrop/internal/model"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

func testLink() (*model.Link, *model.Payload) {
	linkID := uuid.Must(uuid.NewV4())
	link := &model.Link{
		ID:          linkID,
		AccessToken: "access-token",
		OwnerToken:  "owner-token",
		OTPHash:     "hmac:abcd",
		ExpiresAt:   time.Now().Add(time.Hour),
		Purpose:     model.PurposeMedical,
	}
	payload := &model.Payload{
		ID:            uuid.Must(uuid.NewV4()),
		LinkID:        linkID,
		IV:            []byte("iv"),
		AuthTag:       []byte("tag"),
		Ciphertext:    []byte("ct"),
		IntegrityHash: []byte("ih"),
	}
	return link, payload
}

func TestLinkRepo_Create_TransactionShape(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLinkRepo(db)
	link, payload := testLink()
	att := model.Attachment{
		ID: uuid.Must(uuid.NewV4()), LinkID: link.ID,
		Filename: "doc.pdf", ContentType: "application/pdf", SizeBytes: 3,
		IV: []byte("i2"), AuthTag: []byte("t2"), Ciphertext: []byte("c2"),
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO links`).
		WithArgs(link.ID, link.AccessToken, link.OwnerToken, link.OTPHash,
			link.ExpiresAt, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO payloads`).
		WithArgs(payload.ID, link.ID, payload.IV, payload.AuthTag, payload.Ciphertext, payload.IntegrityHash).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO attachments`).
		WithArgs(att.ID, link.ID, att.Filename, att.ContentType, att.SizeBytes, att.IV, att.AuthTag, att.Ciphertext).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO audit_entries`).
		WithArgs(link.ID, string(model.AuditCreated)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, r.Create(context.Background(), link, payload, []model.Attachment{att}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLinkRepo_Create_RollbackOnFailure(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLinkRepo(db)
	link, payload := testLink()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO links`).
		WithArgs(link.ID, link.AccessToken, link.OwnerToken, link.OTPHash,
			link.ExpiresAt, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO payloads`).
		WithArgs(payload.ID, link.ID, payload.IV, payload.AuthTag, payload.Ciphertext, payload.IntegrityHash).
		WillReturnError(pgx.ErrTxClosed)
	mock.ExpectRollback()

	require.Error(t, r.Create(context.Background(), link, payload, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func linkRows(l *model.Link) *pgxmock.Rows {
	purpose := string(l.Purpose)
	return pgxmock.NewRows([]string{
		"id", "access_token", "owner_token", "otp_hash", "expires_at", "used", "revoked",
		"purpose", "device_hash", "failed_attempts", "locked_at", "notify_to", "created_at",
	}).AddRow(l.ID, l.AccessToken, l.OwnerToken, l.OTPHash, l.ExpiresAt, l.Used, l.Revoked,
		&purpose, l.DeviceHash, l.FailedAttempts, l.LockedAt, (*string)(nil), l.CreatedAt)
}

func TestLinkRepo_GetByAccessToken(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLinkRepo(db)
	link, _ := testLink()

	mock.ExpectQuery(`FROM links WHERE access_token=\$1`).
		WithArgs(link.AccessToken).
		WillReturnRows(linkRows(link))
	got, err := r.GetByAccessToken(context.Background(), link.AccessToken)
	require.NoError(t, err)
	require.Equal(t, link.ID, got.ID)
	require.Equal(t, model.PurposeMedical, got.Purpose)

	mock.ExpectQuery(`FROM links WHERE access_token=\$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	_, err = r.GetByAccessToken(context.Background(), "missing")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestLinkRepo_MarkUsed(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLinkRepo(db)
	id := uuid.Must(uuid.NewV4())

	mock.ExpectExec(`UPDATE links SET used=true`).
		WithArgs(id, []byte("dev")).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, r.MarkUsed(context.Background(), id, []byte("dev")))

	// second use loses the WHERE used=false race
	mock.ExpectExec(`UPDATE links SET used=true`).
		WithArgs(id, []byte("dev")).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, r.MarkUsed(context.Background(), id, []byte("dev")), errs.ErrAlreadyUsed)
}

func TestLinkRepo_RecordFailedAttempt(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLinkRepo(db)
	id := uuid.Must(uuid.NewV4())

	mock.ExpectQuery(`SET failed_attempts = failed_attempts \+ 1`).
		WithArgs(id, 5).
		WillReturnRows(pgxmock.NewRows([]string{"failed_attempts"}).AddRow(3))
	count, err := r.RecordFailedAttempt(context.Background(), id, 5)
	require.NoError(t, err)
	require.Equal(t, 3, count)

	mock.ExpectQuery(`SET failed_attempts = failed_attempts \+ 1`).
		WithArgs(id, 5).
		WillReturnError(pgx.ErrNoRows)
	_, err = r.RecordFailedAttempt(context.Background(), id, 5)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestLinkRepo_Revoke(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLinkRepo(db)
	id := uuid.Must(uuid.NewV4())

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE links SET revoked=true`).
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO audit_entries`).
		WithArgs(id, string(model.AuditRevoked)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, r.Revoke(context.Background(), id, false))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLinkRepo_Revoke_AlreadyRevoked(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLinkRepo(db)
	id := uuid.Must(uuid.NewV4())

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE links SET revoked=true`).
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	require.ErrorIs(t, r.Revoke(context.Background(), id, false), errs.ErrRevoked)
	require.NoError(t, mock.ExpectationsWereMet())
}

// The ordered expectations pin the invariant: the data-deleted audit entry is
// written before the payload rows are removed.
func TestLinkRepo_Revoke_PurgeAuditPrecedesDelete(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLinkRepo(db)
	id := uuid.Must(uuid.NewV4())

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE links SET revoked=true`).
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO audit_entries`).
		WithArgs(id, string(model.AuditRevoked)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO audit_entries`).
		WithArgs(id, string(model.AuditDataDeleted)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`DELETE FROM payloads`).
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`DELETE FROM attachments`).
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCommit()

	require.NoError(t, r.Revoke(context.Background(), id, true))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLinkRepo_DeleteExpired(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLinkRepo(db)
	now := time.Now()
	id1 := uuid.Must(uuid.NewV4())
	id2 := uuid.Must(uuid.NewV4())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM links WHERE expires_at <= \$1 OR revoked=true`).
		WithArgs(now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(id1).AddRow(id2))
	mock.ExpectExec(`INSERT INTO audit_entries`).
		WithArgs(id1, string(model.AuditCleanedUp)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO audit_entries`).
		WithArgs(id2, string(model.AuditCleanedUp)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`DELETE FROM links`).
		WithArgs([]uuid.UUID{id1, id2}).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectCommit()

	n, err := r.DeleteExpired(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLinkRepo_DeleteExpired_NothingToDo(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLinkRepo(db)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM links WHERE expires_at <= \$1 OR revoked=true`).
		WithArgs(now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	n, err := r.DeleteExpired(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
