// Package migrate applies embedded SQL migrations on startup.
package migrate

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/and161185/safedrop/migrations"
)

// upTimeout bounds the whole migration run at startup.
const upTimeout = time.Minute

// Up runs all pending migrations from the embedded filesystem on a single
// connection, bounded by upTimeout.
func Up(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, upTimeout)
	defer cancel()
	return goose.UpContext(ctx, db, ".")
}
