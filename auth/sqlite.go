package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jayantna/Contractly/db"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS credentials (
    identity      TEXT    PRIMARY KEY,
    password_hash TEXT    NOT NULL,
    created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS authorized_callers (
    identity      TEXT    PRIMARY KEY,
    authorized_by TEXT    NOT NULL,
    authorized_at INTEGER NOT NULL DEFAULT (unixepoch())
);`

// ApplySQLiteSchema creates the credential and allow-list tables in the
// database shared with agreement.SQLiteStore.
func ApplySQLiteSchema(ctx context.Context, conn *sql.DB) error {
	if _, err := conn.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("auth: apply sqlite schema: %w", err)
	}
	return nil
}

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// querier picks the store transaction when one is in flight. The SQLite
// store runs on a single connection, so reaching for the pool there would
// block until the transaction ends.
func querier(ctx context.Context, conn *sql.DB) sqlQuerier {
	if tx, ok := db.SQLTxFromContext(ctx); ok {
		return tx
	}
	return conn
}

// SQLiteRepository implements Repository on the agreement SQLite database.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(conn *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: conn}
}

func (r *SQLiteRepository) CreateCredential(ctx context.Context, identity, passwordHash string) (Credential, error) {
	c := Credential{Identity: identity, PasswordHash: passwordHash, CreatedAt: time.Now().UTC().Truncate(time.Second)}
	res, err := querier(ctx, r.db).ExecContext(ctx, `
		INSERT INTO credentials (identity, password_hash, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (identity) DO NOTHING
	`, identity, passwordHash, c.CreatedAt.Unix())
	if err != nil {
		return Credential{}, fmt.Errorf("auth: create credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Credential{}, fmt.Errorf("auth: create credential: %w", err)
	}
	if n == 0 {
		return Credential{}, ErrDuplicateIdentity
	}
	return c, nil
}

func (r *SQLiteRepository) GetCredential(ctx context.Context, identity string) (Credential, error) {
	var (
		c       Credential
		created int64
	)
	err := querier(ctx, r.db).QueryRowContext(ctx, `
		SELECT identity, password_hash, created_at
		FROM credentials
		WHERE identity = ?
	`, identity).Scan(&c.Identity, &c.PasswordHash, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, ErrCredentialNotFound
		}
		return Credential{}, fmt.Errorf("auth: get credential: %w", err)
	}
	c.CreatedAt = time.Unix(created, 0).UTC()
	return c, nil
}

// SQLiteAllowList keeps the caller allow-list in the agreement SQLite database.
type SQLiteAllowList struct {
	db *sql.DB
}

func NewSQLiteAllowList(conn *sql.DB) *SQLiteAllowList {
	return &SQLiteAllowList{db: conn}
}

func (l *SQLiteAllowList) Add(ctx context.Context, identity, by string) error {
	const insertSQL = `
		INSERT INTO authorized_callers (identity, authorized_by)
		VALUES (?, ?)
		ON CONFLICT (identity) DO NOTHING
	`
	if _, err := querier(ctx, l.db).ExecContext(ctx, insertSQL, identity, by); err != nil {
		return fmt.Errorf("auth: insert authorized caller: %w", err)
	}
	return nil
}

func (l *SQLiteAllowList) Remove(ctx context.Context, identity string) error {
	if _, err := querier(ctx, l.db).ExecContext(ctx, `DELETE FROM authorized_callers WHERE identity = ?`, identity); err != nil {
		return fmt.Errorf("auth: delete authorized caller: %w", err)
	}
	return nil
}

func (l *SQLiteAllowList) Contains(ctx context.Context, identity string) (bool, error) {
	var ok bool
	err := querier(ctx, l.db).QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM authorized_callers WHERE identity = ?)`, identity).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("auth: lookup authorized caller: %w", err)
	}
	return ok, nil
}
