package custody

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/jayantna/Contractly/db"
	"github.com/jayantna/Contractly/settlement"
)

const sqliteWalletSchema = `
CREATE TABLE IF NOT EXISTS wallet_balances (
    identity   TEXT    PRIMARY KEY,
    balance    INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
    updated_at INTEGER NOT NULL DEFAULT (unixepoch())
);`

// SQLiteLedger keeps wallet balances in the database of an
// agreement.SQLiteStore. Inside a store unit of work (db.WithSQLTx) every
// write goes through the store's transaction, so value and agreement state
// commit or roll back together.
type SQLiteLedger struct {
	db *sql.DB
}

func NewSQLiteLedger(ctx context.Context, conn *sql.DB) (*SQLiteLedger, error) {
	if _, err := conn.ExecContext(ctx, sqliteWalletSchema); err != nil {
		return nil, fmt.Errorf("custody: apply sqlite schema: %w", err)
	}
	return &SQLiteLedger{db: conn}, nil
}

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (l *SQLiteLedger) Credit(ctx context.Context, identity string, amount uint64) error {
	return l.inTx(ctx, func(q sqlQuerier) error {
		return sqliteCredit(ctx, q, identity, amount)
	})
}

func (l *SQLiteLedger) Balance(ctx context.Context, identity string) (uint64, error) {
	var q sqlQuerier = l.db
	if tx, ok := db.SQLTxFromContext(ctx); ok {
		q = tx
	}
	var balance int64
	err := q.QueryRowContext(ctx, `SELECT balance FROM wallet_balances WHERE identity = ?`, identity).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("custody: balance: %w", err)
	}
	return uint64(balance), nil
}

func (l *SQLiteLedger) Deposit(ctx context.Context, from string, amount uint64) error {
	return l.inTx(ctx, func(q sqlQuerier) error {
		if err := sqliteDebit(ctx, q, from, amount); err != nil {
			return err
		}
		return sqliteCredit(ctx, q, EscrowAccount, amount)
	})
}

func (l *SQLiteLedger) Release(ctx context.Context, payouts []settlement.Payout) error {
	var total uint64
	for _, p := range payouts {
		total += p.Amount
	}
	return l.inTx(ctx, func(q sqlQuerier) error {
		if err := sqliteDebit(ctx, q, EscrowAccount, total); err != nil {
			return err
		}
		for _, p := range payouts {
			if err := sqliteCredit(ctx, q, p.To, p.Amount); err != nil {
				return err
			}
		}
		return nil
	})
}

// inTx joins the store transaction when ctx carries one. A failure there
// aborts the whole unit of work, so no savepoint is needed.
func (l *SQLiteLedger) inTx(ctx context.Context, fn func(q sqlQuerier) error) error {
	if tx, ok := db.SQLTxFromContext(ctx); ok {
		return fn(tx)
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("custody: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("custody: commit: %w", err)
	}
	return nil
}

func sqliteDebit(ctx context.Context, q sqlQuerier, identity string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if amount > math.MaxInt64 {
		return fmt.Errorf("%w: %s cannot cover %d", ErrInsufficientFunds, identity, amount)
	}
	res, err := q.ExecContext(ctx, `
UPDATE wallet_balances
SET balance = balance - ?, updated_at = unixepoch()
WHERE identity = ? AND balance >= ?`, int64(amount), identity, int64(amount))
	if err != nil {
		return fmt.Errorf("custody: debit %s: %w", identity, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("custody: debit %s: %w", identity, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s cannot cover %d", ErrInsufficientFunds, identity, amount)
	}
	return nil
}

func sqliteCredit(ctx context.Context, q sqlQuerier, identity string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if amount > math.MaxInt64 {
		return fmt.Errorf("custody: credit %s: amount %d exceeds storage range", identity, amount)
	}
	if _, err := q.ExecContext(ctx, `
INSERT INTO wallet_balances (identity, balance) VALUES (?, ?)
ON CONFLICT (identity) DO UPDATE
SET balance = wallet_balances.balance + excluded.balance, updated_at = unixepoch()`, identity, int64(amount)); err != nil {
		return fmt.Errorf("custody: credit %s: %w", identity, err)
	}
	return nil
}
