package custody

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jayantna/Contractly/db"
	"github.com/jayantna/Contractly/settlement"
)

// PGLedger keeps wallet balances in the wallet_balances table. When the
// context carries the agreement transaction (db.WithTx) the ledger writes
// join it through a savepoint, so value and agreement state commit together.
type PGLedger struct {
	pool db.TxBeginner
}

func NewPGLedger(pool db.TxBeginner) *PGLedger {
	return &PGLedger{pool: pool}
}

// Credit mints amount into identity's wallet.
func (r *PGLedger) Credit(ctx context.Context, identity string, amount uint64) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		return credit(ctx, tx, identity, amount)
	})
}

// Balance reports identity's wallet balance; unknown wallets hold zero.
func (r *PGLedger) Balance(ctx context.Context, identity string) (uint64, error) {
	var balance int64
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `SELECT balance FROM wallet_balances WHERE identity = $1`, identity).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			balance = 0
			return nil
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("custody: balance: %w", err)
	}
	return uint64(balance), nil
}

func (r *PGLedger) Deposit(ctx context.Context, from string, amount uint64) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if err := debit(ctx, tx, from, amount); err != nil {
			return err
		}
		return credit(ctx, tx, EscrowAccount, amount)
	})
}

func (r *PGLedger) Release(ctx context.Context, payouts []settlement.Payout) error {
	var total uint64
	for _, p := range payouts {
		total += p.Amount
	}
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if err := debit(ctx, tx, EscrowAccount, total); err != nil {
			return err
		}
		for _, p := range payouts {
			if err := credit(ctx, tx, p.To, p.Amount); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *PGLedger) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.Begin(ctx, r.pool)
	if err != nil {
		return fmt.Errorf("custody: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("custody: commit: %w", err)
	}
	return nil
}

func debit(ctx context.Context, tx pgx.Tx, identity string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	tag, err := tx.Exec(ctx, `
UPDATE wallet_balances
SET balance = balance - $2, updated_at = now()
WHERE identity = $1 AND balance >= $2
`, identity, int64(amount))
	if err != nil {
		return fmt.Errorf("custody: debit %s: %w", identity, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s cannot cover %d", ErrInsufficientFunds, identity, amount)
	}
	return nil
}

func credit(ctx context.Context, tx pgx.Tx, identity string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	const q = `
INSERT INTO wallet_balances (identity, balance)
VALUES ($1, $2)
ON CONFLICT (identity) DO UPDATE
SET balance = wallet_balances.balance + EXCLUDED.balance, updated_at = now()
`
	if _, err := tx.Exec(ctx, q, identity, int64(amount)); err != nil {
		return fmt.Errorf("custody: credit %s: %w", identity, err)
	}
	return nil
}
