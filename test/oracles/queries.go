package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_ratio_cap",
			SQL: `SELECT agreement_id, SUM(stake_ratio) FROM agreement_parties
                  GROUP BY agreement_id HAVING SUM(stake_ratio) > 100`,
		},
		{
			Name: "O2_terminal_holds_nothing",
			SQL: `SELECT p.agreement_id, p.identity, p.staked_amount FROM agreement_parties p
                  JOIN agreements a ON a.id = p.agreement_id
                  WHERE a.status IN ('fulfilled','breached') AND p.staked_amount > 0`,
		},
		{
			Name: "O3_escrow_matches_held",
			SQL: `WITH escrow AS (
                      SELECT COALESCE((SELECT balance FROM wallet_balances WHERE identity = 'escrow'), 0) AS balance),
                  held AS (
                      SELECT COALESCE(SUM(staked_amount), 0) AS total FROM agreement_parties)
                  SELECT escrow.balance, held.total FROM escrow, held WHERE escrow.balance <> held.total`,
		},
		{
			Name: "O4_pending_conditions_met",
			SQL: `SELECT a.id FROM agreements a
                  WHERE a.status = 'pending'
                    AND EXISTS (SELECT 1 FROM agreement_parties p WHERE p.agreement_id = a.id)
                    AND NOT EXISTS (
                        SELECT 1 FROM agreement_parties p
                        WHERE p.agreement_id = a.id
                          AND ((p.requires_signature AND NOT p.has_signed)
                            OR (p.requires_staking AND p.staked_amount < a.total_staking_amount * p.stake_ratio / 100)))`,
		},
		{
			Name: "O5_exact_stakes",
			SQL: `SELECT p.agreement_id, p.identity, p.staked_amount FROM agreement_parties p
                  JOIN agreements a ON a.id = p.agreement_id
                  WHERE p.staked_amount > 0
                    AND (NOT p.requires_staking OR p.staked_amount <> a.total_staking_amount * p.stake_ratio / 100)`,
		},
		{
			Name: "O6_outbox_stale",
			SQL: `SELECT id::text FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now()-created_at > interval '5 minutes'`,
		},
		{
			Name: "O7_agreement_delete_guard",
			SQL: `SELECT 'missing_no_delete_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname='no_delete_agreements')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
