package agreement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jayantna/Contractly/db"
)

// PGStore persists agreements in PostgreSQL. Update holds a row lock on the
// agreement for the whole unit of work and writes the resulting events to the
// outbox in the same transaction.
type PGStore struct {
	pool db.TxBeginner
}

func NewPGStore(pool db.TxBeginner) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Insert(ctx context.Context, draft Agreement, events []Event) (Agreement, error) {
	tx, err := db.Begin(ctx, s.pool)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	total, err := toInt64(draft.TotalStakingAmount)
	if err != nil {
		return Agreement{}, err
	}

	const insertSQL = `
INSERT INTO agreements (title, creator, created_at, expires_at, dispute_window_us, total_staking_amount, status)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id;
`
	if err := tx.QueryRow(ctx, insertSQL,
		draft.Title,
		draft.Creator,
		draft.CreationTime,
		draft.ExpirationTime,
		draft.DisputeWindow.Microseconds(),
		total,
		string(draft.Status),
	).Scan(&draft.ID); err != nil {
		return Agreement{}, fmt.Errorf("agreement: insert: %w", err)
	}

	if err := s.saveParties(ctx, tx, &draft); err != nil {
		return Agreement{}, err
	}
	stampEvents(events, draft.ID)
	if err := enqueueEvents(ctx, tx, events); err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit tx: %w", err)
	}
	return draft.Clone(), nil
}

func (s *PGStore) Get(ctx context.Context, id uint64) (Agreement, error) {
	tx, err := db.Begin(ctx, s.pool)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return s.load(ctx, tx, id, false)
}

func (s *PGStore) Update(ctx context.Context, id uint64, fn UpdateFunc) (Agreement, error) {
	tx, err := db.Begin(ctx, s.pool)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	working, err := s.load(ctx, tx, id, true)
	if err != nil {
		return Agreement{}, err
	}

	events, err := fn(db.WithTx(ctx, tx), &working)
	if err != nil {
		return Agreement{}, err
	}
	working.ID = id

	const updateSQL = `
UPDATE agreements
SET status = $2,
    updated_at = now()
WHERE id = $1;
`
	if _, err := tx.Exec(ctx, updateSQL, int64(id), string(working.Status)); err != nil {
		return Agreement{}, fmt.Errorf("agreement: update status: %w", err)
	}
	if err := s.saveParties(ctx, tx, &working); err != nil {
		return Agreement{}, err
	}
	stampEvents(events, id)
	if err := enqueueEvents(ctx, tx, events); err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit tx: %w", err)
	}
	return working, nil
}

func (s *PGStore) List(ctx context.Context, filters ListFilters) ([]Agreement, int, error) {
	filters = filters.normalize()

	tx, err := db.Begin(ctx, s.pool)
	if err != nil {
		return nil, 0, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const countSQL = `SELECT COUNT(*) FROM agreements WHERE ($1 = '' OR status = $1);`
	var total int
	if err := tx.QueryRow(ctx, countSQL, string(filters.Status)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("agreement: count: %w", err)
	}

	const pageSQL = `
SELECT id, title, creator, created_at, expires_at, dispute_window_us, total_staking_amount, status
FROM agreements
WHERE ($1 = '' OR status = $1)
ORDER BY id
LIMIT $2 OFFSET $3;
`
	rows, err := tx.Query(ctx, pageSQL, string(filters.Status), filters.PageSize, filters.offset())
	if err != nil {
		return nil, 0, fmt.Errorf("agreement: list: %w", err)
	}
	out := make([]Agreement, 0, filters.PageSize)
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		out = append(out, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("agreement: list rows: %w", err)
	}
	if len(out) == 0 {
		return out, total, nil
	}

	byID := make(map[int64]*Agreement, len(out))
	ids := make([]int64, 0, len(out))
	for i := range out {
		byID[int64(out[i].ID)] = &out[i]
		ids = append(ids, int64(out[i].ID))
	}
	if err := loadParties(ctx, tx, `agreement_id = ANY($1)`, ids, byID); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *PGStore) load(ctx context.Context, tx pgx.Tx, id uint64, forUpdate bool) (Agreement, error) {
	if id > math.MaxInt64 {
		return Agreement{}, ErrAgreementNotFound
	}
	query := `
SELECT id, title, creator, created_at, expires_at, dispute_window_us, total_staking_amount, status
FROM agreements
WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	a, err := scanAgreement(tx.QueryRow(ctx, query, int64(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrAgreementNotFound
		}
		return Agreement{}, err
	}

	byID := map[int64]*Agreement{int64(id): &a}
	if err := loadParties(ctx, tx, `agreement_id = $1`, int64(id), byID); err != nil {
		return Agreement{}, err
	}
	return a, nil
}

func scanAgreement(row pgx.Row) (Agreement, error) {
	var (
		a        Agreement
		id       int64
		windowUS int64
		total    int64
		status   string
	)
	if err := row.Scan(&id, &a.Title, &a.Creator, &a.CreationTime, &a.ExpirationTime, &windowUS, &total, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, err
		}
		return Agreement{}, fmt.Errorf("agreement: scan: %w", err)
	}
	a.ID = uint64(id)
	a.DisputeWindow = time.Duration(windowUS) * time.Microsecond
	a.TotalStakingAmount = uint64(total)
	a.Status = Status(status)
	a.Parties = make(map[string]*Party)
	a.Stakes = make(map[string]uint64)
	return a, nil
}

func loadParties(ctx context.Context, tx pgx.Tx, where string, arg any, byID map[int64]*Agreement) error {
	query := `
SELECT agreement_id, identity, requires_signature, requires_staking, stake_ratio, has_signed, staked_amount
FROM agreement_parties
WHERE ` + where + `
ORDER BY agreement_id, position;`

	rows, err := tx.Query(ctx, query, arg)
	if err != nil {
		return fmt.Errorf("agreement: load parties: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			agreementID int64
			p           Party
			ratio       int16
			staked      int64
		)
		if err := rows.Scan(&agreementID, &p.Identity, &p.RequiresSignature, &p.RequiresStaking, &ratio, &p.HasSigned, &staked); err != nil {
			return fmt.Errorf("agreement: scan party: %w", err)
		}
		a, ok := byID[agreementID]
		if !ok {
			continue
		}
		p.StakeRatio = uint8(ratio)
		a.PartyAddresses = append(a.PartyAddresses, p.Identity)
		a.Parties[p.Identity] = &p
		if staked > 0 {
			a.Stakes[p.Identity] = uint64(staked)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("agreement: load parties rows: %w", err)
	}
	return nil
}

func (s *PGStore) saveParties(ctx context.Context, tx pgx.Tx, a *Agreement) error {
	if len(a.PartyAddresses) == 0 {
		return nil
	}

	const upsertSQL = `
INSERT INTO agreement_parties (agreement_id, identity, position, requires_signature, requires_staking, stake_ratio, has_signed, staked_amount)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (agreement_id, identity) DO UPDATE
SET requires_signature = EXCLUDED.requires_signature,
    requires_staking   = EXCLUDED.requires_staking,
    stake_ratio        = EXCLUDED.stake_ratio,
    has_signed         = EXCLUDED.has_signed,
    staked_amount      = EXCLUDED.staked_amount;
`
	batch := &pgx.Batch{}
	for i, identity := range a.PartyAddresses {
		p := a.Parties[identity]
		staked, err := toInt64(a.Stakes[identity])
		if err != nil {
			return err
		}
		batch.Queue(upsertSQL, int64(a.ID), identity, i, p.RequiresSignature, p.RequiresStaking, int16(p.StakeRatio), p.HasSigned, staked)
	}

	br := tx.SendBatch(ctx, batch)
	for range a.PartyAddresses {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("agreement: upsert party: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("agreement: upsert parties: %w", err)
	}
	return nil
}

func enqueueEvents(ctx context.Context, tx pgx.Tx, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	const insertSQL = `
INSERT INTO outbox (id, topic, agreement_id, payload)
VALUES ($1, $2, $3, $4);
`
	batch := &pgx.Batch{}
	for _, e := range events {
		payload, err := json.Marshal(e.Payload())
		if err != nil {
			return fmt.Errorf("agreement: marshal outbox payload: %w", err)
		}
		batch.Queue(insertSQL, uuid.New(), string(e.Type), int64(e.AgreementID), payload)
	}

	br := tx.SendBatch(ctx, batch)
	for range events {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("agreement: insert outbox message: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("agreement: insert outbox messages: %w", err)
	}
	return nil
}

func toInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("agreement: amount %d exceeds storage range", v)
	}
	return int64(v), nil
}
