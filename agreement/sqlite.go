package agreement

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/jayantna/Contractly/db"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStore keeps each agreement as one JSON record in an embedded SQLite
// database, next to an append-only event log. A single connection serializes
// every unit of work. Update hands its transaction to fn through
// db.WithSQLTx so custody sharing the database commits with the record.
type SQLiteStore struct {
	db   *sql.DB
	sink Sink
	log  zerolog.Logger
}

// OpenSQLite creates or opens the database at path. Use ":memory:" for a
// throwaway store.
func OpenSQLite(path string, sink Sink, log zerolog.Logger) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("agreement: open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("agreement: %s: %w", pragma, err)
		}
	}
	if _, err := conn.Exec(sqliteSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("agreement: apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: conn, sink: sink, log: log}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying database so wallets and the allow-list can live
// next to the agreements. Collaborators called from inside Update must use
// the transaction from db.SQLTxFromContext; the only connection is taken.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

type sqliteParty struct {
	Identity          string `json:"identity"`
	RequiresSignature bool   `json:"requires_signature"`
	RequiresStaking   bool   `json:"requires_staking"`
	StakeRatio        uint8  `json:"stake_ratio"`
	HasSigned         bool   `json:"has_signed"`
	Staked            uint64 `json:"staked,omitempty"`
}

type sqliteRecord struct {
	Title              string        `json:"title"`
	Creator            string        `json:"creator"`
	CreationTime       time.Time     `json:"creation_time"`
	ExpirationTime     time.Time     `json:"expiration_time"`
	DisputeWindow      time.Duration `json:"dispute_window"`
	TotalStakingAmount uint64        `json:"total_staking_amount"`
	Status             Status        `json:"status"`
	Parties            []sqliteParty `json:"parties"`
}

func encodeRecord(a *Agreement) ([]byte, error) {
	rec := sqliteRecord{
		Title:              a.Title,
		Creator:            a.Creator,
		CreationTime:       a.CreationTime,
		ExpirationTime:     a.ExpirationTime,
		DisputeWindow:      a.DisputeWindow,
		TotalStakingAmount: a.TotalStakingAmount,
		Status:             a.Status,
		Parties:            make([]sqliteParty, 0, len(a.PartyAddresses)),
	}
	for _, id := range a.PartyAddresses {
		p := a.Parties[id]
		rec.Parties = append(rec.Parties, sqliteParty{
			Identity:          id,
			RequiresSignature: p.RequiresSignature,
			RequiresStaking:   p.RequiresStaking,
			StakeRatio:        p.StakeRatio,
			HasSigned:         p.HasSigned,
			Staked:            a.Stakes[id],
		})
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("agreement: encode record: %w", err)
	}
	return data, nil
}

func decodeRecord(id uint64, data []byte) (Agreement, error) {
	var rec sqliteRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return Agreement{}, fmt.Errorf("agreement: decode record %d: %w", id, err)
	}
	a := Agreement{
		ID:                 id,
		Title:              rec.Title,
		Creator:            rec.Creator,
		CreationTime:       rec.CreationTime,
		ExpirationTime:     rec.ExpirationTime,
		DisputeWindow:      rec.DisputeWindow,
		TotalStakingAmount: rec.TotalStakingAmount,
		Status:             rec.Status,
		PartyAddresses:     make([]string, 0, len(rec.Parties)),
		Parties:            make(map[string]*Party, len(rec.Parties)),
		Stakes:             make(map[string]uint64),
	}
	for _, p := range rec.Parties {
		a.PartyAddresses = append(a.PartyAddresses, p.Identity)
		a.Parties[p.Identity] = &Party{
			Identity:          p.Identity,
			RequiresSignature: p.RequiresSignature,
			RequiresStaking:   p.RequiresStaking,
			StakeRatio:        p.StakeRatio,
			HasSigned:         p.HasSigned,
		}
		if p.Staked > 0 {
			a.Stakes[p.Identity] = p.Staked
		}
	}
	return a, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, draft Agreement, events []Event) (Agreement, error) {
	data, err := encodeRecord(&draft)
	if err != nil {
		return Agreement{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO agreements (status, record, updated_at) VALUES (?, ?, ?)`,
		string(draft.Status), string(data), time.Now().UnixNano())
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: insert id: %w", err)
	}
	draft.ID = uint64(id)

	stampEvents(events, draft.ID)
	if err := appendSQLiteEvents(ctx, tx, events); err != nil {
		return Agreement{}, err
	}
	if err := tx.Commit(); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit tx: %w", err)
	}
	s.publish(ctx, events)
	return draft.Clone(), nil
}

func (s *SQLiteStore) Get(ctx context.Context, id uint64) (Agreement, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM agreements WHERE id = ?`, int64(id)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Agreement{}, ErrAgreementNotFound
	}
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: get: %w", err)
	}
	return decodeRecord(id, []byte(data))
}

func (s *SQLiteStore) Update(ctx context.Context, id uint64, fn UpdateFunc) (Agreement, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback()

	var data string
	err = tx.QueryRowContext(ctx, `SELECT record FROM agreements WHERE id = ?`, int64(id)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Agreement{}, ErrAgreementNotFound
	}
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: load: %w", err)
	}
	working, err := decodeRecord(id, []byte(data))
	if err != nil {
		return Agreement{}, err
	}

	events, err := fn(db.WithSQLTx(ctx, tx), &working)
	if err != nil {
		return Agreement{}, err
	}
	working.ID = id

	encoded, err := encodeRecord(&working)
	if err != nil {
		return Agreement{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE agreements SET status = ?, record = ?, updated_at = ? WHERE id = ?`,
		string(working.Status), string(encoded), time.Now().UnixNano(), int64(id)); err != nil {
		return Agreement{}, fmt.Errorf("agreement: update: %w", err)
	}
	stampEvents(events, id)
	if err := appendSQLiteEvents(ctx, tx, events); err != nil {
		return Agreement{}, err
	}
	if err := tx.Commit(); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit tx: %w", err)
	}
	s.publish(ctx, events)
	return working, nil
}

func (s *SQLiteStore) List(ctx context.Context, filters ListFilters) ([]Agreement, int, error) {
	filters = filters.normalize()

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agreements WHERE (? = '' OR status = ?)`,
		string(filters.Status), string(filters.Status)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("agreement: count: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, record FROM agreements
		WHERE (? = '' OR status = ?)
		ORDER BY id
		LIMIT ? OFFSET ?`,
		string(filters.Status), string(filters.Status), filters.PageSize, filters.offset())
	if err != nil {
		return nil, 0, fmt.Errorf("agreement: list: %w", err)
	}
	defer rows.Close()

	out := make([]Agreement, 0, filters.PageSize)
	for rows.Next() {
		var (
			id   int64
			data string
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, 0, fmt.Errorf("agreement: scan: %w", err)
		}
		a, err := decodeRecord(uint64(id), []byte(data))
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("agreement: list rows: %w", err)
	}
	return out, total, nil
}

// EventLog returns the persisted events of one agreement in commit order.
func (s *SQLiteStore) EventLog(ctx context.Context, id uint64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, payload, at FROM agreement_events
		WHERE agreement_id = ?
		ORDER BY seq`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("agreement: event log: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			typ     string
			payload string
			at      int64
		)
		if err := rows.Scan(&typ, &payload, &at); err != nil {
			return nil, fmt.Errorf("agreement: scan event: %w", err)
		}
		var e Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("agreement: decode event: %w", err)
		}
		e.Type = EventType(typ)
		e.AgreementID = id
		e.At = time.Unix(0, at).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func appendSQLiteEvents(ctx context.Context, tx *sql.Tx, events []Event) error {
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("agreement: encode event: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO agreement_events (agreement_id, type, payload, at) VALUES (?, ?, ?, ?)`,
			int64(e.AgreementID), string(e.Type), string(payload), e.At.UnixNano()); err != nil {
			return fmt.Errorf("agreement: append event: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) publish(ctx context.Context, events []Event) {
	if s.sink == nil || len(events) == 0 {
		return
	}
	if err := s.sink.Publish(ctx, events); err != nil {
		s.log.Error().Err(err).Uint64("agreement_id", events[0].AgreementID).Msg("publish events")
	}
}
