package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns a migrated PostgreSQL database for one test run. The database
// comes from CONTRACTLY_TEST_PG_DSN or DATABASE_URL when set, otherwise from a
// throwaway container, otherwise from a local server.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
	teardown  func(context.Context) error
}

// ErrNoDatabase is returned by NewHarness when no PostgreSQL is reachable.
var ErrNoDatabase = errors.New("infra: no PostgreSQL available")

func NewHarness(ctx context.Context) (*Harness, error) {
	h := &Harness{container: &PGContainer{}}
	shared := true

	switch {
	case os.Getenv(DSNEnv) != "":
		h.dsn = os.Getenv(DSNEnv)
	case os.Getenv("DATABASE_URL") != "":
		h.dsn = os.Getenv("DATABASE_URL")
	case DockerAvailable(ctx):
		c, dsn, err := StartPostgres16(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("start postgres container: %w", err)
		}
		h.container, h.dsn, shared = c, dsn, false
	default:
		dsn, err := InitLocalDatabase(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoDatabase, err)
		}
		h.dsn, shared = dsn, false
	}

	pool, teardown, err := ApplyMigrations(ctx, h.dsn, shared)
	if err != nil {
		_ = h.container.Terminate(ctx)
		return nil, err
	}
	h.pool, h.teardown = pool, teardown
	return h, nil
}

// ForTest returns a harness closed at the end of t, skipping t when no
// database can be reached.
func ForTest(t testing.TB) *Harness {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	h, err := NewHarness(ctx)
	if err != nil {
		t.Skipf("PostgreSQL unavailable: %v", err)
	}
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections (e.g., chaos).
func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.teardown != nil {
		_ = h.teardown(ctx)
	}
	_ = h.container.Terminate(ctx)
}

// Reset truncates mutable tables to provide a clean slate between cases.
func (h *Harness) Reset(ctx context.Context) error {
	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const truncate = `TRUNCATE TABLE agreement_parties, outbox, authorized_callers, credentials, wallet_balances, agreements RESTART IDENTITY CASCADE`
	if _, err := tx.Exec(ctx, truncate); err != nil {
		return fmt.Errorf("reset truncate: %w", err)
	}
	return tx.Commit(ctx)
}
