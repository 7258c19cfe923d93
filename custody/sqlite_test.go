package custody

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jayantna/Contractly/db"
	"github.com/jayantna/Contractly/settlement"
)

func openSQLiteLedger(t *testing.T, path string) (*sql.DB, *SQLiteLedger) {
	t.Helper()
	conn, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })
	l, err := NewSQLiteLedger(context.Background(), conn)
	require.NoError(t, err)
	return conn, l
}

func sqliteBalance(t *testing.T, l *SQLiteLedger, id string) uint64 {
	t.Helper()
	b, err := l.Balance(context.Background(), id)
	require.NoError(t, err)
	return b
}

func TestSQLiteLedger_DepositAndRelease(t *testing.T) {
	ctx := context.Background()
	_, l := openSQLiteLedger(t, filepath.Join(t.TempDir(), "wallets.db"))
	require.NoError(t, l.Credit(ctx, "alice", 100))

	require.NoError(t, l.Deposit(ctx, "alice", 60))
	assert.Equal(t, uint64(40), sqliteBalance(t, l, "alice"))
	assert.Equal(t, uint64(60), sqliteBalance(t, l, EscrowAccount))

	require.NoError(t, l.Release(ctx, []settlement.Payout{{To: "alice", Amount: 20}, {To: "bob", Amount: 40}}))
	assert.Equal(t, uint64(60), sqliteBalance(t, l, "alice"))
	assert.Equal(t, uint64(40), sqliteBalance(t, l, "bob"))
	assert.Zero(t, sqliteBalance(t, l, EscrowAccount))
}

func TestSQLiteLedger_InsufficientFunds(t *testing.T) {
	ctx := context.Background()
	_, l := openSQLiteLedger(t, filepath.Join(t.TempDir(), "wallets.db"))
	require.NoError(t, l.Credit(ctx, "alice", 10))

	assert.ErrorIs(t, l.Deposit(ctx, "alice", 11), ErrInsufficientFunds)
	assert.ErrorIs(t, l.Deposit(ctx, "nobody", 1), ErrInsufficientFunds)
	assert.ErrorIs(t, l.Release(ctx, []settlement.Payout{{To: "alice", Amount: 1}}), ErrInsufficientFunds)
	assert.Equal(t, uint64(10), sqliteBalance(t, l, "alice"))
	assert.Zero(t, sqliteBalance(t, l, EscrowAccount))
}

func TestSQLiteLedger_JoinsCallerTransaction(t *testing.T) {
	ctx := context.Background()
	conn, l := openSQLiteLedger(t, filepath.Join(t.TempDir(), "wallets.db"))
	require.NoError(t, l.Credit(ctx, "alice", 100))

	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	txCtx := db.WithSQLTx(ctx, tx)
	require.NoError(t, l.Deposit(txCtx, "alice", 70))
	b, err := l.Balance(txCtx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(30), b)
	require.NoError(t, tx.Rollback())

	assert.Equal(t, uint64(100), sqliteBalance(t, l, "alice"))
	assert.Zero(t, sqliteBalance(t, l, EscrowAccount))
}

func TestSQLiteLedger_BalancesPersist(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wallets.db")
	conn, l := openSQLiteLedger(t, path)
	require.NoError(t, l.Credit(ctx, "alice", 100))
	require.NoError(t, l.Deposit(ctx, "alice", 25))
	require.NoError(t, conn.Close())

	_, l = openSQLiteLedger(t, path)
	assert.Equal(t, uint64(75), sqliteBalance(t, l, "alice"))
	assert.Equal(t, uint64(25), sqliteBalance(t, l, EscrowAccount))
}
