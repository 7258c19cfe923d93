package auth

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T, path string) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, ApplySQLiteSchema(context.Background(), conn))
	return conn
}

func TestSQLiteAllowList_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "auth.db")

	conn := openSQLite(t, path)
	r := NewRegistry("root", NewSQLiteAllowList(conn), zerolog.Nop())
	require.NoError(t, r.Authorize(ctx, "root", "delivery"))
	require.NoError(t, r.Authorize(ctx, "root", "delivery"))
	require.NoError(t, r.Authorize(ctx, "root", "billing"))
	require.NoError(t, r.Revoke(ctx, "root", "billing"))
	require.NoError(t, conn.Close())

	list := NewSQLiteAllowList(openSQLite(t, path))
	ok, err := list.Contains(ctx, "delivery")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = list.Contains(ctx, "billing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteRepository_Credentials(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "auth.db")

	conn := openSQLite(t, path)
	repo := NewSQLiteRepository(conn)
	created, err := repo.CreateCredential(ctx, "alice", "hash-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", created.Identity)

	_, err = repo.CreateCredential(ctx, "alice", "hash-2")
	assert.ErrorIs(t, err, ErrDuplicateIdentity)
	require.NoError(t, conn.Close())

	repo = NewSQLiteRepository(openSQLite(t, path))
	got, err := repo.GetCredential(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "hash-1", got.PasswordHash)
	assert.True(t, got.CreatedAt.Equal(created.CreatedAt))

	_, err = repo.GetCredential(ctx, "bob")
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}
