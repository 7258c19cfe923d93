package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrCredentialNotFound signals that no credential exists for the identity.
	ErrCredentialNotFound = errors.New("auth: credential not found")
	// ErrDuplicateIdentity signals that the identity already has a credential.
	ErrDuplicateIdentity = errors.New("auth: identity already registered")
)

// Repository handles credential storage.
type Repository interface {
	CreateCredential(ctx context.Context, identity, passwordHash string) (Credential, error)
	GetCredential(ctx context.Context, identity string) (Credential, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed credential repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) CreateCredential(ctx context.Context, identity, passwordHash string) (Credential, error) {
	const insertSQL = `
		INSERT INTO credentials (identity, password_hash)
		VALUES ($1, $2)
		RETURNING identity, password_hash, created_at
	`

	var c Credential
	err := r.pool.QueryRow(ctx, insertSQL, identity, passwordHash).Scan(&c.Identity, &c.PasswordHash, &c.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Credential{}, ErrDuplicateIdentity
		}
		return Credential{}, fmt.Errorf("auth: create credential: %w", err)
	}
	return c, nil
}

func (r *PGRepository) GetCredential(ctx context.Context, identity string) (Credential, error) {
	const selectSQL = `
		SELECT identity, password_hash, created_at
		FROM credentials
		WHERE identity = $1
	`

	var c Credential
	err := r.pool.QueryRow(ctx, selectSQL, identity).Scan(&c.Identity, &c.PasswordHash, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Credential{}, ErrCredentialNotFound
		}
		return Credential{}, fmt.Errorf("auth: get credential: %w", err)
	}
	return c, nil
}

// PGAllowList keeps the caller allow-list in the authorized_callers table.
type PGAllowList struct {
	pool *pgxpool.Pool
}

func NewPGAllowList(pool *pgxpool.Pool) *PGAllowList {
	return &PGAllowList{pool: pool}
}

func (l *PGAllowList) Add(ctx context.Context, identity, by string) error {
	const insertSQL = `
		INSERT INTO authorized_callers (identity, authorized_by)
		VALUES ($1, $2)
		ON CONFLICT (identity) DO NOTHING
	`
	if _, err := l.pool.Exec(ctx, insertSQL, identity, by); err != nil {
		return fmt.Errorf("auth: insert authorized caller: %w", err)
	}
	return nil
}

func (l *PGAllowList) Remove(ctx context.Context, identity string) error {
	if _, err := l.pool.Exec(ctx, `DELETE FROM authorized_callers WHERE identity = $1`, identity); err != nil {
		return fmt.Errorf("auth: delete authorized caller: %w", err)
	}
	return nil
}

func (l *PGAllowList) Contains(ctx context.Context, identity string) (bool, error) {
	var ok bool
	err := l.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM authorized_callers WHERE identity = $1)`, identity).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("auth: lookup authorized caller: %w", err)
	}
	return ok, nil
}

// MemoryRepository keeps credentials in process for the memory store driver.
type MemoryRepository struct {
	mu    sync.Mutex
	creds map[string]Credential
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{creds: make(map[string]Credential)}
}

func (m *MemoryRepository) CreateCredential(_ context.Context, identity, passwordHash string) (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.creds[identity]; exists {
		return Credential{}, ErrDuplicateIdentity
	}
	c := Credential{Identity: identity, PasswordHash: passwordHash, CreatedAt: time.Now().UTC()}
	m.creds[identity] = c
	return c, nil
}

func (m *MemoryRepository) GetCredential(_ context.Context, identity string) (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[identity]
	if !ok {
		return Credential{}, ErrCredentialNotFound
	}
	return c, nil
}
