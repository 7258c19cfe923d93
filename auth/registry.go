package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jayantna/Contractly/agreement"
)

var (
	// ErrNotOwner signals a registry change attempted by someone other than the owner.
	ErrNotOwner = fmt.Errorf("%w: owner only", agreement.ErrUnauthorized)
	// ErrEmptyIdentity signals a blank identity.
	ErrEmptyIdentity = errors.New("auth: identity is required")
)

// AllowList stores the identities permitted to mutate agreements.
type AllowList interface {
	Add(ctx context.Context, identity, by string) error
	Remove(ctx context.Context, identity string) error
	Contains(ctx context.Context, identity string) (bool, error)
}

// Registry is the owner-controlled allow-list of engine callers. The owner
// manages the list but is not on it unless it authorizes itself.
type Registry struct {
	owner string
	list  AllowList
	log   zerolog.Logger
}

func NewRegistry(owner string, list AllowList, log zerolog.Logger) *Registry {
	if list == nil {
		list = NewMemoryAllowList()
	}
	return &Registry{owner: owner, list: list, log: log}
}

// Owner returns the identity allowed to change the registry.
func (r *Registry) Owner() string {
	return r.owner
}

// Authorize adds identity to the allow-list. Only the owner may call it.
func (r *Registry) Authorize(ctx context.Context, caller, identity string) error {
	if err := r.checkOwner(caller, identity); err != nil {
		return err
	}
	if err := r.list.Add(ctx, identity, caller); err != nil {
		return fmt.Errorf("auth: authorize %s: %w", identity, err)
	}
	r.log.Info().Str("identity", identity).Msg("caller authorized")
	return nil
}

// Revoke removes identity from the allow-list. Only the owner may call it.
func (r *Registry) Revoke(ctx context.Context, caller, identity string) error {
	if err := r.checkOwner(caller, identity); err != nil {
		return err
	}
	if err := r.list.Remove(ctx, identity); err != nil {
		return fmt.Errorf("auth: revoke %s: %w", identity, err)
	}
	r.log.Info().Str("identity", identity).Msg("caller revoked")
	return nil
}

// IsAuthorized reports whether identity is on the allow-list.
func (r *Registry) IsAuthorized(ctx context.Context, identity string) (bool, error) {
	if strings.TrimSpace(identity) == "" {
		return false, nil
	}
	return r.list.Contains(ctx, identity)
}

func (r *Registry) checkOwner(caller, identity string) error {
	if r.owner == "" || caller != r.owner {
		return ErrNotOwner
	}
	if strings.TrimSpace(identity) == "" {
		return ErrEmptyIdentity
	}
	return nil
}

// MemoryAllowList is an in-process AllowList.
type MemoryAllowList struct {
	mu  sync.RWMutex
	ids map[string]string
}

func NewMemoryAllowList() *MemoryAllowList {
	return &MemoryAllowList{ids: make(map[string]string)}
}

func (m *MemoryAllowList) Add(_ context.Context, identity, by string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids[identity] = by
	return nil
}

func (m *MemoryAllowList) Remove(_ context.Context, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ids, identity)
	return nil
}

func (m *MemoryAllowList) Contains(_ context.Context, identity string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.ids[identity]
	return ok, nil
}
