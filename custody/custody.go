// Package custody holds staked value between staking and settlement.
package custody

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jayantna/Contractly/settlement"
)

// EscrowAccount is the wallet that holds staked value.
const EscrowAccount = "escrow"

var (
	// ErrInsufficientFunds signals the debited wallet cannot cover the transfer.
	ErrInsufficientFunds = errors.New("custody: insufficient funds")
	// ErrRejected signals the recipient refused the transfer.
	ErrRejected = errors.New("custody: transfer rejected")
	// ErrCompensationFailed signals a partially applied batch could not be undone.
	ErrCompensationFailed = errors.New("custody: compensation failed")
)

// Rail moves value one transfer at a time between a party and escrow.
type Rail interface {
	Pull(ctx context.Context, from string, amount uint64) error
	Push(ctx context.Context, to string, amount uint64) error
}

// Ledger is an in-process wallet book. Release batches are applied
// atomically: either every payout lands or none does.
type Ledger struct {
	mu       sync.Mutex
	balances map[string]uint64
	rejected map[string]error
}

func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[string]uint64),
		rejected: make(map[string]error),
	}
}

// Credit mints amount into identity's wallet.
func (l *Ledger) Credit(_ context.Context, identity string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[identity] += amount
	return nil
}

// Balance reports identity's wallet balance.
func (l *Ledger) Balance(_ context.Context, identity string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[identity], nil
}

// Reject makes every future transfer to identity fail with err (ErrRejected if nil).
func (l *Ledger) Reject(identity string, err error) {
	if err == nil {
		err = ErrRejected
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejected[identity] = err
}

// Accept clears a rejection installed by Reject.
func (l *Ledger) Accept(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rejected, identity)
}

// Deposit moves amount from the party's wallet into escrow.
func (l *Ledger) Deposit(_ context.Context, from string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[from] < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientFunds, from, l.balances[from], amount)
	}
	l.balances[from] -= amount
	l.balances[EscrowAccount] += amount
	return nil
}

// Release pays out every transfer in the batch from escrow.
func (l *Ledger) Release(_ context.Context, payouts []settlement.Payout) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var total uint64
	for _, p := range payouts {
		if err, ok := l.rejected[p.To]; ok {
			return fmt.Errorf("custody: release %d to %s: %w", p.Amount, p.To, err)
		}
		total += p.Amount
	}
	if l.balances[EscrowAccount] < total {
		return fmt.Errorf("%w: escrow has %d, batch needs %d", ErrInsufficientFunds, l.balances[EscrowAccount], total)
	}
	for _, p := range payouts {
		l.balances[EscrowAccount] -= p.Amount
		l.balances[p.To] += p.Amount
	}
	return nil
}

// Pull implements Rail.
func (l *Ledger) Pull(ctx context.Context, from string, amount uint64) error {
	return l.Deposit(ctx, from, amount)
}

// Push implements Rail.
func (l *Ledger) Push(ctx context.Context, to string, amount uint64) error {
	return l.Release(ctx, []settlement.Payout{{To: to, Amount: amount}})
}

// Sequential adapts a Rail that can only move one transfer at a time. A
// failed batch is unwound by pulling back the transfers already pushed, in
// reverse order.
type Sequential struct {
	rail Rail
	log  zerolog.Logger
}

func NewSequential(rail Rail, log zerolog.Logger) *Sequential {
	return &Sequential{rail: rail, log: log}
}

func (s *Sequential) Deposit(ctx context.Context, from string, amount uint64) error {
	return s.rail.Pull(ctx, from, amount)
}

func (s *Sequential) Release(ctx context.Context, payouts []settlement.Payout) error {
	for i, p := range payouts {
		err := s.rail.Push(ctx, p.To, p.Amount)
		if err == nil {
			continue
		}
		if cerr := s.compensate(ctx, payouts[:i]); cerr != nil {
			return errors.Join(fmt.Errorf("custody: push %d to %s: %w", p.Amount, p.To, err), cerr)
		}
		return fmt.Errorf("custody: push %d to %s: %w", p.Amount, p.To, err)
	}
	return nil
}

func (s *Sequential) compensate(ctx context.Context, pushed []settlement.Payout) error {
	var failed []error
	for i := len(pushed) - 1; i >= 0; i-- {
		p := pushed[i]
		if err := s.rail.Pull(ctx, p.To, p.Amount); err != nil {
			s.log.Error().Err(err).Str("party", p.To).Uint64("amount", p.Amount).Msg("compensating pull failed")
			failed = append(failed, fmt.Errorf("pull back %d from %s: %w", p.Amount, p.To, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: %w", ErrCompensationFailed, errors.Join(failed...))
	}
	return nil
}
