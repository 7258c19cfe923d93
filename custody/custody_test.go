package custody

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jayantna/Contractly/settlement"
)

func fundedLedger(t *testing.T, balances map[string]uint64) *Ledger {
	t.Helper()
	l := NewLedger()
	for id, amount := range balances {
		require.NoError(t, l.Credit(context.Background(), id, amount))
	}
	return l
}

func balance(t *testing.T, l *Ledger, id string) uint64 {
	t.Helper()
	b, err := l.Balance(context.Background(), id)
	require.NoError(t, err)
	return b
}

func TestLedger_DepositAndRelease(t *testing.T) {
	ctx := context.Background()
	l := fundedLedger(t, map[string]uint64{"alice": 100})

	require.NoError(t, l.Deposit(ctx, "alice", 60))
	assert.Equal(t, uint64(40), balance(t, l, "alice"))
	assert.Equal(t, uint64(60), balance(t, l, EscrowAccount))

	require.NoError(t, l.Release(ctx, []settlement.Payout{{To: "alice", Amount: 20}, {To: "bob", Amount: 40}}))
	assert.Equal(t, uint64(60), balance(t, l, "alice"))
	assert.Equal(t, uint64(40), balance(t, l, "bob"))
	assert.Zero(t, balance(t, l, EscrowAccount))
}

func TestLedger_DepositInsufficientFunds(t *testing.T) {
	l := fundedLedger(t, map[string]uint64{"alice": 10})

	err := l.Deposit(context.Background(), "alice", 11)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, uint64(10), balance(t, l, "alice"))
}

func TestLedger_ReleaseIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	l := fundedLedger(t, map[string]uint64{EscrowAccount: 100})
	l.Reject("bob", nil)

	err := l.Release(ctx, []settlement.Payout{{To: "alice", Amount: 50}, {To: "bob", Amount: 50}})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Zero(t, balance(t, l, "alice"))
	assert.Equal(t, uint64(100), balance(t, l, EscrowAccount))

	l.Accept("bob")
	require.NoError(t, l.Release(ctx, []settlement.Payout{{To: "alice", Amount: 50}, {To: "bob", Amount: 50}}))
}

func TestLedger_ReleaseMoreThanEscrowFails(t *testing.T) {
	l := fundedLedger(t, map[string]uint64{EscrowAccount: 10})

	err := l.Release(context.Background(), []settlement.Payout{{To: "alice", Amount: 11}})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestSequential_CompensatesPushedTransfers(t *testing.T) {
	ctx := context.Background()
	rail := fundedLedger(t, map[string]uint64{EscrowAccount: 90})
	rail.Reject("carol", nil)
	seq := NewSequential(rail, zerolog.Nop())

	err := seq.Release(ctx, []settlement.Payout{
		{To: "alice", Amount: 30},
		{To: "bob", Amount: 30},
		{To: "carol", Amount: 30},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
	assert.False(t, errors.Is(err, ErrCompensationFailed))

	assert.Zero(t, balance(t, rail, "alice"))
	assert.Zero(t, balance(t, rail, "bob"))
	assert.Equal(t, uint64(90), balance(t, rail, EscrowAccount))
}

type flakyRail struct {
	*Ledger
	pullErr error
}

func (f *flakyRail) Pull(ctx context.Context, from string, amount uint64) error {
	if f.pullErr != nil {
		return f.pullErr
	}
	return f.Ledger.Pull(ctx, from, amount)
}

func TestSequential_ReportsFailedCompensation(t *testing.T) {
	ctx := context.Background()
	ledger := fundedLedger(t, map[string]uint64{EscrowAccount: 20})
	ledger.Reject("bob", nil)
	rail := &flakyRail{Ledger: ledger, pullErr: errors.New("rail offline")}

	err := NewSequential(rail, zerolog.Nop()).Release(ctx, []settlement.Payout{
		{To: "alice", Amount: 10},
		{To: "bob", Amount: 10},
	})
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorIs(t, err, ErrCompensationFailed)
}

func TestSequential_DepositPullsFromRail(t *testing.T) {
	rail := fundedLedger(t, map[string]uint64{"alice": 5})

	require.NoError(t, NewSequential(rail, zerolog.Nop()).Deposit(context.Background(), "alice", 5))
	assert.Equal(t, uint64(5), balance(t, rail, EscrowAccount))
}
