package agreement

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/jayantna/Contractly/custody"
	"github.com/jayantna/Contractly/settlement"
	"github.com/jayantna/Contractly/test/infra"
)

// failAfterRelease applies the release and then reports a failure, so the
// surrounding unit of work must undo the wallet movements.
type failAfterRelease struct {
	*custody.PGLedger
}

func (f failAfterRelease) Release(ctx context.Context, payouts []settlement.Payout) error {
	if err := f.PGLedger.Release(ctx, payouts); err != nil {
		return err
	}
	return errors.New("downstream confirmation lost")
}

func pgEngine(t *testing.T, pool *pgxpool.Pool, cust Custody, clock *testClock) *Engine {
	t.Helper()
	return NewEngine(NewPGStore(pool), staticAuth{operator: true}, cust, WithClock(clock.Now))
}

func outboxCount(t *testing.T, ctx context.Context, pool *pgxpool.Pool, id uint64, topic EventType) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE agreement_id = $1 AND topic = $2`, int64(id), string(topic)).Scan(&n))
	return n
}

func TestPGStore_Lifecycle_Integration(t *testing.T) {
	h := infra.ForTest(t)
	pool := h.Pool()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	ledger := custody.NewPGLedger(pool)
	require.NoError(t, ledger.Credit(ctx, "alice", 1000))
	require.NoError(t, ledger.Credit(ctx, "bob", 1000))
	clock := &testClock{now: time.Now().UTC().Truncate(time.Microsecond)}
	engine := pgEngine(t, pool, ledger, clock)

	id, err := engine.CreateAgreement(ctx, operator, CreateParams{
		Title:              "warehouse lease",
		ExpirationTime:     clock.Now().Add(time.Hour),
		DisputeWindow:      time.Minute,
		TotalStakingAmount: 100,
	})
	require.NoError(t, err)
	require.NoError(t, engine.AddParty(ctx, operator, id, AddPartyParams{Party: "alice", RequiresSignature: true, RequiresStaking: true, StakeRatio: 50}))
	require.NoError(t, engine.AddParty(ctx, operator, id, AddPartyParams{Party: "bob", RequiresSignature: true, RequiresStaking: true, StakeRatio: 50}))

	for _, p := range []string{"alice", "bob"} {
		_, err := engine.Sign(ctx, operator, id, p)
		require.NoError(t, err)
	}
	_, err = engine.Stake(ctx, operator, id, "alice", 50)
	require.NoError(t, err)
	status, err := engine.Stake(ctx, operator, id, "bob", 50)
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, status)

	escrow, err := ledger.Balance(ctx, custody.EscrowAccount)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), escrow)

	a, err := engine.Agreement(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, a.PartyAddresses)
	assert.Equal(t, time.Minute, a.DisputeWindow)
	assert.Equal(t, uint64(50), a.Stakes["bob"])

	clock.Advance(time.Hour + time.Minute)
	failing := pgEngine(t, pool, failAfterRelease{ledger}, clock)
	_, err = failing.Breach(ctx, operator, id, "alice")
	assert.ErrorIs(t, err, ErrTransferFailed)

	bob, err := ledger.Balance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(950), bob, "rolled back release must not credit bob")
	a, err = engine.Agreement(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, a.Status)

	plan, err := engine.Breach(ctx, operator, id, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), plan.Total())

	bob, err = ledger.Balance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(1050), bob)
	a, err = engine.Agreement(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusBreached, a.Status)
	assert.Zero(t, a.HeldTotal())

	assert.Equal(t, 1, outboxCount(t, ctx, pool, id, EventAgreementCreated))
	assert.Equal(t, 2, outboxCount(t, ctx, pool, id, EventFundsStaked))
	assert.Equal(t, 1, outboxCount(t, ctx, pool, id, EventAgreementLocked))
	assert.Equal(t, 1, outboxCount(t, ctx, pool, id, EventAgreementBreached))
	assert.Equal(t, 2, outboxCount(t, ctx, pool, id, EventFundsReleased))

	_, err = pool.Exec(ctx, `DELETE FROM agreements WHERE id = $1`, int64(id))
	assert.Error(t, err, "agreements must be append-only")
}

func TestPGStore_ConcurrentStakes_Integration(t *testing.T) {
	h := infra.ForTest(t)
	pool := h.Pool()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	ledger := custody.NewPGLedger(pool)
	clock := &testClock{now: time.Now().UTC()}
	engine := pgEngine(t, pool, ledger, clock)

	id, err := engine.CreateAgreement(ctx, operator, CreateParams{ExpirationTime: clock.Now().Add(time.Hour), TotalStakingAmount: 500})
	require.NoError(t, err)
	parties := make([]string, 5)
	for i := range parties {
		parties[i] = fmt.Sprintf("member-%d", i)
		require.NoError(t, ledger.Credit(ctx, parties[i], 100))
		require.NoError(t, engine.AddParty(ctx, operator, id, AddPartyParams{Party: parties[i], RequiresStaking: true, StakeRatio: 20}))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range parties {
		p := p
		g.Go(func() error {
			_, err := engine.Stake(gctx, operator, id, p, 100)
			return err
		})
	}
	require.NoError(t, g.Wait())

	a, err := engine.Agreement(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, a.Status)
	assert.Equal(t, uint64(500), a.HeldTotal())
	assert.Equal(t, 1, outboxCount(t, ctx, pool, id, EventAgreementLocked))

	list, total, err := engine.List(ctx, ListFilters{Status: StatusLocked})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, 1)
	require.NotEmpty(t, list)
	assert.Len(t, list[len(list)-1].PartyAddresses, 5)
}
