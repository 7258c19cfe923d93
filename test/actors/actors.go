package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jayantna/Contractly/agreement"
	"github.com/jayantna/Contractly/custody"
	"github.com/jayantna/Contractly/outbox"
	"github.com/jayantna/Contractly/settlement"
)

// Desk is the authorized caller every actor acts through.
type Desk struct {
	Engine *agreement.Engine
	Ledger *custody.PGLedger
	Caller string
}

// Board shares the ids of fully registered agreements between actors.
type Board struct {
	mu  sync.Mutex
	ids []uint64
}

func (b *Board) Post(id uint64) {
	b.mu.Lock()
	b.ids = append(b.ids, id)
	b.mu.Unlock()
}

func (b *Board) Pick(r *rand.Rand) (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ids) == 0 {
		return 0, false
	}
	return b.ids[r.Intn(len(b.ids))], true
}

func (b *Board) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ids)
}

// Tally counts actor outcomes. Engine rejections are expected under
// contention; only internal failures point at a defect or at chaos.
type Tally struct {
	OK       atomic.Int64
	Rejected atomic.Int64
	Internal atomic.Int64
}

func (t *Tally) observe(err error) {
	switch {
	case err == nil:
		t.OK.Add(1)
	case agreement.KindOf(err) == agreement.KindInternal:
		t.Internal.Add(1)
	default:
		t.Rejected.Add(1)
	}
}

func (t *Tally) String() string {
	return fmt.Sprintf("ok=%d rejected=%d internal=%d", t.OK.Load(), t.Rejected.Load(), t.Internal.Load())
}

func done(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

// Opener creates agreements with two or three signing, staking parties whose
// ratios never exceed the cap, funds their wallets and posts them.
func Opener(ctx context.Context, desk Desk, board *Board, tally *Tally, r *rand.Rand, stop <-chan struct{}) error {
	for n := 0; ; n++ {
		if done(ctx, stop) {
			return nil
		}
		id, err := desk.Engine.CreateAgreement(ctx, desk.Caller, agreement.CreateParams{
			Title:              fmt.Sprintf("stress %d", n),
			ExpirationTime:     time.Now().Add(time.Duration(100+r.Intn(400)) * time.Millisecond),
			DisputeWindow:      time.Duration(r.Intn(200)) * time.Millisecond,
			TotalStakingAmount: uint64(100 + r.Intn(900)),
		})
		tally.observe(err)
		if err != nil {
			continue
		}

		members := 2 + r.Intn(2)
		remaining := settlement.MaxRatio
		registered := true
		for i := 0; i < members; i++ {
			ratio := r.Intn(remaining/(members-i) + 1)
			remaining -= ratio
			party := fmt.Sprintf("party-%d-%d", id, i)
			if err := desk.Ledger.Credit(ctx, party, 1000); err != nil {
				tally.observe(err)
				registered = false
				break
			}
			err := desk.Engine.AddParty(ctx, desk.Caller, id, agreement.AddPartyParams{
				Party:             party,
				RequiresSignature: true,
				RequiresStaking:   ratio > 0,
				StakeRatio:        uint8(ratio),
			})
			tally.observe(err)
			if err != nil {
				registered = false
				break
			}
		}
		if registered {
			board.Post(id)
		}
		time.Sleep(time.Duration(10+r.Intn(20)) * time.Millisecond)
	}
}

// Committer signs for and stakes on behalf of random parties of posted
// agreements, racing other committers on the same rows.
func Committer(ctx context.Context, desk Desk, board *Board, tally *Tally, r *rand.Rand, stop <-chan struct{}) error {
	for {
		if done(ctx, stop) {
			return nil
		}
		id, ok := board.Pick(r)
		if !ok {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		n, err := desk.Engine.PartyCount(ctx, id)
		if err != nil || n == 0 {
			tally.observe(err)
			continue
		}
		party, err := desk.Engine.PartyAddressAt(ctx, id, r.Intn(n))
		if err != nil {
			tally.observe(err)
			continue
		}

		_, err = desk.Engine.Sign(ctx, desk.Caller, id, party)
		tally.observe(err)
		amount, err := desk.Engine.RequiredStake(ctx, id, party)
		if err == nil && amount > 0 {
			_, err = desk.Engine.Stake(ctx, desk.Caller, id, party, amount)
		}
		tally.observe(err)
		time.Sleep(time.Duration(5+r.Intn(15)) * time.Millisecond)
	}
}

// Settler fulfills or breaches locked agreements once their timing allows.
func Settler(ctx context.Context, desk Desk, board *Board, tally *Tally, r *rand.Rand, stop <-chan struct{}) error {
	for {
		if done(ctx, stop) {
			return nil
		}
		id, ok := board.Pick(r)
		if !ok {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		a, err := desk.Engine.Agreement(ctx, id)
		if err != nil {
			tally.observe(err)
			continue
		}
		if a.Status != agreement.StatusLocked {
			continue
		}

		if r.Intn(2) == 0 {
			_, err = desk.Engine.Fulfill(ctx, desk.Caller, id)
		} else {
			breacher := a.PartyAddresses[r.Intn(len(a.PartyAddresses))]
			_, err = desk.Engine.Breach(ctx, desk.Caller, id, breacher)
		}
		tally.observe(err)
		time.Sleep(time.Duration(20+r.Intn(40)) * time.Millisecond)
	}
}

var errFlaky = errors.New("flaky consumer")

// OutboxWorker drains the outbox in small rounds alongside normal traffic.
func OutboxWorker(ctx context.Context, d *outbox.Dispatcher, r *rand.Rand, stop <-chan struct{}) error {
	for {
		if done(ctx, stop) {
			return nil
		}
		if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() != nil {
			return nil
		}
		time.Sleep(time.Duration(50+r.Intn(50)) * time.Millisecond)
	}
}

// FlakyHandler fails roughly one message in ten, so retries and dead letters
// happen during the run.
func FlakyHandler(seed int64) outbox.Handler {
	var mu sync.Mutex
	r := rand.New(rand.NewSource(seed))
	return outbox.HandlerFunc(func(context.Context, outbox.Message) error {
		mu.Lock()
		defer mu.Unlock()
		if r.Intn(10) == 0 {
			return errFlaky
		}
		return nil
	})
}
