package coordinator

import (
	"context"
	"time"

	"github.com/jayantna/Contractly/agreement"
	"github.com/jayantna/Contractly/settlement"
)

// MutualParams describes two peers each staking half of Total.
type MutualParams struct {
	Title         string
	First         string
	Second        string
	Total         uint64
	Expiration    time.Time
	DisputeWindow time.Duration
}

// Mutual runs 50/50 agreements between two peers.
type Mutual struct {
	base
}

func NewMutual(engine Engine, identity string) *Mutual {
	return &Mutual{base{engine: engine, self: identity}}
}

func (m *Mutual) Open(ctx context.Context, p MutualParams) (uint64, error) {
	return m.open(ctx, agreement.CreateParams{
		Title:              p.Title,
		Creator:            p.First,
		ExpirationTime:     p.Expiration,
		DisputeWindow:      p.DisputeWindow,
		TotalStakingAmount: p.Total,
	}, []Member{
		{Identity: p.First, Ratio: 50, RequiresSignature: true},
		{Identity: p.Second, Ratio: 50, RequiresSignature: true},
	})
}

// Commit signs and stakes for party. The second commit locks the agreement.
func (m *Mutual) Commit(ctx context.Context, id uint64, party string) (agreement.Status, error) {
	return m.commit(ctx, id, party, true, true)
}

func (m *Mutual) Complete(ctx context.Context, id uint64) (settlement.Plan, error) {
	return m.engine.Fulfill(ctx, m.self, id)
}

func (m *Mutual) Breach(ctx context.Context, id uint64, party string) (settlement.Plan, error) {
	return m.engine.Breach(ctx, m.self, id, party)
}
