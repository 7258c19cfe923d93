package coordinator

import (
	"context"
	"time"

	"github.com/jayantna/Contractly/agreement"
	"github.com/jayantna/Contractly/settlement"
)

// SplitParams describes an N-party agreement with arbitrary stake ratios.
// Members with a zero ratio take part without staking.
type SplitParams struct {
	Title         string
	Total         uint64
	Members       []Member
	Expiration    time.Time
	DisputeWindow time.Duration
}

// Split runs N-party agreements.
type Split struct {
	base
}

func NewSplit(engine Engine, identity string) *Split {
	return &Split{base{engine: engine, self: identity}}
}

func (s *Split) Open(ctx context.Context, p SplitParams) (uint64, error) {
	return s.open(ctx, agreement.CreateParams{
		Title:              p.Title,
		ExpirationTime:     p.Expiration,
		DisputeWindow:      p.DisputeWindow,
		TotalStakingAmount: p.Total,
	}, p.Members)
}

// Commit performs whatever the member owes: a signature, a stake, or both.
func (s *Split) Commit(ctx context.Context, id uint64, party string) (agreement.Status, error) {
	view, err := s.engine.Party(ctx, id, party)
	if err != nil {
		return "", err
	}
	return s.commit(ctx, id, party, view.RequiresSignature, view.RequiresStaking)
}

func (s *Split) Settle(ctx context.Context, id uint64) (settlement.Plan, error) {
	return s.engine.Fulfill(ctx, s.self, id)
}

func (s *Split) Breach(ctx context.Context, id uint64, party string) (settlement.Plan, error) {
	return s.engine.Breach(ctx, s.self, id, party)
}
