// Package coordinator holds front ends that shape the generic agreement
// engine into specific business arrangements. Each coordinator acts under its
// own identity, which must be on the engine's allow-list.
package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/jayantna/Contractly/agreement"
	"github.com/jayantna/Contractly/settlement"
)

// Engine is the capability set a coordinator needs from the agreement engine.
type Engine interface {
	CreateAgreement(ctx context.Context, caller string, p agreement.CreateParams) (uint64, error)
	AddParty(ctx context.Context, caller string, id uint64, p agreement.AddPartyParams) error
	Sign(ctx context.Context, caller string, id uint64, party string) (agreement.Status, error)
	Stake(ctx context.Context, caller string, id uint64, party string, amount uint64) (agreement.Status, error)
	Fulfill(ctx context.Context, caller string, id uint64) (settlement.Plan, error)
	Breach(ctx context.Context, caller string, id uint64, breaching string) (settlement.Plan, error)
	RequiredStake(ctx context.Context, id uint64, party string) (uint64, error)
	Party(ctx context.Context, id uint64, party string) (agreement.PartyView, error)
}

var _ Engine = (*agreement.Engine)(nil)

var (
	// ErrDuplicateMember signals the same identity listed twice.
	ErrDuplicateMember = errors.New("coordinator: duplicate member")
	// ErrRatioSum signals member ratios adding up to more than 100.
	ErrRatioSum = errors.New("coordinator: member ratios exceed 100")
	// ErrNoMembers signals an arrangement without parties.
	ErrNoMembers = errors.New("coordinator: at least one member is required")
)

// Member is one participant in an arrangement.
type Member struct {
	Identity          string
	Ratio             uint8
	RequiresSignature bool
}

type base struct {
	engine Engine
	self   string
}

// open creates the agreement and registers every member in order.
func (b base) open(ctx context.Context, p agreement.CreateParams, members []Member) (uint64, error) {
	if err := validateMembers(members); err != nil {
		return 0, err
	}
	id, err := b.engine.CreateAgreement(ctx, b.self, p)
	if err != nil {
		return 0, err
	}
	for _, m := range members {
		err := b.engine.AddParty(ctx, b.self, id, agreement.AddPartyParams{
			Party:             m.Identity,
			RequiresSignature: m.RequiresSignature,
			RequiresStaking:   m.Ratio > 0,
			StakeRatio:        m.Ratio,
		})
		if err != nil {
			return id, fmt.Errorf("coordinator: register %s on agreement %d: %w", m.Identity, id, err)
		}
	}
	return id, nil
}

// commit signs and stakes on behalf of party. A signature already on file
// counts as done so an interrupted commit can be retried. A zero required
// stake is already satisfied and is skipped.
func (b base) commit(ctx context.Context, id uint64, party string, sign, stake bool) (agreement.Status, error) {
	status := agreement.StatusPending
	if sign {
		s, err := b.engine.Sign(ctx, b.self, id, party)
		switch {
		case err == nil:
			status = s
		case errors.Is(err, agreement.ErrAlreadySigned):
		default:
			return "", err
		}
	}
	if !stake || status == agreement.StatusLocked {
		return status, nil
	}
	amount, err := b.engine.RequiredStake(ctx, id, party)
	if err != nil {
		return "", err
	}
	if amount == 0 {
		return status, nil
	}
	return b.engine.Stake(ctx, b.self, id, party, amount)
}

func validateMembers(members []Member) error {
	if len(members) == 0 {
		return ErrNoMembers
	}
	seen := make(map[string]bool, len(members))
	sum := 0
	for _, m := range members {
		if seen[m.Identity] {
			return fmt.Errorf("%w: %s", ErrDuplicateMember, m.Identity)
		}
		seen[m.Identity] = true
		sum += int(m.Ratio)
	}
	if sum > settlement.MaxRatio {
		return fmt.Errorf("%w: %d", ErrRatioSum, sum)
	}
	return nil
}
