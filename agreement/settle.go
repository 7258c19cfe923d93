package agreement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jayantna/Contractly/settlement"
)

// Fulfill returns every party's stake once the agreement has expired. The
// payouts are released as one batch; if custody rejects it the agreement
// stays locked with its balances intact.
func (e *Engine) Fulfill(ctx context.Context, caller string, id uint64) (settlement.Plan, error) {
	const op = "fulfill"
	if err := e.authorize(ctx, caller); err != nil {
		return settlement.Plan{}, e.fail(op, id, err)
	}

	var plan settlement.Plan
	_, err := e.update(ctx, id, func(ctx context.Context, a *Agreement) ([]Event, error) {
		if a.Status != StatusLocked {
			return nil, ErrNotLocked
		}
		now := e.now()
		if now.Before(a.ExpirationTime) {
			return nil, ErrNotYetExpired
		}

		plan = settlement.Fulfillment(stakesOf(a))
		return e.settle(ctx, a, StatusFulfilled, plan, Event{
			Type:   EventAgreementFulfilled,
			Amount: plan.Total(),
			Status: StatusFulfilled,
			At:     now,
		})
	})
	if err != nil {
		return settlement.Plan{}, e.fail(op, id, err)
	}
	e.observeSettlement(id, StatusFulfilled, plan)
	return plan, nil
}

// Breach forfeits the breaching party's stake to the other parties and
// returns their own stakes. It is only allowed once the dispute window after
// expiration has elapsed.
func (e *Engine) Breach(ctx context.Context, caller string, id uint64, breaching string) (settlement.Plan, error) {
	const op = "breach"
	if err := e.authorize(ctx, caller); err != nil {
		return settlement.Plan{}, e.fail(op, id, err)
	}

	var plan settlement.Plan
	_, err := e.update(ctx, id, func(ctx context.Context, a *Agreement) ([]Event, error) {
		if a.Status != StatusLocked {
			return nil, ErrNotLocked
		}
		if _, ok := a.Parties[breaching]; !ok {
			return nil, ErrNotAParty
		}
		if len(a.PartyAddresses) < 2 {
			return nil, ErrSolePartyBreach
		}
		now := e.now()
		if now.Before(a.BreachableAt()) {
			return nil, ErrDisputeWindowOpen
		}

		forfeit := a.Stakes[breaching]
		var err error
		plan, err = settlement.Breach(stakesOf(a), breaching)
		if err != nil {
			if errors.Is(err, settlement.ErrNoCounterparty) {
				return nil, fmt.Errorf("%w: %w", ErrSolePartyBreach, err)
			}
			return nil, fmt.Errorf("agreement: plan breach: %w", err)
		}
		return e.settle(ctx, a, StatusBreached, plan, Event{
			Type:      EventAgreementBreached,
			Party:     breaching,
			Amount:    forfeit,
			Status:    StatusBreached,
			Reason:    string(plan.Split),
			Forfeited: plan.Forfeited,
			At:        now,
		})
	})
	if err != nil {
		return settlement.Plan{}, e.fail(op, id, err)
	}
	e.observeSettlement(id, StatusBreached, plan)
	e.log.Info().Uint64("agreement_id", id).Str("breaching", breaching).Str("split", string(plan.Split)).Uint64("forfeited", plan.Forfeited).Msg("breach settled")
	return plan, nil
}

// settle zeroes every balance and sets the terminal status on the working
// copy before any value leaves escrow, then releases the batch.
func (e *Engine) settle(ctx context.Context, a *Agreement, terminal Status, plan settlement.Plan, outcome Event) ([]Event, error) {
	for party := range a.Stakes {
		delete(a.Stakes, party)
	}
	a.Status = terminal

	if len(plan.Payouts) > 0 {
		if err := e.custody.Release(ctx, plan.Payouts); err != nil {
			return nil, fmt.Errorf("%w: release %d payouts: %w", ErrTransferFailed, len(plan.Payouts), err)
		}
	}

	events := make([]Event, 0, len(plan.Payouts)+1)
	events = append(events, outcome)
	return append(events, releaseEvents(plan, terminal, outcome.At)...), nil
}

func releaseEvents(plan settlement.Plan, status Status, at time.Time) []Event {
	events := make([]Event, 0, len(plan.Payouts))
	for _, p := range plan.Payouts {
		events = append(events, Event{
			Type:   EventFundsReleased,
			Party:  p.To,
			Amount: p.Amount,
			Status: status,
			Reason: string(p.Reason),
			At:     at,
		})
	}
	return events
}

// stakesOf lists parties in registration order with their held balances.
func stakesOf(a *Agreement) []settlement.Stake {
	stakes := make([]settlement.Stake, 0, len(a.PartyAddresses))
	for _, id := range a.PartyAddresses {
		p := a.Parties[id]
		stakes = append(stakes, settlement.Stake{
			Party:             id,
			Ratio:             p.StakeRatio,
			RequiresSignature: p.RequiresSignature,
			Amount:            a.Stakes[id],
		})
	}
	return stakes
}

func (e *Engine) observeSettlement(id uint64, terminal Status, plan settlement.Plan) {
	e.metrics.transition(terminal)
	e.metrics.settled(plan)
	e.log.Info().Uint64("agreement_id", id).Str("status", string(terminal)).Uint64("released", plan.Total()).Int("payouts", len(plan.Payouts)).Msg("agreement settled")
}
