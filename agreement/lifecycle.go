package agreement

import (
	"context"
	"time"
)

// AllConditionsMet reports whether every party has signed where required and
// staked its full obligation where required. An agreement without parties
// never meets its conditions.
func (e *Engine) AllConditionsMet(ctx context.Context, id uint64) (bool, error) {
	a, err := e.Agreement(ctx, id)
	if err != nil {
		return false, err
	}
	return allConditionsMet(&a), nil
}

// Lock moves a pending agreement whose conditions are met to locked. Sign
// and Stake already do this eagerly, so an explicit call mostly reports why
// an agreement is still pending.
func (e *Engine) Lock(ctx context.Context, caller string, id uint64) error {
	const op = "lock"
	if err := e.authorize(ctx, caller); err != nil {
		return e.fail(op, id, err)
	}

	a, err := e.update(ctx, id, func(_ context.Context, a *Agreement) ([]Event, error) {
		if a.Status != StatusPending {
			return nil, ErrNotPending
		}
		events := e.tryLock(a, e.now())
		if len(events) == 0 {
			return nil, ErrConditionsNotMet
		}
		return events, nil
	})
	if err != nil {
		return e.fail(op, id, err)
	}
	e.observeLock(a)
	return nil
}

func allConditionsMet(a *Agreement) bool {
	if len(a.PartyAddresses) == 0 {
		return false
	}
	for _, id := range a.PartyAddresses {
		p := a.Parties[id]
		if p.RequiresSignature && !p.HasSigned {
			return false
		}
		if p.RequiresStaking && a.Stakes[id] < requiredStake(a, id) {
			return false
		}
	}
	return true
}

// tryLock locks a pending agreement in place when its conditions are met and
// returns the resulting event, if any.
func (e *Engine) tryLock(a *Agreement, now time.Time) []Event {
	if a.Status != StatusPending || !allConditionsMet(a) {
		return nil
	}
	a.Status = StatusLocked
	return []Event{{Type: EventAgreementLocked, Status: StatusLocked, Amount: a.HeldTotal(), At: now}}
}

func (e *Engine) observeLock(a Agreement) {
	if a.Status != StatusLocked {
		return
	}
	e.metrics.transition(StatusLocked)
	e.log.Info().Uint64("agreement_id", a.ID).Uint64("held", a.HeldTotal()).Msg("agreement locked")
}
