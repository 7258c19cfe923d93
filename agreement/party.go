package agreement

import (
	"context"
	"fmt"

	"github.com/jayantna/Contractly/settlement"
)

// AddParty registers a party and its obligations on a pending agreement.
// A party may be registered again with new terms as long as it has neither
// signed nor staked; it keeps its original position.
func (e *Engine) AddParty(ctx context.Context, caller string, id uint64, p AddPartyParams) error {
	const op = "add_party"
	if err := e.authorize(ctx, caller); err != nil {
		return e.fail(op, id, err)
	}
	if p.Party == "" {
		return e.fail(op, id, ErrInvalidParty)
	}
	if p.StakeRatio > settlement.MaxRatio {
		return e.fail(op, id, ErrStakeRatioTooHigh)
	}

	_, err := e.update(ctx, id, func(_ context.Context, a *Agreement) ([]Event, error) {
		if a.Status != StatusPending {
			return nil, ErrNotPending
		}
		existing, registered := a.Parties[p.Party]
		if registered && (existing.HasSigned || a.Stakes[p.Party] > 0) {
			return nil, ErrPartyAlreadyActive
		}
		if ratioSumExcluding(a, p.Party)+int(p.StakeRatio) > settlement.MaxRatio {
			return nil, ErrTotalStakeExceeded
		}

		if !registered {
			a.PartyAddresses = append(a.PartyAddresses, p.Party)
		}
		a.Parties[p.Party] = &Party{
			Identity:          p.Party,
			RequiresSignature: p.RequiresSignature,
			RequiresStaking:   p.RequiresStaking,
			StakeRatio:        p.StakeRatio,
		}
		return []Event{{
			Type:   EventPartyAdded,
			Party:  p.Party,
			Amount: requiredStake(a, p.Party),
			Status: a.Status,
			At:     e.now(),
		}}, nil
	})
	if err != nil {
		return e.fail(op, id, err)
	}
	e.log.Info().Uint64("agreement_id", id).Str("party", p.Party).Uint8("stake_ratio", p.StakeRatio).Msg("party added")
	return nil
}

// Sign records the party's signature and locks the agreement if that was the
// last outstanding condition. The returned status reflects the lock.
func (e *Engine) Sign(ctx context.Context, caller string, id uint64, party string) (Status, error) {
	const op = "sign"
	if err := e.authorize(ctx, caller); err != nil {
		return "", e.fail(op, id, err)
	}

	a, err := e.update(ctx, id, func(_ context.Context, a *Agreement) ([]Event, error) {
		if a.Status != StatusPending {
			return nil, ErrNotPending
		}
		p, ok := a.Parties[party]
		if !ok {
			return nil, ErrNotAParty
		}
		if p.HasSigned {
			return nil, ErrAlreadySigned
		}
		p.HasSigned = true

		now := e.now()
		events := []Event{{Type: EventAgreementSigned, Party: party, Status: a.Status, At: now}}
		return append(events, e.tryLock(a, now)...), nil
	})
	if err != nil {
		return "", e.fail(op, id, err)
	}
	e.log.Info().Uint64("agreement_id", id).Str("party", party).Str("status", string(a.Status)).Msg("agreement signed")
	e.observeLock(a)
	return a.Status, nil
}

// Stake moves the party's required stake into escrow. The amount must match
// RequiredStake exactly and a party stakes at most once.
func (e *Engine) Stake(ctx context.Context, caller string, id uint64, party string, amount uint64) (Status, error) {
	const op = "stake"
	if err := e.authorize(ctx, caller); err != nil {
		return "", e.fail(op, id, err)
	}

	a, err := e.update(ctx, id, func(ctx context.Context, a *Agreement) ([]Event, error) {
		if a.Status != StatusPending {
			return nil, ErrNotPending
		}
		p, ok := a.Parties[party]
		if !ok {
			return nil, ErrNotAParty
		}
		if !p.RequiresStaking {
			return nil, ErrStakingNotRequired
		}
		if a.Stakes[party] > 0 {
			return nil, ErrAlreadyStaked
		}
		if want := requiredStake(a, party); amount != want {
			return nil, fmt.Errorf("%w: got %d, want %d", ErrWrongAmount, amount, want)
		}
		if amount > 0 {
			if err := e.custody.Deposit(ctx, party, amount); err != nil {
				return nil, fmt.Errorf("%w: deposit %d from %s: %w", ErrTransferFailed, amount, party, err)
			}
			a.Stakes[party] = amount
		}

		now := e.now()
		events := []Event{{Type: EventFundsStaked, Party: party, Amount: amount, Status: a.Status, At: now}}
		return append(events, e.tryLock(a, now)...), nil
	})
	if err != nil {
		return "", e.fail(op, id, err)
	}
	e.metrics.staked(amount)
	e.log.Info().Uint64("agreement_id", id).Str("party", party).Uint64("amount", amount).Str("status", string(a.Status)).Msg("funds staked")
	e.observeLock(a)
	return a.Status, nil
}

// RequiredStake is floor(totalStakingAmount * stakeRatio / 100) for a party
// that must stake and zero otherwise.
func (e *Engine) RequiredStake(ctx context.Context, id uint64, party string) (uint64, error) {
	a, err := e.Agreement(ctx, id)
	if err != nil {
		return 0, err
	}
	if _, ok := a.Parties[party]; !ok {
		return 0, ErrNotAParty
	}
	return requiredStake(&a, party), nil
}

// PartyCount is the number of registered parties.
func (e *Engine) PartyCount(ctx context.Context, id uint64) (int, error) {
	a, err := e.Agreement(ctx, id)
	if err != nil {
		return 0, err
	}
	return len(a.PartyAddresses), nil
}

// PartyAddressAt returns the identity registered at position i.
func (e *Engine) PartyAddressAt(ctx context.Context, id uint64, i int) (string, error) {
	a, err := e.Agreement(ctx, id)
	if err != nil {
		return "", err
	}
	if i < 0 || i >= len(a.PartyAddresses) {
		return "", fmt.Errorf("%w: index %d out of range [0,%d)", ErrPartyIndexOutOfRange, i, len(a.PartyAddresses))
	}
	return a.PartyAddresses[i], nil
}

// Party returns the party's obligations and progress.
func (e *Engine) Party(ctx context.Context, id uint64, party string) (PartyView, error) {
	a, err := e.Agreement(ctx, id)
	if err != nil {
		return PartyView{}, err
	}
	p, ok := a.Parties[party]
	if !ok {
		return PartyView{}, ErrNotAParty
	}
	index := -1
	for i, addr := range a.PartyAddresses {
		if addr == party {
			index = i
			break
		}
	}
	return PartyView{
		Identity:          p.Identity,
		Index:             index,
		RequiresSignature: p.RequiresSignature,
		RequiresStaking:   p.RequiresStaking,
		StakeRatio:        p.StakeRatio,
		HasSigned:         p.HasSigned,
		StakedAmount:      a.Stakes[party],
		RequiredStake:     requiredStake(&a, party),
	}, nil
}

func requiredStake(a *Agreement, party string) uint64 {
	p, ok := a.Parties[party]
	if !ok || !p.RequiresStaking {
		return 0
	}
	return settlement.RequiredStake(a.TotalStakingAmount, p.StakeRatio)
}

func ratioSumExcluding(a *Agreement, party string) int {
	sum := 0
	for id, p := range a.Parties {
		if id == party {
			continue
		}
		sum += int(p.StakeRatio)
	}
	return sum
}
