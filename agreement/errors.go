package agreement

import (
	"errors"
)

// Kind classifies engine failures so callers can react without matching
// individual sentinels.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindUnauthorized     Kind = "unauthorized"
	KindInvalidState     Kind = "invalid_state"
	KindValidation       Kind = "validation_failure"
	KindAlreadyDone      Kind = "already_done"
	KindConditionsNotMet Kind = "conditions_not_met"
	KindTimingNotElapsed Kind = "timing_not_elapsed"
	KindTransferFailed   Kind = "transfer_failed"
	KindInternal         Kind = "internal"
)

// Error is an engine failure of a known kind. Sentinels below are *Error
// values and compare by identity through errors.Is.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return "agreement: " + e.Message
}

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

var (
	ErrAgreementNotFound    = newError(KindNotFound, "not found")
	ErrPartyIndexOutOfRange = newError(KindNotFound, "party index out of range")

	ErrUnauthorized = newError(KindUnauthorized, "caller is not authorized")
	ErrNotAParty    = newError(KindUnauthorized, "identity is not a party to the agreement")

	ErrNotPending    = newError(KindInvalidState, "agreement is not pending")
	ErrNotLocked     = newError(KindInvalidState, "agreement is not locked")
	ErrReentrantCall = newError(KindInvalidState, "re-entrant call on agreement")

	ErrInvalidExpiration     = newError(KindValidation, "expiration must be in the future")
	ErrNegativeDisputeWindow = newError(KindValidation, "dispute window must not be negative")
	ErrStakeRatioTooHigh     = newError(KindValidation, "stake ratio exceeds 100")
	ErrTotalStakeExceeded    = newError(KindValidation, "total stake ratio exceeds 100")
	ErrStakingNotRequired    = newError(KindValidation, "party does not require staking")
	ErrWrongAmount           = newError(KindValidation, "stake amount does not match required stake")
	ErrSolePartyBreach       = newError(KindValidation, "breach requires at least two parties")
	ErrInvalidParty          = newError(KindValidation, "party identity is required")
	ErrInvalidStatus         = newError(KindValidation, "unknown status")

	ErrAlreadySigned      = newError(KindAlreadyDone, "party already signed")
	ErrAlreadyStaked      = newError(KindAlreadyDone, "party already staked")
	ErrPartyAlreadyActive = newError(KindAlreadyDone, "party already signed or staked")

	ErrConditionsNotMet = newError(KindConditionsNotMet, "not all conditions are met")

	ErrNotYetExpired     = newError(KindTimingNotElapsed, "agreement has not expired")
	ErrDisputeWindowOpen = newError(KindTimingNotElapsed, "dispute window has not elapsed")

	ErrTransferFailed = newError(KindTransferFailed, "transfer failed")
)

// KindOf returns the kind of the first *Error in err's chain, KindInternal
// for any other non-nil error and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is of kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}
