package agreement

import (
	"time"
)

// Status is the lifecycle state of an agreement.
type Status string

const (
	StatusPending   Status = "pending"
	StatusLocked    Status = "locked"
	StatusFulfilled Status = "fulfilled"
	StatusBreached  Status = "breached"

	// Reserved; no transition leads here yet.
	StatusDisputeWindow Status = "dispute_window"
	StatusDisputed      Status = "disputed"
	StatusCanceled      Status = "canceled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusLocked, StatusFulfilled, StatusBreached,
		StatusDisputeWindow, StatusDisputed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Party is one identity's obligations and progress within an agreement.
type Party struct {
	Identity          string
	RequiresSignature bool
	RequiresStaking   bool
	StakeRatio        uint8
	HasSigned         bool
}

// Agreement is one escrow contract instance. Parties and Stakes are keyed by
// identity; PartyAddresses keeps registration order. Stakes holds the value
// currently in custody for each party.
type Agreement struct {
	ID                 uint64
	Title              string
	Creator            string
	CreationTime       time.Time
	ExpirationTime     time.Time
	DisputeWindow      time.Duration
	TotalStakingAmount uint64
	Status             Status
	PartyAddresses     []string
	Parties            map[string]*Party
	Stakes             map[string]uint64
}

// Exists reports whether the record was ever created. A zero creation time
// means the slot is empty.
func (a *Agreement) Exists() bool {
	return a != nil && !a.CreationTime.IsZero()
}

// BreachableAt is the earliest time a breach may be declared.
func (a *Agreement) BreachableAt() time.Time {
	return a.ExpirationTime.Add(a.DisputeWindow)
}

// Clone returns a deep copy so callers never share maps with the store.
func (a Agreement) Clone() Agreement {
	out := a
	out.PartyAddresses = append([]string(nil), a.PartyAddresses...)
	out.Parties = make(map[string]*Party, len(a.Parties))
	for id, p := range a.Parties {
		cp := *p
		out.Parties[id] = &cp
	}
	out.Stakes = make(map[string]uint64, len(a.Stakes))
	for id, amount := range a.Stakes {
		out.Stakes[id] = amount
	}
	return out
}

// HeldTotal is the sum of every party's staked balance.
func (a *Agreement) HeldTotal() uint64 {
	var total uint64
	for _, amount := range a.Stakes {
		total += amount
	}
	return total
}

// PartyView is the read-only projection of one party exposed to callers.
type PartyView struct {
	Identity          string
	Index             int
	RequiresSignature bool
	RequiresStaking   bool
	StakeRatio        uint8
	HasSigned         bool
	StakedAmount      uint64
	RequiredStake     uint64
}

// CreateParams carries the inputs to CreateAgreement.
type CreateParams struct {
	Title              string
	Creator            string
	ExpirationTime     time.Time
	DisputeWindow      time.Duration
	TotalStakingAmount uint64
}

// AddPartyParams carries the inputs to AddParty.
type AddPartyParams struct {
	Party             string
	RequiresSignature bool
	RequiresStaking   bool
	StakeRatio        uint8
}

// ListFilters narrows List results. Zero values mean "any" and defaults.
type ListFilters struct {
	Status   Status
	Page     int
	PageSize int
}

func (f ListFilters) normalize() ListFilters {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 100 {
		f.PageSize = 20
	}
	return f
}

func (f ListFilters) offset() int {
	return (f.Page - 1) * f.PageSize
}
