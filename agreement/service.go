package agreement

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jayantna/Contractly/settlement"
)

// Authorizer answers whether an identity may mutate agreement state.
type Authorizer interface {
	IsAuthorized(ctx context.Context, identity string) (bool, error)
}

// Custody moves staked value into escrow and releases it again. Release must
// apply the whole batch or none of it. Implementations must not call back
// into the Engine for the agreement being settled.
type Custody interface {
	Deposit(ctx context.Context, from string, amount uint64) error
	Release(ctx context.Context, payouts []settlement.Payout) error
}

// Engine drives agreements through their lifecycle. Every mutating method
// runs as one unit of work on the Store, so calls on the same agreement are
// serialized and a failure leaves no trace.
type Engine struct {
	store   Store
	auth    Authorizer
	custody Custody
	now     func() time.Time
	log     zerolog.Logger
	metrics *Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock used for creation and time gates.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func NewEngine(store Store, auth Authorizer, custody Custody, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		auth:    auth,
		custody: custody,
		now:     time.Now,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateAgreement registers a new pending agreement and returns its id.
func (e *Engine) CreateAgreement(ctx context.Context, caller string, p CreateParams) (uint64, error) {
	const op = "create"
	if err := e.authorize(ctx, caller); err != nil {
		return 0, e.fail(op, 0, err)
	}
	now := e.now()
	if !p.ExpirationTime.After(now) {
		return 0, e.fail(op, 0, ErrInvalidExpiration)
	}
	if p.DisputeWindow < 0 {
		return 0, e.fail(op, 0, ErrNegativeDisputeWindow)
	}
	creator := p.Creator
	if creator == "" {
		creator = caller
	}

	draft := Agreement{
		Title:              p.Title,
		Creator:            creator,
		CreationTime:       now,
		ExpirationTime:     p.ExpirationTime,
		DisputeWindow:      p.DisputeWindow,
		TotalStakingAmount: p.TotalStakingAmount,
		Status:             StatusPending,
		Parties:            make(map[string]*Party),
		Stakes:             make(map[string]uint64),
	}
	events := []Event{{
		Type:   EventAgreementCreated,
		Party:  creator,
		Amount: p.TotalStakingAmount,
		Status: StatusPending,
		At:     now,
	}}

	a, err := e.store.Insert(ctx, draft, events)
	if err != nil {
		return 0, e.fail(op, 0, err)
	}
	e.metrics.transition(StatusPending)
	e.log.Info().Uint64("agreement_id", a.ID).Str("creator", creator).Time("expires", p.ExpirationTime).Msg("agreement created")
	return a.ID, nil
}

// Agreement returns a copy of the agreement record.
func (e *Engine) Agreement(ctx context.Context, id uint64) (Agreement, error) {
	if inUnit(ctx, id) {
		return Agreement{}, ErrReentrantCall
	}
	a, err := e.store.Get(ctx, id)
	if err != nil {
		return Agreement{}, err
	}
	if !a.Exists() {
		return Agreement{}, ErrAgreementNotFound
	}
	return a, nil
}

// List pages through agreements, optionally filtered by status.
func (e *Engine) List(ctx context.Context, filters ListFilters) ([]Agreement, int, error) {
	if filters.Status != "" && !filters.Status.Valid() {
		return nil, 0, ErrInvalidStatus
	}
	return e.store.List(ctx, filters)
}

// IsAuthorized reports whether identity is on the caller allow-list.
func (e *Engine) IsAuthorized(ctx context.Context, identity string) (bool, error) {
	return e.auth.IsAuthorized(ctx, identity)
}

func (e *Engine) authorize(ctx context.Context, caller string) error {
	ok, err := e.auth.IsAuthorized(ctx, caller)
	if err != nil {
		return fmt.Errorf("agreement: check authorization: %w", err)
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

// update runs fn as one unit of work on agreement id. The context passed to
// fn is marked so that a nested engine call on the same agreement fails
// instead of deadlocking.
func (e *Engine) update(ctx context.Context, id uint64, fn UpdateFunc) (Agreement, error) {
	if inUnit(ctx, id) {
		return Agreement{}, ErrReentrantCall
	}
	return e.store.Update(enterUnit(ctx, id), id, func(ctx context.Context, a *Agreement) ([]Event, error) {
		if !a.Exists() {
			return nil, ErrAgreementNotFound
		}
		return fn(ctx, a)
	})
}

func (e *Engine) fail(op string, id uint64, err error) error {
	kind := KindOf(err)
	e.metrics.failure(op, kind)
	ev := e.log.Debug()
	if kind == KindInternal || kind == KindTransferFailed {
		ev = e.log.Error()
	}
	ev.Err(err).Str("op", op).Uint64("agreement_id", id).Str("kind", string(kind)).Msg("agreement operation failed")
	return err
}

type unitKey struct{}

type openUnit struct {
	id     uint64
	parent *openUnit
}

func enterUnit(ctx context.Context, id uint64) context.Context {
	parent, _ := ctx.Value(unitKey{}).(*openUnit)
	return context.WithValue(ctx, unitKey{}, &openUnit{id: id, parent: parent})
}

func inUnit(ctx context.Context, id uint64) bool {
	for u, _ := ctx.Value(unitKey{}).(*openUnit); u != nil; u = u.parent {
		if u.id == id {
			return true
		}
	}
	return false
}
