// Package expiry settles locked agreements once their expiration has passed.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/jayantna/Contractly/agreement"
	"github.com/jayantna/Contractly/settlement"
)

// DefaultSchedule runs a sweep every minute.
const DefaultSchedule = "@every 1m"

const pageSize = 100

// Engine is what the sweeper needs from the agreement engine.
type Engine interface {
	List(ctx context.Context, filters agreement.ListFilters) ([]agreement.Agreement, int, error)
	Fulfill(ctx context.Context, caller string, id uint64) (settlement.Plan, error)
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Result summarizes one sweep.
type Result struct {
	Fulfilled []uint64
	Skipped   int
	Failed    int
}

type Sweeper struct {
	engine   Engine
	identity string
	schedule cron.Schedule
	now      func() time.Time
	log      zerolog.Logger
}

type Option func(*Sweeper)

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Sweeper) { s.log = log }
}

// New builds a sweeper acting as identity, which must be allow-listed. spec
// is a five field cron expression or a descriptor such as "@every 30s".
func New(engine Engine, identity, spec string, opts ...Option) (*Sweeper, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("expiry: parse schedule %q: %w", spec, err)
	}
	s := &Sweeper{
		engine:   engine,
		identity: identity,
		schedule: schedule,
		now:      time.Now,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Next reports when the sweep after t is due.
func (s *Sweeper) Next(t time.Time) time.Time {
	return s.schedule.Next(t.UTC())
}

// Sweep fulfills every locked agreement whose expiration has passed.
// Agreements another actor settles in the meantime are counted as skipped.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	due, err := s.due(ctx)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, id := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		_, err := s.engine.Fulfill(ctx, s.identity, id)
		switch {
		case err == nil:
			res.Fulfilled = append(res.Fulfilled, id)
		case errors.Is(err, agreement.ErrNotLocked), errors.Is(err, agreement.ErrNotYetExpired):
			res.Skipped++
		default:
			res.Failed++
			s.log.Error().Err(err).Uint64("agreement_id", id).Msg("expiry fulfill failed")
		}
	}
	if len(due) > 0 {
		s.log.Info().Int("due", len(due)).Int("fulfilled", len(res.Fulfilled)).Int("skipped", res.Skipped).Int("failed", res.Failed).Msg("expiry sweep")
	}
	return res, nil
}

// due collects every expired locked agreement before settling any, so the
// pages do not shift under the sweep.
func (s *Sweeper) due(ctx context.Context) ([]uint64, error) {
	now := s.now()
	var ids []uint64
	for page := 1; ; page++ {
		list, total, err := s.engine.List(ctx, agreement.ListFilters{Status: agreement.StatusLocked, Page: page, PageSize: pageSize})
		if err != nil {
			return nil, fmt.Errorf("expiry: list locked: %w", err)
		}
		for _, a := range list {
			if !now.Before(a.ExpirationTime) {
				ids = append(ids, a.ID)
			}
		}
		if len(list) == 0 || page*pageSize >= total {
			return ids, nil
		}
	}
}

// Run sweeps on the schedule until ctx is canceled. Overlapping runs are
// skipped.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("expiry sweep failed")
		}
	}))
	c.Start()
	s.log.Info().Time("next", s.Next(s.now())).Msg("expiry sweeper started")

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
