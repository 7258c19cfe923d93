package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/jayantna/Contractly/db"
)

const (
	DefaultBatchSize   = 10
	DefaultMaxAttempts = 5
	DefaultInterval    = time.Second
)

// Stats counts the outcomes of one dispatch round.
type Stats struct {
	Processed int
	Retried   int
	Dead      int
}

func (s Stats) Claimed() int {
	return s.Processed + s.Retried + s.Dead
}

type Dispatcher struct {
	pool        db.TxBeginner
	handler     Handler
	batchSize   int
	maxAttempts int
	interval    time.Duration
	log         zerolog.Logger
	outcomes    *prometheus.CounterVec
}

type Option func(*Dispatcher)

func WithBatchSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// WithMaxAttempts sets how many failed deliveries mark a row dead.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

func WithInterval(every time.Duration) Option {
	return func(d *Dispatcher) {
		if every > 0 {
			d.interval = every
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// WithRegisterer exports per-outcome message counters.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(d *Dispatcher) {
		d.outcomes = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "contractly",
			Subsystem: "outbox",
			Name:      "messages_total",
			Help:      "Outbox messages by delivery outcome.",
		}, []string{"outcome"})
	}
}

func NewDispatcher(pool db.TxBeginner, handler Handler, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		pool:        pool,
		handler:     handler,
		batchSize:   DefaultBatchSize,
		maxAttempts: DefaultMaxAttempts,
		interval:    DefaultInterval,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// nextStatus decides where a row goes after its attempts-th delivery.
func nextStatus(attempts, maxAttempts int, err error) Status {
	switch {
	case err == nil:
		return StatusProcessed
	case attempts >= maxAttempts:
		return StatusDead
	default:
		return StatusPending
	}
}

// DispatchOnce claims up to one batch of pending rows, hands each to the
// handler and records the outcome, all in one transaction.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (Stats, error) {
	tx, err := db.Begin(ctx, d.pool)
	if err != nil {
		return Stats{}, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
SELECT id, topic, agreement_id, payload, attempts, created_at
FROM outbox
WHERE status = 'pending'
ORDER BY created_at
FOR UPDATE SKIP LOCKED
LIMIT $1;
`
	rows, err := tx.Query(ctx, claimSQL, d.batchSize)
	if err != nil {
		return Stats{}, fmt.Errorf("outbox: claim: %w", err)
	}
	var batch []Message
	for rows.Next() {
		var (
			m           Message
			agreementID int64
			raw         []byte
		)
		if err := rows.Scan(&m.ID, &m.Topic, &agreementID, &raw, &m.Attempts, &m.CreatedAt); err != nil {
			rows.Close()
			return Stats{}, fmt.Errorf("outbox: scan: %w", err)
		}
		m.AgreementID = uint64(agreementID)
		m.Payload = raw
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("outbox: claim rows: %w", err)
	}

	const settleSQL = `
UPDATE outbox
SET status = $2,
    attempts = attempts + 1,
    last_error = $3,
    processed_at = CASE WHEN $2 = 'pending' THEN NULL ELSE now() END
WHERE id = $1;
`
	var stats Stats
	for _, m := range batch {
		herr := d.handler.Handle(ctx, m)
		status := nextStatus(m.Attempts+1, d.maxAttempts, herr)

		var lastError *string
		if herr != nil {
			msg := herr.Error()
			lastError = &msg
		}
		if _, err := tx.Exec(ctx, settleSQL, m.ID, string(status), lastError); err != nil {
			return Stats{}, fmt.Errorf("outbox: settle %s: %w", m.ID, err)
		}

		switch status {
		case StatusProcessed:
			stats.Processed++
		case StatusDead:
			stats.Dead++
			d.log.Error().Err(herr).Str("message_id", m.ID.String()).Str("topic", m.Topic).Int("attempts", m.Attempts+1).Msg("outbox message dead")
		default:
			stats.Retried++
			d.log.Warn().Err(herr).Str("message_id", m.ID.String()).Str("topic", m.Topic).Msg("outbox delivery failed")
		}
		d.count(status)
	}

	if err := tx.Commit(ctx); err != nil {
		return Stats{}, fmt.Errorf("outbox: commit tx: %w", err)
	}
	return stats, nil
}

func (d *Dispatcher) count(s Status) {
	if d.outcomes != nil {
		d.outcomes.WithLabelValues(string(s)).Inc()
	}
}

// Run drains the outbox every interval until ctx is canceled. A full batch
// with no failed deliveries triggers another round straight away; once a
// delivery fails the next attempt waits for the following tick.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		for {
			stats, err := d.DispatchOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				d.log.Error().Err(err).Msg("outbox dispatch failed")
				break
			}
			if stats.Retried > 0 || stats.Claimed() < d.batchSize {
				break
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
