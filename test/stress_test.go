package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jayantna/Contractly/agreement"
	"github.com/jayantna/Contractly/auth"
	"github.com/jayantna/Contractly/custody"
	"github.com/jayantna/Contractly/outbox"
	"github.com/jayantna/Contractly/test/actors"
	"github.com/jayantna/Contractly/test/chaos"
	"github.com/jayantna/Contractly/test/infra"
	"github.com/jayantna/Contractly/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 30*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flChaos       = flag.Bool("chaos", true, "terminate random backends while running")
)

const desk = "stress-desk"

func TestEscrowConcurrency(t *testing.T) {
	h := infra.ForTest(t)
	pool := h.Pool()
	seed := *flSeed

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	registry := auth.NewRegistry("owner", auth.NewPGAllowList(pool), zerolog.Nop())
	if err := registry.Authorize(ctx, "owner", desk); err != nil {
		t.Fatalf("authorize desk: %v", err)
	}
	ledger := custody.NewPGLedger(pool)
	d := actors.Desk{
		Engine: agreement.NewEngine(agreement.NewPGStore(pool), registry, ledger),
		Ledger: ledger,
		Caller: desk,
	}
	dispatcher := outbox.NewDispatcher(pool, actors.FlakyHandler(seed), outbox.WithMaxAttempts(3))

	board := &actors.Board{}
	tally := &actors.Tally{}
	rng := func(i int64) *rand.Rand { return rand.New(rand.NewSource(seed + i)) }

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	g.Go(func() error { return actors.Opener(ctx2, d, board, tally, rng(0), stop) })
	g.Go(func() error { return actors.Settler(ctx2, d, board, tally, rng(1), stop) })
	for i := 0; i < *flConcurrency; i++ {
		r := rng(int64(10 + i))
		g.Go(func() error { return actors.Committer(ctx2, d, board, tally, r, stop) })
	}
	g.Go(func() error { return actors.OutboxWorker(ctx2, dispatcher, rng(2), stop) })
	g.Go(func() error { return actors.OutboxWorker(ctx2, dispatcher, rng(3), stop) })
	if *flChaos {
		go chaos.TerminateRandomBackend(ctx2, pool, rng(4), stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				// chaos may have killed the oracle's own connection
				t.Logf("oracle error: %v", err)
				continue
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}

	if name, row, err := oracles.Run(context.Background(), pool); err != nil {
		t.Fatalf("final oracle run: %v", err)
	} else if name != "" {
		dumpRecent(t, context.Background(), pool)
		t.Fatalf("Oracle %s failed after shutdown. First row: %s (seed=%d)", name, row, seed)
	}
	t.Logf("agreements=%d %s (seed=%d)", board.Len(), tally, seed)
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"agreements", `SELECT id, status, total_staking_amount, expires_at, updated_at FROM agreements ORDER BY id DESC LIMIT 50`},
		{"agreement_parties", `SELECT agreement_id, identity, stake_ratio, has_signed, staked_amount FROM agreement_parties ORDER BY agreement_id DESC, position LIMIT 50`},
		{"outbox", `SELECT id, topic, agreement_id, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
		{"wallet_balances", `SELECT identity, balance, updated_at FROM wallet_balances ORDER BY updated_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
