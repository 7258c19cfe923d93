package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jayantna/Contractly/agreement"
	"github.com/jayantna/Contractly/auth"
	"github.com/jayantna/Contractly/config"
	"github.com/jayantna/Contractly/custody"
	"github.com/jayantna/Contractly/db"
	"github.com/jayantna/Contractly/expiry"
	"github.com/jayantna/Contractly/migrations"
	"github.com/jayantna/Contractly/outbox"
)

// app owns every long-lived component of the serve command.
type app struct {
	cfg        config.Config
	log        zerolog.Logger
	server     *Server
	sweeper    *expiry.Sweeper
	dispatcher *outbox.Dispatcher
	closers    []func()
}

// wallet is the custody surface the API exposes to the owner.
type wallet interface {
	agreement.Custody
	Credit(ctx context.Context, identity string, amount uint64) error
	Balance(ctx context.Context, identity string) (uint64, error)
}

func newApp(ctx context.Context, cfg config.Config, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var (
		store       agreement.Store
		allowList   auth.AllowList
		credentials auth.Repository
		ledger      wallet
		pool        *pgxpool.Pool
	)
	sink := logSink(log)

	switch cfg.Store.Driver {
	case config.DriverPostgres:
		var err error
		pool, err = db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("bootstrap database pool: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := migrations.Apply(ctx, pool); err != nil {
			a.Close()
			return nil, err
		}
		store = agreement.NewPGStore(pool)
		allowList = auth.NewPGAllowList(pool)
		credentials = auth.NewRepository(pool)
		ledger = custody.NewPGLedger(pool)
	case config.DriverSQLite:
		s, err := agreement.OpenSQLite(cfg.Store.SQLitePath, sink, log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { s.Close() })
		if err := auth.ApplySQLiteSchema(ctx, s.DB()); err != nil {
			a.Close()
			return nil, err
		}
		sqliteLedger, err := custody.NewSQLiteLedger(ctx, s.DB())
		if err != nil {
			a.Close()
			return nil, err
		}
		store = s
		allowList = auth.NewSQLiteAllowList(s.DB())
		credentials = auth.NewSQLiteRepository(s.DB())
		ledger = sqliteLedger
	default:
		store = agreement.NewMemoryStore(agreement.WithSink(sink), agreement.WithStoreLogger(log))
	}
	if allowList == nil {
		allowList = auth.NewMemoryAllowList()
		credentials = auth.NewMemoryRepository()
		ledger = custody.NewLedger()
	}

	registry := auth.NewRegistry(cfg.Auth.Owner, allowList, log)
	engine := agreement.NewEngine(store, registry, ledger,
		agreement.WithLogger(log),
		agreement.WithMetrics(agreement.NewMetrics(reg)),
	)

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		secret = randomSecret()
		log.Warn().Msg("auth.jwt_secret is empty; tokens will not survive a restart")
	}
	tokens := auth.NewService(credentials, cfg.Auth.Owner, secret, cfg.Auth.TokenTTL)
	if err := seedOwner(ctx, tokens, cfg.Auth); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Expiry.Enabled {
		if err := registry.Authorize(ctx, cfg.Auth.Owner, cfg.Expiry.Identity); err != nil {
			a.Close()
			return nil, fmt.Errorf("allow-list expiry sweeper: %w", err)
		}
		sweeper, err := expiry.New(engine, cfg.Expiry.Identity, cfg.Expiry.Schedule, expiry.WithLogger(log))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.sweeper = sweeper
	}
	if cfg.Outbox.Enabled && pool != nil {
		a.dispatcher = outbox.NewDispatcher(pool, outbox.LogHandler(log),
			outbox.WithBatchSize(cfg.Outbox.BatchSize),
			outbox.WithMaxAttempts(cfg.Outbox.MaxAttempts),
			outbox.WithInterval(cfg.Outbox.Interval),
			outbox.WithLogger(log),
			outbox.WithRegisterer(reg),
		)
	}

	a.server = NewServer(engine, registry, tokens, ledger, reg, log)
	return a, nil
}

// Run serves HTTP and runs the background workers until ctx is canceled.
func (a *app) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      a.server.Routes(),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info().Str("addr", srv.Addr).Str("store", a.cfg.Store.Driver).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if a.sweeper != nil {
		g.Go(func() error { return a.sweeper.Run(gctx) })
	}
	if a.dispatcher != nil {
		g.Go(func() error { return a.dispatcher.Run(gctx) })
	}
	return g.Wait()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func seedOwner(ctx context.Context, tokens *auth.Service, cfg config.Auth) error {
	if cfg.OwnerPassword == "" {
		return nil
	}
	_, err := tokens.Register(ctx, auth.RegisterRequest{Identity: cfg.Owner, Password: cfg.OwnerPassword})
	if err != nil && !errors.Is(err, auth.ErrDuplicateIdentity) {
		return fmt.Errorf("seed owner credential: %w", err)
	}
	return nil
}

// logSink writes committed events to the process log for the stores that
// publish in process.
func logSink(log zerolog.Logger) agreement.Sink {
	return agreement.SinkFunc(func(_ context.Context, events []agreement.Event) error {
		for _, e := range events {
			log.Debug().
				Str("type", string(e.Type)).
				Uint64("agreement_id", e.AgreementID).
				Str("party", e.Party).
				Uint64("amount", e.Amount).
				Msg("agreement event")
		}
		return nil
	})
}

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
