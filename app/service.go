package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"dispatchflow/auth"
	"dispatchflow/config"
	"dispatchflow/db"
	"dispatchflow/dispatch"
	"dispatchflow/group"
	"dispatchflow/httpapi"
	"dispatchflow/logging"
	"dispatchflow/membership"
	"dispatchflow/metrics"
	"dispatchflow/relay"
	"dispatchflow/session"
	"dispatchflow/ws"
)

// Service owns the process-wide components of dispatchd.
type Service struct {
	cfg     *config.Config
	log     zerolog.Logger
	pool    *pgxpool.Pool
	relay   *relay.Relay
	handler http.Handler
}

// New builds every component from cfg. With the postgres driver it opens
// the pool and, when configured, applies migrations.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Service, error) {
	s := &Service{cfg: cfg, log: log}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.NewCollector(reg)
	if err != nil {
		return nil, fmt.Errorf("app: metrics: %w", err)
	}

	var (
		users auth.Repository
		store dispatch.Store
		ready func(context.Context) error
	)
	switch cfg.Store.Driver {
	case config.DriverMemory:
		users = auth.NewMemoryRepository()
		store = dispatch.NewMemoryStore()
		log.Warn().Msg("using in-memory store; data is lost on exit")
	default:
		pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{MaxConns: cfg.Database.MaxConns})
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		s.pool = pool
		if cfg.Database.Migrate {
			if err := db.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, fmt.Errorf("app: %w", err)
			}
		}
		users = auth.NewRepository(pool)
		store = dispatch.NewPGStore(pool)
		ready = pool.Ping
	}

	accounts := auth.NewService(users, cfg.Auth.JWTSecret).WithTokenTTL(cfg.Auth.TokenTTL)
	gateway := dispatch.NewGateway(store, users)

	registry := group.NewRegistry(
		group.WithLogger(logging.Component(log, "group")),
		group.WithMetrics(collector),
	)
	var groups session.Groups = registry
	if cfg.Relay.Enabled && s.pool != nil {
		s.relay = relay.New(s.pool, registry, cfg.Relay.Channel,
			relay.WithLogger(logging.Component(log, "relay")),
			relay.WithMetrics(collector),
		)
		groups = s.relay
	}

	socket := ws.NewHandler(ws.Deps{
		Verifier: accounts,
		Groups:   groups,
		Resolver: membership.NewResolver(store),
		Gateway:  gateway,
		Logger:   logging.Component(log, "session"),
		Metrics:  collector,
	}, ws.Options{
		OutboundBuffer: cfg.Websocket.OutboundBuffer,
		PingInterval:   cfg.Websocket.PingInterval,
		OriginPatterns: cfg.Websocket.OriginPatterns,
	})

	s.handler = httpapi.NewServer(httpapi.Deps{
		Accounts:   accounts,
		Dispatches: gateway,
		Socket:     socket,
		Gatherer:   reg,
		Ready:      ready,
		Logger:     logging.Component(log, "http"),
	}).Routes()
	return s, nil
}

func (s *Service) Handler() http.Handler { return s.handler }

// Run serves HTTP and, when enabled, the relay listener until ctx is done,
// then shuts the server down gracefully.
func (s *Service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.HTTP.Listen,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: shutdown: %w", err)
		}
		s.log.Info().Msg("http server stopped")
		return nil
	})
	if s.relay != nil {
		g.Go(func() error { return s.relay.Run(gctx) })
	}
	return g.Wait()
}

func (s *Service) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
