package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/oolio-kart-loyalty/internal/domain/coupon"
	"github.com/xenking/oolio-kart-loyalty/internal/domain/order"
	"github.com/xenking/oolio-kart-loyalty/internal/events/kafka"
	"github.com/xenking/oolio-kart-loyalty/internal/handler"
	"github.com/xenking/oolio-kart-loyalty/internal/storage/memory"
	"github.com/xenking/oolio-kart-loyalty/internal/storage/postgres"
	"github.com/xenking/oolio-kart-loyalty/internal/storage/redis"
	"github.com/xenking/oolio-kart-loyalty/pkg/health"
	"github.com/xenking/oolio-kart-loyalty/pkg/httpmiddleware"
)

// backend is the ledger and catalog pair selected by Config.Storage.
type backend struct {
	ledger  order.Ledger
	coupons coupon.Catalog
	// ping is nil for backends without a remote dependency.
	ping  health.Pinger
	close func()
}

func openBackend(ctx context.Context, lg *zap.Logger, cfg *Config) (*backend, error) {
	if cfg.Storage == StorageMemory {
		store := memory.New()
		if err := seedMemory(ctx, store, cfg.Demo, time.Now()); err != nil {
			return nil, errors.Wrap(err, "seed memory store")
		}
		lg.Info("Using in-memory ledger", zap.Strings("accounts", cfg.Demo.Accounts))
		return &backend{ledger: store, coupons: store, close: func() {}}, nil
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	return &backend{
		ledger:  postgres.NewLedger(pool),
		coupons: postgres.NewCouponCatalog(pool),
		ping:    pool,
		close:   pool.Close,
	}, nil
}

// newHTTPHandler mounts the probes and the API behind the middleware chain.
func newHTTPHandler(
	ctx context.Context,
	cfg *Config,
	tp trace.TracerProvider,
	mp metric.MeterProvider,
	healthSvc *health.Health,
	orders handler.OrderService,
	idem handler.IdempotencyStore,
) http.Handler {
	router := chi.NewRouter()
	router.Get("/livez", healthSvc.LiveEndpoint)
	router.Get("/readyz", healthSvc.ReadyEndpoint)
	handler.NewHandler(orders, idem).Mount(router)

	return httpmiddleware.Wrap(router,
		httpmiddleware.RequestID(),
		httpmiddleware.InjectLogger(zctx.From(ctx)),
		httpmiddleware.Recovery(),
		httpmiddleware.Instrument("kart-loyalty", tp, mp),
		httpmiddleware.LogRequests(),
		httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
			Max:     cfg.RateLimit.Max,
			Window:  cfg.RateLimit.Window,
			KeyFunc: httpmiddleware.PathSegmentKey("/api/accounts/"),
		}),
	)
}

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage),
	)

	be, err := openBackend(ctx, lg, cfg)
	if err != nil {
		return err
	}
	defer be.close()

	healthSvc := health.New()
	if be.ping != nil {
		healthSvc.Register(health.Readiness, "postgres", 5*time.Second, health.PingCheck(be.ping))
	}
	healthSvc.Register(health.Liveness, "goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Register(health.Liveness, "gc", time.Second, health.GCMaxPauseCheck(time.Second),
		health.WithThresholds(3, 1),
	)

	// Idempotency-Key support is optional.
	var idem handler.IdempotencyStore
	if cfg.RedisURL != "" {
		rdb, err := redis.NewClient(cfg.RedisURL)
		if err != nil {
			return errors.Wrap(err, "create redis client")
		}
		defer func() { _ = rdb.Close() }()
		store := redis.NewIdempotencyStore(rdb, redis.DefaultTTL)
		// Checkout falls back to no replay while redis is down, so it stays
		// out of the probes.
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := store.Ping(pingCtx); err != nil {
			lg.Warn("Redis unreachable, Idempotency-Key replay degraded", zap.Error(err))
		}
		cancel()
		idem = store
	}

	opts := []order.Option{
		order.WithMeterProvider(m.MeterProvider()),
		order.WithTracerProvider(m.TracerProvider()),
	}
	policy, err := order.ParseCancelPolicy(cfg.CancelPolicy)
	if err != nil {
		return errors.Wrap(err, "cancel policy")
	}
	opts = append(opts, order.WithCancelPolicy(policy))
	if len(cfg.Kafka.Brokers) > 0 {
		pub := kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, lg.Named("kafka"))
		defer func() {
			if err := pub.Close(); err != nil {
				lg.Warn("Close kafka publisher", zap.Error(err))
			}
		}()
		opts = append(opts, order.WithPublisher(pub))
		lg.Info("Publishing order events",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
		)
	}

	orderService, err := order.NewService(be.ledger, be.coupons, opts...)
	if err != nil {
		return errors.Wrap(err, "create order service")
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: newHTTPHandler(ctx, cfg, m.TracerProvider(), m.MeterProvider(),
			healthSvc, orderService, idem),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
