package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/adapters/cache"
	eventadapter "github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/adapters/events"
	grpcadapter "github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/adapters/grpc"
	httpadapter "github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/adapters/http"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/adapters/memory"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/adapters/postgres"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/adapters/scheduler"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/adapters/security"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/application"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/ports"
)

type Runtime struct {
	cfg        Config
	logger     *slog.Logger
	service    *application.Service
	httpServer *http.Server
	grpcServer *grpc.Server
	grpcLis    net.Listener
	outbox     *eventadapter.OutboxWorker
	consumer   *eventadapter.ConsumerWorker
	scheduler  *scheduler.Scheduler
	cleanupFn  func(context.Context)
}

type collaborators struct {
	payments ports.PaymentClient
	catalog  ports.CatalogClient
	carts    ports.CartClient
}

// NewRuntime builds the service and every adapter around it. Listeners are opened by RunAPI.
func NewRuntime(ctx context.Context, configPath string) (*Runtime, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).With("service", cfg.ServiceID)
	slog.SetDefault(logger)

	var closers []io.Closer
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}
	var checks []func(context.Context) error

	repos, err := openStorage(ctx, cfg, logger, &closers, &checks)
	if err != nil {
		cleanup()
		return nil, err
	}

	limiter := ports.IssuanceLimiter(cache.NewMemoryIssuanceLimiter(cfg.IssuanceLimit, cfg.IssuanceWindow))
	if cfg.RedisURL != "" {
		redisClient, redisErr := cache.Connect(ctx, cfg.RedisURL)
		if redisErr != nil {
			cleanup()
			return nil, redisErr
		}
		closers = append(closers, redisClient)
		redisLimiter := cache.NewRedisIssuanceLimiter(redisClient, cfg.IssuanceLimit, cfg.IssuanceWindow)
		limiter = redisLimiter
		checks = append(checks, redisLimiter.Ping)
	} else {
		logger.WarnContext(ctx, "REDIS_URL not set, issuance limits are per process")
	}

	collab, err := dialCollaborators(cfg, &closers)
	if err != nil {
		cleanup()
		return nil, err
	}

	publisher := ports.EventPublisher(eventadapter.NewLoggingPublisher(logger))
	consumerAdapter := eventadapter.Consumer(eventadapter.NewNoopConsumer())
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher, pubErr := eventadapter.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopicEvents, map[string]string{
			eventadapter.DeadLetterEventType: cfg.KafkaTopicDLQ,
		})
		if pubErr != nil {
			logger.WarnContext(ctx, "kafka publisher disabled, using logging publisher", "error", pubErr)
		} else {
			publisher = kafkaPublisher
			closers = append(closers, kafkaPublisher)
		}
		kafkaConsumer, conErr := eventadapter.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaConsumerGroup, cfg.KafkaTopicInputs)
		if conErr != nil {
			logger.WarnContext(ctx, "kafka consumer disabled, using noop consumer", "error", conErr)
		} else {
			consumerAdapter = kafkaConsumer
			closers = append(closers, kafkaConsumer)
		}
	}

	verifier, err := security.NewHMACVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		cleanup()
		return nil, err
	}

	service := application.NewService(application.Dependencies{
		Config: application.Config{
			ServiceName:             cfg.ServiceID,
			PublicBaseURL:           cfg.PublicBaseURL,
			ProductBaseURL:          cfg.ProductBaseURL,
			ReferralTTL:             cfg.ReferralTTL,
			DefaultPolicy:           cfg.DefaultPolicy,
			PaymentTimeout:          cfg.PaymentTimeout,
			IdempotencyTTL:          cfg.IdempotencyTTL,
			IdempotencyWaitTimeout:  cfg.IdempotencyWait,
			IdempotencyPollInterval: cfg.IdempotencyPoll,
			FlatShippingCents:       cfg.FlatShippingCents,
			EventDedupTTL:           cfg.EventDedupTTL,
			OutboxFlushBatchSize:    cfg.OutboxBatchSize,
			OutboxMaxAttempts:       cfg.OutboxMaxAttempts,
			SettlementBatchSize:     cfg.SettlementBatchSize,
			ConversionBatchSize:     cfg.ConversionBatchSize,
		},
		Referrals:      repos.Referrals,
		ReferralEvents: repos.ReferralEvents,
		Attributions:   repos.Attributions,
		Orders:         repos.Orders,
		Rewards:        repos.Rewards,
		Idempotency:    repos.Idempotency,
		Checkouts:      repos.Checkouts,
		Conversions:    repos.Conversions,
		Outbox:         repos.Outbox,
		EventDedup:     repos.EventDedup,
		Payments:       collab.payments,
		Catalog:        collab.catalog,
		Carts:          collab.carts,
		Limiter:        limiter,
		Publisher:      publisher,
		Logger:         logger,
	})

	handler := httpadapter.NewHandler(service, verifier).WithReadiness(func(ctx context.Context) error {
		for _, check := range checks {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           httpadapter.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	grpcadapter.Register(grpcServer, grpcadapter.NewInternalServer(service))

	outbox := eventadapter.NewOutboxWorker(logger, service, cfg.OutboxPollInterval)
	consumer := eventadapter.NewConsumerWorker(logger, consumerAdapter, service, cfg.ConsumerPollInterval).
		WithDLQ(publisher, cfg.KafkaTopicDLQ)
	jobs := scheduler.New(logger, service, scheduler.Intervals{
		Settlement:  cfg.SettlementInterval,
		Conversions: cfg.ConversionInterval,
	})

	return &Runtime{
		cfg:        cfg,
		logger:     logger,
		service:    service,
		httpServer: httpServer,
		grpcServer: grpcServer,
		outbox:     outbox,
		consumer:   consumer,
		scheduler:  jobs,
		cleanupFn:  func(context.Context) { cleanup() },
	}, nil
}

func openStorage(ctx context.Context, cfg Config, logger *slog.Logger, closers *[]io.Closer, checks *[]func(context.Context) error) (postgres.Repositories, error) {
	if cfg.StorageDriver == StorageDriverMemory {
		logger.WarnContext(ctx, "using in-memory storage, state is lost on restart")
		store := memory.NewStore()
		return postgres.Repositories{
			Referrals:      store.Referrals,
			ReferralEvents: store.ReferralEvents,
			Attributions:   store.Attributions,
			Orders:         store.Orders,
			Rewards:        store.Rewards,
			Idempotency:    store.Idempotency,
			Checkouts:      store.Checkouts,
			Conversions:    store.Conversions,
			Outbox:         store.Outbox,
			EventDedup:     store.EventDedup,
		}, nil
	}
	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.MaxDBConns)
	if err != nil {
		return postgres.Repositories{}, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return postgres.Repositories{}, err
	}
	*closers = append(*closers, sqlDB)
	if cfg.RunMigrations {
		if err := postgres.RunMigrations(ctx, db); err != nil {
			return postgres.Repositories{}, err
		}
	}
	*checks = append(*checks, func(ctx context.Context) error { return postgres.Ping(ctx, db) })
	return postgres.NewRepositories(db), nil
}

func dialCollaborators(cfg Config, closers *[]io.Closer) (collaborators, error) {
	out := collaborators{}
	if cfg.PaymentGRPCURL != "" {
		conn, err := grpcadapter.Dial(cfg.PaymentGRPCURL)
		if err != nil {
			return out, fmt.Errorf("dial payment service: %w", err)
		}
		*closers = append(*closers, conn)
		out.payments = grpcadapter.NewPaymentClient(conn)
	} else {
		out.payments = memory.NewPayments()
	}
	if cfg.CatalogGRPCURL != "" {
		conn, err := grpcadapter.Dial(cfg.CatalogGRPCURL)
		if err != nil {
			return out, fmt.Errorf("dial catalog service: %w", err)
		}
		*closers = append(*closers, conn)
		out.catalog = grpcadapter.NewCatalogClient(conn)
	} else {
		catalog := memory.NewCatalog()
		for _, seed := range cfg.DevCatalog {
			catalog.PutVariant(ports.Variant{
				ProductID: seed.ProductID, VariantID: seed.VariantID, SKU: seed.SKU,
				PriceCents: seed.PriceCents, Currency: seed.Currency, Available: seed.Available,
			})
		}
		out.catalog = catalog
	}
	if cfg.CartGRPCURL != "" {
		conn, err := grpcadapter.Dial(cfg.CartGRPCURL)
		if err != nil {
			return out, fmt.Errorf("dial cart service: %w", err)
		}
		*closers = append(*closers, conn)
		out.carts = grpcadapter.NewCartClient(conn)
	} else {
		out.carts = memory.NewCarts()
	}
	return out, nil
}

func (r *Runtime) Service() *application.Service { return r.service }

func (r *Runtime) Close(ctx context.Context) { r.cleanupFn(ctx) }

func (r *Runtime) RunAPI(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", r.cfg.GRPCPort))
	if err != nil {
		r.cleanupFn(ctx)
		return err
	}
	r.grpcLis = lis
	errCh := make(chan error, 2)

	go func() {
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := r.grpcServer.Serve(r.grpcLis); err != nil {
			errCh <- err
		}
	}()
	r.logger.InfoContext(ctx, "api started", "http_port", r.cfg.HTTPPort, "grpc_port", r.cfg.GRPCPort, "storage", r.cfg.StorageDriver)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		r.logger.ErrorContext(ctx, "runtime failure", "error", runErr)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = r.httpServer.Shutdown(shutdownCtx)
	r.grpcServer.GracefulStop()
	r.cleanupFn(shutdownCtx)
	return runErr
}

func (r *Runtime) RunWorker(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	errCh := make(chan error, 3)

	go func() {
		if err := r.outbox.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	go func() {
		if err := r.consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	go func() {
		if err := r.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	r.logger.InfoContext(ctx, "worker started", "storage", r.cfg.StorageDriver)

	select {
	case <-ctx.Done():
		r.cleanupFn(context.Background())
		return nil
	case err := <-errCh:
		r.cleanupFn(context.Background())
		return err
	}
}
