package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flashsale/config"
	"flashsale/internal/services"
	"flashsale/internal/services/bank"
	"flashsale/internal/store"
	"flashsale/monitoring"
	"flashsale/security"
	"flashsale/utils"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pocketbase/dbx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 15 * time.Second

// Services is the operation surface offered to a presentation layer.
type Services struct {
	Queue    *services.QueueService
	Orders   *services.OrderService
	Payments *services.PaymentService
}

// OnReady, when set, receives the wired services once background workers
// are running. A transport assigns it before calling Start; the process
// itself serves only metrics and health.
var OnReady func(ctx context.Context, svc *Services)

func Start() error {
	envFile := pflag.String("env-file", ".env", "path of an optional .env file")
	migrateOnly := pflag.Bool("migrate-only", false, "apply the ledger schema and exit")
	skipMigrate := pflag.Bool("skip-migrate", false, "do not apply the ledger schema on startup")
	pflag.Parse()

	// Load configuration
	cfg := config.LoadConfig(*envFile)
	setupLogger(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.EnableTracing {
		tp, err := initTracer(ctx, cfg)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				slog.Error("failed to shut down tracer", "error", err)
			}
		}()
	}

	// Ledger store
	pool, err := initDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	sqlDB := stdlib.OpenDBFromPool(pool)
	defer sqlDB.Close()
	db := dbx.NewFromDB(sqlDB, "postgres")

	if *migrateOnly || !*skipMigrate {
		if err := store.Migrate(ctx, db); err != nil {
			return err
		}
	}
	if *migrateOnly {
		slog.Info("schema applied, exiting")
		return nil
	}

	// Initialize Redis
	redisClient, err := utils.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	ledger := store.NewLedger(pool)
	queries := store.NewQueries(db)

	// Initialize services
	monitor := monitoring.NewMonitor(nil)
	registry := services.NewEventRegistry(redisClient)
	seedRegistry(ctx, registry, queries)

	queueService := services.NewQueueService(redisClient, registry, monitor, services.QueueConfig{
		ReadyCapacity: cfg.ReadyCapacity,
		GateTokenTTL:  cfg.GateTokenTTL,
		CheckoutTTL:   cfg.CheckoutTTL,
	})
	monitor.SetSource(queueService)
	queueService.SetLimiter(security.NewRateLimiter(redisClient, cfg.EnqueueRateLimit, cfg.EnqueueRateWindow))

	gateway, err := bank.DialKafkaGateway(cfg.KafkaBrokers, cfg.PaymentRequestTopic)
	if err != nil {
		return err
	}
	defer gateway.Close()

	orderService := services.NewOrderService(ledger, queries, queueService, monitor)
	paymentService := services.NewPaymentService(ledger, gateway, monitor)

	consumer, err := bank.DialResultConsumer(cfg.KafkaBrokers, cfg.PaymentConsumerGroup, cfg.PaymentResultTopic,
		func(ctx context.Context, result bank.PaymentResult) error {
			_, err := paymentService.CompletePayment(ctx, result)
			return err
		})
	if err != nil {
		return err
	}

	leader := services.NewLeaderElector(redisClient, cfg.LeaderLockTTL, cfg.LeaderRenewInterval, monitor)
	engine := services.NewPromotionEngine(redisClient, registry, leader, newNotifier(cfg), monitor, services.PromotionConfig{
		ReadyCapacity: cfg.ReadyCapacity,
		GateTokenTTL:  cfg.GateTokenTTL,
		Interval:      cfg.PromotionInterval,
	})

	// Start background tasks
	engine.Start(ctx)

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := consumer.Run(ctx); err != nil {
			slog.Error("payment result consumer stopped", "error", err)
		}
	}()

	var metricsServer *http.Server
	if cfg.EnableMetrics {
		go monitor.Run(ctx, cfg.MetricsCollectInterval, registry.List)
		metricsServer = startMetricsServer(cfg, redisClient, pool)
	}

	if OnReady != nil {
		OnReady(ctx, &Services{Queue: queueService, Orders: orderService, Payments: paymentService})
	}

	slog.Info("flashsale started",
		"environment", cfg.Environment,
		"ready_capacity", cfg.ReadyCapacity,
		"leader_owner", leader.Owner())

	// Setup graceful shutdown
	handleShutdown(cancel)

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()

	engine.Shutdown(shutdownCtx)
	if err := consumer.Close(); err != nil {
		slog.Error("failed to close payment result consumer", "error", err)
	}
	<-consumerDone
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to stop metrics server", "error", err)
		}
	}

	slog.Info("flashsale stopped")
	return nil
}

func setupLogger(cfg *config.Config) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}

	var handler slog.Handler
	if cfg.Environment == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func newNotifier(cfg *config.Config) services.Notifier {
	if cfg.PubNubPublishKey == "" {
		slog.Info("pubnub not configured, ready notifications disabled")
		return services.NopNotifier{}
	}
	return services.NewPubNubNotifier(cfg.PubNubPublishKey, cfg.PubNubSubscribeKey, cfg.PubNubSecretKey, cfg.PubNubUserID)
}

// seedRegistry registers every on-sale event so their queues are scanned
// even before this instance sees an enqueue.
func seedRegistry(ctx context.Context, registry *services.EventRegistry, queries *store.Queries) {
	events, err := queries.ListOnSaleEvents(ctx)
	if err != nil {
		slog.Error("failed to load on-sale events", "error", err)
		return
	}

	for _, event := range events {
		if err := registry.Add(ctx, event.ID); err != nil {
			slog.Error("failed to register event", "event_id", event.ID, "error", err)
		}
	}
	slog.Info("event registry seeded", "events", len(events))
}

func startMetricsServer(cfg *config.Config, redisClient *redis.Client, pool *pgxpool.Pool) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := utils.RedisHealthCheck(r.Context(), redisClient); err != nil {
			http.Error(w, "redis: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "postgres: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics listener started", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics listener failed", "error", err)
		}
	}()
	return srv
}

// handleShutdown blocks until SIGINT or SIGTERM and then cancels the root
// context.
func handleShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	slog.Info("shutdown signal received, cleaning up")
	cancel()
}
