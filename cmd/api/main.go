package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/angelmondragon/storefront-backend/api/routes"
	"github.com/angelmondragon/storefront-backend/internal/inventory"
	"github.com/angelmondragon/storefront-backend/internal/ledger"
	"github.com/angelmondragon/storefront-backend/internal/notifications"
	"github.com/angelmondragon/storefront-backend/internal/orders"
	"github.com/angelmondragon/storefront-backend/internal/payments"
	"github.com/angelmondragon/storefront-backend/internal/pricing"
	"github.com/angelmondragon/storefront-backend/internal/refunds"
	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/instance"
	"github.com/angelmondragon/storefront-backend/pkg/db"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/metrics"
	"github.com/angelmondragon/storefront-backend/pkg/migrate"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
	"github.com/angelmondragon/storefront-backend/pkg/razorpay"
	"github.com/angelmondragon/storefront-backend/pkg/redis"
)

const (
	orderLockWait   = 5 * time.Second
	shutdownTimeout = 15 * time.Second
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	paymentMetrics := metrics.NewPaymentMetrics(registry)

	deps, err := buildDeps(context.Background(), cfg, logg, dbClient, redisClient, paymentMetrics)
	if err != nil {
		logg.Error(context.Background(), "failed to wire services", err)
		os.Exit(1)
	}
	deps.Gatherer = registry

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": instance.GetID(),
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr:              addr,
		Handler:           routes.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "api server shutdown failed", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "api server stopped")
}

func buildDeps(ctx context.Context, cfg *config.Config, logg *logger.Logger, dbClient *db.Client, redisClient *redis.Client, paymentMetrics *metrics.PaymentMetrics) (routes.Deps, error) {
	conn := dbClient.DB()

	calc, err := pricing.NewCalculator(cfg.Pricing)
	if err != nil {
		return routes.Deps{}, err
	}
	stock, err := inventory.NewLedger(conn, logg, paymentMetrics)
	if err != nil {
		return routes.Deps{}, err
	}
	ledgerSvc, err := ledger.NewService(ledger.NewRepository(conn))
	if err != nil {
		return routes.Deps{}, err
	}
	events := outbox.NewService(outbox.NewRepository(conn), logg)

	orderRepo := orders.NewRepository(conn)
	orderSvc, err := orders.NewService(orderRepo, dbClient, events, stock, calc, cfg.Orders, logg)
	if err != nil {
		return routes.Deps{}, err
	}

	rzpClient, err := razorpay.NewClient(ctx, cfg.Gateway, logg)
	if err != nil {
		return routes.Deps{}, err
	}
	rzpGateway, err := payments.NewRazorpayGateway(rzpClient)
	if err != nil {
		return routes.Deps{}, err
	}
	gateway, err := payments.NewRetryingGateway(rzpGateway, cfg.Gateway.MaxAttempts, cfg.Gateway.RetryDelay, logg, paymentMetrics)
	if err != nil {
		return routes.Deps{}, err
	}

	paymentRepo := payments.NewRepository(conn)
	paymentSvc, err := payments.NewService(orderRepo, paymentRepo, dbClient, gateway, rzpClient.KeyID(), cfg.Orders.ReservationTTL, logg)
	if err != nil {
		return routes.Deps{}, err
	}
	signer, err := payments.NewSigner(cfg.Gateway.KeySecret, cfg.Gateway.WebhookSecret)
	if err != nil {
		return routes.Deps{}, err
	}
	locks, err := payments.NewRedisOrderLocker(redisClient, cfg.Gateway.LockTTL, orderLockWait, logg)
	if err != nil {
		return routes.Deps{}, err
	}
	notifier, err := notifications.NewNotifier(dbClient, events)
	if err != nil {
		return routes.Deps{}, err
	}

	coordinator, err := payments.NewCoordinator(payments.CoordinatorDeps{
		Orders:   orderRepo,
		Payments: paymentRepo,
		Tx:       dbClient,
		Stock:    stock,
		Ledger:   ledgerSvc,
		Outbox:   events,
		Notifier: notifier,
		Signer:   signer,
		Locks:    locks,
		Logger:   logg,
		Metrics:  paymentMetrics,
	})
	if err != nil {
		return routes.Deps{}, err
	}
	webhooks, err := payments.NewWebhookHandler(signer, coordinator, redisClient, cfg.Gateway.WebhookTTL, logg)
	if err != nil {
		return routes.Deps{}, err
	}

	processor, err := refunds.NewProcessor(refunds.Deps{
		Orders:   orderRepo,
		Payments: paymentRepo,
		Tx:       dbClient,
		Gateway:  gateway,
		Stock:    stock,
		Ledger:   ledgerSvc,
		Outbox:   events,
		Locks:    locks,
		Logger:   logg,
		Metrics:  paymentMetrics,
	})
	if err != nil {
		return routes.Deps{}, err
	}

	return routes.Deps{
		Config:      cfg,
		Logger:      logg,
		DB:          dbClient,
		Redis:       redisClient,
		Idempotency: redisClient,
		Orders:      orderSvc,
		Payments:    paymentSvc,
		Coordinator: coordinator,
		Webhooks:    webhooks,
		Refunds:     processor,
		Ledger:      ledgerSvc,
	}, nil
}
