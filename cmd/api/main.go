package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	goredislib "github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/nestview/backend/internal/auth"
	"github.com/nestview/backend/internal/booking"
	"github.com/nestview/backend/internal/config"
	"github.com/nestview/backend/internal/keylock"
	"github.com/nestview/backend/internal/ledger"
	"github.com/nestview/backend/internal/messaging"
	"github.com/nestview/backend/internal/migrations"
	"github.com/nestview/backend/internal/models"
	"github.com/nestview/backend/internal/notify"
	"github.com/nestview/backend/internal/payout"
	"github.com/nestview/backend/internal/presence"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running and DATABASE_URL is correct", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	// River migrations, then the application schema
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	if _, err := migrations.Up(ctx, pool, logger); err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Migrations applied")

	// Locking
	health := map[string]pinger{"postgres": pool}
	var locker keylock.Locker = keylock.NewLocal()
	if cfg.LockBackend == "redis" {
		rdb := goredislib.NewClient(&goredislib.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("Cannot reach Redis for distributed locking", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		locker = keylock.NewRedis(rdb, keylock.DefaultRedisOptions(), logger)
		health["redis"] = pingerFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		slog.Info("Using Redis locks", "addr", cfg.RedisAddr)
	}

	// Presence and notifications
	registry := presence.NewRegistry()
	var publisher notify.Publisher
	if cfg.RabbitURL != "" {
		amqpPub, err := notify.NewAMQPPublisher(cfg.RabbitURL, cfg.EventsExchange)
		if err != nil {
			slog.Warn("RabbitMQ unavailable, events stay in-process", "error", err)
		} else {
			defer amqpPub.Close()
			publisher = amqpPub
			slog.Info("Publishing events to RabbitMQ", "exchange", cfg.EventsExchange)
		}
	}
	dispatcher := notify.NewDispatcher(registry, publisher, logger)

	// Ledger: insert func is set after River client is created (breaks init cycle)
	var insertMu sync.Mutex
	var insertFn ledger.InsertPayoutJobTxFunc
	insertPayoutJob := func(ctx context.Context, tx pgx.Tx, transactionID uuid.UUID) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			return errors.New("payout queue not wired")
		}
		return fn(ctx, tx, transactionID)
	}

	validator, err := ledger.NewDetailsValidator()
	if err != nil {
		slog.Error("Failed to compile payout method schemas", "error", err)
		os.Exit(1)
	}
	ledgerRepo := ledger.NewRepository(pool)
	ledgerSvc := ledger.NewService(ledgerRepo, ledgerRepo, validator, locker, dispatcher, insertPayoutJob,
		ledger.BalanceDefaults{MinimumPayout: cfg.MinPayoutAmount, Currency: cfg.DefaultCurrency}, logger)

	// Payout workers
	workers := river.NewWorkers()
	river.AddWorker(workers, payout.NewWorker(ledgerSvc, payoutProviders(cfg), cfg.PayoutSubmitTimeout, logger))
	river.AddWorker(workers, payout.NewReconcileWorker(ledgerSvc, cfg.PayoutDeadline, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.RiverMaxWorkers},
		},
		Workers:      workers,
		PeriodicJobs: []*river.PeriodicJob{payout.ReconcilePeriodicJob(cfg.PayoutReconcileInterval)},
		Logger:       logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, transactionID uuid.UUID) error {
		_, err := riverClient.InsertTx(ctx, tx, payout.ProcessPayoutArgs{TransactionID: transactionID}, nil)
		return err
	}
	insertMu.Unlock()

	// Bookings
	bookingRepo := booking.NewRepository(pool)
	bookingSvc := booking.NewService(bookingRepo, bookingRepo, locker, dispatcher, logger)

	// Messaging
	messagingSvc := messaging.NewService(messaging.NewRepository(pool), dispatcher, logger)

	authSvc := auth.NewService(cfg.JWTSecret, 0)

	mux := newRouter(routeDeps{
		tokens:   authSvc,
		bookings: booking.NewHandler(bookingSvc, logger),
		ledger:   ledger.NewHandler(ledgerSvc, logger),
		messages: messaging.NewHandler(messagingSvc, logger),
		callback: payout.NewCallbackHandler(ledgerSvc, cfg.WebhookSecret, logger),
		registry: registry,
		relay:    messagingSvc,
		origins:  cfg.CORSAllowedOrigins,
		health:   health,
		logger:   logger,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", payout.SignatureHeader},
		AllowCredentials: true,
	}).Handler(mux)

	// Start River client (processes payouts and the reconciler). It gets its own
	// context so a signal leads to a graceful Stop rather than a hard one.
	riverCtx, stopRiver := context.WithCancel(context.Background())
	defer stopRiver()
	if err := riverClient.Start(riverCtx); err != nil {
		slog.Error("River client failed to start", "error", err)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "addr", server.Addr)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
		}
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		slog.Error("River client stop failed", "error", err)
	}
	slog.Info("Shutdown complete")
}

func payoutProviders(cfg config.App) payout.Providers {
	if cfg.PayoutSandbox {
		slog.Warn("Payout sandbox enabled, payouts complete without moving money")
		return payout.SandboxProviders(2 * time.Second)
	}
	return payout.Providers{
		models.PayoutMobileMoney: payout.NewMobileMoney(
			payout.Endpoint{URL: cfg.MTNAPIURL, APIKey: cfg.MTNAPIKey},
			payout.Endpoint{URL: cfg.OrangeAPIURL, APIKey: cfg.OrangeAPIKey},
			nil,
		),
		models.PayoutBankTransfer: payout.NewBank(payout.Endpoint{URL: cfg.BankAPIURL, APIKey: cfg.BankAPIKey}, nil),
	}
}
