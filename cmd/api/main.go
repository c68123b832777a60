package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/backend-ledger/ledger/internal/config"
	"github.com/backend-ledger/ledger/internal/handler"
	"github.com/backend-ledger/ledger/internal/logging"
	"github.com/backend-ledger/ledger/internal/middleware"
	"github.com/backend-ledger/ledger/internal/notify"
	"github.com/backend-ledger/ledger/internal/obs"
	"github.com/backend-ledger/ledger/internal/repository"
	"github.com/backend-ledger/ledger/internal/service"
	"github.com/backend-ledger/ledger/internal/service/transfer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Init("ledger-api", cfg.LogLevel, cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := repository.NewPostgresDB(ctx, cfg.DatabaseURL, repository.PoolConfig{
		MaxOpenConns:     cfg.DBMaxOpenConns,
		MaxIdleConns:     cfg.DBMaxIdleConns,
		ConnMaxLifetimeS: cfg.DBConnMaxLifetimeS,
		ConnMaxIdleTimeS: cfg.DBConnMaxIdleTimeS,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	accountRepo := repository.NewAccountRepository(db)
	transactionRepo := repository.NewTransactionRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)
	eventRepo := repository.NewTransactionEventRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)
	userRepo := repository.NewUserRepository(db)

	transferSvc := transfer.NewService(
		transactionRepo, accountRepo, ledgerRepo, eventRepo, notificationRepo,
		db, time.Duration(cfg.TransferTimeoutMs)*time.Millisecond,
	)
	accountSvc := service.NewAccountService(accountRepo, ledgerRepo)
	userSvc := service.NewUserService(userRepo, cfg.JWTSecret, time.Duration(cfg.JWTExpiryH)*time.Hour)

	reconciler := transfer.NewReconciler(
		transactionRepo, eventRepo, db, logger,
		time.Duration(cfg.ReconcileIntervalS)*time.Second,
		time.Duration(cfg.PendingGraceS)*time.Second,
	)
	go reconciler.Run(ctx)

	dispatcher := notify.NewDispatcher(
		notificationRepo, userRepo,
		notify.NewWebhookSender(cfg.NotifyWebhookURL),
		logger,
		time.Duration(cfg.NotifyIntervalS)*time.Second,
		cfg.NotifyMaxAttempts,
	)
	go dispatcher.Run(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           buildRouter(cfg, db, transferSvc, accountSvc, userSvc),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("server started", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func buildRouter(
	cfg *config.Config,
	db *sql.DB,
	transferSvc *transfer.Service,
	accountSvc *service.AccountService,
	userSvc *service.UserService,
) http.Handler {
	transferHandler := handler.NewTransferHandler(transferSvc)
	accountHandler := handler.NewAccountHandler(accountSvc)
	authHandler := handler.NewAuthHandler(userSvc)
	healthHandler := handler.NewHealthHandler(db)

	authRequired := middleware.Auth(cfg.JWTSecret)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health/live", healthHandler.Liveness)
	mux.HandleFunc("GET /health/ready", healthHandler.Readiness)
	mux.Handle("GET /metrics", obs.Handler())

	mux.Handle("POST /api/v1/auth/register",
		obs.Instrument("/api/v1/auth/register", http.HandlerFunc(authHandler.Register)))
	mux.Handle("POST /api/v1/auth/login",
		obs.Instrument("/api/v1/auth/login", http.HandlerFunc(authHandler.Login)))

	protected := func(route string, h http.HandlerFunc) http.Handler {
		return obs.Instrument(route, authRequired(h))
	}

	mux.Handle("POST /api/v1/accounts",
		protected("/api/v1/accounts", accountHandler.Create))
	mux.Handle("GET /api/v1/accounts",
		protected("/api/v1/accounts", accountHandler.List))
	mux.Handle("GET /api/v1/accounts/{id}",
		protected("/api/v1/accounts/{id}", accountHandler.Get))
	mux.Handle("GET /api/v1/accounts/{id}/balance",
		protected("/api/v1/accounts/{id}/balance", accountHandler.GetBalance))
	mux.Handle("GET /api/v1/accounts/{id}/entries",
		protected("/api/v1/accounts/{id}/entries", accountHandler.ListEntries))
	mux.Handle("POST /api/v1/accounts/{id}/freeze",
		protected("/api/v1/accounts/{id}/freeze", accountHandler.Freeze))
	mux.Handle("POST /api/v1/accounts/{id}/unfreeze",
		protected("/api/v1/accounts/{id}/unfreeze", accountHandler.Unfreeze))
	mux.Handle("POST /api/v1/accounts/{id}/close",
		protected("/api/v1/accounts/{id}/close", accountHandler.Close))

	mux.Handle("POST /api/v1/transfers",
		protected("/api/v1/transfers", transferHandler.Create))
	mux.Handle("GET /api/v1/transfers/{id}",
		protected("/api/v1/transfers/{id}", transferHandler.Get))
	mux.Handle("POST /api/v1/transfers/{id}/reverse",
		protected("/api/v1/transfers/{id}/reverse", transferHandler.Reverse))

	return middleware.RequestID(middleware.Logging(middleware.Recovery(mux)))
}
