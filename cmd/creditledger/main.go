// Package main запускает HTTP-сервер и фоновые задачи сервиса кредитов.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/creditledger/internal/callback"
	"github.com/mmeshcher/creditledger/internal/config"
	"github.com/mmeshcher/creditledger/internal/creem"
	"github.com/mmeshcher/creditledger/internal/handler"
	"github.com/mmeshcher/creditledger/internal/httpclient"
	"github.com/mmeshcher/creditledger/internal/jobs"
	"github.com/mmeshcher/creditledger/internal/ledger"
	"github.com/mmeshcher/creditledger/internal/middleware"
	"github.com/mmeshcher/creditledger/internal/reconciler"
	"github.com/mmeshcher/creditledger/internal/repository"
	"github.com/mmeshcher/creditledger/internal/videoapi"
	"github.com/mmeshcher/creditledger/internal/worker"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		sugar.Warnw("failed to load .env file", "error", err.Error())
	}

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}
	if err := cfg.Validate(); err != nil {
		sugar.Fatalw("invalid configuration", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	err = worker.Migrate(migrateCtx, repo.Pool())
	cancelMigrate()
	if err != nil {
		sugar.Fatalw("job queue migration error", "error", err.Error())
	}

	httpClient := httpclient.New(logger.Named("http"), httpclient.DefaultOptions())
	creemClient := creem.NewClient(cfg.CreemAPIURL, cfg.CreemAPIKey, httpClient)
	videoClient := videoapi.NewClient(cfg.VideoAPIURL, cfg.VideoAPIKey, httpClient)
	if !videoClient.Configured() {
		sugar.Warn("video API is not configured, job submission is disabled")
	}
	signer := callback.NewSigner(cfg.CallbackSecret, cfg.PublicBaseURL)

	ledgerSvc := ledger.NewService(repo, logger.Named("ledger"))
	payments := reconciler.NewService(repo, ledgerSvc, creemClient, reconciler.Options{
		WebhookSecret:      cfg.CreemWebhookSecret,
		ProductCredits:     cfg.ProductCredits,
		CheckoutSuccessURL: cfg.CheckoutSuccessURL,
	}, logger.Named("reconciler"))
	coordinator := jobs.NewCoordinator(repo, ledgerSvc, videoClient, signer, jobs.Pricing{
		ModelCosts:  cfg.VideoModelCosts,
		DefaultCost: cfg.DefaultVideoCost,
	}, logger.Named("jobs"))

	riverClient, err := worker.NewClient(repo.Pool(), coordinator, payments, worker.Config{
		PollInterval:      cfg.PollInterval,
		ReconcileInterval: cfg.ReconcileInterval,
		OrphanDebitAge:    cfg.OrphanDebitAge,
	}, logger.Named("worker"))
	if err != nil {
		sugar.Fatalw("job queue initialization error", "error", err.Error())
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthJWTSecret)
	h := handler.NewHandler(handler.Services{
		Ledger:    ledgerSvc,
		Payments:  payments,
		Jobs:      coordinator,
		Callbacks: signer,
	}, logger, authMiddleware, handler.Options{
		AdminKey:       cfg.AdminAPIKey,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск периодического опроса провайдера и сверки журнала
	g.Go(func() error {
		if err := riverClient.Start(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("start job queue: %w", err)
		}
		sugar.Infow("job queue started",
			"poll_interval", cfg.PollInterval.String(),
			"reconcile_interval", cfg.ReconcileInterval.String(),
		)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting credit ledger server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
		}
		if err := riverClient.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("job queue shutdown error: %w", err))
		}
		if len(errs) == 0 {
			sugar.Info("server stopped gracefully")
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
