// Package main запускает HTTP-сервер сервиса расчётов.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zkcommerce/settlement-system/internal/auth"
	"github.com/zkcommerce/settlement-system/internal/config"
	"github.com/zkcommerce/settlement-system/internal/handler"
	"github.com/zkcommerce/settlement-system/internal/ledger"
	"github.com/zkcommerce/settlement-system/internal/middleware"
	"github.com/zkcommerce/settlement-system/internal/repository"
	"github.com/zkcommerce/settlement-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	var store service.Store
	switch cfg.StorageBackend {
	case config.BackendPostgres:
		pg, err := repository.NewPostgresStore(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		defer pg.Close()
		store = pg
	case config.BackendFile:
		fs, err := repository.NewFileStore(cfg.StoreFile)
		if err != nil {
			sugar.Fatalw("file store initialization error", "error", err.Error())
		}
		defer fs.Close()
		store = fs
	}
	sugar.Infow("storage backend selected", "backend", cfg.StorageBackend)

	var ledgerClient *ledger.Client
	if cfg.LedgerRPCAddress != "" {
		ledgerClient = ledger.NewClient(cfg.LedgerRPCAddress)
	} else {
		sugar.Info("ledger RPC address is not set, confirmation checks are disabled")
	}

	secret := []byte(cfg.CredentialSecret)
	if len(secret) == 0 {
		// Без заданного секрета учётные данные живут до перезапуска процесса.
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			sugar.Fatalw("credential secret generation error", "error", err.Error())
		}
		sugar.Info("credential secret is not set, using a generated one")
	}
	credentials := auth.NewCredentialManager(secret, auth.CredentialTTL)

	svc := service.NewService(store, ledgerClient, credentials)
	defer svc.Close()

	h := handler.NewHandler(svc, logger, middleware.NewAuthMiddleware(credentials))
	r := handler.NewRouter(h, logger)

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фонового процесса сверки подтверждений с реестром
	g.Go(func() error {
		svc.StartConfirmationUpdates(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting settlement server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
