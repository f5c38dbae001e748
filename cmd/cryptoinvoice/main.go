// Package main запускает HTTP-сервер сервиса криптоинвойсов.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/deltagroupbrasil/cryptoinvoice/internal/config"
	"github.com/deltagroupbrasil/cryptoinvoice/internal/exchange"
	"github.com/deltagroupbrasil/cryptoinvoice/internal/handler"
	"github.com/deltagroupbrasil/cryptoinvoice/internal/middleware"
	"github.com/deltagroupbrasil/cryptoinvoice/internal/notifier"
	"github.com/deltagroupbrasil/cryptoinvoice/internal/repository"
	"github.com/deltagroupbrasil/cryptoinvoice/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	// Файл .env опционален, в контейнере настройки приходят из окружения.
	_ = godotenv.Load()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	exchClient := exchange.NewClient(cfg.ExchangeAPIAddress, cfg.ExchangeAPIKey, cfg.ExchangeAPISecret)

	notif := notifier.New(repo, logger, notifier.Options{
		WebhookURL:     cfg.WebhookURL,
		TelegramToken:  cfg.TelegramToken,
		TelegramChatID: cfg.TelegramChatID,
	})

	svc := service.NewService(repo, exchClient, notif, logger, service.Options{
		Tolerance:       cfg.AmountTolerance,
		PollInterval:    cfg.PollInterval,
		DepositLookback: cfg.DepositLookback,
	})
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фонового цикла сверки депозитов
	g.Go(func() error {
		svc.StartReconciliation(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting cryptoinvoice server", "addr", cfg.RunAddress)
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
