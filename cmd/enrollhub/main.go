// Package main запускает HTTP-сервер сервиса зачислений.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/enrollhub-system/internal/config"
	"github.com/mmeshcher/enrollhub-system/internal/handler"
	"github.com/mmeshcher/enrollhub-system/internal/kit"
	"github.com/mmeshcher/enrollhub-system/internal/metrics"
	"github.com/mmeshcher/enrollhub-system/internal/repository"
	"github.com/mmeshcher/enrollhub-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	m := metrics.New()

	var kitClient *kit.Client
	if cfg.KitAPIKey != "" {
		kitClient = kit.NewClient(cfg.KitAPIAddress, cfg.KitAPIKey, logger)
	}
	tagger := kit.NewTagger(kitClient, 256, logger, m)

	svc := service.NewService(repo, tagger, logger)
	defer svc.Close()

	h := handler.NewHandler(svc, logger, handler.Secrets{
		Kit:      cfg.KitWebhookSecret,
		Stripe:   cfg.StripeWebhookSecret,
		Typeform: cfg.TypeformWebhookSecret,
	}, m)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фонового воркера простановки тегов Kit
	g.Go(func() error {
		tagger.Run(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting enrollhub server", "addr", cfg.RunAddress)
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
