// Package main запускает HTTP-сервер сервиса бронирования.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/booking-system/internal/availability"
	"github.com/mmeshcher/booking-system/internal/calendar"
	"github.com/mmeshcher/booking-system/internal/checkout"
	"github.com/mmeshcher/booking-system/internal/config"
	"github.com/mmeshcher/booking-system/internal/gateway"
	"github.com/mmeshcher/booking-system/internal/handler"
	"github.com/mmeshcher/booking-system/internal/idempotency"
	"github.com/mmeshcher/booking-system/internal/repository"
	"github.com/mmeshcher/booking-system/internal/service"
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

	var redisClient *redis.Client
	if cfg.RedisAddress != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		defer redisClient.Close()
	}

	gw := gateway.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret)

	ledger := idempotency.NewLedger(repo)
	factory := checkout.NewFactory(repo, ledger, gw, cfg.PublicBaseURL, logger)

	var busy availability.BusyBlockSource
	if cfg.CalendarFeedURL != "" {
		busy = calendar.NewClient(cfg.CalendarFeedURL, redisClient, logger)
	}
	engine := availability.NewEngine(repo, busy, logger)

	svc := service.NewService(repo, gw, logger)
	defer svc.Close()

	var mutex idempotency.Mutex = idempotency.NewLocalMutex()
	if redisClient != nil {
		mutex = idempotency.NewRedisMutex(redisClient)
	}
	cleaner := idempotency.NewCleaner(repo, mutex, logger, time.Hour)

	h := handler.NewHandler(factory, engine, svc, gw, logger)
	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Очистка просроченных записей идемпотентности
	g.Go(func() error {
		cleaner.Run(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting booking server", "addr", cfg.RunAddress)
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
