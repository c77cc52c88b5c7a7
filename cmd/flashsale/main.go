// Package main запускает сервис флеш-распродаж: HTTP API, конвейер исполнения заказов
// и планировщик переходов распродаж.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/flashsale-system/internal/config"
	"github.com/mmeshcher/flashsale-system/internal/handler"
	"github.com/mmeshcher/flashsale-system/internal/middleware"
	"github.com/mmeshcher/flashsale-system/internal/notify"
	"github.com/mmeshcher/flashsale-system/internal/observability"
	"github.com/mmeshcher/flashsale-system/internal/payment"
	"github.com/mmeshcher/flashsale-system/internal/pipeline"
	"github.com/mmeshcher/flashsale-system/internal/repository"
	"github.com/mmeshcher/flashsale-system/internal/scheduler"
	"github.com/mmeshcher/flashsale-system/internal/service"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	if cfg.IssueAdminToken {
		fmt.Println(authMiddleware.IssueToken(uuid.New(), middleware.RoleAdmin))
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTelEndpoint)
	if err != nil {
		sugar.Fatalw("tracing initialization error", "error", err.Error())
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			sugar.Warnw("tracing shutdown error", "error", err.Error())
		}
	}()

	var repo repository.Repository
	if cfg.DatabaseURI != "" {
		pg, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		repo = pg
	} else {
		sugar.Warn("DATABASE_URI is empty, using in-memory store")
		repo = repository.NewMemoryRepository()
	}
	defer repo.Close()

	var (
		dedup  pipeline.Deduper
		locker scheduler.Locker
	)
	if cfg.RedisAddress != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			sugar.Fatalw("redis initialization error", "error", err.Error())
		}
		dedup = pipeline.NewRedisDeduper(rdb)
		locker = scheduler.NewRedisLocker(rdb)
	}

	var gateway service.PaymentGateway
	if cfg.PaymentGatewayAddress != "" {
		gateway = payment.NewClient(cfg.PaymentGatewayAddress)
	} else {
		sugar.Infow("using simulated payment gateway", "approval_rate", cfg.PaymentApprovalRate)
		gateway = payment.NewSimulated(cfg.PaymentApprovalRate)
	}

	auditor := notify.NewLogAuditor(logger)
	sales := service.NewSaleService(repo, auditor, logger, cfg.MinSaleDuration)
	orders := service.NewOrderService(repo, gateway, notify.NewLogNotifier(logger), auditor, logger)

	router := pipeline.NewRouter(orders, dedup, logger)

	var (
		publisher pipeline.Publisher
		consume   func(ctx context.Context) error
	)
	if len(cfg.KafkaBrokers) > 0 {
		publisher = pipeline.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		consumer := pipeline.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaGroup, cfg.KafkaTopic, cfg.PipelineWorkers, logger)
		consume = func(ctx context.Context) error { return consumer.Run(ctx, router.Handle) }
	} else {
		sugar.Warn("KAFKA_BROKERS is empty, using in-process bus")
		bus := pipeline.NewLocalBus(cfg.PipelineWorkers, 1024, logger)
		publisher = bus
		consume = func(ctx context.Context) error { return bus.Run(ctx, router.Handle) }
	}
	defer publisher.Close()

	relay := pipeline.NewRelay(repo, publisher, cfg.OutboxPollInterval, logger)

	jobs := append(
		scheduler.SaleJobs(sales, cfg.ActivationInterval, cfg.CompletionInterval),
		scheduler.OrderJobs(orders, cfg.StallCheckInterval, cfg.OrderStallAge)...,
	)
	runner := scheduler.NewRunner(locker, logger, jobs...)
	runner.OnFailure = func(job string, err error) {
		sugar.Errorw("scheduled job failed", "job", job, "error", err.Error())
	}

	h := handler.NewHandler(sales, orders, logger, authMiddleware)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Перенос сообщений из outbox в канал доставки
	g.Go(func() error {
		return relay.Run(ctx)
	})

	// Обработка сообщений конвейера
	g.Go(func() error {
		return consume(ctx)
	})

	// Активация и завершение распродаж, восстановление застрявших заказов
	g.Go(func() error {
		return runner.Run(ctx)
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting flashsale server", "addr", cfg.RunAddress)
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
