// Package main provides the order events service entry point.
// Consumes HIS status reports and applies them to the order store.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/config"
	"github.com/drfirst/go-medsafe/internal/gateway"
	"github.com/drfirst/go-medsafe/internal/infrastructure/postgres"
	"github.com/drfirst/go-medsafe/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medsafe/internal/knowledge"
	"github.com/drfirst/go-medsafe/internal/lifecycle"
	"github.com/drfirst/go-medsafe/internal/observability/logging"
	"github.com/drfirst/go-medsafe/internal/observability/metrics"
	"github.com/drfirst/go-medsafe/internal/observability/tracing"
	"github.com/drfirst/go-medsafe/internal/orderevents"
	"github.com/drfirst/go-medsafe/internal/validation"
	"github.com/drfirst/go-medsafe/pkg/idempotency"
	"github.com/drfirst/go-medsafe/pkg/workerpool"
)

const serviceName = "order-events"

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("invalid configuration", zap.Error(err))
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, serviceName)
	if err != nil {
		zap.NewExample().Fatal("logger setup failed", zap.Error(err))
	}
	defer logger.Sync()

	if cfg.DatabaseURL == "" {
		logger.Fatal("MEDSAFE_DATABASE_URL is required")
	}

	ctx := context.Background()
	tp, err := tracing.Init(ctx, cfg.Tracing(serviceName))
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()

	m := metrics.New(prometheus.DefaultRegisterer)

	// Connect to database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal("schema setup failed", zap.Error(err))
	}

	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)
	inbox.StartMaintenance()
	defer inbox.Stop()
	if n, err := inbox.RecoverStaleEntries(ctx); err != nil {
		logger.Warn("stale inbox recovery failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("recovered stale inbox entries", zap.Int64("count", n))
	}

	// Status transitions never reach the gateway, but the service needs one.
	src, err := cfg.Knowledge()
	if err != nil {
		logger.Fatal("invalid knowledge source", zap.Error(err))
	}
	store, err := knowledge.Load(ctx, src, logger)
	if err != nil {
		logger.Fatal("knowledge bundle failed to load", zap.Error(err))
	}
	orders := lifecycle.New(
		validation.New(cfg.ValidationConfig(), store, m, logger),
		gateway.NewMockGateway(logger),
		postgres.NewOrderRepository(pool, cfg.OrderEventsTopic, logger),
		logger,
		lifecycle.WithRecorder(m),
	)

	handler := orderevents.NewHandler(orders, inbox, logger)

	// Create worker pool
	poolCfg := workerpool.DefaultConfig()
	if cfg.Workers > 0 {
		poolCfg.Workers = cfg.Workers
	}
	workerPool, err := workerpool.New(orderevents.PoolConfig(poolCfg), orderevents.WorkerFunc(handler), logger)
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}
	workerPool.Start()

	// Dead letters go out through a producer of their own.
	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	// Create consumer
	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.ConsumerGroup
	consumerCfg.Topics = []string{cfg.GatewayStatusTopic}

	consumer, err := redpanda.NewConsumer(consumerCfg, orderevents.ConsumerHandler(workerPool, logger), producer, m, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	consumer.Start()
	logger.Info("order events service started",
		zap.String("topic", cfg.GatewayStatusTopic),
		zap.String("group", cfg.ConsumerGroup),
		zap.Int("workers", poolCfg.Workers))

	metricsServer := &http.Server{Addr: ":" + cfg.Port, Handler: metrics.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	if err := consumer.Stop(); err != nil {
		logger.Warn("consumer stop", zap.Error(err))
	}
	if err := workerPool.Stop(); err != nil {
		logger.Warn("worker pool stop", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	fields := []zap.Field{zap.Any("consumer", consumer.Stats()), zap.Any("pool", workerPool.Stats())}
	if stats, err := inbox.Stats(shutdownCtx); err == nil {
		fields = append(fields, zap.Any("inbox", stats))
	}
	logger.Info("order events service stopped", fields...)
}
