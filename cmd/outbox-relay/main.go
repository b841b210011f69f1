// Package main provides the outbox relay service entry point.
// Publishes committed order events from the Postgres outbox to Redpanda.
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
	"github.com/drfirst/go-medsafe/internal/infrastructure/postgres"
	"github.com/drfirst/go-medsafe/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medsafe/internal/observability/logging"
	"github.com/drfirst/go-medsafe/internal/observability/metrics"
	"github.com/drfirst/go-medsafe/internal/observability/tracing"
)

const serviceName = "outbox-relay"

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
	logger.Info("connected to database")

	// Create Redpanda producer
	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers

	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	// Topics are created on first start; an existing topic is left alone.
	adminCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger); err != nil {
		logger.Warn("topic admin unavailable", zap.Error(err))
	} else {
		if err := admin.EnsureTopics(adminCtx, redpanda.TopicNames{
			OrderEvents:   cfg.OrderEventsTopic,
			GatewayStatus: cfg.GatewayStatusTopic,
		}); err != nil {
			logger.Warn("topic setup failed", zap.Error(err))
		}
		admin.Close()
	}
	cancel()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	relay := postgres.NewRelay(pool, producer, postgres.DefaultRelayConfig(), m, logger)
	relay.Start()

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
	relay.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	fields := []zap.Field{zap.Any("producer", producer.Stats())}
	if stats, err := relay.Stats(shutdownCtx); err == nil {
		fields = append(fields, zap.Any("backlog", stats))
	}
	logger.Info("outbox relay stopped", fields...)
}
