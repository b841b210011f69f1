// Package main provides the medication safety API entry point.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/api"
	"github.com/drfirst/go-medsafe/internal/api/handlers"
	"github.com/drfirst/go-medsafe/internal/cache"
	"github.com/drfirst/go-medsafe/internal/config"
	"github.com/drfirst/go-medsafe/internal/domain/order"
	"github.com/drfirst/go-medsafe/internal/gateway"
	"github.com/drfirst/go-medsafe/internal/infrastructure/postgres"
	"github.com/drfirst/go-medsafe/internal/interaction"
	"github.com/drfirst/go-medsafe/internal/knowledge"
	"github.com/drfirst/go-medsafe/internal/lifecycle"
	"github.com/drfirst/go-medsafe/internal/lookup"
	"github.com/drfirst/go-medsafe/internal/observability/logging"
	"github.com/drfirst/go-medsafe/internal/observability/metrics"
	"github.com/drfirst/go-medsafe/internal/observability/tracing"
	"github.com/drfirst/go-medsafe/internal/validation"
	"github.com/drfirst/go-medsafe/pkg/circuitbreaker"
)

const serviceName = "medsafe-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("invalid configuration", zap.Error(err))
	}

	// Initialize logger
	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, serviceName)
	if err != nil {
		zap.NewExample().Fatal("logger setup failed", zap.Error(err))
	}
	defer logger.Sync()

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
	ready := map[string]api.ReadinessCheck{}

	// Reference data must load before anything is served.
	src, err := cfg.Knowledge()
	if err != nil {
		logger.Fatal("invalid knowledge source", zap.Error(err))
	}
	store, err := knowledge.Load(ctx, src, logger)
	if err != nil {
		logger.Fatal("knowledge bundle failed to load", zap.Error(err))
	}

	// Shared cache tier
	var shared cache.KVStore
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		shared = cache.NewRedisKVStore(rdb)
		ready["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	c := cache.New(cfg.CacheConfig(), shared, m, logger)

	breakers := circuitbreaker.NewManager(logger)

	var remote lookup.ExternalLookup
	var drugs handlers.DrugReference
	if cfg.RemoteLookup {
		svc, err := lookup.NewService(cfg.LookupConfig(), c, breakers, m, logger)
		if err != nil {
			logger.Fatal("lookup service setup failed", zap.Error(err))
		}
		remote = svc
		drugs = svc
	}

	resolver := interaction.New(cfg.InteractionConfig(), store, remote, m, logger)
	validator := validation.New(cfg.ValidationConfig(), store, m, logger)

	// Order gateway
	var gw gateway.OrderGateway
	var opts []lifecycle.Option
	if cfg.UseMockGateway() {
		mock := gateway.NewMockGateway(logger)
		gw = mock
		opts = append(opts, lifecycle.WithPatientDirectory(mock))
		logger.Warn("orders go to the in-memory HIS")
	} else {
		his := gateway.NewHISClient(cfg.Gateway, cfg.GatewayAPIKey, cfg.GatewayTimeout, logger)
		gw, err = gateway.NewResilient(his, cfg.RetryPolicy(), breakers, m, logger)
		if err != nil {
			logger.Fatal("gateway setup failed", zap.Error(err))
		}
	}
	opts = append(opts, lifecycle.WithRecorder(m))

	// Order store
	var repo order.Repository
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("database ping failed", zap.Error(err))
		}
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			logger.Fatal("schema setup failed", zap.Error(err))
		}
		logger.Info("connected to database")
		repo = postgres.NewOrderRepository(pool, cfg.OrderEventsTopic, logger)
		ready["postgres"] = pool.Ping
	} else {
		repo = order.NewMemoryRepository()
		logger.Warn("no database configured, orders are kept in memory")
	}

	orders := lifecycle.New(validator, gw, repo, logger, opts...)

	router := api.NewRouter(api.Deps{
		ServiceName: serviceName,
		APIKeys:     cfg.APIKeys,
		Breakers:    breakers,
		Drugs:       drugs,
		Store:       store,
		Resolver:    resolver,
		Validator:   validator,
		Orders:      orders,
		Ready:       ready,
		Logger:      logger,
	})

	// Start server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting medication safety API",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
		zap.Bool("auth", len(cfg.APIKeys) > 0))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}
