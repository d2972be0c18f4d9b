package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/glotpod/ident/internal/config"
	"github.com/glotpod/ident/internal/events/kafka"
	identhttp "github.com/glotpod/ident/internal/handler/http"
	"github.com/glotpod/ident/internal/handler/rpc"
	"github.com/glotpod/ident/internal/infrastructure/database"
	"github.com/glotpod/ident/internal/infrastructure/database/postgres"
	"github.com/glotpod/ident/internal/infrastructure/security"
	"github.com/glotpod/ident/internal/service"
	"github.com/glotpod/ident/internal/utils/logger"
	"github.com/glotpod/ident/migrations"
	"github.com/glotpod/ident/pkg/metrics"
)

const eventSource = "/glotpod/ident"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Logging.Level, cfg.Logging.Environment)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting identity service",
		zap.String("environment", cfg.Logging.Environment),
		zap.Int("port", cfg.Server.Port),
	)

	if cfg.Database.AutoMigrate {
		if err := migrations.Run(cfg.Database.DSN(), cfg.Database.MigrationsPath, zapLogger); err != nil {
			zapLogger.Fatal("Failed to apply migrations", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewDBPool(ctx, cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	cipher, err := security.NewAESGCMTokenCipher(cfg.Encryption.KeyHex)
	if err != nil {
		zapLogger.Fatal("Failed to initialize token cipher", zap.Error(err))
	}

	producer, err := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Producer.Topic, eventSource,
		logger.WithComponent(zapLogger, "events"))
	if err != nil {
		zapLogger.Fatal("Failed to create Kafka producer", zap.Error(err))
	}
	defer producer.Close()

	registry := prometheus.NewRegistry()
	metricsRegistry := metrics.NewRegistry(registry)

	repo := database.NewUserRepository(pool)
	userService := service.NewUserService(pool, repo, cipher, producer, metricsRegistry, zapLogger)

	gin.SetMode(gin.ReleaseMode)
	if cfg.Logging.Environment == "development" {
		gin.SetMode(gin.DebugMode)
	}

	userHandler := identhttp.NewUserHandler(userService, zapLogger)
	router := identhttp.NewRouter(userHandler, pool, metricsRegistry, registry, zapLogger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var rpcConsumer *rpc.Consumer
	if cfg.Kafka.RPC.Enabled {
		rpcLogger := logger.WithComponent(zapLogger, "rpc")
		dispatcher := rpc.NewDispatcher(userService, metricsRegistry, rpcLogger)
		rpcConsumer, err = rpc.NewConsumer(rpc.ConsumerConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.RPC.Topic,
			GroupID: cfg.Kafka.RPC.GroupID,
		}, dispatcher, rpcLogger)
		if err != nil {
			zapLogger.Fatal("Failed to create RPC consumer", zap.Error(err))
		}
		rpcConsumer.Start(ctx)
	}

	go func() {
		zapLogger.Info("Starting HTTP server", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zapLogger.Info("Shutting down...")

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("HTTP server forced to shutdown", zap.Error(err))
	}
	if rpcConsumer != nil {
		if err := rpcConsumer.Close(); err != nil {
			zapLogger.Error("Failed to close RPC consumer", zap.Error(err))
		}
	}

	zapLogger.Info("Service stopped")
}
