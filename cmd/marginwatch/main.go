// marginwatch runs the alert dispatch side of the margin health pipeline: it
// subscribes to the alert topic, decodes events, and hands them to the
// notification dispatcher with cross-instance dedupe.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/marginwatch/marginwatch/internal/config"
	"github.com/marginwatch/marginwatch/internal/messaging"
	"github.com/marginwatch/marginwatch/internal/notify"
	"github.com/marginwatch/marginwatch/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.LoadConfig(os.Getenv("MARGINWATCH_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		zapLogger.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	consumerMetrics := messaging.NewConsumerMetrics(registry)

	bus := messaging.NewKafkaBus(&cfg.Kafka, zapLogger)
	defer bus.Close()

	sub, err := bus.Subscribe(cfg.Topic, cfg.Group)
	if err != nil {
		zapLogger.Fatal("Failed to subscribe", zap.Error(err), zap.String("topic", cfg.Topic))
	}

	dispatcher := notify.NewDedupeDispatcher(
		notify.NewLoggingDispatcher(zapLogger),
		notify.NewRedisKeySet(rdb, 24*time.Hour),
		zapLogger,
	)

	consumer := messaging.NewStreamingConsumer(sub, cfg.Consumer, consumerMetrics, zapLogger)
	if err := consumer.Start(context.Background(), notify.Handler(dispatcher)); err != nil {
		zapLogger.Fatal("Failed to start consumer", zap.Error(err))
	}

	metricsServer := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	zapLogger.Info("marginwatch started",
		zap.String("topic", cfg.Topic),
		zap.String("group", cfg.Group),
		zap.String("metrics_addr", cfg.Metrics.Addr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Consumer.ShutdownGrace+5*time.Second)
	defer cancel()
	if err := consumer.Stop(stopCtx); err != nil {
		zapLogger.Error("Consumer stop failed", zap.Error(err))
	}
	if err := metricsServer.Shutdown(stopCtx); err != nil {
		zapLogger.Error("Metrics server shutdown failed", zap.Error(err))
	}
	if err := rdb.Close(); err != nil {
		zapLogger.Error("Redis close failed", zap.Error(err))
	}
}
