package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nicktill/tinyoee/pkg/config"
	"github.com/nicktill/tinyoee/pkg/ingest"
	"github.com/nicktill/tinyoee/pkg/registry"
	"github.com/nicktill/tinyoee/pkg/server"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"

	shutdownTimeout = 30 * time.Second
)

func main() {
	configPath := flag.String("config", os.Getenv("OEE_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg := config.MustLoad(*configPath)
	log := setupLogger(cfg.Env)
	log.Info("starting tinyoee", slog.String("env", cfg.Env), slog.String("address", cfg.HTTPServer.Address))

	reg, err := registry.Load(cfg.RegistryPath)
	if err != nil {
		log.Error("failed to load registry", slog.String("path", cfg.RegistryPath), slog.String("err", err.Error()))
		os.Exit(1)
	}

	store, dataDir, err := server.InitializeStorage(cfg.Storage, log)
	if err != nil {
		log.Error("failed to initialize storage", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := server.New(ctx, cfg, reg, store, dataDir, log)
	if err != nil {
		log.Error("failed to wire engine", slog.String("err", err.Error()))
		os.Exit(1)
	}

	var wg sync.WaitGroup
	app.Start(ctx, &wg)
	startConsumers(ctx, cfg, app.Facts(), log, &wg)

	srv := &http.Server{
		Addr:         cfg.HTTPServer.Address,
		Handler:      app.Routes(),
		ReadTimeout:  cfg.HTTPServer.Timeout,
		WriteTimeout: cfg.HTTPServer.Timeout,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}

	go func() {
		log.Info("http server listening", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", slog.String("err", err.Error()))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutdown signal received")

	// Cancel first so background jobs stop before wg.Wait.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown", slog.String("err", err.Error()))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("background tasks stopped")
	case <-time.After(5 * time.Second):
		log.Warn("some background tasks did not stop in time")
	}
	log.Info("tinyoee exited")
}

// startConsumers runs the configured stream transports until ctx ends.
func startConsumers(ctx context.Context, cfg *config.Config, facts ingest.Appender, log *slog.Logger, wg *sync.WaitGroup) {
	if cfg.Kafka.Enabled() {
		consumer, err := ingest.NewKafkaConsumer(cfg.Kafka, facts, log)
		if err != nil {
			log.Error("kafka consumer disabled", slog.String("err", err.Error()))
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer consumer.Close()
				if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error("kafka consumer stopped", slog.String("err", err.Error()))
				}
			}()
		}
	}

	if cfg.MQTT.Enabled() {
		sub := ingest.NewMQTTSubscriber(cfg.MQTT, facts, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("mqtt subscriber stopped", slog.String("err", err.Error()))
			}
		}()
	}
}

func setupLogger(env string) *slog.Logger {
	var handler slog.Handler
	switch env {
	case envProd:
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	case envDev:
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}
