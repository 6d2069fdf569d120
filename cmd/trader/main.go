package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gopkg.in/natefinch/lumberjack.v2"

	"trailguard/internal/config"
	"trailguard/internal/exchange"
	"trailguard/internal/notify"
	"trailguard/internal/signal"
	"trailguard/internal/trailing"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFile)

	logger.Info("Starting TrailGuard",
		"symbol", cfg.Symbol,
		"feed_symbol", cfg.FeedSymbol,
		"check_interval", cfg.CheckInterval,
		"signal_poll_interval", cfg.SignalPollInterval,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	defer rdb.Close()

	gateway := exchange.NewBinanceGateway(cfg.APIKey, cfg.SecretKey, logger)
	notifier := notify.New(cfg.WebhookURL, logger)

	feed := exchange.NewLivePriceFeed(cfg.FeedSymbol, logger)
	feed.Start()

	// One engine instance owns all trailing state; the risk loop evaluates
	// through it and the signal controller locks stops through it.
	engine := trailing.NewEngine(cfg.Trailing)
	tracker := trailing.NewTracker(gateway, feed, engine, notifier, cfg, logger)

	controller := signal.NewController(
		gateway, feed, engine,
		signal.NewRedisSideStore(rdb, cfg.ClosedSideKey),
		cfg, logger,
	)
	loop := signal.NewLoop(signal.NewRedisSource(rdb, cfg.SignalKey, logger), controller, cfg, logger)

	metricsSrv := startMetricsServer(cfg.MetricsAddr, logger)

	go func() {
		if err := tracker.Track(ctx); err != nil {
			logger.Error("Profit trailing tracker exited", "error", err)
		}
	}()
	go loop.Run(ctx)

	logger.Info("TrailGuard is running, press Ctrl+C to stop")

	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping metrics server", "error", err)
	}
	if err := feed.Close(); err != nil {
		logger.Error("Error closing price feed", "error", err)
	}
	if err := gateway.Close(); err != nil {
		logger.Error("Error closing gateway", "error", err)
	}

	logger.Info("TrailGuard stopped gracefully")
}

// startMetricsServer serves Prometheus metrics on the configured address.
func startMetricsServer(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("Metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()
	return srv
}

// setupLogger configures the structured logger, optionally duplicating output
// into a rotating log file.
func setupLogger(level, file string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var w io.Writer = os.Stdout
	if file != "" {
		w = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		})
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})
	return slog.New(handler)
}
