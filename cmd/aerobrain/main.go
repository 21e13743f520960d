package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"aerobrain/internal/brain"
	"aerobrain/internal/config"
	"aerobrain/internal/metrics"
	"aerobrain/internal/queue"
	"aerobrain/internal/server"
	"aerobrain/internal/storage"
	"aerobrain/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("listen_addr", cfg.HTTP.ListenAddr).
		Dur("think_delay", cfg.Brain.ThinkDelay).
		Bool("query_log", cfg.QueryLogEnabled()).
		Bool("rate_limit", cfg.RateLimitEnabled()).
		Msg("starting aerobrain")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.Global()
	srvCfg := server.Config{
		Router:          brain.New(brain.Config{ThinkDelay: cfg.Brain.ThinkDelay}),
		Logger:          log.Logger,
		Metrics:         m,
		AllowedOrigins:  cfg.HTTP.AllowedOrigins,
		StreamWordDelay: cfg.HTTP.StreamWordDelay,
	}

	errCh := make(chan error, 2)
	var workerDone chan struct{}

	if cfg.RedisEnabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()

		if cfg.RateLimitEnabled() {
			srvCfg.Limiter = queue.NewRateLimiter(rdb, cfg.Rate.PerHour)
		}

		if cfg.QueryLogEnabled() {
			store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
			if err != nil {
				log.Fatal().Err(err).Msg("failed to initialize storage")
			}
			defer store.Close()

			stream := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)
			srvCfg.Publisher = stream
			srvCfg.History = store
			srvCfg.DB = store

			w := worker.New(worker.Config{
				Queue:      stream,
				Store:      store,
				MaxRetries: cfg.Worker.MaxRetries,
				ClaimIdle:  cfg.Worker.ClaimIdle,
				Logger:     log.Logger.With().Str("component", "worker").Logger(),
				Metrics:    m,
			})
			workerDone = make(chan struct{})
			go func() {
				defer close(workerDone)
				if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
					errCh <- fmt.Errorf("worker failed: %w", err)
				}
			}()
			log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("query log worker started")
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           server.New(srvCfg).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	// The worker must drain before the deferred store and redis closes run.
	cancel()
	if workerDone != nil {
		select {
		case <-workerDone:
		case <-shutdownCtx.Done():
			log.Error().Msg("timed out waiting for query log worker")
		}
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
