// Command server runs the callback and broadcast HTTP API.
//
// Boot order: .env → config → logging → Mongo (+indexes) → Redis → OTel →
// router → HTTP server with graceful shutdown. Shutdown drains in-flight
// async callback executions before closing the stores.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/convoops/go-callback-backend/internal/config"
	httpapi "github.com/convoops/go-callback-backend/internal/http"
	"github.com/convoops/go-callback-backend/internal/observability"
	"github.com/convoops/go-callback-backend/internal/repo"
	"github.com/convoops/go-callback-backend/internal/sysutil"
)

// shutdownGrace bounds how long shutdown waits for in-flight requests.
const shutdownGrace = 25 * time.Second

func main() {
	// Optional .env for local development; environment wins in production.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	// Logging before anything else so later failures are structured.
	sysutil.SetLogLevel(cfg.LogLevel)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	gin.SetMode(cfg.GinMode)

	version := sysutil.FirstNonEmpty(os.Getenv("SERVICE_VERSION"), "dev")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Document store
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := repo.Connect(connectCtx, cfg.MongoURI)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("mongo connect failed")
	}
	defer func() {
		if err := client.Disconnect(context.Background()); err != nil {
			log.Warn().Err(err).Msg("mongo disconnect failed")
		}
	}()
	db := client.Database(cfg.MongoDatabase)

	idxCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = repo.EnsureIndexes(idxCtx, db)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("index creation failed")
	}

	// Redis guards broadcast executions against double firing.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Warn().Err(err).Msg("redis close failed")
		}
	}()

	// Tracing
	otelShutdown, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shCtx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown failed")
		}
	}()

	// Router and service graph
	r := gin.New()
	cleanup := httpapi.RegisterRoutes(r, db, rdb, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Str("version", version).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	}

	shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}

	// Let async callback executions finish before the stores close.
	cleanup()

	log.Info().Msg("server stopped")
}
