// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns
// such as tracing, correlation IDs, logging/redaction, panic recovery,
// metrics, CORS, security headers, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Callback tokens never reach logs (path redaction in middleware)
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/convoops/go-callback-backend/internal/channels/whatsapp"
	"github.com/convoops/go-callback-backend/internal/config"
	"github.com/convoops/go-callback-backend/internal/crypto"
	"github.com/convoops/go-callback-backend/internal/domain"
	"github.com/convoops/go-callback-backend/internal/events"
	"github.com/convoops/go-callback-backend/internal/http/handlers"
	"github.com/convoops/go-callback-backend/internal/http/middleware"
	"github.com/convoops/go-callback-backend/internal/repo"
	"github.com/convoops/go-callback-backend/internal/sandbox"
	"github.com/convoops/go-callback-backend/internal/scheduler"
	"github.com/convoops/go-callback-backend/internal/services"
)

// configResolverShim adapts the repository free functions to the
// scheduler.ConfigResolver interface. This keeps the bridge decoupled from
// the concrete repo package while reusing existing functions.
type configResolverShim struct{ db *mongo.Database }

// GetConfig proxies repo.GetCallbackConfig.
func (s configResolverShim) GetConfig(ctx context.Context, bot, name string) (*domain.CallbackConfig, error) {
	return repo.GetCallbackConfig(ctx, s.db, bot, name)
}

// jobStoreShim adapts the scheduler-collection repo functions to
// scheduler.JobStore.
type jobStoreShim struct {
	db         *mongo.Database
	collection string
}

// InsertJob proxies repo.InsertSchedulerJob.
func (s jobStoreShim) InsertJob(ctx context.Context, job *domain.SchedulerJob) error {
	return repo.InsertSchedulerJob(ctx, s.db, s.collection, job)
}

// DeleteJob proxies repo.DeleteSchedulerJob.
func (s jobStoreShim) DeleteJob(ctx context.Context, id string) error {
	return repo.DeleteSchedulerJob(ctx, s.db, s.collection, id)
}

// queueRegistrar routes schedule registration through Kafka while keeping
// cancellation on the REST surface (the event server consumes the topic but
// only exposes cancellation over HTTP).
type queueRegistrar struct {
	rest  *events.Client
	queue *events.QueueNotifier
}

// Enqueue publishes the registration to the queue.
func (r queueRegistrar) Enqueue(ctx context.Context, eventClass string, req events.EnqueueRequest) error {
	return r.queue.Publish(ctx, eventClass, req)
}

// Cancel forwards to the REST client.
func (r queueRegistrar) Cancel(ctx context.Context, id string) error {
	return r.rest.Cancel(ctx, id)
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given
// Gin engine and wires the service graph underneath them.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with token scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Rate limiter (per bot/IP)
//  8. CORS and security headers
//
// The returned cleanup drains in-flight async callback work and releases
// transport resources; call it during graceful shutdown.
func RegisterRoutes(r *gin.Engine, db *mongo.Database, rdb *redis.Client, cfg config.Config) (cleanup func()) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with token redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"D360-API-Key"},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Token-bucket rate limiter per bot/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByBotOrIP())
	r.Use(rl.Handler())

	// 8) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	} else {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Dependency injection: crypto ← config
	codec, err := crypto.NewTokenCodec(cfg.Security.FernetKey, cfg.Security.TokenAESKey, cfg.Security.TokenAESIV)
	if err != nil {
		log.Fatal().Err(err).Msg("token codec init failed")
	}

	// Event server and scheduler bridge
	eventsClient := events.NewClient(cfg.Events.ServerURL, cfg.Events.ExecutorTimeout)
	bridge := scheduler.NewBridge(
		configResolverShim{db: db},
		jobStoreShim{db: db, collection: cfg.Events.SchedulerColl},
		eventsClient,
	)

	// Script capabilities: every execution gets the bot-scoped helper set.
	secretSvc := services.NewSecretService(db, codec)
	dataSvc := services.NewDataStoreService(db, codec)
	mailerSvc := services.NewMailerService(secretSvc)
	caps := func(bot string) *sandbox.Capabilities {
		return &sandbox.Capabilities{
			Bot:       bot,
			Scheduler: bridge,
			Data:      dataSvc,
			Mailer:    mailerSvc,
			HTTP:      sandbox.NewHTTPClient(cfg.Events.ExecutorTimeout),
		}
	}

	engine := sandbox.NewEngine(cfg.ActorTimeout)
	policy := whatsapp.RetryPolicy{RequestTimeout: cfg.Events.ExecutorTimeout}

	registry := services.NewCallbackService(db, codec, cfg.CallbackBaseURL)
	dispatcher := services.NewDispatcher(db, policy, log.Logger)
	processor := services.NewProcessor(db, registry, engine, dispatcher, caps,
		cfg.ActorTimeout, cfg.AsyncPoolSize, log.Logger)
	if cfg.Location.Enabled {
		processor.Location = services.NewLocationService(cfg.Location.Token)
	}
	broadcastEngine := services.NewBroadcastEngine(db, engine, caps, rdb, policy,
		cfg.Channels.Dialog360ErrorCodes, 3, cfg.ActorTimeout, log.Logger)

	// Broadcast definitions register schedules either over REST or, when a
	// queue is configured, by publishing to Kafka.
	var registrar services.EventRegistrar = eventsClient
	var queue *events.QueueNotifier
	if cfg.Events.QueueType == "kafka" {
		queue = events.NewQueueNotifier(cfg.Events.QueueURL, cfg.Events.QueueName)
		registrar = queueRegistrar{rest: eventsClient, queue: queue}
	}
	settingsSvc := services.NewBroadcastSettingsService(db, registrar, cfg.Events.MinTriggerInterval)

	secretInUse := func(ctx context.Context, bot, key string) (bool, error) {
		return repo.SecretKeyReferenced(ctx, db, bot, key)
	}

	cb := handlers.NewCallbackHandlers(processor, codec, cfg.Security.JWTSecret, cfg.Security.JWTAlgorithm)
	bc := handlers.NewBroadcastHandlers(broadcastEngine, db)
	ad := handlers.NewAdminHandlers(registry, settingsSvc, secretSvc, secretInUse)

	// Callback surface
	callback := r.Group("/callback")
	{
		dialog := callback.Group("/d/:identifier/:token")
		dialog.GET("", cb.Dialog)
		dialog.POST("", cb.Dialog)
		dialog.PUT("", cb.Dialog)
		dialog.PATCH("", cb.Dialog)
		dialog.DELETE("", cb.Dialog)

		callback.POST("/s/:token", cb.Standalone)
		callback.PUT("/s/:token", cb.Standalone)
		callback.PATCH("/s/:token", cb.Standalone)

		callback.POST("/handle_event", cb.HandleEvent)
	}

	// Trusted inline execution; mounted only when enabled by deployment.
	if cfg.TrustedExecRoutes {
		r.POST("/main_pyscript/execute-python", cb.ExecutePython)
	}

	// Management surface (private network only)
	actions := r.Group("/actions/:bot")
	{
		actions.POST("/callbacks", ad.CreateConfig)
		actions.GET("/callbacks/:name/token", ad.AuthToken)
		actions.POST("/callbacks/:name/tickets", ad.CreateTicket)

		actions.PUT("/secrets/:key", ad.PutSecret)
		actions.GET("/secrets/:key", ad.GetSecret)
		actions.DELETE("/secrets/:key", ad.DeleteSecret)
	}

	// Broadcast surface
	broadcast := r.Group("/broadcast/:bot")
	{
		broadcast.POST("", ad.CreateBroadcast)
		broadcast.GET("/:event_id", ad.GetBroadcast)
		broadcast.PUT("/:event_id", ad.UpdateBroadcast)
		broadcast.DELETE("/:event_id", ad.DeleteBroadcast)

		broadcast.POST("/:event_id/execute", bc.Execute)
		broadcast.POST("/:event_id/resend", bc.Resend)
		broadcast.POST("/status", bc.Status)
	}

	// Operational log listing
	logs := r.Group("/logs/:bot")
	{
		logs.GET("/callbacks", bc.CallbackLogs)
		logs.GET("/broadcasts", bc.BroadcastLogs)
	}

	return func() {
		processor.Drain()
		if queue != nil {
			if err := queue.Close(); err != nil {
				log.Warn().Err(err).Msg("kafka writer close failed")
			}
		}
	}
}

// limitBody caps the request body size for all routes.
func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request != nil && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}
