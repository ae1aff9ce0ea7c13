package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aviatra-labs/voicebridge/internal/agentws"
	"github.com/aviatra-labs/voicebridge/internal/amd"
	"github.com/aviatra-labs/voicebridge/internal/api/handlers"
	"github.com/aviatra-labs/voicebridge/internal/callhistory"
	"github.com/aviatra-labs/voicebridge/internal/predictor"
	"github.com/aviatra-labs/voicebridge/internal/telco"
	"github.com/aviatra-labs/voicebridge/internal/toolproxy"
	"github.com/aviatra-labs/voicebridge/internal/urlcache"
	"github.com/aviatra-labs/voicebridge/pkg/circuitbreaker"
	"github.com/aviatra-labs/voicebridge/pkg/client"
	"github.com/aviatra-labs/voicebridge/pkg/env"
	"github.com/aviatra-labs/voicebridge/pkg/logger"
	"github.com/aviatra-labs/voicebridge/pkg/middleware"
	"github.com/aviatra-labs/voicebridge/pkg/mongo"
	pkgotel "github.com/aviatra-labs/voicebridge/pkg/otel"
)

const serviceName = "voicebridge"
const serviceVersion = "1.0.0"

func main() {
	cfg, err := env.Load(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.LogLevel, cfg.AppEnv); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Log

	shutdownTracing, err := pkgotel.InitTracing(serviceName, serviceVersion, cfg.AppEnv, cfg.OTELEndpoint)
	if err != nil {
		log.Fatal("failed to init tracing", zap.Error(err))
	}
	defer shutdownTracing()

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn("redis ping failed at startup, continuing without confirmed connectivity", zap.Error(err))
	}
	cancel()

	mongoClient, err := mongo.NewClient(cfg.MongoURI, cfg.MongoDBName)
	if err != nil {
		log.Fatal("failed to connect to mongo", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mongoClient.Disconnect(ctx)
	}()

	agentHTTPClient := client.NewHTTPClient("agentws-signed-url", 10*time.Second)
	signedURLAcquirer := agentws.NewSignedURLAcquirer(agentHTTPClient, "https://api.elevenlabs.io", cfg.ElevenLabsAPIKey, cfg.ElevenLabsAgent)

	urlCache := urlcache.New(
		urlcache.Acquirer(signedURLAcquirer),
		circuitbreaker.New(circuitbreaker.DefaultConfig()),
		urlcache.Config{
			MinSize: cfg.URLCacheMinSize,
			MaxSize: cfg.URLCacheMaxSize,
			TTL:     time.Duration(cfg.URLCacheTTLSec) * time.Second,
		},
		log,
	).WithRedis(redisClient)

	telcoClient := telco.NewClient(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber)

	amdFinalizer := func(callID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := telcoClient.FinalizeCall(ctx, callID); err != nil {
			log.Warn("amd watchdog finalize failed", zap.String("call_id", callID), zap.Error(err))
		}
	}
	amdRegistry := amd.New(amdFinalizer, time.Duration(cfg.AMDWatchdogSec)*time.Second, log).WithRedis(redisClient)

	pred := predictor.New(urlCache, log).WithRedis(redisClient)

	calendarHTTPClient := client.NewHTTPClient("calendar-backend", time.Duration(cfg.CalComTimeoutMs)*time.Millisecond)
	toolProxy := toolproxy.New(calendarHTTPClient, toolproxy.CalendarConfig{
		BaseURL:         cfg.CalComBaseURL,
		APIKey:          cfg.CalComAPIKey,
		DefaultTimezone: cfg.CalComTimezone,
	}, log)

	history := callhistory.New(mongoClient, log)
	agentFactory := agentws.NewFactory(log)

	handler := handlers.NewHandler(cfg, redisClient, mongoClient, urlCache, amdRegistry, toolProxy, pred, telcoClient, history, agentFactory)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	go pred.Run(bgCtx)
	go replenishLoop(bgCtx, urlCache)
	go amdGCLoop(bgCtx, amdRegistry)

	rateLimiter := middleware.NewRateLimiter(redisClient, cfg.APIRateLimitRPM)
	router := newRouter(cfg, handler, rateLimiter)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info("voicebridge listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	bgCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}

func newRouter(cfg *env.Config, h *handlers.Handler, rateLimiter *middleware.RateLimiter) *gin.Engine {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.TraceMiddleware())
	router.Use(pkgotel.GinMiddleware())

	router.GET("/", h.Root)
	router.GET("/health", h.HealthCheck)
	router.GET("/metrics", h.GetMetrics)
	router.GET("/metrics/prometheus", h.GetPrometheusMetrics)

	// Telco/Agent-facing surfaces: no CORS, no JSON API conventions.
	router.Any("/outbound-call-twiml", h.OutboundCallTwiml)
	router.Any("/incoming-call-eleven", h.IncomingCall)
	router.Any("/twilio/inbound_call", h.IncomingCall)
	router.POST("/call-status", h.CallStatus)
	router.GET("/outbound-media-stream", h.OutboundMediaStream)
	router.GET("/media-stream", h.MediaStream)

	api := router.Group("/")
	api.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: false,
	}))
	api.Use(rateLimiter.Middleware())
	api.POST("/outbound-call", h.OutboundCall)
	api.POST("/end-call", h.EndCall)
	api.GET("/optimization-status", h.OptimizationStatus)
	api.POST("/auth/login", h.Login)

	protected := api.Group("/")
	protected.Use(middleware.AuthMiddleware(cfg.JWTSecret))
	protected.GET("/call-history/:call_id", h.GetCallHistory)

	return router
}

func replenishLoop(ctx context.Context, cache *urlcache.Cache) {
	cache.Replenish(ctx)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cache.Replenish(ctx)
		}
	}
}

func amdGCLoop(ctx context.Context, registry *amd.Registry) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			registry.GC()
		}
	}
}
