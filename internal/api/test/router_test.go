package test

import (
	"context"
	"testing"
	"time"

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
	"github.com/aviatra-labs/voicebridge/pkg/client"
	"github.com/aviatra-labs/voicebridge/pkg/env"
	"github.com/aviatra-labs/voicebridge/pkg/middleware"
	"github.com/aviatra-labs/voicebridge/pkg/mongo"
)

type fakeCacheTarget struct{}

func (f *fakeCacheTarget) SetTarget(int) {}

func noopAcquirer(ctx context.Context) (string, error) {
	return "wss://example.invalid/signed", nil
}

// buildTestRouter mirrors cmd/server/main.go's route table without needing
// live Redis/Mongo/Telco/Agent connections (mock dependencies, in real tests
// use test doubles).
func buildTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	cfg := &env.Config{JWTSecret: "test-secret", APIRateLimitRPM: 60}
	log := zap.NewNop()

	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	mongoClient, _ := mongo.NewClient("mongodb://localhost:27017", "test")

	urlCache := urlcache.New(noopAcquirer, nil, urlcache.Config{MinSize: 1, MaxSize: 1, TTL: time.Minute}, log)
	amdRegistry := amd.New(func(string) {}, 60*time.Second, log)
	toolProxy := toolproxy.New(client.NewHTTPClient("calendar-backend", time.Second), toolproxy.CalendarConfig{}, log)
	pred := predictor.New(&fakeCacheTarget{}, log)
	telcoClient := telco.NewClient("", "", "")
	history := callhistory.New(mongoClient, log)
	agentFactory := agentws.NewFactory(log)

	h := handlers.NewHandler(cfg, redisClient, mongoClient, urlCache, amdRegistry, toolProxy, pred, telcoClient, history, agentFactory)

	rateLimiter := middleware.NewRateLimiter(redisClient, cfg.APIRateLimitRPM)

	router.GET("/", h.Root)
	router.GET("/health", h.HealthCheck)
	router.GET("/metrics", h.GetMetrics)
	router.GET("/metrics/prometheus", h.GetPrometheusMetrics)

	router.Any("/outbound-call-twiml", h.OutboundCallTwiml)
	router.Any("/incoming-call-eleven", h.IncomingCall)
	router.Any("/twilio/inbound_call", h.IncomingCall)
	router.POST("/call-status", h.CallStatus)
	router.GET("/outbound-media-stream", h.OutboundMediaStream)
	router.GET("/media-stream", h.MediaStream)

	api := router.Group("/")
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

var expectedRoutes = []struct {
	method string
	path   string
}{
	{"GET", "/"},
	{"GET", "/health"},
	{"GET", "/metrics"},
	{"GET", "/metrics/prometheus"},
	{"POST", "/call-status"},
	{"GET", "/outbound-media-stream"},
	{"GET", "/media-stream"},
	{"POST", "/outbound-call"},
	{"POST", "/end-call"},
	{"GET", "/optimization-status"},
	{"POST", "/auth/login"},
	{"GET", "/call-history/:call_id"},
}

func Test_Routes_Registered(t *testing.T) {
	r := buildTestRouter()
	routes := r.Routes()

	registered := make(map[string]bool)
	for _, rt := range routes {
		registered[rt.Method+" "+rt.Path] = true
	}

	for _, expected := range expectedRoutes {
		key := expected.method + " " + expected.path
		if !registered[key] {
			t.Errorf("missing route: %s", key)
		}
	}
}

func Test_Routes_Count(t *testing.T) {
	r := buildTestRouter()
	if len(r.Routes()) < len(expectedRoutes) {
		t.Errorf("expected at least %d routes, got %d", len(expectedRoutes), len(r.Routes()))
	}
}
