package handlers

import (
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aviatra-labs/voicebridge/internal/agentws"
	"github.com/aviatra-labs/voicebridge/internal/amd"
	"github.com/aviatra-labs/voicebridge/internal/callhistory"
	"github.com/aviatra-labs/voicebridge/internal/predictor"
	"github.com/aviatra-labs/voicebridge/internal/telco"
	"github.com/aviatra-labs/voicebridge/internal/toolproxy"
	"github.com/aviatra-labs/voicebridge/internal/urlcache"
	"github.com/aviatra-labs/voicebridge/pkg/env"
	"github.com/aviatra-labs/voicebridge/pkg/logger"
	"github.com/aviatra-labs/voicebridge/pkg/mongo"
)

// Handler wires the HTTP surface to the domain components. Every field is a
// dependency injected once at startup by cmd/server/main.go.
type Handler struct {
	cfg         *env.Config
	redisClient *redis.Client
	mongoClient *mongo.Client
	logger      *zap.Logger

	urlCache     *urlcache.Cache
	amdRegistry  *amd.Registry
	toolProxy    *toolproxy.Proxy
	predictor    *predictor.Predictor
	telcoClient  *telco.Client
	history      *callhistory.Store
	agentFactory *agentws.Factory
}

// NewHandler constructs a Handler.
func NewHandler(
	cfg *env.Config,
	redisClient *redis.Client,
	mongoClient *mongo.Client,
	urlCache *urlcache.Cache,
	amdRegistry *amd.Registry,
	toolProxy *toolproxy.Proxy,
	pred *predictor.Predictor,
	telcoClient *telco.Client,
	history *callhistory.Store,
	agentFactory *agentws.Factory,
) *Handler {
	return &Handler{
		cfg:          cfg,
		redisClient:  redisClient,
		mongoClient:  mongoClient,
		logger:       logger.Log,
		urlCache:     urlCache,
		amdRegistry:  amdRegistry,
		toolProxy:    toolProxy,
		predictor:    pred,
		telcoClient:  telcoClient,
		history:      history,
		agentFactory: agentFactory,
	}
}
