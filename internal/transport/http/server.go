package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/duochat/internal/auth"
	"github.com/vovakirdan/duochat/internal/config"
	"github.com/vovakirdan/duochat/internal/delivery"
	"github.com/vovakirdan/duochat/internal/participants"
)

// Deps are the services exposed over HTTP.
type Deps struct {
	Delivery     *delivery.Service
	Participants *participants.Service
	JWT          *auth.JWTConfig
	// Gatherer backs /metrics; nil serves the default registry.
	Gatherer prometheus.Gatherer
}

// NewServer builds the HTTP server with REST, metrics and WebSocket routes.
func NewServer(deps Deps, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(deps, cfg, logger),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// NewRouter registers every route on a gin engine.
func NewRouter(deps Deps, cfg *config.Config, logger *zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), LoggerMiddleware(logger))

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	engine.GET("/health", healthHandler)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	engine.GET("/ws", gin.WrapH(NewWSHandler(deps.Delivery, deps.JWT, cfg.RateLimitPerMinute, logger)))

	profiles := NewProfileHandlers(deps.Participants, logger)
	conversations := NewConversationHandlers(deps.Delivery, logger)

	api := engine.Group("/api", AuthMiddleware(deps.JWT, logger))
	api.GET("/me", profiles.Me)
	api.PUT("/me", profiles.SaveMe)
	api.GET("/participants", profiles.Directory)
	api.GET("/conversations/:peer", conversations.History)
	api.POST("/conversations/:peer/messages", conversations.Send)
	api.POST("/conversations/:peer/seen", conversations.MarkSeen)

	return engine
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}
