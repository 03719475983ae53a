package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/payperplay/autopower/internal/middleware"
)

// RouterOptions collects the handlers and settings the router needs
type RouterOptions struct {
	Debug bool

	Servers    *ServerHandler
	Proxy      *ProxyHandler
	Events     *EventsHandler
	Stream     *EventStream
	Health     *HealthHandler
	Prometheus *PrometheusHandler

	// Nil disables operator auth
	Tokens *middleware.TokenValidator

	// Limits operator power commands per client. Nil uses 10 per minute.
	CommandLimiter *middleware.RateLimiter
}

func SetupRouter(opts RouterOptions) *gin.Engine {
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Global middleware (in order)
	router.Use(middleware.RequestLogger())
	router.Use(middleware.ErrorHandler())

	// Health and metrics (no auth required)
	router.GET("/health", opts.Health.HealthCheck)
	router.HEAD("/health", opts.Health.HealthCheck)
	router.GET("/live", opts.Health.LivenessCheck)
	router.GET("/metrics", opts.Prometheus.MetricsEndpoint)

	if opts.Stream != nil {
		router.GET("/ws/events", opts.Stream.HandleConnection)
	}

	limiter := opts.CommandLimiter
	if limiter == nil {
		limiter = middleware.NewRateLimiter(6*time.Second, 10)
	}

	api := router.Group("/api")
	{
		api.GET("/servers", opts.Servers.ListServers)
		api.GET("/servers/:name", opts.Servers.GetServer)
		api.GET("/controllers", opts.Servers.ListControllers)
		api.GET("/events", opts.Events.ListEvents)

		operator := api.Group("/servers/:name")
		operator.Use(middleware.AuthMiddleware(opts.Tokens), middleware.RateLimitMiddleware(limiter))
		{
			operator.POST("/start", opts.Servers.StartServer)
			operator.POST("/stop", opts.Servers.StopServer)
		}

		audited := api.Group("/audit")
		audited.Use(middleware.AuthMiddleware(opts.Tokens))
		audited.GET("", opts.Servers.ListAudit)

		// Called by the proxy plugin for every join and leave
		proxy := api.Group("/proxy")
		proxy.Use(middleware.AuthMiddleware(opts.Tokens))
		{
			proxy.POST("/connect", opts.Proxy.Connect)
			proxy.POST("/leave", opts.Proxy.Leave)
		}
	}

	return router
}
