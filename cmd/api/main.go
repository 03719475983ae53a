package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/payperplay/autopower/internal/api"
	"github.com/payperplay/autopower/internal/audit"
	"github.com/payperplay/autopower/internal/clock"
	"github.com/payperplay/autopower/internal/delay"
	"github.com/payperplay/autopower/internal/events"
	"github.com/payperplay/autopower/internal/lifecycle"
	"github.com/payperplay/autopower/internal/middleware"
	"github.com/payperplay/autopower/internal/power"
	"github.com/payperplay/autopower/internal/power/crafty"
	"github.com/payperplay/autopower/internal/power/docker"
	"github.com/payperplay/autopower/internal/power/pterodactyl"
	"github.com/payperplay/autopower/internal/probe"
	"github.com/payperplay/autopower/internal/storage"
	"github.com/payperplay/autopower/internal/velocity"
	"github.com/payperplay/autopower/pkg/config"
	"github.com/payperplay/autopower/pkg/logger"
)

const (
	eventBufferSize = 1000
	auditLogSize    = 500
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	appLogger := logger.NewLogger(logger.ParseLevel(cfg.LogLevel), os.Stdout, cfg.LogJSON)
	logger.SetDefault(appLogger)

	logger.Info("Starting application", map[string]interface{}{
		"app":              cfg.AppName,
		"debug":            cfg.Debug,
		"port":             cfg.Port,
		"power_controller": cfg.PowerController,
	})

	servers, err := config.LoadServers(cfg.ServersFile)
	if err != nil {
		logger.Fatal("Failed to load server table", err, map[string]interface{}{
			"file": cfg.ServersFile,
		})
	}

	registry := newRegistry(cfg, servers)
	for _, warning := range cfg.Validate(servers, registry.Names()) {
		logger.Warn("Configuration warning", map[string]interface{}{
			"warning": warning,
		})
	}

	// Event bus: in-memory ring, mirrored to InfluxDB when configured
	var eventStorage events.EventStorage = events.NewMemoryEventStorage(eventBufferSize)
	if cfg.InfluxDBURL != "" && cfg.InfluxDBToken != "" {
		influxClient, err := storage.NewInfluxDBClient(storage.InfluxDBConfig{
			URL:    cfg.InfluxDBURL,
			Token:  cfg.InfluxDBToken,
			Org:    cfg.InfluxDBOrg,
			Bucket: cfg.InfluxDBBucket,
		})
		if err != nil {
			logger.Warn("Failed to initialize InfluxDB, keeping events in memory only", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			defer influxClient.Close()
			eventStorage = events.NewMultiEventStorage(eventStorage, events.NewInfluxDBEventStorage(influxClient))
			logger.Info("Event-Bus initialized with InfluxDB mirror", map[string]interface{}{
				"influxdb_url": cfg.InfluxDBURL,
				"org":          cfg.InfluxDBOrg,
				"bucket":       cfg.InfluxDBBucket,
			})
		}
	}
	bus := events.NewEventBus(eventStorage)

	clk := clock.Real()
	scheduler := delay.NewScheduler(clk)
	orch := lifecycle.New(lifecycle.Options{
		Controller: registry.Bound(cfg.PowerController),
		Scheduler:  scheduler,
		Prober:     probe.NewAuto(cfg.ProbeTimeout),
		Servers:    servers,
		Clock:      clk,
		Events:     bus,
		Settings: lifecycle.Settings{
			StartupReadyTimeout:        cfg.StartupReadyTimeout,
			PollInterval:               cfg.PollInterval,
			IdleGrace:                  cfg.IdleGrace,
			RestoreTimeout:             cfg.RestoreTimeout,
			RestorePollInterval:        cfg.RestorePollInterval,
			JoinDelay:                  cfg.JoinDelay,
			StatusCheckMethod:          lifecycle.StatusCheckMethod(cfg.StatusCheckMethod),
			RestoreFallbackToPlainStop: cfg.RestoreFallbackPlainStop,
		},
	})
	logger.Info("Lifecycle orchestrator initialized", map[string]interface{}{
		"servers": len(servers.Names()),
	})

	// Proxy presence polling is optional; the proxy plugin can push joins
	// and leaves to /api/proxy instead.
	var watcher *velocity.PresenceWatcher
	var proxyHealthy func() bool
	if cfg.VelocityAPIURL != "" {
		source := velocity.NewRemoteVelocityClient(cfg.VelocityAPIURL, cfg.HTTPTimeout)
		watcher = velocity.NewPresenceWatcher(source, orch, servers, clk, cfg.VelocityPollInterval)
		watcher.Start()
		proxyHealthy = watcher.IsHealthy
	}

	// Initialize handlers
	proxyHandler := api.NewProxyHandler(orch, cfg.SynchronousPing)
	stream := api.NewEventStream(orch, bus)
	go stream.Run()

	router := api.SetupRouter(api.RouterOptions{
		Debug:      cfg.Debug,
		Servers:    api.NewServerHandler(orch, registry, cfg.PowerController, audit.NewAuditLogger(auditLogSize)),
		Proxy:      proxyHandler,
		Events:     api.NewEventsHandler(bus),
		Stream:     stream,
		Health:     api.NewHealthHandler(cfg.PowerController, len(servers.Names()), proxyHealthy),
		Prometheus: api.NewPrometheusHandler(),
		Tokens:     middleware.NewTokenValidator(cfg.JWTSecret),
	})
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, power commands are not authenticated", nil)
	}

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		logger.Info("Server starting", map[string]interface{}{
			"address":      addr,
			"api_endpoint": fmt.Sprintf("http://localhost%s/api", addr),
			"health_check": fmt.Sprintf("http://localhost%s/health", addr),
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", err, nil)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown failed", err, nil)
	}
	if watcher != nil {
		watcher.Stop()
	}
	proxyHandler.Wait()
	stream.Shutdown()

	// Pending idle stops are dropped; running servers stay up until the
	// next instance re-arms them.
	if err := orch.Close(ctx); err != nil {
		logger.Error("Lifecycle orchestrator did not drain", err, nil)
	}

	logger.Info("Shutdown complete", nil)
}

// newRegistry registers every controller that can be built from the
// configuration. The orchestrator resolves the active one on each call.
func newRegistry(cfg *config.Config, servers *config.Servers) *power.Registry {
	registry := power.NewRegistry()

	if cfg.PterodactylURL != "" {
		registry.Register("pterodactyl", pterodactyl.NewClient(pterodactyl.Options{
			BaseURL: cfg.PterodactylURL,
			APIKey:  cfg.PterodactylAPIKey,
			Headers: servers.CustomHeaders,
			Timeout: cfg.HTTPTimeout,
		}))
	}

	if cfg.CraftyURL != "" {
		registry.Register("crafty", crafty.NewClient(crafty.Options{
			BaseURL: cfg.CraftyURL,
			APIKey:  cfg.CraftyAPIKey,
			Timeout: cfg.HTTPTimeout,
		}))
	}

	if cfg.PowerController == "docker" {
		dockerController, err := docker.NewController(cfg.DockerStopTimeout)
		if err != nil {
			logger.Error("Failed to initialize Docker controller", err, nil)
		} else {
			registry.Register("docker", dockerController)
		}
	}

	return registry
}
