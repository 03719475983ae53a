package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthHandler serves liveness and health endpoints
type HealthHandler struct {
	startTime  time.Time
	controller string
	servers    int
	proxy      func() bool
}

// NewHealthHandler creates a health handler. proxyHealthy reports the
// presence watcher's view of the proxy; nil when no watcher runs.
func NewHealthHandler(controller string, servers int, proxyHealthy func() bool) *HealthHandler {
	return &HealthHandler{
		startTime:  time.Now(),
		controller: controller,
		servers:    servers,
		proxy:      proxyHealthy,
	}
}

// HealthCheck handles GET /health
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	status := "healthy"
	proxy := "disabled"
	if h.proxy != nil {
		proxy = "connected"
		if !h.proxy() {
			proxy = "unreachable"
			status = "degraded"
		}
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.JSON(http.StatusOK, gin.H{
		"status":           status,
		"service":          "autopower",
		"power_controller": h.controller,
		"managed_servers":  h.servers,
		"proxy":            proxy,
		"uptime":           time.Since(h.startTime).String(),
		"goroutines":       runtime.NumGoroutine(),
		"memory_alloc_mb":  m.Alloc / 1024 / 1024,
	})
}

// LivenessCheck handles GET /live
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}
