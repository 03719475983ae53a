package api

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/payperplay/autopower/internal/lifecycle"
	"github.com/payperplay/autopower/internal/middleware"
)

// ConnectRequest is sent by the proxy when a player connects to a server
type ConnectRequest struct {
	Server    string `json:"server" binding:"required"`
	Player    string `json:"player"`
	AutoStart bool   `json:"autostart"`
	Start     bool   `json:"start"`
	Occupants int    `json:"occupants"`

	// Login marks the player's first server on this proxy session
	Login bool `json:"login"`
}

// LeaveRequest is sent by the proxy when a player leaves a server
type LeaveRequest struct {
	Server    string `json:"server" binding:"required"`
	Player    string `json:"player"`
	Occupants int    `json:"occupants"`
}

// ProxyHandler turns proxy join and leave notifications into demand
type ProxyHandler struct {
	lifecycle       Lifecycle
	synchronousPing bool

	wg sync.WaitGroup
}

// NewProxyHandler creates a proxy handler. With synchronousPing, login
// connects wait for the start decision before answering.
func NewProxyHandler(lc Lifecycle, synchronousPing bool) *ProxyHandler {
	return &ProxyHandler{
		lifecycle:       lc,
		synchronousPing: synchronousPing,
	}
}

// Connect handles POST /api/proxy/connect
func (h *ProxyHandler) Connect(c *gin.Context) {
	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleAppError(c, middleware.NewBadRequestError("Invalid request: "+err.Error()))
		return
	}

	demand := lifecycle.Demand{
		Player:    req.Player,
		AutoStart: req.AutoStart,
		CanStart:  req.Start,
		Occupants: req.Occupants,
	}

	blocking, _ := strconv.ParseBool(c.Query("sync"))
	if blocking || (req.Login && h.synchronousPing) {
		respondOutcome(c, h.lifecycle.OnDemandStart(c.Request.Context(), req.Server, demand))
		return
	}

	// The decision outlives the request.
	ctx := context.WithoutCancel(c.Request.Context())
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.lifecycle.OnDemandStart(ctx, req.Server, demand)
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"server":  req.Server,
		"outcome": "queued",
	})
}

// Leave handles POST /api/proxy/leave
func (h *ProxyHandler) Leave(c *gin.Context) {
	var req LeaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleAppError(c, middleware.NewBadRequestError("Invalid request: "+err.Error()))
		return
	}
	respondOutcome(c, h.lifecycle.OnDemandIdle(req.Server, req.Occupants))
}

// Wait blocks until queued connect decisions have been made
func (h *ProxyHandler) Wait() {
	h.wg.Wait()
}
