package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/payperplay/autopower/internal/audit"
	"github.com/payperplay/autopower/internal/lifecycle"
	"github.com/payperplay/autopower/internal/middleware"
	"github.com/payperplay/autopower/internal/poll"
	"github.com/payperplay/autopower/internal/power"
	"github.com/payperplay/autopower/pkg/logger"
)

// Lifecycle is the orchestrator surface the HTTP layer drives
type Lifecycle interface {
	RequestStart(ctx context.Context, name string) lifecycle.Outcome
	RequestStop(ctx context.Context, name string) lifecycle.Outcome
	OnDemandStart(ctx context.Context, name string, d lifecycle.Demand) lifecycle.Outcome
	OnDemandIdle(name string, remainingOccupants int) lifecycle.Outcome
	Status(name string) (lifecycle.ServerStatus, bool)
	Snapshot() []lifecycle.ServerStatus
}

// OutcomeResponse is the JSON form of a lifecycle outcome
type OutcomeResponse struct {
	Server            string  `json:"server"`
	Outcome           string  `json:"outcome"`
	Reason            string  `json:"reason,omitempty"`
	Error             string  `json:"error,omitempty"`
	ErrorKind         string  `json:"error_kind,omitempty"`
	ReadyAfterSeconds float64 `json:"ready_after_seconds,omitempty"`
	Attempts          int     `json:"attempts,omitempty"`
}

func newOutcomeResponse(out lifecycle.Outcome) OutcomeResponse {
	resp := OutcomeResponse{
		Server:            out.Server,
		Outcome:           string(out.Kind),
		Reason:            out.Reason,
		ReadyAfterSeconds: out.ReadyAfter.Seconds(),
		Attempts:          out.Attempts,
	}
	if out.Err != nil {
		resp.Error = out.Err.Error()
		resp.ErrorKind = power.Kind(out.Err)
	}
	return resp
}

// outcomeStatus maps an outcome onto the HTTP status that tells a caller
// "panel said no" apart from "panel unreachable" and "never confirmed".
func outcomeStatus(out lifecycle.Outcome) int {
	switch out.Kind {
	case lifecycle.Accepted, lifecycle.AlreadyInState:
		return http.StatusOK
	case lifecycle.TimedOutWaitingForReady:
		return http.StatusAccepted
	}

	err := out.Err
	switch {
	case errors.Is(err, lifecycle.ErrNotManaged):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrNotPermitted):
		return http.StatusForbidden
	case errors.Is(err, lifecycle.ErrManualStartRequired):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrClosed):
		return http.StatusServiceUnavailable
	case power.IsRejection(err):
		return http.StatusBadGateway
	case power.IsTransport(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, poll.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func respondOutcome(c *gin.Context, out lifecycle.Outcome) {
	c.JSON(outcomeStatus(out), newOutcomeResponse(out))
}

// ServerHandler exposes managed servers and operator power commands
type ServerHandler struct {
	lifecycle Lifecycle
	registry  *power.Registry
	active    string
	audit     *audit.AuditLogger
}

// NewServerHandler creates a server handler. active names the controller
// the orchestrator is bound to. auditLog may be nil.
func NewServerHandler(lc Lifecycle, registry *power.Registry, active string, auditLog *audit.AuditLogger) *ServerHandler {
	return &ServerHandler{
		lifecycle: lc,
		registry:  registry,
		active:    active,
		audit:     auditLog,
	}
}

func (h *ServerHandler) record(c *gin.Context, action audit.ActionType, out lifecycle.Outcome) {
	entry := audit.AuditEntry{
		Action:   action,
		Server:   out.Server,
		Operator: middleware.GetOperator(c),
		Result:   string(out.Kind),
		Reason:   out.Reason,
	}
	if out.Err != nil {
		entry.Error = out.Err.Error()
	}
	h.audit.Record(entry)
}

// ListServers handles GET /api/servers
func (h *ServerHandler) ListServers(c *gin.Context) {
	servers := h.lifecycle.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"servers": servers,
		"count":   len(servers),
	})
}

// GetServer handles GET /api/servers/:name
func (h *ServerHandler) GetServer(c *gin.Context) {
	status, ok := h.lifecycle.Status(c.Param("name"))
	if !ok {
		middleware.HandleAppError(c, middleware.NewNotFoundError("Server"))
		return
	}
	c.JSON(http.StatusOK, status)
}

// StartServer handles POST /api/servers/:name/start
func (h *ServerHandler) StartServer(c *gin.Context) {
	name := c.Param("name")
	logger.Info("Operator start requested", map[string]interface{}{
		"server":   name,
		"operator": middleware.GetOperator(c),
	})
	out := h.lifecycle.RequestStart(c.Request.Context(), name)
	h.record(c, audit.ActionStart, out)
	respondOutcome(c, out)
}

// StopServer handles POST /api/servers/:name/stop
func (h *ServerHandler) StopServer(c *gin.Context) {
	name := c.Param("name")
	logger.Info("Operator stop requested", map[string]interface{}{
		"server":   name,
		"operator": middleware.GetOperator(c),
	})
	out := h.lifecycle.RequestStop(c.Request.Context(), name)
	h.record(c, audit.ActionStop, out)
	respondOutcome(c, out)
}

// ListControllers handles GET /api/controllers
func (h *ServerHandler) ListControllers(c *gin.Context) {
	names := h.registry.Names()
	_, registered := h.registry.Get(h.active)
	c.JSON(http.StatusOK, gin.H{
		"controllers": names,
		"active":      h.active,
		"registered":  registered,
	})
}

// ListAudit handles GET /api/audit?server=&limit=
func (h *ServerHandler) ListAudit(c *gin.Context) {
	if h.audit == nil {
		c.JSON(http.StatusOK, gin.H{"entries": []audit.AuditEntry{}, "count": 0})
		return
	}

	var entries []audit.AuditEntry
	if server := c.Query("server"); server != "" {
		entries = h.audit.GetByServer(server)
	} else {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
		if err != nil || limit <= 0 {
			middleware.HandleAppError(c, middleware.NewBadRequestError("limit must be a positive integer"))
			return
		}
		entries = h.audit.GetRecent(limit)
	}
	if entries == nil {
		entries = []audit.AuditEntry{}
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
		"stats":   h.audit.Stats(),
	})
}
