package lifecycle

import (
	"context"

	"github.com/payperplay/autopower/internal/models"
	"github.com/payperplay/autopower/internal/power"
	"github.com/payperplay/autopower/pkg/logger"
)

// Demand describes a player connecting to a managed server through the proxy
type Demand struct {
	Player string `json:"player"`

	// AutoStart grants starting the server without asking the player
	AutoStart bool `json:"autostart"`
	// CanStart grants starting the server from the proxy's start prompt
	CanStart bool `json:"start"`

	// Players already on the server, as seen by the proxy
	Occupants int `json:"occupants"`
}

// OnDemandStart handles a player connecting to name. START is sent
// synchronously; the readiness wait and idle arming continue in the
// background.
func (o *Orchestrator) OnDemandStart(ctx context.Context, name string, d Demand) Outcome {
	// Presence always wins over a scheduled shutdown.
	unlock := o.lockPresence(name)
	if o.scheduler.Cancel(name) {
		o.stopCancelled(name, "player connecting")
	}
	unlock()

	server, ok := o.lookup(name)
	if !ok {
		return failed(name, "unknown server", ErrNotManaged)
	}
	if !d.AutoStart && !d.CanStart {
		return failed(name, "player may not start this server", ErrNotPermitted)
	}
	if d.Occupants > 0 {
		o.arrive(name, "player connecting")
		return already(name, "server has players")
	}
	if o.isOnline(ctx, server) {
		return already(name, "server is online")
	}
	if !d.AutoStart {
		return failed(name, "start prompt required", ErrManualStartRequired)
	}

	gen, out, ok := o.sendStart(ctx, server, TriggerDemand)
	if !ok {
		o.log(out)
		return out
	}

	started := o.background(func(bg context.Context) {
		o.log(o.awaitReady(bg, server, gen, TriggerDemand))
	})
	if !started {
		o.settle(server, gen, TriggerDemand)
	}
	o.log(out)
	return out
}

// OnDemandIdle handles a player leaving name. Nothing happens while other
// players remain.
func (o *Orchestrator) OnDemandIdle(name string, remainingOccupants int) Outcome {
	if remainingOccupants > 0 {
		return already(name, "server still has players")
	}
	return o.NotifyOccupantDeparted(name)
}

// NotifyOccupantArrived cancels the pending stop of a server that got a player
func (o *Orchestrator) NotifyOccupantArrived(name string) Outcome {
	if _, ok := o.lookup(name); !ok {
		return failed(name, "unknown server", ErrNotManaged)
	}

	if o.arrive(name, "player arrived") {
		return accepted(name, "pending stop cancelled")
	}
	return already(name, "no stop pending")
}

// arrive marks name occupied and cancels its pending stop in one step.
func (o *Orchestrator) arrive(name, reason string) bool {
	defer o.lockPresence(name)()

	o.mark(name, true)
	if !o.scheduler.Cancel(name) {
		return false
	}
	o.stopCancelled(name, reason)
	return true
}

// NotifyOccupantDeparted arms the idle stop of a server whose last player left
func (o *Orchestrator) NotifyOccupantDeparted(name string) Outcome {
	server, ok := o.lookup(name)
	if !ok {
		return failed(name, "unknown server", ErrNotManaged)
	}

	defer o.lockPresence(name)()

	prev := o.mark(name, false)
	if prev == models.StateIdleOff || prev.Transitional() {
		// A start settles by itself; a stopping or stopped server needs no timer.
		return already(name, "server is not running")
	}
	if !server.AutoStopEnabled() {
		return already(name, "auto-stop disabled")
	}
	if !o.armIdleStop(server, 0) {
		return already(name, "idle stop not armed")
	}
	return accepted(name, "idle stop armed")
}

// isOnline answers whether a connecting player can be sent straight to the
// server. Check errors count as offline.
func (o *Orchestrator) isOnline(ctx context.Context, server models.ServerConfig) bool {
	if o.settings.StatusCheckMethod == CheckPanel {
		status, err := o.controller.CheckPowerStatus(ctx, server.Name, server.PanelServerID)
		if err == nil {
			return status == models.StatusRunning
		}
		if !power.IsUnsupported(err) {
			logger.Warn("Panel status check failed, treating server as offline", map[string]interface{}{
				"server": server.Name,
				"error":  err.Error(),
			})
			return false
		}
		o.warnOnce("unsupported:status check", "Power controller cannot report status, falling back to probing the server", map[string]interface{}{
			"server": server.Name,
		})
	}

	if o.prober == nil {
		return false
	}
	reachable, err := o.prober.Reachable(ctx, server)
	if err != nil {
		logger.Debug("Reachability check failed", map[string]interface{}{
			"server": server.Name,
			"error":  err.Error(),
		})
		return false
	}
	return reachable
}
