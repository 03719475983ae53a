package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/payperplay/autopower/internal/models"
	"github.com/payperplay/autopower/internal/monitoring"
	"github.com/payperplay/autopower/internal/poll"
	"github.com/payperplay/autopower/internal/power"
	"github.com/payperplay/autopower/pkg/logger"
)

// RequestStart starts a server on operator request. It blocks through the
// readiness wait when one is configured.
func (o *Orchestrator) RequestStart(ctx context.Context, name string) Outcome {
	server, ok := o.lookup(name)
	if !ok {
		return failed(name, "unknown server", ErrNotManaged)
	}

	gen, out, ok := o.sendStart(ctx, server, TriggerOperator)
	if !ok {
		o.log(out)
		return out
	}
	out = o.awaitReady(ctx, server, gen, TriggerOperator)
	o.log(out)
	return out
}

// sendStart issues START. ok is false when no start was sent; out then
// carries the reason.
func (o *Orchestrator) sendStart(ctx context.Context, server models.ServerConfig, trigger Trigger) (uint64, Outcome, bool) {
	name := server.Name

	unlock := o.lockPresence(name)
	if o.scheduler.Cancel(name) {
		o.stopCancelled(name, "start requested")
	}
	gen, ok := o.begin(name, models.StateStarting)
	unlock()
	if !ok {
		return 0, already(name, "start already in progress"), false
	}

	o.bus.PublishStartRequested(name, string(trigger))
	err := o.controller.SendPowerSignal(ctx, name, server.PanelServerID, models.SignalStart)
	monitoring.PowerSignalsTotal.WithLabelValues(name, models.SignalStart.String(), power.Kind(err)).Inc()
	if err != nil {
		o.finish(name, gen, models.StateIdleOff)
		o.bus.PublishStartFailed(name, err)
		return gen, failed(name, "start signal failed", fmt.Errorf("start %s: %w", name, err)), false
	}

	monitoring.AutoStartsTotal.WithLabelValues(name, string(trigger)).Inc()
	o.bus.PublishServerStarted(name, string(trigger))

	return gen, accepted(name, "start signal accepted"), true
}

// awaitReady waits for the started server to accept connections, applies
// the join delay and announces it ready. The idle stop is armed last, with
// the idle grace added for demand starts.
func (o *Orchestrator) awaitReady(ctx context.Context, server models.ServerConfig, gen uint64, trigger Trigger) Outcome {
	name := server.Name
	out := accepted(name, "start signal accepted")
	defer o.settle(server, gen, trigger)

	if o.settings.StartupReadyTimeout <= 0 || o.prober == nil || (server.Address == "" && !server.HasRCON()) {
		return out
	}

	res, err := o.readyPoller.WaitUntil(ctx, func(ctx context.Context) (bool, error) {
		return o.prober.Reachable(ctx, server)
	}, o.settings.PollInterval, o.settings.StartupReadyTimeout)
	out.Attempts = res.Attempts

	switch {
	case err == nil:
		monitoring.PollAttemptsTotal.WithLabelValues("ready", "success").Add(float64(res.Attempts))
		monitoring.ReadyWaitSeconds.WithLabelValues(name).Observe(res.Elapsed.Seconds())
		out.ReadyAfter = res.Elapsed
		out.Reason = "server is reachable"

		if o.settings.JoinDelay > 0 {
			if err := o.sleep(ctx, o.settings.JoinDelay); err != nil {
				out.Reason = "server is reachable, join delay interrupted"
			}
		}
		o.bus.PublishServerReady(name, res.Elapsed, res.Attempts)

	case errors.Is(err, poll.ErrTimeout):
		monitoring.PollAttemptsTotal.WithLabelValues("ready", "timeout").Add(float64(res.Attempts))
		out.Kind = TimedOutWaitingForReady
		out.Reason = fmt.Sprintf("not reachable within %s", o.settings.StartupReadyTimeout)
		out.Err = err
		o.bus.PublishReadyTimeout(name, o.settings.StartupReadyTimeout, res.Attempts)

	default:
		monitoring.PollAttemptsTotal.WithLabelValues("ready", "error").Add(float64(res.Attempts))
		out.Kind = TimedOutWaitingForReady
		out.Reason = "readiness wait aborted"
		out.Err = err
	}
	return out
}

// settle ends a start operation. Occupied servers go straight to
// active; empty ones get their idle stop.
func (o *Orchestrator) settle(server models.ServerConfig, gen uint64, trigger Trigger) {
	name := server.Name
	defer o.lockPresence(name)()

	if o.occupied(name) {
		o.finish(name, gen, models.StateActiveRunning)
		return
	}
	if !o.finish(name, gen, models.StateIdleRunning) {
		// A newer operation owns the server now.
		return
	}

	grace := time.Duration(0)
	if trigger == TriggerDemand {
		grace = o.settings.IdleGrace
	}
	o.armIdleStop(server, grace)
}

// armIdleStop schedules the stop for an empty server. extra is added to
// the configured idle timeout.
func (o *Orchestrator) armIdleStop(server models.ServerConfig, extra time.Duration) bool {
	timeout := server.IdleTimeout()
	if timeout <= 0 {
		return false
	}

	name := server.Name
	wait := timeout + extra
	if !o.scheduler.Arm(name, wait, func() error { return o.idleStop(name) }) {
		return false
	}
	monitoring.PendingStops.Set(float64(o.scheduler.Len()))

	fireAt := o.clock.Now().Add(wait)
	o.bus.PublishStopScheduled(name, fireAt)
	logger.Info("Idle stop scheduled", map[string]interface{}{
		"server": name,
		"delay":  wait.String(),
	})
	return true
}

// idleStop runs when an idle timer fires. The stop pipeline may wait for
// the panel for minutes, so it leaves the timer goroutine.
func (o *Orchestrator) idleStop(name string) error {
	monitoring.PendingStops.Set(float64(o.scheduler.Len()))

	server, ok := o.lookup(name)
	if !ok {
		return fmt.Errorf("idle stop for %s: %w", name, ErrNotManaged)
	}

	defer o.lockPresence(name)()
	if o.occupied(name) {
		logger.Info("Idle stop skipped, server has players", map[string]interface{}{
			"server": name,
		})
		return nil
	}

	if !o.background(func(ctx context.Context) {
		monitoring.IdleStopsTotal.WithLabelValues(name).Inc()
		out := o.stop(ctx, server, TriggerIdle)
		o.log(out)
	}) {
		return fmt.Errorf("idle stop for %s: %w", name, ErrClosed)
	}
	return nil
}

func (o *Orchestrator) stopCancelled(name, reason string) {
	monitoring.StopsCancelledTotal.WithLabelValues(name).Inc()
	monitoring.PendingStops.Set(float64(o.scheduler.Len()))
	o.bus.PublishStopCancelled(name, reason)
	logger.Info("Pending stop cancelled", map[string]interface{}{
		"server": name,
		"reason": reason,
	})
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	timer := o.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
