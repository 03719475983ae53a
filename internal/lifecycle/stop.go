package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/payperplay/autopower/internal/models"
	"github.com/payperplay/autopower/internal/monitoring"
	"github.com/payperplay/autopower/internal/poll"
	"github.com/payperplay/autopower/internal/power"
)

// RequestStop stops a server on operator request, cancelling any pending
// idle stop. Servers with a backup run the full restore sequence before
// this returns. The sequence runs on the orchestrator's context: when ctx
// ends first the caller stops waiting but the stop and restore carry on.
func (o *Orchestrator) RequestStop(ctx context.Context, name string) Outcome {
	server, ok := o.lookup(name)
	if !ok {
		return failed(name, "unknown server", ErrNotManaged)
	}

	unlock := o.lockPresence(name)
	if o.scheduler.Cancel(name) {
		o.stopCancelled(name, "operator stop")
	}
	unlock()

	done := make(chan Outcome, 1)
	if !o.background(func(bg context.Context) {
		out := o.stop(bg, server, TriggerOperator)
		o.log(out)
		done <- out
	}) {
		return failed(name, "stop refused", ErrClosed)
	}

	select {
	case out := <-done:
		return out
	case <-ctx.Done():
		return accepted(name, "stop continues in background")
	}
}

func (o *Orchestrator) stop(ctx context.Context, server models.ServerConfig, trigger Trigger) Outcome {
	name := server.Name

	next := models.StateStopping
	if server.RestoreEnabled() {
		next = models.StateRestoring
	}
	gen, ok := o.begin(name, next)
	if !ok {
		return already(name, "stop already in progress")
	}

	err := o.controller.SendPowerSignal(ctx, name, server.PanelServerID, models.SignalStop)
	monitoring.PowerSignalsTotal.WithLabelValues(name, models.SignalStop.String(), power.Kind(err)).Inc()
	if err != nil {
		// The server is most likely still running.
		o.finish(name, gen, models.StateIdleRunning)
		o.bus.PublishStopFailed(name, err)
		if server.RestoreEnabled() {
			monitoring.RestoresTotal.WithLabelValues(name, "failed").Inc()
		}
		return failed(name, "stop signal failed", fmt.Errorf("stop %s: %w", name, err))
	}
	o.bus.PublishServerStopped(name, string(trigger))

	if !server.RestoreEnabled() {
		o.finish(name, gen, models.StateIdleOff)
		return accepted(name, "stop signal accepted")
	}
	return o.restore(ctx, server, gen)
}

// restore waits for the panel to report the server offline and then
// restores its backup. It runs after an accepted STOP.
func (o *Orchestrator) restore(ctx context.Context, server models.ServerConfig, gen uint64) Outcome {
	name := server.Name

	res, err := o.offlinePoller.WaitUntil(ctx, func(ctx context.Context) (bool, error) {
		status, err := o.controller.CheckPowerStatus(ctx, name, server.PanelServerID)
		if err != nil {
			return false, err
		}
		return status == models.StatusOffline, nil
	}, o.settings.RestorePollInterval, o.settings.RestoreTimeout)

	switch {
	case err == nil:
		monitoring.PollAttemptsTotal.WithLabelValues("offline", "success").Add(float64(res.Attempts))
	case power.IsUnsupported(err):
		return o.restoreDegraded(server, gen, "status check", res.Attempts)
	case errors.Is(err, poll.ErrTimeout):
		monitoring.PollAttemptsTotal.WithLabelValues("offline", "timeout").Add(float64(res.Attempts))
		monitoring.RestoresTotal.WithLabelValues(name, "timeout").Inc()
		return o.restoreFailed(server, gen, "server did not go offline, restore skipped", err, res.Attempts)
	default:
		monitoring.PollAttemptsTotal.WithLabelValues("offline", "error").Add(float64(res.Attempts))
		monitoring.RestoresTotal.WithLabelValues(name, "failed").Inc()
		return o.restoreFailed(server, gen, "offline wait aborted, restore skipped", err, res.Attempts)
	}

	if !o.current(name, gen) {
		// A start arrived while the server was going down.
		monitoring.RestoresTotal.WithLabelValues(name, "skipped").Inc()
		o.bus.PublishBackupRestoreSkipped(name, server.BackupID, "superseded by start")
		out := accepted(name, "stopped, restore skipped because a start was requested")
		out.Attempts = res.Attempts
		return out
	}

	err = o.controller.SendRestoreSignal(ctx, name, server.PanelServerID, server.BackupID)
	if power.IsUnsupported(err) {
		return o.restoreDegraded(server, gen, "backup restore", res.Attempts)
	}
	if err != nil {
		monitoring.RestoresTotal.WithLabelValues(name, "failed").Inc()
		return o.restoreFailed(server, gen, "restore request failed", err, res.Attempts)
	}

	monitoring.RestoresTotal.WithLabelValues(name, "restored").Inc()
	o.bus.PublishBackupRestored(name, server.BackupID)
	o.finish(name, gen, models.StateIdleOff)

	out := accepted(name, "stopped and restored from backup")
	out.Attempts = res.Attempts
	return out
}

// restoreDegraded handles a panel without the capability the restore
// sequence needs: the stop stands, the restore is skipped.
func (o *Orchestrator) restoreDegraded(server models.ServerConfig, gen uint64, capability string, attempts int) Outcome {
	name := server.Name
	o.warnOnce("unsupported:"+capability, "Power controller lacks a capability needed for restore-on-stop", map[string]interface{}{
		"server":     name,
		"capability": capability,
	})

	monitoring.RestoresTotal.WithLabelValues(name, "skipped").Inc()
	reason := fmt.Sprintf("stopped without restore: panel does not support %s", capability)
	o.bus.PublishBackupRestoreSkipped(name, server.BackupID, reason)
	o.finish(name, gen, models.StateIdleOff)

	out := accepted(name, reason)
	out.Attempts = attempts
	return out
}

func (o *Orchestrator) restoreFailed(server models.ServerConfig, gen uint64, reason string, err error, attempts int) Outcome {
	name := server.Name
	o.bus.PublishBackupRestoreFailed(name, server.BackupID, err)
	o.finish(name, gen, models.StateIdleOff)

	var out Outcome
	if o.settings.RestoreFallbackToPlainStop {
		out = accepted(name, "stopped without restore: "+reason)
		out.Err = err
	} else {
		out = failed(name, reason, fmt.Errorf("restore %s: %w", name, err))
	}
	out.Attempts = attempts
	return out
}
