package events

import "time"

const sourceOrchestrator = "orchestrator"

// PublishStartRequested publishes a start request with its trigger
func (eb *EventBus) PublishStartRequested(server, reason string) {
	eb.Publish(Event{
		Type:   EventStartRequested,
		Source: sourceOrchestrator,
		Server: server,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishServerStarted publishes an accepted start signal
func (eb *EventBus) PublishServerStarted(server, reason string) {
	eb.Publish(Event{
		Type:   EventServerStarted,
		Source: sourceOrchestrator,
		Server: server,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishStartFailed publishes a rejected or failed start signal
func (eb *EventBus) PublishStartFailed(server string, err error) {
	eb.Publish(Event{
		Type:   EventStartFailed,
		Source: sourceOrchestrator,
		Server: server,
		Data: map[string]interface{}{
			"error": errString(err),
		},
	})
}

// PublishServerReady publishes that a started server accepts players.
// Proxies use it to send waiting players to the server.
func (eb *EventBus) PublishServerReady(server string, after time.Duration, attempts int) {
	eb.Publish(Event{
		Type:   EventServerReady,
		Source: sourceOrchestrator,
		Server: server,
		Data: map[string]interface{}{
			"ready_after_ms": after.Milliseconds(),
			"attempts":       attempts,
		},
	})
}

// PublishReadyTimeout publishes that a started server never became reachable
func (eb *EventBus) PublishReadyTimeout(server string, timeout time.Duration, attempts int) {
	eb.Publish(Event{
		Type:   EventReadyTimeout,
		Source: sourceOrchestrator,
		Server: server,
		Data: map[string]interface{}{
			"timeout_ms": timeout.Milliseconds(),
			"attempts":   attempts,
		},
	})
}

// PublishStopScheduled publishes an armed idle stop
func (eb *EventBus) PublishStopScheduled(server string, fireAt time.Time) {
	eb.Publish(Event{
		Type:   EventStopScheduled,
		Source: sourceOrchestrator,
		Server: server,
		Data: map[string]interface{}{
			"fire_at": fireAt.UTC().Format(time.RFC3339),
		},
	})
}

// PublishStopCancelled publishes a cancelled idle stop
func (eb *EventBus) PublishStopCancelled(server, reason string) {
	eb.Publish(Event{
		Type:   EventStopCancelled,
		Source: sourceOrchestrator,
		Server: server,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishServerStopped publishes an accepted stop signal
func (eb *EventBus) PublishServerStopped(server, reason string) {
	eb.Publish(Event{
		Type:   EventServerStopped,
		Source: sourceOrchestrator,
		Server: server,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishStopFailed publishes a rejected or failed stop signal
func (eb *EventBus) PublishStopFailed(server string, err error) {
	eb.Publish(Event{
		Type:   EventStopFailed,
		Source: sourceOrchestrator,
		Server: server,
		Data: map[string]interface{}{
			"error": errString(err),
		},
	})
}

// PublishBackupRestored publishes a requested backup restore
func (eb *EventBus) PublishBackupRestored(server, backupID string) {
	eb.Publish(Event{
		Type:   EventBackupRestored,
		Source: sourceOrchestrator,
		Server: server,
		Data: map[string]interface{}{
			"backup_id": backupID,
		},
	})
}

// PublishBackupRestoreFailed publishes a failed restore sequence
func (eb *EventBus) PublishBackupRestoreFailed(server, backupID string, err error) {
	eb.Publish(Event{
		Type:   EventBackupRestoreFailed,
		Source: sourceOrchestrator,
		Server: server,
		Data: map[string]interface{}{
			"backup_id": backupID,
			"error":     errString(err),
		},
	})
}

// PublishBackupRestoreSkipped publishes a restore the panel could not perform
func (eb *EventBus) PublishBackupRestoreSkipped(server, backupID, reason string) {
	eb.Publish(Event{
		Type:   EventBackupRestoreSkip,
		Source: sourceOrchestrator,
		Server: server,
		Data: map[string]interface{}{
			"backup_id": backupID,
			"reason":    reason,
		},
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
