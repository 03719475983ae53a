// Package power defines the boundary between the lifecycle orchestrator
// and the panels that actually switch servers on and off.
package power

import (
	"context"

	"github.com/payperplay/autopower/internal/models"
)

// Controller sends power commands to a remote management panel.
//
// SendPowerSignal succeeds once the panel has accepted the command; the
// server may still be starting or stopping afterwards. Implementations
// must be safe for concurrent use across servers.
type Controller interface {
	SendPowerSignal(ctx context.Context, name models.ServerIdentity, panelServerID string, signal models.PowerSignal) error

	// CheckPowerStatus returns ErrUnsupported when the panel cannot report status.
	CheckPowerStatus(ctx context.Context, name models.ServerIdentity, panelServerID string) (models.PowerStatus, error)

	// SendRestoreSignal asks the panel to restore backupID onto the server.
	// Returns ErrUnsupported when the panel has no restore operation.
	SendRestoreSignal(ctx context.Context, name models.ServerIdentity, panelServerID, backupID string) error
}

// Unsupported supplies the default capability-gap answers for the optional
// Controller operations. Embed it in adapters that only implement
// SendPowerSignal.
type Unsupported struct{}

func (Unsupported) CheckPowerStatus(context.Context, models.ServerIdentity, string) (models.PowerStatus, error) {
	return models.StatusOffline, ErrUnsupported
}

func (Unsupported) SendRestoreSignal(context.Context, models.ServerIdentity, string, string) error {
	return ErrUnsupported
}
