// Package docker switches servers that run as local containers through the
// Docker Engine API. The panel server ID is the container name or ID.
package docker

import (
	"context"
	"errors"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/payperplay/autopower/internal/models"
	"github.com/payperplay/autopower/internal/power"
	"github.com/payperplay/autopower/pkg/logger"
)

// Name is the registry key of this controller
const Name = "docker"

// containerAPI is the part of *client.Client the controller uses
type containerAPI interface {
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	Close() error
}

// Controller implements power.Controller on top of the Docker daemon.
// Containers have no backup concept, so restore is unsupported.
type Controller struct {
	power.Unsupported

	api         containerAPI
	stopTimeout int
}

// NewController connects to the daemon configured by the DOCKER_* environment.
// stopTimeoutSeconds is the grace period before the daemon kills the container.
func NewController(stopTimeoutSeconds int) (*Controller, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newController(cli, stopTimeoutSeconds), nil
}

func newController(api containerAPI, stopTimeoutSeconds int) *Controller {
	return &Controller{api: api, stopTimeout: stopTimeoutSeconds}
}

// SendPowerSignal starts or stops the container.
func (c *Controller) SendPowerSignal(ctx context.Context, name models.ServerIdentity, panelServerID string, signal models.PowerSignal) error {
	var err error
	switch signal {
	case models.SignalStart:
		err = c.api.ContainerStart(ctx, panelServerID, container.StartOptions{})
	case models.SignalStop:
		timeout := c.stopTimeout
		err = c.api.ContainerStop(ctx, panelServerID, container.StopOptions{Timeout: &timeout})
	default:
		return fmt.Errorf("unknown power signal %q", signal)
	}
	if err != nil {
		return classify(signal.String(), name, err)
	}

	logger.Info("Power signal applied to container", map[string]interface{}{
		"server":    name,
		"container": panelServerID,
		"signal":    signal.String(),
	})
	return nil
}

// CheckPowerStatus maps the container state onto a PowerStatus.
func (c *Controller) CheckPowerStatus(ctx context.Context, name models.ServerIdentity, panelServerID string) (models.PowerStatus, error) {
	inspect, err := c.api.ContainerInspect(ctx, panelServerID)
	if err != nil {
		return models.StatusOffline, classify("inspect", name, err)
	}
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return models.StatusOffline, nil
	}
	return statusFromState(inspect.State.Status), nil
}

// Close releases the daemon connection
func (c *Controller) Close() error {
	return c.api.Close()
}

func statusFromState(state container.ContainerState) models.PowerStatus {
	switch state {
	case container.StateRunning:
		return models.StatusRunning
	case container.StateRestarting:
		return models.StatusStarting
	case container.StateRemoving, container.StatePaused:
		return models.StatusStopping
	default:
		return models.StatusOffline
	}
}

func classify(op, name string, err error) error {
	if client.IsErrConnectionFailed(err) || ctxErr(err) {
		return &power.TransportError{Op: op, Server: name, Err: err}
	}
	status := 0
	if client.IsErrNotFound(err) {
		status = 404
	}
	return &power.RejectionError{Op: op, Server: name, StatusCode: status, Body: err.Error()}
}

func ctxErr(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
