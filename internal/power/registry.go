package power

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/payperplay/autopower/internal/models"
	"github.com/payperplay/autopower/pkg/logger"
)

// Registry maps controller names to implementations. Plugins and tests
// may register or replace controllers while the process runs.
type Registry struct {
	mu          sync.RWMutex
	controllers map[string]Controller
}

// NewRegistry creates an empty controller registry
func NewRegistry() *Registry {
	return &Registry{controllers: make(map[string]Controller)}
}

// Register adds c under name, replacing any existing controller.
func (r *Registry) Register(name string, c Controller) {
	r.mu.Lock()
	_, replaced := r.controllers[name]
	r.controllers[name] = c
	r.mu.Unlock()

	logger.Info("Power controller registered", map[string]interface{}{
		"controller": name,
		"replaced":   replaced,
	})
}

// Unregister removes name and reports whether it was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	_, ok := r.controllers[name]
	delete(r.controllers, name)
	r.mu.Unlock()

	if ok {
		logger.Info("Power controller unregistered", map[string]interface{}{
			"controller": name,
		})
	}
	return ok
}

// Get returns the controller registered under name.
func (r *Registry) Get(name string) (Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.controllers[name]
	return c, ok
}

// Names returns the registered controller names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.controllers))
	for name := range r.controllers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Bound returns a Controller that looks name up on every call, so
// replacing or removing the registration takes effect immediately.
func (r *Registry) Bound(name string) Controller {
	return &boundController{registry: r, name: name}
}

type boundController struct {
	registry *Registry
	name     string
}

func (b *boundController) resolve() (Controller, error) {
	c, ok := b.registry.Get(b.name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrControllerNotFound, b.name)
	}
	return c, nil
}

func (b *boundController) SendPowerSignal(ctx context.Context, name models.ServerIdentity, panelServerID string, signal models.PowerSignal) error {
	c, err := b.resolve()
	if err != nil {
		return err
	}
	return c.SendPowerSignal(ctx, name, panelServerID, signal)
}

func (b *boundController) CheckPowerStatus(ctx context.Context, name models.ServerIdentity, panelServerID string) (models.PowerStatus, error) {
	c, err := b.resolve()
	if err != nil {
		return models.StatusOffline, err
	}
	return c.CheckPowerStatus(ctx, name, panelServerID)
}

func (b *boundController) SendRestoreSignal(ctx context.Context, name models.ServerIdentity, panelServerID, backupID string) error {
	c, err := b.resolve()
	if err != nil {
		return err
	}
	return c.SendRestoreSignal(ctx, name, panelServerID, backupID)
}
