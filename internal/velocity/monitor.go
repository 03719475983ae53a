package velocity

import (
	"context"
	"sync"
	"time"

	"github.com/payperplay/autopower/internal/clock"
	"github.com/payperplay/autopower/internal/lifecycle"
	"github.com/payperplay/autopower/internal/monitoring"
	"github.com/payperplay/autopower/pkg/logger"
)

// PresenceSink receives player presence changes
type PresenceSink interface {
	NotifyOccupantArrived(name string) lifecycle.Outcome
	OnDemandIdle(name string, remainingOccupants int) lifecycle.Outcome
}

// PlayerSource lists proxy servers with their player counts
type PlayerSource interface {
	ListServers(ctx context.Context) ([]VelocityServerInfo, error)
}

// PresenceWatcher polls the proxy for player counts of managed servers and
// reports servers that gained their first player or lost their last one.
type PresenceWatcher struct {
	source        PlayerSource
	sink          PresenceSink
	servers       lifecycle.ServerLookup
	clock         clock.Clock
	checkInterval time.Duration

	mu        sync.Mutex
	counts    map[string]int
	isHealthy bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPresenceWatcher creates a watcher. It does nothing until Start.
func NewPresenceWatcher(source PlayerSource, sink PresenceSink, servers lifecycle.ServerLookup, clk clock.Clock, interval time.Duration) *PresenceWatcher {
	if clk == nil {
		clk = clock.Real()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &PresenceWatcher{
		source:        source,
		sink:          sink,
		servers:       servers,
		clock:         clk,
		checkInterval: interval,
		counts:        make(map[string]int),
		isHealthy:     true,
	}
}

// Start begins polling
func (w *PresenceWatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.wg.Add(1)
	go w.loop(ctx)
	logger.Info("Velocity presence watcher started", map[string]interface{}{
		"check_interval": w.checkInterval.String(),
	})
}

// Stop stops polling and waits for an in-flight poll to finish
func (w *PresenceWatcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	w.wg.Wait()
	logger.Info("Velocity presence watcher stopped", nil)
}

// IsHealthy reports whether the last poll reached the proxy
func (w *PresenceWatcher) IsHealthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isHealthy
}

// Players returns the last observed player count of a server
func (w *PresenceWatcher) Players(name string) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, ok := w.counts[name]
	return n, ok
}

func (w *PresenceWatcher) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := w.clock.NewTicker(w.checkInterval)
	defer ticker.Stop()

	w.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll reads player counts once and reports transitions. A server seen for
// the first time only reports an arrival; an empty server is left to its
// existing timers.
func (w *PresenceWatcher) Poll(ctx context.Context) {
	listed, err := w.source.ListServers(ctx)
	if err != nil {
		if w.setHealthStatus(false) {
			logger.Warn("Velocity presence poll failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return
	}
	if w.setHealthStatus(true) {
		logger.Info("Velocity presence poll recovered", nil)
	}

	players := make(map[string]int, len(listed))
	for _, s := range listed {
		players[s.Name] = s.Players
	}

	for _, name := range w.servers.Names() {
		now := players[name]
		monitoring.ServerPlayers.WithLabelValues(name).Set(float64(now))

		w.mu.Lock()
		before, seen := w.counts[name]
		w.counts[name] = now
		w.mu.Unlock()

		switch {
		case now > 0 && (!seen || before == 0):
			w.sink.NotifyOccupantArrived(name)
		case seen && before > 0 && now == 0:
			w.sink.OnDemandIdle(name, 0)
		}
	}
}

// setHealthStatus records the poll result and reports whether it changed.
func (w *PresenceWatcher) setHealthStatus(healthy bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	changed := w.isHealthy != healthy
	w.isHealthy = healthy
	return changed
}
