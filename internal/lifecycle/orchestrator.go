// Package lifecycle decides when managed servers are started, stopped and
// restored, based on player presence and operator commands.
package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/payperplay/autopower/internal/clock"
	"github.com/payperplay/autopower/internal/delay"
	"github.com/payperplay/autopower/internal/events"
	"github.com/payperplay/autopower/internal/models"
	"github.com/payperplay/autopower/internal/monitoring"
	"github.com/payperplay/autopower/internal/poll"
	"github.com/payperplay/autopower/internal/power"
	"github.com/payperplay/autopower/internal/probe"
	"github.com/payperplay/autopower/pkg/logger"
)

// ServerLookup resolves proxy server names to their configuration
type ServerLookup interface {
	Server(name string) (models.ServerConfig, bool)
	Names() []string
}

// StatusCheckMethod selects how "is the server already online" is answered
type StatusCheckMethod string

const (
	// CheckProxy probes the game server directly
	CheckProxy StatusCheckMethod = "proxy"
	// CheckPanel asks the power panel for its status
	CheckPanel StatusCheckMethod = "panel"
)

// Settings holds the global timing policy
type Settings struct {
	// Upper bound for the post-start reachability wait. Zero disables the wait.
	StartupReadyTimeout time.Duration
	PollInterval        time.Duration

	// Extra idle time granted to demand-driven starts so a slow boot does
	// not eat into the idle window.
	IdleGrace time.Duration

	RestoreTimeout      time.Duration
	RestorePollInterval time.Duration

	// Wait after the server became reachable before announcing it ready
	JoinDelay time.Duration

	StatusCheckMethod StatusCheckMethod

	// Report a restore sequence that could not restore as Accepted
	// instead of Failed.
	RestoreFallbackToPlainStop bool
}

// Options wires an Orchestrator
type Options struct {
	Controller power.Controller
	Scheduler  *delay.Scheduler
	Prober     probe.Prober
	Servers    ServerLookup
	Settings   Settings
	Clock      clock.Clock
	Events     *events.EventBus
}

type serverState struct {
	state    models.LifecycleState
	since    time.Time
	gen      uint64
	occupied bool

	// Held across an occupancy change and the matching timer arm or
	// cancel, so a join and a leave on one server never interleave.
	presence sync.Mutex
}

// ServerStatus is a point-in-time view of one managed server
type ServerStatus struct {
	Name               string                `json:"name"`
	State              models.LifecycleState `json:"state"`
	Since              time.Time             `json:"since,omitempty"`
	StopPending        bool                  `json:"stop_pending"`
	StopAt             *time.Time            `json:"stop_at,omitempty"`
	Occupied           bool                  `json:"occupied"`
	IdleTimeoutSeconds int                   `json:"idle_timeout_seconds"`
	RestoreEnabled     bool                  `json:"restore_enabled"`
}

// Orchestrator runs the power lifecycle of every managed server.
//
// The delay scheduler owns the pending-stop slots; the state table here
// only tracks in-flight panel operations and is never locked across a
// panel call, poll or probe.
type Orchestrator struct {
	controller    power.Controller
	scheduler     *delay.Scheduler
	prober        probe.Prober
	servers       ServerLookup
	settings      Settings
	clock         clock.Clock
	bus           *events.EventBus
	readyPoller   *poll.Poller
	offlinePoller *poll.Poller

	mu     sync.Mutex
	states map[string]*serverState
	warned map[string]bool
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator. Scheduler and Clock default to real-time
// implementations when nil.
func New(opts Options) *Orchestrator {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	scheduler := opts.Scheduler
	if scheduler == nil {
		scheduler = delay.NewScheduler(clk)
	}
	settings := opts.Settings
	if settings.PollInterval <= 0 {
		settings.PollInterval = 5 * time.Second
	}
	if settings.RestorePollInterval <= 0 {
		settings.RestorePollInterval = settings.PollInterval
	}
	if settings.RestoreTimeout <= 0 {
		settings.RestoreTimeout = 2 * time.Minute
	}
	if settings.StatusCheckMethod == "" {
		settings.StatusCheckMethod = CheckProxy
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		controller:    opts.Controller,
		scheduler:     scheduler,
		prober:        opts.Prober,
		servers:       opts.Servers,
		settings:      settings,
		clock:         clk,
		bus:           opts.Events,
		readyPoller:   poll.New(clk, "ready"),
		offlinePoller: poll.New(clk, "offline"),
		states:        make(map[string]*serverState),
		warned:        make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Settings returns the effective timing policy
func (o *Orchestrator) Settings() Settings {
	return o.settings
}

// Close stops all pending timers and waits for background pipelines. When
// ctx expires first, in-flight panel calls are cancelled.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.scheduler.Stop()
	monitoring.PendingStops.Set(0)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return ctx.Err()
	}
}

// background runs fn on a tracked goroutine unless the orchestrator is closed.
func (o *Orchestrator) background(fn func(ctx context.Context)) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		fn(o.ctx)
	}()
	return true
}

// Status returns the view of one managed server
func (o *Orchestrator) Status(name string) (ServerStatus, bool) {
	server, ok := o.servers.Server(name)
	if !ok {
		return ServerStatus{}, false
	}

	o.mu.Lock()
	st := o.entryLocked(name)
	status := ServerStatus{
		Name:               name,
		State:              st.state,
		Since:              st.since,
		Occupied:           st.occupied,
		IdleTimeoutSeconds: server.IdleTimeoutSeconds,
		RestoreEnabled:     server.RestoreEnabled(),
	}
	o.mu.Unlock()

	if at, pending := o.scheduler.Pending(name); pending {
		status.StopPending = true
		status.StopAt = &at
	}
	return status, true
}

// Snapshot returns the view of every managed server, sorted by name
func (o *Orchestrator) Snapshot() []ServerStatus {
	names := o.servers.Names()
	sort.Strings(names)

	out := make([]ServerStatus, 0, len(names))
	for _, name := range names {
		if status, ok := o.Status(name); ok {
			out = append(out, status)
		}
	}
	return out
}

func (o *Orchestrator) entryLocked(name string) *serverState {
	st, ok := o.states[name]
	if !ok {
		st = &serverState{state: models.StateUnknown}
		o.states[name] = st
	}
	return st
}

// begin starts a panel operation. It refuses a second operation of the
// same direction while one is in flight and returns the operation's
// generation otherwise.
func (o *Orchestrator) begin(name string, next models.LifecycleState) (uint64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := o.entryLocked(name)
	switch next {
	case models.StateStarting:
		if st.state == models.StateStarting {
			return 0, false
		}
	case models.StateStopping, models.StateRestoring:
		if st.state == models.StateStopping || st.state == models.StateRestoring {
			return 0, false
		}
	}
	st.gen++
	o.setLocked(name, st, next)
	return st.gen, true
}

// finish moves the server to next if no newer operation has begun.
func (o *Orchestrator) finish(name string, gen uint64, next models.LifecycleState) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := o.entryLocked(name)
	if st.gen != gen {
		return false
	}
	o.setLocked(name, st, next)
	return true
}

func (o *Orchestrator) current(name string, gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.entryLocked(name).gen == gen
}

// lockPresence serializes presence handling for one server. The returned
// func releases it.
func (o *Orchestrator) lockPresence(name string) func() {
	o.mu.Lock()
	st := o.entryLocked(name)
	o.mu.Unlock()

	st.presence.Lock()
	return st.presence.Unlock
}

// mark records a presence change and returns the state it found. The state
// itself only moves for settled servers so in-flight operations keep their
// dedupe guard, and a departure never revives a server that is off.
func (o *Orchestrator) mark(name string, occupied bool) models.LifecycleState {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := o.entryLocked(name)
	prev := st.state
	st.occupied = occupied

	next := models.StateIdleRunning
	if occupied {
		next = models.StateActiveRunning
	}
	if prev.Transitional() || prev == next || (!occupied && prev == models.StateIdleOff) {
		return prev
	}
	o.setLocked(name, st, next)
	return prev
}

func (o *Orchestrator) occupied(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.entryLocked(name).occupied
}

func (o *Orchestrator) setLocked(name string, st *serverState, next models.LifecycleState) {
	if st.state != next {
		logger.Debug("Server state changed", map[string]interface{}{
			"server": name,
			"from":   string(st.state),
			"to":     string(next),
		})
	}
	st.state = next
	st.since = o.clock.Now()
	monitoring.ServerState.WithLabelValues(name).Set(monitoring.StateValue(string(next)))
}

// warnOnce logs a capability gap the first time it is hit.
func (o *Orchestrator) warnOnce(key, message string, fields map[string]interface{}) {
	o.mu.Lock()
	seen := o.warned[key]
	o.warned[key] = true
	o.mu.Unlock()

	if !seen {
		logger.Warn(message, fields)
	}
}

func (o *Orchestrator) lookup(name string) (models.ServerConfig, bool) {
	server, ok := o.servers.Server(name)
	if ok && server.Name == "" {
		server.Name = name
	}
	return server, ok
}

func (o *Orchestrator) log(out Outcome) {
	fields := map[string]interface{}{
		"server":  out.Server,
		"outcome": string(out.Kind),
		"reason":  out.Reason,
	}
	if out.Attempts > 0 {
		fields["attempts"] = out.Attempts
	}
	if out.ReadyAfter > 0 {
		fields["ready_after"] = out.ReadyAfter.String()
	}

	switch out.Kind {
	case Failed:
		logger.Error("Lifecycle operation failed", out.Err, fields)
	case TimedOutWaitingForReady:
		logger.Warn("Server did not become reachable in time", fields)
	default:
		logger.Info("Lifecycle operation completed", fields)
	}
}
