package lifecycle

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/payperplay/autopower/internal/clock"
	"github.com/payperplay/autopower/internal/models"
	"github.com/payperplay/autopower/internal/poll"
	"github.com/payperplay/autopower/internal/power"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeController records every panel call in order.
type fakeController struct {
	mu       sync.Mutex
	calls    []string
	statuses []models.PowerStatus
	status   int

	startErr   error
	stopErr    error
	statusErr  error
	restoreErr error

	// When set, START blocks until gate is closed. entered receives once
	// the call is in flight.
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeController) SendPowerSignal(_ context.Context, name models.ServerIdentity, _ string, signal models.PowerSignal) error {
	f.record(name + ":" + signal.String())
	if signal == models.SignalStart {
		if f.entered != nil {
			f.entered <- struct{}{}
		}
		if f.gate != nil {
			<-f.gate
		}
		return f.startErr
	}
	return f.stopErr
}

func (f *fakeController) CheckPowerStatus(_ context.Context, name models.ServerIdentity, _ string) (models.PowerStatus, error) {
	f.record(name + ":status")
	if f.statusErr != nil {
		return models.StatusOffline, f.statusErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return models.StatusOffline, nil
	}
	i := f.status
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	f.status++
	return f.statuses[i], nil
}

func (f *fakeController) SendRestoreSignal(_ context.Context, name models.ServerIdentity, _, backupID string) error {
	f.record(name + ":restore:" + backupID)
	return f.restoreErr
}

func (f *fakeController) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeController) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeProber answers from a function of the 1-based call number.
type fakeProber struct {
	calls  atomic.Int32
	answer func(call int) (bool, error)
}

func (p *fakeProber) Reachable(context.Context, models.ServerConfig) (bool, error) {
	n := int(p.calls.Add(1))
	if p.answer == nil {
		return false, nil
	}
	return p.answer(n)
}

type servers map[string]models.ServerConfig

func (s servers) Server(name string) (models.ServerConfig, bool) {
	cfg, ok := s[name]
	return cfg, ok
}

func (s servers) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var testServers = servers{
	"lobby":    {PanelServerID: "a1b2", IdleTimeoutSeconds: 30, Address: "lobby:25565"},
	"survival": {PanelServerID: "c3d4", Address: "survival:25565"},
	"creative": {PanelServerID: "e5f6", BackupID: "bk-1", Address: "creative:25565"},
}

type harness struct {
	clk    *clock.FakeClock
	ctrl   *fakeController
	prober *fakeProber
	orch   *Orchestrator
}

func newHarness(t *testing.T, settings Settings) *harness {
	t.Helper()
	h := &harness{
		clk:    clock.Fake(epoch),
		ctrl:   &fakeController{},
		prober: &fakeProber{},
	}
	h.orch = New(Options{
		Controller: h.ctrl,
		Prober:     h.prober,
		Servers:    testServers,
		Settings:   settings,
		Clock:      h.clk,
	})
	return h
}

// drain waits for background pipelines started by fired timers.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.orch.Close(ctx); err != nil {
		t.Fatalf("Close() = %v", err)
	}
}

func (h *harness) state(t *testing.T, name string) models.LifecycleState {
	t.Helper()
	st, ok := h.orch.Status(name)
	if !ok {
		t.Fatalf("Status(%q) not found", name)
	}
	return st.State
}

// step lets the poller's interval timer fire once the poller is idle
// between checks (deadline timer plus interval timer pending).
func (h *harness) step(d time.Duration) {
	h.clk.WaitForTimers(2)
	h.clk.Advance(d)
}

func async(fn func() Outcome) <-chan Outcome {
	done := make(chan Outcome, 1)
	go func() { done <- fn() }()
	return done
}

func await(t *testing.T, done <-chan Outcome) Outcome {
	t.Helper()
	select {
	case out := <-done:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("operation did not complete")
		return Outcome{}
	}
}

func assertCalls(t *testing.T, got []string, want ...string) {
	t.Helper()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("panel calls = %v, want %v", got, want)
	}
}

func TestArrivalCancelsPendingStop(t *testing.T) {
	h := newHarness(t, Settings{})

	if out := h.orch.NotifyOccupantDeparted("lobby"); out.Kind != Accepted {
		t.Fatalf("departed = %s", out)
	}
	at, pending := h.orch.scheduler.Pending("lobby")
	if !pending || !at.Equal(epoch.Add(30*time.Second)) {
		t.Fatalf("pending stop = %v %v, want at +30s", at, pending)
	}

	h.clk.Advance(10 * time.Second)
	if out := h.orch.NotifyOccupantArrived("lobby"); out.Kind != Accepted {
		t.Fatalf("arrived = %s", out)
	}
	h.clk.Advance(time.Minute)
	h.drain(t)

	assertCalls(t, h.ctrl.Calls())
	if st := h.state(t, "lobby"); st != models.StateActiveRunning {
		t.Fatalf("state = %s", st)
	}
}

func TestIdleStopFiresAfterTimeout(t *testing.T) {
	h := newHarness(t, Settings{})

	h.orch.NotifyOccupantDeparted("lobby")
	h.clk.Advance(29 * time.Second)
	assertCalls(t, h.ctrl.Calls())

	h.clk.Advance(time.Second)
	h.drain(t)

	assertCalls(t, h.ctrl.Calls(), "lobby:stop")
	if st := h.state(t, "lobby"); st != models.StateIdleOff {
		t.Fatalf("state = %s", st)
	}
}

func TestFlappingPresenceLeavesOneTimer(t *testing.T) {
	h := newHarness(t, Settings{})

	for i := 0; i < 5; i++ {
		h.orch.NotifyOccupantDeparted("lobby")
		h.clk.Advance(5 * time.Second)
		h.orch.NotifyOccupantArrived("lobby")
	}
	h.orch.NotifyOccupantDeparted("lobby")
	if n := h.orch.scheduler.Len(); n != 1 {
		t.Fatalf("pending stops = %d", n)
	}

	h.clk.Advance(30 * time.Second)
	h.drain(t)
	assertCalls(t, h.ctrl.Calls(), "lobby:stop")
}

func TestDepartureWithAutoStopDisabled(t *testing.T) {
	h := newHarness(t, Settings{})

	out := h.orch.NotifyOccupantDeparted("survival")
	if out.Kind != AlreadyInState {
		t.Fatalf("outcome = %s", out)
	}
	if h.orch.scheduler.Len() != 0 {
		t.Fatal("timer armed for server without idle timeout")
	}
}

func TestStartWaitsForReadiness(t *testing.T) {
	h := newHarness(t, Settings{
		StartupReadyTimeout: 60 * time.Second,
		PollInterval:        5 * time.Second,
	})
	h.prober.answer = func(call int) (bool, error) { return call == 3, nil }

	done := async(func() Outcome { return h.orch.RequestStart(context.Background(), "survival") })
	h.step(5 * time.Second)
	h.step(5 * time.Second)
	out := await(t, done)

	if out.Kind != Accepted {
		t.Fatalf("outcome = %s", out)
	}
	if out.Attempts != 3 || out.ReadyAfter != 10*time.Second {
		t.Fatalf("attempts = %d ready after %s, want 3 and 10s", out.Attempts, out.ReadyAfter)
	}
	assertCalls(t, h.ctrl.Calls(), "survival:start")
	if st := h.state(t, "survival"); st != models.StateIdleRunning {
		t.Fatalf("state = %s", st)
	}
}

func TestStartReadinessTimeout(t *testing.T) {
	h := newHarness(t, Settings{
		StartupReadyTimeout: 10 * time.Second,
		PollInterval:        5 * time.Second,
	})

	done := async(func() Outcome { return h.orch.RequestStart(context.Background(), "lobby") })
	h.step(5 * time.Second)
	h.step(5 * time.Second)
	out := await(t, done)

	if out.Kind != TimedOutWaitingForReady {
		t.Fatalf("outcome = %s", out)
	}
	if !errors.Is(out.Err, poll.ErrTimeout) {
		t.Fatalf("err = %v", out.Err)
	}
	// The server may still come up, so the idle stop is armed anyway.
	if _, pending := h.orch.scheduler.Pending("lobby"); !pending {
		t.Fatal("idle stop not armed after readiness timeout")
	}
}

func TestStartFailureArmsNothing(t *testing.T) {
	h := newHarness(t, Settings{})
	h.ctrl.startErr = &power.TransportError{Op: "start", Server: "lobby", Err: errors.New("connection refused")}

	out := h.orch.RequestStart(context.Background(), "lobby")
	if out.Kind != Failed {
		t.Fatalf("outcome = %s", out)
	}
	var te *power.TransportError
	if !errors.As(out.Err, &te) {
		t.Fatalf("err = %v, want TransportError", out.Err)
	}
	if h.orch.scheduler.Len() != 0 {
		t.Fatal("timer armed after failed start")
	}
	if st := h.state(t, "lobby"); st != models.StateIdleOff {
		t.Fatalf("state = %s", st)
	}
}

func TestOperatorStartOnOccupiedServerArmsNothing(t *testing.T) {
	h := newHarness(t, Settings{})

	h.orch.NotifyOccupantArrived("lobby")
	out := h.orch.RequestStart(context.Background(), "lobby")
	if out.Kind != Accepted {
		t.Fatalf("outcome = %s", out)
	}
	if h.orch.scheduler.Len() != 0 {
		t.Fatal("idle stop armed with players present")
	}
	if st := h.state(t, "lobby"); st != models.StateActiveRunning {
		t.Fatalf("state = %s", st)
	}
}

func TestConcurrentStartIsDeduplicated(t *testing.T) {
	h := newHarness(t, Settings{})
	h.ctrl.gate = make(chan struct{})
	h.ctrl.entered = make(chan struct{}, 1)

	first := async(func() Outcome { return h.orch.RequestStart(context.Background(), "survival") })
	<-h.ctrl.entered

	second := h.orch.RequestStart(context.Background(), "survival")
	if second.Kind != AlreadyInState {
		t.Fatalf("second start = %s", second)
	}

	close(h.ctrl.gate)
	if out := await(t, first); out.Kind != Accepted {
		t.Fatalf("first start = %s", out)
	}
	assertCalls(t, h.ctrl.Calls(), "survival:start")
}

func TestRestoreAfterThirdOfflinePoll(t *testing.T) {
	h := newHarness(t, Settings{
		RestoreTimeout:      60 * time.Second,
		RestorePollInterval: 5 * time.Second,
	})
	h.ctrl.statuses = []models.PowerStatus{models.StatusRunning, models.StatusRunning, models.StatusOffline}

	done := async(func() Outcome { return h.orch.RequestStop(context.Background(), "creative") })
	h.step(5 * time.Second)
	h.step(5 * time.Second)
	out := await(t, done)

	if out.Kind != Accepted || out.Attempts != 3 {
		t.Fatalf("outcome = %s after %d attempts", out, out.Attempts)
	}
	assertCalls(t, h.ctrl.Calls(),
		"creative:stop",
		"creative:status", "creative:status", "creative:status",
		"creative:restore:bk-1",
	)
	if st := h.state(t, "creative"); st != models.StateIdleOff {
		t.Fatalf("state = %s", st)
	}
}

func TestRejectedStopSkipsRestore(t *testing.T) {
	h := newHarness(t, Settings{})
	h.ctrl.stopErr = &power.RejectionError{Op: "stop", Server: "creative", StatusCode: 409}

	out := h.orch.RequestStop(context.Background(), "creative")
	if out.Kind != Failed {
		t.Fatalf("outcome = %s", out)
	}
	if !power.IsRejection(out.Err) {
		t.Fatalf("err = %v, want rejection", out.Err)
	}
	assertCalls(t, h.ctrl.Calls(), "creative:stop")
	if h.clk.PendingCount() != 0 {
		t.Fatal("poll timers left behind")
	}
}

func TestRestoreTimeout(t *testing.T) {
	for _, fallback := range []bool{false, true} {
		h := newHarness(t, Settings{
			RestoreTimeout:             10 * time.Second,
			RestorePollInterval:        5 * time.Second,
			RestoreFallbackToPlainStop: fallback,
		})
		h.ctrl.statuses = []models.PowerStatus{models.StatusRunning}

		done := async(func() Outcome { return h.orch.RequestStop(context.Background(), "creative") })
		h.step(5 * time.Second)
		h.step(5 * time.Second)
		out := await(t, done)

		want := Failed
		if fallback {
			want = Accepted
		}
		if out.Kind != want {
			t.Fatalf("fallback=%v: outcome = %s, want %s", fallback, out, want)
		}
		if !errors.Is(out.Err, poll.ErrTimeout) {
			t.Fatalf("fallback=%v: err = %v", fallback, out.Err)
		}
		for _, call := range h.ctrl.Calls() {
			if strings.Contains(call, "restore") {
				t.Fatalf("fallback=%v: restore issued after timeout", fallback)
			}
		}
	}
}

func TestRestoreUnsupportedDegradesToPlainStop(t *testing.T) {
	h := newHarness(t, Settings{})
	h.ctrl.statusErr = power.ErrUnsupported

	out := h.orch.RequestStop(context.Background(), "creative")
	if out.Kind != Accepted {
		t.Fatalf("outcome = %s", out)
	}
	if !strings.Contains(out.Reason, "does not support") {
		t.Fatalf("reason = %q", out.Reason)
	}
	assertCalls(t, h.ctrl.Calls(), "creative:stop", "creative:status")
}

func TestStartSupersedesRestore(t *testing.T) {
	h := newHarness(t, Settings{
		RestoreTimeout:      time.Minute,
		RestorePollInterval: 5 * time.Second,
	})
	h.ctrl.statuses = []models.PowerStatus{models.StatusRunning, models.StatusOffline}

	stop := async(func() Outcome { return h.orch.RequestStop(context.Background(), "creative") })
	h.clk.WaitForTimers(2)

	if out := h.orch.RequestStart(context.Background(), "creative"); out.Kind != Accepted {
		t.Fatalf("start = %s", out)
	}
	h.clk.Advance(5 * time.Second)

	out := await(t, stop)
	if out.Kind != Accepted || !strings.Contains(out.Reason, "start was requested") {
		t.Fatalf("stop = %s", out)
	}
	assertCalls(t, h.ctrl.Calls(), "creative:stop", "creative:status", "creative:start", "creative:status")
	if st := h.state(t, "creative"); st != models.StateIdleRunning {
		t.Fatalf("state = %s", st)
	}
}

func TestDemandStartArmsStopWithGrace(t *testing.T) {
	h := newHarness(t, Settings{IdleGrace: 15 * time.Second})

	out := h.orch.OnDemandStart(context.Background(), "lobby", Demand{Player: "steve", AutoStart: true})
	if out.Kind != Accepted {
		t.Fatalf("outcome = %s", out)
	}

	h.clk.WaitForTimers(1)
	at, pending := h.orch.scheduler.Pending("lobby")
	if !pending || !at.Equal(epoch.Add(45*time.Second)) {
		t.Fatalf("pending stop = %v %v, want at +45s", at, pending)
	}

	h.clk.Advance(45 * time.Second)
	h.drain(t)
	assertCalls(t, h.ctrl.Calls(), "lobby:start", "lobby:stop")
}

func TestDemandStartGating(t *testing.T) {
	tests := []struct {
		name      string
		server    string
		demand    Demand
		reachable bool
		wantKind  OutcomeKind
		wantErr   error
	}{
		{name: "unmanaged", server: "hub", demand: Demand{AutoStart: true}, wantKind: Failed, wantErr: ErrNotManaged},
		{name: "no permission", server: "lobby", wantKind: Failed, wantErr: ErrNotPermitted},
		{name: "occupied", server: "lobby", demand: Demand{AutoStart: true, Occupants: 2}, wantKind: AlreadyInState},
		{name: "online", server: "lobby", demand: Demand{AutoStart: true}, reachable: true, wantKind: AlreadyInState},
		{name: "prompt", server: "lobby", demand: Demand{CanStart: true}, wantKind: Failed, wantErr: ErrManualStartRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Settings{})
			h.prober.answer = func(int) (bool, error) { return tt.reachable, nil }

			out := h.orch.OnDemandStart(context.Background(), tt.server, tt.demand)
			if out.Kind != tt.wantKind {
				t.Fatalf("outcome = %s, want %s", out, tt.wantKind)
			}
			if tt.wantErr != nil && !errors.Is(out.Err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", out.Err, tt.wantErr)
			}
			assertCalls(t, h.ctrl.Calls())
		})
	}
}

func TestDemandCancelsPendingStopFirst(t *testing.T) {
	h := newHarness(t, Settings{})

	h.orch.NotifyOccupantDeparted("lobby")
	out := h.orch.OnDemandStart(context.Background(), "lobby", Demand{Occupants: 1})
	// Permission is checked after the cancel, so even a refused join
	// keeps the server up.
	if out.Kind != Failed {
		t.Fatalf("outcome = %s", out)
	}
	if h.orch.scheduler.Len() != 0 {
		t.Fatal("pending stop survived a join")
	}
}

func TestPanelStatusCheck(t *testing.T) {
	h := newHarness(t, Settings{StatusCheckMethod: CheckPanel})
	h.ctrl.statuses = []models.PowerStatus{models.StatusRunning}

	out := h.orch.OnDemandStart(context.Background(), "lobby", Demand{AutoStart: true})
	if out.Kind != AlreadyInState {
		t.Fatalf("outcome = %s", out)
	}
	if h.prober.calls.Load() != 0 {
		t.Fatal("prober used with panel status check")
	}
}

func TestPanelStatusUnsupportedFallsBackToProbe(t *testing.T) {
	h := newHarness(t, Settings{StatusCheckMethod: CheckPanel})
	h.ctrl.statusErr = power.ErrUnsupported
	h.prober.answer = func(int) (bool, error) { return true, nil }

	out := h.orch.OnDemandStart(context.Background(), "lobby", Demand{AutoStart: true})
	if out.Kind != AlreadyInState {
		t.Fatalf("outcome = %s", out)
	}
	if h.prober.calls.Load() != 1 {
		t.Fatalf("prober calls = %d", h.prober.calls.Load())
	}
}

func TestOnDemandIdleWithRemainingPlayers(t *testing.T) {
	h := newHarness(t, Settings{})

	if out := h.orch.OnDemandIdle("lobby", 3); out.Kind != AlreadyInState {
		t.Fatalf("outcome = %s", out)
	}
	if h.orch.scheduler.Len() != 0 {
		t.Fatal("timer armed while players remain")
	}
	if out := h.orch.OnDemandIdle("lobby", 0); out.Kind != Accepted {
		t.Fatalf("outcome = %s", out)
	}
}

func TestCloseCancelsPendingStops(t *testing.T) {
	h := newHarness(t, Settings{})

	h.orch.NotifyOccupantDeparted("lobby")
	h.drain(t)
	h.clk.Advance(time.Minute)

	assertCalls(t, h.ctrl.Calls())
	if out := h.orch.NotifyOccupantDeparted("lobby"); out.Kind != AlreadyInState {
		t.Fatalf("arm after close = %s", out)
	}
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t, Settings{})
	h.orch.NotifyOccupantDeparted("lobby")

	snap := h.orch.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot has %d servers", len(snap))
	}
	if snap[1].Name != "lobby" || !snap[1].StopPending || snap[1].StopAt == nil {
		t.Fatalf("lobby = %+v", snap[1])
	}
	if snap[0].Name != "creative" || !snap[0].RestoreEnabled {
		t.Fatalf("creative = %+v", snap[0])
	}
}

func TestConcurrentArrivalAndDepartureStayConsistent(t *testing.T) {
	h := newHarness(t, Settings{})

	for i := 0; i < 500; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.orch.NotifyOccupantDeparted("lobby")
		}()
		go func() {
			defer wg.Done()
			h.orch.NotifyOccupantArrived("lobby")
		}()
		wg.Wait()

		st, _ := h.orch.Status("lobby")
		if st.Occupied == st.StopPending {
			t.Fatalf("round %d: occupied=%v stop_pending=%v", i, st.Occupied, st.StopPending)
		}
	}
}

func TestIdleStopSkipsOccupiedServer(t *testing.T) {
	h := newHarness(t, Settings{})
	server, _ := h.orch.lookup("lobby")

	h.orch.NotifyOccupantArrived("lobby")
	if !h.orch.armIdleStop(server, 0) {
		t.Fatal("timer not armed")
	}
	h.clk.Advance(30 * time.Second)
	h.drain(t)

	assertCalls(t, h.ctrl.Calls())
	if st := h.state(t, "lobby"); st != models.StateActiveRunning {
		t.Fatalf("state = %s", st)
	}
}

func TestDepartureFromStoppedServerArmsNothing(t *testing.T) {
	h := newHarness(t, Settings{})

	if out := h.orch.RequestStop(context.Background(), "lobby"); out.Kind != Accepted {
		t.Fatalf("stop = %s", out)
	}
	out := h.orch.NotifyOccupantDeparted("lobby")
	if out.Kind != AlreadyInState {
		t.Fatalf("departed = %s", out)
	}
	if h.orch.scheduler.Len() != 0 {
		t.Fatal("idle stop armed for a stopped server")
	}
	if st := h.state(t, "lobby"); st != models.StateIdleOff {
		t.Fatalf("state = %s", st)
	}
}

func TestStopOutlivesCallerContext(t *testing.T) {
	h := newHarness(t, Settings{
		RestoreTimeout:      time.Minute,
		RestorePollInterval: 5 * time.Second,
	})
	h.ctrl.statuses = []models.PowerStatus{models.StatusRunning, models.StatusOffline}

	ctx, cancel := context.WithCancel(context.Background())
	done := async(func() Outcome { return h.orch.RequestStop(ctx, "creative") })

	// First offline check answered RUNNING; the poller now sleeps.
	h.clk.WaitForTimers(2)
	cancel()
	if out := await(t, done); out.Kind != Accepted {
		t.Fatalf("stop = %s", out)
	}

	h.clk.Advance(5 * time.Second)
	h.drain(t)

	assertCalls(t, h.ctrl.Calls(), "creative:stop", "creative:status", "creative:status", "creative:restore:bk-1")
	if st := h.state(t, "creative"); st != models.StateIdleOff {
		t.Fatalf("state = %s", st)
	}
}

func TestStopAfterCloseIsRefused(t *testing.T) {
	h := newHarness(t, Settings{})
	h.drain(t)

	out := h.orch.RequestStop(context.Background(), "lobby")
	if out.Kind != Failed || !errors.Is(out.Err, ErrClosed) {
		t.Fatalf("stop = %s", out)
	}
	assertCalls(t, h.ctrl.Calls())
}
