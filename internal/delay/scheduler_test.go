package delay

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/payperplay/autopower/internal/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) action(name string) Action {
	return func() error {
		r.mu.Lock()
		r.calls = append(r.calls, name)
		r.mu.Unlock()
		return nil
	}
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestMostRecentArmWins(t *testing.T) {
	clk := clock.Fake(epoch)
	s := NewScheduler(clk)
	rec := &recorder{}

	s.Arm("lobby", 10*time.Second, rec.action("A"))
	clk.Advance(3 * time.Second)
	s.Arm("lobby", 10*time.Second, rec.action("B"))

	// t=10s: A's original deadline must not run anything.
	clk.Advance(7 * time.Second)
	if calls := rec.got(); len(calls) != 0 {
		t.Fatalf("superseded action ran: %v", calls)
	}

	// t=13s: only B.
	clk.Advance(3 * time.Second)
	if calls := rec.got(); len(calls) != 1 || calls[0] != "B" {
		t.Fatalf("calls = %v, want [B]", calls)
	}
	if s.Len() != 0 {
		t.Fatalf("slot not cleared after fire, Len=%d", s.Len())
	}
}

func TestCancelBeforeFire(t *testing.T) {
	clk := clock.Fake(epoch)
	s := NewScheduler(clk)
	rec := &recorder{}

	s.Arm("lobby", 10*time.Second, rec.action("A"))
	clk.Advance(5 * time.Second)
	if !s.Cancel("lobby") {
		t.Fatal("Cancel reported nothing pending")
	}
	clk.Advance(time.Minute)

	if calls := rec.got(); len(calls) != 0 {
		t.Fatalf("cancelled action ran: %v", calls)
	}
}

func TestCancelAfterFireIsNoop(t *testing.T) {
	clk := clock.Fake(epoch)
	s := NewScheduler(clk)
	rec := &recorder{}

	s.Arm("lobby", time.Second, rec.action("A"))
	clk.Advance(time.Second)

	if s.Cancel("lobby") || s.Cancel("lobby") {
		t.Fatal("Cancel after fire should report false")
	}
	if calls := rec.got(); len(calls) != 1 {
		t.Fatalf("calls = %v, want exactly one", calls)
	}
}

func TestArmNonPositiveDelay(t *testing.T) {
	clk := clock.Fake(epoch)
	s := NewScheduler(clk)
	rec := &recorder{}

	s.Arm("lobby", 10*time.Second, rec.action("A"))
	if s.Arm("lobby", 0, rec.action("B")) || s.Arm("lobby", -time.Second, rec.action("C")) {
		t.Fatal("non-positive delay reported as armed")
	}
	if _, ok := s.Pending("lobby"); !ok {
		t.Fatal("non-positive arm disturbed the existing entry")
	}

	clk.Advance(10 * time.Second)
	if calls := rec.got(); len(calls) != 1 || calls[0] != "A" {
		t.Fatalf("calls = %v, want [A]", calls)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	clk := clock.Fake(epoch)
	s := NewScheduler(clk)
	rec := &recorder{}

	s.Arm("lobby", 5*time.Second, rec.action("lobby"))
	s.Arm("survival", 10*time.Second, rec.action("survival"))
	s.Cancel("lobby")

	if keys := s.Keys(); len(keys) != 1 || keys[0] != "survival" {
		t.Fatalf("Keys() = %v", keys)
	}
	fireAt, ok := s.Pending("survival")
	if !ok || !fireAt.Equal(epoch.Add(10*time.Second)) {
		t.Fatalf("Pending = %v, %v", fireAt, ok)
	}

	clk.Advance(10 * time.Second)
	if calls := rec.got(); len(calls) != 1 || calls[0] != "survival" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestActionErrorsAndPanicsAreContained(t *testing.T) {
	clk := clock.Fake(epoch)
	s := NewScheduler(clk)

	s.Arm("a", time.Second, func() error { return errors.New("panel down") })
	s.Arm("b", time.Second, func() error { panic("boom") })
	clk.Advance(time.Second)

	rec := &recorder{}
	s.Arm("a", time.Second, rec.action("again"))
	clk.Advance(time.Second)
	if calls := rec.got(); len(calls) != 1 {
		t.Fatalf("scheduler unusable after failing actions: %v", calls)
	}
}

func TestStopCancelsEverything(t *testing.T) {
	clk := clock.Fake(epoch)
	s := NewScheduler(clk)
	rec := &recorder{}

	s.Arm("a", time.Second, rec.action("a"))
	s.Arm("b", time.Second, rec.action("b"))
	s.Stop()
	if s.Arm("c", time.Second, rec.action("c")) {
		t.Fatal("Arm accepted after Stop")
	}

	clk.Advance(time.Minute)
	if calls := rec.got(); len(calls) != 0 {
		t.Fatalf("actions ran after Stop: %v", calls)
	}
}

func TestConcurrentArmCancel(t *testing.T) {
	clk := clock.Fake(epoch)
	s := NewScheduler(clk)
	rec := &recorder{}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Arm("lobby", 10*time.Second, rec.action("x"))
		}()
		go func() {
			defer wg.Done()
			s.Cancel("lobby")
		}()
	}
	wg.Wait()

	if s.Len() > 1 {
		t.Fatalf("more than one pending entry for a key: %d", s.Len())
	}
	clk.Advance(10 * time.Second)
	if calls := rec.got(); len(calls) > 1 {
		t.Fatalf("action ran %d times", len(calls))
	}
}
