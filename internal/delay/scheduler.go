// Package delay keeps at most one pending delayed action per key.
package delay

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/payperplay/autopower/internal/clock"
	"github.com/payperplay/autopower/pkg/logger"
)

// Action is the work run when a delay expires. It runs on the timer's
// goroutine, so anything slow should be dispatched asynchronously.
type Action func() error

type entry struct {
	generation uint64
	fireAt     time.Time
	timer      *clock.Timer
}

// Scheduler arms and cancels keyed delayed actions. Arming a key replaces
// whatever was pending for it.
type Scheduler struct {
	clock clock.Clock

	mu         sync.Mutex
	pending    map[string]*entry
	generation uint64
	stopped    bool
}

// NewScheduler creates a scheduler driven by clk
func NewScheduler(clk clock.Clock) *Scheduler {
	return &Scheduler{
		clock:   clk,
		pending: make(map[string]*entry),
	}
}

// Arm cancels any pending action for key and schedules action to run once
// after delay. A non-positive delay schedules nothing and leaves any
// existing entry untouched. Arm reports whether a new action was scheduled.
func (s *Scheduler) Arm(key string, delay time.Duration, action Action) bool {
	if delay <= 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}

	if prev, ok := s.pending[key]; ok {
		prev.timer.Stop()
		delete(s.pending, key)
	}

	s.generation++
	e := &entry{
		generation: s.generation,
		fireAt:     s.clock.Now().Add(delay),
	}
	s.pending[key] = e
	gen := e.generation
	e.timer = s.clock.AfterFunc(delay, func() { s.fire(key, gen, action) })

	logger.Debug("Delayed action armed", map[string]interface{}{
		"key":     key,
		"delay":   delay.String(),
		"fire_at": e.fireAt.Format(time.RFC3339),
	})
	return true
}

// Cancel removes the pending action for key. It is safe to call when
// nothing is pending and reports whether an action was cancelled.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.pending, key)

	logger.Debug("Delayed action cancelled", map[string]interface{}{
		"key": key,
	})
	return true
}

// Pending returns when the action for key will run.
func (s *Scheduler) Pending(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[key]
	if !ok {
		return time.Time{}, false
	}
	return e.fireAt, true
}

// Len returns the number of pending actions
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Keys returns the keys with a pending action, sorted.
func (s *Scheduler) Keys() []string {
	s.mu.Lock()
	keys := make([]string, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Stop cancels every pending action. Later calls to Arm are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.pending {
		e.timer.Stop()
		delete(s.pending, key)
	}
	s.stopped = true
}

func (s *Scheduler) fire(key string, gen uint64, action Action) {
	s.mu.Lock()
	e, ok := s.pending[key]
	if !ok || e.generation != gen {
		// Superseded or cancelled between the timer firing and here.
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	s.mu.Unlock()

	if err := run(action); err != nil {
		logger.Error("Delayed action failed", err, map[string]interface{}{
			"key": key,
		})
	}
}

func run(action Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delayed action panicked: %v", r)
		}
	}()
	return action()
}
