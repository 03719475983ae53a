// Package poll waits for a condition by re-checking it at a fixed interval
// until it holds or a deadline passes.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/payperplay/autopower/internal/clock"
	"github.com/payperplay/autopower/internal/power"
	"github.com/payperplay/autopower/pkg/logger"
)

// ErrTimeout is returned when the condition did not hold before the deadline.
var ErrTimeout = errors.New("timed out waiting for condition")

// CheckFunc reports whether the awaited condition holds. The context is
// cancelled once the wait completes, so a slow check may be abandoned.
type CheckFunc func(ctx context.Context) (bool, error)

// Result describes a finished wait
type Result struct {
	Attempts int
	Elapsed  time.Duration
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as non-retryable: the wait ends with it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || power.IsUnsupported(err)
}

// Poller runs bounded waits
type Poller struct {
	clock clock.Clock
	name  string
}

// New creates a poller. name labels log lines.
func New(clk clock.Clock, name string) *Poller {
	return &Poller{clock: clk, name: name}
}

type checkResult struct {
	ok  bool
	err error
}

// WaitUntil calls check immediately and then every interval until it
// reports true or timeout has elapsed since the call began. Errors from
// check count as "not yet" unless marked Permanent or ErrUnsupported.
//
// The wait completes exactly once. After it completes no further checks
// are started and the result of any check still running is discarded.
func (p *Poller) WaitUntil(ctx context.Context, check CheckFunc, interval, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		return Result{}, fmt.Errorf("%s: non-positive timeout: %w", p.name, ErrTimeout)
	}
	if interval <= 0 {
		interval = time.Second
	}

	start := p.clock.Now()
	deadline := start.Add(timeout)

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	expiry := p.clock.NewTimer(timeout)
	defer expiry.Stop()

	var res Result
	for {
		res.Attempts++
		results := make(chan checkResult, 1)
		go func() {
			ok, err := check(waitCtx)
			results <- checkResult{ok: ok, err: err}
		}()

		select {
		case r := <-results:
			if r.ok {
				res.Elapsed = p.clock.Now().Sub(start)
				return res, nil
			}
			if r.err != nil {
				if isPermanent(r.err) {
					res.Elapsed = p.clock.Now().Sub(start)
					return res, r.err
				}
				logger.Debug("Poll check failed, retrying", map[string]interface{}{
					"poll":    p.name,
					"attempt": res.Attempts,
					"error":   r.err.Error(),
				})
			}
		case <-expiry.C:
			return p.timedOut(res, start)
		case <-ctx.Done():
			res.Elapsed = p.clock.Now().Sub(start)
			return res, ctx.Err()
		}

		if !p.clock.Now().Before(deadline) {
			return p.timedOut(res, start)
		}

		next := p.clock.NewTimer(interval)
		select {
		case <-next.C:
		case <-expiry.C:
			next.Stop()
			return p.timedOut(res, start)
		case <-ctx.Done():
			next.Stop()
			res.Elapsed = p.clock.Now().Sub(start)
			return res, ctx.Err()
		}

		// The interval and the deadline can fire together; the deadline wins.
		if !p.clock.Now().Before(deadline) {
			return p.timedOut(res, start)
		}
	}
}

func (p *Poller) timedOut(res Result, start time.Time) (Result, error) {
	res.Elapsed = p.clock.Now().Sub(start)
	logger.Debug("Poll timed out", map[string]interface{}{
		"poll":     p.name,
		"attempts": res.Attempts,
		"elapsed":  res.Elapsed.String(),
	})
	return res, fmt.Errorf("%s after %d attempts in %s: %w", p.name, res.Attempts, res.Elapsed, ErrTimeout)
}
