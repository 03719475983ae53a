package lifecycle

import (
	"errors"
	"fmt"
	"time"
)

// OutcomeKind classifies the result of a lifecycle request
type OutcomeKind string

const (
	Accepted                OutcomeKind = "accepted"
	AlreadyInState          OutcomeKind = "already_in_state"
	Failed                  OutcomeKind = "failed"
	TimedOutWaitingForReady OutcomeKind = "timed_out_waiting_for_ready"
)

var (
	// ErrNotManaged is returned for servers missing from the server table
	ErrNotManaged = errors.New("server is not managed by the power controller")

	// ErrNotPermitted is returned when a joining player may not start the server
	ErrNotPermitted = errors.New("player is not permitted to start this server")

	// ErrManualStartRequired is returned when the player may start the
	// server but automatic start is not granted. The proxy prompts the
	// player to start it explicitly.
	ErrManualStartRequired = errors.New("server is offline and must be started manually")

	// ErrClosed is returned once the orchestrator is shutting down
	ErrClosed = errors.New("power lifecycle controller is shutting down")
)

// Trigger records why a start or stop was requested
type Trigger string

const (
	TriggerDemand   Trigger = "demand"
	TriggerOperator Trigger = "operator"
	TriggerIdle     Trigger = "idle"
)

// Outcome is the result of a lifecycle operation
type Outcome struct {
	Kind   OutcomeKind `json:"kind"`
	Server string      `json:"server"`
	Reason string      `json:"reason,omitempty"`
	Err    error       `json:"-"`

	// Set when a readiness wait ran
	ReadyAfter time.Duration `json:"ready_after,omitempty"`
	Attempts   int           `json:"attempts,omitempty"`
}

func (o Outcome) String() string {
	if o.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", o.Server, o.Kind, o.Reason, o.Err)
	}
	return fmt.Sprintf("%s %s: %s", o.Server, o.Kind, o.Reason)
}

// OK reports whether the request took effect or needed no action
func (o Outcome) OK() bool {
	return o.Kind == Accepted || o.Kind == AlreadyInState
}

func accepted(server, reason string) Outcome {
	return Outcome{Kind: Accepted, Server: server, Reason: reason}
}

func already(server, reason string) Outcome {
	return Outcome{Kind: AlreadyInState, Server: server, Reason: reason}
}

func failed(server, reason string, err error) Outcome {
	return Outcome{Kind: Failed, Server: server, Reason: reason, Err: err}
}
