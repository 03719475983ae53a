package power

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported marks an operation the panel cannot perform. It is a
	// capability gap, never a transient failure.
	ErrUnsupported = errors.New("operation not supported by power controller")

	// ErrControllerNotFound is returned when no controller is registered
	// under the requested name.
	ErrControllerNotFound = errors.New("power controller not registered")
)

// TransportError wraps a failure to reach the panel at all.
type TransportError struct {
	Op     string
	Server string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: panel unreachable: %v", e.Op, e.Server, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RejectionError is a response from the panel that did not indicate success.
type RejectionError struct {
	Op         string
	Server     string
	StatusCode int
	Body       string
}

func (e *RejectionError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: panel rejected request: status %d", e.Op, e.Server, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: panel rejected request: status %d, body: %s", e.Op, e.Server, e.StatusCode, e.Body)
}

// IsTransport reports whether err is, or wraps, a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsRejection reports whether err is, or wraps, a RejectionError.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}

// IsUnsupported reports whether err wraps ErrUnsupported.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}

// Kind names the error class for logs and metric labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsUnsupported(err):
		return "unsupported"
	case IsRejection(err):
		return "rejected"
	case IsTransport(err):
		return "transport"
	default:
		return "error"
	}
}
