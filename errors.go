package emf

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	// ErrClosed is returned by Accept once the sink has been shut down.
	ErrClosed = errors.New("emf: sink is shut down")
	// ErrQueueFull is reported when a record is shed because the queue is at capacity.
	ErrQueueFull = errors.New("emf: queue is full")
	// ErrInvalidEndpoint is returned at construction for a malformed connection string.
	ErrInvalidEndpoint = errors.New("emf: invalid endpoint")
	// ErrNilSink is returned when an async sink is given nothing to wrap.
	ErrNilSink = errors.New("emf: must specify a sink to wrap")
	// ErrUnsupportedRecord is returned by sinks that need a structured document.
	ErrUnsupportedRecord = errors.New("emf: unsupported record type")

	ErrConnectionRefused = errors.New("emf: connection refused")
	ErrConnectionClosed  = errors.New("emf: connection closed")
	ErrConnectTimeout    = errors.New("emf: connect timeout")
	// ErrConnectFailed covers dial failures with no more specific kind, such
	// as an unresolvable host or an unreachable network.
	ErrConnectFailed = errors.New("emf: connect failed")
	ErrWriteTimeout      = errors.New("emf: write timeout")
)

// TransportError describes a failed network operation against the agent.
// Kind is one of the Err* sentinels above, or nil for unclassified failures.
type TransportError struct {
	Op   string
	Addr string
	Kind error
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

// Unwrap exposes both the classification and the cause to errors.Is/As.
func (e *TransportError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// newTransportError classifies a raw error from dial or write.
func newTransportError(op, addr string, err error) *TransportError {
	return &TransportError{Op: op, Addr: addr, Kind: classifyNetError(op, err), Err: err}
}

func classifyNetError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.ECONNREFUSED):
		return ErrConnectionRefused
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.EOF),
		errors.Is(err, net.ErrClosed):
		return ErrConnectionClosed
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		if op == "dial" {
			return ErrConnectTimeout
		}
		return ErrWriteTimeout
	}
	if op == "dial" {
		return ErrConnectFailed
	}
	return nil
}

// isReconnectable reports whether the failure means the connection is gone
// or could not be opened, so the handle is discarded and the caller backs off.
func isReconnectable(err error) bool {
	return errors.Is(err, ErrConnectionRefused) ||
		errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, ErrConnectFailed)
}
