package mcpreg

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for conditions callers are expected to branch on.
var (
	// ErrBackendDisabled reports that the connectivity feature is switched
	// off at the application level. It is distinct from any single server
	// being unreachable and should surface as a soft warning, not a fault.
	ErrBackendDisabled = errors.New("mcpreg: tool connectivity is disabled")

	// ErrTimeout reports that an operation exceeded the configured timeout.
	ErrTimeout = errors.New("mcpreg: operation timed out")

	// ErrRateLimited reports that a tool invocation was rejected by the
	// per-server admission budget.
	ErrRateLimited = errors.New("mcpreg: rate limit exceeded")

	// ErrUnknownServer reports an operation against an unregistered id.
	ErrUnknownServer = errors.New("mcpreg: unknown server")

	// ErrNoServersConfigured reports a bulk operation against an empty
	// server set. Like ErrBackendDisabled it is a configuration notice, not
	// a fault.
	ErrNoServersConfigured = errors.New("mcpreg: no servers configured")

	// ErrBuiltinServer reports an attempt to delete or rename the built-in
	// server.
	ErrBuiltinServer = errors.New("mcpreg: built-in server is read-only")
)

// ConnectError reports a failure to reach a tool server: the transport was
// unreachable or the subprocess could not be spawned.
type ConnectError struct {
	ServerID string
	// EnvNotReady marks failures where the executable or package manager for
	// a stdio server could not be resolved at all, so connecting would hang
	// or fail in an unhelpful way. Consumers show an "environment not ready"
	// hint instead of a generic connection error.
	EnvNotReady bool
	Err         error
}

func (e *ConnectError) Error() string {
	if e.EnvNotReady {
		return fmt.Sprintf("mcpreg: environment not ready for %q: %v", e.ServerID, e.Err)
	}
	return fmt.Sprintf("mcpreg: connect %q: %v", e.ServerID, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// IsEnvironmentNotReady reports whether err is a ConnectError caused by an
// unresolvable command or package manager.
func IsEnvironmentNotReady(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce) && ce.EnvNotReady
}

// ProtocolError reports a malformed or unexpected response from a server.
type ProtocolError struct {
	ServerID string
	Method   string
	Err      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mcpreg: protocol error from %q during %s: %v", e.ServerID, e.Method, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// classify maps context deadline expiry onto ErrTimeout so callers never have
// to inspect context errors directly. Other errors pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
