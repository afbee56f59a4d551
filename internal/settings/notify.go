package settings

import (
	"errors"
	"log/slog"

	"github.com/lorekeep/mcp-server-registry-go/pkg/mcpreg"
)

// Notifier is the user-facing notification surface. The desktop shell plugs
// in its toast implementation; headless callers fall back to LogNotifier.
type Notifier interface {
	Info(title, body string)
	Warn(title, body string)
	Error(title, body string)
}

// LogNotifier routes notifications to structured logging.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

func (n LogNotifier) Info(title, body string)  { n.logger().Info(title, "detail", body) }
func (n LogNotifier) Warn(title, body string)  { n.logger().Warn(title, "detail", body) }
func (n LogNotifier) Error(title, body string) { n.logger().Error(title, "detail", body) }

// NotifyOperationResult maps an operation error onto the notification
// severity users should see. A disabled backend is a configuration notice,
// never a fault, so it reports as a warning.
func NotifyOperationResult(n Notifier, operation string, err error) {
	switch {
	case err == nil:
		n.Info(operation, "completed")
	case errors.Is(err, mcpreg.ErrBackendDisabled):
		n.Warn(operation, "external tool connectivity is disabled in settings")
	case errors.Is(err, mcpreg.ErrNoServersConfigured):
		n.Warn(operation, "no tool servers are configured")
	case mcpreg.IsEnvironmentNotReady(err):
		n.Warn(operation, err.Error())
	default:
		n.Error(operation, err.Error())
	}
}

// Events publishes named application events the shell's event bus listens
// to, such as per-server status transitions.
type Events interface {
	Emit(name string, payload any)
}

// LogEvents routes application events to structured logging.
type LogEvents struct {
	Logger *slog.Logger
}

func (e LogEvents) Emit(name string, payload any) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("app event", "event", name, "payload", payload)
}

// EventServerStatus is emitted with a mcpreg.StatusEvent payload on every
// connection state transition.
const EventServerStatus = "mcp.server.status"

// ForwardStatusEvents subscribes the event bus to a registry's status
// transitions. The returned func cancels the subscription.
func ForwardStatusEvents(r *mcpreg.Registry, events Events) (unsubscribe func()) {
	return r.OnStatusChange(func(event mcpreg.StatusEvent) {
		events.Emit(EventServerStatus, event)
	})
}
