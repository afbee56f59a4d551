package mcpreg

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConnState is the lifecycle state of one managed server connection.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateError        ConnState = "error"
	StateReconnecting ConnState = "reconnecting"
)

// Status is the externally visible connection record for one server. Exactly
// one exists per known server id; unknown ids have none.
type Status struct {
	State           ConnState `json:"state"`
	LastError       string    `json:"lastError,omitempty"`
	LastConnectedAt time.Time `json:"lastConnectedAt,omitzero"`
}

// StatusEvent is published on every state transition. Events for one server
// arrive in transition order; no ordering is guaranteed across servers.
type StatusEvent struct {
	ServerID string
	Previous ConnState
	Status   Status
	At       time.Time
}

// StatusHandler receives status events. Handlers run on the publishing
// goroutine and must not block.
type StatusHandler func(StatusEvent)

// statusHub fans status events out to subscribers. Handlers are invoked
// outside the registry lock and panics in one handler never reach another.
type statusHub struct {
	mu       sync.RWMutex
	handlers map[string]StatusHandler
}

func newStatusHub() *statusHub {
	return &statusHub{handlers: make(map[string]StatusHandler)}
}

// subscribe registers a handler and returns its cancellation func.
func (h *statusHub) subscribe(fn StatusHandler) (unsubscribe func()) {
	id := uuid.NewString()
	h.mu.Lock()
	h.handlers[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.handlers, id)
		h.mu.Unlock()
	}
}

func (h *statusHub) publish(event StatusEvent) {
	h.mu.RLock()
	handlers := make([]StatusHandler, 0, len(h.handlers))
	for _, fn := range h.handlers {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()
	for _, fn := range handlers {
		func() {
			defer func() { _ = recover() }()
			fn(event)
		}()
	}
}
