package relayservice

import "sync"

// EventKind names a state transition the client surfaces to applications.
type EventKind string

const (
	EventRegistrationStateChanged   EventKind = "registration-state-changed"
	EventDeregistrationStateChanged EventKind = "deregistration-state-changed"
	EventLocalIdentityChanged       EventKind = "local-identity-changed"
	EventQueueEmpty                 EventKind = "queue-empty"
	EventSocketConnected            EventKind = "socket-connected"
	EventSocketDisconnected         EventKind = "socket-disconnected"
)

// Event carries a notification and an optional detail string.
type Event struct {
	Kind   EventKind
	Detail string
}

// Notifier fans events out to registered observers. Observers run on the
// emitting goroutine and should return quickly.
type Notifier struct {
	mu        sync.Mutex
	observers []func(Event)
}

func (n *Notifier) Observe(fn func(Event)) {
	n.mu.Lock()
	n.observers = append(n.observers, fn)
	n.mu.Unlock()
}

func (n *Notifier) Emit(ev Event) {
	n.mu.Lock()
	obs := make([]func(Event), len(n.observers))
	copy(obs, n.observers)
	n.mu.Unlock()
	for _, fn := range obs {
		fn(ev)
	}
}
