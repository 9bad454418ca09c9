package orchestrator

import (
	"sync"

	"github.com/agentbrowser/toolgen/internal/events"
)

// recorderLimit caps how many events are retained per session.
const recorderLimit = 100

// EventRecorder is an events.EventSink that buffers the most recent events
// per session so late-joining clients can catch up via session.subscribe.
type EventRecorder struct {
	mu     sync.Mutex
	bySess map[string][]events.Event
}

// NewEventRecorder creates an empty recorder.
func NewEventRecorder() *EventRecorder {
	return &EventRecorder{bySess: make(map[string][]events.Event)}
}

// Send implements events.EventSink. It never blocks and never errors, so
// the bus never drops it as a slow consumer.
func (r *EventRecorder) Send(ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := append(r.bySess[ev.SessionID], ev)
	if len(buf) > recorderLimit {
		buf = buf[len(buf)-recorderLimit:]
	}
	r.bySess[ev.SessionID] = buf
	return nil
}

// EventsFor returns a copy of the buffered events for a session.
func (r *EventRecorder) EventsFor(sessionID string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := r.bySess[sessionID]
	out := make([]events.Event, len(buf))
	copy(out, buf)
	return out
}

// Drop discards the buffer for a session.
func (r *EventRecorder) Drop(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bySess, sessionID)
}
