// Package events provides the in-process publish/subscribe bus that fans
// session progress out to live observers. Delivery is best-effort and
// at-most-once: a stalled subscriber loses events rather than stalling
// the publisher.
package events

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Well-known event types published by the workflow orchestrator.
const (
	TypeStatusUpdate     = "status-update"
	TypeAgentProgress    = "agent-progress"
	TypeToolExecuted     = "tool-executed"
	TypeToolsGenerated   = "tools-generated"
	TypeSessionCancelled = "session-cancelled"
)

var (
	// ErrSinkClosed is returned by a sink whose consumer has gone away.
	// The bus unsubscribes the owning subscriber when it sees this.
	ErrSinkClosed = errors.New("event sink closed")

	// ErrSlowConsumer is returned by a sink when delivery would block.
	// The event is dropped; the subscription stays alive.
	ErrSlowConsumer = errors.New("event sink full")
)

// Event is one progress notification for a session.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Status    string         `json:"status,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// EventSink is the outbound side of a subscriber connection. The transport
// layer that created the sink owns its teardown; the bus only delivers.
type EventSink interface {
	Send(Event) error
}

// Subscriber represents one live observer of a session's events.
type Subscriber struct {
	SessionID string
	sink      EventSink
}

// Bus maintains the registry of live subscribers keyed by session ID.
// All registry mutation happens under one mutex so concurrent
// subscribe/unsubscribe/publish never corrupts the subscriber set.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscriber]struct{}
	logger *slog.Logger
}

// NewBus creates an empty event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string]map[*Subscriber]struct{}),
		logger: logger,
	}
}

// Subscribe registers sink as an observer of the given session.
func (b *Bus) Subscribe(sessionID string, sink EventSink) *Subscriber {
	sub := &Subscriber{SessionID: sessionID, sink: sink}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[*Subscriber]struct{})
	}
	b.subs[sessionID][sub] = struct{}{}

	b.logger.Debug("subscriber attached", "session_id", sessionID)
	return sub
}

// Unsubscribe removes a subscriber. Calling it more than once, or with a
// subscriber that was already removed, is a no-op.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sub.SessionID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.SessionID)
	}
	b.logger.Debug("subscriber detached", "session_id", sub.SessionID)
}

// Publish delivers an event to every subscriber of the session. Publishing
// to a session with no subscribers is a no-op. Delivery never blocks: a
// full sink drops the event, a closed or failing sink is unsubscribed.
func (b *Bus) Publish(sessionID string, ev Event) {
	ev.SessionID = sessionID
	b.deliver(b.snapshot(sessionID), ev)
}

// BroadcastAll delivers an event to every subscriber of every session.
func (b *Bus) BroadcastAll(ev Event) {
	b.mu.RLock()
	var all []*Subscriber
	for _, set := range b.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	b.mu.RUnlock()

	b.deliver(all, ev)
}

// SubscriberCount returns the number of live subscribers for a session.
func (b *Bus) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}

// ActiveSessions lists sessions that currently have at least one subscriber.
func (b *Bus) ActiveSessions() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sessions := make([]string, 0, len(b.subs))
	for id := range b.subs {
		sessions = append(sessions, id)
	}
	return sessions
}

func (b *Bus) snapshot(sessionID string) []*Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	set := b.subs[sessionID]
	if len(set) == 0 {
		return nil
	}
	targets := make([]*Subscriber, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	return targets
}

func (b *Bus) deliver(targets []*Subscriber, ev Event) {
	if len(targets) == 0 {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	for _, sub := range targets {
		err := sub.sink.Send(ev)
		switch {
		case err == nil:
		case errors.Is(err, ErrSlowConsumer):
			b.logger.Warn("dropping event for slow subscriber",
				"session_id", sub.SessionID,
				"event_type", ev.Type,
			)
		default:
			// Closed or otherwise broken sink: remove the subscriber.
			b.logger.Info("removing failed subscriber",
				"session_id", sub.SessionID,
				"error", err,
			)
			b.Unsubscribe(sub)
		}
	}
}
