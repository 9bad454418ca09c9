package events

import "sync"

// ChannelSink delivers events into a bounded channel. Send never blocks:
// when the buffer is full it reports ErrSlowConsumer, after Close it
// reports ErrSinkClosed. The transport that created the sink is the one
// that closes it.
type ChannelSink struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{ch: make(chan Event, buffer)}
}

// Events returns the receive side of the sink.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Send attempts a non-blocking delivery.
func (s *ChannelSink) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.ch <- ev:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close marks the sink closed and closes the event channel. Safe to call
// more than once.
func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
