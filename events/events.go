// Package events implements the best-effort, in-process event publishing
// described in section 6 ("Emitted events") and design note "Event
// publishing": the source's publishAsync fire-and-forget corresponds to
// enqueueing to an in-process sink that is not required to be durable.
package events

import (
	"context"
	"time"
)

// Name enumerates the emitted event types from section 6.
type Name string

const (
	JobCreated    Name = "JobCreated"
	JobCompleted  Name = "JobCompleted"
	JobFailed     Name = "JobFailed"
	TaskCompleted Name = "TaskCompleted"
	TaskFailed    Name = "TaskFailed"
)

// Event is a single emitted occurrence. Fields beyond Name/JobID are
// carried in Data since each event name has a different natural payload.
type Event struct {
	Name      Name
	JobID     string
	At        time.Time
	Data      map[string]any
}

// Sink is the publishing contract every component depends on. Publish must
// not block the caller on slow downstream consumers; implementations are
// expected to buffer or drop rather than apply back-pressure to the
// job-processing hot path.
type Sink interface {
	Publish(ctx context.Context, e Event)
}

// ChannelSink is a buffered, best-effort in-process sink. Publish never
// blocks: when the buffer is full the event is dropped, matching section
// 6's "best-effort, at-least-once within-process" contract (at-least-once
// while the buffer has room; dropped under sustained overload rather than
// exerting back-pressure on job processing).
type ChannelSink struct {
	ch chan Event
}

// NewChannelSink creates a ChannelSink with the given buffer capacity.
func NewChannelSink(capacity int) *ChannelSink {
	return &ChannelSink{ch: make(chan Event, capacity)}
}

// Publish enqueues e, dropping it silently if the buffer is full.
func (s *ChannelSink) Publish(ctx context.Context, e Event) {
	select {
	case s.ch <- e:
	default:
	}
}

// Events exposes the channel for a consumer goroutine to range over.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Close stops accepting further consumption by closing the channel. Callers
// must ensure no concurrent Publish calls are in flight.
func (s *ChannelSink) Close() {
	close(s.ch)
}

// CapturingSink records every published event for use in tests.
type CapturingSink struct {
	mu     chan struct{}
	events []Event
}

// NewCapturingSink creates an empty CapturingSink.
func NewCapturingSink() *CapturingSink {
	return &CapturingSink{mu: make(chan struct{}, 1)}
}

func (s *CapturingSink) lock()   { s.mu <- struct{}{} }
func (s *CapturingSink) unlock() { <-s.mu }

// Publish records e.
func (s *CapturingSink) Publish(ctx context.Context, e Event) {
	s.lock()
	defer s.unlock()
	s.events = append(s.events, e)
}

// Events returns a snapshot of every event recorded so far.
func (s *CapturingSink) Events() []Event {
	s.lock()
	defer s.unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// CountByName returns how many recorded events have the given name, handy
// for asserting "callback sent exactly once" style properties.
func (s *CapturingSink) CountByName(name Name) int {
	s.lock()
	defer s.unlock()
	n := 0
	for _, e := range s.events {
		if e.Name == name {
			n++
		}
	}
	return n
}

// NoopSink discards every event; useful as a default when the caller does
// not care about observability of best-effort events.
type NoopSink struct{}

func (NoopSink) Publish(ctx context.Context, e Event) {}
