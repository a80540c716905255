package warden

import (
	"context"
	"log/slog"
	"time"
)

// EventType identifies a session lifecycle change.
type EventType string

const (
	EventCreated EventType = "session.created"
	EventDeleted EventType = "session.deleted"
	// EventExpired is a deletion caused by the session running past its
	// max inactive interval.
	EventExpired EventType = "session.expired"
)

// Event is a session lifecycle notification.
type Event struct {
	Type      EventType
	SessionID string
	Time      time.Time
}

// IsDeletion reports whether the event removed a session, for any reason.
func (e Event) IsDeletion() bool {
	return e.Type == EventDeleted || e.Type == EventExpired
}

// EventSink receives lifecycle events. Publish is called synchronously
// from the operation that caused the event and must not block for long.
type EventSink interface {
	Publish(ctx context.Context, e Event)
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(ctx context.Context, e Event)

// Publish calls f.
func (f EventSinkFunc) Publish(ctx context.Context, e Event) { f(ctx, e) }

// LogEventSink writes events to a structured logger at debug level.
type LogEventSink struct {
	Logger *slog.Logger
}

// Publish logs the event.
func (s LogEventSink) Publish(ctx context.Context, e Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.DebugContext(ctx, "session event",
		slog.String("event", string(e.Type)),
		slog.String("session_id", e.SessionID),
	)
}

// MultiEventSink fans an event out to several sinks in order.
type MultiEventSink []EventSink

// Publish forwards e to every sink.
func (m MultiEventSink) Publish(ctx context.Context, e Event) {
	for _, s := range m {
		s.Publish(ctx, e)
	}
}
