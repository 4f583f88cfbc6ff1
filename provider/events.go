package provider

import (
	"context"

	"github.com/hashicorp/go-hclog"
)

// EventType classifies an audit event.
type EventType string

const (
	EventTypeSuccess EventType = "success"
	EventTypeFailure EventType = "failure"
)

// Event is a fire-and-forget audit notification. Events are a side channel:
// they never alter the synchronous result returned to the caller, and a
// failing sink never fails the request that raised the event.
type Event struct {
	// Category groups events by protocol surface ("token", "authorize",
	// "introspection", "device", "end_session", "consent").
	Category string

	// Name identifies the event within its category.
	Name string

	// Type is success or failure.
	Type EventType

	// ClientID is the client the event concerns, when known.
	ClientID string

	// SubjectID is the subject the event concerns, when known.
	SubjectID string

	// Message carries optional free-form detail.
	Message string
}

// EventSink receives audit events.
type EventSink interface {
	Raise(ctx context.Context, e Event) error
}

// LoggerEventSink writes events to an hclog.Logger. It's the default sink.
type LoggerEventSink struct {
	logger hclog.Logger
}

// ensure that LoggerEventSink implements the EventSink interface.
var _ EventSink = (*LoggerEventSink)(nil)

// NewLoggerEventSink creates a sink that logs events.
func NewLoggerEventSink(l hclog.Logger) *LoggerEventSink {
	if l == nil {
		l = hclog.NewNullLogger()
	}
	return &LoggerEventSink{logger: l}
}

// Raise logs the event.
func (s *LoggerEventSink) Raise(_ context.Context, e Event) error {
	args := []interface{}{
		"category", e.Category,
		"name", e.Name,
		"client_id", e.ClientID,
		"subject_id", e.SubjectID,
		"message", e.Message,
	}
	if e.Type == EventTypeFailure {
		s.logger.Warn("event", args...)
	} else {
		s.logger.Info("event", args...)
	}
	return nil
}

// raiseEvent delivers an event to the sink, logging (and otherwise
// swallowing) sink errors so they can never mask the primary result.
func raiseEvent(ctx context.Context, sink EventSink, logger hclog.Logger, e Event) {
	if sink == nil {
		return
	}
	if err := sink.Raise(ctx, e); err != nil && logger != nil {
		logger.Error("event sink failed", "category", e.Category, "name", e.Name, "error", err)
	}
}
