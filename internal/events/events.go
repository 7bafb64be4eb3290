// Package events defines the lifecycle event sink the pipeline publishes to.
//
// The core emits discrete step events (started, ok, failed, done) through an
// injected Sink; delivery, retry and connection management belong to the
// external notification collaborator. There is no process-wide hub.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Phase is the lifecycle phase of a step event.
type Phase string

const (
	PhaseStarted Phase = "started"
	PhaseOK      Phase = "ok"
	PhaseFailed  Phase = "failed"
	PhaseDone    Phase = "done"
)

// Event is a single pipeline lifecycle event.
type Event struct {
	// RunID identifies the pipeline run the event belongs to.
	RunID string `json:"run_id"`

	// Step is the free-text step name, e.g. "mutate" or "promotion.merge".
	Step string `json:"step"`

	// Phase is the lifecycle phase.
	Phase Phase `json:"phase"`

	// Payload carries step-specific details.
	Payload map[string]any `json:"payload,omitempty"`

	// Time is when the event was emitted.
	Time time.Time `json:"time"`
}

// Sink receives pipeline lifecycle events.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

// NopSink discards all events.
type NopSink struct{}

// Publish implements Sink.
func (NopSink) Publish(context.Context, Event) {}

// LogSink writes events to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink logging events at info level.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Publish implements Sink.
func (s *LogSink) Publish(_ context.Context, ev Event) {
	s.logger.Info("pipeline event",
		zap.String("run_id", ev.RunID),
		zap.String("step", ev.Step),
		zap.String("phase", string(ev.Phase)),
		zap.Any("payload", ev.Payload),
	)
}

// NATSSink publishes events as JSON messages on a NATS subject.
//
// Publish failures are logged and dropped: event delivery is best-effort
// and must never fail a pipeline run.
type NATSSink struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewNATSSink creates a NATS-backed sink. Subject defaults to
// "shipgate.events" when empty.
func NewNATSSink(conn *nats.Conn, subject string, logger *zap.Logger) (*NATSSink, error) {
	if conn == nil {
		return nil, fmt.Errorf("nats connection is required")
	}
	if subject == "" {
		subject = "shipgate.events"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSSink{conn: conn, subject: subject, logger: logger}, nil
}

// Publish implements Sink.
func (s *NATSSink) Publish(_ context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("failed to marshal event", zap.Error(err))
		return
	}
	if err := s.conn.Publish(s.subject, data); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("subject", s.subject),
			zap.Error(err),
		)
	}
}

// Emit is a convenience helper constructing and publishing an event.
func Emit(ctx context.Context, sink Sink, runID, step string, phase Phase, payload map[string]any) {
	if sink == nil {
		return
	}
	sink.Publish(ctx, Event{
		RunID:   runID,
		Step:    step,
		Phase:   phase,
		Payload: payload,
		Time:    time.Now(),
	})
}
