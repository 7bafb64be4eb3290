package events

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// recordingSink collects events for assertions in other packages' tests too.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(_ context.Context, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func TestEmit_NilSinkIsSafe(t *testing.T) {
	Emit(context.Background(), nil, "run-1", "mutate", PhaseStarted, nil)
}

func TestEmit_PublishesEvent(t *testing.T) {
	sink := &recordingSink{}
	Emit(context.Background(), sink, "run-1", "mutate", PhaseOK, map[string]any{"files": 2})

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	assert.Equal(t, "run-1", ev.RunID)
	assert.Equal(t, "mutate", ev.Step)
	assert.Equal(t, PhaseOK, ev.Phase)
	assert.Equal(t, 2, ev.Payload["files"])
	assert.False(t, ev.Time.IsZero())
}

func TestLogSink_Publish(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	sink.Publish(context.Background(), Event{RunID: "r", Step: "commit", Phase: PhaseFailed})

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "pipeline event", entry.Message)
	assert.Equal(t, "failed", entry.ContextMap()["phase"])
}

func TestNewNATSSink_RequiresConn(t *testing.T) {
	_, err := NewNATSSink(nil, "", nil)
	require.Error(t, err)
}
