package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/project5001/harvestd/internal/harvest"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (c *captureSink) Name() string { return "capture" }

func (c *captureSink) Consume(_ context.Context, batch []Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, batch...)
	return nil
}

func (c *captureSink) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *captureSink) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func validEvent(stage Stage) Event {
	evt := Event{
		RunID:    uuid.New(),
		TS:       time.Now().UTC(),
		Stage:    stage,
		SourceID: "src-1",
		DeviceID: "dev-a",
		Outcome:  harvest.OutcomeSuccess,
		Signal:   harvest.SignalHTTP429,
	}
	return evt
}

func TestHubDeliversEventsToSinks(t *testing.T) {
	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchWait: 10 * time.Millisecond}, sink)

	hub.Emit(validEvent(StageUnitStart))
	hub.Emit(validEvent(StageFetchDone))

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Close(context.Background()))
	require.True(t, sink.closed)
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchWait: 10 * time.Millisecond}, sink)

	hub.Emit(Event{Stage: StageUnitStart}) // missing run id and timestamp
	hub.Emit(validEvent(StageRunStart))

	require.NoError(t, hub.Close(context.Background()))
	events := sink.snapshot()
	require.Len(t, events, 1)
	require.Equal(t, StageRunStart, events[0].Stage)
}

func TestHubCloseFlushesTail(t *testing.T) {
	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchWait: time.Hour}, sink)

	for i := 0; i < 10; i++ {
		hub.Emit(validEvent(StageUnitDone))
	}
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.snapshot(), 10)
}

func TestHubDropsOnBackpressure(t *testing.T) {
	blocking := &captureSink{}
	hub := NewHub(Config{BufferSize: 1, MaxBatchWait: time.Hour}, blocking)

	for i := 0; i < 50; i++ {
		hub.Emit(validEvent(StageUnitStart))
	}
	require.Positive(t, hub.Dropped())
	require.NoError(t, hub.Close(context.Background()))
}

func TestEventValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Event)
		wantErr bool
	}{
		{"valid fetch done", func(*Event) {}, false},
		{"missing run id", func(e *Event) { e.RunID = uuid.Nil }, true},
		{"missing timestamp", func(e *Event) { e.TS = time.Time{} }, true},
		{"unknown stage", func(e *Event) { e.Stage = "WAT" }, true},
		{"fetch done without device", func(e *Event) { e.DeviceID = "" }, true},
		{"negative duration", func(e *Event) { e.Dur = -time.Second }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			evt := validEvent(StageFetchDone)
			tc.mutate(&evt)
			err := evt.Validate()
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestRateLimitedRequiresSignal(t *testing.T) {
	evt := validEvent(StageRateLimited)
	evt.Signal = ""
	require.Error(t, evt.Validate())
}
