package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TestHubBatchBySize verifies the hub flushes once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent(StageRunStart)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies small batches are flushed on the tick.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageRunStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlocking asserts Emit never blocks, even with nobody reading.
func TestHubEmitNonBlocking(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		events:  make(chan Event),
		logger:  zap.NewNop(),
		dropLog: &rate.Sometimes{Interval: time.Minute},
	}
	start := time.Now()
	hub.Emit(sampleEvent(StageRunStart))
	hub.Emit(sampleEvent(StageRunStart))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, int64(1), hub.dropped.Load(), "first drop is logged and reset, second is counted")
}

// TestHubFlushOnClose ensures Close drains buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(sampleEvent(StageRunStart))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	assert.True(t, sink.Closed())

	hub.Emit(sampleEvent(StageRunDone))
	require.NoError(t, hub.Close(context.Background()), "second close only waits")
	require.Len(t, sink.Batches(), 1, "events after close are ignored")
}

func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchWait: time.Minute}, sink)
	hub.Emit(Event{Stage: StageRunStart})
	hub.Emit(Event{RunID: UUIDToBytes(uuid.New()), TS: time.Now(), Stage: StageDownloadDone})
	require.NoError(t, hub.Close(context.Background()))
	assert.Empty(t, sink.Batches())
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	base := Event{RunID: UUIDToBytes(uuid.New()), TS: time.Now(), Run: RunDrain}
	cases := map[string]struct {
		mutate func(*Event)
		ok     bool
	}{
		"run start":              {func(e *Event) { e.Stage = StageRunStart }, true},
		"run without kind":       {func(e *Event) { e.Stage = StageRunDone; e.Run = "" }, false},
		"page without url":       {func(e *Event) { e.Stage = StagePageDone }, false},
		"page with url":          {func(e *Event) { e.Stage = StagePageDone; e.URL = "https://x/chapters/added" }, true},
		"download without entry": {func(e *Event) { e.Stage = StageDownloadProgress }, false},
		"download with entry":    {func(e *Event) { e.Stage = StageDownloadProgress; e.EntryID = 3 }, true},
		"negative duration":      {func(e *Event) { e.Stage = StageRunDone; e.Dur = -time.Second }, false},
		"unknown stage":          {func(e *Event) { e.Stage = "NOPE" }, false},
		"negative byte count":    {func(e *Event) { e.Stage = StageRunDone; e.Bytes = -1 }, false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			evt := base
			tc.mutate(&evt)
			if tc.ok {
				require.NoError(t, evt.Validate())
			} else {
				require.Error(t, evt.Validate())
			}
		})
	}
}

func TestReporterStampsRun(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchWait: time.Minute}, sink)
	id := uuid.New()
	fixed := time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC)
	reporter := NewReporter(hub, RunFetch, id, func() time.Time { return fixed })

	reporter.Emit(Event{Stage: StageRunStart})
	require.NoError(t, hub.Close(context.Background()))

	require.Len(t, sink.Batches(), 1)
	got := sink.Batches()[0][0]
	assert.Equal(t, id, got.RunUUID())
	assert.Equal(t, RunFetch, got.Run)
	assert.True(t, got.TS.Equal(fixed))
	assert.Equal(t, id, reporter.RunID())

	NewReporter(nil, RunDrain, id, nil).Emit(Event{Stage: StageRunStart})
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Status2xx, ClassifyStatus(204))
	assert.Equal(t, Status3xx, ClassifyStatus(302))
	assert.Equal(t, Status4xx, ClassifyStatus(429))
	assert.Equal(t, Status5xx, ClassifyStatus(503))
	assert.Equal(t, StatusOther, ClassifyStatus(0))
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(stage Stage) Event {
	return Event{
		RunID: UUIDToBytes(uuid.New()),
		Run:   RunFetch,
		TS:    time.Now(),
		Stage: stage,
	}
}
