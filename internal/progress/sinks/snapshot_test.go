package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dsdown/internal/progress"
)

func TestSnapshotSinkFollowsDrain(t *testing.T) {
	t.Parallel()

	sink := NewSnapshotSink()
	ctx := context.Background()
	runID := progress.UUIDToBytes(uuid.New())
	ts := time.Date(2026, time.April, 1, 9, 0, 0, 0, time.UTC)
	drain := func(stage progress.Stage, entry int64, mutate func(*progress.Event)) progress.Event {
		evt := progress.Event{RunID: runID, Run: progress.RunDrain, TS: ts, Stage: stage, EntryID: entry, ChapterID: entry * 10}
		if mutate != nil {
			mutate(&evt)
		}
		return evt
	}

	require.NoError(t, sink.Consume(ctx, []progress.Event{
		drain(progress.StageRunStart, 0, nil),
		drain(progress.StageDownloadStart, 1, func(e *progress.Event) { e.Note = "A ch01" }),
		drain(progress.StageDownloadProgress, 1, func(e *progress.Event) { e.Bytes, e.Total = 512, 1024 }),
	}))

	snap := sink.Snapshot()["drain"]
	assert.Equal(t, RunRunning, snap.State)
	require.NotNil(t, snap.Current)
	assert.Equal(t, int64(1), snap.Current.EntryID)
	assert.Equal(t, "A ch01", snap.Current.Title)
	assert.Equal(t, int64(512), snap.Current.Bytes)
	assert.Equal(t, int64(1024), snap.Current.Total)

	require.NoError(t, sink.Consume(ctx, []progress.Event{
		drain(progress.StageDownloadDone, 1, nil),
		drain(progress.StageDownloadStart, 2, nil),
		drain(progress.StageDownloadError, 2, nil),
		drain(progress.StageRunError, 0, func(e *progress.Event) { e.Note = "drain cancelled" }),
	}))

	snap = sink.Snapshot()["drain"]
	assert.Equal(t, RunError, snap.State)
	assert.Equal(t, "drain cancelled", snap.Error)
	assert.Equal(t, 1, snap.Downloaded)
	assert.Equal(t, 1, snap.Failed)
	assert.Nil(t, snap.Current)
	require.NotNil(t, snap.FinishedAt)
}

func TestSnapshotSinkIgnoresStaleRuns(t *testing.T) {
	t.Parallel()

	sink := NewSnapshotSink()
	ctx := context.Background()
	older := progress.UUIDToBytes(uuid.New())
	newer := progress.UUIDToBytes(uuid.New())
	now := time.Now()

	require.NoError(t, sink.Consume(ctx, []progress.Event{
		{RunID: older, Run: progress.RunFetch, TS: now, Stage: progress.StageRunStart},
		{RunID: newer, Run: progress.RunFetch, TS: now, Stage: progress.StageRunStart},
		{RunID: older, Run: progress.RunFetch, TS: now, Stage: progress.StagePageDone, URL: "https://x/chapters/added"},
		{RunID: newer, Run: progress.RunFetch, TS: now, Stage: progress.StageRunDone},
	}))

	snap := sink.Snapshot()
	require.Contains(t, snap, "fetch")
	assert.Equal(t, uuid.UUID(newer).String(), snap["fetch"].ID)
	assert.Zero(t, snap["fetch"].Pages)
	assert.Equal(t, RunSuccess, snap["fetch"].State)
	assert.NotContains(t, snap, "drain")
}
