package sinks

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/dsdown/internal/progress"
)

// RunState is the lifecycle of a tracked run.
type RunState string

// Run states.
const (
	RunRunning RunState = "running"
	RunSuccess RunState = "success"
	RunError   RunState = "error"
)

// Transfer is the live state of an archive download.
type Transfer struct {
	EntryID   int64     `json:"entry_id"`
	ChapterID int64     `json:"chapter_id"`
	URL       string    `json:"url,omitempty"`
	Title     string    `json:"title,omitempty"`
	Bytes     int64     `json:"bytes"`
	Total     int64     `json:"total,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// RunSnapshot summarises the latest run of one kind.
type RunSnapshot struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	State      RunState   `json:"state"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Pages      int        `json:"pages,omitempty"`
	Downloaded int        `json:"downloaded,omitempty"`
	Failed     int        `json:"failed,omitempty"`
	Error      string     `json:"error,omitempty"`
	Current    *Transfer  `json:"current,omitempty"`
}

// SnapshotSink keeps the most recent run of each kind in memory so status
// endpoints can report what is happening without touching the store.
type SnapshotSink struct {
	mu   sync.RWMutex
	runs map[progress.RunKind]*RunSnapshot
}

// NewSnapshotSink returns an empty SnapshotSink.
func NewSnapshotSink() *SnapshotSink {
	return &SnapshotSink{runs: make(map[progress.RunKind]*RunSnapshot)}
}

// Consume folds batch into the snapshots.
func (s *SnapshotSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		s.apply(evt)
	}
	return nil
}

func (s *SnapshotSink) apply(evt progress.Event) {
	id := evt.RunUUID().String()
	if evt.Stage == progress.StageRunStart {
		s.runs[evt.Run] = &RunSnapshot{ID: id, Kind: string(evt.Run), State: RunRunning, StartedAt: evt.TS}
		return
	}
	run, ok := s.runs[evt.Run]
	if !ok || run.ID != id {
		// Events from a run whose start was dropped or superseded.
		return
	}
	switch evt.Stage {
	case progress.StagePageDone:
		run.Pages++
	case progress.StageDownloadStart:
		run.Current = &Transfer{
			EntryID:   evt.EntryID,
			ChapterID: evt.ChapterID,
			URL:       evt.URL,
			Title:     evt.Note,
			StartedAt: evt.TS,
		}
	case progress.StageDownloadProgress:
		if run.Current != nil && run.Current.EntryID == evt.EntryID {
			run.Current.Bytes = evt.Bytes
			run.Current.Total = evt.Total
		}
	case progress.StageDownloadDone:
		run.Downloaded++
		run.Current = nil
	case progress.StageDownloadError:
		run.Failed++
		run.Current = nil
	case progress.StageRunDone, progress.StageRunError:
		finished := evt.TS
		run.FinishedAt = &finished
		run.Current = nil
		run.State = RunSuccess
		if evt.Stage == progress.StageRunError {
			run.State = RunError
			run.Error = evt.Note
		}
	}
}

// Snapshot returns copies of the tracked runs keyed by kind.
func (s *SnapshotSink) Snapshot() map[string]RunSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]RunSnapshot, len(s.runs))
	for kind, run := range s.runs {
		cp := *run
		if run.Current != nil {
			current := *run.Current
			cp.Current = &current
		}
		out[string(kind)] = cp
	}
	return out
}

// Close implements the Sink interface; it performs no action.
func (s *SnapshotSink) Close(context.Context) error {
	return nil
}
