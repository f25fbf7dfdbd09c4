package sinks

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/progress"

	events "github.com/JakeFAU/dsdown/internal/progress"
)

// TerminalSink renders one progress bar per archive transfer. It is meant for
// interactive CLI drains; servers use the log and snapshot sinks instead.
type TerminalSink struct {
	mu       sync.Mutex
	writer   progress.Writer
	trackers map[int64]*progress.Tracker
	started  bool
}

// NewTerminalSink renders to out.
func NewTerminalSink(out io.Writer) *TerminalSink {
	pw := progress.NewWriter()
	pw.SetOutputWriter(out)
	pw.SetAutoStop(false)
	pw.SetTrackerLength(30)
	pw.SetMessageLength(40)
	pw.SetUpdateFrequency(100 * time.Millisecond)
	pw.SetStyle(progress.StyleDefault)
	pw.Style().Visibility.ETA = true
	pw.Style().Visibility.Speed = true
	return &TerminalSink{writer: pw, trackers: make(map[int64]*progress.Tracker)}
}

// Consume maps download events onto trackers.
func (s *TerminalSink) Consume(_ context.Context, batch []events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		switch evt.Stage {
		case events.StageDownloadStart:
			s.ensureRendering()
			msg := evt.Note
			if msg == "" {
				msg = fmt.Sprintf("chapter %d", evt.ChapterID)
			}
			tracker := &progress.Tracker{Message: msg, Units: progress.UnitsBytes}
			s.trackers[evt.EntryID] = tracker
			s.writer.AppendTracker(tracker)
		case events.StageDownloadProgress:
			if tracker, ok := s.trackers[evt.EntryID]; ok {
				if evt.Total > 0 && tracker.Total != evt.Total {
					tracker.UpdateTotal(evt.Total)
				}
				tracker.SetValue(evt.Bytes)
			}
		case events.StageDownloadDone:
			if tracker, ok := s.trackers[evt.EntryID]; ok {
				tracker.SetValue(evt.Bytes)
				tracker.MarkAsDone()
				delete(s.trackers, evt.EntryID)
			}
		case events.StageDownloadError:
			if tracker, ok := s.trackers[evt.EntryID]; ok {
				tracker.MarkAsErrored()
				delete(s.trackers, evt.EntryID)
			}
		case events.StageRunDone, events.StageRunError:
			for id, tracker := range s.trackers {
				tracker.MarkAsErrored()
				delete(s.trackers, id)
			}
		}
	}
	return nil
}

func (s *TerminalSink) ensureRendering() {
	if s.started {
		return
	}
	s.started = true
	go s.writer.Render()
}

// Close stops the renderer after flushing the final frame.
func (s *TerminalSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.writer.Stop()
		s.started = false
	}
	return nil
}
