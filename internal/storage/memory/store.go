// Package memory provides an in-memory catalog.Store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/dsdown/internal/catalog"
)

// Store keeps the registry, queue and history in maps guarded by one lock.
type Store struct {
	mu sync.RWMutex

	series       map[int64]catalog.Series
	seriesByURL  map[string]int64
	chapters     map[int64]catalog.Chapter
	chapterByURL map[string]int64
	entries      map[int64]catalog.QueueEntry
	entryByChap  map[int64]int64
	history      []catalog.HistoryRecord

	nextSeries  int64
	nextChapter int64
	nextEntry   int64
}

var _ catalog.Store = (*Store)(nil)

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		series:       make(map[int64]catalog.Series),
		seriesByURL:  make(map[string]int64),
		chapters:     make(map[int64]catalog.Chapter),
		chapterByURL: make(map[string]int64),
		entries:      make(map[int64]catalog.QueueEntry),
		entryByChap:  make(map[int64]int64),
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// GetSeries fetches a series by ID.
func (s *Store) GetSeries(_ context.Context, id int64) (catalog.Series, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series, ok := s.series[id]
	if !ok {
		return catalog.Series{}, fmt.Errorf("series %d: %w", id, catalog.ErrNotFound)
	}
	return cloneSeries(series), nil
}

// GetSeriesByURL fetches a series by its source URL.
func (s *Store) GetSeriesByURL(_ context.Context, url string) (catalog.Series, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.seriesByURL[url]
	if !ok {
		return catalog.Series{}, fmt.Errorf("series %s: %w", url, catalog.ErrNotFound)
	}
	return cloneSeries(s.series[id]), nil
}

// EnsureSeries returns the series for url, creating it when missing.
func (s *Store) EnsureSeries(_ context.Context, url, name string, at time.Time) (catalog.Series, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.seriesByURL[url]; ok {
		return cloneSeries(s.series[id]), nil
	}
	s.nextSeries++
	series := catalog.Series{
		ID:                    s.nextSeries,
		URL:                   url,
		Name:                  name,
		IncludeNameInFilename: true,
		CreatedAt:             at,
		UpdatedAt:             at,
	}
	s.series[series.ID] = series
	s.seriesByURL[url] = series.ID
	return cloneSeries(series), nil
}

// UpdateSeries replaces the mutable fields of an existing series.
func (s *Store) UpdateSeries(_ context.Context, series catalog.Series) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.series[series.ID]
	if !ok {
		return fmt.Errorf("series %d: %w", series.ID, catalog.ErrNotFound)
	}
	series.URL = current.URL
	series.CreatedAt = current.CreatedAt
	s.series[series.ID] = cloneSeries(series)
	return nil
}

// ListSeries returns series matching status ordered by name.
func (s *Store) ListSeries(_ context.Context, status catalog.SeriesStatus) ([]catalog.Series, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]catalog.Series, 0, len(s.series))
	for _, series := range s.series {
		if status != catalog.SeriesUnset && series.Status != status {
			continue
		}
		out = append(out, cloneSeries(series))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if a != b {
			return a < b
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetChapter fetches a chapter by ID.
func (s *Store) GetChapter(_ context.Context, id int64) (catalog.Chapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chapter, ok := s.chapters[id]
	if !ok {
		return catalog.Chapter{}, fmt.Errorf("chapter %d: %w", id, catalog.ErrNotFound)
	}
	return cloneChapter(chapter), nil
}

// GetChapterByURL fetches a chapter by its source URL.
func (s *Store) GetChapterByURL(_ context.Context, url string) (catalog.Chapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.chapterByURL[url]
	if !ok {
		return catalog.Chapter{}, fmt.Errorf("chapter %s: %w", url, catalog.ErrNotFound)
	}
	return cloneChapter(s.chapters[id]), nil
}

// CreateChapter inserts a new chapter.
func (s *Store) CreateChapter(_ context.Context, chapter catalog.Chapter) (catalog.Chapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.chapterByURL[chapter.URL]; exists {
		return catalog.Chapter{}, fmt.Errorf("chapter %s: %w", chapter.URL, catalog.ErrAlreadyExists)
	}
	if chapter.SeriesID != nil {
		if _, ok := s.series[*chapter.SeriesID]; !ok {
			return catalog.Chapter{}, fmt.Errorf("series %d: %w", *chapter.SeriesID, catalog.ErrNotFound)
		}
	}
	s.nextChapter++
	chapter.ID = s.nextChapter
	s.chapters[chapter.ID] = cloneChapter(chapter)
	s.chapterByURL[chapter.URL] = chapter.ID
	return cloneChapter(chapter), nil
}

// SetChapterVolume records the volume number of a chapter.
func (s *Store) SetChapterVolume(_ context.Context, id int64, volume int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chapter, ok := s.chapters[id]
	if !ok {
		return fmt.Errorf("chapter %d: %w", id, catalog.ErrNotFound)
	}
	chapter.Volume = catalog.IntPtr(volume)
	s.chapters[id] = chapter
	return nil
}

// MarkProcessed flags the chapters as handled. Unknown IDs are an error and
// leave every chapter untouched.
func (s *Store) MarkProcessed(_ context.Context, ids ...int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if _, ok := s.chapters[id]; !ok {
			return fmt.Errorf("chapter %d: %w", id, catalog.ErrNotFound)
		}
	}
	for _, id := range ids {
		chapter := s.chapters[id]
		chapter.Processed = true
		s.chapters[id] = chapter
	}
	return nil
}

// ListUnprocessed returns chapters awaiting a decision, newest release first.
func (s *Store) ListUnprocessed(_ context.Context) ([]catalog.Chapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []catalog.Chapter
	for _, chapter := range s.chapters {
		if !chapter.Processed {
			out = append(out, cloneChapter(chapter))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].ReleaseDate, out[j].ReleaseDate
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.After(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// Enqueue adds a pending entry for the chapter unless one already exists.
func (s *Store) Enqueue(_ context.Context, chapterID int64, priority int, at time.Time) (catalog.QueueEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chapter, ok := s.chapters[chapterID]
	if !ok {
		return catalog.QueueEntry{}, false, fmt.Errorf("chapter %d: %w", chapterID, catalog.ErrNotFound)
	}
	if id, exists := s.entryByChap[chapterID]; exists {
		return s.entries[id], false, nil
	}
	s.nextEntry++
	entry := catalog.QueueEntry{
		ID:        s.nextEntry,
		ChapterID: chapterID,
		Priority:  priority,
		AddedAt:   at,
		Status:    catalog.QueuePending,
	}
	s.entries[entry.ID] = entry
	s.entryByChap[chapterID] = entry.ID
	chapter.Processed = true
	s.chapters[chapterID] = chapter
	return entry, true, nil
}

// GetEntry fetches a queue entry by ID.
func (s *Store) GetEntry(_ context.Context, id int64) (catalog.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[id]
	if !ok {
		return catalog.QueueEntry{}, fmt.Errorf("queue entry %d: %w", id, catalog.ErrNotFound)
	}
	return entry, nil
}

// GetEntryByChapter fetches the queue entry of a chapter.
func (s *Store) GetEntryByChapter(_ context.Context, chapterID int64) (catalog.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.entryByChap[chapterID]
	if !ok {
		return catalog.QueueEntry{}, fmt.Errorf("queue entry for chapter %d: %w", chapterID, catalog.ErrNotFound)
	}
	return s.entries[id], nil
}

// ListEntries returns entries with any of the statuses in drain order.
func (s *Store) ListEntries(_ context.Context, statuses ...catalog.QueueStatus) ([]catalog.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[catalog.QueueStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []catalog.QueueEntry
	for _, entry := range s.entries {
		if len(want) == 0 || want[entry.Status] {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.AddedAt.Equal(b.AddedAt) {
			return a.AddedAt.Before(b.AddedAt)
		}
		return a.ID < b.ID
	})
	return out, nil
}

// BeginDownload appends a history record and marks the entry downloading.
func (s *Store) BeginDownload(_ context.Context, entryID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[entryID]
	if !ok {
		return fmt.Errorf("queue entry %d: %w", entryID, catalog.ErrNotFound)
	}
	if entry.Status != catalog.QueuePending {
		return fmt.Errorf("begin %s entry %d: %w", entry.Status, entryID, catalog.ErrInvalidTransition)
	}
	s.history = append(s.history, catalog.HistoryRecord{
		ID:        int64(len(s.history) + 1),
		ChapterID: entry.ChapterID,
		StartedAt: at,
	})
	entry.Status = catalog.QueueDownloading
	entry.StartedAt = catalog.TimePtr(at)
	entry.CompletedAt = nil
	entry.ErrorMessage = ""
	s.entries[entryID] = entry
	return nil
}

// FinishDownload moves a downloading entry to a terminal status.
func (s *Store) FinishDownload(
	_ context.Context,
	entryID int64,
	status catalog.QueueStatus,
	errMsg string,
	at time.Time,
) error {
	if !status.Terminal() {
		return fmt.Errorf("finish with %s: %w", status, catalog.ErrInvalidTransition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[entryID]
	if !ok {
		return fmt.Errorf("queue entry %d: %w", entryID, catalog.ErrNotFound)
	}
	if entry.Status != catalog.QueueDownloading {
		return fmt.Errorf("finish %s entry %d: %w", entry.Status, entryID, catalog.ErrInvalidTransition)
	}
	entry.Status = status
	entry.ErrorMessage = errMsg
	entry.CompletedAt = catalog.TimePtr(at)
	s.entries[entryID] = entry
	if status == catalog.QueueCompleted {
		chapter := s.chapters[entry.ChapterID]
		chapter.Downloaded = true
		chapter.Processed = true
		chapter.DownloadedAt = catalog.TimePtr(at)
		s.chapters[entry.ChapterID] = chapter
	}
	return nil
}

// ResetEntry moves a failed or interrupted entry back to pending.
func (s *Store) ResetEntry(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("queue entry %d: %w", id, catalog.ErrNotFound)
	}
	if !entry.Status.Resettable() {
		return fmt.Errorf("reset %s entry %d: %w", entry.Status, id, catalog.ErrInvalidTransition)
	}
	entry.Status = catalog.QueuePending
	entry.ErrorMessage = ""
	entry.StartedAt = nil
	entry.CompletedAt = nil
	s.entries[id] = entry
	return nil
}

// RemoveEntry deletes a pending or failed entry.
func (s *Store) RemoveEntry(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("queue entry %d: %w", id, catalog.ErrNotFound)
	}
	if !entry.Status.Removable() {
		return fmt.Errorf("remove %s entry %d: %w", entry.Status, id, catalog.ErrInvalidTransition)
	}
	delete(s.entries, id)
	delete(s.entryByChap, entry.ChapterID)
	return nil
}

// CountStartsSince counts history records at or after since.
func (s *Store) CountStartsSince(_ context.Context, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, rec := range s.history {
		if !rec.StartedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// OldestStartSince returns the earliest history record at or after since.
func (s *Store) OldestStartSince(_ context.Context, since time.Time) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var oldest time.Time
	found := false
	for _, rec := range s.history {
		if rec.StartedAt.Before(since) {
			continue
		}
		if !found || rec.StartedAt.Before(oldest) {
			oldest = rec.StartedAt
			found = true
		}
	}
	return oldest, found, nil
}

// History returns a copy of every history record in insertion order.
func (s *Store) History() []catalog.HistoryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]catalog.HistoryRecord(nil), s.history...)
}

// RecordStart appends a history record without touching the queue. Tests use
// it to seed the rolling window.
func (s *Store) RecordStart(chapterID int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, catalog.HistoryRecord{
		ID:        int64(len(s.history) + 1),
		ChapterID: chapterID,
		StartedAt: at,
	})
}

func cloneSeries(s catalog.Series) catalog.Series {
	s.Tags = cloneStrings(s.Tags)
	return s
}

func cloneChapter(c catalog.Chapter) catalog.Chapter {
	c.Authors = cloneStrings(c.Authors)
	c.Tags = cloneStrings(c.Tags)
	if c.SeriesID != nil {
		c.SeriesID = catalog.Int64Ptr(*c.SeriesID)
	}
	if c.Volume != nil {
		c.Volume = catalog.IntPtr(*c.Volume)
	}
	if c.ReleaseDate != nil {
		c.ReleaseDate = catalog.TimePtr(*c.ReleaseDate)
	}
	if c.DownloadedAt != nil {
		c.DownloadedAt = catalog.TimePtr(*c.DownloadedAt)
	}
	return c
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
