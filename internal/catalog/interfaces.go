package catalog

import (
	"context"
	"time"
)

// SeriesStore persists Series rows.
type SeriesStore interface {
	GetSeries(ctx context.Context, id int64) (Series, error)
	GetSeriesByURL(ctx context.Context, url string) (Series, error)
	// EnsureSeries returns the series identified by url, creating it with name
	// when it does not exist yet.
	EnsureSeries(ctx context.Context, url, name string, at time.Time) (Series, error)
	UpdateSeries(ctx context.Context, series Series) error
	// ListSeries returns series with the given status ordered by name. An
	// empty status lists every series.
	ListSeries(ctx context.Context, status SeriesStatus) ([]Series, error)
}

// ChapterStore persists Chapter rows.
type ChapterStore interface {
	GetChapter(ctx context.Context, id int64) (Chapter, error)
	GetChapterByURL(ctx context.Context, url string) (Chapter, error)
	// CreateChapter inserts a chapter and returns it with its ID populated. It
	// returns ErrAlreadyExists when the URL is already registered.
	CreateChapter(ctx context.Context, chapter Chapter) (Chapter, error)
	SetChapterVolume(ctx context.Context, id int64, volume int) error
	MarkProcessed(ctx context.Context, ids ...int64) error
	// ListUnprocessed returns chapters awaiting a decision, newest release first.
	ListUnprocessed(ctx context.Context) ([]Chapter, error)
}

// QueueStore persists the download queue and the download history.
type QueueStore interface {
	// Enqueue adds a pending entry for the chapter and marks it processed. When
	// an entry already exists it is returned unchanged with created=false.
	Enqueue(ctx context.Context, chapterID int64, priority int, at time.Time) (entry QueueEntry, created bool, err error)
	GetEntry(ctx context.Context, id int64) (QueueEntry, error)
	GetEntryByChapter(ctx context.Context, chapterID int64) (QueueEntry, error)
	// ListEntries returns entries in drain order (priority desc, added_at asc).
	// No statuses means every entry.
	ListEntries(ctx context.Context, statuses ...QueueStatus) ([]QueueEntry, error)
	// BeginDownload records a history row and moves a pending entry to
	// downloading in one transaction.
	BeginDownload(ctx context.Context, entryID int64, at time.Time) error
	// FinishDownload moves a downloading entry to completed or failed. A
	// completed entry also marks its chapter downloaded.
	FinishDownload(ctx context.Context, entryID int64, status QueueStatus, errMsg string, at time.Time) error
	// ResetEntry moves a failed entry, or one left downloading by an
	// interrupted drain, back to pending.
	ResetEntry(ctx context.Context, id int64) error
	// RemoveEntry deletes a pending or failed entry. History is untouched.
	RemoveEntry(ctx context.Context, id int64) error
	CountStartsSince(ctx context.Context, since time.Time) (int, error)
	// OldestStartSince returns the earliest history timestamp at or after since.
	OldestStartSince(ctx context.Context, since time.Time) (time.Time, bool, error)
}

// Store is the full registry contract.
type Store interface {
	SeriesStore
	ChapterStore
	QueueStore
	Close() error
}

// Fetcher retrieves HTML pages from the catalog site.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
