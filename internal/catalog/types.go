// Package catalog defines the registry entities and the interfaces shared by
// the ingestion, queue and download subsystems.
package catalog

import (
	"errors"
	"time"
)

// Sentinel errors returned by Store implementations.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrPathRequired      = errors.New("download path is required when following")
)

// SeriesStatus is the follow classification of a series.
type SeriesStatus string

// Series status values. The zero value means the user has not decided yet.
const (
	SeriesUnset    SeriesStatus = ""
	SeriesFollowed SeriesStatus = "followed"
	SeriesIgnored  SeriesStatus = "ignored"
)

// Valid reports whether s is one of the known statuses.
func (s SeriesStatus) Valid() bool {
	switch s {
	case SeriesUnset, SeriesFollowed, SeriesIgnored:
		return true
	default:
		return false
	}
}

// QueueStatus represents the lifecycle state of a queue entry.
type QueueStatus string

// Queue status values persisted in the download queue.
const (
	QueuePending     QueueStatus = "pending"
	QueueDownloading QueueStatus = "downloading"
	QueueCompleted   QueueStatus = "completed"
	QueueFailed      QueueStatus = "failed"
)

// Terminal reports whether no further automatic transition leaves s.
func (s QueueStatus) Terminal() bool {
	return s == QueueCompleted || s == QueueFailed
}

// Resettable reports whether an operator reset may move s back to pending.
func (s QueueStatus) Resettable() bool {
	return s == QueueFailed || s == QueueDownloading
}

// Removable reports whether an entry in state s may be deleted.
func (s QueueStatus) Removable() bool {
	return s == QueuePending || s == QueueFailed
}

// Series is a tracked collection of chapters.
type Series struct {
	ID                    int64        `json:"id"`
	URL                   string       `json:"url"`
	Name                  string       `json:"name"`
	Status                SeriesStatus `json:"status"`
	DownloadPath          string       `json:"download_path,omitempty"`
	IncludeNameInFilename bool         `json:"include_name_in_filename"`
	Description           string       `json:"description,omitempty"`
	CoverURL              string       `json:"cover_url,omitempty"`
	Tags                  []string     `json:"tags,omitempty"`
	CreatedAt             time.Time    `json:"created_at"`
	UpdatedAt             time.Time    `json:"updated_at"`
}

// Followed reports whether downloads should be queued automatically.
func (s Series) Followed() bool { return s.Status == SeriesFollowed }

// Ignored reports whether new chapters should be dismissed automatically.
func (s Series) Ignored() bool { return s.Status == SeriesIgnored }

// Chapter is a single released item discovered on the release feed.
type Chapter struct {
	ID           int64      `json:"id"`
	URL          string     `json:"url"`
	Title        string     `json:"title"`
	SeriesID     *int64     `json:"series_id,omitempty"`
	ReleaseDate  *time.Time `json:"release_date,omitempty"`
	Authors      []string   `json:"authors,omitempty"`
	Tags         []string   `json:"tags,omitempty"`
	Volume       *int       `json:"volume,omitempty"`
	Processed    bool       `json:"processed"`
	Downloaded   bool       `json:"downloaded"`
	DownloadedAt *time.Time `json:"downloaded_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// QueueEntry is one admitted unit of download work tied to a chapter.
type QueueEntry struct {
	ID           int64       `json:"id"`
	ChapterID    int64       `json:"chapter_id"`
	Priority     int         `json:"priority"`
	AddedAt      time.Time   `json:"added_at"`
	Status       QueueStatus `json:"status"`
	ErrorMessage string      `json:"error_message,omitempty"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
}

// HistoryRecord is the durable evidence that a download slot was consumed.
type HistoryRecord struct {
	ID        int64     `json:"id"`
	ChapterID int64     `json:"chapter_id"`
	StartedAt time.Time `json:"started_at"`
}

// Page is a fetched HTML document.
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 { return &v }

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }
