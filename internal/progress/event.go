// Package progress defines the events emitted by fetch and drain runs.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart         Stage = "RUN_START"
	StageRunDone          Stage = "RUN_DONE"
	StageRunError         Stage = "RUN_ERROR"
	StagePageDone         Stage = "PAGE_DONE"
	StageDownloadStart    Stage = "DOWNLOAD_START"
	StageDownloadProgress Stage = "DOWNLOAD_PROGRESS"
	StageDownloadDone     Stage = "DOWNLOAD_DONE"
	StageDownloadError    Stage = "DOWNLOAD_ERROR"
)

// RunKind names the operation a run ID belongs to.
type RunKind string

// Run kinds.
const (
	RunFetch RunKind = "fetch"
	RunDrain RunKind = "drain"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single step of a fetch or drain run.
type Event struct {
	// RunID identifies one fetch or drain invocation.
	RunID [16]byte
	// Run is the kind of run that emitted the event.
	Run RunKind
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Site scopes page and download events to a host label.
	Site string
	// URL is the page or chapter URL.
	URL string
	// EntryID and ChapterID identify the queue entry being downloaded.
	EntryID   int64
	ChapterID int64
	// Bytes is the running byte count for downloads or the body size for pages.
	Bytes int64
	// Total is the expected download size when the server announced it.
	Total int64
	// StatusClass groups HTTP response codes.
	StatusClass StatusClass
	// Dur captures page latency, transfer time or run time.
	Dur time.Duration
	// Note carries a short message, usually error text or a file name.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
		if e.Run == "" {
			return errors.New("run events require a run kind")
		}
	case StagePageDone:
		if e.URL == "" {
			return errors.New("page done requires url")
		}
	case StageDownloadStart, StageDownloadProgress, StageDownloadDone, StageDownloadError:
		if e.EntryID == 0 {
			return fmt.Errorf("%s requires entry id", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Bytes < 0 {
		return errors.New("bytes must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}

// Nop discards events.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}
