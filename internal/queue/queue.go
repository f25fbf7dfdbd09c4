// Package queue implements the admission-controlled download queue. The
// global budget is derived from persisted download history, so restarts never
// reset it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/dsdown/internal/catalog"
)

// Defaults for the rolling budget.
const (
	DefaultMaxPerWindow = 8
	DefaultWindow       = 24 * time.Hour
)

// ErrRateLimited is returned when the rolling window has no free slot.
var ErrRateLimited = errors.New("download budget exhausted")

// RateLimitError carries the time the next slot frees up.
type RateLimitError struct {
	NextSlotAt time.Time
}

func (e *RateLimitError) Error() string {
	if e.NextSlotAt.IsZero() {
		return ErrRateLimited.Error()
	}
	return fmt.Sprintf("%s: next slot at %s", ErrRateLimited, e.NextSlotAt.Format(time.RFC3339))
}

// Unwrap lets errors.Is match ErrRateLimited.
func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Config controls the budget.
type Config struct {
	MaxPerWindow int
	Window       time.Duration
}

// Status is a point-in-time view of the budget.
type Status struct {
	MaxPerWindow int           `json:"max_per_window"`
	Window       time.Duration `json:"window"`
	Used         int           `json:"used"`
	Available    int           `json:"available"`
	NextSlotAt   time.Time     `json:"next_slot_at,omitempty"`
}

// Queue wraps a QueueStore with the sliding-window admission policy.
type Queue struct {
	store  catalog.QueueStore
	clock  catalog.Clock
	max    int
	window time.Duration
	logger *zap.Logger
}

// New builds a Queue. Zero config values fall back to the defaults; a
// negative MaxPerWindow disables downloads entirely.
func New(store catalog.QueueStore, clock catalog.Clock, cfg Config, logger *zap.Logger) *Queue {
	maxPerWindow := cfg.MaxPerWindow
	if maxPerWindow == 0 {
		maxPerWindow = DefaultMaxPerWindow
	}
	if maxPerWindow < 0 {
		maxPerWindow = 0
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{store: store, clock: clock, max: maxPerWindow, window: window, logger: logger}
}

// Window returns the configured window length.
func (q *Queue) Window() time.Duration { return q.window }

// MaxPerWindow returns the configured budget.
func (q *Queue) MaxPerWindow() int { return q.max }

func (q *Queue) windowStart() time.Time {
	return q.clock.Now().Add(-q.window)
}

// AvailableSlots returns how many downloads may start now.
func (q *Queue) AvailableSlots(ctx context.Context) (int, error) {
	used, err := q.store.CountStartsSince(ctx, q.windowStart())
	if err != nil {
		return 0, fmt.Errorf("count recent downloads: %w", err)
	}
	return max(0, q.max-used), nil
}

// NextSlotAt returns when the oldest start in the window expires. It returns
// the zero time when a slot is already free.
func (q *Queue) NextSlotAt(ctx context.Context) (time.Time, error) {
	status, err := q.Status(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return status.NextSlotAt, nil
}

// Status reports usage of the rolling window.
func (q *Queue) Status(ctx context.Context) (Status, error) {
	since := q.windowStart()
	used, err := q.store.CountStartsSince(ctx, since)
	if err != nil {
		return Status{}, fmt.Errorf("count recent downloads: %w", err)
	}
	st := Status{
		MaxPerWindow: q.max,
		Window:       q.window,
		Used:         used,
		Available:    max(0, q.max-used),
	}
	if st.Available > 0 {
		return st, nil
	}
	oldest, ok, err := q.store.OldestStartSince(ctx, since)
	if err != nil {
		return Status{}, fmt.Errorf("oldest recent download: %w", err)
	}
	if ok {
		st.NextSlotAt = oldest.Add(q.window)
	}
	return st, nil
}

// Enqueue adds the chapter at priority. Re-adding returns the existing entry
// unchanged with created=false.
func (q *Queue) Enqueue(ctx context.Context, chapterID int64, priority int) (catalog.QueueEntry, bool, error) {
	entry, created, err := q.store.Enqueue(ctx, chapterID, priority, q.clock.Now())
	if err != nil {
		return catalog.QueueEntry{}, false, fmt.Errorf("enqueue chapter %d: %w", chapterID, err)
	}
	if created {
		q.logger.Info("chapter queued",
			zap.Int64("chapter_id", chapterID),
			zap.Int64("entry_id", entry.ID),
			zap.Int("priority", priority),
		)
	}
	return entry, created, nil
}

// Admit returns up to AvailableSlots pending entries in drain order.
func (q *Queue) Admit(ctx context.Context) ([]catalog.QueueEntry, error) {
	slots, err := q.AvailableSlots(ctx)
	if err != nil {
		return nil, err
	}
	if slots == 0 {
		return nil, nil
	}
	pending, err := q.store.ListEntries(ctx, catalog.QueuePending)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	if len(pending) > slots {
		pending = pending[:slots]
	}
	return pending, nil
}

// Begin consumes a slot for the entry: the history record and the move to
// downloading are written together. It fails with a *RateLimitError when the
// window is full.
func (q *Queue) Begin(ctx context.Context, entryID int64) error {
	st, err := q.Status(ctx)
	if err != nil {
		return err
	}
	if st.Available == 0 {
		return &RateLimitError{NextSlotAt: st.NextSlotAt}
	}
	if err := q.store.BeginDownload(ctx, entryID, q.clock.Now()); err != nil {
		return fmt.Errorf("begin entry %d: %w", entryID, err)
	}
	return nil
}

// Complete marks a downloading entry completed and its chapter downloaded.
func (q *Queue) Complete(ctx context.Context, entryID int64) error {
	if err := q.store.FinishDownload(ctx, entryID, catalog.QueueCompleted, "", q.clock.Now()); err != nil {
		return fmt.Errorf("complete entry %d: %w", entryID, err)
	}
	return nil
}

// Fail marks a downloading entry failed with cause's message. Failed entries
// stay failed until an operator resets them.
func (q *Queue) Fail(ctx context.Context, entryID int64, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if err := q.store.FinishDownload(ctx, entryID, catalog.QueueFailed, msg, q.clock.Now()); err != nil {
		return fmt.Errorf("fail entry %d: %w", entryID, err)
	}
	return nil
}

// Reset moves a failed or interrupted entry back to pending.
func (q *Queue) Reset(ctx context.Context, entryID int64) error {
	if err := q.store.ResetEntry(ctx, entryID); err != nil {
		return fmt.Errorf("reset entry %d: %w", entryID, err)
	}
	q.logger.Info("queue entry reset", zap.Int64("entry_id", entryID))
	return nil
}

// Remove deletes a pending or failed entry. History is kept.
func (q *Queue) Remove(ctx context.Context, entryID int64) error {
	if err := q.store.RemoveEntry(ctx, entryID); err != nil {
		return fmt.Errorf("remove entry %d: %w", entryID, err)
	}
	q.logger.Info("queue entry removed", zap.Int64("entry_id", entryID))
	return nil
}

// List returns live entries (pending and downloading) in drain order.
func (q *Queue) List(ctx context.Context) ([]catalog.QueueEntry, error) {
	entries, err := q.store.ListEntries(ctx, catalog.QueuePending, catalog.QueueDownloading)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	return entries, nil
}

// ListFailed returns failed entries in drain order.
func (q *Queue) ListFailed(ctx context.Context) ([]catalog.QueueEntry, error) {
	entries, err := q.store.ListEntries(ctx, catalog.QueueFailed)
	if err != nil {
		return nil, fmt.Errorf("list failed: %w", err)
	}
	return entries, nil
}
