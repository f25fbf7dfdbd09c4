package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/dsdown/internal/catalog"
)

const entryColumns = `id, chapter_id, priority, added_at, status, error_message, started_at, completed_at`

const drainOrder = ` ORDER BY priority DESC, added_at ASC, id ASC`

func scanEntry(row rowScanner) (catalog.QueueEntry, error) {
	var (
		e                      catalog.QueueEntry
		addedAt, status        string
		startedAt, completedAt sql.NullString
	)
	if err := row.Scan(&e.ID, &e.ChapterID, &e.Priority, &addedAt, &status, &e.ErrorMessage, &startedAt, &completedAt); err != nil {
		return catalog.QueueEntry{}, err
	}
	e.Status = catalog.QueueStatus(status)
	var err error
	if e.AddedAt, err = parseTime(addedAt); err != nil {
		return catalog.QueueEntry{}, err
	}
	if e.StartedAt, err = parseNullTime(startedAt); err != nil {
		return catalog.QueueEntry{}, err
	}
	if e.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return catalog.QueueEntry{}, err
	}
	return e, nil
}

func getEntry(ctx context.Context, q querier, where string, arg any) (catalog.QueueEntry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM download_queue WHERE `+where, arg)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.QueueEntry{}, fmt.Errorf("queue entry %v: %w", arg, catalog.ErrNotFound)
	}
	if err != nil {
		return catalog.QueueEntry{}, fmt.Errorf("select queue entry: %w", err)
	}
	return entry, nil
}

// Enqueue adds a pending entry for the chapter unless one already exists.
func (s *Store) Enqueue(ctx context.Context, chapterID int64, priority int, at time.Time) (catalog.QueueEntry, bool, error) {
	var (
		entry   catalog.QueueEntry
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE chapters SET processed = 1 WHERE id = ?`, chapterID)
		if err != nil {
			return fmt.Errorf("mark processed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("chapter %d: %w", chapterID, catalog.ErrNotFound)
		}
		res, err = tx.ExecContext(ctx, `
INSERT INTO download_queue (chapter_id, priority, added_at, status)
VALUES (?, ?, ?, 'pending')
ON CONFLICT (chapter_id) DO NOTHING`, chapterID, priority, formatTime(at))
		if err != nil {
			return fmt.Errorf("insert queue entry: %w", err)
		}
		n, _ := res.RowsAffected()
		created = n > 0
		entry, err = getEntry(ctx, tx, "chapter_id = ?", chapterID)
		return err
	})
	if err != nil {
		return catalog.QueueEntry{}, false, err
	}
	return entry, created, nil
}

// GetEntry fetches a queue entry by ID.
func (s *Store) GetEntry(ctx context.Context, id int64) (catalog.QueueEntry, error) {
	return getEntry(ctx, s.db, "id = ?", id)
}

// GetEntryByChapter fetches the queue entry of a chapter.
func (s *Store) GetEntryByChapter(ctx context.Context, chapterID int64) (catalog.QueueEntry, error) {
	return getEntry(ctx, s.db, "chapter_id = ?", chapterID)
}

// ListEntries returns entries with any of the statuses in drain order.
func (s *Store) ListEntries(ctx context.Context, statuses ...catalog.QueueStatus) ([]catalog.QueueEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM download_queue`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	rows, err := s.db.QueryContext(ctx, query+drainOrder, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only
	var out []catalog.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue: %w", err)
	}
	return out, nil
}

// BeginDownload appends a history record and marks the entry downloading.
func (s *Store) BeginDownload(ctx context.Context, entryID int64, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		entry, err := getEntry(ctx, tx, "id = ?", entryID)
		if err != nil {
			return err
		}
		if entry.Status != catalog.QueuePending {
			return fmt.Errorf("begin %s entry %d: %w", entry.Status, entryID, catalog.ErrInvalidTransition)
		}
		ts := formatTime(at)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO download_history (chapter_id, started_at) VALUES (?, ?)`, entry.ChapterID, ts); err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE download_queue
SET status = 'downloading', started_at = ?, completed_at = NULL, error_message = ''
WHERE id = ?`, ts, entryID); err != nil {
			return fmt.Errorf("mark downloading: %w", err)
		}
		return nil
	})
}

// FinishDownload moves a downloading entry to a terminal status.
func (s *Store) FinishDownload(
	ctx context.Context,
	entryID int64,
	status catalog.QueueStatus,
	errMsg string,
	at time.Time,
) error {
	if !status.Terminal() {
		return fmt.Errorf("finish with %s: %w", status, catalog.ErrInvalidTransition)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		entry, err := getEntry(ctx, tx, "id = ?", entryID)
		if err != nil {
			return err
		}
		if entry.Status != catalog.QueueDownloading {
			return fmt.Errorf("finish %s entry %d: %w", entry.Status, entryID, catalog.ErrInvalidTransition)
		}
		ts := formatTime(at)
		if _, err := tx.ExecContext(ctx, `
UPDATE download_queue SET status = ?, error_message = ?, completed_at = ? WHERE id = ?`,
			string(status), errMsg, ts, entryID); err != nil {
			return fmt.Errorf("finish queue entry: %w", err)
		}
		if status != catalog.QueueCompleted {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE chapters SET downloaded = 1, processed = 1, downloaded_at = ? WHERE id = ?`,
			ts, entry.ChapterID); err != nil {
			return fmt.Errorf("mark chapter downloaded: %w", err)
		}
		return nil
	})
}

// ResetEntry moves a failed or interrupted entry back to pending.
func (s *Store) ResetEntry(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		entry, err := getEntry(ctx, tx, "id = ?", id)
		if err != nil {
			return err
		}
		if !entry.Status.Resettable() {
			return fmt.Errorf("reset %s entry %d: %w", entry.Status, id, catalog.ErrInvalidTransition)
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE download_queue
SET status = 'pending', error_message = '', started_at = NULL, completed_at = NULL
WHERE id = ?`, id); err != nil {
			return fmt.Errorf("reset queue entry: %w", err)
		}
		return nil
	})
}

// RemoveEntry deletes a pending or failed entry.
func (s *Store) RemoveEntry(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		entry, err := getEntry(ctx, tx, "id = ?", id)
		if err != nil {
			return err
		}
		if !entry.Status.Removable() {
			return fmt.Errorf("remove %s entry %d: %w", entry.Status, id, catalog.ErrInvalidTransition)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM download_queue WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete queue entry: %w", err)
		}
		return nil
	})
}

// CountStartsSince counts history records at or after since.
func (s *Store) CountStartsSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM download_history WHERE started_at >= ?`, formatTime(since)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return count, nil
}

// OldestStartSince returns the earliest history record at or after since.
func (s *Store) OldestStartSince(ctx context.Context, since time.Time) (time.Time, bool, error) {
	var oldest sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(started_at) FROM download_history WHERE started_at >= ?`, formatTime(since)).Scan(&oldest)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("oldest history: %w", err)
	}
	if !oldest.Valid {
		return time.Time{}, false, nil
	}
	t, err := parseTime(oldest.String)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}
