package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/dsdown/internal/catalog"
)

const entryColumns = `id, chapter_id, priority, added_at, status, error_message, started_at, completed_at`

func scanEntry(row pgx.Row) (catalog.QueueEntry, error) {
	var (
		e      catalog.QueueEntry
		status string
	)
	if err := row.Scan(
		&e.ID, &e.ChapterID, &e.Priority, &e.AddedAt, &status, &e.ErrorMessage, &e.StartedAt, &e.CompletedAt,
	); err != nil {
		return catalog.QueueEntry{}, err
	}
	e.Status = catalog.QueueStatus(status)
	return e, nil
}

// lockEntry reads an entry's chapter and status, locking the row for the
// rest of tx.
func lockEntry(ctx context.Context, tx pgx.Tx, id int64) (int64, catalog.QueueStatus, error) {
	var (
		chapterID int64
		status    string
	)
	err := tx.QueryRow(ctx, `SELECT chapter_id, status FROM download_queue WHERE id = $1 FOR UPDATE`, id).
		Scan(&chapterID, &status)
	if err != nil {
		return 0, "", notFound(err, "queue entry", id)
	}
	return chapterID, catalog.QueueStatus(status), nil
}

// Enqueue adds a pending entry for the chapter unless one already exists.
func (s *Store) Enqueue(ctx context.Context, chapterID int64, priority int, at time.Time) (catalog.QueueEntry, bool, error) {
	var (
		entry   catalog.QueueEntry
		created bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE chapters SET processed = TRUE WHERE id = $1`, chapterID)
		if err != nil {
			return fmt.Errorf("mark processed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("chapter %d: %w", chapterID, catalog.ErrNotFound)
		}
		entry, err = scanEntry(tx.QueryRow(ctx, `
INSERT INTO download_queue (chapter_id, priority, added_at, status)
VALUES ($1, $2, $3, 'pending')
ON CONFLICT (chapter_id) DO NOTHING
RETURNING `+entryColumns, chapterID, priority, at))
		if err == nil {
			created = true
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("insert queue entry: %w", err)
		}
		entry, err = scanEntry(tx.QueryRow(ctx,
			`SELECT `+entryColumns+` FROM download_queue WHERE chapter_id = $1`, chapterID))
		if err != nil {
			return notFound(err, "queue entry for chapter", chapterID)
		}
		return nil
	})
	if err != nil {
		return catalog.QueueEntry{}, false, err
	}
	return entry, created, nil
}

// GetEntry fetches a queue entry by ID.
func (s *Store) GetEntry(ctx context.Context, id int64) (catalog.QueueEntry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM download_queue WHERE id = $1`, id))
	if err != nil {
		return catalog.QueueEntry{}, notFound(err, "queue entry", id)
	}
	return e, nil
}

// GetEntryByChapter fetches the queue entry of a chapter.
func (s *Store) GetEntryByChapter(ctx context.Context, chapterID int64) (catalog.QueueEntry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM download_queue WHERE chapter_id = $1`, chapterID))
	if err != nil {
		return catalog.QueueEntry{}, notFound(err, "queue entry for chapter", chapterID)
	}
	return e, nil
}

// ListEntries returns entries with any of the statuses in drain order.
func (s *Store) ListEntries(ctx context.Context, statuses ...catalog.QueueStatus) ([]catalog.QueueEntry, error) {
	filter := make([]string, 0, len(statuses))
	for _, st := range statuses {
		filter = append(filter, string(st))
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+entryColumns+` FROM download_queue
WHERE cardinality($1::text[]) = 0 OR status = ANY($1)
ORDER BY priority DESC, added_at ASC, id ASC`, filter)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()
	var out []catalog.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue: %w", err)
	}
	return out, nil
}

// BeginDownload appends a history record and marks the entry downloading.
func (s *Store) BeginDownload(ctx context.Context, entryID int64, at time.Time) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		chapterID, status, err := lockEntry(ctx, tx, entryID)
		if err != nil {
			return err
		}
		if status != catalog.QueuePending {
			return fmt.Errorf("begin %s entry %d: %w", status, entryID, catalog.ErrInvalidTransition)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO download_history (chapter_id, started_at) VALUES ($1, $2)`, chapterID, at); err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
		if _, err := tx.Exec(ctx, `
UPDATE download_queue
SET status = 'downloading', started_at = $1, completed_at = NULL, error_message = ''
WHERE id = $2`, at, entryID); err != nil {
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
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		chapterID, current, err := lockEntry(ctx, tx, entryID)
		if err != nil {
			return err
		}
		if current != catalog.QueueDownloading {
			return fmt.Errorf("finish %s entry %d: %w", current, entryID, catalog.ErrInvalidTransition)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE download_queue SET status = $1, error_message = $2, completed_at = $3 WHERE id = $4`,
			string(status), errMsg, at, entryID); err != nil {
			return fmt.Errorf("finish queue entry: %w", err)
		}
		if status != catalog.QueueCompleted {
			return nil
		}
		if _, err := tx.Exec(ctx,
			`UPDATE chapters SET downloaded = TRUE, processed = TRUE, downloaded_at = $1 WHERE id = $2`,
			at, chapterID); err != nil {
			return fmt.Errorf("mark chapter downloaded: %w", err)
		}
		return nil
	})
}

// ResetEntry moves a failed or interrupted entry back to pending.
func (s *Store) ResetEntry(ctx context.Context, id int64) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, status, err := lockEntry(ctx, tx, id)
		if err != nil {
			return err
		}
		if !status.Resettable() {
			return fmt.Errorf("reset %s entry %d: %w", status, id, catalog.ErrInvalidTransition)
		}
		if _, err := tx.Exec(ctx, `
UPDATE download_queue
SET status = 'pending', error_message = '', started_at = NULL, completed_at = NULL
WHERE id = $1`, id); err != nil {
			return fmt.Errorf("reset queue entry: %w", err)
		}
		return nil
	})
}

// RemoveEntry deletes a pending or failed entry.
func (s *Store) RemoveEntry(ctx context.Context, id int64) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, status, err := lockEntry(ctx, tx, id)
		if err != nil {
			return err
		}
		if !status.Removable() {
			return fmt.Errorf("remove %s entry %d: %w", status, id, catalog.ErrInvalidTransition)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM download_queue WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete queue entry: %w", err)
		}
		return nil
	})
}

// CountStartsSince counts history records at or after since.
func (s *Store) CountStartsSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM download_history WHERE started_at >= $1`, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return count, nil
}

// OldestStartSince returns the earliest history record at or after since.
func (s *Store) OldestStartSince(ctx context.Context, since time.Time) (time.Time, bool, error) {
	var oldest *time.Time
	err := s.pool.QueryRow(ctx, `SELECT MIN(started_at) FROM download_history WHERE started_at >= $1`, since).
		Scan(&oldest)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("oldest history: %w", err)
	}
	if oldest == nil {
		return time.Time{}, false, nil
	}
	return oldest.UTC(), true, nil
}
