package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/JakeFAU/dsdown/internal/catalog"
)

const chapterColumns = `id, url, title, series_id, release_date, authors, tags, volume,
	processed, downloaded, downloaded_at, created_at`

func scanChapter(row rowScanner) (catalog.Chapter, error) {
	var (
		c                         catalog.Chapter
		seriesID, volume          sql.NullInt64
		releaseDate, downloadedAt sql.NullString
		authors, tags, createdAt  string
	)
	if err := row.Scan(
		&c.ID, &c.URL, &c.Title, &seriesID, &releaseDate, &authors, &tags, &volume,
		&c.Processed, &c.Downloaded, &downloadedAt, &createdAt,
	); err != nil {
		return catalog.Chapter{}, err
	}
	if seriesID.Valid {
		c.SeriesID = catalog.Int64Ptr(seriesID.Int64)
	}
	if volume.Valid {
		c.Volume = catalog.IntPtr(int(volume.Int64))
	}
	var err error
	if c.ReleaseDate, err = parseNullTime(releaseDate); err != nil {
		return catalog.Chapter{}, err
	}
	if c.DownloadedAt, err = parseNullTime(downloadedAt); err != nil {
		return catalog.Chapter{}, err
	}
	if c.Authors, err = decodeList(authors); err != nil {
		return catalog.Chapter{}, err
	}
	if c.Tags, err = decodeList(tags); err != nil {
		return catalog.Chapter{}, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return catalog.Chapter{}, err
	}
	return c, nil
}

func (s *Store) getChapter(ctx context.Context, q querier, where string, arg any) (catalog.Chapter, error) {
	row := q.QueryRowContext(ctx, `SELECT `+chapterColumns+` FROM chapters WHERE `+where, arg)
	chapter, err := scanChapter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Chapter{}, fmt.Errorf("chapter %v: %w", arg, catalog.ErrNotFound)
	}
	if err != nil {
		return catalog.Chapter{}, fmt.Errorf("select chapter: %w", err)
	}
	return chapter, nil
}

// GetChapter fetches a chapter by ID.
func (s *Store) GetChapter(ctx context.Context, id int64) (catalog.Chapter, error) {
	return s.getChapter(ctx, s.db, "id = ?", id)
}

// GetChapterByURL fetches a chapter by its source URL.
func (s *Store) GetChapterByURL(ctx context.Context, url string) (catalog.Chapter, error) {
	return s.getChapter(ctx, s.db, "url = ?", url)
}

// CreateChapter inserts a new chapter.
func (s *Store) CreateChapter(ctx context.Context, chapter catalog.Chapter) (catalog.Chapter, error) {
	authors, err := encodeList(chapter.Authors)
	if err != nil {
		return catalog.Chapter{}, err
	}
	tags, err := encodeList(chapter.Tags)
	if err != nil {
		return catalog.Chapter{}, err
	}
	var seriesID, volume sql.NullInt64
	if chapter.SeriesID != nil {
		seriesID = sql.NullInt64{Int64: *chapter.SeriesID, Valid: true}
	}
	if chapter.Volume != nil {
		volume = sql.NullInt64{Int64: int64(*chapter.Volume), Valid: true}
	}

	res, err := s.exec(ctx, `
INSERT INTO chapters (
	url, title, series_id, release_date, authors, tags, volume,
	processed, downloaded, downloaded_at, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		chapter.URL,
		chapter.Title,
		seriesID,
		nullTime(chapter.ReleaseDate),
		authors,
		tags,
		volume,
		chapter.Processed,
		chapter.Downloaded,
		nullTime(chapter.DownloadedAt),
		formatTime(chapter.CreatedAt),
	)
	if isUniqueViolation(err) {
		return catalog.Chapter{}, fmt.Errorf("chapter %s: %w", chapter.URL, catalog.ErrAlreadyExists)
	}
	if err != nil {
		return catalog.Chapter{}, fmt.Errorf("insert chapter: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return catalog.Chapter{}, fmt.Errorf("chapter id: %w", err)
	}
	chapter.ID = id
	return chapter, nil
}

// SetChapterVolume records the volume number of a chapter.
func (s *Store) SetChapterVolume(ctx context.Context, id int64, volume int) error {
	res, err := s.exec(ctx, `UPDATE chapters SET volume = ? WHERE id = ?`, volume, id)
	if err != nil {
		return fmt.Errorf("update chapter volume: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("chapter %d: %w", id, catalog.ErrNotFound)
	}
	return nil
}

// MarkProcessed flags the chapters as handled in one transaction.
func (s *Store) MarkProcessed(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, `UPDATE chapters SET processed = 1 WHERE id = ?`, id)
			if err != nil {
				return fmt.Errorf("mark processed: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("chapter %d: %w", id, catalog.ErrNotFound)
			}
		}
		return nil
	})
}

// ListUnprocessed returns chapters awaiting a decision, newest release first.
func (s *Store) ListUnprocessed(ctx context.Context) ([]catalog.Chapter, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+chapterColumns+` FROM chapters
WHERE processed = 0
ORDER BY release_date IS NULL, release_date DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only
	var out []catalog.Chapter
	for rows.Next() {
		chapter, err := scanChapter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chapter: %w", err)
		}
		out = append(out, chapter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chapters: %w", err)
	}
	return out, nil
}
