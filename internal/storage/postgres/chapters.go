package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/dsdown/internal/catalog"
)

const chapterColumns = `id, url, title, series_id, release_date, authors, tags, volume,
	processed, downloaded, downloaded_at, created_at`

func scanChapter(row pgx.Row) (catalog.Chapter, error) {
	var (
		c             catalog.Chapter
		authors, tags []byte
	)
	if err := row.Scan(
		&c.ID, &c.URL, &c.Title, &c.SeriesID, &c.ReleaseDate, &authors, &tags, &c.Volume,
		&c.Processed, &c.Downloaded, &c.DownloadedAt, &c.CreatedAt,
	); err != nil {
		return catalog.Chapter{}, err
	}
	var err error
	if c.Authors, err = decodeList(authors); err != nil {
		return catalog.Chapter{}, err
	}
	if c.Tags, err = decodeList(tags); err != nil {
		return catalog.Chapter{}, err
	}
	return c, nil
}

// GetChapter fetches a chapter by ID.
func (s *Store) GetChapter(ctx context.Context, id int64) (catalog.Chapter, error) {
	c, err := scanChapter(s.pool.QueryRow(ctx, `SELECT `+chapterColumns+` FROM chapters WHERE id = $1`, id))
	if err != nil {
		return catalog.Chapter{}, notFound(err, "chapter", id)
	}
	return c, nil
}

// GetChapterByURL fetches a chapter by its source URL.
func (s *Store) GetChapterByURL(ctx context.Context, url string) (catalog.Chapter, error) {
	c, err := scanChapter(s.pool.QueryRow(ctx, `SELECT `+chapterColumns+` FROM chapters WHERE url = $1`, url))
	if err != nil {
		return catalog.Chapter{}, notFound(err, "chapter", url)
	}
	return c, nil
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
	query := `
INSERT INTO chapters (
	url, title, series_id, release_date, authors, tags, volume,
	processed, downloaded, downloaded_at, created_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
) RETURNING id`
	err = s.pool.QueryRow(ctx, query,
		chapter.URL,
		chapter.Title,
		chapter.SeriesID,
		chapter.ReleaseDate,
		authors,
		tags,
		chapter.Volume,
		chapter.Processed,
		chapter.Downloaded,
		chapter.DownloadedAt,
		chapter.CreatedAt,
	).Scan(&chapter.ID)
	if isUniqueViolation(err) {
		return catalog.Chapter{}, fmt.Errorf("chapter %s: %w", chapter.URL, catalog.ErrAlreadyExists)
	}
	if err != nil {
		return catalog.Chapter{}, fmt.Errorf("insert chapter: %w", err)
	}
	return chapter, nil
}

// SetChapterVolume records the volume number of a chapter.
func (s *Store) SetChapterVolume(ctx context.Context, id int64, volume int) error {
	tag, err := s.pool.Exec(ctx, `UPDATE chapters SET volume = $1 WHERE id = $2`, volume, id)
	if err != nil {
		return fmt.Errorf("update chapter volume: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("chapter %d: %w", id, catalog.ErrNotFound)
	}
	return nil
}

// MarkProcessed flags the chapters as handled. Unknown IDs fail the whole
// update.
func (s *Store) MarkProcessed(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE chapters SET processed = TRUE WHERE id = ANY($1)`, ids)
		if err != nil {
			return fmt.Errorf("mark processed: %w", err)
		}
		if int(tag.RowsAffected()) != len(uniqueIDs(ids)) {
			return fmt.Errorf("chapters %v: %w", ids, catalog.ErrNotFound)
		}
		return nil
	})
}

// ListUnprocessed returns chapters awaiting a decision, newest release first.
func (s *Store) ListUnprocessed(ctx context.Context) ([]catalog.Chapter, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+chapterColumns+` FROM chapters
WHERE NOT processed
ORDER BY release_date DESC NULLS LAST, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed: %w", err)
	}
	defer rows.Close()
	var out []catalog.Chapter
	for rows.Next() {
		c, err := scanChapter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chapter: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chapters: %w", err)
	}
	return out, nil
}

func uniqueIDs(ids []int64) map[int64]struct{} {
	out := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}
