package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/dsdown/internal/catalog"
)

const seriesColumns = `id, url, name, status, download_path, include_name_in_filename,
	description, cover_url, tags, created_at, updated_at`

func scanSeries(row pgx.Row) (catalog.Series, error) {
	var (
		s      catalog.Series
		status string
		tags   []byte
	)
	if err := row.Scan(
		&s.ID, &s.URL, &s.Name, &status, &s.DownloadPath, &s.IncludeNameInFilename,
		&s.Description, &s.CoverURL, &tags, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return catalog.Series{}, err
	}
	s.Status = catalog.SeriesStatus(status)
	var err error
	if s.Tags, err = decodeList(tags); err != nil {
		return catalog.Series{}, err
	}
	return s, nil
}

// GetSeries fetches a series by ID.
func (s *Store) GetSeries(ctx context.Context, id int64) (catalog.Series, error) {
	series, err := scanSeries(s.pool.QueryRow(ctx, `SELECT `+seriesColumns+` FROM series WHERE id = $1`, id))
	if err != nil {
		return catalog.Series{}, notFound(err, "series", id)
	}
	return series, nil
}

// GetSeriesByURL fetches a series by its source URL.
func (s *Store) GetSeriesByURL(ctx context.Context, url string) (catalog.Series, error) {
	series, err := scanSeries(s.pool.QueryRow(ctx, `SELECT `+seriesColumns+` FROM series WHERE url = $1`, url))
	if err != nil {
		return catalog.Series{}, notFound(err, "series", url)
	}
	return series, nil
}

// EnsureSeries returns the series for url, creating it when missing. The
// no-op update makes RETURNING yield the existing row on conflict.
func (s *Store) EnsureSeries(ctx context.Context, url, name string, at time.Time) (catalog.Series, error) {
	query := `
INSERT INTO series (url, name, created_at, updated_at)
VALUES ($1, $2, $3, $3)
ON CONFLICT (url) DO UPDATE SET url = EXCLUDED.url
RETURNING ` + seriesColumns
	series, err := scanSeries(s.pool.QueryRow(ctx, query, url, name, at))
	if err != nil {
		return catalog.Series{}, fmt.Errorf("ensure series: %w", err)
	}
	return series, nil
}

// UpdateSeries writes the mutable fields of an existing series.
func (s *Store) UpdateSeries(ctx context.Context, series catalog.Series) error {
	tags, err := encodeList(series.Tags)
	if err != nil {
		return err
	}
	query := `
UPDATE series SET
	name = $1,
	status = $2,
	download_path = $3,
	include_name_in_filename = $4,
	description = $5,
	cover_url = $6,
	tags = $7,
	updated_at = $8
WHERE id = $9`
	tag, err := s.pool.Exec(ctx, query,
		series.Name,
		string(series.Status),
		series.DownloadPath,
		series.IncludeNameInFilename,
		series.Description,
		series.CoverURL,
		tags,
		series.UpdatedAt,
		series.ID,
	)
	if err != nil {
		return fmt.Errorf("update series: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("series %d: %w", series.ID, catalog.ErrNotFound)
	}
	return nil
}

// ListSeries returns series matching status ordered by name.
func (s *Store) ListSeries(ctx context.Context, status catalog.SeriesStatus) ([]catalog.Series, error) {
	query := `
SELECT ` + seriesColumns + ` FROM series
WHERE ($1 = '' OR status = $1)
ORDER BY lower(name), id`
	rows, err := s.pool.Query(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	defer rows.Close()
	var out []catalog.Series
	for rows.Next() {
		series, err := scanSeries(rows)
		if err != nil {
			return nil, fmt.Errorf("scan series: %w", err)
		}
		out = append(out, series)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate series: %w", err)
	}
	return out, nil
}
