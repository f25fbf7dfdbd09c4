package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/dsdown/internal/catalog"
)

const seriesColumns = `id, url, name, status, download_path, include_name_in_filename,
	description, cover_url, tags, created_at, updated_at`

func scanSeries(row rowScanner) (catalog.Series, error) {
	var (
		s                    catalog.Series
		status, tags         string
		createdAt, updatedAt string
	)
	if err := row.Scan(
		&s.ID, &s.URL, &s.Name, &status, &s.DownloadPath, &s.IncludeNameInFilename,
		&s.Description, &s.CoverURL, &tags, &createdAt, &updatedAt,
	); err != nil {
		return catalog.Series{}, err
	}
	s.Status = catalog.SeriesStatus(status)
	var err error
	if s.Tags, err = decodeList(tags); err != nil {
		return catalog.Series{}, err
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return catalog.Series{}, err
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return catalog.Series{}, err
	}
	return s, nil
}

func (s *Store) getSeries(ctx context.Context, q querier, where string, arg any) (catalog.Series, error) {
	row := q.QueryRowContext(ctx, `SELECT `+seriesColumns+` FROM series WHERE `+where, arg)
	series, err := scanSeries(row)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Series{}, fmt.Errorf("series %v: %w", arg, catalog.ErrNotFound)
	}
	if err != nil {
		return catalog.Series{}, fmt.Errorf("select series: %w", err)
	}
	return series, nil
}

// GetSeries fetches a series by ID.
func (s *Store) GetSeries(ctx context.Context, id int64) (catalog.Series, error) {
	return s.getSeries(ctx, s.db, "id = ?", id)
}

// GetSeriesByURL fetches a series by its source URL.
func (s *Store) GetSeriesByURL(ctx context.Context, url string) (catalog.Series, error) {
	return s.getSeries(ctx, s.db, "url = ?", url)
}

// EnsureSeries returns the series for url, creating it when missing.
func (s *Store) EnsureSeries(ctx context.Context, url, name string, at time.Time) (catalog.Series, error) {
	var series catalog.Series
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ts := formatTime(at)
		if _, err := tx.ExecContext(ctx, `
INSERT INTO series (url, name, created_at, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (url) DO NOTHING`, url, name, ts, ts); err != nil {
			return fmt.Errorf("insert series: %w", err)
		}
		var err error
		series, err = s.getSeries(ctx, tx, "url = ?", url)
		return err
	})
	if err != nil {
		return catalog.Series{}, err
	}
	return series, nil
}

// UpdateSeries writes the mutable fields of an existing series.
func (s *Store) UpdateSeries(ctx context.Context, series catalog.Series) error {
	tags, err := encodeList(series.Tags)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, `
UPDATE series SET
	name = ?,
	status = ?,
	download_path = ?,
	include_name_in_filename = ?,
	description = ?,
	cover_url = ?,
	tags = ?,
	updated_at = ?
WHERE id = ?`,
		series.Name,
		string(series.Status),
		series.DownloadPath,
		series.IncludeNameInFilename,
		series.Description,
		series.CoverURL,
		tags,
		formatTime(series.UpdatedAt),
		series.ID,
	)
	if err != nil {
		return fmt.Errorf("update series: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("series %d: %w", series.ID, catalog.ErrNotFound)
	}
	return nil
}

// ListSeries returns series matching status ordered by name.
func (s *Store) ListSeries(ctx context.Context, status catalog.SeriesStatus) ([]catalog.Series, error) {
	query := `SELECT ` + seriesColumns + ` FROM series`
	var args []any
	if status != catalog.SeriesUnset {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY name COLLATE NOCASE, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only
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
