package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/dsdown/internal/catalog"
)

// Follow marks the series at url as followed with downloads going to dir.
// Unknown series are created. Metadata is fetched on a best-effort basis.
func (p *Pipeline) Follow(ctx context.Context, url, dir string) (catalog.Series, error) {
	if strings.TrimSpace(dir) == "" {
		return catalog.Series{}, catalog.ErrPathRequired
	}
	series, err := p.ensureSeries(ctx, url)
	if err != nil {
		return catalog.Series{}, err
	}
	series.Status = catalog.SeriesFollowed
	series.DownloadPath = dir
	p.applyMetadata(ctx, &series)
	return p.saveSeries(ctx, series)
}

// Ignore marks the series at url as ignored. Future chapters are dismissed
// automatically.
func (p *Pipeline) Ignore(ctx context.Context, url string) (catalog.Series, error) {
	series, err := p.ensureSeries(ctx, url)
	if err != nil {
		return catalog.Series{}, err
	}
	series.Status = catalog.SeriesIgnored
	series.DownloadPath = ""
	return p.saveSeries(ctx, series)
}

// Unfollow clears the follow or ignore decision for a known series.
func (p *Pipeline) Unfollow(ctx context.Context, url string) (catalog.Series, error) {
	series, err := p.store.GetSeriesByURL(ctx, p.parser.Canonical(url))
	if err != nil {
		return catalog.Series{}, err
	}
	series.Status = catalog.SeriesUnset
	series.DownloadPath = ""
	return p.saveSeries(ctx, series)
}

// SetIncludeInFilename toggles the series name prefix for a known series.
func (p *Pipeline) SetIncludeInFilename(ctx context.Context, url string, include bool) (catalog.Series, error) {
	series, err := p.store.GetSeriesByURL(ctx, p.parser.Canonical(url))
	if err != nil {
		return catalog.Series{}, err
	}
	series.IncludeNameInFilename = include
	return p.saveSeries(ctx, series)
}

// ListSeries returns series with status, ordered by name. SeriesUnset lists
// every series.
func (p *Pipeline) ListSeries(ctx context.Context, status catalog.SeriesStatus) ([]catalog.Series, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown series status %q", status)
	}
	return p.store.ListSeries(ctx, status)
}

// ListFollowed returns followed series ordered by name.
func (p *Pipeline) ListFollowed(ctx context.Context) ([]catalog.Series, error) {
	return p.store.ListSeries(ctx, catalog.SeriesFollowed)
}

// ListIgnored returns ignored series ordered by name.
func (p *Pipeline) ListIgnored(ctx context.Context) ([]catalog.Series, error) {
	return p.store.ListSeries(ctx, catalog.SeriesIgnored)
}

// RefreshMetadata refetches the description, cover and tags of a known
// series. Unlike Follow, a fetch failure is returned.
func (p *Pipeline) RefreshMetadata(ctx context.Context, url string) (catalog.Series, error) {
	url = p.parser.Canonical(url)
	series, err := p.store.GetSeriesByURL(ctx, url)
	if err != nil {
		return catalog.Series{}, err
	}
	if p.fetcher == nil {
		return catalog.Series{}, errors.New("no fetcher configured")
	}
	page, err := p.fetcher.Fetch(ctx, url)
	if err != nil {
		return catalog.Series{}, fmt.Errorf("fetch series %s: %w", url, err)
	}
	detail := p.parser.ParseSeries(page.Body)
	for _, warning := range p.parser.ValidateSeries(page.Body) {
		p.logger.Warn("series page layout", zap.String("url", url), zap.String("warning", warning))
	}
	if detail.Name != "" {
		series.Name = detail.Name
	}
	series.Description = detail.Description
	series.CoverURL = detail.CoverURL
	series.Tags = detail.Tags
	return p.saveSeries(ctx, series)
}

func (p *Pipeline) ensureSeries(ctx context.Context, url string) (catalog.Series, error) {
	url = p.parser.Canonical(url)
	if url == "" || url == p.parser.Canonical("/") {
		return catalog.Series{}, errors.New("series url is required")
	}
	series, err := p.store.GetSeriesByURL(ctx, url)
	if err == nil {
		return series, nil
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		return catalog.Series{}, err
	}
	return p.store.EnsureSeries(ctx, url, slugName(url), p.clock.Now())
}

// applyMetadata fills descriptive fields from the series page. Failures are
// logged and leave the series unchanged.
func (p *Pipeline) applyMetadata(ctx context.Context, series *catalog.Series) {
	if p.fetcher == nil {
		return
	}
	page, err := p.fetcher.Fetch(ctx, series.URL)
	if err != nil {
		p.logger.Warn("series metadata fetch failed", zap.String("series_url", series.URL), zap.Error(err))
		return
	}
	detail := p.parser.ParseSeries(page.Body)
	if detail.Name != "" {
		series.Name = detail.Name
	}
	if detail.Description != "" {
		series.Description = detail.Description
	}
	if detail.CoverURL != "" {
		series.CoverURL = detail.CoverURL
	}
	if len(detail.Tags) > 0 {
		series.Tags = detail.Tags
	}
}

func (p *Pipeline) saveSeries(ctx context.Context, series catalog.Series) (catalog.Series, error) {
	series.UpdatedAt = p.clock.Now()
	if err := p.store.UpdateSeries(ctx, series); err != nil {
		return catalog.Series{}, fmt.Errorf("update series %s: %w", series.URL, err)
	}
	p.logger.Info("series updated",
		zap.String("series_url", series.URL),
		zap.String("status", string(series.Status)),
		zap.String("download_path", series.DownloadPath),
	)
	return p.store.GetSeries(ctx, series.ID)
}

// slugName derives a placeholder name from the last URL segment.
func slugName(url string) string {
	slug := path.Base(url)
	if slug == "." || slug == "/" || slug == "" {
		return "Unknown"
	}
	return strings.ReplaceAll(slug, "_", " ")
}
