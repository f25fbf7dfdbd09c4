// Package ingest walks the paginated release feed and registers chapters that
// appeared since the last run.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/dsdown/internal/catalog"
	"github.com/JakeFAU/dsdown/internal/parser"
	"github.com/JakeFAU/dsdown/internal/progress"
)

// ReleasesPath is the feed location relative to the site root.
const ReleasesPath = "/chapters/added"

// DefaultMaxPages bounds a walk whose cursor no longer appears on the feed.
const DefaultMaxPages = 20

const unknownSeriesName = "Unknown"

// CursorStore persists the URL of the newest chapter seen.
type CursorStore interface {
	Cursor(ctx context.Context) (string, error)
	SetCursor(ctx context.Context, url string) error
}

// Enqueuer adds chapters to the download queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, chapterID int64, priority int) (catalog.QueueEntry, bool, error)
}

// Registry is the part of the store the walker writes to.
type Registry interface {
	catalog.SeriesStore
	catalog.ChapterStore
}

// FetchResult summarises one walk.
type FetchResult struct {
	Total   int `json:"total"`
	Queued  int `json:"queued"`
	Ignored int `json:"ignored"`
	New     int `json:"new"`
}

// Config tunes the walker.
type Config struct {
	BaseURL  string
	MaxPages int
}

// Walker discovers new chapters on the release feed.
type Walker struct {
	fetcher  catalog.Fetcher
	parser   *parser.Parser
	registry Registry
	cursor   CursorStore
	queue    Enqueuer
	clock    catalog.Clock
	emitter  progress.Emitter
	logger   *zap.Logger
	feedURL  string
	maxPages int
}

// Deps groups the walker's collaborators.
type Deps struct {
	Fetcher  catalog.Fetcher
	Parser   *parser.Parser
	Registry Registry
	Cursor   CursorStore
	Queue    Enqueuer
	Clock    catalog.Clock
	Emitter  progress.Emitter
	Logger   *zap.Logger
}

// New builds a Walker.
func New(cfg Config, deps Deps) (*Walker, error) {
	if deps.Fetcher == nil || deps.Registry == nil || deps.Cursor == nil || deps.Queue == nil || deps.Clock == nil {
		return nil, errors.New("ingest: fetcher, registry, cursor, queue and clock are required")
	}
	p := deps.Parser
	if p == nil {
		var err error
		if p, err = parser.New(cfg.BaseURL); err != nil {
			return nil, fmt.Errorf("ingest: %w", err)
		}
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = parser.DefaultBaseURL
	}
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	emitter := deps.Emitter
	if emitter == nil {
		emitter = progress.Nop{}
	}
	return &Walker{
		fetcher:  deps.Fetcher,
		parser:   p,
		registry: deps.Registry,
		cursor:   deps.Cursor,
		queue:    deps.Queue,
		clock:    deps.Clock,
		emitter:  emitter,
		logger:   logger,
		feedURL:  base + ReleasesPath,
		maxPages: maxPages,
	}, nil
}

// PageURL returns the feed URL for page n (1-based).
func (w *Walker) PageURL(n int) string {
	if n <= 1 {
		return w.feedURL
	}
	return fmt.Sprintf("%s?page=%d", w.feedURL, n)
}

// Run scans the feed from page 1 until it reaches the cursor, runs out of
// pages, or hits the page cap. A page-1 failure is returned; later failures
// end the walk but keep what was found.
func (w *Walker) Run(ctx context.Context) (FetchResult, error) {
	reporter := progress.NewReporter(w.emitter, progress.RunFetch, uuid.New(), w.clock.Now)
	started := w.clock.Now()
	reporter.Emit(progress.Event{Stage: progress.StageRunStart})

	res, err := w.run(ctx, reporter)
	dur := w.clock.Now().Sub(started)
	if err != nil {
		reporter.Emit(progress.Event{Stage: progress.StageRunError, Dur: max(dur, 0), Note: err.Error()})
		return FetchResult{}, err
	}
	reporter.Emit(progress.Event{Stage: progress.StageRunDone, Dur: max(dur, 0)})
	w.logger.Info("fetch complete",
		zap.Int("total", res.Total),
		zap.Int("queued", res.Queued),
		zap.Int("ignored", res.Ignored),
		zap.Int("new", res.New),
	)
	return res, nil
}

func (w *Walker) run(ctx context.Context, reporter *progress.Reporter) (FetchResult, error) {
	cursor, err := w.cursor.Cursor(ctx)
	if err != nil {
		return FetchResult{}, fmt.Errorf("load cursor: %w", err)
	}

	var (
		created  []catalog.Chapter
		firstURL string
	)
	for page := 1; page <= w.maxPages; page++ {
		if err := ctx.Err(); err != nil {
			if page == 1 {
				return FetchResult{}, fmt.Errorf("fetch cancelled: %w", err)
			}
			break
		}
		pageURL := w.PageURL(page)
		feed, err := w.fetchFeedPage(ctx, pageURL, reporter)
		if err != nil {
			if page == 1 {
				return FetchResult{}, err
			}
			w.logger.Warn("release page failed; keeping earlier pages",
				zap.Int("page", page), zap.Error(err))
			break
		}
		if len(feed.Releases) == 0 {
			break
		}
		if page == 1 {
			firstURL = feed.Releases[0].URL
		}

		reachedCursor := false
		for _, release := range feed.Releases {
			if cursor != "" && release.URL == cursor {
				reachedCursor = true
				break
			}
			chapter, ok := w.register(ctx, release)
			if ok {
				created = append(created, chapter)
			}
		}

		// A first run only looks at the newest page.
		if reachedCursor || cursor == "" || !feed.HasNextPage() {
			break
		}
		if page == w.maxPages {
			w.logger.Warn("page cap reached before the cursor", zap.Int("max_pages", w.maxPages))
		}
	}

	if firstURL != "" {
		if err := w.cursor.SetCursor(ctx, firstURL); err != nil {
			return FetchResult{}, fmt.Errorf("save cursor: %w", err)
		}
	}
	return w.classify(ctx, created), nil
}

func (w *Walker) fetchFeedPage(ctx context.Context, url string, reporter *progress.Reporter) (parser.ReleasePage, error) {
	page, err := w.fetcher.Fetch(ctx, url)
	if err != nil {
		return parser.ReleasePage{}, fmt.Errorf("fetch releases %s: %w", url, err)
	}
	for _, warning := range w.parser.ValidateReleases(page.Body) {
		w.logger.Warn("release page layout", zap.String("url", url), zap.String("warning", warning))
	}
	feed := w.parser.ParseReleases(page.Body)
	reporter.Emit(progress.Event{
		Stage:       progress.StagePageDone,
		URL:         url,
		Bytes:       int64(len(page.Body)),
		StatusClass: progress.ClassifyStatus(page.StatusCode),
		Dur:         page.Duration,
	})
	return feed, nil
}

// register creates the chapter unless it is already known. The detail page is
// fetched once to resolve the series; failures leave the chapter without one.
func (w *Walker) register(ctx context.Context, release parser.Release) (catalog.Chapter, bool) {
	logger := w.logger.With(zap.String("chapter_url", release.URL))

	_, err := w.registry.GetChapterByURL(ctx, release.URL)
	switch {
	case err == nil:
		return catalog.Chapter{}, false
	case !errors.Is(err, catalog.ErrNotFound):
		logger.Warn("chapter lookup failed", zap.Error(err))
		return catalog.Chapter{}, false
	}

	chapter := catalog.Chapter{
		URL:         release.URL,
		Title:       release.Title,
		ReleaseDate: release.ReleaseDate,
		Authors:     release.Authors,
		Tags:        release.Tags,
		CreatedAt:   w.clock.Now(),
	}
	if series, ok := w.resolveSeries(ctx, release.URL, logger); ok {
		chapter.SeriesID = catalog.Int64Ptr(series.ID)
	}

	saved, err := w.registry.CreateChapter(ctx, chapter)
	if errors.Is(err, catalog.ErrAlreadyExists) {
		return catalog.Chapter{}, false
	}
	if err != nil {
		logger.Warn("create chapter failed", zap.Error(err))
		return catalog.Chapter{}, false
	}
	logger.Debug("chapter registered", zap.Int64("chapter_id", saved.ID))
	return saved, true
}

// Register returns the chapter for chapterURL, creating it from its detail page
// when the feed has not reported it yet.
func (w *Walker) Register(ctx context.Context, chapterURL string) (catalog.Chapter, error) {
	chapterURL = w.parser.Canonical(chapterURL)
	chapter, err := w.registry.GetChapterByURL(ctx, chapterURL)
	if err == nil {
		return chapter, nil
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		return catalog.Chapter{}, err
	}

	page, err := w.fetcher.Fetch(ctx, chapterURL)
	if err != nil {
		return catalog.Chapter{}, fmt.Errorf("fetch chapter %s: %w", chapterURL, err)
	}
	detail := w.parser.ParseChapter(page.Body)
	chapter = catalog.Chapter{
		URL:       chapterURL,
		Title:     detail.Title,
		Authors:   detail.Authors,
		Tags:      detail.Tags,
		CreatedAt: w.clock.Now(),
	}
	if detail.HasSeries() {
		name := detail.SeriesName
		if name == "" {
			name = unknownSeriesName
		}
		series, err := w.registry.EnsureSeries(ctx, detail.SeriesURL, name, w.clock.Now())
		if err != nil {
			return catalog.Chapter{}, fmt.Errorf("ensure series %s: %w", detail.SeriesURL, err)
		}
		chapter.SeriesID = catalog.Int64Ptr(series.ID)
	}
	saved, err := w.registry.CreateChapter(ctx, chapter)
	if errors.Is(err, catalog.ErrAlreadyExists) {
		return w.registry.GetChapterByURL(ctx, chapterURL)
	}
	if err != nil {
		return catalog.Chapter{}, fmt.Errorf("create chapter: %w", err)
	}
	return saved, nil
}

func (w *Walker) resolveSeries(ctx context.Context, chapterURL string, logger *zap.Logger) (catalog.Series, bool) {
	page, err := w.fetcher.Fetch(ctx, chapterURL)
	if err != nil {
		logger.Warn("chapter detail fetch failed", zap.Error(err))
		return catalog.Series{}, false
	}
	for _, warning := range w.parser.ValidateChapter(page.Body) {
		logger.Warn("chapter page layout", zap.String("warning", warning))
	}
	detail := w.parser.ParseChapter(page.Body)
	if !detail.HasSeries() {
		return catalog.Series{}, false
	}
	name := detail.SeriesName
	if name == "" {
		name = unknownSeriesName
	}
	series, err := w.registry.EnsureSeries(ctx, detail.SeriesURL, name, w.clock.Now())
	if err != nil {
		logger.Warn("ensure series failed", zap.String("series_url", detail.SeriesURL), zap.Error(err))
		return catalog.Series{}, false
	}
	return series, true
}

// classify queues chapters of followed series and dismisses those of ignored
// series. Everything else stays unprocessed for the user to decide.
func (w *Walker) classify(ctx context.Context, chapters []catalog.Chapter) FetchResult {
	res := FetchResult{Total: len(chapters)}
	statuses := make(map[int64]catalog.SeriesStatus)

	for _, ch := range chapters {
		if ch.SeriesID == nil {
			continue
		}
		status, ok := statuses[*ch.SeriesID]
		if !ok {
			series, err := w.registry.GetSeries(ctx, *ch.SeriesID)
			if err != nil {
				w.logger.Warn("series lookup failed", zap.Int64("series_id", *ch.SeriesID), zap.Error(err))
				continue
			}
			status = series.Status
			statuses[*ch.SeriesID] = status
		}

		switch status {
		case catalog.SeriesFollowed:
			if _, _, err := w.queue.Enqueue(ctx, ch.ID, 0); err != nil {
				w.logger.Warn("auto-queue failed", zap.Int64("chapter_id", ch.ID), zap.Error(err))
				continue
			}
			res.Queued++
		case catalog.SeriesIgnored:
			if err := w.registry.MarkProcessed(ctx, ch.ID); err != nil {
				w.logger.Warn("dismiss failed", zap.Int64("chapter_id", ch.ID), zap.Error(err))
				continue
			}
			res.Ignored++
		}
	}
	res.New = res.Total - res.Queued - res.Ignored
	return res
}
