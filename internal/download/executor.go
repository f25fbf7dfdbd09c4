// Package download drains admitted queue entries: it streams each archive to
// the library, normalizes it into a zip, embeds ComicInfo metadata and records
// the outcome on the queue.
package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/dsdown/internal/archive"
	"github.com/JakeFAU/dsdown/internal/catalog"
	"github.com/JakeFAU/dsdown/internal/hash/sha256"
	"github.com/JakeFAU/dsdown/internal/metadata"
	"github.com/JakeFAU/dsdown/internal/metrics"
	"github.com/JakeFAU/dsdown/internal/parser"
	"github.com/JakeFAU/dsdown/internal/progress"
	"github.com/JakeFAU/dsdown/internal/queue"
)

// DefaultPriority is used by DownloadOne so a manual download jumps the queue.
const DefaultPriority = 100

const progressInterval = 250 * time.Millisecond

// Normalizer turns a downloaded file into a zip container when possible.
type Normalizer interface {
	Normalize(ctx context.Context, path string) (archive.Outcome, error)
}

// Library resolves destinations and commits finished files.
type Library interface {
	Dir(series *catalog.Series) (string, error)
	CreateTemp(dir string) (*os.File, error)
	Commit(tmpPath, dir, name string) (string, error)
	Discard(tmpPath string) error
}

// Registry is the part of the store the executor reads and writes.
type Registry interface {
	catalog.SeriesStore
	catalog.ChapterStore
}

// EntryResult reports one processed entry.
type EntryResult struct {
	EntryID   int64  `json:"entry_id"`
	ChapterID int64  `json:"chapter_id"`
	Path      string `json:"path,omitempty"`
	Bytes     int64  `json:"bytes,omitempty"`
	SHA256    string `json:"sha256,omitempty"`
	Pages     int    `json:"pages,omitempty"`
	Error     string `json:"error,omitempty"`
}

// DrainResult summarises one drain.
type DrainResult struct {
	Downloaded int           `json:"downloaded"`
	Failed     int           `json:"failed"`
	NextSlotAt time.Time     `json:"next_slot_at,omitempty"`
	Entries    []EntryResult `json:"entries,omitempty"`
}

// Config tunes the executor.
type Config struct {
	// IncludeSeriesInFilename gates the per-series filename flag globally.
	IncludeSeriesInFilename bool
}

// Deps groups the executor's collaborators.
type Deps struct {
	Registry   Registry
	Queue      *queue.Queue
	Fetcher    catalog.Fetcher
	Parser     *parser.Parser
	Downloader Downloader
	Normalizer Normalizer
	Library    Library
	Clock      catalog.Clock
	Emitter    progress.Emitter
	Logger     *zap.Logger
}

// Executor drains the download queue one entry at a time.
type Executor struct {
	cfg        Config
	registry   Registry
	queue      *queue.Queue
	fetcher    catalog.Fetcher
	parser     *parser.Parser
	downloader Downloader
	normalizer Normalizer
	library    Library
	hasher     *sha256.Hasher
	clock      catalog.Clock
	emitter    progress.Emitter
	logger     *zap.Logger
}

// errInterrupted marks a transfer cut short by cancellation. The entry stays
// downloading so an operator can reset it.
var errInterrupted = errors.New("download interrupted")

// New builds an Executor.
func New(cfg Config, deps Deps) (*Executor, error) {
	if deps.Registry == nil || deps.Queue == nil || deps.Downloader == nil ||
		deps.Normalizer == nil || deps.Library == nil || deps.Clock == nil {
		return nil, errors.New("download: registry, queue, downloader, normalizer, library and clock are required")
	}
	p := deps.Parser
	if p == nil {
		var err error
		if p, err = parser.New(""); err != nil {
			return nil, fmt.Errorf("download: %w", err)
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	emitter := deps.Emitter
	if emitter == nil {
		emitter = progress.Nop{}
	}
	return &Executor{
		cfg:        cfg,
		registry:   deps.Registry,
		queue:      deps.Queue,
		fetcher:    deps.Fetcher,
		parser:     p,
		downloader: deps.Downloader,
		normalizer: deps.Normalizer,
		library:    deps.Library,
		hasher:     sha256.New(),
		clock:      deps.Clock,
		emitter:    emitter,
		logger:     logger,
	}, nil
}

// run carries the per-drain state.
type run struct {
	reporter *progress.Reporter
	volumes  map[int64]*parser.SeriesDetail
}

func (e *Executor) newRun() *run {
	return &run{
		reporter: progress.NewReporter(e.emitter, progress.RunDrain, uuid.New(), e.clock.Now),
		volumes:  make(map[int64]*parser.SeriesDetail),
	}
}

// Drain processes up to the available budget of pending entries in drain
// order. With no free slot it only reports when the next one opens.
func (e *Executor) Drain(ctx context.Context) (DrainResult, error) {
	admitted, err := e.queue.Admit(ctx)
	if err != nil {
		return DrainResult{}, fmt.Errorf("admit entries: %w", err)
	}
	if len(admitted) == 0 {
		return e.finish(ctx, DrainResult{})
	}

	r := e.newRun()
	started := e.clock.Now()
	r.reporter.Emit(progress.Event{Stage: progress.StageRunStart})
	e.logger.Info("drain started", zap.Int("admitted", len(admitted)))

	var (
		result  DrainResult
		stopErr error
	)
	for _, entry := range admitted {
		if err := ctx.Err(); err != nil {
			stopErr = fmt.Errorf("drain cancelled: %w", err)
			break
		}
		er, err := e.process(ctx, r, entry)
		switch {
		case errors.Is(err, queue.ErrRateLimited):
			e.logger.Info("budget exhausted mid-drain", zap.Error(err))
		case errors.Is(err, errInterrupted):
			stopErr = fmt.Errorf("drain cancelled: %w", ctx.Err())
		case errors.Is(err, errSkipped):
			continue
		case err != nil:
			result.Failed++
			result.Entries = append(result.Entries, er)
			continue
		default:
			result.Downloaded++
			result.Entries = append(result.Entries, er)
			continue
		}
		break
	}

	dur := max(e.clock.Now().Sub(started), 0)
	if stopErr != nil {
		r.reporter.Emit(progress.Event{Stage: progress.StageRunError, Dur: dur, Note: stopErr.Error()})
	} else {
		r.reporter.Emit(progress.Event{Stage: progress.StageRunDone, Dur: dur})
	}
	e.logger.Info("drain finished",
		zap.Int("downloaded", result.Downloaded),
		zap.Int("failed", result.Failed),
		zap.Duration("elapsed", dur),
	)
	result, err = e.finish(ctx, result)
	if stopErr != nil {
		return result, stopErr
	}
	return result, err
}

func (e *Executor) finish(ctx context.Context, result DrainResult) (DrainResult, error) {
	// The drain may have been cancelled; the budget lookup still needs to run.
	next, err := e.queue.NextSlotAt(context.WithoutCancel(ctx))
	if err != nil {
		return result, err
	}
	result.NextSlotAt = next
	return result, nil
}

// DownloadOne queues the chapter at DefaultPriority and downloads exactly that
// entry. It returns a *queue.RateLimitError when no slot is free.
func (e *Executor) DownloadOne(ctx context.Context, chapterID int64) (EntryResult, error) {
	entry, _, err := e.queue.Enqueue(ctx, chapterID, DefaultPriority)
	if err != nil {
		return EntryResult{}, err
	}
	if entry.Status != catalog.QueuePending {
		return EntryResult{EntryID: entry.ID, ChapterID: chapterID},
			fmt.Errorf("entry %d is %s: %w", entry.ID, entry.Status, catalog.ErrInvalidTransition)
	}
	status, err := e.queue.Status(ctx)
	if err != nil {
		return EntryResult{}, err
	}
	if status.Available == 0 {
		return EntryResult{EntryID: entry.ID, ChapterID: chapterID}, &queue.RateLimitError{NextSlotAt: status.NextSlotAt}
	}
	er, err := e.process(ctx, e.newRun(), entry)
	if errors.Is(err, errInterrupted) {
		return er, fmt.Errorf("download cancelled: %w", ctx.Err())
	}
	return er, err
}

var errSkipped = errors.New("entry skipped")

// process downloads one admitted entry. Errors after the slot is consumed mark
// the entry failed, except cancellation which leaves it downloading.
func (e *Executor) process(ctx context.Context, r *run, entry catalog.QueueEntry) (EntryResult, error) {
	res := EntryResult{EntryID: entry.ID, ChapterID: entry.ChapterID}
	logger := e.logger.With(zap.Int64("entry_id", entry.ID), zap.Int64("chapter_id", entry.ChapterID))

	chapter, err := e.registry.GetChapter(ctx, entry.ChapterID)
	if err != nil {
		logger.Warn("chapter lookup failed; entry skipped", zap.Error(err))
		return res, fmt.Errorf("%w: %w", errSkipped, err)
	}
	series := e.seriesOf(ctx, chapter, logger)
	dir, err := e.library.Dir(series)
	if err != nil {
		logger.Warn("destination unresolved; entry skipped", zap.Error(err))
		return res, fmt.Errorf("%w: %w", errSkipped, err)
	}
	e.backfillVolume(ctx, r, &chapter, series, logger)

	if err := e.queue.Begin(ctx, entry.ID); err != nil {
		if errors.Is(err, queue.ErrRateLimited) {
			return res, err
		}
		logger.Warn("entry could not start", zap.Error(err))
		return res, fmt.Errorf("%w: %w", errSkipped, err)
	}

	start := e.clock.Now()
	r.reporter.Emit(progress.Event{
		Stage:     progress.StageDownloadStart,
		EntryID:   entry.ID,
		ChapterID: chapter.ID,
		URL:       chapter.URL,
		Note:      chapter.Title,
	})

	out, err := e.transfer(ctx, r, entry, chapter, series, dir)
	if err != nil {
		if ctx.Err() != nil {
			logger.Warn("download interrupted; entry left downloading", zap.Error(err))
			return res, errInterrupted
		}
		res.Error = err.Error()
		e.fail(ctx, r, entry, chapter, err, logger)
		return res, err
	}
	res.Path, res.Bytes, res.SHA256, res.Pages = out.Path, out.Bytes, out.SHA256, out.Pages

	if err := e.queue.Complete(ctx, entry.ID); err != nil {
		res.Error = err.Error()
		logger.Error("complete entry failed", zap.Error(err))
		e.fail(ctx, r, entry, chapter, err, logger)
		return res, err
	}
	metrics.ObserveDownload("completed", out.Bytes)
	r.reporter.Emit(progress.Event{
		Stage:     progress.StageDownloadDone,
		EntryID:   entry.ID,
		ChapterID: chapter.ID,
		URL:       chapter.URL,
		Bytes:     out.Bytes,
		Dur:       max(e.clock.Now().Sub(start), 0),
		Note:      filepath.Base(out.Path),
	})
	logger.Info("chapter downloaded",
		zap.String("path", out.Path),
		zap.Int64("bytes", out.Bytes),
		zap.String("sha256", out.SHA256),
		zap.Int("pages", out.Pages),
	)
	return res, nil
}

func (e *Executor) fail(ctx context.Context, r *run, entry catalog.QueueEntry, chapter catalog.Chapter, cause error, logger *zap.Logger) {
	metrics.ObserveDownload("failed", 0)
	r.reporter.Emit(progress.Event{
		Stage:     progress.StageDownloadError,
		EntryID:   entry.ID,
		ChapterID: chapter.ID,
		URL:       chapter.URL,
		Note:      cause.Error(),
	})
	logger.Warn("download failed", zap.String("chapter_url", chapter.URL), zap.Error(cause))
	if err := e.queue.Fail(ctx, entry.ID, cause); err != nil {
		logger.Error("mark entry failed", zap.Error(err))
	}
}

func (e *Executor) seriesOf(ctx context.Context, chapter catalog.Chapter, logger *zap.Logger) *catalog.Series {
	if chapter.SeriesID == nil {
		return nil
	}
	series, err := e.registry.GetSeries(ctx, *chapter.SeriesID)
	if err != nil {
		logger.Warn("series lookup failed", zap.Int64("series_id", *chapter.SeriesID), zap.Error(err))
		return nil
	}
	return &series
}

// backfillVolume fills a missing volume from the series page, fetched at most
// once per series per run. Failures leave the volume empty.
func (e *Executor) backfillVolume(ctx context.Context, r *run, chapter *catalog.Chapter, series *catalog.Series, logger *zap.Logger) {
	if chapter.Volume != nil || series == nil || e.fetcher == nil {
		return
	}
	detail, seen := r.volumes[series.ID]
	if !seen {
		page, err := e.fetcher.Fetch(ctx, series.URL)
		if err != nil {
			logger.Debug("series page fetch failed", zap.String("series_url", series.URL), zap.Error(err))
			r.volumes[series.ID] = nil
			return
		}
		parsed := e.parser.ParseSeries(page.Body)
		detail = &parsed
		r.volumes[series.ID] = detail
	}
	if detail == nil {
		return
	}
	volume, ok := detail.VolumeFor(chapter.URL)
	if !ok {
		return
	}
	if err := e.registry.SetChapterVolume(ctx, chapter.ID, volume); err != nil {
		logger.Warn("volume backfill failed", zap.Error(err))
		return
	}
	chapter.Volume = catalog.IntPtr(volume)
}

type transferOutput struct {
	Path   string
	Bytes  int64
	SHA256 string
	Pages  int
}

func (e *Executor) transfer(
	ctx context.Context,
	r *run,
	entry catalog.QueueEntry,
	chapter catalog.Chapter,
	series *catalog.Series,
	dir string,
) (transferOutput, error) {
	tmp, err := e.library.CreateTemp(dir)
	if err != nil {
		return transferOutput{}, err
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = e.library.Discard(tmpPath)
		}
	}()

	throttle := &rate.Sometimes{Interval: progressInterval}
	resp, err := e.downloader.Download(ctx, parser.DownloadURL(chapter.URL), tmp, func(written, total int64) {
		throttle.Do(func() {
			r.reporter.Emit(progress.Event{
				Stage:     progress.StageDownloadProgress,
				EntryID:   entry.ID,
				ChapterID: chapter.ID,
				Bytes:     written,
				Total:     total,
			})
		})
	})
	if closeErr := tmp.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("close partial file: %w", closeErr)
	}
	if err != nil {
		return transferOutput{}, err
	}

	name := e.filename(chapter, series, resp.Filename)
	final, err := e.library.Commit(tmpPath, dir, name)
	if err != nil {
		return transferOutput{}, err
	}
	committed = true

	outcome, err := e.normalizer.Normalize(ctx, final)
	if err != nil {
		return transferOutput{}, fmt.Errorf("normalize %s: %w", final, err)
	}
	metrics.ObserveNormalize(string(outcome))

	out := transferOutput{Path: final}
	if archive.IsZip(final) {
		pages, err := archive.EmbedComicInfo(final, comicInfo(chapter, series))
		if err != nil {
			return transferOutput{}, fmt.Errorf("embed metadata: %w", err)
		}
		out.Pages = pages
	} else {
		e.logger.Warn("archive is not a zip; metadata not embedded", zap.String("path", final))
	}

	digest, size, err := e.hasher.HashFile(final)
	if err != nil {
		return transferOutput{}, err
	}
	out.SHA256, out.Bytes = digest, size
	return out, nil
}

// filename derives the library name. The Content-Disposition suggestion is
// only used when the chapter yields nothing usable.
func (e *Executor) filename(chapter catalog.Chapter, series *catalog.Series, suggested string) string {
	in := metadata.FilenameInput{
		Title:      chapter.Title,
		Volume:     chapter.Volume,
		ChapterURL: chapter.URL,
		Ext:        metadata.DefaultExt,
	}
	if series != nil {
		in.SeriesName = series.Name
		in.IncludeSeries = series.IncludeNameInFilename && e.cfg.IncludeSeriesInFilename
	}
	name := metadata.Filename(in)
	if strings.Trim(strings.TrimSuffix(name, metadata.DefaultExt), ". ") != "" {
		return name
	}
	if s := metadata.Sanitize(suggested); s != "" {
		return s
	}
	return fmt.Sprintf("chapter-%d%s", chapter.ID, metadata.DefaultExt)
}

func comicInfo(chapter catalog.Chapter, series *catalog.Series) metadata.Info {
	info := metadata.Info{
		Title:       chapter.Title,
		Volume:      chapter.Volume,
		Authors:     chapter.Authors,
		Tags:        chapter.Tags,
		ReleaseDate: chapter.ReleaseDate,
	}
	if series != nil {
		info.SeriesName = series.Name
	}
	return info
}
