package download

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dsdown/internal/archive"
	"github.com/JakeFAU/dsdown/internal/catalog"
	"github.com/JakeFAU/dsdown/internal/clock/system"
	"github.com/JakeFAU/dsdown/internal/parser"
	"github.com/JakeFAU/dsdown/internal/progress"
	"github.com/JakeFAU/dsdown/internal/queue"
	"github.com/JakeFAU/dsdown/internal/storage/local"
	"github.com/JakeFAU/dsdown/internal/storage/memory"
)

var start = time.Date(2026, time.April, 1, 9, 0, 0, 0, time.UTC)

const seriesPage = `<html><body>
<h2 class="tag-title">Awesome Manga</h2>
<dl class="chapter-list">
  <dt>Volume 2</dt>
  <dd><a href="/chapters/awesome_manga_ch03">Chapter 3</a></dd>
</dl>
</body></html>`

// stubDownloader serves payloads keyed by URL. A URL in cancel cancels the
// drain mid-transfer.
type stubDownloader struct {
	payloads map[string][]byte
	errs     map[string]error
	cancel   map[string]context.CancelFunc
	calls    []string
}

func (s *stubDownloader) Download(ctx context.Context, url string, dst io.Writer, progress ProgressFunc) (Response, error) {
	s.calls = append(s.calls, url)
	if cancel, ok := s.cancel[url]; ok {
		_, _ = dst.Write([]byte("partial"))
		cancel()
		return Response{}, ctx.Err()
	}
	if err, ok := s.errs[url]; ok {
		return Response{}, err
	}
	body, ok := s.payloads[url]
	if !ok {
		return Response{}, errors.New("http 404")
	}
	n, err := dst.Write(body)
	if progress != nil {
		progress(int64(n), int64(len(body)))
	}
	return Response{Bytes: int64(n)}, err
}

type stubNormalizer struct {
	outcome archive.Outcome
	err     error
}

func (s stubNormalizer) Normalize(context.Context, string) (archive.Outcome, error) {
	return s.outcome, s.err
}

type stubFetcher struct {
	pages map[string]string
	calls int
}

func (s *stubFetcher) Fetch(_ context.Context, url string) (catalog.Page, error) {
	s.calls++
	body, ok := s.pages[url]
	if !ok {
		return catalog.Page{}, errors.New("http 404")
	}
	return catalog.Page{URL: url, StatusCode: 200, Body: []byte(body)}, nil
}

type recordingEmitter struct {
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) { r.events = append(r.events, evt) }

func (r *recordingEmitter) stages() []progress.Stage {
	out := make([]progress.Stage, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Stage)
	}
	return out
}

type harness struct {
	exec       *Executor
	store      *memory.Store
	queue      *queue.Queue
	clock      *system.Manual
	downloader *stubDownloader
	fetcher    *stubFetcher
	emitter    *recordingEmitter
	dir        string
}

func newHarness(t *testing.T, budget int, normalizer Normalizer) *harness {
	t.Helper()
	store := memory.NewStore()
	clk := system.NewManual(start)
	q := queue.New(store, clk, queue.Config{MaxPerWindow: budget, Window: 24 * time.Hour}, nil)
	dir := t.TempDir()
	lib, err := local.New(local.Config{DefaultDir: dir})
	require.NoError(t, err)
	p, err := parser.New(parser.DefaultBaseURL)
	require.NoError(t, err)

	h := &harness{
		store:      store,
		queue:      q,
		clock:      clk,
		downloader: &stubDownloader{payloads: map[string][]byte{}, errs: map[string]error{}, cancel: map[string]context.CancelFunc{}},
		fetcher:    &stubFetcher{pages: map[string]string{}},
		emitter:    &recordingEmitter{},
		dir:        dir,
	}
	if normalizer == nil {
		normalizer = stubNormalizer{outcome: archive.OutcomeAlreadyZip}
	}
	h.exec, err = New(Config{}, Deps{
		Registry:   store,
		Queue:      q,
		Fetcher:    h.fetcher,
		Parser:     p,
		Downloader: h.downloader,
		Normalizer: normalizer,
		Library:    lib,
		Clock:      clk,
		Emitter:    h.emitter,
	})
	require.NoError(t, err)
	return h
}

func zipBytes(t *testing.T, names ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte("img"))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// queueChapter registers a chapter and queues it. The archive is served
// unless payload is nil.
func (h *harness) queueChapter(t *testing.T, url, title string, seriesID *int64, payload []byte) catalog.QueueEntry {
	t.Helper()
	ctx := context.Background()
	ch, err := h.store.CreateChapter(ctx, catalog.Chapter{URL: url, Title: title, SeriesID: seriesID})
	require.NoError(t, err)
	entry, _, err := h.queue.Enqueue(ctx, ch.ID, 0)
	require.NoError(t, err)
	if payload != nil {
		h.downloader.payloads[parser.DownloadURL(url)] = payload
	}
	// Distinct added_at keeps drain order deterministic.
	h.clock.Advance(time.Second)
	return entry
}

func entryStatus(t *testing.T, store *memory.Store, id int64) catalog.QueueEntry {
	t.Helper()
	entry, err := store.GetEntry(context.Background(), id)
	require.NoError(t, err)
	return entry
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}

func TestDrainWithoutBudgetIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, nil)
	ctx := context.Background()
	e := h.queueChapter(t, "https://dynasty-scans.com/chapters/a_ch01", "A ch01", nil, zipBytes(t, "01.jpg"))
	h.store.RecordStart(999, h.clock.Now().Add(-time.Hour))

	res, err := h.exec.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Downloaded)
	assert.Zero(t, res.Failed)
	assert.Equal(t, h.clock.Now().Add(23*time.Hour), res.NextSlotAt)
	assert.Empty(t, h.downloader.calls)
	assert.Equal(t, catalog.QueuePending, entryStatus(t, h.store, e.ID).Status)
	assert.Empty(t, h.emitter.events)
}

func TestDrainCompletesEntriesAndEmbedsMetadata(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5, nil)
	ctx := context.Background()
	e := h.queueChapter(t, "https://dynasty-scans.com/chapters/a_ch01", "A ch01", nil, zipBytes(t, "01.jpg", "02.png"))

	res, err := h.exec.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Downloaded)
	require.Len(t, res.Entries, 1)

	got := res.Entries[0]
	assert.Equal(t, filepath.Join(h.dir, "ch01.cbz"), got.Path)
	assert.Equal(t, 2, got.Pages)
	assert.Len(t, got.SHA256, 64)

	r, err := zip.OpenReader(got.Path)
	require.NoError(t, err)
	defer r.Close()
	require.NotEmpty(t, r.File)
	assert.Equal(t, "ComicInfo.xml", r.File[0].Name)

	stored := entryStatus(t, h.store, e.ID)
	assert.Equal(t, catalog.QueueCompleted, stored.Status)
	ch, err := h.store.GetChapter(ctx, e.ChapterID)
	require.NoError(t, err)
	assert.True(t, ch.Downloaded)
	assert.Len(t, h.store.History(), 1)

	matches, err := filepath.Glob(filepath.Join(h.dir, ".dsdown-*.part"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestDrainContinuesPastFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5, nil)
	ctx := context.Background()
	first := h.queueChapter(t, "https://dynasty-scans.com/chapters/a_ch01", "A ch01", nil, zipBytes(t, "01.jpg"))
	second := h.queueChapter(t, "https://dynasty-scans.com/chapters/a_ch02", "A ch02", nil, nil)
	third := h.queueChapter(t, "https://dynasty-scans.com/chapters/a_ch03", "A ch03", nil, zipBytes(t, "01.jpg"))
	h.downloader.errs[parser.DownloadURL("https://dynasty-scans.com/chapters/a_ch02")] = errors.New("http 500")

	res, err := h.exec.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Downloaded)
	assert.Equal(t, 1, res.Failed)

	assert.Equal(t, catalog.QueueCompleted, entryStatus(t, h.store, first.ID).Status)
	failed := entryStatus(t, h.store, second.ID)
	assert.Equal(t, catalog.QueueFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "http 500")
	assert.Equal(t, catalog.QueueCompleted, entryStatus(t, h.store, third.ID).Status)

	// The failed attempt still consumed a slot.
	assert.Len(t, h.store.History(), 3)
	assert.Contains(t, h.emitter.stages(), progress.StageDownloadError)
}

// completeFailsStore refuses to record completions.
type completeFailsStore struct {
	*memory.Store
}

func (s completeFailsStore) FinishDownload(
	ctx context.Context,
	entryID int64,
	status catalog.QueueStatus,
	errMsg string,
	at time.Time,
) error {
	if status == catalog.QueueCompleted {
		return errors.New("disk I/O error")
	}
	return s.Store.FinishDownload(ctx, entryID, status, errMsg, at)
}

func TestDrainFailsEntryWhenCompletionCannotBeRecorded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5, nil)
	ctx := context.Background()
	q := queue.New(completeFailsStore{h.store}, h.clock, queue.Config{MaxPerWindow: 5, Window: 24 * time.Hour}, nil)
	lib, err := local.New(local.Config{DefaultDir: h.dir})
	require.NoError(t, err)
	p, err := parser.New(parser.DefaultBaseURL)
	require.NoError(t, err)
	exec, err := New(Config{}, Deps{
		Registry:   h.store,
		Queue:      q,
		Fetcher:    h.fetcher,
		Parser:     p,
		Downloader: h.downloader,
		Normalizer: stubNormalizer{outcome: archive.OutcomeAlreadyZip},
		Library:    lib,
		Clock:      h.clock,
		Emitter:    h.emitter,
	})
	require.NoError(t, err)
	entry := h.queueChapter(t, "https://dynasty-scans.com/chapters/a_ch01", "A ch01", nil, zipBytes(t, "01.jpg"))

	res, err := exec.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Downloaded)
	assert.Equal(t, 1, res.Failed)

	got := entryStatus(t, h.store, entry.ID)
	assert.Equal(t, catalog.QueueFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "disk I/O error")
}

func TestDrainHonoursBudget(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, nil)
	ctx := context.Background()
	for _, url := range []string{
		"https://dynasty-scans.com/chapters/a_ch01",
		"https://dynasty-scans.com/chapters/a_ch02",
		"https://dynasty-scans.com/chapters/a_ch03",
	} {
		h.queueChapter(t, url, "A "+filepath.Base(url), nil, zipBytes(t, "01.jpg"))
	}

	res, err := h.exec.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Downloaded)
	assert.Equal(t, h.clock.Now().Add(24*time.Hour), res.NextSlotAt)

	pending, err := h.store.ListEntries(ctx, catalog.QueuePending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "https://dynasty-scans.com/chapters/a_ch03", mustChapter(t, h.store, pending[0].ChapterID).URL)
}

func mustChapter(t *testing.T, store *memory.Store, id int64) catalog.Chapter {
	t.Helper()
	ch, err := store.GetChapter(context.Background(), id)
	require.NoError(t, err)
	return ch
}

func TestDrainBackfillsVolumeOncePerSeries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5, nil)
	ctx := context.Background()
	series, err := h.store.EnsureSeries(ctx, "https://dynasty-scans.com/series/awesome_manga", "Awesome Manga", start)
	require.NoError(t, err)
	h.fetcher.pages[series.URL] = seriesPage

	ch3 := h.queueChapter(t, "https://dynasty-scans.com/chapters/awesome_manga_ch03", "Awesome Manga ch03",
		catalog.Int64Ptr(series.ID), zipBytes(t, "01.jpg"))
	ch4 := h.queueChapter(t, "https://dynasty-scans.com/chapters/awesome_manga_ch04", "Awesome Manga ch04",
		catalog.Int64Ptr(series.ID), zipBytes(t, "01.jpg"))

	res, err := h.exec.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Downloaded)
	assert.Equal(t, 1, h.fetcher.calls)

	withVolume := mustChapter(t, h.store, ch3.ChapterID)
	require.NotNil(t, withVolume.Volume)
	assert.Equal(t, 2, *withVolume.Volume)
	assert.Nil(t, mustChapter(t, h.store, ch4.ChapterID).Volume)

	_, err = os.Stat(filepath.Join(h.dir, "v2 ch03.cbz"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(h.dir, "ch04.cbz"))
	require.NoError(t, err)
}

func TestDrainUsesSeriesDirectoryAndName(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5, nil)
	h.exec.cfg.IncludeSeriesInFilename = true
	ctx := context.Background()
	seriesDir := filepath.Join(t.TempDir(), "awesome")
	series, err := h.store.EnsureSeries(ctx, "https://dynasty-scans.com/series/awesome_manga", "Awesome Manga", start)
	require.NoError(t, err)
	series.Status = catalog.SeriesFollowed
	series.DownloadPath = seriesDir
	series.IncludeNameInFilename = true
	require.NoError(t, h.store.UpdateSeries(ctx, series))

	h.queueChapter(t, "https://dynasty-scans.com/chapters/awesome_manga_ch05", "Awesome Manga ch05: Finale",
		catalog.Int64Ptr(series.ID), zipBytes(t, "01.jpg"))

	res, err := h.exec.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, filepath.Join(seriesDir, "Awesome Manga ch05 - Finale.cbz"), res.Entries[0].Path)
}

func TestDrainKeepsNonZipArchives(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5, stubNormalizer{outcome: archive.OutcomeKept})
	ctx := context.Background()
	e := h.queueChapter(t, "https://dynasty-scans.com/chapters/a_ch01", "A ch01", nil, []byte("Rar!\x1a\x07\x00payload"))

	res, err := h.exec.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Downloaded)
	assert.Zero(t, res.Entries[0].Pages)
	assert.Equal(t, catalog.QueueCompleted, entryStatus(t, h.store, e.ID).Status)
}

func TestDrainMarksNormalizeFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5, stubNormalizer{err: errors.New("extract failed")})
	ctx := context.Background()
	e := h.queueChapter(t, "https://dynasty-scans.com/chapters/a_ch01", "A ch01", nil, zipBytes(t, "01.jpg"))

	res, err := h.exec.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, catalog.QueueFailed, entryStatus(t, h.store, e.ID).Status)
	// The transferred file stays in the library.
	_, err = os.Stat(filepath.Join(h.dir, "ch01.cbz"))
	require.NoError(t, err)
}

func TestDrainCancelledMidTransfer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := h.queueChapter(t, "https://dynasty-scans.com/chapters/a_ch01", "A ch01", nil, nil)
	second := h.queueChapter(t, "https://dynasty-scans.com/chapters/a_ch02", "A ch02", nil, zipBytes(t, "01.jpg"))
	h.downloader.cancel[parser.DownloadURL("https://dynasty-scans.com/chapters/a_ch01")] = cancel

	res, err := h.exec.Drain(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, res.Downloaded)
	assert.Zero(t, res.Failed)

	assert.Equal(t, catalog.QueueDownloading, entryStatus(t, h.store, first.ID).Status)
	assert.Equal(t, catalog.QueuePending, entryStatus(t, h.store, second.ID).Status)
	assert.Len(t, h.downloader.calls, 1)

	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "partial file removed")
	assert.Equal(t, progress.StageRunError, h.emitter.events[len(h.emitter.events)-1].Stage)
}

func TestDrainEmitsProgress(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5, nil)
	h.queueChapter(t, "https://dynasty-scans.com/chapters/a_ch01", "A ch01", nil, zipBytes(t, "01.jpg"))

	_, err := h.exec.Drain(context.Background())
	require.NoError(t, err)

	stages := h.emitter.stages()
	require.NotEmpty(t, stages)
	assert.Equal(t, progress.StageRunStart, stages[0])
	assert.Contains(t, stages, progress.StageDownloadStart)
	assert.Contains(t, stages, progress.StageDownloadProgress)
	assert.Contains(t, stages, progress.StageDownloadDone)
	assert.Equal(t, progress.StageRunDone, stages[len(stages)-1])
	for _, evt := range h.emitter.events {
		assert.Equal(t, progress.RunDrain, evt.Run)
		assert.NoError(t, evt.Validate())
	}
}

func TestDownloadOne(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5, nil)
	ctx := context.Background()
	older := h.queueChapter(t, "https://dynasty-scans.com/chapters/a_ch01", "A ch01", nil, zipBytes(t, "01.jpg"))
	ch, err := h.store.CreateChapter(ctx, catalog.Chapter{URL: "https://dynasty-scans.com/chapters/b_ch01", Title: "B ch01"})
	require.NoError(t, err)
	h.downloader.payloads[parser.DownloadURL(ch.URL)] = zipBytes(t, "01.jpg")

	res, err := h.exec.DownloadOne(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, ch.ID, res.ChapterID)
	assert.NotEmpty(t, res.Path)

	entry, err := h.store.GetEntryByChapter(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, DefaultPriority, entry.Priority)
	assert.Equal(t, catalog.QueueCompleted, entry.Status)
	assert.Equal(t, catalog.QueuePending, entryStatus(t, h.store, older.ID).Status)

	_, err = h.exec.DownloadOne(ctx, ch.ID)
	require.ErrorIs(t, err, catalog.ErrInvalidTransition)
}

func TestDownloadOneRateLimited(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, nil)
	ctx := context.Background()
	h.store.RecordStart(999, h.clock.Now().Add(-2*time.Hour))
	ch, err := h.store.CreateChapter(ctx, catalog.Chapter{URL: "https://dynasty-scans.com/chapters/b_ch01", Title: "B ch01"})
	require.NoError(t, err)

	_, err = h.exec.DownloadOne(ctx, ch.ID)
	require.ErrorIs(t, err, queue.ErrRateLimited)
	var rl *queue.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, h.clock.Now().Add(22*time.Hour), rl.NextSlotAt)

	entry, err := h.store.GetEntryByChapter(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.QueuePending, entry.Status, "the chapter stays queued for the next drain")
	assert.Empty(t, h.downloader.calls)
}

func TestFilenameFallsBackToDisposition(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, nil)
	got := h.exec.filename(catalog.Chapter{ID: 7, URL: "/"}, nil, "server name.zip")
	assert.Equal(t, "server name.zip", got)
	assert.Equal(t, "chapter-7.cbz", h.exec.filename(catalog.Chapter{ID: 7, URL: "/"}, nil, ""))
}
