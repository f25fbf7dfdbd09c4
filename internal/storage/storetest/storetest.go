// Package storetest holds behavioural tests shared by catalog.Store
// implementations.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dsdown/internal/catalog"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) catalog.Store

var base = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

// Run exercises the full store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := map[string]func(*testing.T, catalog.Store){
		"SeriesLifecycle":          testSeriesLifecycle,
		"ListSeriesByStatus":       testListSeriesByStatus,
		"ChapterRoundTrip":         testChapterRoundTrip,
		"ChapterDuplicateURL":      testChapterDuplicateURL,
		"ListUnprocessedOrder":     testListUnprocessedOrder,
		"MarkProcessed":            testMarkProcessed,
		"EnqueueIdempotent":        testEnqueueIdempotent,
		"DrainOrder":               testDrainOrder,
		"DownloadStateMachine":     testDownloadStateMachine,
		"FailedDownload":           testFailedDownload,
		"ResetAndRemove":           testResetAndRemove,
		"HistoryWindow":            testHistoryWindow,
		"MissingRowsAreNotFound":   testMissingRows,
		"HistorySurvivesRemoval":   testHistorySurvivesRemoval,
		"ChapterWithMissingSeries": testChapterWithMissingSeries,
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			t.Cleanup(func() { _ = store.Close() })
			fn(t, store)
		})
	}
}

func newChapter(t *testing.T, store catalog.Store, url string, seriesID *int64, release *time.Time) catalog.Chapter {
	t.Helper()
	ch, err := store.CreateChapter(context.Background(), catalog.Chapter{
		URL:         url,
		Title:       "Title " + url,
		SeriesID:    seriesID,
		ReleaseDate: release,
		Authors:     []string{"Author"},
		Tags:        []string{"Yuri", "Comedy"},
		CreatedAt:   base,
	})
	require.NoError(t, err)
	require.NotZero(t, ch.ID)
	return ch
}

func testSeriesLifecycle(t *testing.T, store catalog.Store) {
	ctx := context.Background()

	created, err := store.EnsureSeries(ctx, "https://example.com/series/a", "Series A", base)
	require.NoError(t, err)
	require.NotZero(t, created.ID)
	assert.Equal(t, catalog.SeriesUnset, created.Status)
	assert.True(t, created.IncludeNameInFilename)

	again, err := store.EnsureSeries(ctx, "https://example.com/series/a", "Renamed", base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID)
	assert.Equal(t, "Series A", again.Name, "existing series keeps its name")

	created.Status = catalog.SeriesFollowed
	created.DownloadPath = "/library/a"
	created.Description = "desc"
	created.CoverURL = "https://example.com/cover.jpg"
	created.Tags = []string{"Yuri"}
	created.IncludeNameInFilename = false
	created.UpdatedAt = base.Add(2 * time.Hour)
	require.NoError(t, store.UpdateSeries(ctx, created))

	got, err := store.GetSeriesByURL(ctx, created.URL)
	require.NoError(t, err)
	assert.Equal(t, catalog.SeriesFollowed, got.Status)
	assert.Equal(t, "/library/a", got.DownloadPath)
	assert.Equal(t, "desc", got.Description)
	assert.Equal(t, []string{"Yuri"}, got.Tags)
	assert.False(t, got.IncludeNameInFilename)
	assert.True(t, got.UpdatedAt.Equal(base.Add(2*time.Hour)))
	assert.True(t, got.CreatedAt.Equal(base))

	byID, err := store.GetSeries(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, got.URL, byID.URL)
}

func testListSeriesByStatus(t *testing.T, store catalog.Store) {
	ctx := context.Background()
	for _, tc := range []struct {
		url, name string
		status    catalog.SeriesStatus
	}{
		{"https://example.com/series/z", "Zeta", catalog.SeriesFollowed},
		{"https://example.com/series/a", "alpha", catalog.SeriesFollowed},
		{"https://example.com/series/i", "Ignored One", catalog.SeriesIgnored},
		{"https://example.com/series/u", "Undecided", catalog.SeriesUnset},
	} {
		s, err := store.EnsureSeries(ctx, tc.url, tc.name, base)
		require.NoError(t, err)
		s.Status = tc.status
		if tc.status == catalog.SeriesFollowed {
			s.DownloadPath = "/library"
		}
		require.NoError(t, store.UpdateSeries(ctx, s))
	}

	followed, err := store.ListSeries(ctx, catalog.SeriesFollowed)
	require.NoError(t, err)
	require.Len(t, followed, 2)
	assert.Equal(t, "alpha", followed[0].Name)
	assert.Equal(t, "Zeta", followed[1].Name)

	ignored, err := store.ListSeries(ctx, catalog.SeriesIgnored)
	require.NoError(t, err)
	require.Len(t, ignored, 1)
	assert.Equal(t, "Ignored One", ignored[0].Name)

	all, err := store.ListSeries(ctx, catalog.SeriesUnset)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func testChapterRoundTrip(t *testing.T, store catalog.Store) {
	ctx := context.Background()
	series, err := store.EnsureSeries(ctx, "https://example.com/series/a", "A", base)
	require.NoError(t, err)
	release := time.Date(2026, time.February, 10, 0, 0, 0, 0, time.UTC)
	ch := newChapter(t, store, "https://example.com/chapters/a_ch01", catalog.Int64Ptr(series.ID), &release)

	got, err := store.GetChapterByURL(ctx, ch.URL)
	require.NoError(t, err)
	assert.Equal(t, ch.ID, got.ID)
	require.NotNil(t, got.SeriesID)
	assert.Equal(t, series.ID, *got.SeriesID)
	require.NotNil(t, got.ReleaseDate)
	assert.True(t, got.ReleaseDate.Equal(release))
	assert.Equal(t, []string{"Author"}, got.Authors)
	assert.Equal(t, []string{"Yuri", "Comedy"}, got.Tags)
	assert.Nil(t, got.Volume)
	assert.False(t, got.Processed)
	assert.False(t, got.Downloaded)

	require.NoError(t, store.SetChapterVolume(ctx, ch.ID, 3))
	got, err = store.GetChapter(ctx, ch.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Volume)
	assert.Equal(t, 3, *got.Volume)

	orphan := newChapter(t, store, "https://example.com/chapters/oneshot", nil, nil)
	got, err = store.GetChapter(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Nil(t, got.SeriesID)
	assert.Nil(t, got.ReleaseDate)
}

func testChapterDuplicateURL(t *testing.T, store catalog.Store) {
	newChapter(t, store, "https://example.com/chapters/dup", nil, nil)
	_, err := store.CreateChapter(context.Background(), catalog.Chapter{URL: "https://example.com/chapters/dup", Title: "again"})
	require.ErrorIs(t, err, catalog.ErrAlreadyExists)
}

func testListUnprocessedOrder(t *testing.T, store catalog.Store) {
	ctx := context.Background()
	older := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2026, time.January, 5, 0, 0, 0, 0, time.UTC)

	a := newChapter(t, store, "https://example.com/chapters/a", nil, &older)
	b := newChapter(t, store, "https://example.com/chapters/b", nil, &newer)
	c := newChapter(t, store, "https://example.com/chapters/c", nil, nil)
	d := newChapter(t, store, "https://example.com/chapters/d", nil, &newer)
	done := newChapter(t, store, "https://example.com/chapters/done", nil, &newer)
	require.NoError(t, store.MarkProcessed(ctx, done.ID))

	got, err := store.ListUnprocessed(ctx)
	require.NoError(t, err)
	ids := make([]int64, 0, len(got))
	for _, ch := range got {
		ids = append(ids, ch.ID)
	}
	assert.Equal(t, []int64{d.ID, b.ID, a.ID, c.ID}, ids)
}

func testMarkProcessed(t *testing.T, store catalog.Store) {
	ctx := context.Background()
	a := newChapter(t, store, "https://example.com/chapters/a", nil, nil)
	b := newChapter(t, store, "https://example.com/chapters/b", nil, nil)
	require.NoError(t, store.MarkProcessed(ctx, a.ID, b.ID))
	require.NoError(t, store.MarkProcessed(ctx))

	got, err := store.ListUnprocessed(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testEnqueueIdempotent(t *testing.T, store catalog.Store) {
	ctx := context.Background()
	ch := newChapter(t, store, "https://example.com/chapters/a", nil, nil)

	entry, created, err := store.Enqueue(ctx, ch.ID, 0, base)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, catalog.QueuePending, entry.Status)

	again, created, err := store.Enqueue(ctx, ch.ID, 10, base.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, entry.ID, again.ID)
	assert.Equal(t, 0, again.Priority, "existing entry is returned unchanged")

	entries, err := store.ListEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	got, err := store.GetChapter(ctx, ch.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)

	byChapter, err := store.GetEntryByChapter(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, byChapter.ID)
}

func testDrainOrder(t *testing.T, store catalog.Store) {
	ctx := context.Background()
	low := newChapter(t, store, "https://example.com/chapters/low", nil, nil)
	first := newChapter(t, store, "https://example.com/chapters/first", nil, nil)
	second := newChapter(t, store, "https://example.com/chapters/second", nil, nil)

	_, _, err := store.Enqueue(ctx, low.ID, 0, base)
	require.NoError(t, err)
	_, _, err = store.Enqueue(ctx, second.ID, 5, base.Add(2*time.Minute))
	require.NoError(t, err)
	_, _, err = store.Enqueue(ctx, first.ID, 5, base.Add(time.Minute))
	require.NoError(t, err)

	entries, err := store.ListEntries(ctx, catalog.QueuePending)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, first.ID, entries[0].ChapterID)
	assert.Equal(t, second.ID, entries[1].ChapterID)
	assert.Equal(t, low.ID, entries[2].ChapterID)
}

func testDownloadStateMachine(t *testing.T, store catalog.Store) {
	ctx := context.Background()
	ch := newChapter(t, store, "https://example.com/chapters/a", nil, nil)
	entry, _, err := store.Enqueue(ctx, ch.ID, 0, base)
	require.NoError(t, err)

	err = store.FinishDownload(ctx, entry.ID, catalog.QueueCompleted, "", base)
	require.ErrorIs(t, err, catalog.ErrInvalidTransition, "pending cannot finish")

	require.NoError(t, store.BeginDownload(ctx, entry.ID, base.Add(time.Minute)))
	require.ErrorIs(t, store.BeginDownload(ctx, entry.ID, base), catalog.ErrInvalidTransition)

	got, err := store.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.QueueDownloading, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(base.Add(time.Minute)))

	require.ErrorIs(t, store.FinishDownload(ctx, entry.ID, catalog.QueuePending, "", base), catalog.ErrInvalidTransition)
	require.NoError(t, store.FinishDownload(ctx, entry.ID, catalog.QueueCompleted, "", base.Add(2*time.Minute)))

	got, err = store.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.QueueCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	chapter, err := store.GetChapter(ctx, ch.ID)
	require.NoError(t, err)
	assert.True(t, chapter.Downloaded)
	assert.True(t, chapter.Processed)
	require.NotNil(t, chapter.DownloadedAt)
	assert.True(t, chapter.DownloadedAt.Equal(base.Add(2*time.Minute)))

	require.ErrorIs(t, store.RemoveEntry(ctx, entry.ID), catalog.ErrInvalidTransition)
	require.ErrorIs(t, store.ResetEntry(ctx, entry.ID), catalog.ErrInvalidTransition)
}

func testFailedDownload(t *testing.T, store catalog.Store) {
	ctx := context.Background()
	ch := newChapter(t, store, "https://example.com/chapters/a", nil, nil)
	entry, _, err := store.Enqueue(ctx, ch.ID, 0, base)
	require.NoError(t, err)
	require.NoError(t, store.BeginDownload(ctx, entry.ID, base))
	require.NoError(t, store.FinishDownload(ctx, entry.ID, catalog.QueueFailed, "http 500", base.Add(time.Second)))

	failed, err := store.ListEntries(ctx, catalog.QueueFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "http 500", failed[0].ErrorMessage)

	chapter, err := store.GetChapter(ctx, ch.ID)
	require.NoError(t, err)
	assert.False(t, chapter.Downloaded)
	assert.True(t, chapter.Processed)
}

func testResetAndRemove(t *testing.T, store catalog.Store) {
	ctx := context.Background()
	a := newChapter(t, store, "https://example.com/chapters/a", nil, nil)
	b := newChapter(t, store, "https://example.com/chapters/b", nil, nil)
	c := newChapter(t, store, "https://example.com/chapters/c", nil, nil)

	failed, _, err := store.Enqueue(ctx, a.ID, 0, base)
	require.NoError(t, err)
	require.NoError(t, store.BeginDownload(ctx, failed.ID, base))
	require.NoError(t, store.FinishDownload(ctx, failed.ID, catalog.QueueFailed, "boom", base))

	require.NoError(t, store.ResetEntry(ctx, failed.ID))
	got, err := store.GetEntry(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.QueuePending, got.Status)
	assert.Empty(t, got.ErrorMessage)
	assert.Nil(t, got.StartedAt)

	pending, _, err := store.Enqueue(ctx, b.ID, 0, base)
	require.NoError(t, err)
	require.ErrorIs(t, store.ResetEntry(ctx, pending.ID), catalog.ErrInvalidTransition)
	require.NoError(t, store.RemoveEntry(ctx, pending.ID))
	_, err = store.GetEntry(ctx, pending.ID)
	require.ErrorIs(t, err, catalog.ErrNotFound)

	again, created, err := store.Enqueue(ctx, b.ID, 0, base)
	require.NoError(t, err)
	assert.True(t, created, "removed chapter can be queued again")
	assert.NotZero(t, again.ID)

	interrupted, _, err := store.Enqueue(ctx, c.ID, 0, base)
	require.NoError(t, err)
	require.NoError(t, store.BeginDownload(ctx, interrupted.ID, base))
	require.ErrorIs(t, store.RemoveEntry(ctx, interrupted.ID), catalog.ErrInvalidTransition)
	require.NoError(t, store.ResetEntry(ctx, interrupted.ID))
}

func testHistoryWindow(t *testing.T, store catalog.Store) {
	ctx := context.Background()
	starts := []time.Time{base, base.Add(time.Hour), base.Add(2 * time.Hour)}
	for i, at := range starts {
		ch := newChapter(t, store, "https://example.com/chapters/"+string(rune('a'+i)), nil, nil)
		entry, _, err := store.Enqueue(ctx, ch.ID, 0, at)
		require.NoError(t, err)
		require.NoError(t, store.BeginDownload(ctx, entry.ID, at))
	}

	count, err := store.CountStartsSince(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, count, "boundary is inclusive")

	oldest, ok, err := store.OldestStartSince(ctx, base.Add(30*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, oldest.Equal(base.Add(time.Hour)))

	_, ok, err = store.OldestStartSince(ctx, base.Add(3*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	count, err = store.CountStartsSince(ctx, base.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, count)
}

func testMissingRows(t *testing.T, store catalog.Store) {
	ctx := context.Background()
	_, err := store.GetSeries(ctx, 99)
	require.ErrorIs(t, err, catalog.ErrNotFound)
	_, err = store.GetSeriesByURL(ctx, "https://example.com/series/none")
	require.ErrorIs(t, err, catalog.ErrNotFound)
	_, err = store.GetChapter(ctx, 99)
	require.ErrorIs(t, err, catalog.ErrNotFound)
	_, err = store.GetChapterByURL(ctx, "https://example.com/chapters/none")
	require.ErrorIs(t, err, catalog.ErrNotFound)
	_, err = store.GetEntry(ctx, 99)
	require.ErrorIs(t, err, catalog.ErrNotFound)
	_, err = store.GetEntryByChapter(ctx, 99)
	require.ErrorIs(t, err, catalog.ErrNotFound)
	_, _, err = store.Enqueue(ctx, 99, 0, base)
	require.ErrorIs(t, err, catalog.ErrNotFound)
	require.ErrorIs(t, store.UpdateSeries(ctx, catalog.Series{ID: 99}), catalog.ErrNotFound)
	require.ErrorIs(t, store.SetChapterVolume(ctx, 99, 1), catalog.ErrNotFound)
	require.ErrorIs(t, store.BeginDownload(ctx, 99, base), catalog.ErrNotFound)
	require.ErrorIs(t, store.ResetEntry(ctx, 99), catalog.ErrNotFound)
	require.ErrorIs(t, store.RemoveEntry(ctx, 99), catalog.ErrNotFound)
	require.ErrorIs(t, store.MarkProcessed(ctx, 99), catalog.ErrNotFound)
}

func testHistorySurvivesRemoval(t *testing.T, store catalog.Store) {
	ctx := context.Background()
	ch := newChapter(t, store, "https://example.com/chapters/a", nil, nil)
	entry, _, err := store.Enqueue(ctx, ch.ID, 0, base)
	require.NoError(t, err)
	require.NoError(t, store.BeginDownload(ctx, entry.ID, base))
	require.NoError(t, store.FinishDownload(ctx, entry.ID, catalog.QueueFailed, "boom", base))
	require.NoError(t, store.RemoveEntry(ctx, entry.ID))

	count, err := store.CountStartsSince(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func testChapterWithMissingSeries(t *testing.T, store catalog.Store) {
	_, err := store.CreateChapter(context.Background(), catalog.Chapter{
		URL:      "https://example.com/chapters/x",
		Title:    "x",
		SeriesID: catalog.Int64Ptr(404),
	})
	require.Error(t, err)
}
