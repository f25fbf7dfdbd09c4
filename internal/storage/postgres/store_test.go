package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dsdown/internal/catalog"
)

var (
	seriesCols = []string{
		"id", "url", "name", "status", "download_path", "include_name_in_filename",
		"description", "cover_url", "tags", "created_at", "updated_at",
	}
	chapterCols = []string{
		"id", "url", "title", "series_id", "release_date", "authors", "tags", "volume",
		"processed", "downloaded", "downloaded_at", "created_at",
	}
	entryCols = []string{
		"id", "chapter_id", "priority", "added_at", "status", "error_message", "started_at", "completed_at",
	}
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

// expectCommit matches pgx.BeginFunc on success: commit, then the deferred
// rollback that pgx treats as a no-op.
func expectCommit(mock pgxmock.PgxPoolIface) {
	mock.ExpectCommit()
	mock.ExpectRollback()
}

// expectRollback matches pgx.BeginFunc when fn fails: an explicit rollback
// followed by the deferred one.
func expectRollback(mock pgxmock.PgxPoolIface) {
	mock.ExpectRollback()
	mock.ExpectRollback()
}

func TestNewStoreWithPoolRequiresPool(t *testing.T) {
	t.Parallel()
	_, err := NewStoreWithPool(nil)
	require.Error(t, err)
}

func TestEnsureSeriesUpserts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("INSERT INTO series").
		WithArgs("https://example.com/series/a", "Series A", now).
		WillReturnRows(pgxmock.NewRows(seriesCols).
			AddRow(int64(4), "https://example.com/series/a", "Series A", "", "", true, "", "", []byte(`["Yuri"]`), now, now))

	series, err := store.EnsureSeries(context.Background(), "https://example.com/series/a", "Series A", now)
	require.NoError(t, err)
	assert.Equal(t, int64(4), series.ID)
	assert.Equal(t, catalog.SeriesUnset, series.Status)
	assert.Equal(t, []string{"Yuri"}, series.Tags)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSeriesMissingRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("UPDATE series SET").
		WithArgs("A", "followed", "/lib", true, "", "", []byte(`[]`), now, int64(9)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateSeries(context.Background(), catalog.Series{
		ID: 9, Name: "A", Status: catalog.SeriesFollowed, DownloadPath: "/lib",
		IncludeNameInFilename: true, UpdatedAt: now,
	})
	require.ErrorIs(t, err, catalog.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSeriesNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM series WHERE id").
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows(seriesCols))

	_, err := store.GetSeries(context.Background(), 1)
	require.ErrorIs(t, err, catalog.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateChapterInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	ch := catalog.Chapter{
		URL:       "https://example.com/chapters/a",
		Title:     "A ch01",
		SeriesID:  catalog.Int64Ptr(3),
		Authors:   []string{"Author"},
		CreatedAt: now,
	}
	mock.ExpectQuery("INSERT INTO chapters").
		WithArgs(ch.URL, ch.Title, ch.SeriesID, ch.ReleaseDate, []byte(`["Author"]`), []byte(`[]`),
			ch.Volume, false, false, ch.DownloadedAt, now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(11)))

	got, err := store.CreateChapter(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, int64(11), got.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateChapterDuplicate(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO chapters").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key"})

	_, err := store.CreateChapter(context.Background(), catalog.Chapter{URL: "u", Title: "t"})
	require.ErrorIs(t, err, catalog.ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetChapterScansNullableColumns(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("FROM chapters WHERE url").
		WithArgs("https://example.com/chapters/a").
		WillReturnRows(pgxmock.NewRows(chapterCols).AddRow(
			int64(1), "https://example.com/chapters/a", "A", (*int64)(nil), &now,
			[]byte(`["Author"]`), []byte(`[]`), catalog.IntPtr(2), true, false, (*time.Time)(nil), now,
		))

	got, err := store.GetChapterByURL(context.Background(), "https://example.com/chapters/a")
	require.NoError(t, err)
	assert.Nil(t, got.SeriesID)
	require.NotNil(t, got.Volume)
	assert.Equal(t, 2, *got.Volume)
	assert.Equal(t, []string{"Author"}, got.Authors)
	assert.Nil(t, got.Tags)
	assert.True(t, got.Processed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessedUnknownChapterRollsBack(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE chapters SET processed").
		WithArgs([]int64{1, 2}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	expectRollback(mock)

	err := store.MarkProcessed(context.Background(), 1, 2)
	require.ErrorIs(t, err, catalog.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueCreatesEntry(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE chapters SET processed").
		WithArgs(int64(5)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("INSERT INTO download_queue").
		WithArgs(int64(5), 0, now).
		WillReturnRows(pgxmock.NewRows(entryCols).
			AddRow(int64(1), int64(5), 0, now, "pending", "", (*time.Time)(nil), (*time.Time)(nil)))
	expectCommit(mock)

	entry, created, err := store.Enqueue(context.Background(), 5, 0, now)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, catalog.QueuePending, entry.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueReturnsExistingEntry(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE chapters SET processed").
		WithArgs(int64(5)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("INSERT INTO download_queue").
		WithArgs(int64(5), 3, now).
		WillReturnRows(pgxmock.NewRows(entryCols))
	mock.ExpectQuery("FROM download_queue WHERE chapter_id").
		WithArgs(int64(5)).
		WillReturnRows(pgxmock.NewRows(entryCols).
			AddRow(int64(1), int64(5), 0, now, "failed", "boom", &now, &now))
	expectCommit(mock)

	entry, created, err := store.Enqueue(context.Background(), 5, 3, now)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, catalog.QueueFailed, entry.Status)
	assert.Equal(t, 0, entry.Priority)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueUnknownChapter(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE chapters SET processed").
		WithArgs(int64(5)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	expectRollback(mock)

	_, _, err := store.Enqueue(context.Background(), 5, 0, time.Now())
	require.ErrorIs(t, err, catalog.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginDownloadWritesHistoryFirst(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT chapter_id, status FROM download_queue").
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"chapter_id", "status"}).AddRow(int64(5), "pending"))
	mock.ExpectExec("INSERT INTO download_history").
		WithArgs(int64(5), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE download_queue").
		WithArgs(now, int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	expectCommit(mock)

	require.NoError(t, store.BeginDownload(context.Background(), 1, now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginDownloadRejectsNonPending(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT chapter_id, status FROM download_queue").
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"chapter_id", "status"}).AddRow(int64(5), "completed"))
	expectRollback(mock)

	err := store.BeginDownload(context.Background(), 1, time.Now())
	require.ErrorIs(t, err, catalog.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishDownloadCompletedMarksChapter(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT chapter_id, status FROM download_queue").
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"chapter_id", "status"}).AddRow(int64(5), "downloading"))
	mock.ExpectExec("UPDATE download_queue SET status").
		WithArgs("completed", "", now, int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE chapters SET downloaded").
		WithArgs(now, int64(5)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	expectCommit(mock)

	require.NoError(t, store.FinishDownload(context.Background(), 1, catalog.QueueCompleted, "", now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishDownloadRejectsNonTerminalStatus(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	err := store.FinishDownload(context.Background(), 1, catalog.QueuePending, "", time.Now())
	require.ErrorIs(t, err, catalog.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveEntryRejectsDownloading(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT chapter_id, status FROM download_queue").
		WithArgs(int64(2)).
		WillReturnRows(pgxmock.NewRows([]string{"chapter_id", "status"}).AddRow(int64(5), "downloading"))
	expectRollback(mock)

	require.ErrorIs(t, store.RemoveEntry(context.Background(), 2), catalog.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResetEntryMovesFailedToPending(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT chapter_id, status FROM download_queue").
		WithArgs(int64(2)).
		WillReturnRows(pgxmock.NewRows([]string{"chapter_id", "status"}).AddRow(int64(5), "failed"))
	mock.ExpectExec("UPDATE download_queue").
		WithArgs(int64(2)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	expectCommit(mock)

	require.NoError(t, store.ResetEntry(context.Background(), 2))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryWindowQueries(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	since := time.Unix(1700000000, 0).UTC()
	oldest := since.Add(time.Hour)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs(since).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery("SELECT MIN").
		WithArgs(since).
		WillReturnRows(pgxmock.NewRows([]string{"min"}).AddRow(&oldest))
	mock.ExpectQuery("SELECT MIN").
		WithArgs(since).
		WillReturnRows(pgxmock.NewRows([]string{"min"}).AddRow((*time.Time)(nil)))

	ctx := context.Background()
	count, err := store.CountStartsSince(ctx, since)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	got, ok, err := store.OldestStartSince(ctx, since)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(oldest))

	_, ok, err = store.OldestStartSince(ctx, since)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListEntriesPassesStatusFilter(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("FROM download_queue").
		WithArgs([]string{"pending", "downloading"}).
		WillReturnRows(pgxmock.NewRows(entryCols).
			AddRow(int64(2), int64(6), 5, now, "pending", "", (*time.Time)(nil), (*time.Time)(nil)).
			AddRow(int64(1), int64(5), 0, now, "downloading", "", &now, (*time.Time)(nil)))

	entries, err := store.ListEntries(context.Background(), catalog.QueuePending, catalog.QueueDownloading)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(2), entries[0].ID)
	assert.Equal(t, catalog.QueueDownloading, entries[1].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateURL(t *testing.T) {
	t.Parallel()

	got, err := migrateURL("postgres://u:p@localhost:5432/dsdown?sslmode=disable")
	require.NoError(t, err)
	assert.Equal(t, "pgx5://u:p@localhost:5432/dsdown?sslmode=disable", got)

	got, err = migrateURL("postgresql://localhost/dsdown")
	require.NoError(t, err)
	assert.Equal(t, "pgx5://localhost/dsdown", got)

	_, err = migrateURL("host=localhost dbname=dsdown")
	require.Error(t, err)
}
