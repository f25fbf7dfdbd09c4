package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileCursorFirstRunIsEmpty(t *testing.T) {
	t.Parallel()

	cursor := NewFileCursor(t.TempDir())
	got, err := cursor.Cursor(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFileCursorRoundTrip(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested")
	cursor := NewFileCursor(dir)
	fixed := time.Date(2026, time.May, 4, 10, 0, 0, 0, time.UTC)
	cursor.now = func() time.Time { return fixed }

	ctx := context.Background()
	require.NoError(t, cursor.SetCursor(ctx, "https://dynasty-scans.com/chapters/a_ch01"))

	again := NewFileCursor(dir)
	got, err := again.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://dynasty-scans.com/chapters/a_ch01", got)

	snap, err := again.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap.LastFetchAt)
	assert.True(t, snap.LastFetchAt.Equal(fixed))

	raw, err := os.ReadFile(cursor.Path())
	require.NoError(t, err)
	assert.Contains(t, string(raw), "last_fetched_chapter_url: https://dynasty-scans.com/chapters/a_ch01")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are renamed away")
}

func TestFileCursorRejectsCorruptFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("last_fetched_chapter_url: [unclosed"), 0o600))
	_, err := NewFileCursor(dir).Cursor(context.Background())
	require.Error(t, err)
}

func TestLockIsExclusive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := NewLock(dir)
	require.NoError(t, first.Acquire())
	t.Cleanup(func() { _ = first.Release() })

	second := NewLock(dir)
	err := second.Acquire()
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, first.Release())
	require.NoError(t, second.Acquire())
	require.NoError(t, second.Release())
	require.NoError(t, second.Release(), "releasing twice is harmless")
}
