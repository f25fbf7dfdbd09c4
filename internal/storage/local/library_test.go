// Package local_test tests the download library.
package local_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dsdown/internal/catalog"
	"github.com/JakeFAU/dsdown/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		lib, err := local.New(local.Config{DefaultDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, lib)
	})
	t.Run("MissingDefaultDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})
	t.Run("ExpandsHome", func(t *testing.T) {
		home, err := os.UserHomeDir()
		require.NoError(t, err)
		lib, err := local.New(local.Config{DefaultDir: "~/Downloads/dsdown"})
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(home, "Downloads", "dsdown"), lib.DefaultDir())
	})
}

func TestDir(t *testing.T) {
	base := t.TempDir()
	lib, err := local.New(local.Config{DefaultDir: base})
	require.NoError(t, err)

	dir, err := lib.Dir(nil)
	require.NoError(t, err)
	assert.Equal(t, base, dir)

	dir, err = lib.Dir(&catalog.Series{Status: catalog.SeriesFollowed, DownloadPath: "/library/Cool Series/"})
	require.NoError(t, err)
	assert.Equal(t, "/library/Cool Series", dir)

	dir, err = lib.Dir(&catalog.Series{})
	require.NoError(t, err)
	assert.Equal(t, base, dir)
}

func TestCreateTempAndCommit(t *testing.T) {
	lib, err := local.New(local.Config{DefaultDir: t.TempDir()})
	require.NoError(t, err)
	dest := filepath.Join(t.TempDir(), "nested", "series")

	f, err := lib.CreateTemp(dest)
	require.NoError(t, err)
	_, err = f.WriteString("archive")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.True(t, strings.HasPrefix(filepath.Base(f.Name()), ".dsdown-"))

	require.NoError(t, os.WriteFile(filepath.Join(dest, "ch01.cbz"), []byte("old"), 0o600))
	final, err := lib.Commit(f.Name(), dest, "ch01.cbz")
	require.NoError(t, err)

	// #nosec G304 -- test reads from the controlled temp directory.
	got, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, "archive", string(got), "existing files are overwritten")

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCommitRejectsEscapingNames(t *testing.T) {
	lib, err := local.New(local.Config{DefaultDir: t.TempDir()})
	require.NoError(t, err)
	dest := t.TempDir()
	f, err := lib.CreateTemp(dest)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = lib.Commit(f.Name(), dest, "../escape.cbz")
	assert.Error(t, err)
	_, err = lib.Commit(f.Name(), dest, "")
	assert.Error(t, err)

	require.NoError(t, lib.Discard(f.Name()))
	require.NoError(t, lib.Discard(f.Name()), "discarding twice is harmless")
}

func TestCreateTempRejectsFile(t *testing.T) {
	lib, err := local.New(local.Config{DefaultDir: t.TempDir()})
	require.NoError(t, err)
	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	_, err = lib.CreateTemp(file)
	assert.Error(t, err)
}
