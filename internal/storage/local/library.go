// Package local manages the on-disk library that finished archives land in.
package local

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/dsdown/internal/catalog"
)

// Config captures the parameters for the library.
type Config struct {
	// DefaultDir receives archives of chapters without a followed series path.
	DefaultDir string `mapstructure:"default_dir" yaml:"default_dir"`
}

// Library resolves destination directories and commits finished downloads.
type Library struct {
	defaultDir string
}

// New validates the default directory, creating it if needed.
func New(cfg Config) (*Library, error) {
	if strings.TrimSpace(cfg.DefaultDir) == "" {
		return nil, errors.New("default directory is required")
	}
	dir, err := ExpandHome(cfg.DefaultDir)
	if err != nil {
		return nil, err
	}
	return &Library{defaultDir: filepath.Clean(dir)}, nil
}

// DefaultDir returns the fallback destination.
func (l *Library) DefaultDir() string { return l.defaultDir }

// Dir returns the destination for a chapter of series, which may be nil.
func (l *Library) Dir(series *catalog.Series) (string, error) {
	if series == nil || strings.TrimSpace(series.DownloadPath) == "" {
		return l.defaultDir, nil
	}
	dir, err := ExpandHome(series.DownloadPath)
	if err != nil {
		return "", err
	}
	return filepath.Clean(dir), nil
}

// CreateTemp opens a hidden partial file inside dir, creating dir when it does
// not exist yet.
func (l *Library) CreateTemp(dir string) (*os.File, error) {
	if err := ensureWritableDir(dir); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(dir, ".dsdown-*.part")
	if err != nil {
		return nil, fmt.Errorf("create partial file: %w", err)
	}
	return f, nil
}

// Commit renames the partial file at tmpPath to name inside dir, replacing
// any existing file, and returns the final path.
func (l *Library) Commit(tmpPath, dir, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("file name is required")
	}
	final := filepath.Join(dir, name)

	// Names come from remote titles; keep them inside dir.
	cleanDir := filepath.Clean(dir)
	if filepath.Dir(filepath.Clean(final)) != cleanDir {
		return "", fmt.Errorf("file name %q escapes %s", name, cleanDir)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		return "", fmt.Errorf("commit %s: %w", final, err)
	}
	return final, nil
}

// Discard removes a partial file, ignoring files that are already gone.
func (l *Library) Discard(tmpPath string) error {
	if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove partial file: %w", err)
	}
	return nil
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

func ensureWritableDir(dir string) error {
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if mkErr := os.MkdirAll(dir, 0o750); mkErr != nil {
			return fmt.Errorf("create directory %s: %w", dir, mkErr)
		}
		return nil
	case err != nil:
		return fmt.Errorf("stat directory %s: %w", dir, err)
	case !info.IsDir():
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}
