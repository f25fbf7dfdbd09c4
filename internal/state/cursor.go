// Package state persists the ingestion cursor and guards the state directory
// with a single-writer lock.
package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the state file created inside the state directory.
const FileName = "state.yaml"

// Snapshot is the on-disk state document.
type Snapshot struct {
	LastFetchedChapterURL string     `yaml:"last_fetched_chapter_url"`
	LastFetchAt           *time.Time `yaml:"last_fetch_at,omitempty"`
}

// FileCursor stores the cursor in a YAML file. Writes go through a temp file
// and a rename so a crash never leaves a truncated document.
type FileCursor struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewFileCursor returns a cursor persisted at dir/state.yaml.
func NewFileCursor(dir string) *FileCursor {
	return &FileCursor{path: filepath.Join(dir, FileName), now: time.Now}
}

// Path returns the state file location.
func (c *FileCursor) Path() string { return c.path }

// Load reads the whole snapshot. A missing file yields an empty snapshot.
func (c *FileCursor) Load(_ context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load()
}

func (c *FileCursor) load() (Snapshot, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read state file: %w", err)
	}
	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode state file %s: %w", c.path, err)
	}
	return snap, nil
}

// Cursor returns the last fetched chapter URL, empty on the first run.
func (c *FileCursor) Cursor(ctx context.Context) (string, error) {
	snap, err := c.Load(ctx)
	if err != nil {
		return "", err
	}
	return snap.LastFetchedChapterURL, nil
}

// SetCursor records url as the newest known chapter.
func (c *FileCursor) SetCursor(_ context.Context, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, err := c.load()
	if err != nil {
		return err
	}
	now := c.now().UTC()
	snap.LastFetchedChapterURL = url
	snap.LastFetchAt = &now
	return c.write(snap)
}

func (c *FileCursor) write(snap Snapshot) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
