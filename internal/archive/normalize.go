// Package archive guarantees downloaded chapters are valid zip containers and
// embeds the ComicInfo document into them.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"
)

// Tool describes an external extractor invocation.
type Tool struct {
	Name string
	// Args builds the argument list extracting archive into dest.
	Args func(archive, dest string) []string
}

// KnownTools are the extractors understood by name in configuration.
var KnownTools = map[string]Tool{
	"7z": {
		Name: "7z",
		Args: func(archive, dest string) []string { return []string{"x", "-y", "-o" + dest, archive} },
	},
	"unar": {
		Name: "unar",
		Args: func(archive, dest string) []string { return []string{"-f", "-q", "-o", dest, archive} },
	},
}

// DefaultTools is the fallback order when none is configured.
var DefaultTools = []string{"7z", "unar"}

// Config controls the Normalizer.
type Config struct {
	// Tools lists extractor names in preference order.
	Tools []string
	// ScratchDir holds temporary extraction directories. Empty means os.TempDir.
	ScratchDir string
	Logger     *zap.Logger
}

// Outcome summarises what Normalize did to a file.
type Outcome string

// Normalize outcomes.
const (
	OutcomeAlreadyZip Outcome = "already_zip"
	OutcomeRepacked   Outcome = "repacked"
	OutcomeKept       Outcome = "kept"
)

type commandRunner func(ctx context.Context, name string, args ...string) error

var timeNow = time.Now

// Normalizer converts non-zip downloads into zip containers.
type Normalizer struct {
	tools      []Tool
	scratchDir string
	logger     *zap.Logger
	lookPath   func(string) (string, error)
	run        commandRunner
}

// NewNormalizer builds a Normalizer. Unknown tool names are skipped.
func NewNormalizer(cfg Config) *Normalizer {
	names := cfg.Tools
	if len(names) == 0 {
		names = DefaultTools
	}
	tools := make([]Tool, 0, len(names))
	for _, name := range names {
		if tool, ok := KnownTools[name]; ok {
			tools = append(tools, tool)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{
		tools:      tools,
		scratchDir: cfg.ScratchDir,
		logger:     logger,
		lookPath:   exec.LookPath,
		run:        runCommand,
	}
}

// IsZip reports whether path opens as a zip archive.
func IsZip(path string) bool {
	r, err := zip.OpenReader(path)
	if err != nil {
		return false
	}
	_ = r.Close()
	return true
}

// Normalize leaves valid zips alone and otherwise extracts path with the
// first tool that yields files, repacking them in lexicographic order. When
// no tool succeeds the file is kept as is and no error is returned.
func (n *Normalizer) Normalize(ctx context.Context, path string) (Outcome, error) {
	if IsZip(path) {
		return OutcomeAlreadyZip, nil
	}
	for _, tool := range n.tools {
		if err := ctx.Err(); err != nil {
			return OutcomeKept, fmt.Errorf("normalize canceled: %w", err)
		}
		bin, err := n.lookPath(tool.Name)
		if err != nil {
			n.logger.Debug("archive tool unavailable", zap.String("tool", tool.Name))
			continue
		}
		ok, err := n.extractAndRepack(ctx, bin, tool, path)
		if err != nil {
			n.logger.Warn("archive tool failed", zap.String("tool", tool.Name), zap.String("path", path), zap.Error(err))
			continue
		}
		if ok {
			n.logger.Info("archive repacked", zap.String("tool", tool.Name), zap.String("path", path))
			return OutcomeRepacked, nil
		}
	}
	n.logger.Warn("archive left unmodified", zap.String("path", path))
	return OutcomeKept, nil
}

func (n *Normalizer) extractAndRepack(ctx context.Context, bin string, tool Tool, path string) (bool, error) {
	scratch, err := os.MkdirTemp(n.scratchDir, "dsdown-extract-")
	if err != nil {
		return false, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(scratch); rmErr != nil {
			n.logger.Warn("scratch cleanup failed", zap.String("dir", scratch), zap.Error(rmErr))
		}
	}()

	if err := n.run(ctx, bin, tool.Args(path, scratch)...); err != nil {
		return false, fmt.Errorf("run %s: %w", tool.Name, err)
	}
	files, err := regularFiles(scratch)
	if err != nil {
		return false, err
	}
	if len(files) == 0 {
		return false, nil
	}
	if err := repack(path, scratch, files); err != nil {
		return false, err
	}
	return true, nil
}

// regularFiles returns slash-separated paths relative to root, sorted.
func regularFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("relative path: %w", err)
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk extracted files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// repack writes files from root into a STORED zip that replaces dest.
func repack(dest, root string, files []string) error {
	return replaceFile(dest, func(w *zip.Writer) error {
		for _, name := range files {
			if err := addFile(w, root, name); err != nil {
				return err
			}
		}
		return nil
	})
}

func addFile(w *zip.Writer, root, name string) error {
	src := filepath.Join(root, filepath.FromSlash(name))
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", name, err)
	}
	f, err := os.Open(src) //nolint:gosec // path comes from our own scratch dir
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close() //nolint:errcheck // read-only
	return writeEntry(w, name, info.ModTime(), f)
}

func writeEntry(w *zip.Writer, name string, modified time.Time, r io.Reader) error {
	hdr := &zip.FileHeader{Name: name, Method: zip.Store, Modified: modified}
	dst, err := w.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("create entry %s: %w", name, err)
	}
	if _, err := io.Copy(dst, r); err != nil {
		return fmt.Errorf("write entry %s: %w", name, err)
	}
	return nil
}

// replaceFile builds a new zip next to dest with fill and renames it over dest.
func replaceFile(dest string, fill func(*zip.Writer) error) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".dsdown-repack-*")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	zw := zip.NewWriter(tmp)
	if err = fill(zw); err != nil {
		_ = zw.Close()
		_ = tmp.Close()
		return err
	}
	if err = zw.Close(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("finalize archive: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp archive: %w", err)
	}
	if err = os.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("replace archive: %w", err)
	}
	return nil
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec // tool names come from a fixed table
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(out) > 0 {
			return fmt.Errorf("%w: %s", err, truncate(string(out), 512))
		}
		return err
	}
	return nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
