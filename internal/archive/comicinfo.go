package archive

import (
	"bytes"
	"fmt"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/JakeFAU/dsdown/internal/metadata"
)

var imageExts = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {},
	".webp": {}, ".bmp": {}, ".tiff": {}, ".tif": {},
}

// IsImage reports whether name has a page image extension.
func IsImage(name string) bool {
	_, ok := imageExts[strings.ToLower(path.Ext(name))]
	return ok
}

// CountPages counts image entries in the zip at path.
func CountPages(zipPath string) (int, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer r.Close() //nolint:errcheck // read-only
	pages := 0
	for _, f := range r.File {
		if !f.FileInfo().IsDir() && IsImage(f.Name) {
			pages++
		}
	}
	return pages, nil
}

// EmbedComicInfo rewrites the zip at zipPath with a freshly built
// ComicInfo.xml as its first entry. Any previous copy is dropped and the
// remaining entries are kept in their original order. The page count of the
// archive is set on info before rendering and returned.
func EmbedComicInfo(zipPath string, info metadata.Info) (int, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer r.Close() //nolint:errcheck // read-only

	entries := make([]*zip.File, 0, len(r.File))
	pages := 0
	for _, f := range r.File {
		if path.Base(f.Name) == metadata.ComicInfoName && path.Dir(f.Name) == "." {
			continue
		}
		if f.FileInfo().IsDir() {
			continue
		}
		if IsImage(f.Name) {
			pages++
		}
		entries = append(entries, f)
	}

	info.PageCount = &pages
	doc, err := metadata.NewComicInfo(info).Marshal()
	if err != nil {
		return 0, err
	}

	err = replaceFile(zipPath, func(w *zip.Writer) error {
		if err := writeEntry(w, metadata.ComicInfoName, timeNow(), bytes.NewReader(doc)); err != nil {
			return err
		}
		for _, f := range entries {
			if err := copyEntry(w, f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("embed comicinfo: %w", err)
	}
	return pages, nil
}

func copyEntry(w *zip.Writer, f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("read entry %s: %w", f.Name, err)
	}
	defer rc.Close() //nolint:errcheck // read-only
	return writeEntry(w, f.Name, f.Modified, rc)
}
