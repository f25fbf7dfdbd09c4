// Package metadata derives chapter numbers, subtitles and filenames from
// chapter titles and builds the ComicInfo document embedded into archives.
package metadata

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// DefaultExt is the archive extension used for generated filenames.
const DefaultExt = ".cbz"

// chapterNumberPatterns are tried in order; the first match wins.
var chapterNumberPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bch\.?\s*(\d+(?:\.\d+)?)`),
	regexp.MustCompile(`(?i)\bchapter\s*(\d+(?:\.\d+)?)`),
	regexp.MustCompile(`(?i)\bc(\d+(?:\.\d+)?)\b`),
	regexp.MustCompile(`(?i)#(\d+(?:\.\d+)?)`),
	regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*$`),
}

// chapterTokenPatterns strip a leading chapter token and are applied in
// sequence.
var chapterTokenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*ch\.?\s*\d+(?:\.\d+)?\s*:?\s*`),
	regexp.MustCompile(`(?i)^\s*chapter\s*\d+(?:\.\d+)?\s*:?\s*`),
	regexp.MustCompile(`(?i)^\s*c\d+(?:\.\d+)?\s*:?\s*`),
	regexp.MustCompile(`(?i)^\s*#\d+(?:\.\d+)?\s*:?\s*`),
	regexp.MustCompile(`^\s*-\s*`),
}

const invalidFilenameChars = `<>:"/\|?*`

// ChapterNumber extracts the chapter number from a title. It returns false
// when the title carries no numeric token.
func ChapterNumber(title string) (string, bool) {
	for _, re := range chapterNumberPatterns {
		if m := re.FindStringSubmatch(title); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// Subtitle returns the part of title left after removing the series prefix
// and the chapter token. It returns false if nothing meaningful remains.
func Subtitle(title, seriesName string) (string, bool) {
	result := title
	if seriesName != "" && len(result) >= len(seriesName) && strings.EqualFold(result[:len(seriesName)], seriesName) {
		result = strings.TrimSpace(result[len(seriesName):])
	}
	for _, re := range chapterTokenPatterns {
		result = strings.TrimSpace(re.ReplaceAllString(result, ""))
	}
	if result == "" || result == title {
		return "", false
	}
	return result, true
}

// Sanitize makes name safe for use as a filename.
func Sanitize(name string) string {
	name = norm.NFC.String(name)
	name = strings.Map(func(r rune) rune {
		if strings.ContainsRune(invalidFilenameChars, r) {
			return '_'
		}
		return r
	}, name)
	return strings.TrimSpace(name)
}

// FilenameInput carries everything Filename needs.
type FilenameInput struct {
	Title         string
	SeriesName    string
	IncludeSeries bool
	Volume        *int
	ChapterURL    string
	Ext           string
}

// Filename assembles `[Series ][vVOL ]chNUM[ - Subtitle].ext`. Without a
// chapter number it falls back to `Series - slug`, then to the title.
func Filename(in FilenameInput) string {
	ext := in.Ext
	if ext == "" {
		ext = DefaultExt
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	number, ok := ChapterNumber(in.Title)
	if !ok {
		return fallbackFilename(in) + ext
	}

	var parts []string
	if in.IncludeSeries && in.SeriesName != "" {
		parts = append(parts, in.SeriesName)
	}
	if in.Volume != nil {
		parts = append(parts, fmt.Sprintf("v%d", *in.Volume))
	}
	parts = append(parts, "ch"+number)
	name := strings.Join(parts, " ")
	if sub, ok := Subtitle(in.Title, in.SeriesName); ok {
		name += " - " + sub
	}
	return Sanitize(name) + ext
}

func fallbackFilename(in FilenameInput) string {
	slug := path.Base(strings.TrimRight(in.ChapterURL, "/"))
	if in.SeriesName != "" && slug != "" && slug != "." && slug != "/" {
		return Sanitize(in.SeriesName + " - " + slug)
	}
	if title := Sanitize(in.Title); title != "" {
		return title
	}
	return Sanitize(slug)
}
