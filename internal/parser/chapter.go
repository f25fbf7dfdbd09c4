package parser

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ChapterDetail is the parsed content of a chapter page.
type ChapterDetail struct {
	Title      string
	SeriesURL  string
	SeriesName string
	Authors    []string
	Tags       []string
}

// HasSeries reports whether the chapter links to an owning series.
func (c ChapterDetail) HasSeries() bool {
	return c.SeriesURL != ""
}

var chapterTitleSelectors = selectorMatchers("h2#chapter-title", "h2.chapter-title", "h2")

var chapterTitle = textMatcher(func(root *goquery.Selection) (*goquery.Selection, bool) {
	return firstMatch(root, chapterTitleSelectors)
})

// ParseChapter extracts the title, owning series, authors and tags.
func (p *Parser) ParseChapter(body []byte) ChapterDetail {
	root := newDocument(body).Selection
	detail := ChapterDetail{
		Authors: authorsIn(root),
		Tags:    tagsIn(root),
	}
	if title, ok := chapterTitle(root); ok {
		detail.Title = title
	}
	series := root.Find(`a[href*="/series/"]`).First()
	if href, ok := series.Attr("href"); ok && strings.TrimSpace(href) != "" {
		detail.SeriesURL = p.Canonical(href)
		detail.SeriesName = cleanText(series)
	}
	return detail
}

// ValidateChapter reports missing chapter page landmarks.
func (p *Parser) ValidateChapter(body []byte) []string {
	root := newDocument(body).Selection
	if _, ok := firstMatch(root, chapterTitleSelectors); !ok {
		return []string{"No chapter title element (h2) found"}
	}
	return nil
}

// DownloadURL derives the archive endpoint for a chapter page URL.
func DownloadURL(chapterURL string) string {
	return strings.TrimRight(chapterURL, "/") + "/download"
}
