package parser

import (
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Release is one chapter row on the release feed.
type Release struct {
	URL         string
	Title       string
	Authors     []string
	Tags        []string
	ReleaseDate *time.Time
}

// ReleasePage is the parsed content of one feed page.
type ReleasePage struct {
	Releases    []Release
	NextPageURL string
}

// HasNextPage reports whether the feed declares another page.
func (p ReleasePage) HasNextPage() bool {
	return p.NextPageURL != ""
}

var dateHeaderPattern = regexp.MustCompile(`\w+\s+\d{1,2},?\s+\d{4}`)

// dateLayouts are tried in order; the first successful parse wins.
var dateLayouts = []string{
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
}

var mainContainer = selectorMatchers("#main", ".chapters", "main")

var nextPageMatchers = []matcher[string]{
	hrefMatcher(`a[rel="next"]`),
	hrefMatcher("a.next_page"),
	nextByText,
	nextAfterCurrent,
}

// ParseReleases extracts the chapter rows and pagination link from a feed page.
func (p *Parser) ParseReleases(body []byte) ReleasePage {
	doc := newDocument(body)
	root := doc.Selection

	content, ok := firstMatch(root, mainContainer)
	if !ok {
		content = root.Find("body").First()
	}

	page := ReleasePage{Releases: []Release{}}
	var current *time.Time
	content.Find("dt, dd").Each(func(_ int, node *goquery.Selection) {
		switch goquery.NodeName(node) {
		case "dt":
			text := cleanText(node)
			if dateHeaderPattern.MatchString(text) {
				current = parseReleaseDate(text)
			}
		case "dd":
			if rel, ok := p.parseReleaseEntry(node, current); ok {
				page.Releases = append(page.Releases, rel)
			}
		}
	})

	if href, ok := firstMatch(root, nextPageMatchers); ok {
		page.NextPageURL = p.Absolute(href)
	}
	return page
}

// ValidateReleases reports missing feed landmarks.
func (p *Parser) ValidateReleases(body []byte) []string {
	root := newDocument(body).Selection
	var warnings []string
	if _, ok := firstMatch(root, mainContainer); !ok {
		warnings = append(warnings, "Missing main content container (#main)")
	}
	if root.Find("dt").Length() == 0 {
		warnings = append(warnings, "No <dt> date headers found on releases page")
	}
	if root.Find("dd").Length() == 0 {
		warnings = append(warnings, "No <dd> chapter entries found on releases page")
	}
	return warnings
}

func (p *Parser) parseReleaseEntry(node *goquery.Selection, date *time.Time) (Release, bool) {
	link := node.Find(`a[href*="/chapters/"]`).First()
	href, ok := link.Attr("href")
	if !ok || strings.Contains(href, "/chapters/added") {
		return Release{}, false
	}
	rel := Release{
		URL:     p.Canonical(href),
		Title:   cleanText(link),
		Authors: authorsIn(node),
		Tags:    tagsIn(node),
	}
	if date != nil {
		d := *date
		rel.ReleaseDate = &d
	}
	return rel, true
}

func parseReleaseDate(text string) *time.Time {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return &t
		}
	}
	return nil
}

func nextByText(root *goquery.Selection) (string, bool) {
	var href string
	root.Find("a").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		if !strings.Contains(a.Text(), "Next") {
			return true
		}
		if h, ok := a.Attr("href"); ok && strings.TrimSpace(h) != "" {
			href = strings.TrimSpace(h)
			return false
		}
		return true
	})
	return href, href != ""
}

// nextAfterCurrent finds the first link to the right of the active pager item.
func nextAfterCurrent(root *goquery.Selection) (string, bool) {
	current := root.Find(".pagination").First().Find(".current, .active").First()
	if current.Length() == 0 {
		return "", false
	}
	var href string
	current.NextAll().EachWithBreak(func(_ int, sib *goquery.Selection) bool {
		link := sib
		if goquery.NodeName(sib) != "a" {
			link = sib.Find("a").First()
		}
		if h, ok := link.Attr("href"); ok && strings.TrimSpace(h) != "" {
			href = strings.TrimSpace(h)
			return false
		}
		return true
	})
	return href, href != ""
}
