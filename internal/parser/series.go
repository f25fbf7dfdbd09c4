package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// SeriesChapter is one entry of a series chapter list.
type SeriesChapter struct {
	URL   string
	Path  string
	Title string
}

// SeriesDetail is the parsed content of a series page.
type SeriesDetail struct {
	Name        string
	Description string
	CoverURL    string
	Tags        []string
	// Volumes maps chapter URL paths to volume numbers. Chapters listed before
	// any volume header are absent.
	Volumes  map[string]int
	Chapters []SeriesChapter
}

// VolumeFor returns the volume number recorded for a chapter URL or path.
func (s SeriesDetail) VolumeFor(chapterURL string) (int, bool) {
	v, ok := s.Volumes[URLPath(chapterURL)]
	return v, ok
}

const (
	coverMarker         = "tag_contents_covers"
	minDescriptionLen   = 100
	maxFallbackTagLen   = 50
	chapterLinkSelector = `a[href*="/chapters/"]`
)

var (
	seriesNameSelectors  = selectorMatchers("h2.tag-title", "h2#tag-title", "h2")
	chapterListSelectors = selectorMatchers(".chapter-list", "#chapters", "dl.chapter-list")
	metadataPrefixes     = []string{"Tags:", "Author:", "Status:"}
)

var descriptionMatchers = []matcher[string]{
	textMatcher(selectorMatcher(".tag-content-summary")),
	textMatcher(selectorMatcher(".description")),
	textMatcher(selectorMatcher("#description")),
	longParagraph,
}

var volumePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^Volume\s+(\d+)`),
	regexp.MustCompile(`(?i)^Vol\.?\s*(\d+)`),
}

// chapterContainerMatchers locate the chapter list, excluding the body
// fallback so Validate can tell a real container from a guess.
var chapterContainerMatchers = append(append([]matcher[*goquery.Selection]{}, chapterListSelectors...), dlWithChapters)

// ParseSeries extracts metadata, the chapter list and the volume mapping.
func (p *Parser) ParseSeries(body []byte) SeriesDetail {
	root := newDocument(body).Selection
	detail := SeriesDetail{
		Tags:     seriesTags(root),
		Volumes:  map[string]int{},
		Chapters: []SeriesChapter{},
	}
	if h2, ok := firstMatch(root, seriesNameSelectors); ok {
		name := h2.Clone()
		name.Find("b").Remove()
		detail.Name = cleanText(name)
	}
	if desc, ok := firstMatch(root, descriptionMatchers); ok {
		detail.Description = desc
	}
	if src, ok := root.Find(`img[src*="` + coverMarker + `"]`).First().Attr("src"); ok && strings.TrimSpace(src) != "" {
		detail.CoverURL = p.Absolute(src)
	}

	container, ok := firstMatch(root, chapterContainerMatchers)
	if !ok {
		container = root.Find("body").First()
	}
	detail.Volumes = volumeMap(container)
	detail.Chapters = p.chapterList(container)
	return detail
}

// ValidateSeries reports missing series page landmarks.
func (p *Parser) ValidateSeries(body []byte) []string {
	root := newDocument(body).Selection
	var warnings []string
	if _, ok := firstMatch(root, seriesNameSelectors); !ok {
		warnings = append(warnings, "No series title element (h2) found")
	}
	if _, ok := firstMatch(root, chapterContainerMatchers); !ok {
		warnings = append(warnings, "No chapters container found on series page")
	}
	return warnings
}

func dlWithChapters(root *goquery.Selection) (*goquery.Selection, bool) {
	var found *goquery.Selection
	root.Find("dl").EachWithBreak(func(_ int, dl *goquery.Selection) bool {
		if dl.Find(chapterLinkSelector).Length() > 0 {
			found = dl
			return false
		}
		return true
	})
	return found, found != nil
}

func longParagraph(root *goquery.Selection) (string, bool) {
	var text string
	root.Find("p").EachWithBreak(func(_ int, para *goquery.Selection) bool {
		t := cleanText(para)
		if len(t) <= minDescriptionLen || hasAnyPrefix(t, metadataPrefixes) {
			return true
		}
		text = t
		return false
	})
	return text, text != ""
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func seriesTags(root *goquery.Selection) []string {
	container := root.Find(".tag-tags, .tags").First()
	if container.Length() > 0 {
		if tags := tagsIn(container); len(tags) > 0 {
			return tags
		}
	}
	var out uniqueStrings
	root.Find(`a[href*="/tags/"]`).Each(func(_ int, a *goquery.Selection) {
		text := cleanText(a)
		if len(text) < maxFallbackTagLen {
			out.add(text)
		}
	})
	return out.list()
}

func volumeNumber(text string) (int, bool) {
	for _, re := range volumePatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		return n, true
	}
	return 0, false
}

func volumeMap(container *goquery.Selection) map[string]int {
	volumes := map[string]int{}
	current := 0
	haveVolume := false
	container.Find("dt, dd, h3, h4, div, li").Each(func(_ int, node *goquery.Selection) {
		if n, ok := volumeNumber(cleanText(node)); ok {
			current, haveVolume = n, true
			return
		}
		if !haveVolume {
			return
		}
		node.Find(chapterLinkSelector).Each(func(_ int, a *goquery.Selection) {
			if href, ok := a.Attr("href"); ok && href != "" {
				volumes[URLPath(href)] = current
			}
		})
	})
	return volumes
}

func (p *Parser) chapterList(container *goquery.Selection) []SeriesChapter {
	out := []SeriesChapter{}
	seen := map[string]struct{}{}
	container.Find(chapterLinkSelector).Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		path := URLPath(href)
		if _, dup := seen[path]; dup {
			return
		}
		seen[path] = struct{}{}
		out = append(out, SeriesChapter{URL: p.Canonical(href), Path: path, Title: cleanText(a)})
	})
	return out
}
