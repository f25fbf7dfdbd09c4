package parser

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// matcher extracts one field from a document root. Matchers for a field are
// kept in priority order and evaluated by firstMatch.
type matcher[T any] func(root *goquery.Selection) (T, bool)

func firstMatch[T any](root *goquery.Selection, matchers []matcher[T]) (T, bool) {
	for _, m := range matchers {
		if v, ok := m(root); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// selectorMatcher returns the first element matching selector.
func selectorMatcher(selector string) matcher[*goquery.Selection] {
	return func(root *goquery.Selection) (*goquery.Selection, bool) {
		sel := root.Find(selector).First()
		return sel, sel.Length() > 0
	}
}

// selectorMatchers builds one matcher per selector, preserving order.
func selectorMatchers(selectors ...string) []matcher[*goquery.Selection] {
	out := make([]matcher[*goquery.Selection], 0, len(selectors))
	for _, s := range selectors {
		out = append(out, selectorMatcher(s))
	}
	return out
}

// textMatcher adapts an element matcher into a non-empty text matcher.
func textMatcher(m matcher[*goquery.Selection]) matcher[string] {
	return func(root *goquery.Selection) (string, bool) {
		sel, ok := m(root)
		if !ok {
			return "", false
		}
		text := cleanText(sel)
		return text, text != ""
	}
}

// hrefMatcher returns the href of the first element matching selector.
func hrefMatcher(selector string) matcher[string] {
	return func(root *goquery.Selection) (string, bool) {
		href, ok := root.Find(selector).First().Attr("href")
		href = strings.TrimSpace(href)
		return href, ok && href != ""
	}
}

// cleanText returns the element text with runs of whitespace collapsed.
func cleanText(sel *goquery.Selection) string {
	return strings.Join(strings.Fields(sel.Text()), " ")
}

// uniqueStrings collects non-empty values in first-occurrence order.
type uniqueStrings struct {
	seen   map[string]struct{}
	values []string
}

func (u *uniqueStrings) add(v string) {
	if v == "" {
		return
	}
	if u.seen == nil {
		u.seen = make(map[string]struct{})
	}
	if _, ok := u.seen[v]; ok {
		return
	}
	u.seen[v] = struct{}{}
	u.values = append(u.values, v)
}

func (u *uniqueStrings) list() []string {
	if len(u.values) == 0 {
		return []string{}
	}
	return u.values
}

// authorsIn returns the author link texts under sel, deduplicated.
func authorsIn(sel *goquery.Selection) []string {
	var out uniqueStrings
	sel.Find(`a[href*="/authors/"]`).Each(func(_ int, a *goquery.Selection) {
		out.add(cleanText(a))
	})
	return out.list()
}

// tagsIn returns the tag link texts under sel with brackets stripped,
// deduplicated.
func tagsIn(sel *goquery.Selection) []string {
	var out uniqueStrings
	sel.Find(`a[href*="/tags/"]`).Each(func(_ int, a *goquery.Selection) {
		out.add(strings.TrimSpace(strings.Trim(cleanText(a), "[]")))
	})
	return out.list()
}
