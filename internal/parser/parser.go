// Package parser turns catalog HTML pages into structured records.
//
// Parsers never fail on malformed markup. They return whatever could be
// extracted, and each page type has a separate Validate method that reports
// missing landmark elements as human-readable warnings so callers can log
// layout drift without aborting ingestion.
package parser

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DefaultBaseURL is the catalog site root.
const DefaultBaseURL = "https://dynasty-scans.com"

// Parser resolves relative links against the catalog base URL.
type Parser struct {
	base *url.URL
}

// New constructs a Parser for the given site root.
func New(baseURL string) (*Parser, error) {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	return &Parser{base: u}, nil
}

// Absolute resolves href against the base URL. Unparseable values are
// returned unchanged.
func (p *Parser) Absolute(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return p.base.ResolveReference(ref).String()
}

// Canonical is the registry key for a chapter or series link: absolute, with
// any trailing slash removed. User input and feed links meet on this form.
func (p *Parser) Canonical(href string) string {
	return strings.TrimRight(p.Absolute(href), "/")
}

// newDocument parses body, falling back to an empty document.
func newDocument(body []byte) *goquery.Document {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		doc, _ = goquery.NewDocumentFromReader(strings.NewReader("<html><body></body></html>"))
	}
	return doc
}

// URLPath returns the path component of raw, or raw itself when it cannot be
// parsed.
func URLPath(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Path == "" {
		return raw
	}
	return u.Path
}
