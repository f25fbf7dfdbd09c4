// Package collyfetcher implements catalog.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/dsdown/internal/catalog"
	"github.com/JakeFAU/dsdown/internal/metrics"
)

const defaultTimeout = 30 * time.Second

// Waiter blocks until a request to url may be sent.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// Limiter throttles requests per host. Nil disables throttling.
	Limiter Waiter
	// Transport overrides the default retrying transport.
	Transport http.RoundTripper
}

// Fetcher retrieves catalog HTML pages through a colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	transport := cfg.Transport
	if transport == nil {
		transport = NewTransport()
	}
	// The feed's first page is revisited on every fetch run.
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)
	c.UserAgent = cfg.UserAgent

	return &Fetcher{cfg: cfg, baseCollector: c}
}

// Fetch performs one GET. Non-2xx responses are returned as errors.
func (f *Fetcher) Fetch(ctx context.Context, url string) (catalog.Page, error) {
	if f.cfg.Limiter != nil {
		if err := f.cfg.Limiter.Wait(ctx, url); err != nil {
			return catalog.Page{}, err
		}
	}

	var (
		page     catalog.Page
		status   int
		fetchErr error
	)
	start := time.Now()
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, start, &page, &status, &fetchErr)

	err := f.runCollector(ctx, collector, url, &fetchErr)
	metrics.ObservePage(PageKind(url), url, statusLabel(status, err), len(page.Body))
	if err != nil {
		return catalog.Page{}, err
	}
	return page, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	page *catalog.Page,
	status *int,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		BrowserHeaders(*r.Headers, f.cfg.UserAgent)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*status = r.StatusCode
		*page = catalog.Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*status = r.StatusCode
			err = fmt.Errorf("http %d: %w", r.StatusCode, err)
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch %s canceled: %w", url, ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("fetch %s: %w", url, *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("fetch %s: %w", url, err)
		}
		return nil
	}
}

// PageKind labels a catalog URL for metrics.
func PageKind(url string) string {
	switch {
	case strings.Contains(url, "/chapters/added"):
		return "releases"
	case strings.Contains(url, "/chapters/"):
		return "chapter"
	case strings.Contains(url, "/series/"):
		return "series"
	default:
		return "other"
	}
}

func statusLabel(status int, err error) string {
	if status != 0 {
		return strconv.Itoa(status)
	}
	if err != nil {
		return "error"
	}
	return "unknown"
}
