package download

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	collyfetcher "github.com/JakeFAU/dsdown/internal/fetcher/colly"
)

// Waiter blocks until a request to url may be sent.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Response describes a finished transfer.
type Response struct {
	// Filename is the server-suggested name from Content-Disposition.
	Filename    string
	ContentType string
	Bytes       int64
}

// ProgressFunc receives the running byte count and the announced total, which
// is -1 when unknown.
type ProgressFunc func(written, total int64)

// Downloader streams a remote archive into dst.
type Downloader interface {
	Download(ctx context.Context, url string, dst io.Writer, progress ProgressFunc) (Response, error)
}

// HTTPConfig configures HTTPDownloader.
type HTTPConfig struct {
	UserAgent string
	Limiter   Waiter
	Transport http.RoundTripper
}

// HTTPDownloader streams archives with net/http so large bodies never sit in
// memory.
type HTTPDownloader struct {
	client    *http.Client
	limiter   Waiter
	userAgent string
}

// NewHTTPDownloader builds a downloader sharing the catalog request headers.
func NewHTTPDownloader(cfg HTTPConfig) *HTTPDownloader {
	transport := cfg.Transport
	if transport == nil {
		transport = collyfetcher.NewTransport()
	}
	return &HTTPDownloader{
		client:    &http.Client{Transport: transport},
		limiter:   cfg.Limiter,
		userAgent: cfg.UserAgent,
	}
}

// Download issues a GET for url and copies the body into dst.
func (d *HTTPDownloader) Download(ctx context.Context, url string, dst io.Writer, progress ProgressFunc) (Response, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, url); err != nil {
			return Response{}, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	collyfetcher.BrowserHeaders(req.Header, d.userAgent)
	req.Header.Set("Accept", "application/zip,application/octet-stream,*/*;q=0.8")

	resp, err := d.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("download %s: %w", url, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, fmt.Errorf("download %s: http %d", url, resp.StatusCode)
	}

	counter := &countingWriter{w: dst, total: resp.ContentLength, progress: progress}
	if _, err := io.Copy(counter, resp.Body); err != nil {
		return Response{}, fmt.Errorf("download %s: %w", url, err)
	}
	return Response{
		Filename:    dispositionFilename(resp.Header.Get("Content-Disposition")),
		ContentType: resp.Header.Get("Content-Type"),
		Bytes:       counter.written,
	}, nil
}

type countingWriter struct {
	w        io.Writer
	written  int64
	total    int64
	progress ProgressFunc
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.written += int64(n)
	if c.progress != nil {
		c.progress(c.written, c.total)
	}
	return n, err
}

// dispositionFilename returns the base name suggested by a Content-Disposition
// header, or "" when there is none.
func dispositionFilename(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	name := strings.TrimSpace(params["filename"])
	if name == "" {
		return ""
	}
	return path.Base(strings.ReplaceAll(name, `\`, "/"))
}
