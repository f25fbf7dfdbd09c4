package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dsdown/internal/catalog"
)

func TestFetchReturnsBodyAndSendsBrowserHeaders(t *testing.T) {
	t.Parallel()

	var gotUA, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		_, _ = w.Write([]byte("<html><body><dl></dl></body></html>"))
	}))
	t.Cleanup(srv.Close)

	limiter := &countingWaiter{}
	f := New(Config{UserAgent: "dsdown-test", Timeout: time.Second, Limiter: limiter})

	page, err := f.Fetch(context.Background(), srv.URL+"/chapters/added")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.Contains(t, string(page.Body), "<dl>")
	assert.Equal(t, "dsdown-test", gotUA)
	assert.Contains(t, gotAccept, "text/html")

	// Revisiting the same URL is allowed.
	_, err = f.Fetch(context.Background(), srv.URL+"/chapters/added")
	require.NoError(t, err)
	assert.Equal(t, 2, limiter.Calls())
}

func TestFetchNon2xxIsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	_, err := New(Config{Timeout: time.Second}).Fetch(context.Background(), srv.URL+"/chapters/missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 404")
}

func TestFetchLimiterErrorStopsRequest(t *testing.T) {
	t.Parallel()

	boom := errors.New("limiter closed")
	f := New(Config{Limiter: &countingWaiter{err: boom}})
	_, err := f.Fetch(context.Background(), "http://127.0.0.1:1/chapters/added")
	require.ErrorIs(t, err, boom)
}

func TestFetchHonoursContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{Timeout: 5 * time.Second}).Fetch(ctx, srv.URL+"/series/slow")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "agent"})
	var (
		page     catalog.Page
		status   int
		fetchErr error
	)
	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, time.Unix(0, 0), &page, &status, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	assert.Equal(t, "agent", collyReq.Headers.Get("User-Agent"))
	assert.NotEmpty(t, collyReq.Headers.Get("Accept-Language"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Request:    &colly.Request{URL: mustParseURL(t, "https://dynasty-scans.com/series/a")},
	})
	assert.Equal(t, "body", string(page.Body))
	assert.Equal(t, "https://dynasty-scans.com/series/a", page.URL)
	assert.Equal(t, http.StatusOK, status)

	hooks.onError(&colly.Response{StatusCode: http.StatusServiceUnavailable}, errors.New("Service Unavailable"))
	require.Error(t, fetchErr)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestPageKind(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "releases", PageKind("https://dynasty-scans.com/chapters/added?page=2"))
	assert.Equal(t, "chapter", PageKind("https://dynasty-scans.com/chapters/foo_ch01"))
	assert.Equal(t, "series", PageKind("https://dynasty-scans.com/series/foo"))
	assert.Equal(t, "other", PageKind("https://dynasty-scans.com/"))
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type countingWaiter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (w *countingWaiter) Wait(context.Context, string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	return w.err
}

func (w *countingWaiter) Calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
