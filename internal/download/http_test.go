package download

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingWaiter struct {
	calls int
}

func (c *countingWaiter) Wait(context.Context, string) error {
	c.calls++
	return nil
}

func TestHTTPDownloaderStreamsBody(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("x"), 4096)
	var gotUA, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", `attachment; filename="Series ch01.zip"`)
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	waiter := &countingWaiter{}
	d := NewHTTPDownloader(HTTPConfig{UserAgent: "dsdown-test", Limiter: waiter, Transport: srv.Client().Transport})

	var (
		buf     bytes.Buffer
		last    int64
		updates int
	)
	resp, err := d.Download(context.Background(), srv.URL+"/chapters/x/download", &buf, func(written, _ int64) {
		last = written
		updates++
	})
	require.NoError(t, err)
	assert.Equal(t, payload, buf.Bytes())
	assert.Equal(t, int64(len(payload)), resp.Bytes)
	assert.Equal(t, "Series ch01.zip", resp.Filename)
	assert.Equal(t, "application/zip", resp.ContentType)
	assert.Equal(t, int64(len(payload)), last)
	assert.Positive(t, updates)
	assert.Equal(t, "dsdown-test", gotUA)
	assert.Contains(t, gotAccept, "application/zip")
	assert.Equal(t, 1, waiter.calls)
}

func TestHTTPDownloaderRejectsErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	d := NewHTTPDownloader(HTTPConfig{Transport: srv.Client().Transport})
	var buf bytes.Buffer
	_, err := d.Download(context.Background(), srv.URL, &buf, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 404")
	assert.Zero(t, buf.Len())
}

func TestDispositionFilename(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		header, want string
	}{
		{"", ""},
		{"inline", ""},
		{`attachment; filename="a.cbz"`, "a.cbz"},
		{`attachment; filename="../../etc/passwd"`, "passwd"},
		{`attachment; filename="dir\\b.zip"`, "b.zip"},
		{"attachment; filename=", ""},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, dispositionFilename(tc.header), tc.header)
	}
}
