package app_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/dsdown/internal/app"
	"github.com/JakeFAU/dsdown/internal/catalog"
	"github.com/JakeFAU/dsdown/internal/config"
	"github.com/JakeFAU/dsdown/internal/download"
	"github.com/JakeFAU/dsdown/internal/state"
)

// MockFetcher mocks catalog.Fetcher.
type MockFetcher struct {
	mock.Mock
}

// Fetch satisfies catalog.Fetcher.
func (m *MockFetcher) Fetch(ctx context.Context, url string) (catalog.Page, error) {
	args := m.Called(ctx, url)
	return args.Get(0).(catalog.Page), args.Error(1)
}

// MockDownloader mocks download.Downloader.
type MockDownloader struct {
	mock.Mock
}

// Download satisfies download.Downloader.
func (m *MockDownloader) Download(ctx context.Context, url string, dst io.Writer, progress download.ProgressFunc) (download.Response, error) {
	args := m.Called(ctx, url, dst, progress)
	return args.Get(0).(download.Response), args.Error(1)
}

func testConfig(t *testing.T, driver string) config.Config {
	t.Helper()
	return config.Config{
		Site: config.SiteConfig{
			BaseURL:        "https://dynasty-scans.com",
			TimeoutSeconds: 5,
			MaxFeedPages:   3,
		},
		Downloads: config.DownloadsConfig{
			MaxPerWindow: 2,
			Window:       24 * time.Hour,
			DefaultDir:   t.TempDir(),
		},
		Storage: config.StorageConfig{Driver: driver},
		State:   config.StateConfig{Dir: t.TempDir()},
		Server:  config.ServerConfig{Port: 8080},
	}
}

func build(t *testing.T, cfg config.Config, fetcher catalog.Fetcher) *app.App {
	t.Helper()
	a, err := app.Build(context.Background(), cfg, app.Options{
		Logger:     zap.NewNop(),
		Registerer: prometheus.NewRegistry(),
		Fetcher:    fetcher,
		Downloader: &MockDownloader{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })
	return a
}

func TestBuildMemoryDriver(t *testing.T) {
	t.Parallel()

	a := build(t, testConfig(t, config.DriverMemory), &MockFetcher{})

	assert.Zero(t, a.SchemaVersion())
	status, err := a.Pipeline().Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, status.MaxPerWindow)
	assert.Equal(t, 2, status.Available)
}

func TestBuildSQLiteDriverMigrates(t *testing.T) {
	t.Parallel()

	a := build(t, testConfig(t, config.DriverSQLite), &MockFetcher{})

	assert.Positive(t, a.SchemaVersion())
}

func TestZeroBudgetDisablesDownloads(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, config.DriverMemory)
	cfg.Downloads.MaxPerWindow = 0
	a := build(t, cfg, &MockFetcher{})

	status, err := a.Pipeline().Status(context.Background())
	require.NoError(t, err)
	assert.Zero(t, status.MaxPerWindow)
	assert.Zero(t, status.Available)
}

func TestFollowUsesInjectedFetcher(t *testing.T) {
	t.Parallel()

	url := "https://dynasty-scans.com/series/sunrise_club"
	fetcher := &MockFetcher{}
	fetcher.On("Fetch", mock.Anything, url).
		Return(catalog.Page{}, errors.New("http 503")).Once()
	a := build(t, testConfig(t, config.DriverMemory), fetcher)

	series, err := a.Pipeline().Follow(context.Background(), url, "/srv/manga/sunrise")
	require.NoError(t, err)
	assert.True(t, series.Followed())
	fetcher.AssertExpectations(t)
}

func TestLockIsExclusive(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, config.DriverMemory)
	first := build(t, cfg, &MockFetcher{})
	second := build(t, cfg, &MockFetcher{})

	require.NoError(t, first.Lock())
	require.ErrorIs(t, second.Lock(), state.ErrLocked)
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	a := build(t, testConfig(t, config.DriverMemory), &MockFetcher{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, 0, 0) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
