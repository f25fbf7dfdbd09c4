// Package app builds and holds the long-lived services behind every dsdown
// command, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/dsdown/internal/api"
	"github.com/JakeFAU/dsdown/internal/archive"
	"github.com/JakeFAU/dsdown/internal/catalog"
	"github.com/JakeFAU/dsdown/internal/clock/system"
	"github.com/JakeFAU/dsdown/internal/config"
	"github.com/JakeFAU/dsdown/internal/download"
	collyfetcher "github.com/JakeFAU/dsdown/internal/fetcher/colly"
	"github.com/JakeFAU/dsdown/internal/id/uuid"
	"github.com/JakeFAU/dsdown/internal/ingest"
	"github.com/JakeFAU/dsdown/internal/logging"
	"github.com/JakeFAU/dsdown/internal/parser"
	"github.com/JakeFAU/dsdown/internal/pipeline"
	"github.com/JakeFAU/dsdown/internal/policy/ratelimit"
	"github.com/JakeFAU/dsdown/internal/progress"
	progresssinks "github.com/JakeFAU/dsdown/internal/progress/sinks"
	"github.com/JakeFAU/dsdown/internal/queue"
	"github.com/JakeFAU/dsdown/internal/state"
	"github.com/JakeFAU/dsdown/internal/storage/local"
	"github.com/JakeFAU/dsdown/internal/storage/memory"
	pgstore "github.com/JakeFAU/dsdown/internal/storage/postgres"
	"github.com/JakeFAU/dsdown/internal/storage/sqlite"
)

const databaseFile = "dsdown.db"

// Options tune how Build wires the ambient pieces.
type Options struct {
	// Logger overrides the logger built from cfg.Logging.
	Logger *zap.Logger
	// Terminal receives progress bars for interactive drains. Nil disables
	// the terminal sink.
	Terminal io.Writer
	// Registerer receives the progress collectors. Nil means the default
	// Prometheus registerer.
	Registerer prometheus.Registerer
	// Clock overrides the wall clock.
	Clock catalog.Clock
	// Fetcher overrides the colly page fetcher.
	Fetcher catalog.Fetcher
	// Downloader overrides the HTTP archive downloader.
	Downloader download.Downloader
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     catalog.Store
	schema    uint
	hub       *progress.Hub
	snapshots *progresssinks.SnapshotSink
	lock      *state.Lock
	cursor    *state.FileCursor
	queue     *queue.Queue
	pipeline  *pipeline.Pipeline
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Pipeline returns the orchestrator all commands drive.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipeline }

// Snapshots returns the in-memory view of the latest runs.
func (a *App) Snapshots() *progresssinks.SnapshotSink { return a.snapshots }

// Cursor returns the persisted ingestion cursor.
func (a *App) Cursor() *state.FileCursor { return a.cursor }

// SchemaVersion reports the registry migration version, zero for the memory
// driver.
func (a *App) SchemaVersion() uint { return a.schema }

// Lock takes the single-writer lock for mutating commands. It returns
// state.ErrLocked when another process holds it.
func (a *App) Lock() error { return a.lock.Acquire() }

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
	}
	zap.ReplaceGlobals(logger)

	stateDir, err := local.ExpandHome(cfg.State.Dir)
	if err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		lock:   state.NewLock(stateDir),
		cursor: state.NewFileCursor(stateDir),
	}
	a.logger.Info("building application dependencies",
		zap.String("storage_driver", cfg.Storage.Driver),
		zap.String("state_dir", stateDir),
	)

	if err := a.setupStore(ctx, stateDir); err != nil {
		return nil, err
	}
	emitter, err := a.setupProgress(opts)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	if err := a.setupPipeline(opts, emitter); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *App) setupStore(ctx context.Context, stateDir string) error {
	switch a.cfg.Storage.Driver {
	case config.DriverPostgres:
		version, err := pgstore.Migrate(a.cfg.Storage.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres migrate failed: %w", err)
		}
		store, err := pgstore.NewStore(ctx, pgstore.Config{
			DSN:      a.cfg.Storage.PostgresDSN,
			MaxConns: int32(max(a.cfg.Storage.MaxConns, 1)), //nolint:gosec // bounded by config validation
		})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.store, a.schema = store, version
		a.logger.Info("using postgres registry", zap.Uint("schema_version", version))
	case config.DriverMemory:
		a.store = memory.NewStore()
		a.logger.Warn("using in-memory registry; nothing survives this process")
	default:
		path := a.cfg.Storage.SQLitePath
		if path == "" {
			path = filepath.Join(stateDir, databaseFile)
		}
		path, err := local.ExpandHome(path)
		if err != nil {
			return fmt.Errorf("sqlite path: %w", err)
		}
		store, err := sqlite.Open(ctx, sqlite.Config{Path: path})
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.store, a.schema = store, store.SchemaVersion()
		a.logger.Info("using sqlite registry", zap.String("path", path), zap.Uint("schema_version", a.schema))
	}
	return nil
}

func (a *App) setupProgress(opts Options) (progress.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	a.snapshots = progresssinks.NewSnapshotSink()
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress")),
		promSink,
		a.snapshots,
	}
	if opts.Terminal != nil {
		sinkList = append(sinkList, progresssinks.NewTerminalSink(opts.Terminal))
		a.logger.Debug("added terminal progress sink")
	}
	a.hub = progress.NewHub(progress.Config{Logger: a.logger.Named("progress_hub")}, sinkList...)
	return a.hub, nil
}

func (a *App) setupPipeline(opts Options, emitter progress.Emitter) error {
	cfg := a.cfg
	clock := opts.Clock
	if clock == nil {
		clock = system.New()
	}
	p, err := parser.New(cfg.Site.BaseURL)
	if err != nil {
		return fmt.Errorf("parser init failed: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.Site.RequestsPerSecond,
		Burst:             cfg.Site.Burst,
	})
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = collyfetcher.New(collyfetcher.Config{
			UserAgent: cfg.Site.UserAgent,
			Timeout:   cfg.SiteTimeout(),
			Limiter:   limiter,
		})
	}
	downloader := opts.Downloader
	if downloader == nil {
		downloader = download.NewHTTPDownloader(download.HTTPConfig{
			UserAgent: cfg.Site.UserAgent,
			Limiter:   limiter,
			Transport: collyfetcher.NewTransport(),
		})
	}

	// Zero in the config file means no downloads, not the queue default.
	budget := cfg.Downloads.MaxPerWindow
	if budget == 0 {
		budget = -1
	}
	a.queue = queue.New(a.store, clock, queue.Config{
		MaxPerWindow: budget,
		Window:       cfg.Downloads.Window,
	}, a.logger.Named("queue"))

	walker, err := ingest.New(ingest.Config{BaseURL: cfg.Site.BaseURL, MaxPages: cfg.Site.MaxFeedPages}, ingest.Deps{
		Fetcher:  fetcher,
		Parser:   p,
		Registry: a.store,
		Cursor:   a.cursor,
		Queue:    a.queue,
		Clock:    clock,
		Emitter:  emitter,
		Logger:   a.logger.Named("ingest"),
	})
	if err != nil {
		return fmt.Errorf("walker init failed: %w", err)
	}

	library, err := local.New(local.Config{DefaultDir: cfg.Downloads.DefaultDir})
	if err != nil {
		return fmt.Errorf("library init failed: %w", err)
	}
	normalizer := archive.NewNormalizer(archive.Config{
		Tools:      cfg.Archive.Tools,
		ScratchDir: cfg.Archive.ScratchDir,
		Logger:     a.logger.Named("archive"),
	})
	executor, err := download.New(download.Config{IncludeSeriesInFilename: cfg.Downloads.IncludeSeriesInFilename}, download.Deps{
		Registry:   a.store,
		Queue:      a.queue,
		Fetcher:    fetcher,
		Parser:     p,
		Downloader: downloader,
		Normalizer: normalizer,
		Library:    library,
		Clock:      clock,
		Emitter:    emitter,
		Logger:     a.logger.Named("download"),
	})
	if err != nil {
		return fmt.Errorf("executor init failed: %w", err)
	}

	a.pipeline, err = pipeline.New(pipeline.Deps{
		Store:    a.store,
		Fetcher:  fetcher,
		Parser:   p,
		Walker:   walker,
		Queue:    a.queue,
		Executor: executor,
		Clock:    clock,
		Logger:   a.logger.Named("pipeline"),
	})
	if err != nil {
		return fmt.Errorf("pipeline init failed: %w", err)
	}
	a.logger.Info("pipeline ready",
		zap.String("base_url", cfg.Site.BaseURL),
		zap.Int("max_per_window", a.queue.MaxPerWindow()),
		zap.Duration("window", a.queue.Window()),
		zap.String("default_dir", library.DefaultDir()),
	)
	return nil
}

// Serve runs the status server, and the periodic fetch+drain loop when
// interval is positive, until ctx is canceled.
func (a *App) Serve(ctx context.Context, port int, interval time.Duration) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	server := api.NewServer(a.pipeline, api.Options{
		Snapshots:  a.snapshots,
		IDs:        uuid.New(),
		Logger:     a.logger.Named("api"),
		RunContext: ctx,
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if interval > 0 {
			a.logger.Info("periodic runs enabled", zap.Duration("interval", interval))
			a.pipeline.RunPeriodically(ctx, interval)
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	<-loopDone
	if err, ok := <-serveErr; ok && err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Close flushes progress sinks, releases the lock and closes the registry.
func (a *App) Close(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.lock != nil {
		if err := a.lock.Release(); err != nil {
			a.logger.Warn("lock release failed", zap.Error(err))
		}
	}
	a.closeStore()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

func (a *App) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("registry close failed", zap.Error(err))
	}
}
