// Package pipeline is the single entry point the CLI and the status server
// use. It owns the walker, the queue, the executor and the series operations.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/dsdown/internal/catalog"
	"github.com/JakeFAU/dsdown/internal/download"
	"github.com/JakeFAU/dsdown/internal/ingest"
	"github.com/JakeFAU/dsdown/internal/metrics"
	"github.com/JakeFAU/dsdown/internal/parser"
	"github.com/JakeFAU/dsdown/internal/queue"
)

// ErrBusy is returned when a fetch or drain is already running in this
// process.
var ErrBusy = errors.New("another fetch or drain is running")

// Deps groups the components the pipeline orchestrates.
type Deps struct {
	Store    catalog.Store
	Fetcher  catalog.Fetcher
	Parser   *parser.Parser
	Walker   *ingest.Walker
	Queue    *queue.Queue
	Executor *download.Executor
	Clock    catalog.Clock
	Logger   *zap.Logger
}

// Pipeline coordinates ingestion, classification and downloads.
type Pipeline struct {
	store    catalog.Store
	fetcher  catalog.Fetcher
	parser   *parser.Parser
	walker   *ingest.Walker
	queue    *queue.Queue
	executor *download.Executor
	clock    catalog.Clock
	logger   *zap.Logger

	// runMu serialises fetch and drain runs.
	runMu sync.Mutex
}

// New validates deps and builds a Pipeline.
func New(deps Deps) (*Pipeline, error) {
	if deps.Store == nil || deps.Walker == nil || deps.Queue == nil || deps.Executor == nil || deps.Clock == nil {
		return nil, errors.New("pipeline: store, walker, queue, executor and clock are required")
	}
	p := deps.Parser
	if p == nil {
		var err error
		if p, err = parser.New(""); err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:    deps.Store,
		fetcher:  deps.Fetcher,
		parser:   p,
		walker:   deps.Walker,
		queue:    deps.Queue,
		executor: deps.Executor,
		clock:    deps.Clock,
		logger:   logger,
	}, nil
}

// Fetch walks the release feed and classifies what it finds.
func (p *Pipeline) Fetch(ctx context.Context) (ingest.FetchResult, error) {
	if !p.runMu.TryLock() {
		return ingest.FetchResult{}, ErrBusy
	}
	defer p.runMu.Unlock()
	res, err := p.walker.Run(ctx)
	p.refreshGauges(ctx)
	return res, err
}

// Drain downloads as many pending entries as the budget allows.
func (p *Pipeline) Drain(ctx context.Context) (download.DrainResult, error) {
	if !p.runMu.TryLock() {
		return download.DrainResult{}, ErrBusy
	}
	defer p.runMu.Unlock()
	res, err := p.executor.Drain(ctx)
	p.refreshGauges(ctx)
	return res, err
}

// DownloadOne registers chapterURL if needed and downloads it right away when
// a slot is free. Without a slot the chapter stays queued and a
// *queue.RateLimitError is returned.
func (p *Pipeline) DownloadOne(ctx context.Context, chapterURL string) (download.EntryResult, error) {
	if !p.runMu.TryLock() {
		return download.EntryResult{}, ErrBusy
	}
	defer p.runMu.Unlock()
	chapter, err := p.walker.Register(ctx, chapterURL)
	if err != nil {
		return download.EntryResult{}, err
	}
	res, err := p.executor.DownloadOne(ctx, chapter.ID)
	p.refreshGauges(ctx)
	return res, err
}

// Status is the budget and queue summary shown by `slots` and /v1/status.
type Status struct {
	queue.Status
	Pending     int `json:"pending"`
	Downloading int `json:"downloading"`
	Failed      int `json:"failed"`
}

// Status reports slot usage and queue sizes.
func (p *Pipeline) Status(ctx context.Context) (Status, error) {
	st, err := p.queue.Status(ctx)
	if err != nil {
		return Status{}, err
	}
	entries, err := p.store.ListEntries(ctx, catalog.QueuePending, catalog.QueueDownloading, catalog.QueueFailed)
	if err != nil {
		return Status{}, fmt.Errorf("list queue: %w", err)
	}
	out := Status{Status: st}
	for _, e := range entries {
		switch e.Status {
		case catalog.QueuePending:
			out.Pending++
		case catalog.QueueDownloading:
			out.Downloading++
		case catalog.QueueFailed:
			out.Failed++
		}
	}
	metrics.SetQueueGauges(out.Available, out.Pending)
	return out, nil
}

func (p *Pipeline) refreshGauges(ctx context.Context) {
	if _, err := p.Status(context.WithoutCancel(ctx)); err != nil {
		p.logger.Debug("queue gauges not refreshed", zap.Error(err))
	}
}

// RunPeriodically runs Fetch then Drain every interval until ctx is done.
// Failures are logged and the loop carries on.
func (p *Pipeline) RunPeriodically(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p.cycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pipeline) cycle(ctx context.Context) {
	fetched, err := p.Fetch(ctx)
	if err != nil {
		p.logger.Warn("scheduled fetch failed", zap.Error(err))
	} else {
		p.logger.Info("scheduled fetch done", zap.Int("new", fetched.New), zap.Int("queued", fetched.Queued))
	}
	if ctx.Err() != nil {
		return
	}
	drained, err := p.Drain(ctx)
	if err != nil {
		p.logger.Warn("scheduled drain failed", zap.Error(err))
		return
	}
	p.logger.Info("scheduled drain done",
		zap.Int("downloaded", drained.Downloaded),
		zap.Int("failed", drained.Failed),
		zap.Time("next_slot_at", drained.NextSlotAt),
	)
}
