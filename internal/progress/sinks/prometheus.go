package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/dsdown/internal/progress"
)

// PrometheusSink exports run and transfer metrics derived from progress
// events.
type PrometheusSink struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runsActive    *prometheus.GaugeVec
	runDuration   *prometheus.HistogramVec

	pageDuration     *prometheus.HistogramVec
	transferDuration *prometheus.HistogramVec
	transfersActive  prometheus.Gauge

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dsdown_runs_started_total",
			Help: "Fetch and drain runs started, by kind.",
		}, []string{"kind"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dsdown_runs_completed_total",
			Help: "Fetch and drain runs finished, by kind and result.",
		}, []string{"kind", "result"}),
		runsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dsdown_runs_active",
			Help: "Runs currently in progress, by kind.",
		}, []string{"kind"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dsdown_run_duration_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"kind", "result"}),
		pageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dsdown_feed_page_duration_seconds",
			Help:    "Release feed page latency by status class.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"status_class"}),
		transferDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dsdown_transfer_duration_seconds",
			Help:    "Archive transfer and post-processing time by result.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"result"}),
		transfersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dsdown_transfers_active",
			Help: "Archive transfers currently in flight.",
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsActive,
		s.runDuration,
		s.pageDuration,
		s.transferDuration,
		s.transfersActive,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart, progress.StageRunDone, progress.StageRunError:
		s.handleRunEvent(evt)
	case progress.StagePageDone:
		class := string(evt.StatusClass)
		if class == "" {
			class = string(progress.StatusOther)
		}
		if evt.Dur > 0 {
			s.pageDuration.WithLabelValues(class).Observe(evt.Dur.Seconds())
		}
	case progress.StageDownloadStart:
		s.transfersActive.Inc()
	case progress.StageDownloadDone:
		s.finishTransfer(evt, "completed")
	case progress.StageDownloadError:
		s.finishTransfer(evt, "failed")
	}
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	kind := string(evt.Run)
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.WithLabelValues(kind).Inc()
		if s.tracker.start(evt.RunID) {
			s.runsActive.WithLabelValues(kind).Inc()
		}
		return
	case progress.StageRunDone:
		s.runsCompleted.WithLabelValues(kind, "success").Inc()
		s.observeRun(evt, "success")
	case progress.StageRunError:
		s.runsCompleted.WithLabelValues(kind, "error").Inc()
		s.observeRun(evt, "error")
	}
	if s.tracker.complete(evt.RunID) {
		s.runsActive.WithLabelValues(kind).Dec()
	}
	// An interrupted transfer never reports its end.
	if evt.Run == progress.RunDrain {
		s.transfersActive.Set(0)
	}
}

func (s *PrometheusSink) observeRun(evt progress.Event, result string) {
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(string(evt.Run), result).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) finishTransfer(evt progress.Event, result string) {
	s.transfersActive.Dec()
	if evt.Dur > 0 {
		s.transferDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
