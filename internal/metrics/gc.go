package metrics

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	defaultGCPollInterval  = time.Second
	defaultGCWarnThreshold = 200 * time.Millisecond
)

var (
	gcPauseDesc = prometheus.NewDesc(
		"gc_last_pause_seconds", "Duration of the most recent garbage collection pause", nil, nil)
	gcCountDesc = prometheus.NewDesc(
		"gc_collections_total", "Garbage collections since process start", nil, nil)
)

// GCObserver exports garbage collection pauses and logs the long ones.
type GCObserver struct {
	registerer prometheus.Registerer
	clock      clock.Clock
	logger     *zap.Logger
	interval   time.Duration
	threshold  time.Duration

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	lastSeen int64
}

// NewGCObserver creates an observer registering on reg (the default
// registerer when nil).
func NewGCObserver(reg prometheus.Registerer, clk clock.Clock, logger *zap.Logger) *GCObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GCObserver{
		registerer: reg,
		clock:      clk,
		logger:     logger.Named("gc"),
		interval:   defaultGCPollInterval,
		threshold:  defaultGCWarnThreshold,
	}
}

// SetWarnThreshold changes the pause length logged as a warning.
func (o *GCObserver) SetWarnThreshold(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.threshold = d
}

// Register exports the GC collector and starts watching for long pauses.
func (o *GCObserver) Register() error {
	if err := o.registerer.Register(o); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancel = cancel
	o.done = make(chan struct{})
	done := o.done
	o.mu.Unlock()

	go func() {
		defer close(done)
		o.watch(ctx)
	}()
	return nil
}

// Close stops watching and unregisters the collector.
func (o *GCObserver) Close() {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel = nil
	o.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	o.registerer.Unregister(o)
}

// Describe implements prometheus.Collector.
func (o *GCObserver) Describe(ch chan<- *prometheus.Desc) {
	ch <- gcPauseDesc
	ch <- gcCountDesc
}

// Collect implements prometheus.Collector.
func (o *GCObserver) Collect(ch chan<- prometheus.Metric) {
	var stats debug.GCStats
	debug.ReadGCStats(&stats)
	var last float64
	if len(stats.Pause) > 0 {
		last = stats.Pause[0].Seconds()
	}
	ch <- prometheus.MustNewConstMetric(gcPauseDesc, prometheus.GaugeValue, last)
	ch <- prometheus.MustNewConstMetric(gcCountDesc, prometheus.CounterValue, float64(stats.NumGC))
}

func (o *GCObserver) watch(ctx context.Context) {
	ticker := o.clock.Ticker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.inspect()
		}
	}
}

// inspect logs every pause recorded since the previous call that exceeds
// the warn threshold.
func (o *GCObserver) inspect() {
	var stats debug.GCStats
	debug.ReadGCStats(&stats)

	o.mu.Lock()
	defer o.mu.Unlock()
	fresh := int(stats.NumGC - o.lastSeen)
	o.lastSeen = stats.NumGC
	if fresh > len(stats.Pause) {
		fresh = len(stats.Pause)
	}
	for _, pause := range stats.Pause[:fresh] {
		if pause >= o.threshold {
			o.logger.Warn("Long GC pause", zap.Duration("pause", pause), zap.Int64("collections", stats.NumGC))
		} else {
			o.logger.Debug("GC pause", zap.Duration("pause", pause))
		}
	}
}
