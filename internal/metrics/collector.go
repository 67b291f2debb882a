// Package metrics provides Prometheus metrics for showflakes.
//
// A Collector registers its metrics on a caller-supplied registry, so a
// session (or a test) owns its own set. The session feeds it from the
// orchestrator callbacks.
package metrics

import (
	"sync"
	"time"

	"github.com/influxdata/tdigest"
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric name.
const Namespace = "showflakes"

// Collector manages all Prometheus metrics for one session.
type Collector struct {
	// --- Session overview ---
	info         *prometheus.GaugeVec
	runsLeft     prometheus.Gauge
	failLeft     prometheus.Gauge
	trackedTests prometheus.Gauge
	flakyTests   prometheus.Gauge

	// --- Iterations ---
	iterations     *prometheus.CounterVec
	workerDuration prometheus.Histogram

	// --- Deprioritization ---
	tasksDeprioritized prometheus.Counter
	adjustErrors       prometheus.Counter

	// Timing
	startTime time.Time

	// For summary generation
	mu         sync.Mutex
	byClass    map[string]int64
	iterCount  int64
	durDigest  *tdigest.TDigest
	maxDur     time.Duration
	adjusted   int64
	adjustErrs int64
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Version  string
	Mode     string // retry, outcome_log
	MaxRuns  int
	MaxFail  int
	Selected int
}

// NewCollector creates a collector and registers its metrics on registry.
func NewCollector(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	c := &Collector{
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "info",
			Help:      "Information about the session (value always 1)",
		}, []string{"version", "mode"}),
		runsLeft: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "runs_remaining",
			Help:      "Accepted iterations left before the loop gives up",
		}),
		failLeft: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "fail_remaining",
			Help:      "Invalid iterations left before the loop aborts",
		}),
		trackedTests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "tracked_tests",
			Help:      "Tests present in the cumulative outcome record",
		}),
		flakyTests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "flaky_tests",
			Help:      "Selected tests that have both passed and failed",
		}),
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "iterations_total",
			Help:      "Finished iterations by result class",
		}, []string{"result"}),
		workerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "worker_duration_seconds",
			Help:      "Wall time of worker processes",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms .. ~7m
		}),
		tasksDeprioritized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "tasks_deprioritized_total",
			Help:      "Threads and descendant processes whose priority was lowered",
		}),
		adjustErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "priority_adjust_errors_total",
			Help:      "Failed priority writes",
		}),
		startTime: time.Now(),
		byClass:   make(map[string]int64),
		durDigest: tdigest.NewWithCompression(100),
	}

	registry.MustRegister(
		c.info,
		c.runsLeft,
		c.failLeft,
		c.trackedTests,
		c.flakyTests,
		c.iterations,
		c.workerDuration,
		c.tasksDeprioritized,
		c.adjustErrors,
	)

	// Set initial values
	c.info.WithLabelValues(cfg.Version, cfg.Mode).Set(1)
	c.runsLeft.Set(float64(cfg.MaxRuns))
	c.failLeft.Set(float64(cfg.MaxFail))

	return c
}

// =============================================================================
// Event Recording Methods
// =============================================================================

// RecordIteration records one finished iteration. A zero duration (spawn
// errors, cancellation before start) is counted but not observed.
func (c *Collector) RecordIteration(result string, d time.Duration) {
	c.iterations.WithLabelValues(result).Inc()
	if d > 0 {
		c.workerDuration.Observe(d.Seconds())
	}

	c.mu.Lock()
	c.byClass[result]++
	c.iterCount++
	if d > 0 {
		c.durDigest.Add(d.Seconds(), 1)
		if d > c.maxDur {
			c.maxDur = d
		}
	}
	c.mu.Unlock()
}

// SetBudgets updates the remaining budgets.
func (c *Collector) SetBudgets(runsLeft, failLeft int) {
	c.runsLeft.Set(float64(runsLeft))
	c.failLeft.Set(float64(failLeft))
}

// SetRecord updates the record gauges.
func (c *Collector) SetRecord(tracked, flaky int) {
	c.trackedTests.Set(float64(tracked))
	c.flakyTests.Set(float64(flaky))
}

// TaskAdjusted records one priority write. Failed writes count as errors.
func (c *Collector) TaskAdjusted(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.adjustErrors.Inc()
		c.adjustErrs++
		return
	}
	c.tasksDeprioritized.Inc()
	c.adjusted++
}

// =============================================================================
// Summary Generation
// =============================================================================

// Summary holds the data for generating an exit summary.
type Summary struct {
	Duration       time.Duration
	Iterations     int64
	ByClass        map[string]int64
	WorkerP50      time.Duration
	WorkerP95      time.Duration
	WorkerP99      time.Duration
	WorkerMax      time.Duration
	TasksAdjusted  int64
	AdjustFailures int64
}

// GenerateSummary creates a summary of the session so far.
func (c *Collector) GenerateSummary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Summary{
		Duration:       time.Since(c.startTime),
		Iterations:     c.iterCount,
		ByClass:        make(map[string]int64, len(c.byClass)),
		WorkerMax:      c.maxDur,
		TasksAdjusted:  c.adjusted,
		AdjustFailures: c.adjustErrs,
	}
	for class, n := range c.byClass {
		s.ByClass[class] = n
	}

	if c.durDigest.Count() > 0 {
		s.WorkerP50 = seconds(c.durDigest.Quantile(0.50))
		s.WorkerP95 = seconds(c.durDigest.Quantile(0.95))
		s.WorkerP99 = seconds(c.durDigest.Quantile(0.99))
	}

	return s
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
