// Package metrics exposes streamcore's Prometheus metrics.
//
// All collectors are registered on the default registry through promauto,
// so serving promhttp.Handler() is enough to publish them.
//
// # Basic Usage
//
//	metrics.EventsIngested.WithLabelValues("orders").Inc()
//
//	timer := metrics.NewTimer()
//	runStage(ev)
//	metrics.StageLatency.WithLabelValues("enrich").Observe(timer.Stop().Seconds())
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsIngested counts events admitted by the dedup store, per source
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamcore_events_ingested_total",
			Help: "Total number of events admitted for processing",
		},
		[]string{"source"},
	)

	// DuplicatesDropped counts redeliveries dropped at admission
	DuplicatesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamcore_duplicates_dropped_total",
			Help: "Total number of duplicate events dropped at admission",
		},
		[]string{"source"},
	)

	// EventsProcessed counts events leaving a processor, by outcome
	// (forwarded, filtered, dead_lettered)
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamcore_events_processed_total",
			Help: "Total number of events handled by processors",
		},
		[]string{"processor", "outcome"},
	)

	// StageLatency is the per-stage processing time in seconds
	StageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "streamcore_stage_latency_seconds",
			Help: "Pipeline stage latency in seconds",
			Buckets: []float64{
				0.00001, // 10μs
				0.0001,  // 100μs
				0.001,   // 1ms
				0.01,    // 10ms
				0.1,     // 100ms
				1,       // 1s
				5,       // external calls near their timeout
			},
		},
		[]string{"stage"},
	)

	// StageRetries counts transient-failure retries per stage
	StageRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamcore_stage_retries_total",
			Help: "Total number of stage retries after transient failures",
		},
		[]string{"stage"},
	)

	// DeadLettered counts events moved to the dead-letter store
	DeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamcore_dead_lettered_total",
			Help: "Total number of events moved to dead-letter",
		},
		[]string{"source", "reason"},
	)

	// DeadLetterEvicted counts entries evicted from a full dead-letter list
	DeadLetterEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamcore_dead_letter_evicted_total",
			Help: "Dead-letter entries evicted because the list was full",
		},
		[]string{"source"},
	)

	// ConnectionOccupancy is queued/capacity for each topology connection
	ConnectionOccupancy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamcore_connection_occupancy_ratio",
			Help: "Queue occupancy of a topology connection",
		},
		[]string{"connection"},
	)

	// Backpressured is 1 while a connection's backpressure signal is raised
	Backpressured = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamcore_connection_backpressured",
			Help: "Whether the connection currently signals backpressure",
		},
		[]string{"connection"},
	)

	// ProcessorWorkers is the current worker count of a processor
	ProcessorWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamcore_processor_workers",
			Help: "Current number of workers per processor",
		},
		[]string{"processor"},
	)

	// ScaleEvents counts autoscaler decisions by direction
	ScaleEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamcore_scale_events_total",
			Help: "Total number of autoscaling actions",
		},
		[]string{"processor", "direction"},
	)

	// WindowsFired counts closed windows by kind
	WindowsFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamcore_windows_fired_total",
			Help: "Total number of windows fired",
		},
		[]string{"kind"},
	)

	// LateEvents counts events that arrived after their window fired, by
	// the action taken (dropped, corrected)
	LateEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamcore_late_events_total",
			Help: "Total number of late events",
		},
		[]string{"action"},
	)

	// Watermark is the current event-time watermark in unix seconds
	Watermark = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamcore_watermark_seconds",
			Help: "Current event-time watermark",
		},
	)

	// PatternMatches counts completed patterns
	PatternMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamcore_pattern_matches_total",
			Help: "Total number of pattern matches",
		},
		[]string{"pattern"},
	)

	// PatternInstancesEvicted counts partial matches evicted by the per-key cap
	PatternInstancesEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamcore_pattern_instances_evicted_total",
			Help: "Partial pattern matches evicted by the per-key instance cap",
		},
		[]string{"pattern"},
	)

	// CheckpointDuration is the time from cut to durable blob
	CheckpointDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "streamcore_checkpoint_duration_seconds",
			Help:    "Checkpoint duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		},
	)

	// CheckpointFailures counts failed checkpoint attempts
	CheckpointFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamcore_checkpoint_failures_total",
			Help: "Total number of failed checkpoints",
		},
	)

	// CheckpointBytes is the size of the last stored checkpoint blob
	CheckpointBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamcore_checkpoint_bytes",
			Help: "Size of the most recent checkpoint blob",
		},
	)

	// DeliveryFailures counts failed sink delivery attempts
	DeliveryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamcore_delivery_failures_total",
			Help: "Total number of failed sink deliveries",
		},
		[]string{"sink"},
	)

	// EventsDelivered counts events acknowledged by sinks
	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamcore_events_delivered_total",
			Help: "Total number of events delivered to sinks",
		},
		[]string{"sink"},
	)

	// AlertsEmitted counts alerts by type and severity
	AlertsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamcore_alerts_emitted_total",
			Help: "Total number of alerts emitted",
		},
		[]string{"type", "severity"},
	)

	// AlertsDropped counts alerts dropped because no consumer kept up
	AlertsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamcore_alerts_dropped_total",
			Help: "Alerts dropped because the alert stream buffer was full",
		},
	)

	// Throughput tracks admitted events per second per source
	Throughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamcore_throughput_events_per_second",
			Help: "Current admission throughput in events per second",
		},
		[]string{"source"},
	)
)

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed duration since creation. It can be called
// multiple times.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ThroughputTracker tracks events per second for one source. Safe for
// concurrent use.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64
	lastReset time.Time
	source    string
}

// NewThroughputTracker creates a new throughput tracker
func NewThroughputTracker(source string) *ThroughputTracker {
	return &ThroughputTracker{
		lastReset: time.Now(),
		source:    source,
	}
}

// Increment adds n to the event count
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// GetAndReset calculates the current throughput, updates the Prometheus
// gauge, and resets the counter.
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed == 0 {
		return 0
	}

	throughput := float64(t.count) / elapsed
	t.count = 0
	t.lastReset = time.Now()

	Throughput.WithLabelValues(t.source).Set(throughput)
	return throughput
}
