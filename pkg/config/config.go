// Package config provides the configuration system for streamcore.
//
// StreamConfig carries the engine options at the top level (maxThroughput,
// batchSize, windowSize, slideFraction, sessionGap, checkpointInterval,
// parallelism, backpressureHighWater, backpressureLowWater, dedupHorizon,
// deadLetterCapacity, allowedLateness) and groups everything else into
// sections:
//   - Window: kinds, watermark, late policy, aggregation fields
//   - Pattern: sequence and condition patterns
//   - Processing: connection sizing, stage timeouts and retries
//   - Delivery: sink batching, retries, compression, circuit breaker
//   - Autoscaling: monitor cadence and hysteresis
//   - Checkpoint: retention and blob store
//   - Source / Sink: connector selection for the CLI
//   - Logging, Tracing, Metrics: observability
//
// Example usage:
//
//	cfg := config.DefaultStreamConfig()
//	cfg.WindowSize = 10 * time.Second
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"time"

	"github.com/ajitpratap0/streamcore/pkg/compression"
	"github.com/ajitpratap0/streamcore/pkg/errors"
	"github.com/ajitpratap0/streamcore/pkg/logger"
	"github.com/ajitpratap0/streamcore/pkg/observability"
)

// StreamConfig is the complete engine configuration.
type StreamConfig struct {
	Name string `mapstructure:"name" yaml:"name"`

	// MaxThroughput is a soft target in events/second; 0 disables the limiter
	MaxThroughput float64 `mapstructure:"maxThroughput" yaml:"maxThroughput"`
	// BatchSize is the sink delivery batch size
	BatchSize int `mapstructure:"batchSize" yaml:"batchSize"`
	// WindowSize is the length of tumbling and sliding windows
	WindowSize time.Duration `mapstructure:"windowSize" yaml:"windowSize"`
	// SlideFraction is the slide interval as a fraction of WindowSize
	SlideFraction float64 `mapstructure:"slideFraction" yaml:"slideFraction"`
	// SessionGap is the inactivity gap that closes a session window
	SessionGap time.Duration `mapstructure:"sessionGap" yaml:"sessionGap"`
	// AllowedLateness delays window firing past the window end
	AllowedLateness time.Duration `mapstructure:"allowedLateness" yaml:"allowedLateness"`
	// CheckpointInterval is the period between checkpoints
	CheckpointInterval time.Duration `mapstructure:"checkpointInterval" yaml:"checkpointInterval"`
	// Parallelism bounds the worker count of every processor
	Parallelism ParallelismConfig `mapstructure:"parallelism" yaml:"parallelism"`
	// BackpressureHighWater is the occupancy that raises backpressure
	BackpressureHighWater float64 `mapstructure:"backpressureHighWater" yaml:"backpressureHighWater"`
	// BackpressureLowWater is the occupancy that clears it
	BackpressureLowWater float64 `mapstructure:"backpressureLowWater" yaml:"backpressureLowWater"`
	// DedupHorizon is how long admitted ids are remembered; 0 means CheckpointInterval
	DedupHorizon time.Duration `mapstructure:"dedupHorizon" yaml:"dedupHorizon"`
	// DeadLetterCapacity bounds each source's dead-letter list
	DeadLetterCapacity int `mapstructure:"deadLetterCapacity" yaml:"deadLetterCapacity"`

	Window      WindowConfig                `mapstructure:"window" yaml:"window"`
	Pattern     PatternConfig               `mapstructure:"pattern" yaml:"pattern"`
	Thresholds  []ThresholdRule             `mapstructure:"thresholds" yaml:"thresholds"`
	Processing  ProcessingConfig            `mapstructure:"processing" yaml:"processing"`
	Delivery    DeliveryConfig              `mapstructure:"delivery" yaml:"delivery"`
	Autoscaling AutoscalingConfig           `mapstructure:"autoscaling" yaml:"autoscaling"`
	Checkpoint  CheckpointConfig            `mapstructure:"checkpoint" yaml:"checkpoint"`
	Source      ConnectorConfig             `mapstructure:"source" yaml:"source"`
	Sink        ConnectorConfig             `mapstructure:"sink" yaml:"sink"`
	Logging     logger.Config               `mapstructure:"logging" yaml:"logging"`
	Tracing     observability.TracingConfig `mapstructure:"tracing" yaml:"tracing"`
	Metrics     MetricsConfig               `mapstructure:"metrics" yaml:"metrics"`
}

// ParallelismConfig bounds a processor's worker pool
type ParallelismConfig struct {
	Min     int `mapstructure:"min" yaml:"min"`
	Max     int `mapstructure:"max" yaml:"max"`
	Initial int `mapstructure:"initial" yaml:"initial"`
}

// WindowConfig controls windowing and the watermark
type WindowConfig struct {
	// Kinds lists the enabled window kinds: tumbling, sliding, session
	Kinds []string `mapstructure:"kinds" yaml:"kinds"`
	// Retention keeps fired windows around to absorb corrections
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`
	// ReservoirSize bounds the recent values kept for percentiles
	ReservoirSize int `mapstructure:"reservoirSize" yaml:"reservoirSize"`
	// LatePolicy is "drop" or "correct"
	LatePolicy string `mapstructure:"latePolicy" yaml:"latePolicy"`
	// WatermarkLag is the tolerated out-of-orderness
	WatermarkLag time.Duration `mapstructure:"watermarkLag" yaml:"watermarkLag"`
	// WatermarkIdleTimeout advances the watermark by wall time when idle; 0 disables
	WatermarkIdleTimeout time.Duration `mapstructure:"watermarkIdleTimeout" yaml:"watermarkIdleTimeout"`
	// FireInterval is how often windows are checked against the watermark
	FireInterval time.Duration `mapstructure:"fireInterval" yaml:"fireInterval"`
	// KeyField names the payload field holding the partition key
	KeyField string `mapstructure:"keyField" yaml:"keyField"`
	// ValueField names the payload field holding the numeric measure
	ValueField string `mapstructure:"valueField" yaml:"valueField"`
}

// PatternConfig declares the patterns the detect stage evaluates
type PatternConfig struct {
	MaxInstancesPerKey int             `mapstructure:"maxInstancesPerKey" yaml:"maxInstancesPerKey"`
	SweepInterval      time.Duration   `mapstructure:"sweepInterval" yaml:"sweepInterval"`
	Sequences          []SequenceSpec  `mapstructure:"sequences" yaml:"sequences"`
	Conditions         []ConditionSpec `mapstructure:"conditions" yaml:"conditions"`
}

// SequenceSpec is an ordered list of event types that must occur for one
// correlation key within Within
type SequenceSpec struct {
	Name     string        `mapstructure:"name" yaml:"name"`
	Steps    []string      `mapstructure:"steps" yaml:"steps"`
	Within   time.Duration `mapstructure:"within" yaml:"within"`
	ResetOn  []string      `mapstructure:"resetOn" yaml:"resetOn"`
	Severity string        `mapstructure:"severity" yaml:"severity"`
}

// ConditionSpec is a single-event pattern
type ConditionSpec struct {
	Name       string           `mapstructure:"name" yaml:"name"`
	EventType  string           `mapstructure:"eventType" yaml:"eventType"`
	Fields     []FieldCondition `mapstructure:"fields" yaml:"fields"`
	Expression string           `mapstructure:"expression" yaml:"expression"`
	Severity   string           `mapstructure:"severity" yaml:"severity"`
}

// FieldCondition compares one payload field with a value
type FieldCondition struct {
	Field string      `mapstructure:"field" yaml:"field"`
	Op    string      `mapstructure:"op" yaml:"op"`
	Value interface{} `mapstructure:"value" yaml:"value"`
}

// ThresholdRule raises an alert when a fired window's metric exceeds Above
type ThresholdRule struct {
	Name       string  `mapstructure:"name" yaml:"name"`
	WindowKind string  `mapstructure:"windowKind" yaml:"windowKind"`
	Metric     string  `mapstructure:"metric" yaml:"metric"`
	Above      float64 `mapstructure:"above" yaml:"above"`
	Severity   string  `mapstructure:"severity" yaml:"severity"`
}

// ProcessingConfig tunes the executor
type ProcessingConfig struct {
	ConnectionCapacity int               `mapstructure:"connectionCapacity" yaml:"connectionCapacity"`
	StageTimeout       time.Duration     `mapstructure:"stageTimeout" yaml:"stageTimeout"`
	MaxRetries         int               `mapstructure:"maxRetries" yaml:"maxRetries"`
	RetryBackoffBase   time.Duration     `mapstructure:"retryBackoffBase" yaml:"retryBackoffBase"`
	RetryBackoffMax    time.Duration     `mapstructure:"retryBackoffMax" yaml:"retryBackoffMax"`
	MaxThrottleDelay   time.Duration     `mapstructure:"maxThrottleDelay" yaml:"maxThrottleDelay"`
	RequiredFields     []string          `mapstructure:"requiredFields" yaml:"requiredFields"`
	Filter             string            `mapstructure:"filter" yaml:"filter"`
	Compute            map[string]string `mapstructure:"compute" yaml:"compute"`
	RouteField         string            `mapstructure:"routeField" yaml:"routeField"`
	AlertBuffer        int               `mapstructure:"alertBuffer" yaml:"alertBuffer"`
	DedupSweepInterval time.Duration     `mapstructure:"dedupSweepInterval" yaml:"dedupSweepInterval"`
}

// DeliveryConfig tunes sink batching and retries
type DeliveryConfig struct {
	FlushInterval  time.Duration        `mapstructure:"flushInterval" yaml:"flushInterval"`
	MaxAttempts    int                  `mapstructure:"maxAttempts" yaml:"maxAttempts"`
	BackoffBase    time.Duration        `mapstructure:"backoffBase" yaml:"backoffBase"`
	BackoffMax     time.Duration        `mapstructure:"backoffMax" yaml:"backoffMax"`
	Compression    compression.Config   `mapstructure:"compression" yaml:"compression"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuitBreaker" yaml:"circuitBreaker"`
}

// CircuitBreakerConfig configures the per-sink breaker
type CircuitBreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	FailureThreshold int           `mapstructure:"failureThreshold" yaml:"failureThreshold"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	HalfOpenRequests int           `mapstructure:"halfOpenRequests" yaml:"halfOpenRequests"`
}

// AutoscalingConfig configures the backpressure monitor and autoscaler
type AutoscalingConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	MonitorInterval   time.Duration `mapstructure:"monitorInterval" yaml:"monitorInterval"`
	HysteresisSamples int           `mapstructure:"hysteresisSamples" yaml:"hysteresisSamples"`
	Cooldown          time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	// CPUCeiling blocks scale-up while host CPU percent is above it; 0 disables
	CPUCeiling float64 `mapstructure:"cpuCeiling" yaml:"cpuCeiling"`
}

// CheckpointConfig configures checkpointing
type CheckpointConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`
	Store     StoreConfig   `mapstructure:"store" yaml:"store"`
}

// StoreConfig selects and configures the checkpoint blob store
type StoreConfig struct {
	// Type is one of memory, badger, s3, gcs, postgres
	Type            string `mapstructure:"type" yaml:"type"`
	Path            string `mapstructure:"path" yaml:"path"`
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Prefix          string `mapstructure:"prefix" yaml:"prefix"`
	Region          string `mapstructure:"region" yaml:"region"`
	CredentialsFile string `mapstructure:"credentialsFile" yaml:"credentialsFile"`
	DSN             string `mapstructure:"dsn" yaml:"dsn"`
	Table           string `mapstructure:"table" yaml:"table"`
}

// ConnectorConfig selects a source or sink for the CLI
type ConnectorConfig struct {
	// Type is jsonl or kafka
	Type    string   `mapstructure:"type" yaml:"type"`
	Name    string   `mapstructure:"name" yaml:"name"`
	Path    string   `mapstructure:"path" yaml:"path"`
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic"`
	GroupID string   `mapstructure:"groupId" yaml:"groupId"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// Window kinds
const (
	WindowTumbling = "tumbling"
	WindowSliding  = "sliding"
	WindowSession  = "session"
)

// Late policies
const (
	LatePolicyDrop    = "drop"
	LatePolicyCorrect = "correct"
)

// DefaultStreamConfig returns production-ready defaults
func DefaultStreamConfig() *StreamConfig {
	return &StreamConfig{
		Name:                  "streamcore",
		MaxThroughput:         0,
		BatchSize:             500,
		WindowSize:            time.Minute,
		SlideFraction:         0.5,
		SessionGap:            30 * time.Second,
		AllowedLateness:       5 * time.Second,
		CheckpointInterval:    30 * time.Second,
		Parallelism:           ParallelismConfig{Min: 1, Max: 8, Initial: 2},
		BackpressureHighWater: 0.8,
		BackpressureLowWater:  0.6,
		DedupHorizon:          0,
		DeadLetterCapacity:    10000,
		Window: WindowConfig{
			Kinds:                []string{WindowTumbling},
			Retention:            time.Minute,
			ReservoirSize:        256,
			LatePolicy:           LatePolicyDrop,
			WatermarkLag:         2 * time.Second,
			WatermarkIdleTimeout: 0,
			FireInterval:         time.Second,
		},
		Pattern: PatternConfig{
			MaxInstancesPerKey: 64,
			SweepInterval:      10 * time.Second,
		},
		Processing: ProcessingConfig{
			ConnectionCapacity: 4096,
			StageTimeout:       2 * time.Second,
			MaxRetries:         3,
			RetryBackoffBase:   50 * time.Millisecond,
			RetryBackoffMax:    2 * time.Second,
			MaxThrottleDelay:   100 * time.Millisecond,
			AlertBuffer:        1024,
			DedupSweepInterval: 5 * time.Second,
		},
		Delivery: DeliveryConfig{
			FlushInterval: time.Second,
			MaxAttempts:   5,
			BackoffBase:   100 * time.Millisecond,
			BackoffMax:    10 * time.Second,
			Compression:   compression.Config{Algorithm: compression.None, Level: compression.Default},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
				HalfOpenRequests: 1,
			},
		},
		Autoscaling: AutoscalingConfig{
			Enabled:           true,
			MonitorInterval:   time.Second,
			HysteresisSamples: 3,
			Cooldown:          10 * time.Second,
			CPUCeiling:        95,
		},
		Checkpoint: CheckpointConfig{
			Enabled:   true,
			Retention: time.Hour,
			Store:     StoreConfig{Type: "memory", Table: "streamcore_checkpoints"},
		},
		Source:  ConnectorConfig{Type: "jsonl", Name: "stdin"},
		Sink:    ConnectorConfig{Type: "jsonl", Name: "stdout"},
		Logging: logger.Config{Level: "info", Encoding: "json"},
		Tracing: *observability.DefaultTracingConfig(),
		Metrics: MetricsConfig{Enabled: true, Address: ":9090"},
	}
}

// EffectiveDedupHorizon returns DedupHorizon, defaulting to the checkpoint interval
func (c *StreamConfig) EffectiveDedupHorizon() time.Duration {
	if c.DedupHorizon > 0 {
		return c.DedupHorizon
	}
	return c.CheckpointInterval
}

// HasWindowKind reports whether kind is enabled
func (c *StreamConfig) HasWindowKind(kind string) bool {
	for _, k := range c.Window.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Validate checks required fields and value ranges
func (c *StreamConfig) Validate() error {
	if c.Name == "" {
		return invalid("name is required")
	}
	if c.MaxThroughput < 0 {
		return invalid("maxThroughput cannot be negative")
	}
	if c.BatchSize <= 0 {
		return invalid("batchSize must be positive")
	}
	if c.WindowSize <= 0 {
		return invalid("windowSize must be positive")
	}
	if c.SlideFraction <= 0 || c.SlideFraction >= 1 {
		return invalid("slideFraction must be in (0, 1)")
	}
	if c.SessionGap <= 0 {
		return invalid("sessionGap must be positive")
	}
	if c.AllowedLateness < 0 {
		return invalid("allowedLateness cannot be negative")
	}
	if c.CheckpointInterval <= 0 {
		return invalid("checkpointInterval must be positive")
	}
	p := c.Parallelism
	if p.Min < 1 || p.Max < p.Min || p.Initial < p.Min || p.Initial > p.Max {
		return invalid(fmt.Sprintf("parallelism must satisfy 1 <= min <= initial <= max (got min=%d initial=%d max=%d)", p.Min, p.Initial, p.Max))
	}
	if c.BackpressureLowWater <= 0 || c.BackpressureHighWater > 1 || c.BackpressureLowWater >= c.BackpressureHighWater {
		return invalid("backpressure water marks must satisfy 0 < low < high <= 1")
	}
	if c.DedupHorizon < 0 {
		return invalid("dedupHorizon cannot be negative")
	}
	if c.DeadLetterCapacity <= 0 {
		return invalid("deadLetterCapacity must be positive")
	}

	for _, k := range c.Window.Kinds {
		switch k {
		case WindowTumbling, WindowSliding, WindowSession:
		default:
			return invalid(fmt.Sprintf("unknown window kind %q", k))
		}
	}
	switch c.Window.LatePolicy {
	case LatePolicyDrop, LatePolicyCorrect:
	default:
		return invalid(fmt.Sprintf("latePolicy must be %q or %q", LatePolicyDrop, LatePolicyCorrect))
	}
	if c.Window.ReservoirSize <= 0 {
		return invalid("window.reservoirSize must be positive")
	}
	if c.Window.WatermarkLag < 0 || c.Window.Retention < 0 {
		return invalid("window durations cannot be negative")
	}
	if c.Pattern.MaxInstancesPerKey <= 0 {
		return invalid("pattern.maxInstancesPerKey must be positive")
	}
	for _, s := range c.Pattern.Sequences {
		if s.Name == "" || len(s.Steps) == 0 || s.Within <= 0 {
			return invalid(fmt.Sprintf("sequence pattern %q needs a name, steps and a positive within", s.Name))
		}
	}
	for _, cs := range c.Pattern.Conditions {
		if cs.Name == "" || (len(cs.Fields) == 0 && cs.Expression == "") {
			return invalid(fmt.Sprintf("condition pattern %q needs a name and at least one field or expression", cs.Name))
		}
	}
	if c.Processing.ConnectionCapacity <= 0 {
		return invalid("processing.connectionCapacity must be positive")
	}
	if c.Processing.MaxRetries < 0 {
		return invalid("processing.maxRetries cannot be negative")
	}
	if c.Delivery.MaxAttempts < 1 {
		return invalid("delivery.maxAttempts must be at least 1")
	}
	if c.Delivery.FlushInterval <= 0 {
		return invalid("delivery.flushInterval must be positive")
	}
	if c.Autoscaling.MonitorInterval <= 0 || c.Autoscaling.HysteresisSamples < 1 {
		return invalid("autoscaling needs a positive monitorInterval and hysteresisSamples")
	}
	switch c.Checkpoint.Store.Type {
	case "memory", "badger", "s3", "gcs", "postgres":
	default:
		return invalid(fmt.Sprintf("unknown checkpoint store type %q", c.Checkpoint.Store.Type))
	}
	return nil
}

func invalid(msg string) error {
	return errors.New(errors.ErrorTypeConfig, msg)
}
