package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"

	"github.com/ajitpratap0/streamcore/pkg/metrics"
	"github.com/ajitpratap0/streamcore/pkg/models"
)

// AutoscalerConfig configures the autoscaler
type AutoscalerConfig struct {
	HighWater float64
	LowWater  float64
	// Interval is the sampling period
	Interval time.Duration
	// HysteresisSamples consecutive samples past a water mark trigger a change
	HysteresisSamples int
	// Cooldown follows every change
	Cooldown time.Duration
	// CPUCeiling blocks scale-up while host CPU percent is above it; 0 disables
	CPUCeiling float64
}

// DefaultAutoscalerConfig returns production defaults
func DefaultAutoscalerConfig() *AutoscalerConfig {
	return &AutoscalerConfig{
		HighWater:         0.8,
		LowWater:          0.6,
		Interval:          time.Second,
		HysteresisSamples: 3,
		Cooldown:          10 * time.Second,
		CPUCeiling:        95,
	}
}

// Scalable is a worker pool the autoscaler can resize
type Scalable interface {
	Name() string
	Workers() int
	Parallelism() ParallelismSpec
	Occupancy() float64
	Rescale(n int) (int, error)
}

// Scale directions
const (
	ScaleUp   = "up"
	ScaleDown = "down"
)

// ScaleDecision records one worker count change
type ScaleDecision struct {
	Processor string    `json:"processor"`
	Direction string    `json:"direction"`
	From      int       `json:"from"`
	To        int       `json:"to"`
	Occupancy float64   `json:"occupancy"`
	Timestamp time.Time `json:"timestamp"`
}

type scaleState struct {
	above      int
	below      int
	lastChange time.Time
}

// Autoscaler adds a worker after HysteresisSamples consecutive samples at
// or above high water and removes one after as many samples below low
// water, staying within each processor's bounds. Changes are followed by a
// cooldown.
type Autoscaler struct {
	config  *AutoscalerConfig
	targets []Scalable
	logger  *zap.Logger
	clock   func() time.Time
	// cpuPercent reports host CPU utilization in percent
	cpuPercent func() (float64, error)
	onAlert    func(models.Alert)

	mu    sync.Mutex
	state map[string]*scaleState

	scaleUps   int64
	scaleDowns int64
	cpuSkips   int64
}

// NewAutoscaler creates an autoscaler over targets
func NewAutoscaler(config *AutoscalerConfig, targets []Scalable, logger *zap.Logger) *Autoscaler {
	if config == nil {
		config = DefaultAutoscalerConfig()
	}
	if config.HysteresisSamples < 1 {
		config.HysteresisSamples = 1
	}
	state := make(map[string]*scaleState, len(targets))
	for _, t := range targets {
		state[t.Name()] = &scaleState{}
	}
	return &Autoscaler{
		config:     config,
		targets:    targets,
		logger:     logger.With(zap.String("component", "autoscaler")),
		clock:      time.Now,
		cpuPercent: hostCPUPercent,
		state:      state,
	}
}

// OnAlert registers the alert sink for scale changes
func (a *Autoscaler) OnAlert(fn func(models.Alert)) { a.onAlert = fn }

func hostCPUPercent() (float64, error) {
	pct, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(pct) == 0 {
		return 0, nil
	}
	return pct[0], nil
}

// Run evaluates every Interval until ctx is done
func (a *Autoscaler) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Evaluate()
		}
	}
}

// Evaluate takes one occupancy sample per target and applies any change
// the hysteresis allows
func (a *Autoscaler) Evaluate() []ScaleDecision {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock()
	var decisions []ScaleDecision
	for _, t := range a.targets {
		st := a.state[t.Name()]
		occ := t.Occupancy()

		switch {
		case occ >= a.config.HighWater:
			st.above++
			st.below = 0
		case occ < a.config.LowWater:
			st.below++
			st.above = 0
		default:
			st.above, st.below = 0, 0
		}

		if !st.lastChange.IsZero() && now.Sub(st.lastChange) < a.config.Cooldown {
			continue
		}

		workers := t.Workers()
		bounds := t.Parallelism()
		var direction string
		target := workers
		switch {
		case st.above >= a.config.HysteresisSamples && (bounds.Max <= 0 || workers < bounds.Max):
			if a.cpuSaturated() {
				atomic.AddInt64(&a.cpuSkips, 1)
				continue
			}
			direction, target = ScaleUp, workers+1
		case st.below >= a.config.HysteresisSamples && workers > bounds.Min && workers > 1:
			direction, target = ScaleDown, workers-1
		default:
			continue
		}

		got, err := t.Rescale(target)
		if err != nil {
			a.logger.Warn("rescale failed", zap.String("processor", t.Name()), zap.Error(err))
			continue
		}
		if got == workers {
			continue
		}

		st.above, st.below = 0, 0
		st.lastChange = now
		d := ScaleDecision{
			Processor: t.Name(),
			Direction: direction,
			From:      workers,
			To:        got,
			Occupancy: occ,
			Timestamp: now,
		}
		decisions = append(decisions, d)
		a.record(d)
	}
	return decisions
}

func (a *Autoscaler) cpuSaturated() bool {
	if a.config.CPUCeiling <= 0 || a.cpuPercent == nil {
		return false
	}
	pct, err := a.cpuPercent()
	if err != nil {
		a.logger.Debug("cpu sample failed", zap.Error(err))
		return false
	}
	if pct > a.config.CPUCeiling {
		a.logger.Info("scale-up skipped, host cpu above ceiling",
			zap.Float64("cpu_percent", pct),
			zap.Float64("ceiling", a.config.CPUCeiling))
		return true
	}
	return false
}

func (a *Autoscaler) record(d ScaleDecision) {
	if d.Direction == ScaleUp {
		atomic.AddInt64(&a.scaleUps, 1)
	} else {
		atomic.AddInt64(&a.scaleDowns, 1)
	}
	metrics.ScaleEvents.WithLabelValues(d.Processor, d.Direction).Inc()

	a.logger.Info("processor scaled",
		zap.String("processor", d.Processor),
		zap.String("direction", d.Direction),
		zap.Int("from", d.From),
		zap.Int("to", d.To),
		zap.Float64("occupancy", d.Occupancy))

	if a.onAlert != nil {
		a.onAlert(models.Alert{
			Type:      models.AlertAutoscale,
			Severity:  models.SeverityInfo,
			Timestamp: d.Timestamp,
			Message:   fmt.Sprintf("processor %s scaled %s from %d to %d workers", d.Processor, d.Direction, d.From, d.To),
			Attributes: map[string]interface{}{
				"processor": d.Processor,
				"direction": d.Direction,
				"from":      d.From,
				"to":        d.To,
				"occupancy": d.Occupancy,
			},
		})
	}
}

// AutoscalerStats represents autoscaler statistics
type AutoscalerStats struct {
	ScaleUps   int64 `json:"scale_ups"`
	ScaleDowns int64 `json:"scale_downs"`
	CPUSkips   int64 `json:"cpu_skips"`
}

// GetStats returns autoscaler statistics
func (a *Autoscaler) GetStats() AutoscalerStats {
	return AutoscalerStats{
		ScaleUps:   atomic.LoadInt64(&a.scaleUps),
		ScaleDowns: atomic.LoadInt64(&a.scaleDowns),
		CPUSkips:   atomic.LoadInt64(&a.cpuSkips),
	}
}
