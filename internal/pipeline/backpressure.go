package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/streamcore/pkg/metrics"
	"github.com/ajitpratap0/streamcore/pkg/models"
)

// BackpressureConfig configures the backpressure monitor
type BackpressureConfig struct {
	// HighWater is the occupancy that raises a connection's signal
	HighWater float64 `json:"high_water"`
	// LowWater is the occupancy that clears it
	LowWater float64 `json:"low_water"`
	// CheckInterval is the sampling period
	CheckInterval time.Duration `json:"check_interval"`
	// MaxThrottleDelay bounds how long Submit waits on a raised signal
	// before falling through to the blocking push
	MaxThrottleDelay time.Duration `json:"max_throttle_delay"`
}

// DefaultBackpressureConfig returns a sensible default configuration
func DefaultBackpressureConfig() *BackpressureConfig {
	return &BackpressureConfig{
		HighWater:        0.8,
		LowWater:         0.6,
		CheckInterval:    time.Second,
		MaxThrottleDelay: 100 * time.Millisecond,
	}
}

// BackpressureMonitor samples connection occupancy and keeps a hysteretic
// backpressure signal per connection: raised at HighWater, cleared at
// LowWater.
type BackpressureMonitor struct {
	config *BackpressureConfig
	conns  []*Connection
	logger *zap.Logger

	mu      sync.RWMutex
	active  map[string]bool
	changed chan struct{}

	onAlert func(models.Alert)

	activeCount       int32
	activationCount   int64
	deactivationCount int64
	throttleEvents    int64
	totalThrottleTime int64 // nanoseconds
}

// NewBackpressureMonitor creates a monitor over conns
func NewBackpressureMonitor(config *BackpressureConfig, conns []*Connection, logger *zap.Logger) *BackpressureMonitor {
	if config == nil {
		config = DefaultBackpressureConfig()
	}
	return &BackpressureMonitor{
		config:  config,
		conns:   conns,
		logger:  logger.With(zap.String("component", "backpressure")),
		active:  make(map[string]bool, len(conns)),
		changed: make(chan struct{}),
	}
}

// OnAlert registers the alert sink for activation and clearing
func (b *BackpressureMonitor) OnAlert(fn func(models.Alert)) { b.onAlert = fn }

// Run samples every CheckInterval until ctx is done
func (b *BackpressureMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.Sample()
		}
	}
}

// Sample checks every connection once and returns the signals raised or
// cleared by this sample
func (b *BackpressureMonitor) Sample() []ControlSignal {
	var out []ControlSignal
	for _, c := range b.conns {
		occ := c.Occupancy()
		metrics.ConnectionOccupancy.WithLabelValues(c.Name()).Set(occ)

		b.mu.RLock()
		isActive := b.active[c.Name()]
		b.mu.RUnlock()

		switch {
		case !isActive && occ >= b.config.HighWater:
			out = append(out, b.activate(c, occ))
		case isActive && occ <= b.config.LowWater:
			out = append(out, b.deactivate(c, occ))
		}
	}
	return out
}

func (b *BackpressureMonitor) activate(c *Connection, occupancy float64) ControlSignal {
	b.mu.Lock()
	b.active[c.Name()] = true
	b.mu.Unlock()
	atomic.AddInt32(&b.activeCount, 1)
	atomic.AddInt64(&b.activationCount, 1)
	metrics.Backpressured.WithLabelValues(c.Name()).Set(1)

	b.logger.Warn("backpressure activated",
		zap.String("connection", c.Name()),
		zap.Float64("occupancy", occupancy))

	signal := ControlSignal{
		Type:       ControlTypePause,
		Connection: c.Name(),
		Occupancy:  occupancy,
		Timestamp:  time.Now(),
	}
	b.alert(models.SeverityWarning, signal, fmt.Sprintf("connection %s at %.0f%% occupancy", c.Name(), occupancy*100))
	return signal
}

func (b *BackpressureMonitor) deactivate(c *Connection, occupancy float64) ControlSignal {
	b.mu.Lock()
	b.active[c.Name()] = false
	close(b.changed)
	b.changed = make(chan struct{})
	b.mu.Unlock()
	atomic.AddInt32(&b.activeCount, -1)
	atomic.AddInt64(&b.deactivationCount, 1)
	metrics.Backpressured.WithLabelValues(c.Name()).Set(0)

	b.logger.Info("backpressure deactivated",
		zap.String("connection", c.Name()),
		zap.Float64("occupancy", occupancy))

	signal := ControlSignal{
		Type:       ControlTypeResume,
		Connection: c.Name(),
		Occupancy:  occupancy,
		Timestamp:  time.Now(),
	}
	b.alert(models.SeverityInfo, signal, fmt.Sprintf("connection %s recovered to %.0f%% occupancy", c.Name(), occupancy*100))
	return signal
}

func (b *BackpressureMonitor) alert(sev models.Severity, signal ControlSignal, msg string) {
	if b.onAlert == nil {
		return
	}
	b.onAlert(models.Alert{
		Type:      models.AlertBackpressure,
		Severity:  sev,
		Timestamp: signal.Timestamp,
		Message:   msg,
		Attributes: map[string]interface{}{
			"connection": signal.Connection,
			"occupancy":  signal.Occupancy,
			"signal":     string(signal.Type),
		},
	})
}

// IsActive reports whether the named connection is backpressured
func (b *BackpressureMonitor) IsActive(connection string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active[connection]
}

// AnyActive reports whether any connection is backpressured
func (b *BackpressureMonitor) AnyActive() bool {
	return atomic.LoadInt32(&b.activeCount) > 0
}

// Wait throttles a producer while any of conns is backpressured. It returns
// when the signals clear or after MaxThrottleDelay, whichever is first; the
// caller then pushes and blocks on a full queue if needed.
func (b *BackpressureMonitor) Wait(ctx context.Context, conns []*Connection) error {
	if !b.AnyActive() {
		return nil
	}
	start := time.Now()
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
			d := time.Since(start)
			atomic.AddInt64(&b.throttleEvents, 1)
			atomic.AddInt64(&b.totalThrottleTime, d.Nanoseconds())
		}
	}()

	for {
		b.mu.RLock()
		raised := false
		for _, c := range conns {
			if b.active[c.Name()] {
				raised = true
				break
			}
		}
		changed := b.changed
		b.mu.RUnlock()

		if !raised {
			return nil
		}
		if timer == nil {
			if b.config.MaxThrottleDelay <= 0 {
				return nil
			}
			timer = time.NewTimer(b.config.MaxThrottleDelay)
		}
		select {
		case <-changed:
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// BackpressureStats represents backpressure statistics
type BackpressureStats struct {
	Active            []string      `json:"active"`
	Activations       int64         `json:"activations"`
	Deactivations     int64         `json:"deactivations"`
	ThrottleEvents    int64         `json:"throttle_events"`
	TotalThrottleTime time.Duration `json:"total_throttle_time"`
}

// GetStats returns backpressure statistics
func (b *BackpressureMonitor) GetStats() BackpressureStats {
	b.mu.RLock()
	var active []string
	for name, on := range b.active {
		if on {
			active = append(active, name)
		}
	}
	b.mu.RUnlock()
	return BackpressureStats{
		Active:            active,
		Activations:       atomic.LoadInt64(&b.activationCount),
		Deactivations:     atomic.LoadInt64(&b.deactivationCount),
		ThrottleEvents:    atomic.LoadInt64(&b.throttleEvents),
		TotalThrottleTime: time.Duration(atomic.LoadInt64(&b.totalThrottleTime)),
	}
}
