package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ajitpratap0/streamcore/pkg/models"
)

type fakeScalable struct {
	name      string
	bounds    ParallelismSpec
	mu        sync.Mutex
	workers   int
	occupancy float64
}

func (f *fakeScalable) Name() string                 { return f.name }
func (f *fakeScalable) Parallelism() ParallelismSpec { return f.bounds }

func (f *fakeScalable) Workers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workers
}

func (f *fakeScalable) Occupancy() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.occupancy
}

func (f *fakeScalable) Rescale(n int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workers = f.bounds.clamp(n)
	return f.workers, nil
}

func (f *fakeScalable) set(occ float64) {
	f.mu.Lock()
	f.occupancy = occ
	f.mu.Unlock()
}

func newTestAutoscaler(target *fakeScalable, cooldown time.Duration) (*Autoscaler, *manualClock) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	a := NewAutoscaler(&AutoscalerConfig{
		HighWater:         0.8,
		LowWater:          0.6,
		Interval:          time.Second,
		HysteresisSamples: 3,
		Cooldown:          cooldown,
	}, []Scalable{target}, zap.NewNop())
	a.clock = clock.Now
	a.cpuPercent = func() (float64, error) { return 10, nil }
	return a, clock
}

func TestAutoscalerScalesUpAfterHysteresis(t *testing.T) {
	target := &fakeScalable{name: "p", bounds: ParallelismSpec{Min: 1, Max: 4, Initial: 1}, workers: 1}
	a, _ := newTestAutoscaler(target, 0)

	var alerts []models.Alert
	a.OnAlert(func(al models.Alert) { alerts = append(alerts, al) })

	target.set(0.9)
	assert.Empty(t, a.Evaluate())
	assert.Empty(t, a.Evaluate())
	decisions := a.Evaluate()
	require.Len(t, decisions, 1)
	assert.Equal(t, ScaleUp, decisions[0].Direction)
	assert.Equal(t, 1, decisions[0].From)
	assert.Equal(t, 2, decisions[0].To)
	assert.Equal(t, 2, target.Workers())

	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertAutoscale, alerts[0].Type)
	assert.Empty(t, alerts[0].CausalEventID)
}

func TestAutoscalerIgnoresInterruptedStreaks(t *testing.T) {
	target := &fakeScalable{name: "p", bounds: ParallelismSpec{Min: 1, Max: 4, Initial: 1}, workers: 1}
	a, _ := newTestAutoscaler(target, 0)

	for _, occ := range []float64{0.9, 0.9, 0.7, 0.9, 0.9} {
		target.set(occ)
		assert.Empty(t, a.Evaluate())
	}
	assert.Equal(t, 1, target.Workers())
}

func TestAutoscalerScalesDownAndRespectsBounds(t *testing.T) {
	target := &fakeScalable{name: "p", bounds: ParallelismSpec{Min: 2, Max: 4, Initial: 3}, workers: 3}
	a, _ := newTestAutoscaler(target, 0)

	target.set(0.1)
	for i := 0; i < 3; i++ {
		a.Evaluate()
	}
	assert.Equal(t, 2, target.Workers())

	for i := 0; i < 6; i++ {
		assert.Empty(t, a.Evaluate(), "never below min")
	}
	assert.Equal(t, 2, target.Workers())

	target.set(1.0)
	for i := 0; i < 12; i++ {
		a.Evaluate()
	}
	assert.Equal(t, 4, target.Workers(), "never above max")
	assert.EqualValues(t, 2, a.GetStats().ScaleUps)
	assert.EqualValues(t, 1, a.GetStats().ScaleDowns)
}

func TestAutoscalerCooldown(t *testing.T) {
	target := &fakeScalable{name: "p", bounds: ParallelismSpec{Min: 1, Max: 8, Initial: 1}, workers: 1}
	a, clock := newTestAutoscaler(target, time.Minute)

	target.set(0.95)
	for i := 0; i < 3; i++ {
		a.Evaluate()
	}
	require.Equal(t, 2, target.Workers())

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		assert.Empty(t, a.Evaluate())
	}
	assert.Equal(t, 2, target.Workers())

	clock.Advance(time.Minute)
	require.Len(t, a.Evaluate(), 1, "samples taken during the cooldown still count toward the streak")
	assert.Equal(t, 3, target.Workers())
}

func TestAutoscalerSkipsScaleUpAboveCPUCeiling(t *testing.T) {
	target := &fakeScalable{name: "p", bounds: ParallelismSpec{Min: 1, Max: 4, Initial: 1}, workers: 1}
	a, _ := newTestAutoscaler(target, 0)
	a.config.CPUCeiling = 80
	a.cpuPercent = func() (float64, error) { return 97, nil }

	target.set(0.9)
	for i := 0; i < 4; i++ {
		assert.Empty(t, a.Evaluate())
	}
	assert.Equal(t, 1, target.Workers())
	assert.Positive(t, a.GetStats().CPUSkips)
}
