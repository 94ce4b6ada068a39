package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ajitpratap0/streamcore/pkg/models"
)

func fill(t *testing.T, c *Connection, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, c.Push(context.Background(), testEvent("", "click", 1000)))
	}
}

func drain(c *Connection, n int) {
	for i := 0; i < n; i++ {
		<-c.C()
	}
}

func TestBackpressureHysteresis(t *testing.T) {
	conn := newConnection("src", "proc", 10)
	bp := NewBackpressureMonitor(&BackpressureConfig{HighWater: 0.8, LowWater: 0.6, CheckInterval: time.Hour}, []*Connection{conn}, zap.NewNop())

	var mu sync.Mutex
	var alerts []models.Alert
	bp.OnAlert(func(a models.Alert) {
		mu.Lock()
		alerts = append(alerts, a)
		mu.Unlock()
	})

	fill(t, conn, 7)
	assert.Empty(t, bp.Sample(), "0.7 is below high water")

	fill(t, conn, 1)
	signals := bp.Sample()
	require.Len(t, signals, 1)
	assert.Equal(t, ControlTypePause, signals[0].Type)
	assert.Equal(t, "src->proc", signals[0].Connection)
	assert.InDelta(t, 0.8, signals[0].Occupancy, 1e-9)
	assert.True(t, bp.IsActive("src->proc"))

	drain(conn, 1)
	assert.Empty(t, bp.Sample(), "0.7 sits between the marks, the signal holds")
	assert.True(t, bp.AnyActive())

	drain(conn, 1)
	signals = bp.Sample()
	require.Len(t, signals, 1)
	assert.Equal(t, ControlTypeResume, signals[0].Type)
	assert.False(t, bp.AnyActive())

	require.Len(t, alerts, 2)
	assert.Equal(t, models.AlertBackpressure, alerts[0].Type)
	assert.Equal(t, models.SeverityWarning, alerts[0].Severity)
	assert.Equal(t, models.SeverityInfo, alerts[1].Severity)

	stats := bp.GetStats()
	assert.EqualValues(t, 1, stats.Activations)
	assert.EqualValues(t, 1, stats.Deactivations)
}

func TestBackpressureWaitReleasesWhenSignalClears(t *testing.T) {
	conn := newConnection("src", "proc", 10)
	bp := NewBackpressureMonitor(&BackpressureConfig{HighWater: 0.8, LowWater: 0.6, MaxThrottleDelay: 10 * time.Second}, []*Connection{conn}, zap.NewNop())

	fill(t, conn, 9)
	bp.Sample()
	require.True(t, bp.IsActive(conn.Name()))

	released := make(chan error, 1)
	go func() { released <- bp.Wait(context.Background(), []*Connection{conn}) }()

	select {
	case <-released:
		t.Fatal("Wait returned while the signal was raised")
	case <-time.After(20 * time.Millisecond):
	}

	drain(conn, 5)
	bp.Sample()

	select {
	case err := <-released:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after the signal cleared")
	}
	assert.EqualValues(t, 1, bp.GetStats().ThrottleEvents)
}

func TestBackpressureWaitIsBoundedByMaxThrottleDelay(t *testing.T) {
	conn := newConnection("src", "proc", 10)
	bp := NewBackpressureMonitor(&BackpressureConfig{HighWater: 0.5, LowWater: 0.2, MaxThrottleDelay: 20 * time.Millisecond}, []*Connection{conn}, zap.NewNop())
	fill(t, conn, 6)
	bp.Sample()

	start := time.Now()
	require.NoError(t, bp.Wait(context.Background(), []*Connection{conn}))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	other := newConnection("src", "other", 10)
	start = time.Now()
	require.NoError(t, bp.Wait(context.Background(), []*Connection{other}), "unrelated connections are not throttled")
	assert.Less(t, time.Since(start), 20*time.Millisecond)
}

func TestBackpressureWaitHonorsContext(t *testing.T) {
	conn := newConnection("src", "proc", 10)
	bp := NewBackpressureMonitor(&BackpressureConfig{HighWater: 0.5, LowWater: 0.2, MaxThrottleDelay: time.Minute}, []*Connection{conn}, zap.NewNop())
	fill(t, conn, 6)
	bp.Sample()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, bp.Wait(ctx, []*Connection{conn}), context.DeadlineExceeded)
}
