package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ajitpratap0/streamcore/internal/checkpoint"
	"github.com/ajitpratap0/streamcore/internal/window"
	"github.com/ajitpratap0/streamcore/pkg/config"
	"github.com/ajitpratap0/streamcore/pkg/errors"
	"github.com/ajitpratap0/streamcore/pkg/metrics"
	"github.com/ajitpratap0/streamcore/pkg/models"
)

func testStreamConfig() *config.StreamConfig {
	cfg := config.DefaultStreamConfig()
	cfg.Name = "test"
	cfg.WindowSize = time.Second
	cfg.AllowedLateness = 0
	cfg.CheckpointInterval = time.Hour
	cfg.BatchSize = 1
	cfg.Parallelism = config.ParallelismConfig{Min: 1, Max: 4, Initial: 2}
	cfg.Window.WatermarkLag = 0
	cfg.Window.FireInterval = time.Hour
	cfg.Processing.DedupSweepInterval = time.Hour
	cfg.Processing.RetryBackoffBase = time.Millisecond
	cfg.Pattern.SweepInterval = time.Hour
	cfg.Delivery.FlushInterval = 10 * time.Millisecond
	cfg.Delivery.BackoffBase = time.Millisecond
	cfg.Autoscaling.Enabled = false
	return cfg
}

type engineFixture struct {
	engine *Engine
	sink   *captureSink
}

func startEngine(t *testing.T, cfg *config.StreamConfig, store checkpoint.Store, hooks StageHooks) *engineFixture {
	t.Helper()
	if store == nil {
		store = checkpoint.NewMemoryStore()
	}
	e, err := NewEngine(context.Background(), cfg, zap.NewNop(), WithCheckpointStore(store))
	require.NoError(t, err)

	stages, err := e.StandardStages(hooks)
	require.NoError(t, err)

	sink := newCaptureSink("out")
	top := NewTopology()
	require.NoError(t, top.AddSource("events"))
	require.NoError(t, top.AddProcessor(ProcessorSpec{Name: "main", Stages: stages}))
	require.NoError(t, top.AddSink(sink))
	_, err = top.Connect("events", "main", 256)
	require.NoError(t, err)
	_, err = top.Connect("main", "out", 256)
	require.NoError(t, err)

	require.NoError(t, e.Build(top))
	require.NoError(t, e.Start(context.Background()))
	return &engineFixture{engine: e, sink: sink}
}

func (f *engineFixture) stop(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.engine.Stop(ctx))
}

func (f *engineFixture) submit(t *testing.T, ev *models.Event) SubmitResult {
	t.Helper()
	res, err := f.engine.Submit(context.Background(), ev, "events")
	require.NoError(t, err)
	return res
}

func findWindow(results []window.Result, kind window.Kind, startMillis int64) *window.Result {
	for i := range results {
		if results[i].Kind == kind && results[i].Start.UnixMilli() == startMillis && !results[i].Correction {
			return &results[i]
		}
	}
	return nil
}

func TestDuplicateSubmissionIncrementsAggregateOnce(t *testing.T) {
	f := startEngine(t, testStreamConfig(), nil, StageHooks{})
	dupsBefore := testutil.ToFloat64(metrics.DuplicatesDropped.WithLabelValues("events"))

	assert.Equal(t, Enqueued, f.submit(t, testEvent("1", "click", 1000)))
	assert.Equal(t, Duplicate, f.submit(t, testEvent("1", "click", 1000)))
	assert.Equal(t, Enqueued, f.submit(t, testEvent("2", "click", 3000)))
	f.stop(t)

	results := f.engine.fire()
	w := findWindow(results, window.Tumbling, 1000)
	require.NotNil(t, w, "window [1000,2000) fires once the watermark passes 2000")
	assert.Equal(t, int64(2000), w.End.UnixMilli())
	assert.Equal(t, "click", w.Key)
	assert.EqualValues(t, 1, w.Aggregate.Count)

	assert.Len(t, f.sink.Events(), 2)
	stats := f.engine.GetStats()
	assert.EqualValues(t, 1, stats.Ingest.Duplicates)
	assert.EqualValues(t, 2, stats.Ingest.Admitted)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DuplicatesDropped.WithLabelValues("events"))-dupsBefore)
	assert.Equal(t, "stopped", stats.State)
	assert.Equal(t, 0, stats.InFlight)
}

func TestSequencePatternRaisesOneAlert(t *testing.T) {
	cfg := testStreamConfig()
	cfg.Window.KeyField = "user"
	cfg.Pattern.Sequences = []config.SequenceSpec{{
		Name:     "brute_force",
		Steps:    []string{"login_failed", "login_failed", "login_success"},
		Within:   time.Minute,
		Severity: "critical",
	}}
	f := startEngine(t, cfg, nil, StageHooks{})

	for i, typ := range []string{"login_failed", "login_failed", "login_success", "login_success"} {
		ev := testEvent("e"+string(rune('1'+i)), typ, int64(1000+i*100))
		ev.SetField("user", "u1")
		f.submit(t, ev)
	}
	f.stop(t)

	var matches []models.Alert
	for a := range f.engine.Alerts() {
		if a.Type == models.AlertPatternMatch {
			matches = append(matches, a)
		}
	}
	require.Len(t, matches, 1)
	assert.Equal(t, "e3", matches[0].CausalEventID)
	assert.Equal(t, models.SeverityCritical, matches[0].Severity)
	assert.Equal(t, "u1", matches[0].Attributes["key"])
}

func TestThresholdAlertOnFiredWindow(t *testing.T) {
	cfg := testStreamConfig()
	cfg.Thresholds = []config.ThresholdRule{{Name: "burst", WindowKind: config.WindowTumbling, Metric: "count", Above: 2, Severity: "warning"}}
	f := startEngine(t, cfg, nil, StageHooks{})
	defer f.stop(t)

	for i, ts := range []int64{1000, 1200, 1400, 5000} {
		f.submit(t, testEvent(string(rune('a'+i)), "click", ts))
	}
	require.Eventually(t, func() bool {
		return f.engine.GetStats().Processors[0].Executor.Processed == 4
	}, 5*time.Second, 5*time.Millisecond)

	f.engine.fire()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case a := <-f.engine.Alerts():
			if a.Type != models.AlertThresholdExceeded {
				continue
			}
			assert.Empty(t, a.CausalEventID, "a window summary has no single causal event")
			assert.Equal(t, 3.0, a.Attributes["value"])
			assert.Equal(t, "click", a.Attributes["window_key"])
			return
		case <-deadline:
			t.Fatal("no threshold alert")
		}
	}
}

func TestInvalidEventIsDeadLetteredWithoutRetry(t *testing.T) {
	f := startEngine(t, testStreamConfig(), nil, StageHooks{})
	f.submit(t, testEvent("bad", "", 1000))
	f.submit(t, testEvent("good", "click", 1000))
	f.stop(t)

	records := f.engine.DeadLetters().Records("events")
	require.Len(t, records, 1)
	assert.Equal(t, "bad", records[0].Event.ID)
	assert.Equal(t, ReasonValidation, records[0].Reason)
	assert.Equal(t, 0, records[0].Retries)
	require.Len(t, f.sink.Events(), 1)
	assert.Equal(t, "good", f.sink.Events()[0].ID)
}

func TestReplayDeadLetters(t *testing.T) {
	var failed int32
	hooks := StageHooks{Map: func(ev *models.Event) (*models.Event, error) {
		if ev.ID == "flaky" && atomic.CompareAndSwapInt32(&failed, 0, 1) {
			return nil, errors.New(errors.ErrorTypeData, "downstream rejected")
		}
		return ev, nil
	}}
	f := startEngine(t, testStreamConfig(), nil, hooks)

	f.submit(t, testEvent("flaky", "click", 1000))
	dlq := f.engine.DeadLetters()
	require.Eventually(t, func() bool { return dlq.Len("events") == 1 }, 5*time.Second, 5*time.Millisecond)

	n, err := f.engine.ReplayDeadLetters(context.Background(), "events")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.stop(t)

	assert.Equal(t, 0, dlq.Len("events"))
	events := f.sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "flaky", events[0].ID)
	assert.Equal(t, 1, events[0].Metadata.Attempts)
}

func TestCheckpointRecoveryKeepsDedupAndWindows(t *testing.T) {
	store := checkpoint.NewMemoryStore()

	first := startEngine(t, testStreamConfig(), store, StageHooks{})
	first.submit(t, testEvent("a", "click", 1000))
	first.stop(t)
	require.NotNil(t, first.engine.GetStats().Checkpoints)
	assert.EqualValues(t, 1, first.engine.GetStats().Checkpoints.Taken, "Stop takes a final checkpoint")

	second := startEngine(t, testStreamConfig(), store, StageHooks{})
	assert.Equal(t, 1, second.engine.Windows().GetStats().Open, "open window restored")
	assert.Equal(t, Duplicate, second.submit(t, testEvent("a", "click", 1000)), "redelivery after restart is suppressed")
	assert.Equal(t, Enqueued, second.submit(t, testEvent("b", "click", 1500)))
	assert.Equal(t, Enqueued, second.submit(t, testEvent("c", "click", 2500)))
	second.stop(t)

	w := findWindow(second.engine.fire(), window.Tumbling, 1000)
	require.NotNil(t, w)
	assert.EqualValues(t, 2, w.Aggregate.Count, "state from before the restart plus the new event")
}

func TestCheckpointKeepsBufferedBatchInFlight(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	cfg := testStreamConfig()
	cfg.BatchSize = 100
	cfg.Delivery.FlushInterval = time.Hour

	first := startEngine(t, cfg, store, StageHooks{})
	require.Equal(t, Enqueued, first.submit(t, testEvent("x", "click", 1000)))

	var out *Connection
	for _, c := range first.engine.topology.Connections() {
		if c.To() == "out" {
			out = c
		}
	}
	require.NotNil(t, out)
	require.Eventually(t, func() bool {
		return out.GetStats().Popped == 1
	}, 2*time.Second, 5*time.Millisecond, "the event waits in the delivery batch")
	assert.Empty(t, first.sink.Events())
	assert.Equal(t, 1, first.engine.GetStats().InFlight, "a buffered event is still in flight")

	_, err := first.engine.Checkpoints().Checkpoint(context.Background())
	require.NoError(t, err)

	// restart from the checkpoint taken while the batch was unflushed
	second := startEngine(t, testStreamConfig(), store, StageHooks{})
	assert.Equal(t, Enqueued, second.submit(t, testEvent("x", "click", 1000)), "undelivered event is accepted again")
	second.stop(t)
	require.Eventually(t, func() bool { return len(second.sink.Events()) == 1 }, 2*time.Second, 5*time.Millisecond)

	first.stop(t)
	assert.Len(t, first.sink.Events(), 1, "Stop flushes the buffered batch")
	assert.Equal(t, 0, first.engine.GetStats().InFlight)
}

func TestStartFailsOnCorruptCheckpoints(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), checkpoint.NewID(time.Now()), []byte("not a checkpoint")))

	e, err := NewEngine(context.Background(), testStreamConfig(), zap.NewNop(), WithCheckpointStore(store))
	require.NoError(t, err)
	stages, err := e.StandardStages(StageHooks{})
	require.NoError(t, err)

	top := NewTopology()
	require.NoError(t, top.AddSource("events"))
	require.NoError(t, top.AddProcessor(ProcessorSpec{Name: "main", Stages: stages}))
	require.NoError(t, top.AddSink(newCaptureSink("out")))
	_, err = top.Connect("events", "main", 8)
	require.NoError(t, err)
	_, err = top.Connect("main", "out", 8)
	require.NoError(t, err)
	require.NoError(t, e.Build(top))

	err = e.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCorruption))
}

func TestSubmitRejections(t *testing.T) {
	f := startEngine(t, testStreamConfig(), nil, StageHooks{})

	res, err := f.engine.Submit(context.Background(), testEvent("x", "click", 1000), "nope")
	assert.Equal(t, Rejected, res)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	ev := testEvent("", "click", 1000)
	f.submit(t, ev)
	assert.NotEmpty(t, ev.ID, "ids are assigned at ingestion")
	assert.Equal(t, "events", ev.Metadata.Source)

	f.stop(t)
	res, err = f.engine.Submit(context.Background(), testEvent("y", "click", 1000), "events")
	assert.Equal(t, Rejected, res)
	assert.True(t, errors.IsType(err, errors.ErrorTypeClosed))
	assert.NoError(t, f.engine.Stop(context.Background()), "Stop is idempotent")
}

func TestEngineRequiresBuild(t *testing.T) {
	e, err := NewEngine(context.Background(), testStreamConfig(), zap.NewNop(), WithCheckpointStore(checkpoint.NewMemoryStore()))
	require.NoError(t, err)
	assert.Error(t, e.Start(context.Background()))

	cfg := testStreamConfig()
	cfg.SlideFraction = 1.5
	_, err = NewEngine(context.Background(), cfg, zap.NewNop())
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
