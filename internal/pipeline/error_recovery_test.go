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

func TestDeadLetterEvictsOldestWhenFull(t *testing.T) {
	dlq := NewDeadLetterManager(3, zap.NewNop())
	for _, id := range []string{"e1", "e2", "e3", "e4"} {
		dlq.Add(&DeadLetterRecord{Event: testEvent(id, "click", 1000), Reason: ReasonStageError})
	}

	records := dlq.Records("src")
	require.Len(t, records, 3)
	assert.Equal(t, "e2", records[0].Event.ID)
	assert.Equal(t, "e4", records[2].Event.ID)

	stats := dlq.GetStats()
	assert.EqualValues(t, 4, stats.Total)
	assert.EqualValues(t, 1, stats.Evicted)
	assert.Equal(t, 3, stats.Sizes["src"])
}

func TestDeadLetterListsArePerSource(t *testing.T) {
	dlq := NewDeadLetterManager(1, zap.NewNop())
	a := testEvent("a1", "click", 1000)
	b := testEvent("b1", "click", 1000)
	b.Metadata.Source = "other"
	dlq.Add(&DeadLetterRecord{Event: a, Reason: ReasonStageError})
	dlq.Add(&DeadLetterRecord{Event: b, Reason: ReasonStageError})

	assert.Equal(t, 1, dlq.Len("src"))
	assert.Equal(t, 1, dlq.Len("other"))
	assert.EqualValues(t, 0, dlq.GetStats().Evicted)
	assert.ElementsMatch(t, []string{"src", "other"}, dlq.Sources())
}

func TestDeadLetterRepeatFailureIncrementsRetryCount(t *testing.T) {
	dlq := NewDeadLetterManager(8, zap.NewNop())
	ev := testEvent("e1", "click", 1000)
	dlq.Add(&DeadLetterRecord{Event: ev, Reason: ReasonStageError, Error: "first"})
	dlq.Add(&DeadLetterRecord{Event: ev, Reason: ReasonDeliveryFailed, Error: "second"})

	records := dlq.Records("src")
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].Retries)
	assert.Equal(t, "second", records[0].Error)
	assert.Equal(t, ReasonDeliveryFailed, records[0].Reason)
	assert.EqualValues(t, 1, dlq.GetStats().Retried)
}

func TestDeadLetterKeepsFanOutFailuresApart(t *testing.T) {
	dlq := NewDeadLetterManager(8, zap.NewNop())
	ev := testEvent("e1", "click", 1000)
	clone := ev.Clone()
	dlq.Add(&DeadLetterRecord{Event: ev, Stage: "deliver:audit", Reason: ReasonDeliveryFailed})
	dlq.Add(&DeadLetterRecord{Event: clone, Stage: "deliver:alerts", Reason: ReasonDeliveryFailed})
	dlq.Add(&DeadLetterRecord{Event: testEvent("e1", "click", 1000), Processor: "left", Stage: "enrich", Reason: ReasonStageError})
	dlq.Add(&DeadLetterRecord{Event: testEvent("e1", "click", 1000), Processor: "right", Stage: "enrich", Reason: ReasonStageError})

	records := dlq.Records("src")
	require.Len(t, records, 4)
	assert.Equal(t, "deliver:audit", records[0].Stage)
	assert.Equal(t, "deliver:alerts", records[1].Stage)
	assert.Equal(t, "left", records[2].Processor)
	assert.Equal(t, "right", records[3].Processor)
	for _, r := range records {
		assert.Zero(t, r.Retries)
	}
	assert.EqualValues(t, 0, dlq.GetStats().Retried)
}

func TestDeadLetterReplayCarriesAttempts(t *testing.T) {
	dlq := NewDeadLetterManager(8, zap.NewNop())
	dlq.Add(&DeadLetterRecord{Event: testEvent("e1", "click", 1000), Reason: ReasonStageError, Retries: 2})

	taken := dlq.Take("src")
	require.Len(t, taken, 1)
	assert.Equal(t, 0, dlq.Len("src"))

	// replayed with its attempts carried, then failing once more
	ev := taken[0].Event
	ev.Metadata.Attempts = taken[0].Retries + 1
	dlq.Add(&DeadLetterRecord{Event: ev, Reason: ReasonStageError})

	records := dlq.Records("src")
	require.Len(t, records, 1)
	assert.Equal(t, 3, records[0].Retries)
}

func TestDeadLetterForwarderSeesEveryRecord(t *testing.T) {
	dlq := NewDeadLetterManager(8, zap.NewNop())
	var mu sync.Mutex
	var alerts []models.Alert
	dlq.SetForwarder(func(r *DeadLetterRecord) {
		mu.Lock()
		alerts = append(alerts, deadLetterAlert(r))
		mu.Unlock()
	})
	dlq.Add(&DeadLetterRecord{Event: testEvent("e1", "click", 1000), Stage: "enrich", Reason: ReasonRetriesExhausted})

	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertDeadLetter, alerts[0].Type)
	assert.Equal(t, "e1", alerts[0].CausalEventID)
	assert.Equal(t, "enrich", alerts[0].Attributes["stage"])
}

func TestCalculateBackoffIsBoundedAndGrows(t *testing.T) {
	base := 100 * time.Millisecond
	for attempt := 1; attempt <= 4; attempt++ {
		nominal := base << uint(attempt-1)
		d := calculateBackoff(base, time.Minute, attempt)
		assert.GreaterOrEqual(t, d, nominal-nominal/8, "attempt %d", attempt)
		assert.LessOrEqual(t, d, nominal+nominal/8, "attempt %d", attempt)
	}
	assert.Equal(t, time.Second, calculateBackoff(base, time.Second, 20))
	assert.Equal(t, time.Duration(0), calculateBackoff(0, time.Second, 3))
	assert.Equal(t, time.Nanosecond, calculateBackoff(time.Nanosecond, time.Second, 1))
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCircuitBreakerTransitions(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	cb := newCircuitBreaker("sink", CircuitBreakerSettings{FailureThreshold: 2, Timeout: time.Minute, HalfOpenRequests: 1}, zap.NewNop())
	cb.clock = clock.Now

	require.True(t, cb.allowRequest())
	cb.recordFailure()
	assert.Equal(t, circuitClosed, cb.State())
	cb.recordFailure()
	assert.Equal(t, circuitOpen, cb.State())
	assert.False(t, cb.allowRequest())

	clock.Advance(time.Minute)
	assert.True(t, cb.allowRequest(), "one trial request after the timeout")
	assert.Equal(t, circuitHalfOpen, cb.State())
	assert.False(t, cb.allowRequest(), "trial requests are limited")

	cb.recordFailure()
	assert.Equal(t, circuitOpen, cb.State(), "a failed trial request re-opens")

	clock.Advance(time.Minute)
	require.True(t, cb.allowRequest())
	cb.recordSuccess()
	assert.Equal(t, circuitClosed, cb.State())
	assert.True(t, cb.allowRequest())
}
