package pipeline

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ajitpratap0/streamcore/pkg/compression"
	"github.com/ajitpratap0/streamcore/pkg/errors"
)

func newTestDelivery(t *testing.T, sink *captureSink, cfg *DeliveryConfig) (*Delivery, *Connection, *DeadLetterManager) {
	t.Helper()
	conn := newConnection("proc", sink.Name(), 64)
	dlq := NewDeadLetterManager(64, zap.NewNop())
	d, err := NewDelivery(sink, []*Connection{conn}, cfg, dlq, zap.NewNop())
	require.NoError(t, err)
	d.sleep = noSleep
	return d, conn, dlq
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for drain")
	}
}

func TestDeliveryBatchesBySize(t *testing.T) {
	sink := newCaptureSink("out")
	d, conn, _ := newTestDelivery(t, sink, &DeliveryConfig{BatchSize: 2, FlushInterval: time.Hour, MaxAttempts: 1})

	for _, id := range []string{"e1", "e2", "e3", "e4", "e5"} {
		require.NoError(t, conn.Push(context.Background(), testEvent(id, "click", 1000)))
	}
	conn.Close()
	d.Start(context.Background())
	waitDone(t, d.Done())

	batches := sink.Batches()
	require.Len(t, batches, 3, "two full batches and the remainder flushed on drain")
	assert.Equal(t, 2, batches[0].Len())
	assert.Equal(t, 2, batches[1].Len())
	assert.Equal(t, 1, batches[2].Len())
	assert.Equal(t, "e1", batches[0].Events[0].ID)
	assert.EqualValues(t, 5, d.GetStats().Delivered)
}

func TestDeliveryFlushesOnInterval(t *testing.T) {
	sink := newCaptureSink("out")
	d, conn, _ := newTestDelivery(t, sink, &DeliveryConfig{BatchSize: 100, FlushInterval: 20 * time.Millisecond, MaxAttempts: 1})
	d.Start(context.Background())

	require.NoError(t, conn.Push(context.Background(), testEvent("e1", "click", 1000)))
	assert.Eventually(t, func() bool { return len(sink.Batches()) == 1 }, 2*time.Second, 5*time.Millisecond)

	conn.Close()
	waitDone(t, d.Done())
	assert.Len(t, sink.Events(), 1)
}

func TestDeliveryRetriesThenDeadLetters(t *testing.T) {
	sink := newCaptureSink("out")
	sink.failNext(10, errors.New(errors.ErrorTypeConnection, "sink down"))
	d, conn, dlq := newTestDelivery(t, sink, &DeliveryConfig{BatchSize: 2, FlushInterval: time.Hour, MaxAttempts: 3})

	require.NoError(t, conn.Push(context.Background(), testEvent("e1", "click", 1000)))
	require.NoError(t, conn.Push(context.Background(), testEvent("e2", "click", 1000)))
	conn.Close()
	d.Start(context.Background())
	waitDone(t, d.Done())

	assert.Equal(t, 3, sink.Calls())
	records := dlq.Records("src")
	require.Len(t, records, 2)
	assert.Equal(t, ReasonDeliveryFailed, records[0].Reason)
	assert.Equal(t, "deliver:out", records[0].Stage)
	assert.Equal(t, 2, records[0].Retries)

	stats := d.GetStats()
	assert.EqualValues(t, 3, stats.Failures)
	assert.EqualValues(t, 2, stats.DeadLettered)
	assert.EqualValues(t, 0, stats.Delivered)
}

func TestDeliveryRecoversWithinAttempts(t *testing.T) {
	sink := newCaptureSink("out")
	sink.failNext(1, errors.New(errors.ErrorTypeTimeout, "slow"))
	d, conn, dlq := newTestDelivery(t, sink, &DeliveryConfig{BatchSize: 1, FlushInterval: time.Hour, MaxAttempts: 3})

	require.NoError(t, conn.Push(context.Background(), testEvent("e1", "click", 1000)))
	conn.Close()
	d.Start(context.Background())
	waitDone(t, d.Done())

	require.Len(t, sink.Batches(), 1)
	assert.Equal(t, 2, sink.Batches()[0].Attempt)
	assert.Equal(t, 0, dlq.Len("src"))
}

func TestDeliveryOpenCircuitShortCircuitsToDeadLetter(t *testing.T) {
	sink := newCaptureSink("out")
	sink.failNext(100, errors.New(errors.ErrorTypeConnection, "sink down"))
	d, conn, dlq := newTestDelivery(t, sink, &DeliveryConfig{
		BatchSize:      1,
		FlushInterval:  time.Hour,
		MaxAttempts:    2,
		CircuitBreaker: &CircuitBreakerSettings{FailureThreshold: 2, Timeout: time.Hour, HalfOpenRequests: 1},
	})

	for _, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, conn.Push(context.Background(), testEvent(id, "click", 1000)))
	}
	conn.Close()
	d.Start(context.Background())
	waitDone(t, d.Done())

	assert.Equal(t, 2, sink.Calls(), "the breaker opens after two failures and stops further calls")
	records := dlq.Records("src")
	require.Len(t, records, 3)
	assert.Equal(t, ReasonCircuitOpen, records[2].Reason)
	assert.Equal(t, circuitOpen, d.GetStats().CircuitBreaker)
}

func TestDeliveryCompressesPayload(t *testing.T) {
	sink := newCaptureSink("out")
	d, conn, _ := newTestDelivery(t, sink, &DeliveryConfig{
		BatchSize:     2,
		FlushInterval: time.Hour,
		MaxAttempts:   1,
		Compression:   compression.Config{Algorithm: compression.Gzip, Level: compression.Default},
	})

	first := testEvent("e1", "click", 1000)
	first.Metadata.Formatted = []byte(`{"id":"e1"}`)
	second := testEvent("e2", "click", 1000)
	second.Metadata.Formatted = []byte(`{"id":"e2"}`)
	require.NoError(t, conn.Push(context.Background(), first))
	require.NoError(t, conn.Push(context.Background(), second))
	conn.Close()
	d.Start(context.Background())
	waitDone(t, d.Done())

	batches := sink.Batches()
	require.Len(t, batches, 1)
	assert.Equal(t, string(compression.Gzip), batches[0].Encoding)

	comp, err := compression.NewCompressor(&compression.Config{Algorithm: compression.Gzip, Level: compression.Default})
	require.NoError(t, err)
	raw, err := comp.Decompress(batches[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "{\"id\":\"e1\"}\n{\"id\":\"e2\"}\n", string(raw))
	assert.False(t, bytes.Equal(raw, batches[0].Payload))
}
