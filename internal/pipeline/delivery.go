package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/streamcore/pkg/compression"
	"github.com/ajitpratap0/streamcore/pkg/errors"
	jsonpool "github.com/ajitpratap0/streamcore/pkg/json"
	"github.com/ajitpratap0/streamcore/pkg/metrics"
	"github.com/ajitpratap0/streamcore/pkg/models"
)

// DeliveryConfig tunes batching and retries toward one sink
type DeliveryConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	Compression   compression.Config
	// CircuitBreaker is nil when the breaker is disabled
	CircuitBreaker *CircuitBreakerSettings
}

// DefaultDeliveryConfig returns production defaults
func DefaultDeliveryConfig() *DeliveryConfig {
	return &DeliveryConfig{
		BatchSize:     500,
		FlushInterval: time.Second,
		MaxAttempts:   5,
		BackoffBase:   100 * time.Millisecond,
		BackoffMax:    10 * time.Second,
		Compression:   *compression.DefaultConfig(),
		CircuitBreaker: &CircuitBreakerSettings{
			FailureThreshold: 5,
			Timeout:          30 * time.Second,
			HalfOpenRequests: 1,
		},
	}
}

// Delivery runs the batch, compress and deliver stages for one sink. It
// consumes the sink's inbound connections and flushes a batch when it
// reaches BatchSize or when FlushInterval passes.
type Delivery struct {
	sink       Sink
	inbound    []*Connection
	config     *DeliveryConfig
	compressor compression.Compressor
	breaker    *circuitBreaker
	dlq        *DeadLetterManager
	tracker    *inflight
	logger     *zap.Logger
	sleep      func(ctx context.Context, d time.Duration) error

	// flushMu serializes flushes so batches reach the sink in order
	flushMu sync.Mutex
	done    chan struct{}
	started int32

	batches   int64
	delivered int64
	failures  int64
	dropped   int64
}

// NewDelivery creates the delivery manager for sink
func NewDelivery(sink Sink, inbound []*Connection, config *DeliveryConfig, dlq *DeadLetterManager, logger *zap.Logger) (*Delivery, error) {
	if config == nil {
		config = DefaultDeliveryConfig()
	}
	cfg := *config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}

	comp, err := compression.NewCompressor(&cfg.Compression)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid delivery compression")
	}

	log := logger.With(zap.String("component", "delivery"), zap.String("sink", sink.Name()))
	d := &Delivery{
		sink:       sink,
		inbound:    inbound,
		config:     &cfg,
		compressor: comp,
		dlq:        dlq,
		logger:     log,
		sleep:      sleepContext,
		done:       make(chan struct{}),
	}
	if cfg.CircuitBreaker != nil {
		d.breaker = newCircuitBreaker(sink.Name(), *cfg.CircuitBreaker, log)
	}
	return d, nil
}

// Start consumes the inbound connections until they are closed and drained
func (d *Delivery) Start(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&d.started, 0, 1) {
		return
	}
	in := make(chan *models.Event, d.config.BatchSize)
	var readers sync.WaitGroup
	for _, c := range d.inbound {
		readers.Add(1)
		go func(c *Connection) {
			defer readers.Done()
			for ev := range c.C() {
				c.markPopped()
				in <- ev
			}
		}(c)
	}
	go func() {
		readers.Wait()
		close(in)
	}()
	go d.run(ctx, in)
}

// Done is closed after the final flush
func (d *Delivery) Done() <-chan struct{} { return d.done }

func (d *Delivery) run(ctx context.Context, in <-chan *models.Event) {
	defer close(d.done)

	ticker := time.NewTicker(d.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]*models.Event, 0, d.config.BatchSize)
	for {
		select {
		case ev, ok := <-in:
			if !ok {
				if len(batch) > 0 {
					d.flush(ctx, batch)
				}
				d.logger.Info("delivery drained")
				return
			}
			batch = append(batch, ev)
			if len(batch) >= d.config.BatchSize {
				d.flush(ctx, batch)
				batch = make([]*models.Event, 0, d.config.BatchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				d.flush(ctx, batch)
				batch = make([]*models.Event, 0, d.config.BatchSize)
			}
		}
	}
}

// flush delivers one batch with bounded retries. Events of a batch that
// cannot be delivered move to the dead-letter store. The batch stays in
// flight for checkpoints until it is delivered or dead-lettered.
func (d *Delivery) flush(ctx context.Context, events []*models.Event) {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()
	defer func() {
		for _, ev := range events {
			d.tracker.settle(ev.ID)
		}
	}()

	atomic.AddInt64(&d.batches, 1)
	batch := &models.Batch{Sink: d.sink.Name(), Events: events}
	if err := d.encode(batch); err != nil {
		d.deadLetter(batch, ReasonDeliveryFailed, string(StageCompress), err, 0)
		return
	}

	var lastErr error
	attempt := 0
	for attempt < d.config.MaxAttempts {
		if d.breaker != nil && !d.breaker.allowRequest() {
			if lastErr == nil {
				lastErr = errors.Newf(errors.ErrorTypeDelivery, "circuit open for sink %s", d.sink.Name())
			}
			d.deadLetter(batch, ReasonCircuitOpen, string(StageDeliver), lastErr, attempt)
			return
		}

		attempt++
		batch.Attempt = attempt
		err := d.sink.Deliver(ctx, batch)
		if err == nil {
			if d.breaker != nil {
				d.breaker.recordSuccess()
			}
			atomic.AddInt64(&d.delivered, int64(len(events)))
			metrics.EventsDelivered.WithLabelValues(d.sink.Name()).Add(float64(len(events)))
			return
		}

		lastErr = errors.Wrap(err, errors.ErrorTypeDelivery, "deliver to "+d.sink.Name())
		atomic.AddInt64(&d.failures, 1)
		metrics.DeliveryFailures.WithLabelValues(d.sink.Name()).Inc()
		if d.breaker != nil {
			d.breaker.recordFailure()
		}
		d.logger.Warn("delivery failed",
			zap.Int("attempt", attempt),
			zap.Int("events", len(events)),
			zap.Error(err))

		if errors.IsType(err, errors.ErrorTypeValidation) || attempt >= d.config.MaxAttempts {
			break
		}
		if serr := d.sleep(ctx, calculateBackoff(d.config.BackoffBase, d.config.BackoffMax, attempt)); serr != nil {
			break
		}
	}
	d.deadLetter(batch, ReasonDeliveryFailed, string(StageDeliver), lastErr, attempt-1)
}

// encode builds the batch payload: newline-delimited JSON of each event's
// formatted bytes, compressed with the configured codec.
func (d *Delivery) encode(batch *models.Batch) error {
	buf := jsonpool.GetBuffer()
	defer jsonpool.PutBuffer(buf)

	for _, ev := range batch.Events {
		line := ev.Metadata.Formatted
		if len(line) == 0 {
			b, err := jsonpool.Marshal(ev)
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeData, "encode event "+ev.ID)
			}
			line = b
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	raw := make([]byte, buf.Len())
	copy(raw, buf.Bytes())
	if d.compressor.Algorithm() == compression.None {
		batch.Payload = raw
		return nil
	}
	compressed, err := d.compressor.Compress(raw)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "compress batch")
	}
	batch.Payload = compressed
	batch.Encoding = string(d.compressor.Algorithm())
	return nil
}

func (d *Delivery) deadLetter(batch *models.Batch, reason, stage string, err error, retries int) {
	atomic.AddInt64(&d.dropped, int64(len(batch.Events)))
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	d.logger.Error("batch dead-lettered",
		zap.String("reason", reason),
		zap.Int("events", len(batch.Events)),
		zap.Int("retries", retries),
		zap.Error(err))
	if d.dlq == nil {
		return
	}
	for _, ev := range batch.Events {
		d.dlq.Add(&DeadLetterRecord{
			Event:   ev,
			Source:  ev.Metadata.Source,
			Stage:   stage + ":" + d.sink.Name(),
			Reason:  reason,
			Error:   msg,
			Retries: retries,
		})
	}
}

// DeliveryStats represents delivery statistics
type DeliveryStats struct {
	Sink           string `json:"sink"`
	Batches        int64  `json:"batches"`
	Delivered      int64  `json:"delivered"`
	Failures       int64  `json:"failures"`
	DeadLettered   int64  `json:"dead_lettered"`
	CircuitBreaker string `json:"circuit_breaker,omitempty"`
}

// GetStats returns delivery statistics
func (d *Delivery) GetStats() DeliveryStats {
	st := DeliveryStats{
		Sink:         d.sink.Name(),
		Batches:      atomic.LoadInt64(&d.batches),
		Delivered:    atomic.LoadInt64(&d.delivered),
		Failures:     atomic.LoadInt64(&d.failures),
		DeadLettered: atomic.LoadInt64(&d.dropped),
	}
	if d.breaker != nil {
		st.CircuitBreaker = d.breaker.State()
	}
	return st
}
