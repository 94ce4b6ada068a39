package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/streamcore/pkg/metrics"
	"github.com/ajitpratap0/streamcore/pkg/models"
)

// DeadLetterManager keeps one bounded dead-letter list per source. When a
// list is full the oldest record is evicted and counted.
type DeadLetterManager struct {
	capacity int
	logger   *zap.Logger
	clock    func() time.Time

	mu     sync.RWMutex
	queues map[string]*deadLetterQueue

	forward func(*DeadLetterRecord)

	total   int64
	evicted int64
	retried int64
}

// deadLetterQueue is a FIFO of records for one source, indexed by event id
// and the place the event failed
type deadLetterQueue struct {
	records []*DeadLetterRecord
	byID    map[string]*DeadLetterRecord
}

// recordKey separates fan-out copies of one event that fail in different
// processors, stages or sinks
func recordKey(r *DeadLetterRecord) string {
	return r.Event.ID + "\x00" + r.Processor + "\x00" + r.Stage
}

// NewDeadLetterManager creates a manager with capacity records per source
func NewDeadLetterManager(capacity int, logger *zap.Logger) *DeadLetterManager {
	if capacity <= 0 {
		capacity = 10000
	}
	return &DeadLetterManager{
		capacity: capacity,
		logger:   logger.With(zap.String("component", "dead_letter")),
		clock:    time.Now,
		queues:   make(map[string]*deadLetterQueue),
	}
}

// SetForwarder registers a callback invoked for every new record, e.g. to
// publish dead letters to an operator-facing sink or the alert stream.
func (m *DeadLetterManager) SetForwarder(fn func(*DeadLetterRecord)) {
	m.mu.Lock()
	m.forward = fn
	m.mu.Unlock()
}

// Add stores a record under its source. A record for an event id that already
// failed at the same processor and stage updates it in place and counts as a
// retry.
func (m *DeadLetterManager) Add(record *DeadLetterRecord) {
	now := m.clock()
	if record.FirstFailure.IsZero() {
		record.FirstFailure = now
	}
	if record.LastFailure.IsZero() {
		record.LastFailure = now
	}
	if record.Source == "" && record.Event != nil {
		record.Source = record.Event.Metadata.Source
	}
	if record.Event != nil {
		// attempts carried by a replayed event count toward the retry total
		record.Retries += record.Event.Metadata.Attempts
		record.Event.Metadata.Attempts = record.Retries
		record.Event.Metadata.Error = record.Error
	}

	m.mu.Lock()
	q, ok := m.queues[record.Source]
	if !ok {
		q = &deadLetterQueue{byID: make(map[string]*DeadLetterRecord)}
		m.queues[record.Source] = q
	}

	if record.Event != nil {
		if existing, ok := q.byID[recordKey(record)]; ok {
			existing.Retries++
			existing.LastFailure = record.LastFailure
			existing.Reason = record.Reason
			existing.Error = record.Error
			existing.Event = record.Event
			existing.Event.Metadata.Attempts = existing.Retries
			forward := m.forward
			m.mu.Unlock()
			atomic.AddInt64(&m.retried, 1)
			metrics.DeadLettered.WithLabelValues(record.Source, record.Reason).Inc()
			if forward != nil {
				forward(existing)
			}
			return
		}
	}

	if len(q.records) >= m.capacity {
		oldest := q.records[0]
		q.records[0] = nil
		q.records = q.records[1:]
		if oldest.Event != nil && q.byID[recordKey(oldest)] == oldest {
			delete(q.byID, recordKey(oldest))
		}
		atomic.AddInt64(&m.evicted, 1)
		metrics.DeadLetterEvicted.WithLabelValues(record.Source).Inc()
		m.logger.Warn("dead letter queue full, removing oldest record",
			zap.String("source", record.Source))
	}

	q.records = append(q.records, record)
	if record.Event != nil {
		q.byID[recordKey(record)] = record
	}
	forward := m.forward
	m.mu.Unlock()

	atomic.AddInt64(&m.total, 1)
	metrics.DeadLettered.WithLabelValues(record.Source, record.Reason).Inc()

	m.logger.Debug("record added to dead letter queue",
		zap.String("source", record.Source),
		zap.String("stage", record.Stage),
		zap.String("reason", record.Reason))

	if forward != nil {
		forward(record)
	}
}

// Records returns a copy of a source's records, oldest first
func (m *DeadLetterManager) Records(source string) []*DeadLetterRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[source]
	if !ok {
		return nil
	}
	return append([]*DeadLetterRecord(nil), q.records...)
}

// Take removes and returns a source's records for replay
func (m *DeadLetterManager) Take(source string) []*DeadLetterRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[source]
	if !ok {
		return nil
	}
	out := q.records
	q.records = nil
	q.byID = make(map[string]*DeadLetterRecord)
	return out
}

// restore puts back a record whose replay could not be enqueued
func (m *DeadLetterManager) restore(record *DeadLetterRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[record.Source]
	if !ok {
		q = &deadLetterQueue{byID: make(map[string]*DeadLetterRecord)}
		m.queues[record.Source] = q
	}
	record.LastFailure = m.clock()
	if len(q.records) >= m.capacity {
		if oldest := q.records[0]; oldest.Event != nil && q.byID[recordKey(oldest)] == oldest {
			delete(q.byID, recordKey(oldest))
		}
		q.records = q.records[1:]
		atomic.AddInt64(&m.evicted, 1)
	}
	q.records = append(q.records, record)
	if record.Event != nil {
		q.byID[recordKey(record)] = record
	}
}

// Len returns the number of records held for source
func (m *DeadLetterManager) Len(source string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if q, ok := m.queues[source]; ok {
		return len(q.records)
	}
	return 0
}

// Sources lists sources that have dead-letter lists
func (m *DeadLetterManager) Sources() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.queues))
	for s := range m.queues {
		out = append(out, s)
	}
	return out
}

// DeadLetterStats represents dead-letter statistics
type DeadLetterStats struct {
	Total   int64          `json:"total"`
	Evicted int64          `json:"evicted"`
	Retried int64          `json:"retried"`
	Sizes   map[string]int `json:"sizes"`
}

// GetStats returns dead-letter statistics
func (m *DeadLetterManager) GetStats() DeadLetterStats {
	m.mu.RLock()
	sizes := make(map[string]int, len(m.queues))
	for s, q := range m.queues {
		sizes[s] = len(q.records)
	}
	m.mu.RUnlock()
	return DeadLetterStats{
		Total:   atomic.LoadInt64(&m.total),
		Evicted: atomic.LoadInt64(&m.evicted),
		Retried: atomic.LoadInt64(&m.retried),
		Sizes:   sizes,
	}
}

// calculateBackoff returns the delay before retry attempt (1-based):
// exponential from base with +/-12.5% jitter, capped at maxDelay.
func calculateBackoff(base, maxDelay time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	exponentialDelay := time.Duration(1<<uint(attempt-1)) * base //nolint:gosec // G115: attempt is clamped above

	delay := exponentialDelay
	if spread := int64(exponentialDelay / 4); spread > 0 {
		jitter := time.Duration(time.Now().UnixNano()%spread) - exponentialDelay/8
		delay += jitter
	}

	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// Circuit breaker states
const (
	circuitClosed   = "closed"
	circuitOpen     = "open"
	circuitHalfOpen = "half_open"
)

// CircuitBreakerSettings configures a sink's breaker
type CircuitBreakerSettings struct {
	FailureThreshold int           `json:"failure_threshold"`
	Timeout          time.Duration `json:"timeout"`
	HalfOpenRequests int           `json:"half_open_requests"`
}

// circuitBreaker short-circuits deliveries to a sink that keeps failing.
// After FailureThreshold consecutive failures it opens for Timeout, then
// lets HalfOpenRequests trial requests through; that many successes close it and
// any failure re-opens it.
type circuitBreaker struct {
	name   string
	config CircuitBreakerSettings
	logger *zap.Logger
	clock  func() time.Time

	mu              sync.Mutex
	state           string
	failures        int
	successes       int
	inFlight        int
	nextRetry       time.Time
	lastStateChange time.Time
}

func newCircuitBreaker(name string, cfg CircuitBreakerSettings, logger *zap.Logger) *circuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = 1
	}
	return &circuitBreaker{
		name:   name,
		config: cfg,
		logger: logger.With(zap.String("subcomponent", "circuit_breaker"), zap.String("sink", name)),
		clock:  time.Now,
		state:  circuitClosed,
	}
}

// allowRequest checks if a request should be allowed through the circuit breaker
func (cb *circuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock()

	switch cb.state {
	case circuitClosed:
		return true

	case circuitOpen:
		if !now.Before(cb.nextRetry) {
			cb.state = circuitHalfOpen
			cb.successes = 0
			cb.inFlight = 0
			cb.lastStateChange = now
			cb.logger.Info("circuit breaker transitioning to half-open")
		} else {
			return false
		}
		fallthrough

	case circuitHalfOpen:
		if cb.inFlight >= cb.config.HalfOpenRequests {
			return false
		}
		cb.inFlight++
		return true

	default:
		return false
	}
}

// recordSuccess records a successful request
func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state != circuitHalfOpen {
		return
	}
	cb.inFlight--
	cb.successes++
	if cb.successes >= cb.config.HalfOpenRequests {
		cb.state = circuitClosed
		cb.successes = 0
		cb.lastStateChange = cb.clock()
		cb.logger.Info("circuit breaker closed")
	}
}

// recordFailure records a failed request
func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock()
	cb.failures++

	switch cb.state {
	case circuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = circuitOpen
			cb.nextRetry = now.Add(cb.config.Timeout)
			cb.lastStateChange = now
			cb.logger.Warn("circuit breaker opened", zap.Int("failure_count", cb.failures))
		}
	case circuitHalfOpen:
		cb.state = circuitOpen
		cb.inFlight = 0
		cb.nextRetry = now.Add(cb.config.Timeout)
		cb.lastStateChange = now
		cb.logger.Warn("circuit breaker re-opened from half-open")
	}
}

func (cb *circuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// deadLetterAlert converts a record into an alert for the alert stream
func deadLetterAlert(record *DeadLetterRecord) models.Alert {
	a := models.Alert{
		Type:      models.AlertDeadLetter,
		Severity:  models.SeverityWarning,
		Timestamp: record.LastFailure,
		Message:   "event dead-lettered at " + record.Stage + ": " + record.Reason,
		Attributes: map[string]interface{}{
			"source":  record.Source,
			"stage":   record.Stage,
			"reason":  record.Reason,
			"retries": record.Retries,
		},
	}
	if record.Event != nil {
		a.CausalEventID = record.Event.ID
	}
	return a
}
