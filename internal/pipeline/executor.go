package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/streamcore/pkg/errors"
	"github.com/ajitpratap0/streamcore/pkg/logger"
	"github.com/ajitpratap0/streamcore/pkg/metrics"
	"github.com/ajitpratap0/streamcore/pkg/models"
	"github.com/ajitpratap0/streamcore/pkg/observability"
)

// ExecutorConfig tunes stage execution
type ExecutorConfig struct {
	// StageTimeout bounds external stages
	StageTimeout time.Duration
	// MaxRetries is the number of retries for transient stage errors
	MaxRetries       int
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration
}

// DefaultExecutorConfig returns production defaults
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		StageTimeout:     2 * time.Second,
		MaxRetries:       3,
		RetryBackoffBase: 50 * time.Millisecond,
		RetryBackoffMax:  2 * time.Second,
	}
}

// Outcome of running an event through a processor's stages
type Outcome int

const (
	OutcomePassed Outcome = iota
	OutcomeFiltered
	OutcomeDeadLettered
)

func (o Outcome) String() string {
	switch o {
	case OutcomePassed:
		return "passed"
	case OutcomeFiltered:
		return "filtered"
	default:
		return "dead_lettered"
	}
}

// stagePanic is returned when a stage function panics
type stagePanic struct {
	stage StageName
	value interface{}
}

func (p *stagePanic) Error() string {
	return fmt.Sprintf("stage %s panicked: %v", p.stage, p.value)
}

// Executor runs one processor's ordered stages for a single event. Stage
// errors never escape: they end in a retry or in the dead-letter store.
type Executor struct {
	processor string
	stages    []Stage
	config    *ExecutorConfig
	cut       *sync.RWMutex
	dlq       *DeadLetterManager
	tracer    *observability.StageTracer
	logger    *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error

	processed    int64
	filtered     int64
	deadLettered int64
	retries      int64
}

// NewExecutor creates an executor. cut may be nil when no stage is stateful.
func NewExecutor(processor string, stages []Stage, config *ExecutorConfig, cut *sync.RWMutex, dlq *DeadLetterManager, logger *zap.Logger) *Executor {
	if config == nil {
		config = DefaultExecutorConfig()
	}
	return &Executor{
		processor: processor,
		stages:    stages,
		config:    config,
		cut:       cut,
		dlq:       dlq,
		tracer:    observability.NewStageTracer(processor),
		logger:    logger.With(zap.String("component", "executor"), zap.String("processor", processor)),
		sleep:     sleepContext,
	}
}

// Execute runs ev through every stage. It returns the transformed event and
// OutcomePassed, or nil with the reason the event left the pipeline. Stages
// see the source, event id and worker in ctx for logger.FromContext.
func (x *Executor) Execute(ctx context.Context, ev *models.Event, workerID int) (*models.Event, Outcome) {
	ctx = context.WithValue(ctx, logger.SourceKey, ev.Metadata.Source)
	ctx = context.WithValue(ctx, logger.EventIDKey, ev.ID)
	ctx = context.WithValue(ctx, logger.WorkerKey, workerID)

	for _, st := range x.stages {
		out, retries, err := x.runWithRetry(ctx, st, ev)
		if err != nil {
			x.deadLetter(ctx, ev, st.Name, err, retries, workerID)
			atomic.AddInt64(&x.deadLettered, 1)
			metrics.EventsProcessed.WithLabelValues(x.processor, OutcomeDeadLettered.String()).Inc()
			return nil, OutcomeDeadLettered
		}
		if out == nil {
			atomic.AddInt64(&x.filtered, 1)
			metrics.EventsProcessed.WithLabelValues(x.processor, OutcomeFiltered.String()).Inc()
			return nil, OutcomeFiltered
		}
		ev = out
	}
	atomic.AddInt64(&x.processed, 1)
	metrics.EventsProcessed.WithLabelValues(x.processor, OutcomePassed.String()).Inc()
	return ev, OutcomePassed
}

// runWithRetry retries transient failures with exponential backoff
func (x *Executor) runWithRetry(ctx context.Context, st Stage, ev *models.Event) (*models.Event, int, error) {
	attempt := 0
	for {
		out, err := x.runStage(ctx, st, ev)
		if err == nil {
			return out, attempt, nil
		}
		if !errors.IsRetryable(err) || attempt >= x.config.MaxRetries || ctx.Err() != nil {
			return nil, attempt, err
		}
		attempt++
		atomic.AddInt64(&x.retries, 1)
		metrics.StageRetries.WithLabelValues(string(st.Name)).Inc()

		delay := calculateBackoff(x.config.RetryBackoffBase, x.config.RetryBackoffMax, attempt)
		x.logger.Debug("retrying stage",
			zap.String("stage", string(st.Name)),
			zap.String("event_id", ev.ID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if serr := x.sleep(ctx, delay); serr != nil {
			return nil, attempt, err
		}
	}
}

// runStage runs one stage once, recording latency and converting panics
func (x *Executor) runStage(ctx context.Context, st Stage, ev *models.Event) (out *models.Event, err error) {
	start := time.Now()
	err = x.tracer.TraceStage(ctx, string(st.Name), ev.ID, func(sctx context.Context) (ferr error) {
		defer func() {
			if r := recover(); r != nil {
				out = nil
				ferr = &stagePanic{stage: st.Name, value: r}
			}
		}()

		if st.External && x.config.StageTimeout > 0 {
			var cancel context.CancelFunc
			sctx, cancel = context.WithTimeout(sctx, x.config.StageTimeout)
			defer cancel()
		}
		if st.Stateful && x.cut != nil {
			x.cut.RLock()
			defer x.cut.RUnlock()
		}

		out, ferr = st.Fn(sctx, ev)
		if ferr != nil && errors.Is(ferr, context.DeadlineExceeded) && !errors.IsType(ferr, errors.ErrorTypeTimeout) {
			ferr = errors.Wrap(ferr, errors.ErrorTypeTimeout, fmt.Sprintf("stage %s timed out", st.Name))
		}
		return ferr
	})

	d := time.Since(start)
	ev.RecordStageLatency(string(st.Name), d)
	metrics.StageLatency.WithLabelValues(string(st.Name)).Observe(d.Seconds())
	return out, err
}

func (x *Executor) deadLetter(ctx context.Context, ev *models.Event, stage StageName, err error, retries, workerID int) {
	reason := ReasonStageError
	var p *stagePanic
	switch {
	case errors.As(err, &p):
		reason = ReasonPanic
	case errors.IsType(err, errors.ErrorTypeValidation):
		reason = ReasonValidation
	case errors.IsRetryable(err):
		reason = ReasonRetriesExhausted
	}

	ev.Annotate("error", map[string]interface{}{
		"stage":  string(stage),
		"reason": reason,
		"error":  err.Error(),
	})

	log := logger.FromContext(ctx, x.logger)
	if reason == ReasonValidation {
		log.Debug("event failed validation", zap.Error(err))
	} else {
		log.Warn("event dead-lettered",
			zap.String("stage", string(stage)),
			zap.String("reason", reason),
			zap.String("error_type", string(errors.TypeOf(err))),
			zap.Int("retries", retries),
			zap.Error(err))
	}

	if x.dlq == nil {
		return
	}
	x.dlq.Add(&DeadLetterRecord{
		Event:     ev,
		Source:    ev.Metadata.Source,
		Processor: x.processor,
		Stage:     string(stage),
		Reason:    reason,
		Error:     err.Error(),
		Retries:   retries,
		WorkerID:  workerID,
	})
}

// ExecutorStats represents executor statistics
type ExecutorStats struct {
	Processed    int64 `json:"processed"`
	Filtered     int64 `json:"filtered"`
	DeadLettered int64 `json:"dead_lettered"`
	Retries      int64 `json:"retries"`
}

// GetStats returns executor statistics
func (x *Executor) GetStats() ExecutorStats {
	return ExecutorStats{
		Processed:    atomic.LoadInt64(&x.processed),
		Filtered:     atomic.LoadInt64(&x.filtered),
		DeadLettered: atomic.LoadInt64(&x.deadLettered),
		Retries:      atomic.LoadInt64(&x.retries),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
