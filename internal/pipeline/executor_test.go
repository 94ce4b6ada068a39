package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajitpratap0/streamcore/pkg/errors"
	"github.com/ajitpratap0/streamcore/pkg/logger"
	"github.com/ajitpratap0/streamcore/pkg/models"
)

func newTestExecutor(stages []Stage, cfg *ExecutorConfig) (*Executor, *DeadLetterManager) {
	dlq := NewDeadLetterManager(16, zap.NewNop())
	x := NewExecutor("proc", stages, cfg, nil, dlq, zap.NewNop())
	x.sleep = noSleep
	return x, dlq
}

func countingStage(name StageName, calls *int32, fn func(n int32) error) Stage {
	return Stage{Name: name, Fn: func(_ context.Context, ev *models.Event) (*models.Event, error) {
		n := atomic.AddInt32(calls, 1)
		if err := fn(n); err != nil {
			return nil, err
		}
		return ev, nil
	}}
}

func TestValidationFailureIsDeadLetteredWithoutRetry(t *testing.T) {
	var calls int32
	x, dlq := newTestExecutor([]Stage{
		countingStage(StageValidate, &calls, func(int32) error {
			return errors.New(errors.ErrorTypeValidation, "missing field")
		}),
	}, &ExecutorConfig{MaxRetries: 3})

	out, outcome := x.Execute(context.Background(), testEvent("e1", "click", 1000), 0)
	assert.Nil(t, out)
	assert.Equal(t, OutcomeDeadLettered, outcome)
	assert.EqualValues(t, 1, calls)

	records := dlq.Records("src")
	require.Len(t, records, 1)
	assert.Equal(t, ReasonValidation, records[0].Reason)
	assert.Equal(t, string(StageValidate), records[0].Stage)
	assert.Equal(t, 0, records[0].Retries)
	assert.Contains(t, records[0].Event.Metadata.Error, "missing field")
}

func TestDeadLetterLogCarriesEventContext(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	dlq := NewDeadLetterManager(16, zap.NewNop())
	x := NewExecutor("proc", []Stage{
		{Name: StageEnrich, Fn: func(ctx context.Context, ev *models.Event) (*models.Event, error) {
			assert.Equal(t, ev.ID, ctx.Value(logger.EventIDKey))
			return nil, errors.New(errors.ErrorTypeInternal, "broken lookup")
		}},
	}, &ExecutorConfig{MaxRetries: 0}, nil, dlq, zap.New(core))

	_, outcome := x.Execute(context.Background(), testEvent("e7", "click", 1000), 2)
	assert.Equal(t, OutcomeDeadLettered, outcome)

	entries := logs.FilterMessage("event dead-lettered").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "e7", fields["event_id"])
	assert.Equal(t, "src", fields["source"])
	assert.EqualValues(t, 2, fields["worker"])
	assert.Equal(t, string(errors.ErrorTypeInternal), fields["error_type"])
	assert.Equal(t, "proc", dlq.Records("src")[0].Processor)
}

func TestTransientFailureIsRetriedThenDeadLettered(t *testing.T) {
	var calls int32
	x, dlq := newTestExecutor([]Stage{
		passStage(StageValidate),
		countingStage(StageEnrich, &calls, func(int32) error {
			return errors.New(errors.ErrorTypeConnection, "lookup unavailable")
		}),
	}, &ExecutorConfig{MaxRetries: 2})

	_, outcome := x.Execute(context.Background(), testEvent("e1", "click", 1000), 3)
	assert.Equal(t, OutcomeDeadLettered, outcome)
	assert.EqualValues(t, 3, calls, "one attempt plus two retries")

	records := dlq.Records("src")
	require.Len(t, records, 1)
	assert.Equal(t, ReasonRetriesExhausted, records[0].Reason)
	assert.Equal(t, 2, records[0].Retries)
	assert.Equal(t, 3, records[0].WorkerID)
	assert.EqualValues(t, 2, x.GetStats().Retries)
}

func TestTransientFailureRecovers(t *testing.T) {
	var calls int32
	x, dlq := newTestExecutor([]Stage{
		countingStage(StageJoin, &calls, func(n int32) error {
			if n < 3 {
				return errors.New(errors.ErrorTypeTimeout, "slow")
			}
			return nil
		}),
	}, &ExecutorConfig{MaxRetries: 3})

	out, outcome := x.Execute(context.Background(), testEvent("e1", "click", 1000), 0)
	require.NotNil(t, out)
	assert.Equal(t, OutcomePassed, outcome)
	assert.Equal(t, 0, dlq.Len("src"))
	assert.EqualValues(t, 1, x.GetStats().Processed)
}

func TestNonRetryableErrorIsNotRetried(t *testing.T) {
	var calls int32
	x, dlq := newTestExecutor([]Stage{
		countingStage(StageCompute, &calls, func(int32) error {
			return errors.New(errors.ErrorTypeData, "division by zero")
		}),
	}, &ExecutorConfig{MaxRetries: 3})

	_, outcome := x.Execute(context.Background(), testEvent("e1", "click", 1000), 0)
	assert.Equal(t, OutcomeDeadLettered, outcome)
	assert.EqualValues(t, 1, calls)
	assert.Equal(t, ReasonStageError, dlq.Records("src")[0].Reason)
}

func TestPanickingStageIsDeadLettered(t *testing.T) {
	x, dlq := newTestExecutor([]Stage{
		{Name: StageMap, Fn: func(context.Context, *models.Event) (*models.Event, error) {
			panic("boom")
		}},
	}, nil)

	_, outcome := x.Execute(context.Background(), testEvent("e1", "click", 1000), 0)
	assert.Equal(t, OutcomeDeadLettered, outcome)
	records := dlq.Records("src")
	require.Len(t, records, 1)
	assert.Equal(t, ReasonPanic, records[0].Reason)
	assert.Contains(t, records[0].Error, "boom")
}

func TestExternalStageRunsUnderTimeout(t *testing.T) {
	x, dlq := newTestExecutor([]Stage{
		{Name: StageEnrich, External: true, Fn: func(ctx context.Context, ev *models.Event) (*models.Event, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}},
	}, &ExecutorConfig{StageTimeout: 10 * time.Millisecond})

	start := time.Now()
	_, outcome := x.Execute(context.Background(), testEvent("e1", "click", 1000), 0)
	assert.Equal(t, OutcomeDeadLettered, outcome)
	assert.Less(t, time.Since(start), time.Second)

	records := dlq.Records("src")
	require.Len(t, records, 1)
	assert.Equal(t, ReasonRetriesExhausted, records[0].Reason, "timeouts are transient")
	assert.Contains(t, records[0].Error, "timed out")
}

func TestFilteredEventLeavesWithoutDeadLetter(t *testing.T) {
	var after int32
	x, dlq := newTestExecutor([]Stage{
		{Name: StageFilter, Fn: func(context.Context, *models.Event) (*models.Event, error) { return nil, nil }},
		countingStage(StageFormat, &after, func(int32) error { return nil }),
	}, nil)

	out, outcome := x.Execute(context.Background(), testEvent("e1", "click", 1000), 0)
	assert.Nil(t, out)
	assert.Equal(t, OutcomeFiltered, outcome)
	assert.EqualValues(t, 0, after)
	assert.Equal(t, 0, dlq.Len("src"))
}

func TestStagesRecordLatency(t *testing.T) {
	x, _ := newTestExecutor([]Stage{passStage(StageValidate), passStage(StageFormat)}, nil)
	out, _ := x.Execute(context.Background(), testEvent("e1", "click", 1000), 0)
	require.NotNil(t, out)
	assert.Contains(t, out.Metadata.StageLatency, string(StageValidate))
	assert.Contains(t, out.Metadata.StageLatency, string(StageFormat))
}
