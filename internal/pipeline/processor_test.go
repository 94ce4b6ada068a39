package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ajitpratap0/streamcore/pkg/models"
)

func newTestProcessor(t *testing.T, stages []Stage, bounds ParallelismSpec, outbound ...*Connection) (*Processor, *Connection) {
	t.Helper()
	in := newConnection("src", "proc", 1024)
	if len(outbound) == 0 {
		outbound = []*Connection{newConnection("proc", "out", 1024)}
	}
	dlq := NewDeadLetterManager(64, zap.NewNop())
	x := NewExecutor("proc", stages, nil, nil, dlq, zap.NewNop())
	p := NewProcessor(ProcessorSpec{Name: "proc", Stages: stages, Parallelism: bounds}, x, []*Connection{in}, outbound, dlq, zap.NewNop())
	return p, in
}

func TestProcessorKeepsPerKeyOrderAcrossRescale(t *testing.T) {
	out := newConnection("proc", "out", 1024)
	p, in := newTestProcessor(t, []Stage{passStage(StageMap)}, ParallelismSpec{Min: 1, Max: 4, Initial: 2}, out)
	p.Start(context.Background())

	const perKey = 100
	keys := []string{"k0", "k1", "k2", "k3", "k4"}
	rescaled := make(chan struct{})
	go func() {
		defer close(rescaled)
		for _, n := range []int{4, 1, 3} {
			_, err := p.Rescale(n)
			assert.NoError(t, err)
		}
	}()

	for i := 0; i < perKey; i++ {
		for _, k := range keys {
			ev := testEvent(fmt.Sprintf("%s-%d", k, i), "click", 1000)
			ev.Metadata.PartitionKey = k
			ev.SetField("seq", i)
			require.NoError(t, in.Push(context.Background(), ev))
		}
	}
	<-rescaled
	in.Close()
	waitDone(t, p.Done())

	last := make(map[string]int)
	for _, k := range keys {
		last[k] = -1
	}
	count := 0
	for ev := range out.C() {
		seq, _ := ev.Field("seq")
		k := ev.Key()
		assert.Greater(t, seq.(int), last[k], "key %s out of order", k)
		last[k] = seq.(int)
		count++
	}
	assert.Equal(t, perKey*len(keys), count)
	assert.Equal(t, 0, p.Workers(), "workers retire once drained")
	assert.EqualValues(t, 3, p.GetStats().Rescales)
}

func TestProcessorRescaleClampsToBounds(t *testing.T) {
	p, in := newTestProcessor(t, []Stage{passStage(StageMap)}, ParallelismSpec{Min: 2, Max: 3, Initial: 2})

	_, err := p.Rescale(3)
	assert.Error(t, err, "not started")

	p.Start(context.Background())
	assert.Equal(t, 2, p.Workers())

	n, err := p.Rescale(10)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = p.Rescale(0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	in.Close()
	waitDone(t, p.Done())
	_, err = p.Rescale(3)
	assert.Error(t, err, "drained processors cannot rescale")
}

func TestProcessorRoutesAndFansOut(t *testing.T) {
	a := newConnection("proc", "a", 16)
	b := newConnection("proc", "b", 16)
	p, in := newTestProcessor(t, []Stage{
		RouteStage("target", nil),
	}, ParallelismSpec{Min: 1, Max: 1, Initial: 1}, a, b)
	p.Start(context.Background())

	routed := testEvent("routed", "click", 1000)
	routed.SetField("target", "b")
	fanned := testEvent("fanned", "click", 1000)
	require.NoError(t, in.Push(context.Background(), routed))
	require.NoError(t, in.Push(context.Background(), fanned))
	in.Close()
	waitDone(t, p.Done())

	collect := func(c *Connection) []*models.Event {
		var out []*models.Event
		for ev := range c.C() {
			out = append(out, ev)
		}
		return out
	}
	gotA, gotB := collect(a), collect(b)
	require.Len(t, gotA, 1)
	require.Len(t, gotB, 2)
	assert.Equal(t, "fanned", gotA[0].ID)
	assert.Equal(t, "routed", gotB[0].ID)
	assert.Equal(t, "fanned", gotB[1].ID)
	assert.NotSame(t, gotA[0], gotB[1], "fan-out branches get separate copies")
}

func TestProcessorDrainClosesOutbound(t *testing.T) {
	out := newConnection("proc", "out", 16)
	p, in := newTestProcessor(t, []Stage{
		{Name: StageFilter, Fn: func(_ context.Context, ev *models.Event) (*models.Event, error) {
			if ev.Type == "drop" {
				return nil, nil
			}
			return ev, nil
		}},
	}, ParallelismSpec{Min: 1, Max: 2, Initial: 2}, out)
	p.Start(context.Background())

	require.NoError(t, in.Push(context.Background(), testEvent("e1", "keep", 1000)))
	require.NoError(t, in.Push(context.Background(), testEvent("e2", "drop", 1000)))
	in.Close()
	waitDone(t, p.Done())

	var ids []string
	for ev := range out.C() {
		ids = append(ids, ev.ID)
	}
	assert.Equal(t, []string{"e1"}, ids)
	assert.Error(t, out.Push(context.Background(), testEvent("late", "keep", 1000)))
}

func TestIndexForIsStable(t *testing.T) {
	assert.Equal(t, 0, indexFor("anything", 1))
	a := indexFor("user-42", 8)
	assert.Equal(t, a, indexFor("user-42", 8))
	assert.GreaterOrEqual(t, a, 0)
	assert.Less(t, a, 8)
}
