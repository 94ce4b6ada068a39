package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/streamcore/pkg/errors"
)

func processorSpec(name string) ProcessorSpec {
	return ProcessorSpec{
		Name:        name,
		Stages:      []Stage{passStage(StageValidate)},
		Parallelism: ParallelismSpec{Min: 1, Max: 2, Initial: 1},
	}
}

func diamond(t *testing.T) *Topology {
	t.Helper()
	top := NewTopology()
	require.NoError(t, top.AddSource("src"))
	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, top.AddProcessor(processorSpec(p)))
	}
	require.NoError(t, top.AddSink(newCaptureSink("out")))

	for _, edge := range [][2]string{{"src", "a"}, {"a", "b"}, {"a", "c"}, {"b", "out"}, {"c", "out"}} {
		_, err := top.Connect(edge[0], edge[1], 8)
		require.NoError(t, err)
	}
	return top
}

func TestConnectRejectsCycles(t *testing.T) {
	top := diamond(t)

	_, err := top.Connect("b", "a", 8)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = top.Connect("a", "a", 8)
	require.Error(t, err, "self edges are cycles")

	_, err = top.Connect("b", "c", 8)
	assert.NoError(t, err, "a cross edge that keeps the graph acyclic is allowed")
	_, err = top.Connect("c", "b", 8)
	assert.Error(t, err)
}

func TestConnectRejectsDuplicateEdges(t *testing.T) {
	top := diamond(t)
	_, err := top.Connect("a", "b", 8)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
}

func TestConnectEnforcesDirectionAndCapacity(t *testing.T) {
	top := NewTopology()
	require.NoError(t, top.AddSource("src"))
	require.NoError(t, top.AddProcessor(processorSpec("p")))
	require.NoError(t, top.AddSink(newCaptureSink("out")))

	_, err := top.Connect("out", "p", 8)
	assert.Error(t, err, "sinks do not produce")
	_, err = top.Connect("p", "src", 8)
	assert.Error(t, err, "sources do not consume")
	_, err = top.Connect("src", "p", 0)
	assert.Error(t, err, "capacity must be positive")
	_, err = top.Connect("src", "missing", 8)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestAddProcessorEnforcesCanonicalStageOrder(t *testing.T) {
	top := NewTopology()

	err := top.AddProcessor(ProcessorSpec{Name: "bad", Stages: []Stage{passStage(StageFilter), passStage(StageValidate)}})
	assert.Error(t, err)

	err = top.AddProcessor(ProcessorSpec{Name: "dup", Stages: []Stage{passStage(StageMap), passStage(StageMap)}})
	assert.Error(t, err, "a stage may appear once")

	err = top.AddProcessor(ProcessorSpec{Name: "deliver", Stages: []Stage{passStage(StageFormat), passStage(StageDeliver)}})
	assert.Error(t, err, "delivery stages belong to the delivery manager")

	err = top.AddProcessor(ProcessorSpec{Name: "nofn", Stages: []Stage{{Name: StageParse}}})
	assert.Error(t, err)

	err = top.AddProcessor(ProcessorSpec{Name: "ok", Stages: []Stage{
		passStage(StageValidate), passStage(StageParse), passStage(StageWindow), passStage(StageDetect), passStage(StageFormat),
	}})
	assert.NoError(t, err)

	err = top.AddProcessor(processorSpec("ok"))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict), "names are unique")
}

func TestProcessorOrderIsTopological(t *testing.T) {
	top := diamond(t)
	order := top.ProcessorOrder()
	require.Len(t, order, 3)

	pos := make(map[string]int)
	for i, name := range order {
		pos[name] = i
	}
	assert.Less(t, pos["a"], pos["b"])
	assert.Less(t, pos["a"], pos["c"])
}

func TestValidateRequiresEveryNodeWired(t *testing.T) {
	top := NewTopology()
	require.NoError(t, top.AddSource("src"))
	require.NoError(t, top.AddProcessor(processorSpec("p")))
	require.NoError(t, top.AddSink(newCaptureSink("out")))
	_, err := top.Connect("src", "p", 4)
	require.NoError(t, err)

	assert.Error(t, top.Validate(), "p has no outbound connection")

	_, err = top.Connect("p", "out", 4)
	require.NoError(t, err)
	assert.NoError(t, top.Validate())
	assert.Len(t, top.Connections(), 2)
	assert.Equal(t, "src->p", top.Outbound("src")[0].Name())
}
