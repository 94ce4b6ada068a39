package pipeline

import (
	"sort"

	"github.com/ajitpratap0/streamcore/pkg/errors"
)

type nodeKind int

const (
	nodeSource nodeKind = iota
	nodeProcessor
	nodeSink
)

func (k nodeKind) String() string {
	switch k {
	case nodeSource:
		return "source"
	case nodeProcessor:
		return "processor"
	default:
		return "sink"
	}
}

// Topology is the registry of sources, processors, sinks and the
// connections between them. It is built before the engine starts and is
// immutable afterwards. The graph is acyclic and every connection has
// exactly one producer and one consumer; fan-out is several connections
// from one producer.
type Topology struct {
	kinds      map[string]nodeKind
	processors map[string]ProcessorSpec
	sinks      map[string]Sink
	order      []string

	conns []*Connection
	out   map[string][]*Connection
	in    map[string][]*Connection
}

// NewTopology creates an empty topology
func NewTopology() *Topology {
	return &Topology{
		kinds:      make(map[string]nodeKind),
		processors: make(map[string]ProcessorSpec),
		sinks:      make(map[string]Sink),
		out:        make(map[string][]*Connection),
		in:         make(map[string][]*Connection),
	}
}

func (t *Topology) add(name string, kind nodeKind) error {
	if name == "" {
		return errors.Newf(errors.ErrorTypeConfig, "%s needs a name", kind)
	}
	if existing, ok := t.kinds[name]; ok {
		return errors.Newf(errors.ErrorTypeConflict, "node %q already registered as %s", name, existing)
	}
	t.kinds[name] = kind
	t.order = append(t.order, name)
	return nil
}

// AddSource registers an ingestion point
func (t *Topology) AddSource(name string) error {
	return t.add(name, nodeSource)
}

// AddProcessor registers a processor. Stages must follow CanonicalOrder.
func (t *Topology) AddProcessor(spec ProcessorSpec) error {
	if err := validateStageOrder(spec); err != nil {
		return err
	}
	if spec.Parallelism.Max > 0 && spec.Parallelism.Min > spec.Parallelism.Max {
		return errors.Newf(errors.ErrorTypeConfig, "processor %q: parallelism min exceeds max", spec.Name)
	}
	if err := t.add(spec.Name, nodeProcessor); err != nil {
		return err
	}
	t.processors[spec.Name] = spec
	return nil
}

// AddSink registers a sink under its name
func (t *Topology) AddSink(sink Sink) error {
	if err := t.add(sink.Name(), nodeSink); err != nil {
		return err
	}
	t.sinks[sink.Name()] = sink
	return nil
}

// Connect adds a bounded connection from one node to another
func (t *Topology) Connect(from, to string, capacity int) (*Connection, error) {
	fk, ok := t.kinds[from]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "unknown node %q", from)
	}
	tk, ok := t.kinds[to]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "unknown node %q", to)
	}
	if fk == nodeSink {
		return nil, errors.Newf(errors.ErrorTypeConfig, "sink %q cannot produce", from)
	}
	if tk == nodeSource {
		return nil, errors.Newf(errors.ErrorTypeConfig, "source %q cannot consume", to)
	}
	if from == to || t.reachable(to, from) {
		return nil, errors.Newf(errors.ErrorTypeConfig, "connecting %s to %s would create a cycle", from, to)
	}
	for _, c := range t.out[from] {
		if c.to == to {
			return nil, errors.Newf(errors.ErrorTypeConflict, "%s and %s are already connected", from, to)
		}
	}
	if capacity <= 0 {
		return nil, errors.Newf(errors.ErrorTypeConfig, "connection %s->%s needs a positive capacity", from, to)
	}

	c := newConnection(from, to, capacity)
	t.conns = append(t.conns, c)
	t.out[from] = append(t.out[from], c)
	t.in[to] = append(t.in[to], c)
	return c, nil
}

// reachable reports whether dst can be reached from src
func (t *Topology) reachable(src, dst string) bool {
	seen := map[string]bool{src: true}
	stack := []string{src}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == dst {
			return true
		}
		for _, c := range t.out[n] {
			if !seen[c.to] {
				seen[c.to] = true
				stack = append(stack, c.to)
			}
		}
	}
	return false
}

// Validate checks that every node is wired: sources produce, processors
// consume and produce, sinks consume.
func (t *Topology) Validate() error {
	if len(t.kinds) == 0 {
		return errors.New(errors.ErrorTypeConfig, "topology is empty")
	}
	for _, name := range t.order {
		switch t.kinds[name] {
		case nodeSource:
			if len(t.out[name]) == 0 {
				return errors.Newf(errors.ErrorTypeConfig, "source %q has no outbound connection", name)
			}
		case nodeProcessor:
			if len(t.in[name]) == 0 || len(t.out[name]) == 0 {
				return errors.Newf(errors.ErrorTypeConfig, "processor %q must have inbound and outbound connections", name)
			}
		case nodeSink:
			if len(t.in[name]) == 0 {
				return errors.Newf(errors.ErrorTypeConfig, "sink %q has no inbound connection", name)
			}
		}
	}
	return nil
}

// ProcessorOrder lists processors so that every producer precedes its
// consumers. Draining in this order empties the graph front to back.
func (t *Topology) ProcessorOrder() []string {
	indeg := make(map[string]int)
	for _, name := range t.order {
		indeg[name] = len(t.in[name])
	}
	var queue, out []string
	for _, name := range t.order {
		if indeg[name] == 0 {
			queue = append(queue, name)
		}
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if t.kinds[n] == nodeProcessor {
			out = append(out, n)
		}
		for _, c := range t.out[n] {
			indeg[c.to]--
			if indeg[c.to] == 0 {
				queue = append(queue, c.to)
			}
		}
	}
	return out
}

// Sources lists source names in registration order
func (t *Topology) Sources() []string { return t.names(nodeSource) }

// Sinks lists sink names in registration order
func (t *Topology) Sinks() []string { return t.names(nodeSink) }

func (t *Topology) names(kind nodeKind) []string {
	var out []string
	for _, name := range t.order {
		if t.kinds[name] == kind {
			out = append(out, name)
		}
	}
	return out
}

// Processor returns a processor spec
func (t *Topology) Processor(name string) (ProcessorSpec, bool) {
	p, ok := t.processors[name]
	return p, ok
}

// Sink returns a registered sink
func (t *Topology) Sink(name string) (Sink, bool) {
	s, ok := t.sinks[name]
	return s, ok
}

// IsSource reports whether name is a registered source
func (t *Topology) IsSource(name string) bool {
	k, ok := t.kinds[name]
	return ok && k == nodeSource
}

// Outbound returns the connections name produces into
func (t *Topology) Outbound(name string) []*Connection { return t.out[name] }

// Inbound returns the connections name consumes from
func (t *Topology) Inbound(name string) []*Connection { return t.in[name] }

// Connections returns every connection, sorted by name
func (t *Topology) Connections() []*Connection {
	out := append([]*Connection(nil), t.conns...)
	sort.Slice(out, func(a, b int) bool { return out[a].Name() < out[b].Name() })
	return out
}

func validateStageOrder(spec ProcessorSpec) error {
	if spec.Name == "" {
		return errors.New(errors.ErrorTypeConfig, "processor needs a name")
	}
	if len(spec.Stages) == 0 {
		return errors.Newf(errors.ErrorTypeConfig, "processor %q has no stages", spec.Name)
	}
	rank := make(map[StageName]int, len(CanonicalOrder))
	for i, s := range CanonicalOrder {
		rank[s] = i
	}
	last := -1
	for _, st := range spec.Stages {
		r, ok := rank[st.Name]
		if !ok {
			return errors.Newf(errors.ErrorTypeConfig, "processor %q: unknown stage %q", spec.Name, st.Name)
		}
		switch st.Name {
		case StageBatch, StageCompress, StageDeliver:
			return errors.Newf(errors.ErrorTypeConfig, "processor %q: stage %q runs in the delivery manager", spec.Name, st.Name)
		}
		if r <= last {
			return errors.Newf(errors.ErrorTypeConfig, "processor %q: stage %q is out of order", spec.Name, st.Name)
		}
		if st.Fn == nil {
			return errors.Newf(errors.ErrorTypeConfig, "processor %q: stage %q has no function", spec.Name, st.Name)
		}
		last = r
	}
	return nil
}
