package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/ajitpratap0/streamcore/pkg/errors"
	"github.com/ajitpratap0/streamcore/pkg/metrics"
	"github.com/ajitpratap0/streamcore/pkg/models"
)

// Processor runs a pool of workers over a processor's stages. Inbound
// readers route each event to xxhash(key) mod workers so every key is
// handled by exactly one worker at a time.
type Processor struct {
	spec     ProcessorSpec
	executor *Executor
	inbound  []*Connection
	outbound []*Connection
	dlq      *DeadLetterManager
	tracker  *inflight
	logger   *zap.Logger

	ctx context.Context

	// routeMu is held shared while dispatching and exclusively while the
	// worker set is swapped
	routeMu  sync.RWMutex
	workers  []*worker
	nextID   int
	workerWG sync.WaitGroup

	readersWG sync.WaitGroup
	done      chan struct{}
	started   int32

	busy     int64
	restarts int64
	rescales int64
}

type worker struct {
	id    int
	inbox chan *models.Event
}

// NewProcessor wires a processor to its connections
func NewProcessor(spec ProcessorSpec, executor *Executor, inbound, outbound []*Connection, dlq *DeadLetterManager, logger *zap.Logger) *Processor {
	return &Processor{
		spec:     spec,
		executor: executor,
		inbound:  inbound,
		outbound: outbound,
		dlq:      dlq,
		logger:   logger.With(zap.String("component", "processor"), zap.String("processor", spec.Name)),
		done:     make(chan struct{}),
	}
}

// Name of the processor
func (p *Processor) Name() string { return p.spec.Name }

// Start launches workers and inbound readers. ctx bounds pushes to
// outbound connections; cancelling it abandons in-flight events.
func (p *Processor) Start(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&p.started, 0, 1) {
		return
	}
	p.ctx = ctx

	p.routeMu.Lock()
	p.spawn(p.spec.Parallelism.clamp(p.spec.Parallelism.Initial))
	p.routeMu.Unlock()

	for _, c := range p.inbound {
		p.readersWG.Add(1)
		go p.read(c)
	}

	go func() {
		p.readersWG.Wait()
		p.routeMu.Lock()
		p.retire()
		p.routeMu.Unlock()
		for _, c := range p.outbound {
			c.Close()
		}
		metrics.ProcessorWorkers.WithLabelValues(p.spec.Name).Set(0)
		p.logger.Info("processor drained")
		close(p.done)
	}()

	p.logger.Info("processor started", zap.Int("workers", p.Workers()))
}

// Done is closed once every inbound connection is drained, all workers
// have finished and the outbound connections are closed.
func (p *Processor) Done() <-chan struct{} { return p.done }

// spawn starts n workers; routeMu must be held
func (p *Processor) spawn(n int) {
	p.workers = make([]*worker, n)
	for i := range p.workers {
		w := &worker{id: p.nextID, inbox: make(chan *models.Event, 64)}
		p.nextID++
		p.workers[i] = w
		p.workerWG.Add(1)
		go p.supervise(w)
	}
	metrics.ProcessorWorkers.WithLabelValues(p.spec.Name).Set(float64(n))
}

// retire closes every inbox and waits for the workers to drain them;
// routeMu must be held
func (p *Processor) retire() {
	for _, w := range p.workers {
		close(w.inbox)
	}
	p.workerWG.Wait()
	p.workers = nil
}

func (p *Processor) read(c *Connection) {
	defer p.readersWG.Done()
	for ev := range c.C() {
		c.markPopped()
		p.dispatch(ev)
	}
}

func (p *Processor) dispatch(ev *models.Event) {
	p.routeMu.RLock()
	defer p.routeMu.RUnlock()
	w := p.workers[indexFor(ev.Key(), len(p.workers))]
	w.inbox <- ev
}

// supervise restarts a worker whose loop panicked outside a stage. The
// event that was in flight is lost.
func (p *Processor) supervise(w *worker) {
	defer p.workerWG.Done()
	for !p.loop(w) {
		atomic.AddInt64(&p.restarts, 1)
		p.logger.Error("worker restarted after panic", zap.Int("worker_id", w.id))
	}
}

func (p *Processor) loop(w *worker) (finished bool) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.busy, -1)
			p.logger.Error("worker panic", zap.Int("worker_id", w.id), zap.Any("panic", r))
			finished = false
		}
	}()
	for ev := range w.inbox {
		atomic.AddInt64(&p.busy, 1)
		p.handle(w.id, ev)
		atomic.AddInt64(&p.busy, -1)
	}
	return true
}

func (p *Processor) handle(workerID int, ev *models.Event) {
	id := ev.ID
	out, outcome := p.executor.Execute(p.ctx, ev, workerID)
	if outcome != OutcomePassed {
		p.tracker.settle(id)
		return
	}
	p.emit(out, workerID)
}

// emit forwards to the connection named by the event's route, or fans out
// to every outbound connection with a clone per extra branch.
func (p *Processor) emit(ev *models.Event, workerID int) {
	targets := p.outbound
	if route := ev.Metadata.Route; route != "" {
		for _, c := range p.outbound {
			if c.To() == route {
				targets = []*Connection{c}
				break
			}
		}
	}
	p.tracker.add(ev.ID, len(targets)-1)
	for i, c := range targets {
		out := ev
		if i < len(targets)-1 {
			out = ev.Clone()
		}
		if err := c.Push(p.ctx, out); err != nil {
			p.tracker.settle(out.ID)
			p.dropOnShutdown(out, c, err, workerID)
		}
	}
}

func (p *Processor) dropOnShutdown(ev *models.Event, c *Connection, err error, workerID int) {
	p.logger.Warn("could not forward event",
		zap.String("connection", c.Name()),
		zap.String("event_id", ev.ID),
		zap.Error(err))
	if p.dlq != nil {
		p.dlq.Add(&DeadLetterRecord{
			Event:    ev,
			Source:   ev.Metadata.Source,
			Stage:    "forward:" + c.Name(),
			Reason:   ReasonShutdown,
			Error:    err.Error(),
			WorkerID: workerID,
		})
	}
}

// Rescale changes the worker count within the parallelism bounds. The old
// worker set drains before the new one starts, so per-key order holds
// across the change. It returns the resulting worker count.
func (p *Processor) Rescale(n int) (int, error) {
	if atomic.LoadInt32(&p.started) == 0 {
		return 0, errors.Newf(errors.ErrorTypeClosed, "processor %s is not running", p.spec.Name)
	}
	n = p.spec.Parallelism.clamp(n)

	p.routeMu.Lock()
	defer p.routeMu.Unlock()

	select {
	case <-p.done:
		return 0, errors.Newf(errors.ErrorTypeClosed, "processor %s is drained", p.spec.Name)
	default:
	}
	if p.workers == nil {
		return 0, errors.Newf(errors.ErrorTypeClosed, "processor %s is draining", p.spec.Name)
	}

	current := len(p.workers)
	if n == current {
		return current, nil
	}
	p.retire()
	p.spawn(n)
	atomic.AddInt64(&p.rescales, 1)
	p.logger.Info("processor rescaled", zap.Int("from", current), zap.Int("to", n))
	return n, nil
}

// Workers returns the current worker count
func (p *Processor) Workers() int {
	p.routeMu.RLock()
	defer p.routeMu.RUnlock()
	return len(p.workers)
}

// Parallelism returns the processor's bounds
func (p *Processor) Parallelism() ParallelismSpec { return p.spec.Parallelism }

// Occupancy is the highest occupancy across inbound connections
func (p *Processor) Occupancy() float64 {
	var max float64
	for _, c := range p.inbound {
		if o := c.Occupancy(); o > max {
			max = o
		}
	}
	return max
}

// ProcessorStats represents processor statistics
type ProcessorStats struct {
	Name     string        `json:"name"`
	Workers  int           `json:"workers"`
	Busy     int64         `json:"busy"`
	Restarts int64         `json:"restarts"`
	Rescales int64         `json:"rescales"`
	Executor ExecutorStats `json:"executor"`
}

// GetStats returns processor statistics
func (p *Processor) GetStats() ProcessorStats {
	return ProcessorStats{
		Name:     p.spec.Name,
		Workers:  p.Workers(),
		Busy:     atomic.LoadInt64(&p.busy),
		Restarts: atomic.LoadInt64(&p.restarts),
		Rescales: atomic.LoadInt64(&p.rescales),
		Executor: p.executor.GetStats(),
	}
}

func indexFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}
