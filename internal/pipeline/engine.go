package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/streamcore/internal/checkpoint"
	"github.com/ajitpratap0/streamcore/internal/dedup"
	"github.com/ajitpratap0/streamcore/internal/pattern"
	"github.com/ajitpratap0/streamcore/internal/window"
	"github.com/ajitpratap0/streamcore/pkg/config"
	"github.com/ajitpratap0/streamcore/pkg/errors"
	"github.com/ajitpratap0/streamcore/pkg/metrics"
	"github.com/ajitpratap0/streamcore/pkg/models"
)

// Engine lifecycle states
const (
	stateNew int32 = iota
	stateRunning
	stateStopping
	stateStopped
)

var stateNames = map[int32]string{
	stateNew:      "new",
	stateRunning:  "running",
	stateStopping: "stopping",
	stateStopped:  "stopped",
}

// Option customizes an Engine
type Option func(*engineOptions)

type engineOptions struct {
	store checkpoint.Store
	clock func() time.Time
}

// WithCheckpointStore overrides the store built from the checkpoint config
func WithCheckpointStore(store checkpoint.Store) Option {
	return func(o *engineOptions) { o.store = store }
}

// WithClock sets the processing-time clock used for ingestion time, the
// dedup horizon, the watermark idle timeout and checkpoint ids
func WithClock(clock func() time.Time) Option {
	return func(o *engineOptions) { o.clock = clock }
}

// StageHooks supplies the user functions the standard stage list calls
type StageHooks struct {
	Enrich       LookupFunc
	Router       func(*models.Event) string
	Map          func(*models.Event) (*models.Event, error)
	Join         TableLookup
	JoinKeyField string
	JoinAs       string
}

// Engine assembles a topology with the shared stores and runs it: it
// admits events, drives watermark firing, checkpoints, sweeps, backpressure
// and autoscaling, and drains everything on Stop.
type Engine struct {
	config *config.StreamConfig
	logger *zap.Logger
	clock  func() time.Time

	// cut is held exclusively by checkpoint capture and restore; stateful
	// stages, admission, firing and sweeps hold it shared
	cut sync.RWMutex

	dedup       *dedup.Store
	watermark   *window.Watermark
	windows     *window.Manager
	patterns    *pattern.Matcher
	checkpoints *checkpoint.Manager
	dlq         *DeadLetterManager
	tracker     *inflight
	ingest      *IngestMetrics
	limiter     *rate.Limiter

	topology     *Topology
	order        []string
	processors   map[string]*Processor
	deliveries   []*Delivery
	backpressure *BackpressureMonitor
	autoscaler   *Autoscaler

	alertMu        sync.RWMutex
	alerts         chan models.Alert
	results        chan window.Result
	outputsClosed  bool
	alertsDropped  int64
	resultsDropped int64

	// submitMu is held shared by Submit and exclusively while source
	// connections are closed
	submitMu sync.RWMutex
	state    int32

	workCancel context.CancelFunc
	bgCancel   context.CancelFunc
	group      *errgroup.Group
}

// NewEngine creates the shared stores from cfg. ctx bounds the creation
// of remote checkpoint stores.
func NewEngine(ctx context.Context, cfg *config.StreamConfig, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultStreamConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := engineOptions{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	log := logger.With(zap.String("component", "engine"), zap.String("stream", cfg.Name))
	e := &Engine{
		config:     cfg,
		logger:     log,
		clock:      o.clock,
		dlq:        NewDeadLetterManager(cfg.DeadLetterCapacity, logger),
		tracker:    newInflight(),
		ingest:     NewIngestMetrics(logger),
		processors: make(map[string]*Processor),
		alerts:     make(chan models.Alert, alertBuffer(cfg)),
		results:    make(chan window.Result, alertBuffer(cfg)),
	}
	e.dlq.clock = o.clock

	e.dedup = dedup.NewStore(&dedup.Config{
		Horizon: cfg.EffectiveDedupHorizon(),
		Shards:  dedup.DefaultConfig().Shards,
		Clock:   o.clock,
	}, logger)

	e.watermark = window.NewWatermark(cfg.Window.WatermarkLag, cfg.Window.WatermarkIdleTimeout, o.clock)
	e.windows = window.NewManager(windowConfig(cfg), e.watermark, logger)

	matcher, err := pattern.NewMatcher(patternConfig(cfg), logger)
	if err != nil {
		return nil, err
	}
	e.patterns = matcher

	if cfg.MaxThroughput > 0 {
		burst := int(cfg.MaxThroughput)
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.MaxThroughput), burst)
	}

	e.dlq.SetForwarder(func(r *DeadLetterRecord) {
		if r.Reason == ReasonValidation {
			return
		}
		e.emitAlert(deadLetterAlert(r))
	})

	if cfg.Checkpoint.Enabled {
		store := o.store
		if store == nil {
			store, err = checkpoint.NewStore(ctx, cfg.Checkpoint.Store, logger)
			if err != nil {
				return nil, err
			}
		}
		e.checkpoints, err = checkpoint.NewManager(&checkpoint.Config{
			Interval:  cfg.CheckpointInterval,
			Retention: cfg.Checkpoint.Retention,
			Clock:     o.clock,
		}, store, checkpoint.Components{
			Windows:  e.windows,
			Patterns: e.patterns,
			Dedup:    e.dedup,
			Cut:      &e.cut,
			Pending:  e.tracker.pending,
		}, logger)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	return e, nil
}

func alertBuffer(cfg *config.StreamConfig) int {
	if cfg.Processing.AlertBuffer > 0 {
		return cfg.Processing.AlertBuffer
	}
	return 1024
}

func windowConfig(cfg *config.StreamConfig) *window.Config {
	kinds := make([]window.Kind, 0, len(cfg.Window.Kinds))
	for _, k := range cfg.Window.Kinds {
		kinds = append(kinds, window.Kind(k))
	}
	return &window.Config{
		Kinds:           kinds,
		Size:            cfg.WindowSize,
		SlideFraction:   cfg.SlideFraction,
		Gap:             cfg.SessionGap,
		AllowedLateness: cfg.AllowedLateness,
		Retention:       cfg.Window.Retention,
		ReservoirSize:   cfg.Window.ReservoirSize,
		LatePolicy:      window.LatePolicy(cfg.Window.LatePolicy),
		Shards:          window.DefaultConfig().Shards,
	}
}

func patternConfig(cfg *config.StreamConfig) *pattern.Config {
	pc := &pattern.Config{MaxInstancesPerKey: cfg.Pattern.MaxInstancesPerKey}
	for _, s := range cfg.Pattern.Sequences {
		pc.Sequences = append(pc.Sequences, pattern.SequencePattern{
			Name:     s.Name,
			Steps:    s.Steps,
			Within:   s.Within,
			ResetOn:  s.ResetOn,
			Severity: models.ParseSeverity(s.Severity),
		})
	}
	for _, c := range cfg.Pattern.Conditions {
		cp := pattern.ConditionPattern{
			Name:       c.Name,
			EventType:  c.EventType,
			Expression: c.Expression,
			Severity:   models.ParseSeverity(c.Severity),
		}
		for _, f := range c.Fields {
			cp.Fields = append(cp.Fields, pattern.FieldCondition{Field: f.Field, Op: f.Op, Value: f.Value})
		}
		pc.Conditions = append(pc.Conditions, cp)
	}
	return pc
}

// StandardStages builds the stage list the configuration describes, in
// canonical order. Stages whose hook or option is unset are omitted.
func (e *Engine) StandardStages(hooks StageHooks) ([]Stage, error) {
	proc := e.config.Processing
	stages := []Stage{
		ValidateStage(proc.RequiredFields),
		ParseStage(proc.RequiredFields),
	}
	if hooks.Enrich != nil {
		stages = append(stages, EnrichStage(hooks.Enrich))
	}
	if proc.RouteField != "" || hooks.Router != nil {
		stages = append(stages, RouteStage(proc.RouteField, hooks.Router))
	}
	if proc.Filter != "" {
		st, err := FilterStage(proc.Filter)
		if err != nil {
			return nil, err
		}
		stages = append(stages, st)
	}
	if hooks.Map != nil {
		stages = append(stages, MapStage(hooks.Map))
	}
	stages = append(stages, AggregateStage(e.config.Window.KeyField, e.config.Window.ValueField))
	if hooks.Join != nil {
		stages = append(stages, JoinStage(hooks.Join, hooks.JoinKeyField, hooks.JoinAs))
	}
	stages = append(stages, WindowStage(e.windows, e.handleWindowResult))
	if len(proc.Compute) > 0 {
		st, err := ComputeStage(proc.Compute)
		if err != nil {
			return nil, err
		}
		stages = append(stages, st)
	}
	stages = append(stages,
		DetectStage(e.patterns),
		AlertStage(e.emitAlert),
		FormatStage(),
	)
	return stages, nil
}

// DefaultParallelism returns the configured worker bounds
func (e *Engine) DefaultParallelism() ParallelismSpec {
	p := e.config.Parallelism
	return ParallelismSpec{Min: p.Min, Max: p.Max, Initial: p.Initial}
}

// Build wires processors and deliveries for t. It must be called once,
// before Start.
func (e *Engine) Build(t *Topology) error {
	if e.topology != nil {
		return errors.New(errors.ErrorTypeConflict, "engine topology already built")
	}
	if err := t.Validate(); err != nil {
		return err
	}

	proc := e.config.Processing
	execCfg := &ExecutorConfig{
		StageTimeout:     proc.StageTimeout,
		MaxRetries:       proc.MaxRetries,
		RetryBackoffBase: proc.RetryBackoffBase,
		RetryBackoffMax:  proc.RetryBackoffMax,
	}

	order := t.ProcessorOrder()
	processors := make(map[string]*Processor, len(order))
	targets := make([]Scalable, 0, len(order))
	for _, name := range order {
		spec, _ := t.Processor(name)
		if spec.Parallelism == (ParallelismSpec{}) {
			spec.Parallelism = e.DefaultParallelism()
		}
		executor := NewExecutor(name, spec.Stages, execCfg, &e.cut, e.dlq, e.logger)
		p := NewProcessor(spec, executor, t.Inbound(name), t.Outbound(name), e.dlq, e.logger)
		p.tracker = e.tracker
		processors[name] = p
		targets = append(targets, p)
	}

	deliveries := make([]*Delivery, 0, len(t.Sinks()))
	for _, name := range t.Sinks() {
		sink, _ := t.Sink(name)
		d, err := NewDelivery(sink, t.Inbound(name), deliveryConfig(e.config), e.dlq, e.logger)
		if err != nil {
			return err
		}
		d.tracker = e.tracker
		deliveries = append(deliveries, d)
	}

	e.topology = t
	e.order = order
	e.processors = processors
	e.deliveries = deliveries

	e.backpressure = NewBackpressureMonitor(&BackpressureConfig{
		HighWater:        e.config.BackpressureHighWater,
		LowWater:         e.config.BackpressureLowWater,
		CheckInterval:    e.config.Autoscaling.MonitorInterval,
		MaxThrottleDelay: proc.MaxThrottleDelay,
	}, t.Connections(), e.logger)
	e.backpressure.OnAlert(e.emitAlert)

	if e.config.Autoscaling.Enabled && len(targets) > 0 {
		as := e.config.Autoscaling
		e.autoscaler = NewAutoscaler(&AutoscalerConfig{
			HighWater:         e.config.BackpressureHighWater,
			LowWater:          e.config.BackpressureLowWater,
			Interval:          as.MonitorInterval,
			HysteresisSamples: as.HysteresisSamples,
			Cooldown:          as.Cooldown,
			CPUCeiling:        as.CPUCeiling,
		}, targets, e.logger)
		e.autoscaler.OnAlert(e.emitAlert)
	}

	e.logger.Info("topology built",
		zap.Strings("sources", t.Sources()),
		zap.Strings("processors", order),
		zap.Strings("sinks", t.Sinks()),
		zap.Int("connections", len(t.Connections())))
	return nil
}

func deliveryConfig(cfg *config.StreamConfig) *DeliveryConfig {
	d := cfg.Delivery
	out := &DeliveryConfig{
		BatchSize:     cfg.BatchSize,
		FlushInterval: d.FlushInterval,
		MaxAttempts:   d.MaxAttempts,
		BackoffBase:   d.BackoffBase,
		BackoffMax:    d.BackoffMax,
		Compression:   d.Compression,
	}
	if d.CircuitBreaker.Enabled {
		out.CircuitBreaker = &CircuitBreakerSettings{
			FailureThreshold: d.CircuitBreaker.FailureThreshold,
			Timeout:          d.CircuitBreaker.Timeout,
			HalfOpenRequests: d.CircuitBreaker.HalfOpenRequests,
		}
	}
	return out
}

// Start recovers from the latest checkpoint, then starts deliveries,
// processors and the background tasks. A checkpoint store that holds only
// corrupt checkpoints is fatal.
func (e *Engine) Start(ctx context.Context) error {
	if e.topology == nil {
		return errors.New(errors.ErrorTypeConfig, "engine has no topology, call Build first")
	}
	if atomic.LoadInt32(&e.state) != stateNew {
		return errors.New(errors.ErrorTypeConflict, "engine already started")
	}

	if e.checkpoints != nil {
		cp, err := e.checkpoints.RecoverLatest(ctx)
		if err != nil {
			if errors.IsType(err, errors.ErrorTypeCorruption) {
				e.logger.Error("checkpoint recovery failed, operator intervention required", zap.Error(err))
			}
			return err
		}
		if cp != nil {
			e.logger.Info("resuming from checkpoint", zap.String("checkpoint_id", cp.ID))
		}
	}

	// Workers and background tasks outlive ctx; Stop ends them
	workCtx, workCancel := context.WithCancel(context.WithoutCancel(ctx))
	e.workCancel = workCancel
	for _, d := range e.deliveries {
		d.Start(workCtx)
	}
	for _, name := range e.order {
		e.processors[name].Start(workCtx)
	}

	bgCtx, bgCancel := context.WithCancel(context.WithoutCancel(ctx))
	e.bgCancel = bgCancel
	group, gctx := errgroup.WithContext(bgCtx)
	e.group = group

	group.Go(func() error { return every(gctx, e.config.Window.FireInterval, func() { e.fire() }) })
	group.Go(func() error { return every(gctx, e.config.Processing.DedupSweepInterval, e.sweepDedup) })
	group.Go(func() error { return every(gctx, e.config.Pattern.SweepInterval, e.sweepPatterns) })
	group.Go(func() error { return every(gctx, time.Second, func() { e.ingest.Sample() }) })
	group.Go(func() error { return e.backpressure.Run(gctx) })
	if e.checkpoints != nil {
		group.Go(func() error { return e.checkpoints.Run(gctx) })
	}
	if e.autoscaler != nil {
		group.Go(func() error { return e.autoscaler.Run(gctx) })
	}

	atomic.StoreInt32(&e.state, stateRunning)
	e.logger.Info("engine started")
	return nil
}

// every calls fn each interval until ctx is done. A non-positive interval
// disables the task.
func every(ctx context.Context, interval time.Duration, fn func()) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}

// fire advances the watermark and emits every window it closes
func (e *Engine) fire() []window.Result {
	wm := e.watermark.Advance()
	if wm.IsZero() {
		return nil
	}
	metrics.Watermark.Set(float64(wm.UnixMilli()) / 1000)

	e.cut.RLock()
	results := e.windows.Fire(wm)
	e.cut.RUnlock()

	for _, r := range results {
		e.handleWindowResult(r)
	}
	return results
}

func (e *Engine) sweepDedup() {
	e.cut.RLock()
	n := e.dedup.Sweep()
	e.cut.RUnlock()
	if n > 0 {
		e.logger.Debug("dedup ids expired", zap.Int("count", n))
	}
}

// sweepPatterns expires partial matches against event time
func (e *Engine) sweepPatterns() {
	wm := e.watermark.Current()
	if wm.IsZero() {
		return
	}
	e.cut.RLock()
	n := e.patterns.Sweep(wm)
	e.cut.RUnlock()
	if n > 0 {
		e.logger.Debug("pattern instances expired", zap.Int("count", n))
	}
}

// handleWindowResult raises threshold alerts and publishes the result.
// Threshold alerts summarize a window, so they carry no causal event id.
func (e *Engine) handleWindowResult(r window.Result) {
	for _, rule := range e.config.Thresholds {
		if rule.WindowKind != "" && rule.WindowKind != string(r.Ref.Kind) {
			continue
		}
		v, ok := r.Aggregate.Metric(rule.Metric)
		if !ok || v <= rule.Above {
			continue
		}
		e.emitAlert(models.Alert{
			Type:      models.AlertThresholdExceeded,
			Severity:  models.ParseSeverity(rule.Severity),
			Timestamp: r.Ref.End,
			Message:   fmt.Sprintf("%s: %s %.4g above %.4g for key %s", rule.Name, rule.Metric, v, rule.Above, r.Ref.Key),
			Attributes: map[string]interface{}{
				"rule":         rule.Name,
				"metric":       rule.Metric,
				"value":        v,
				"threshold":    rule.Above,
				"window_kind":  string(r.Ref.Kind),
				"window_key":   r.Ref.Key,
				"window_start": r.Ref.Start,
				"window_end":   r.Ref.End,
				"correction":   r.Correction,
			},
		})
	}

	e.alertMu.RLock()
	defer e.alertMu.RUnlock()
	if e.outputsClosed {
		return
	}
	select {
	case e.results <- r:
	default:
		atomic.AddInt64(&e.resultsDropped, 1)
	}
}

// emitAlert publishes to the alert stream without blocking the caller;
// alerts nobody reads are counted and dropped
func (e *Engine) emitAlert(a models.Alert) {
	e.alertMu.RLock()
	defer e.alertMu.RUnlock()
	if e.outputsClosed {
		return
	}
	select {
	case e.alerts <- a:
		metrics.AlertsEmitted.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
	default:
		atomic.AddInt64(&e.alertsDropped, 1)
		metrics.AlertsDropped.Inc()
	}
}

// Submit admits ev from source. An id seen within the dedup horizon is
// dropped and reported as Duplicate without error. Events without an id
// get a fresh one. Submit blocks while the throughput limiter, a raised
// backpressure signal or a full source connection hold it back.
func (e *Engine) Submit(ctx context.Context, ev *models.Event, source string) (SubmitResult, error) {
	e.ingest.RecordSubmitted()
	if ev == nil {
		e.ingest.RecordRejected()
		return Rejected, errors.New(errors.ErrorTypeValidation, "event is nil")
	}

	e.submitMu.RLock()
	defer e.submitMu.RUnlock()
	if atomic.LoadInt32(&e.state) != stateRunning {
		e.ingest.RecordRejected()
		return Rejected, errors.New(errors.ErrorTypeClosed, "engine is not accepting events")
	}
	if !e.topology.IsSource(source) {
		e.ingest.RecordRejected()
		return Rejected, errors.Newf(errors.ErrorTypeValidation, "unknown source %q", source)
	}
	conns := e.topology.Outbound(source)

	if ev.ID == "" {
		ev.ID = models.NewEventID()
	}
	ev.Metadata.Source = source
	e.assignPartitionKey(ev)
	if ev.Metadata.IngestedAt.IsZero() {
		ev.Metadata.IngestedAt = e.clock()
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return Rejected, errors.Wrap(err, errors.ErrorTypeRateLimit, "throughput limiter")
		}
	}

	e.cut.RLock()
	if e.dedup.Admit(ev.ID) == dedup.Duplicate {
		e.cut.RUnlock()
		e.ingest.RecordDuplicate(source)
		return Duplicate, nil
	}
	e.tracker.add(ev.ID, len(conns))
	e.cut.RUnlock()

	if err := e.backpressure.Wait(ctx, conns); err != nil {
		e.unadmit(ev.ID, len(conns))
		return Rejected, errors.Wrap(err, errors.ErrorTypeTimeout, "waiting on backpressure")
	}

	pushed, err := e.push(ctx, ev, conns)
	if err != nil {
		if pushed == 0 {
			e.unadmit(ev.ID, len(conns))
		} else {
			for i := pushed; i < len(conns); i++ {
				e.tracker.settle(ev.ID)
			}
		}
		return Rejected, err
	}
	e.ingest.RecordAdmitted(source)
	return Enqueued, nil
}

// assignPartitionKey resolves the key field before the event is routed to a
// worker, so every event of one key lands on the same worker. Raw payloads
// are keyed later by the aggregate stage and route by type until then.
func (e *Engine) assignPartitionKey(ev *models.Event) {
	field := e.config.Window.KeyField
	if field == "" || ev.Metadata.PartitionKey != "" || ev.Fields() == nil {
		return
	}
	if v, ok := ev.Field(field); ok && v != nil {
		if key, err := cast.ToStringE(v); err == nil {
			ev.Metadata.PartitionKey = key
		}
	}
}

// unadmit reverses an admission whose event never entered the topology,
// so a retry of the same id is not taken for a duplicate
func (e *Engine) unadmit(id string, copies int) {
	for i := 0; i < copies; i++ {
		e.tracker.settle(id)
	}
	e.cut.RLock()
	e.dedup.Forget(id)
	e.cut.RUnlock()
}

// push hands ev to every connection, cloning it for all but the last.
// Clones are taken before the first push since a pushed event belongs to
// its consumer. It returns how many pushes succeeded.
func (e *Engine) push(ctx context.Context, ev *models.Event, conns []*Connection) (int, error) {
	copies := make([]*models.Event, len(conns))
	for i := range conns {
		if i < len(conns)-1 {
			copies[i] = ev.Clone()
		} else {
			copies[i] = ev
		}
	}
	for i, c := range conns {
		if err := c.Push(ctx, copies[i]); err != nil {
			return i, err
		}
	}
	return len(conns), nil
}

// ReplayDeadLetters re-injects a source's dead-lettered events. Replayed
// events bypass dedup admission and carry their retry count forward. It
// returns how many events were re-enqueued; records that could not be
// enqueued stay in the dead-letter store.
func (e *Engine) ReplayDeadLetters(ctx context.Context, source string) (int, error) {
	e.submitMu.RLock()
	defer e.submitMu.RUnlock()
	if atomic.LoadInt32(&e.state) != stateRunning {
		return 0, errors.New(errors.ErrorTypeClosed, "engine is not accepting events")
	}
	if !e.topology.IsSource(source) {
		return 0, errors.Newf(errors.ErrorTypeValidation, "unknown source %q", source)
	}
	conns := e.topology.Outbound(source)

	records := e.dlq.Take(source)
	replayed := 0
	for i, rec := range records {
		ev := rec.Event
		if ev == nil {
			continue
		}
		ev.Metadata.Error = ""
		ev.Metadata.Annotations = nil
		ev.Metadata.StageLatency = nil
		ev.Metadata.Formatted = nil
		ev.Metadata.Attempts = rec.Retries + 1

		e.tracker.add(ev.ID, len(conns))
		pushed, err := e.push(ctx, ev, conns)
		if err != nil {
			for j := pushed; j < len(conns); j++ {
				e.tracker.settle(ev.ID)
			}
			from := i
			if pushed > 0 {
				from = i + 1
			}
			for _, r := range records[from:] {
				e.dlq.restore(r)
			}
			return replayed, err
		}
		replayed++
	}
	if replayed > 0 {
		e.logger.Info("replayed dead letters", zap.String("source", source), zap.Int("count", replayed))
	}
	return replayed, nil
}

// Stop stops admission and drains the topology front to back: source
// connections close, processors finish in topological order, deliveries
// flush. A final checkpoint is taken before background tasks stop. If ctx
// expires first, in-flight work is abandoned to the dead-letter store.
func (e *Engine) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.state, stateRunning, stateStopping) {
		return nil
	}
	e.logger.Info("stopping engine, draining topology")

	e.submitMu.Lock()
	for _, s := range e.topology.Sources() {
		for _, c := range e.topology.Outbound(s) {
			c.Close()
		}
	}
	e.submitMu.Unlock()

	var result error
	if !e.waitDrained(ctx) {
		e.logger.Warn("drain deadline exceeded, abandoning in-flight events",
			zap.Int("in_flight", e.tracker.len()))
		e.workCancel()
		e.waitDrained(context.Background())
		result = errors.New(errors.ErrorTypeTimeout, "topology did not drain before the deadline")
	}

	if e.checkpoints != nil {
		ckCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.CheckpointInterval)
		if _, err := e.checkpoints.Checkpoint(ckCtx); err != nil {
			e.logger.Error("final checkpoint failed", zap.Error(err))
			if result == nil {
				result = err
			}
		}
		cancel()
	}

	e.bgCancel()
	if err := e.group.Wait(); err != nil && result == nil {
		result = err
	}
	e.workCancel()

	e.alertMu.Lock()
	e.outputsClosed = true
	close(e.alerts)
	close(e.results)
	e.alertMu.Unlock()

	if e.checkpoints != nil {
		if err := e.checkpoints.Close(); err != nil {
			e.logger.Warn("closing checkpoint store", zap.Error(err))
		}
	}

	atomic.StoreInt32(&e.state, stateStopped)
	e.logger.Info("engine stopped", zap.Any("stats", e.ingest.GetStats()))
	return result
}

// waitDrained waits for processors in topological order, then deliveries
func (e *Engine) waitDrained(ctx context.Context) bool {
	for _, name := range e.order {
		select {
		case <-e.processors[name].Done():
		case <-ctx.Done():
			return false
		}
	}
	for _, d := range e.deliveries {
		select {
		case <-d.Done():
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// Alerts is the alert stream. It is closed by Stop.
func (e *Engine) Alerts() <-chan models.Alert { return e.alerts }

// WindowResults streams fired windows and late corrections. It is closed
// by Stop; results nobody reads are dropped.
func (e *Engine) WindowResults() <-chan window.Result { return e.results }

// DeadLetters returns the dead-letter store
func (e *Engine) DeadLetters() *DeadLetterManager { return e.dlq }

// Checkpoints returns the checkpoint manager, or nil when disabled
func (e *Engine) Checkpoints() *checkpoint.Manager { return e.checkpoints }

// Windows returns the window manager
func (e *Engine) Windows() *window.Manager { return e.windows }

// Patterns returns the pattern matcher
func (e *Engine) Patterns() *pattern.Matcher { return e.patterns }

// Processor returns a built processor by name
func (e *Engine) Processor(name string) (*Processor, bool) {
	p, ok := e.processors[name]
	return p, ok
}

// EngineStats is a point-in-time view of the engine
type EngineStats struct {
	State          string             `json:"state"`
	InFlight       int                `json:"in_flight"`
	Ingest         IngestStats        `json:"ingest"`
	Dedup          dedup.Stats        `json:"dedup"`
	Windows        window.Stats       `json:"windows"`
	Patterns       pattern.Stats      `json:"patterns"`
	Checkpoints    *checkpoint.Stats  `json:"checkpoints,omitempty"`
	DeadLetters    DeadLetterStats    `json:"dead_letters"`
	Processors     []ProcessorStats   `json:"processors"`
	Deliveries     []DeliveryStats    `json:"deliveries"`
	Connections    []ConnectionStats  `json:"connections"`
	Backpressure   *BackpressureStats `json:"backpressure,omitempty"`
	Autoscaler     *AutoscalerStats   `json:"autoscaler,omitempty"`
	AlertsDropped  int64              `json:"alerts_dropped"`
	ResultsDropped int64              `json:"results_dropped"`
}

// GetStats returns engine statistics
func (e *Engine) GetStats() EngineStats {
	st := EngineStats{
		State:          stateNames[atomic.LoadInt32(&e.state)],
		InFlight:       e.tracker.len(),
		Ingest:         e.ingest.GetStats(),
		Dedup:          e.dedup.GetStats(),
		Windows:        e.windows.GetStats(),
		Patterns:       e.patterns.GetStats(),
		DeadLetters:    e.dlq.GetStats(),
		AlertsDropped:  atomic.LoadInt64(&e.alertsDropped),
		ResultsDropped: atomic.LoadInt64(&e.resultsDropped),
	}
	if e.checkpoints != nil {
		cs := e.checkpoints.GetStats()
		st.Checkpoints = &cs
	}
	for _, name := range e.order {
		st.Processors = append(st.Processors, e.processors[name].GetStats())
	}
	for _, d := range e.deliveries {
		st.Deliveries = append(st.Deliveries, d.GetStats())
	}
	if e.topology != nil {
		for _, c := range e.topology.Connections() {
			st.Connections = append(st.Connections, c.GetStats())
		}
	}
	if e.backpressure != nil {
		bs := e.backpressure.GetStats()
		st.Backpressure = &bs
	}
	if e.autoscaler != nil {
		as := e.autoscaler.GetStats()
		st.Autoscaler = &as
	}
	return st
}
