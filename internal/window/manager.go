// Package window maintains keyed, time-windowed aggregate state.
//
// Three window kinds are supported:
//   - tumbling: fixed, non-overlapping [k*size, (k+1)*size) intervals
//   - sliding: [k*slide, k*slide+size) intervals, slide = size*slideFraction
//   - session: per key, extended by every event arriving within the gap
//
// A window fires once the watermark reaches end+allowedLateness. Fired
// windows are retained for a further retention period so late events can be
// merged into correction results when the late policy is "correct".
// Window bounds are computed in epoch milliseconds.
package window

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/ajitpratap0/streamcore/pkg/metrics"
	"github.com/ajitpratap0/streamcore/pkg/models"
)

// Kind of window
type Kind string

const (
	Tumbling Kind = "tumbling"
	Sliding  Kind = "sliding"
	Session  Kind = "session"
)

// LatePolicy decides what happens to events whose window already fired
type LatePolicy string

const (
	// LateDrop drops late events and counts them
	LateDrop LatePolicy = "drop"
	// LateCorrect merges late events into the retained window and re-emits it
	LateCorrect LatePolicy = "correct"
)

// Config configures the manager
type Config struct {
	Kinds           []Kind
	Size            time.Duration
	SlideFraction   float64
	Gap             time.Duration
	AllowedLateness time.Duration
	Retention       time.Duration
	ReservoirSize   int
	LatePolicy      LatePolicy
	Shards          int
}

// DefaultConfig returns one-minute tumbling windows
func DefaultConfig() *Config {
	return &Config{
		Kinds:           []Kind{Tumbling},
		Size:            time.Minute,
		SlideFraction:   0.5,
		Gap:             30 * time.Second,
		AllowedLateness: 5 * time.Second,
		Retention:       time.Minute,
		ReservoirSize:   256,
		LatePolicy:      LateDrop,
		Shards:          32,
	}
}

// Ref identifies a window
type Ref struct {
	Kind  Kind      `json:"kind"`
	Key   string    `json:"key"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Result is an emitted window: either its first firing or, with
// Correction set, a re-emission after a late event was merged in.
type Result struct {
	Ref
	Aggregate  *Aggregate `json:"aggregate"`
	Correction bool       `json:"correction"`
	Watermark  time.Time  `json:"watermark"`
}

// Outcome of applying an event to one window
type Outcome int

const (
	Applied Outcome = iota
	LateDropped
	LateCorrected
)

// ProcessResult summarizes Process for one event
type ProcessResult struct {
	Refs        []Ref
	Corrections []Result
	Dropped     int
}

// Stats is a point-in-time view of the manager
type Stats struct {
	Open          int   `json:"open"`
	Retained      int   `json:"retained"`
	Fired         int64 `json:"fired"`
	LateDropped   int64 `json:"late_dropped"`
	LateCorrected int64 `json:"late_corrected"`
}

type windowID struct {
	kind  Kind
	key   string
	start int64
}

type windowState struct {
	kind   Kind
	key    string
	start  int64
	end    int64
	lastTs int64
	agg    *Aggregate
}

func (w *windowState) ref() Ref {
	return Ref{Kind: w.kind, Key: w.key, Start: time.UnixMilli(w.start).UTC(), End: time.UnixMilli(w.end).UTC()}
}

func (w *windowState) id() windowID {
	return windowID{kind: w.kind, key: w.key, start: w.start}
}

type shard struct {
	mu       sync.Mutex
	open     map[windowID]*windowState
	sessions map[string][]*windowState
	fired    map[windowID]*windowState
}

func newShard() *shard {
	return &shard{
		open:     make(map[windowID]*windowState),
		sessions: make(map[string][]*windowState),
		fired:    make(map[windowID]*windowState),
	}
}

// Manager owns all window state, sharded by partition key
type Manager struct {
	config    Config
	sizeMs    int64
	slideMs   int64
	gapMs     int64
	lateMs    int64
	retainMs  int64
	watermark *Watermark
	shards    []*shard
	logger    *zap.Logger

	fired         int64
	lateDropped   int64
	lateCorrected int64
	// highest watermark Fire has been called with
	firedAt int64
}

// NewManager creates a window manager reading lateness against wm
func NewManager(config *Config, wm *Watermark, logger *zap.Logger) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.Shards <= 0 {
		cfg.Shards = 32
	}
	if cfg.LatePolicy == "" {
		cfg.LatePolicy = LateDrop
	}

	slide := int64(float64(cfg.Size.Milliseconds()) * cfg.SlideFraction)
	if slide < 1 {
		slide = 1
	}

	m := &Manager{
		config:    cfg,
		sizeMs:    cfg.Size.Milliseconds(),
		slideMs:   slide,
		gapMs:     cfg.Gap.Milliseconds(),
		lateMs:    cfg.AllowedLateness.Milliseconds(),
		retainMs:  cfg.Retention.Milliseconds(),
		watermark: wm,
		firedAt:   minMillis,
		shards:    make([]*shard, cfg.Shards),
		logger:    logger.With(zap.String("component", "window_manager")),
	}
	for i := range m.shards {
		m.shards[i] = newShard()
	}
	return m
}

// Watermark returns the watermark the manager reads
func (m *Manager) Watermark() *Watermark {
	return m.watermark
}

func (m *Manager) shardFor(key string) *shard {
	return m.shards[indexFor(key, len(m.shards))]
}

func indexFor(key string, n int) int {
	return int(xxhash.Sum64String(key) % uint64(n))
}

// floorDiv rounds toward negative infinity so pre-epoch timestamps align too
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// Assign returns every window the event belongs to. For sessions the
// returned bounds include any open sessions the event would merge.
func (m *Manager) Assign(ev *models.Event) []Ref {
	ts := ev.TimestampMillis()
	key := ev.Key()
	var refs []Ref

	for _, kind := range m.config.Kinds {
		switch kind {
		case Tumbling:
			start := floorDiv(ts, m.sizeMs) * m.sizeMs
			refs = append(refs, m.mkRef(kind, key, start, start+m.sizeMs))
		case Sliding:
			last := floorDiv(ts, m.slideMs) * m.slideMs
			var sliding []Ref
			for s := last; s > ts-m.sizeMs; s -= m.slideMs {
				sliding = append(sliding, m.mkRef(kind, key, s, s+m.sizeMs))
			}
			// oldest first
			for i := len(sliding) - 1; i >= 0; i-- {
				refs = append(refs, sliding[i])
			}
		case Session:
			sh := m.shardFor(key)
			sh.mu.Lock()
			start, end := ts, ts+m.gapMs
			for _, s := range sh.sessions[key] {
				if m.sessionAccepts(s, ts) {
					if s.start < start {
						start = s.start
					}
					if s.end > end {
						end = s.end
					}
				}
			}
			sh.mu.Unlock()
			refs = append(refs, m.mkRef(kind, key, start, end))
		}
	}
	return refs
}

func (m *Manager) mkRef(kind Kind, key string, start, end int64) Ref {
	return Ref{Kind: kind, Key: key, Start: time.UnixMilli(start).UTC(), End: time.UnixMilli(end).UTC()}
}

// sessionAccepts reports whether ts lies within the gap of session s.
// A gap of exactly sessionGap still joins the session.
func (m *Manager) sessionAccepts(s *windowState, ts int64) bool {
	return ts >= s.start-m.gapMs && ts <= s.lastTs+m.gapMs
}

// Process assigns the event and applies it to every window, then moves the
// watermark forward by the event time.
func (m *Manager) Process(ev *models.Event) ProcessResult {
	var res ProcessResult
	for _, ref := range m.Assign(ev) {
		outcome, correction := m.Update(ref, ev)
		switch outcome {
		case Applied:
			res.Refs = append(res.Refs, ref)
		case LateCorrected:
			res.Corrections = append(res.Corrections, *correction)
		case LateDropped:
			res.Dropped++
		}
	}
	if m.watermark != nil {
		m.watermark.Observe(ev.Timestamp)
	}
	return res
}

// Update applies ev to the window ref. Events whose window already fired
// follow the late policy.
func (m *Manager) Update(ref Ref, ev *models.Event) (Outcome, *Result) {
	ts := ev.TimestampMillis()
	wm := m.currentWatermark()
	sh := m.shardFor(ref.Key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if ref.Kind == Session {
		return m.updateSession(sh, ref.Key, ts, wm, ev.Metadata.Measure)
	}

	start, end := ref.Start.UnixMilli(), ref.End.UnixMilli()
	id := windowID{kind: ref.Kind, key: ref.Key, start: start}

	if fired, ok := sh.fired[id]; ok {
		return m.late(sh, fired, wm, ev.Metadata.Measure)
	}

	// an open window has not fired yet, even when the watermark is already
	// past its deadline, so the event still belongs to its first result
	w, ok := sh.open[id]
	if !ok {
		if end+m.lateMs <= wm {
			return m.late(sh, &windowState{kind: ref.Kind, key: ref.Key, start: start, end: end, lastTs: ts}, wm, ev.Metadata.Measure)
		}
		w = &windowState{kind: ref.Kind, key: ref.Key, start: start, end: end, agg: newAggregate(m.config.ReservoirSize)}
		sh.open[id] = w
	}
	if ts > w.lastTs {
		w.lastTs = ts
	}
	w.agg.Add(ev.Metadata.Measure)
	return Applied, nil
}

func (m *Manager) updateSession(sh *shard, key string, ts, wm int64, measure *float64) (Outcome, *Result) {
	var merged *windowState
	kept := sh.sessions[key][:0]
	for _, s := range sh.sessions[key] {
		if !m.sessionAccepts(s, ts) {
			kept = append(kept, s)
			continue
		}
		if merged == nil {
			merged = s
			kept = append(kept, s)
			continue
		}
		// the event bridges two sessions
		merged.agg.Merge(s.agg)
		if s.start < merged.start {
			merged.start = s.start
		}
		if s.lastTs > merged.lastTs {
			merged.lastTs = s.lastTs
		}
	}
	sh.sessions[key] = kept

	if merged != nil {
		if ts < merged.start {
			merged.start = ts
		}
		if ts > merged.lastTs {
			merged.lastTs = ts
		}
		merged.end = merged.lastTs + m.gapMs
		merged.agg.Add(measure)
		return Applied, nil
	}

	for _, f := range sh.fired {
		if f.kind == Session && f.key == key && m.sessionAccepts(f, ts) {
			return m.late(sh, f, wm, measure)
		}
	}

	fresh := &windowState{kind: Session, key: key, start: ts, end: ts + m.gapMs, lastTs: ts}
	if fresh.end+m.lateMs <= wm {
		return m.late(sh, fresh, wm, measure)
	}
	fresh.agg = newAggregate(m.config.ReservoirSize)
	fresh.agg.Add(measure)
	sh.sessions[key] = append(sh.sessions[key], fresh)
	sort.Slice(sh.sessions[key], func(a, b int) bool { return sh.sessions[key][a].start < sh.sessions[key][b].start })
	return Applied, nil
}

// late handles an event for a window that has fired or would already have
// fired. Caller holds the shard lock.
func (m *Manager) late(sh *shard, w *windowState, wm int64, measure *float64) (Outcome, *Result) {
	retained := w.end+m.lateMs+m.retainMs > wm
	if m.config.LatePolicy != LateCorrect || !retained {
		atomic.AddInt64(&m.lateDropped, 1)
		metrics.LateEvents.WithLabelValues("dropped").Inc()
		return LateDropped, nil
	}

	if w.agg == nil {
		w.agg = newAggregate(m.config.ReservoirSize)
		sh.fired[w.id()] = w
	}
	w.agg.Add(measure)
	atomic.AddInt64(&m.lateCorrected, 1)
	metrics.LateEvents.WithLabelValues("corrected").Inc()

	return LateCorrected, &Result{
		Ref:        w.ref(),
		Aggregate:  w.agg.Clone(),
		Correction: true,
		Watermark:  time.UnixMilli(wm).UTC(),
	}
}

func (m *Manager) currentWatermark() int64 {
	wm := atomic.LoadInt64(&m.firedAt)
	if m.watermark == nil {
		return wm
	}
	if cur := m.watermark.Current(); !cur.IsZero() && cur.UnixMilli() > wm {
		wm = cur.UnixMilli()
	}
	return wm
}

const minMillis = -1 << 62

// Fire emits every window whose end plus allowed lateness the watermark has
// reached, and garbage-collects retained windows past their retention.
// Each window fires exactly once.
func (m *Manager) Fire(watermark time.Time) []Result {
	if watermark.IsZero() {
		return nil
	}
	wm := watermark.UnixMilli()
	for {
		prev := atomic.LoadInt64(&m.firedAt)
		if wm <= prev || atomic.CompareAndSwapInt64(&m.firedAt, prev, wm) {
			break
		}
	}
	var out []Result

	for _, sh := range m.shards {
		sh.mu.Lock()
		for id, w := range sh.fired {
			if w.end+m.lateMs+m.retainMs <= wm {
				delete(sh.fired, id)
			}
		}
		for id, w := range sh.open {
			if w.end+m.lateMs <= wm {
				delete(sh.open, id)
				sh.fired[id] = w
				out = append(out, m.result(w, wm))
			}
		}
		for key, list := range sh.sessions {
			kept := list[:0]
			for _, s := range list {
				if s.end+m.lateMs <= wm {
					sh.fired[s.id()] = s
					out = append(out, m.result(s, wm))
					continue
				}
				kept = append(kept, s)
			}
			if len(kept) == 0 {
				delete(sh.sessions, key)
			} else {
				sh.sessions[key] = kept
			}
		}
		sh.mu.Unlock()
	}

	sort.Slice(out, func(a, b int) bool {
		ra, rb := out[a].Ref, out[b].Ref
		if !ra.End.Equal(rb.End) {
			return ra.End.Before(rb.End)
		}
		if ra.Kind != rb.Kind {
			return ra.Kind < rb.Kind
		}
		if ra.Key != rb.Key {
			return ra.Key < rb.Key
		}
		return ra.Start.Before(rb.Start)
	})

	if len(out) > 0 {
		atomic.AddInt64(&m.fired, int64(len(out)))
		for _, r := range out {
			metrics.WindowsFired.WithLabelValues(string(r.Kind)).Inc()
		}
		m.logger.Debug("fired windows", zap.Int("count", len(out)), zap.Time("watermark", watermark))
	}
	return out
}

func (m *Manager) result(w *windowState, wm int64) Result {
	return Result{
		Ref:       w.ref(),
		Aggregate: w.agg.Clone(),
		Watermark: time.UnixMilli(wm).UTC(),
	}
}

// GetStats returns counters and current sizes
func (m *Manager) GetStats() Stats {
	st := Stats{
		Fired:         atomic.LoadInt64(&m.fired),
		LateDropped:   atomic.LoadInt64(&m.lateDropped),
		LateCorrected: atomic.LoadInt64(&m.lateCorrected),
	}
	for _, sh := range m.shards {
		sh.mu.Lock()
		st.Open += len(sh.open)
		for _, l := range sh.sessions {
			st.Open += len(l)
		}
		st.Retained += len(sh.fired)
		sh.mu.Unlock()
	}
	return st
}
