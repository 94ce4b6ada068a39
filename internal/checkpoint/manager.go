package checkpoint

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/streamcore/internal/dedup"
	"github.com/ajitpratap0/streamcore/internal/pattern"
	"github.com/ajitpratap0/streamcore/internal/window"
	"github.com/ajitpratap0/streamcore/pkg/errors"
	"github.com/ajitpratap0/streamcore/pkg/metrics"
)

// Config configures checkpointing
type Config struct {
	Interval  time.Duration
	Retention time.Duration
	// Clock returns wall time for ids and retention; nil means time.Now
	Clock func() time.Time
}

// DefaultConfig checkpoints every 30s and keeps an hour of history
func DefaultConfig() *Config {
	return &Config{
		Interval:  30 * time.Second,
		Retention: time.Hour,
	}
}

// Components are the stores a checkpoint covers. Cut is held exclusively
// while state is copied; writers to the stores hold it shared, so the copy
// is one consistent cut. Any component may be nil.
type Components struct {
	Windows  *window.Manager
	Patterns *pattern.Matcher
	Dedup    *dedup.Store
	Cut      sync.Locker
	// Pending lists admitted ids still travelling the topology. They are
	// left out of the dedup snapshot so a producer replay after recovery
	// is admitted again instead of being lost.
	Pending func() map[string]struct{}
}

// Stats is a point-in-time view of the manager
type Stats struct {
	Taken        int64         `json:"taken"`
	Failed       int64         `json:"failed"`
	Pruned       int64         `json:"pruned"`
	Restored     int64         `json:"restored"`
	LastID       string        `json:"last_id"`
	LastSize     int           `json:"last_size"`
	LastDuration time.Duration `json:"last_duration"`
}

// Manager takes, prunes and restores checkpoints
type Manager struct {
	config     Config
	store      Store
	codec      *Codec
	components Components
	logger     *zap.Logger

	// running serializes checkpoints; a tick that finds one in flight is skipped
	running sync.Mutex
	lastNs  int64

	mu    sync.Mutex
	stats Stats

	taken    int64
	failed   int64
	pruned   int64
	restored int64
}

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

// NewManager creates a checkpoint manager over store
func NewManager(config *Config, store Store, components Components, logger *zap.Logger) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if components.Cut == nil {
		components.Cut = noopLocker{}
	}
	codec, err := NewCodec()
	if err != nil {
		return nil, err
	}
	return &Manager{
		config:     cfg,
		store:      store,
		codec:      codec,
		components: components,
		logger:     logger.With(zap.String("component", "checkpoint_manager")),
	}, nil
}

// Capture copies the current state under the cut lock
func (m *Manager) Capture() State {
	c := m.components
	c.Cut.Lock()
	defer c.Cut.Unlock()

	var st State
	if c.Windows != nil {
		st.Windows = c.Windows.Snapshot()
		if wm := c.Windows.Watermark(); wm != nil {
			st.Watermark = wm.Current()
		}
	}
	if c.Patterns != nil {
		st.Patterns = c.Patterns.Snapshot()
	}
	if c.Dedup != nil {
		st.Dedup = c.Dedup.Snapshot()
		if c.Pending != nil {
			st.Dedup = withoutPending(st.Dedup, c.Pending())
		}
	}
	return st
}

func withoutPending(snap dedup.Snapshot, pending map[string]struct{}) dedup.Snapshot {
	if len(pending) == 0 {
		return snap
	}
	kept := snap.Records[:0]
	for _, r := range snap.Records {
		if _, ok := pending[r.ID]; !ok {
			kept = append(kept, r)
		}
	}
	return dedup.Snapshot{Records: kept}
}

func (m *Manager) nextID() (string, time.Time) {
	now := m.config.Clock().UTC()
	ns := now.UnixNano()
	for {
		last := atomic.LoadInt64(&m.lastNs)
		if ns <= last {
			ns = last + 1
		}
		if atomic.CompareAndSwapInt64(&m.lastNs, last, ns) {
			break
		}
	}
	t := time.Unix(0, ns).UTC()
	return NewID(t), t
}

// Checkpoint takes a checkpoint and prunes expired ones. Only the copy
// blocks writers; encoding and storing run outside the cut lock.
func (m *Manager) Checkpoint(ctx context.Context) (string, error) {
	m.running.Lock()
	defer m.running.Unlock()

	timer := metrics.NewTimer()
	state := m.Capture()
	id, created := m.nextID()

	blob, err := m.codec.Encode(&Checkpoint{ID: id, CreatedAt: created, State: state})
	if err != nil {
		return "", m.fail(err)
	}
	if err := m.store.Put(ctx, id, blob); err != nil {
		return "", m.fail(errors.Wrap(err, errors.ErrorTypeCheckpoint, "failed to store checkpoint"))
	}

	elapsed := timer.Stop()
	metrics.CheckpointDuration.Observe(elapsed.Seconds())
	metrics.CheckpointBytes.Set(float64(len(blob)))
	atomic.AddInt64(&m.taken, 1)

	m.mu.Lock()
	m.stats.LastID = id
	m.stats.LastSize = len(blob)
	m.stats.LastDuration = elapsed
	m.mu.Unlock()

	m.logger.Debug("checkpoint stored",
		zap.String("id", id),
		zap.Int("bytes", len(blob)),
		zap.Int("windows", len(state.Windows.Windows)),
		zap.Int("pattern_instances", len(state.Patterns.Instances)),
		zap.Int("dedup_ids", len(state.Dedup.Records)),
		zap.Duration("duration", elapsed))

	if _, err := m.Prune(ctx); err != nil {
		m.logger.Warn("checkpoint pruning failed", zap.Error(err))
	}
	return id, nil
}

func (m *Manager) fail(err error) error {
	atomic.AddInt64(&m.failed, 1)
	metrics.CheckpointFailures.Inc()
	return err
}

// Prune deletes checkpoints older than the retention period. The newest
// checkpoint is always kept.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	if m.config.Retention <= 0 {
		return 0, nil
	}
	ids, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) <= 1 {
		return 0, nil
	}
	sort.Strings(ids)
	cutoff := m.config.Clock().Add(-m.config.Retention)

	deleted := 0
	for _, id := range ids[:len(ids)-1] {
		created, err := ParseID(id)
		if err != nil || !created.Before(cutoff) {
			continue
		}
		if err := m.store.Delete(ctx, id); err != nil {
			return deleted, err
		}
		deleted++
	}
	if deleted > 0 {
		atomic.AddInt64(&m.pruned, int64(deleted))
		m.logger.Debug("pruned checkpoints", zap.Int("count", deleted))
	}
	return deleted, nil
}

// List describes the stored checkpoints, oldest first
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	ids, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]Info, 0, len(ids))
	for _, id := range ids {
		created, err := ParseID(id)
		if err != nil {
			continue
		}
		out = append(out, Info{ID: id, CreatedAt: created})
	}
	return out, nil
}

// Load fetches and decodes one checkpoint without applying it
func (m *Manager) Load(ctx context.Context, id string) (*Checkpoint, error) {
	blob, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	cp, err := m.codec.Decode(blob)
	if err != nil {
		return nil, err
	}
	if cp.ID != id {
		return nil, errors.Newf(errors.ErrorTypeCorruption, "checkpoint %s contains id %s", id, cp.ID)
	}
	return cp, nil
}

// Recover restores checkpoint id. The blob is decoded completely before any
// store is touched, and all stores are then replaced under the cut lock, so
// a failed recovery leaves the current state unchanged. A blob that cannot
// be decoded is a fatal corruption error.
func (m *Manager) Recover(ctx context.Context, id string) (*Checkpoint, error) {
	cp, err := m.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	m.apply(cp)
	return cp, nil
}

// RecoverLatest restores the newest checkpoint that decodes, skipping
// corrupt ones. It returns nil when the store is empty and a corruption
// error when checkpoints exist but none is usable.
func (m *Manager) RecoverLatest(ctx context.Context) (*Checkpoint, error) {
	ids, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		m.logger.Info("no checkpoint found, starting from empty state")
		return nil, nil
	}
	sort.Strings(ids)

	for i := len(ids) - 1; i >= 0; i-- {
		cp, err := m.Load(ctx, ids[i])
		if errors.IsType(err, errors.ErrorTypeCorruption) {
			m.logger.Error("skipping corrupt checkpoint", zap.String("id", ids[i]), zap.Error(err))
			continue
		}
		if err != nil {
			return nil, err
		}
		m.apply(cp)
		return cp, nil
	}
	return nil, errors.Newf(errors.ErrorTypeCorruption, "none of %d checkpoints could be restored", len(ids))
}

func (m *Manager) apply(cp *Checkpoint) {
	c := m.components
	c.Cut.Lock()
	defer c.Cut.Unlock()

	if c.Windows != nil {
		c.Windows.Restore(cp.State.Windows)
		if wm := c.Windows.Watermark(); wm != nil {
			wm.Restore(cp.State.Watermark)
		}
	}
	if c.Patterns != nil {
		c.Patterns.Restore(cp.State.Patterns)
	}
	if c.Dedup != nil {
		c.Dedup.Restore(cp.State.Dedup)
	}
	atomic.AddInt64(&m.restored, 1)
	if ns := cp.CreatedAt.UnixNano(); ns > atomic.LoadInt64(&m.lastNs) {
		atomic.StoreInt64(&m.lastNs, ns)
	}

	m.logger.Info("restored checkpoint",
		zap.String("id", cp.ID),
		zap.Time("watermark", cp.State.Watermark),
		zap.Int("windows", len(cp.State.Windows.Windows)),
		zap.Int("pattern_instances", len(cp.State.Patterns.Instances)),
		zap.Int("dedup_ids", len(cp.State.Dedup.Records)))
}

// Run checkpoints every interval until ctx is done. A failed checkpoint is
// logged and retried on the next tick; the last successful one stays valid.
func (m *Manager) Run(ctx context.Context) error {
	if m.config.Interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Checkpoint(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				m.logger.Error("checkpoint failed, retrying next interval", zap.Error(err))
			}
		}
	}
}

// GetStats returns checkpoint counters
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	st := m.stats
	m.mu.Unlock()
	st.Taken = atomic.LoadInt64(&m.taken)
	st.Failed = atomic.LoadInt64(&m.failed)
	st.Pruned = atomic.LoadInt64(&m.pruned)
	st.Restored = atomic.LoadInt64(&m.restored)
	return st
}

// Close closes the underlying store
func (m *Manager) Close() error {
	return m.store.Close()
}
