package window

import (
	"sort"
	"sync/atomic"
)

// WindowSnapshot is the serialized form of one window
type WindowSnapshot struct {
	Kind      Kind       `json:"kind"`
	Key       string     `json:"key"`
	Start     int64      `json:"start"`
	End       int64      `json:"end"`
	LastEvent int64      `json:"last_event"`
	Fired     bool       `json:"fired"`
	Aggregate *Aggregate `json:"aggregate"`
}

// Snapshot holds every open and retained window
type Snapshot struct {
	Windows []WindowSnapshot `json:"windows"`
}

// Snapshot deep-copies all window state. Each shard is copied under its
// own lock; callers wanting a cut consistent with other stores must stop
// writers first.
func (m *Manager) Snapshot() Snapshot {
	var out []WindowSnapshot
	for _, sh := range m.shards {
		sh.mu.Lock()
		for _, w := range sh.open {
			out = append(out, snapshotOf(w, false))
		}
		for _, list := range sh.sessions {
			for _, s := range list {
				out = append(out, snapshotOf(s, false))
			}
		}
		for _, w := range sh.fired {
			out = append(out, snapshotOf(w, true))
		}
		sh.mu.Unlock()
	}
	return Snapshot{Windows: out}
}

func snapshotOf(w *windowState, fired bool) WindowSnapshot {
	return WindowSnapshot{
		Kind:      w.kind,
		Key:       w.key,
		Start:     w.start,
		End:       w.end,
		LastEvent: w.lastTs,
		Fired:     fired,
		Aggregate: w.agg.Clone(),
	}
}

// Restore replaces all window state with snap
func (m *Manager) Restore(snap Snapshot) {
	fresh := make([]*shard, len(m.shards))
	for i := range fresh {
		fresh[i] = newShard()
	}

	for _, ws := range snap.Windows {
		agg := ws.Aggregate
		if agg == nil {
			agg = newAggregate(m.config.ReservoirSize)
		} else {
			agg = agg.Clone()
		}
		w := &windowState{kind: ws.Kind, key: ws.Key, start: ws.Start, end: ws.End, lastTs: ws.LastEvent, agg: agg}
		sh := fresh[indexFor(ws.Key, len(fresh))]
		switch {
		case ws.Fired:
			sh.fired[w.id()] = w
		case ws.Kind == Session:
			sh.sessions[ws.Key] = append(sh.sessions[ws.Key], w)
		default:
			sh.open[w.id()] = w
		}
	}

	for _, sh := range fresh {
		for _, list := range sh.sessions {
			sort.Slice(list, func(a, b int) bool { return list[a].start < list[b].start })
		}
	}

	for i, sh := range m.shards {
		sh.mu.Lock()
		sh.open = fresh[i].open
		sh.sessions = fresh[i].sessions
		sh.fired = fresh[i].fired
		sh.mu.Unlock()
	}
	// the restored watermark takes over from here
	atomic.StoreInt64(&m.firedAt, minMillis)
}
