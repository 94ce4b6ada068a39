package pattern

import (
	"sort"
	"sync/atomic"

	"go.uber.org/zap"
)

// InstanceSnapshot is the serialized form of one partial match
type InstanceSnapshot struct {
	Pattern  string   `json:"pattern"`
	Key      string   `json:"key"`
	Next     int      `json:"next"`
	Start    int64    `json:"start"`
	Last     int64    `json:"last"`
	EventIDs []string `json:"event_ids"`
	Seq      uint64   `json:"seq"`
}

// Snapshot holds every live instance
type Snapshot struct {
	Instances []InstanceSnapshot `json:"instances"`
}

// Snapshot copies all live instances, ordered by creation
func (m *Matcher) Snapshot() Snapshot {
	var out []InstanceSnapshot
	for _, sh := range m.shards {
		sh.mu.Lock()
		for ik, list := range sh.instances {
			for _, inst := range list {
				out = append(out, InstanceSnapshot{
					Pattern:  ik.pattern,
					Key:      ik.key,
					Next:     inst.next,
					Start:    inst.start,
					Last:     inst.last,
					EventIDs: append([]string(nil), inst.eventIDs...),
					Seq:      inst.seq,
				})
			}
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Seq < out[b].Seq })
	return Snapshot{Instances: out}
}

// Restore replaces all instances with snap. Instances of patterns that are
// no longer registered, or whose progress no longer fits the pattern, are
// skipped.
func (m *Matcher) Restore(snap Snapshot) int {
	steps := make(map[string]int, len(m.sequences))
	for _, p := range m.sequences {
		steps[p.Name] = len(p.Steps)
	}

	fresh := make([]map[instanceKey][]*instance, len(m.shards))
	for i := range fresh {
		fresh[i] = make(map[instanceKey][]*instance)
	}

	var maxSeq uint64
	skipped := 0
	for _, is := range snap.Instances {
		n, ok := steps[is.Pattern]
		if !ok || is.Next <= 0 || is.Next >= n {
			skipped++
			continue
		}
		idx := indexFor(is.Key, len(m.shards))
		ik := instanceKey{pattern: is.Pattern, key: is.Key}
		fresh[idx][ik] = append(fresh[idx][ik], &instance{
			next:     is.Next,
			start:    is.Start,
			last:     is.Last,
			eventIDs: append([]string(nil), is.EventIDs...),
			seq:      is.Seq,
		})
		if is.Seq > maxSeq {
			maxSeq = is.Seq
		}
	}
	for _, byKey := range fresh {
		for _, list := range byKey {
			sortInstances(list)
		}
	}

	for i, sh := range m.shards {
		sh.mu.Lock()
		sh.instances = fresh[i]
		sh.mu.Unlock()
	}
	for {
		cur := atomic.LoadUint64(&m.seq)
		if cur >= maxSeq || atomic.CompareAndSwapUint64(&m.seq, cur, maxSeq) {
			break
		}
	}
	if skipped > 0 {
		m.logger.Warn("skipped pattern instances on restore", zap.Int("skipped", skipped))
	}
	return skipped
}
