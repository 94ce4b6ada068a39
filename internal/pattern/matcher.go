// Package pattern detects multi-event sequences and single-event conditions.
//
// Sequence patterns track partial matches ("instances") per pattern and
// correlation key. For every event of a key the matcher
//
//  1. discards instances whose start is more than Within before the event,
//  2. discards all instances of a pattern when the event type is in ResetOn,
//  3. advances the oldest instance expecting the event type, emitting a
//     Signal and deleting the instance when it completes,
//  4. otherwise starts a new instance if the type is the first step.
//
// Events of unrelated types are ignored, so matches need not be contiguous.
// Instances per (pattern, key) are capped; the oldest is evicted at the cap.
package pattern

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/ajitpratap0/streamcore/pkg/errors"
	"github.com/ajitpratap0/streamcore/pkg/metrics"
	"github.com/ajitpratap0/streamcore/pkg/models"
)

// Kind of pattern that produced a signal
type Kind string

const (
	KindSequence  Kind = "sequence"
	KindCondition Kind = "condition"
)

// SequencePattern is an ordered list of event types that must be observed
// for one key within Within.
type SequencePattern struct {
	Name     string
	Steps    []string
	Within   time.Duration
	ResetOn  []string
	Severity models.Severity
}

// Signal is a completed match
type Signal struct {
	Pattern  string          `json:"pattern"`
	Kind     Kind            `json:"kind"`
	Key      string          `json:"key"`
	EventIDs []string        `json:"event_ids"`
	Start    time.Time       `json:"start"`
	End      time.Time       `json:"end"`
	Severity models.Severity `json:"severity"`
}

// CausalEventID is the event that completed the match
func (s Signal) CausalEventID() string {
	if len(s.EventIDs) == 0 {
		return ""
	}
	return s.EventIDs[len(s.EventIDs)-1]
}

// Config configures the matcher
type Config struct {
	Sequences          []SequencePattern
	Conditions         []ConditionPattern
	MaxInstancesPerKey int
	Shards             int
}

// Stats is a point-in-time view of the matcher
type Stats struct {
	Active  int   `json:"active"`
	Matches int64 `json:"matches"`
	Expired int64 `json:"expired"`
	Evicted int64 `json:"evicted"`
	Resets  int64 `json:"resets"`
}

type compiledSequence struct {
	SequencePattern
	withinMs int64
	first    string
	reset    map[string]struct{}
}

type instanceKey struct {
	pattern string
	key     string
}

type instance struct {
	next     int
	start    int64
	last     int64
	eventIDs []string
	seq      uint64
}

type shard struct {
	mu        sync.Mutex
	instances map[instanceKey][]*instance
}

// Matcher evaluates events against every registered pattern
type Matcher struct {
	sequences  []*compiledSequence
	conditions []*compiledCondition
	maxPerKey  int
	shards     []*shard
	logger     *zap.Logger

	seq     uint64
	matches int64
	expired int64
	evicted int64
	resets  int64
}

// NewMatcher compiles the configured patterns
func NewMatcher(config *Config, logger *zap.Logger) (*Matcher, error) {
	if config == nil {
		config = &Config{}
	}
	m := &Matcher{
		maxPerKey: config.MaxInstancesPerKey,
		logger:    logger.With(zap.String("component", "pattern_matcher")),
	}
	if m.maxPerKey <= 0 {
		m.maxPerKey = 64
	}
	n := config.Shards
	if n <= 0 {
		n = 32
	}
	m.shards = make([]*shard, n)
	for i := range m.shards {
		m.shards[i] = &shard{instances: make(map[instanceKey][]*instance)}
	}

	names := make(map[string]struct{})
	for _, p := range config.Sequences {
		if p.Name == "" || len(p.Steps) == 0 || p.Within <= 0 {
			return nil, errors.Newf(errors.ErrorTypeConfig, "sequence pattern %q needs a name, steps and a positive within", p.Name)
		}
		if _, dup := names[p.Name]; dup {
			return nil, errors.Newf(errors.ErrorTypeConfig, "duplicate pattern name %q", p.Name)
		}
		names[p.Name] = struct{}{}
		cs := &compiledSequence{
			SequencePattern: p,
			withinMs:        p.Within.Milliseconds(),
			first:           p.Steps[0],
			reset:           make(map[string]struct{}, len(p.ResetOn)),
		}
		for _, r := range p.ResetOn {
			cs.reset[r] = struct{}{}
		}
		m.sequences = append(m.sequences, cs)
	}
	for _, p := range config.Conditions {
		if _, dup := names[p.Name]; dup {
			return nil, errors.Newf(errors.ErrorTypeConfig, "duplicate pattern name %q", p.Name)
		}
		names[p.Name] = struct{}{}
		cc, err := compileCondition(p)
		if err != nil {
			return nil, err
		}
		m.conditions = append(m.conditions, cc)
	}

	m.logger.Info("pattern matcher ready",
		zap.Int("sequences", len(m.sequences)),
		zap.Int("conditions", len(m.conditions)),
		zap.Int("max_instances_per_key", m.maxPerKey))
	return m, nil
}

func (m *Matcher) shardFor(key string) *shard {
	return m.shards[indexFor(key, len(m.shards))]
}

func indexFor(key string, n int) int {
	return int(xxhash.Sum64String(key) % uint64(n))
}

// Evaluate runs ev against every pattern and returns the completed matches.
// Events for one key must be evaluated in order by a single caller at a time
// for sequence results to be meaningful; different keys may run concurrently.
func (m *Matcher) Evaluate(ev *models.Event) []Signal {
	var signals []Signal

	for _, c := range m.conditions {
		if c.matches(ev) {
			signals = append(signals, Signal{
				Pattern:  c.Name,
				Kind:     KindCondition,
				Key:      ev.Key(),
				EventIDs: []string{ev.ID},
				Start:    ev.Timestamp,
				End:      ev.Timestamp,
				Severity: c.Severity,
			})
		}
	}

	if len(m.sequences) > 0 {
		signals = append(signals, m.evaluateSequences(ev)...)
	}

	for _, s := range signals {
		metrics.PatternMatches.WithLabelValues(s.Pattern).Inc()
	}
	atomic.AddInt64(&m.matches, int64(len(signals)))
	return signals
}

func (m *Matcher) evaluateSequences(ev *models.Event) []Signal {
	key := ev.Key()
	ts := ev.TimestampMillis()
	sh := m.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	var signals []Signal
	for _, p := range m.sequences {
		ik := instanceKey{pattern: p.Name, key: key}
		list := sh.instances[ik]

		// expiry first: an instance past its window cannot be advanced
		if len(list) > 0 {
			kept := list[:0]
			for _, inst := range list {
				if ts-inst.start > p.withinMs {
					atomic.AddInt64(&m.expired, 1)
					continue
				}
				kept = append(kept, inst)
			}
			list = kept
		}

		if _, ok := p.reset[ev.Type]; ok {
			if len(list) > 0 {
				atomic.AddInt64(&m.resets, int64(len(list)))
			}
			list = nil
		}

		advanced := false
		for i, inst := range list {
			// an event older than the instance's last step cannot extend it
			if p.Steps[inst.next] != ev.Type || ts < inst.last {
				continue
			}
			inst.next++
			inst.last = ts
			inst.eventIDs = append(inst.eventIDs, ev.ID)
			advanced = true
			if inst.next == len(p.Steps) {
				signals = append(signals, m.signal(p, key, inst))
				list = append(list[:i], list[i+1:]...)
			}
			break
		}

		if !advanced && ev.Type == p.first {
			inst := &instance{
				next:     1,
				start:    ts,
				last:     ts,
				eventIDs: []string{ev.ID},
				seq:      atomic.AddUint64(&m.seq, 1),
			}
			if len(p.Steps) == 1 {
				signals = append(signals, m.signal(p, key, inst))
			} else {
				if len(list) >= m.maxPerKey {
					evict := len(list) - m.maxPerKey + 1
					list = append(list[:0], list[evict:]...)
					atomic.AddInt64(&m.evicted, int64(evict))
					metrics.PatternInstancesEvicted.WithLabelValues(p.Name).Add(float64(evict))
				}
				list = append(list, inst)
			}
		}

		if len(list) == 0 {
			delete(sh.instances, ik)
		} else {
			sh.instances[ik] = list
		}
	}
	return signals
}

func (m *Matcher) signal(p *compiledSequence, key string, inst *instance) Signal {
	m.logger.Debug("sequence matched",
		zap.String("pattern", p.Name),
		zap.String("key", key),
		zap.Int("events", len(inst.eventIDs)))
	return Signal{
		Pattern:  p.Name,
		Kind:     KindSequence,
		Key:      key,
		EventIDs: append([]string(nil), inst.eventIDs...),
		Start:    time.UnixMilli(inst.start).UTC(),
		End:      time.UnixMilli(inst.last).UTC(),
		Severity: p.Severity,
	}
}

// Sweep discards instances whose window has passed relative to now (event
// time, usually the watermark). It bounds memory for keys that stop
// receiving events.
func (m *Matcher) Sweep(now time.Time) int {
	within := make(map[string]int64, len(m.sequences))
	for _, p := range m.sequences {
		within[p.Name] = p.withinMs
	}
	cutoff := now.UnixMilli()
	removed := 0

	for _, sh := range m.shards {
		sh.mu.Lock()
		for ik, list := range sh.instances {
			w, ok := within[ik.pattern]
			if !ok {
				removed += len(list)
				delete(sh.instances, ik)
				continue
			}
			kept := list[:0]
			for _, inst := range list {
				if cutoff-inst.start > w {
					removed++
					continue
				}
				kept = append(kept, inst)
			}
			if len(kept) == 0 {
				delete(sh.instances, ik)
			} else {
				sh.instances[ik] = kept
			}
		}
		sh.mu.Unlock()
	}

	if removed > 0 {
		atomic.AddInt64(&m.expired, int64(removed))
		m.logger.Debug("swept expired pattern instances", zap.Int("count", removed))
	}
	return removed
}

// GetStats returns matcher counters
func (m *Matcher) GetStats() Stats {
	st := Stats{
		Matches: atomic.LoadInt64(&m.matches),
		Expired: atomic.LoadInt64(&m.expired),
		Evicted: atomic.LoadInt64(&m.evicted),
		Resets:  atomic.LoadInt64(&m.resets),
	}
	for _, sh := range m.shards {
		sh.mu.Lock()
		for _, list := range sh.instances {
			st.Active += len(list)
		}
		sh.mu.Unlock()
	}
	return st
}

// sortInstances orders by creation so the oldest instance advances first
func sortInstances(list []*instance) {
	sort.Slice(list, func(a, b int) bool { return list[a].seq < list[b].seq })
}
