// Package dedup implements exactly-once admission for ingested events.
//
// Every admitted event id is remembered for a configurable horizon
// (defaulting to the checkpoint interval). A redelivery of a remembered id
// is reported as a Duplicate and must be dropped by the caller.
//
// Limitation: the guarantee is bounded by the horizon. An id redelivered
// after its record has been evicted is admitted again and will be processed
// twice. Size the horizon to cover the longest producer redelivery delay
// plus the checkpoint interval.
package dedup

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// Result of an admission check
type Result int

const (
	// Accepted means the id was not seen within the horizon
	Accepted Result = iota
	// Duplicate means the id was admitted before and is still remembered
	Duplicate
)

func (r Result) String() string {
	if r == Duplicate {
		return "duplicate"
	}
	return "accepted"
}

// Config configures the store
type Config struct {
	Horizon time.Duration
	// Shards splits the id space to reduce lock contention
	Shards int
	// Clock returns processing time; nil means time.Now
	Clock func() time.Time
}

// DefaultConfig returns a 30s horizon over 16 shards
func DefaultConfig() *Config {
	return &Config{
		Horizon: 30 * time.Second,
		Shards:  16,
	}
}

// Record is one remembered id
type Record struct {
	ID        string    `json:"id"`
	FirstSeen time.Time `json:"first_seen"`
}

// Snapshot is the serializable content of the store
type Snapshot struct {
	Records []Record `json:"records"`
}

// Stats is a point-in-time view of the store
type Stats struct {
	Size       int   `json:"size"`
	Admitted   int64 `json:"admitted"`
	Duplicates int64 `json:"duplicates"`
	Evicted    int64 `json:"evicted"`
}

// Store remembers admitted ids for the horizon
type Store struct {
	horizon time.Duration
	clock   func() time.Time
	shards  []*shard
	logger  *zap.Logger

	admitted   int64
	duplicates int64
	evicted    int64
}

// shard keeps its ids in a map plus an index sorted by first-seen time so
// expiry is a prefix cut.
type shard struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	index []Record
}

// NewStore creates a dedup store
func NewStore(config *Config, logger *zap.Logger) *Store {
	if config == nil {
		config = DefaultConfig()
	}
	n := config.Shards
	if n <= 0 {
		n = 16
	}
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}

	s := &Store{
		horizon: config.Horizon,
		clock:   clock,
		shards:  make([]*shard, n),
		logger:  logger.With(zap.String("component", "dedup_store")),
	}
	for i := range s.shards {
		s.shards[i] = &shard{seen: make(map[string]time.Time)}
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	return s.shards[xxhash.Sum64String(id)%uint64(len(s.shards))]
}

// Admit records id and reports whether it was already admitted within the
// horizon. Expired ids in the same shard are evicted first.
func (s *Store) Admit(id string) Result {
	now := s.clock()
	sh := s.shardFor(id)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if n := sh.expire(now.Add(-s.horizon)); n > 0 {
		atomic.AddInt64(&s.evicted, int64(n))
	}

	if _, ok := sh.seen[id]; ok {
		atomic.AddInt64(&s.duplicates, 1)
		return Duplicate
	}

	sh.seen[id] = now
	sh.insert(Record{ID: id, FirstSeen: now})
	atomic.AddInt64(&s.admitted, 1)
	return Accepted
}

// Forget removes id so a later Admit accepts it again. It is used when an
// admitted event could not be enqueued.
func (s *Store) Forget(id string) bool {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.seen[id]; !ok {
		return false
	}
	delete(sh.seen, id)
	for i := len(sh.index) - 1; i >= 0; i-- {
		if sh.index[i].ID == id {
			sh.index = append(sh.index[:i], sh.index[i+1:]...)
			break
		}
	}
	return true
}

// Contains reports whether id is currently remembered
func (s *Store) Contains(id string) bool {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.seen[id]
	return ok
}

// Sweep evicts every id older than the horizon and returns how many were removed
func (s *Store) Sweep() int {
	cutoff := s.clock().Add(-s.horizon)
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += sh.expire(cutoff)
		sh.mu.Unlock()
	}
	if total > 0 {
		atomic.AddInt64(&s.evicted, int64(total))
		s.logger.Debug("swept dedup records", zap.Int("evicted", total))
	}
	return total
}

// Len returns the number of remembered ids
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.seen)
		sh.mu.Unlock()
	}
	return n
}

// Snapshot copies the remembered ids
func (s *Store) Snapshot() Snapshot {
	var out []Record
	for _, sh := range s.shards {
		sh.mu.Lock()
		out = append(out, sh.index...)
		sh.mu.Unlock()
	}
	sort.Slice(out, func(a, b int) bool { return out[a].FirstSeen.Before(out[b].FirstSeen) })
	return Snapshot{Records: out}
}

// Restore replaces the store content with snap
func (s *Store) Restore(snap Snapshot) {
	fresh := make([]*shard, len(s.shards))
	for i := range fresh {
		fresh[i] = &shard{seen: make(map[string]time.Time)}
	}
	for _, r := range snap.Records {
		sh := fresh[xxhash.Sum64String(r.ID)%uint64(len(fresh))]
		if _, ok := sh.seen[r.ID]; ok {
			continue
		}
		sh.seen[r.ID] = r.FirstSeen
		sh.insert(r)
	}

	for i, sh := range s.shards {
		sh.mu.Lock()
		sh.seen = fresh[i].seen
		sh.index = fresh[i].index
		sh.mu.Unlock()
	}
	s.logger.Info("restored dedup records", zap.Int("records", len(snap.Records)))
}

// GetStats returns counters and current size
func (s *Store) GetStats() Stats {
	return Stats{
		Size:       s.Len(),
		Admitted:   atomic.LoadInt64(&s.admitted),
		Duplicates: atomic.LoadInt64(&s.duplicates),
		Evicted:    atomic.LoadInt64(&s.evicted),
	}
}

// insert keeps the index ordered. Processing time is almost always
// non-decreasing, so the append path is the common case.
func (sh *shard) insert(r Record) {
	n := len(sh.index)
	if n == 0 || !r.FirstSeen.Before(sh.index[n-1].FirstSeen) {
		sh.index = append(sh.index, r)
		return
	}
	pos := sort.Search(n, func(i int) bool { return sh.index[i].FirstSeen.After(r.FirstSeen) })
	sh.index = append(sh.index, Record{})
	copy(sh.index[pos+1:], sh.index[pos:])
	sh.index[pos] = r
}

// expire removes records first seen before cutoff
func (sh *shard) expire(cutoff time.Time) int {
	idx := sort.Search(len(sh.index), func(i int) bool {
		return !sh.index[i].FirstSeen.Before(cutoff)
	})
	for i := 0; i < idx; i++ {
		delete(sh.seen, sh.index[i].ID)
	}
	sh.index = sh.index[idx:]
	return idx
}
