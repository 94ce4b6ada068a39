package dedup

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(horizon time.Duration) (*Store, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := NewStore(&Config{Horizon: horizon, Shards: 4, Clock: clock.Now}, zap.NewNop())
	return s, clock
}

func TestAdmitIsIdempotentWithinHorizon(t *testing.T) {
	s, clock := newTestStore(time.Minute)

	assert.Equal(t, Accepted, s.Admit("evt-1"))
	clock.Advance(30 * time.Second)
	assert.Equal(t, Duplicate, s.Admit("evt-1"))
	assert.Equal(t, Accepted, s.Admit("evt-2"))

	stats := s.GetStats()
	assert.EqualValues(t, 2, stats.Admitted)
	assert.EqualValues(t, 1, stats.Duplicates)
	assert.Equal(t, 2, stats.Size)
}

func TestIdIsRememberedForExactlyTheHorizon(t *testing.T) {
	s, clock := newTestStore(time.Minute)
	require.Equal(t, Accepted, s.Admit("evt-1"))

	clock.Advance(time.Minute)
	assert.Equal(t, Duplicate, s.Admit("evt-1"), "an id aged exactly the horizon is still remembered")

	clock.Advance(time.Nanosecond)
	assert.Equal(t, Accepted, s.Admit("evt-1"), "redelivery after the horizon is admitted again")
}

func TestSweepEvictsExpiredIds(t *testing.T) {
	s, clock := newTestStore(10 * time.Second)
	for i := 0; i < 20; i++ {
		s.Admit(fmt.Sprintf("old-%d", i))
	}
	clock.Advance(11 * time.Second)
	s.Admit("fresh")

	s.Sweep()
	assert.EqualValues(t, 20, s.GetStats().Evicted)
	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Contains("fresh"))
	assert.False(t, s.Contains("old-3"))
}

func TestSnapshotRestore(t *testing.T) {
	s, clock := newTestStore(time.Minute)
	s.Admit("a")
	clock.Advance(time.Second)
	s.Admit("b")

	snap := s.Snapshot()
	require.Len(t, snap.Records, 2)
	assert.Equal(t, "a", snap.Records[0].ID)

	restored := NewStore(&Config{Horizon: time.Minute, Shards: 8, Clock: clock.Now}, zap.NewNop())
	restored.Admit("stale-before-restore")
	restored.Restore(snap)

	assert.Equal(t, 2, restored.Len())
	assert.Equal(t, Duplicate, restored.Admit("a"))
	assert.Equal(t, Duplicate, restored.Admit("b"))
	assert.Equal(t, Accepted, restored.Admit("stale-before-restore"))
}

func TestConcurrentAdmitAcceptsEachIdOnce(t *testing.T) {
	s, _ := newTestStore(time.Hour)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				if s.Admit(fmt.Sprintf("evt-%d", i)) == Accepted {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 500, accepted)
	assert.EqualValues(t, 500*7, s.GetStats().Duplicates)
}

func TestForgetAllowsReadmission(t *testing.T) {
	s := NewStore(&Config{Horizon: time.Minute, Shards: 2}, zap.NewNop())

	require.Equal(t, Accepted, s.Admit("a"))
	require.Equal(t, Accepted, s.Admit("b"))
	assert.True(t, s.Forget("a"))
	assert.False(t, s.Forget("a"))

	assert.Equal(t, Accepted, s.Admit("a"))
	assert.Len(t, s.Snapshot().Records, 2)
}
