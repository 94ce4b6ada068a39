package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ajitpratap0/streamcore/pkg/errors"
	"github.com/ajitpratap0/streamcore/pkg/models"
)

// Connection is a bounded FIFO between two topology nodes. Only the
// producer side pushes and only the consumer side reads C().
type Connection struct {
	from     string
	to       string
	capacity int
	ch       chan *models.Event

	// mu makes Close wait for in-flight pushes; pushes hold it shared
	mu     sync.RWMutex
	closed bool

	pushed int64
	popped int64
}

func newConnection(from, to string, capacity int) *Connection {
	if capacity <= 0 {
		capacity = 1
	}
	return &Connection{
		from:     from,
		to:       to,
		capacity: capacity,
		ch:       make(chan *models.Event, capacity),
	}
}

// Name is "from->to"
func (c *Connection) Name() string { return c.from + "->" + c.to }

// From is the producer node
func (c *Connection) From() string { return c.from }

// To is the consumer node
func (c *Connection) To() string { return c.to }

// Capacity is the maximum number of queued events
func (c *Connection) Capacity() int { return c.capacity }

// Len is the number of queued events
func (c *Connection) Len() int { return len(c.ch) }

// Occupancy is queued/capacity in [0,1]
func (c *Connection) Occupancy() float64 {
	return float64(len(c.ch)) / float64(c.capacity)
}

// Push enqueues ev, blocking while the queue is full until ctx is done
func (c *Connection) Push(ctx context.Context, ev *models.Event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return errors.Newf(errors.ErrorTypeClosed, "connection %s is closed", c.Name())
	}
	select {
	case c.ch <- ev:
		atomic.AddInt64(&c.pushed, 1)
		return nil
	default:
	}
	select {
	case c.ch <- ev:
		atomic.AddInt64(&c.pushed, 1)
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "push to "+c.Name()+" cancelled")
	}
}

// C is the consumer side. It is closed after Close once drained.
func (c *Connection) C() <-chan *models.Event { return c.ch }

func (c *Connection) markPopped() { atomic.AddInt64(&c.popped, 1) }

// Close stops accepting pushes. Queued events stay readable.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}

// ConnectionStats is a point-in-time view of a connection
type ConnectionStats struct {
	Name      string  `json:"name"`
	Queued    int     `json:"queued"`
	Capacity  int     `json:"capacity"`
	Occupancy float64 `json:"occupancy"`
	Pushed    int64   `json:"pushed"`
	Popped    int64   `json:"popped"`
}

// GetStats returns connection counters
func (c *Connection) GetStats() ConnectionStats {
	return ConnectionStats{
		Name:      c.Name(),
		Queued:    c.Len(),
		Capacity:  c.capacity,
		Occupancy: c.Occupancy(),
		Pushed:    atomic.LoadInt64(&c.pushed),
		Popped:    atomic.LoadInt64(&c.popped),
	}
}
