package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type counter struct{ n int }

func TestPoolResetsOnPut(t *testing.T) {
	p := New(func() *counter { return &counter{} }, func(c *counter) { c.n = 0 })

	c := p.Get()
	c.n = 42
	_, inUse, _ := p.Stats()
	assert.EqualValues(t, 1, inUse)

	p.Put(c)
	assert.Equal(t, 0, c.n)

	allocated, inUse, gets := p.Stats()
	assert.EqualValues(t, 0, inUse)
	assert.EqualValues(t, 1, gets)
	assert.EqualValues(t, 1, allocated)
}

func TestBufferPool(t *testing.T) {
	buf := GetBuffer()
	buf.WriteString("payload")
	PutBuffer(buf)
	assert.Zero(t, buf.Len(), "buffers are reset on return")

	big := GetBuffer()
	big.Grow(maxPooledBuffer + 1)
	_, before, _ := BufferStats()
	PutBuffer(big)
	_, after, _ := BufferStats()
	assert.Equal(t, before-1, after)

	PutBuffer(nil)
}
