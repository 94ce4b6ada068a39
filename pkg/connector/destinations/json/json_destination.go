package json

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ajitpratap0/streamcore/pkg/config"
	"github.com/ajitpratap0/streamcore/pkg/connector/core"
	"github.com/ajitpratap0/streamcore/pkg/errors"
	"github.com/ajitpratap0/streamcore/pkg/models"
	"github.com/ajitpratap0/streamcore/pkg/pool"
)

// JSONDestination writes one JSON line per event to a file or stdout
type JSONDestination struct {
	name   string
	mu     sync.Mutex
	writer *bufio.Writer
	closer io.Closer
	logger *zap.Logger

	recordsWritten int64
	bytesWritten   int64
	batches        int64
}

// NewJSONDestination creates cfg.Path (and its directory) or writes to
// stdout when the path is empty or "-"
func NewJSONDestination(cfg *config.ConnectorConfig, logger *zap.Logger) (core.Sink, error) {
	name := cfg.Name
	if name == "" {
		name = "jsonl"
	}
	if cfg.Path == "" || cfg.Path == "-" {
		return NewWriterDestination(name, os.Stdout, logger), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create output directory")
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to open output file")
	}
	d := NewWriterDestination(name, f, logger)
	d.closer = f
	return d, nil
}

// NewWriterDestination writes events to w
func NewWriterDestination(name string, w io.Writer, logger *zap.Logger) *JSONDestination {
	return &JSONDestination{
		name:   name,
		writer: bufio.NewWriterSize(w, 64*1024),
		logger: logger.With(zap.String("component", "jsonl_sink"), zap.String("sink", name)),
	}
}

// Name returns the sink name
func (d *JSONDestination) Name() string { return d.name }

// Deliver encodes the whole batch before writing, so an encode failure
// writes nothing. A failed flush may leave part of the batch written; a retry
// writes it again.
func (d *JSONDestination) Deliver(ctx context.Context, batch *models.Batch) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTimeout, "delivery cancelled")
	}

	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)
	for _, ev := range batch.Events {
		b, err := core.EncodeEvent(ev)
		if err != nil {
			return err
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}
	written := int64(buf.Len())

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.writer.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to write batch")
	}
	if err := d.writer.Flush(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to flush output")
	}

	atomic.AddInt64(&d.recordsWritten, int64(batch.Len()))
	atomic.AddInt64(&d.bytesWritten, written)
	atomic.AddInt64(&d.batches, 1)
	return nil
}

// Close flushes and closes the output; stdout is left open
func (d *JSONDestination) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writer.Flush(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to flush output")
	}
	if d.closer != nil {
		return d.closer.Close()
	}
	return nil
}

// Metrics returns write counters and the shared buffer pool's reuse
func (d *JSONDestination) Metrics() map[string]interface{} {
	allocated, inUse, gets := pool.BufferStats()
	return map[string]interface{}{
		"records_written":   atomic.LoadInt64(&d.recordsWritten),
		"bytes_written":     atomic.LoadInt64(&d.bytesWritten),
		"batches":           atomic.LoadInt64(&d.batches),
		"buffers_allocated": allocated,
		"buffers_in_use":    inUse,
		"buffer_gets":       gets,
	}
}
