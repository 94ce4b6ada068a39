// Package core defines the boundary between streamcore and the systems it
// reads from and writes to.
package core

import (
	"context"

	"github.com/ajitpratap0/streamcore/pkg/models"
)

// ConnectorType represents the type of connector
type ConnectorType string

const (
	ConnectorTypeSource ConnectorType = "source"
	ConnectorTypeSink   ConnectorType = "sink"
)

// Emitter hands one event to the engine. A returned error of type closed
// means the engine stopped admitting and the source should return.
type Emitter func(ctx context.Context, ev *models.Event) error

// Source produces events until its input is exhausted or ctx is done
type Source interface {
	Name() string
	// Run blocks, emitting every event it reads. It returns nil when the
	// input ends or ctx is cancelled.
	Run(ctx context.Context, emit Emitter) error
	Close() error
	Metrics() map[string]interface{}
}

// Sink receives formatted batches. Deliver must be safe to retry with the
// same batch.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, batch *models.Batch) error
	Close() error
	Metrics() map[string]interface{}
}
