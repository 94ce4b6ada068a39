// Package pipeline defines types for the stream processing topology
package pipeline

import (
	"context"
	"time"

	"github.com/ajitpratap0/streamcore/pkg/models"
)

// StageName identifies a pipeline stage
type StageName string

const (
	StageValidate  StageName = "validate"
	StageParse     StageName = "parse"
	StageEnrich    StageName = "enrich"
	StageRoute     StageName = "route"
	StageFilter    StageName = "filter"
	StageMap       StageName = "map"
	StageAggregate StageName = "aggregate"
	StageJoin      StageName = "join"
	StageWindow    StageName = "window"
	StageCompute   StageName = "compute"
	StageDetect    StageName = "detect"
	StageAlert     StageName = "alert"
	StageFormat    StageName = "format"
	StageBatch     StageName = "batch"
	StageCompress  StageName = "compress"
	StageDeliver   StageName = "deliver"
)

// CanonicalOrder is the fixed order processor stages run in. A processor
// may omit stages but never reorders them. batch, compress and deliver are
// run per sink by the delivery manager.
var CanonicalOrder = []StageName{
	StageValidate, StageParse, StageEnrich, StageRoute, StageFilter, StageMap,
	StageAggregate, StageJoin, StageWindow, StageCompute, StageDetect, StageAlert,
	StageFormat, StageBatch, StageCompress, StageDeliver,
}

// StageFunc transforms an event. Returning a nil event filters it out.
type StageFunc func(ctx context.Context, ev *models.Event) (*models.Event, error)

// Stage is one step of a processor
type Stage struct {
	Name StageName
	Fn   StageFunc
	// External stages call out of process and run under the stage timeout
	External bool
	// Stateful stages touch checkpointed state and run under the cut read lock
	Stateful bool
}

// ParallelismSpec bounds a processor's worker pool
type ParallelismSpec struct {
	Min     int `json:"min"`
	Max     int `json:"max"`
	Initial int `json:"initial"`
}

func (p ParallelismSpec) clamp(n int) int {
	if n < p.Min {
		n = p.Min
	}
	if p.Max > 0 && n > p.Max {
		n = p.Max
	}
	if n < 1 {
		n = 1
	}
	return n
}

// ProcessorSpec declares a processor node
type ProcessorSpec struct {
	Name        string
	Stages      []Stage
	Parallelism ParallelismSpec
}

// Sink receives formatted batches. Deliver must be safe to retry.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, batch *models.Batch) error
}

// Dead-letter reasons
const (
	ReasonValidation       = "validation"
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonStageError       = "stage_error"
	ReasonPanic            = "panic"
	ReasonDeliveryFailed   = "delivery_failed"
	ReasonCircuitOpen      = "circuit_open"
	ReasonShutdown         = "shutdown"
)

// DeadLetterRecord is an event that could not be processed or delivered
type DeadLetterRecord struct {
	Event        *models.Event `json:"event"`
	Source       string        `json:"source"`
	Processor    string        `json:"processor,omitempty"`
	Stage        string        `json:"stage"`
	Reason       string        `json:"reason"`
	Error        string        `json:"error"`
	Retries      int           `json:"retries"`
	FirstFailure time.Time     `json:"first_failure"`
	LastFailure  time.Time     `json:"last_failure"`
	WorkerID     int           `json:"worker_id,omitempty"`
}

// ControlType is the kind of a flow-control signal
type ControlType string

const (
	ControlTypePause  ControlType = "pause"
	ControlTypeResume ControlType = "resume"
)

// ControlSignal is returned by a backpressure sample that raised or
// cleared a connection's signal
type ControlSignal struct {
	Type       ControlType `json:"type"`
	Connection string      `json:"connection"`
	Occupancy  float64     `json:"occupancy"`
	Timestamp  time.Time   `json:"timestamp"`
}

// SubmitResult reports what happened to a submitted event
type SubmitResult int

const (
	// Enqueued means the event entered the topology
	Enqueued SubmitResult = iota
	// Duplicate means the id was admitted before and the event was dropped
	Duplicate
	// Rejected accompanies an error; the event was not admitted
	Rejected
)

func (r SubmitResult) String() string {
	switch r {
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	default:
		return "enqueued"
	}
}
