// Package models provides the data types that travel through streamcore:
// the event envelope, the alert records emitted on the alert stream, and
// the batches handed to sinks.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope every ingested item travels in.
//
// Payload is opaque to the core. It is usually a map[string]interface{},
// but sources may hand over raw JSON ([]byte or string) and leave decoding
// to the parse stage.
type Event struct {
	// ID is unique per logical event and drives exactly-once admission
	ID string `json:"id"`
	// Type names the kind of event (e.g. "login_failed")
	Type string `json:"type"`
	// Timestamp is producer time and may arrive out of order
	Timestamp time.Time `json:"timestamp"`
	// Payload carries the event body
	Payload interface{} `json:"payload"`
	// Metadata is mutated by pipeline stages
	Metadata EventMetadata `json:"metadata"`
}

// EventMetadata holds everything stages learn about an event in flight.
type EventMetadata struct {
	Source       string                   `json:"source,omitempty"`
	PartitionKey string                   `json:"partition_key,omitempty"`
	Route        string                   `json:"route,omitempty"`
	Measure      *float64                 `json:"measure,omitempty"`
	IngestedAt   time.Time                `json:"ingested_at"`
	StageLatency map[string]time.Duration `json:"stage_latency,omitempty"`
	Annotations  map[string]interface{}   `json:"annotations,omitempty"`
	Attempts     int                      `json:"attempts,omitempty"`
	Error        string                   `json:"error,omitempty"`
	Formatted    []byte                   `json:"-"`
}

// NewEventID returns a fresh event identifier
func NewEventID() string {
	return uuid.NewString()
}

// NewEvent creates an event with a generated id
func NewEvent(eventType string, ts time.Time, payload map[string]interface{}) *Event {
	return &Event{
		ID:        NewEventID(),
		Type:      eventType,
		Timestamp: ts,
		Payload:   payload,
	}
}

// Key returns the partition key used for worker routing and keyed state.
// Events without an explicit key fall back to their type.
func (e *Event) Key() string {
	if e.Metadata.PartitionKey != "" {
		return e.Metadata.PartitionKey
	}
	return e.Type
}

// TimestampMillis returns the event time in milliseconds since the epoch
func (e *Event) TimestampMillis() int64 {
	return e.Timestamp.UnixMilli()
}

// Fields returns the payload as a map, or nil when it has not been decoded
func (e *Event) Fields() map[string]interface{} {
	m, _ := e.Payload.(map[string]interface{})
	return m
}

// Field looks up a payload field. Dotted paths descend into nested maps.
func (e *Event) Field(path string) (interface{}, bool) {
	cur := e.Fields()
	if cur == nil {
		return nil, false
	}
	parts := strings.Split(path, ".")
	for i, p := range parts {
		v, ok := cur[p]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		next, ok := v.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur = next
	}
	return nil, false
}

// SetField writes a top-level payload field, decoding the payload into a
// map first if it is empty.
func (e *Event) SetField(name string, value interface{}) {
	m := e.Fields()
	if m == nil {
		m = make(map[string]interface{})
		e.Payload = m
	}
	m[name] = value
}

// Annotate attaches a stage annotation
func (e *Event) Annotate(key string, value interface{}) {
	if e.Metadata.Annotations == nil {
		e.Metadata.Annotations = make(map[string]interface{})
	}
	e.Metadata.Annotations[key] = value
}

// Annotation reads a stage annotation
func (e *Event) Annotation(key string) (interface{}, bool) {
	v, ok := e.Metadata.Annotations[key]
	return v, ok
}

// RecordStageLatency stores how long a stage took for this event
func (e *Event) RecordStageLatency(stage string, d time.Duration) {
	if e.Metadata.StageLatency == nil {
		e.Metadata.StageLatency = make(map[string]time.Duration, 16)
	}
	e.Metadata.StageLatency[stage] = d
}

// Clone returns a copy that can travel down a separate branch. Maps are
// copied one level deep so sibling branches never share mutable state.
func (e *Event) Clone() *Event {
	c := *e
	if m := e.Fields(); m != nil {
		cp := make(map[string]interface{}, len(m))
		for k, v := range m {
			cp[k] = v
		}
		c.Payload = cp
	}
	if e.Metadata.Measure != nil {
		v := *e.Metadata.Measure
		c.Metadata.Measure = &v
	}
	if e.Metadata.StageLatency != nil {
		c.Metadata.StageLatency = make(map[string]time.Duration, len(e.Metadata.StageLatency))
		for k, v := range e.Metadata.StageLatency {
			c.Metadata.StageLatency[k] = v
		}
	}
	if e.Metadata.Annotations != nil {
		c.Metadata.Annotations = make(map[string]interface{}, len(e.Metadata.Annotations))
		for k, v := range e.Metadata.Annotations {
			c.Metadata.Annotations[k] = v
		}
	}
	if e.Metadata.Formatted != nil {
		c.Metadata.Formatted = append([]byte(nil), e.Metadata.Formatted...)
	}
	return &c
}
