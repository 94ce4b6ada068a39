package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/ajitpratap0/streamcore/pkg/models"
)

// captureSink records delivered batches. The first failures calls fail
// with err.
type captureSink struct {
	name string

	mu       sync.Mutex
	batches  []*models.Batch
	calls    int
	failures int
	err      error
}

func newCaptureSink(name string) *captureSink {
	return &captureSink{name: name}
}

func (s *captureSink) Name() string { return s.name }

func (s *captureSink) Deliver(_ context.Context, batch *models.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return s.err
	}
	s.batches = append(s.batches, batch)
	return nil
}

func (s *captureSink) failNext(n int, err error) {
	s.mu.Lock()
	s.failures = n
	s.err = err
	s.mu.Unlock()
}

func (s *captureSink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *captureSink) Batches() []*models.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Batch(nil), s.batches...)
}

func (s *captureSink) Events() []*models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Event
	for _, b := range s.batches {
		out = append(out, b.Events...)
	}
	return out
}

func passStage(name StageName) Stage {
	return Stage{Name: name, Fn: func(_ context.Context, ev *models.Event) (*models.Event, error) {
		return ev, nil
	}}
}

func noSleep(context.Context, time.Duration) error { return nil }

func testEvent(id, typ string, tsMillis int64) *models.Event {
	return &models.Event{
		ID:        id,
		Type:      typ,
		Timestamp: time.UnixMilli(tsMillis),
		Payload:   map[string]interface{}{},
		Metadata:  models.EventMetadata{Source: "src"},
	}
}
