package window

import (
	"sync"
	"time"
)

// Watermark tracks event-time progress: no event older than the watermark
// is expected any more. It is max event time minus the tolerated lag, never
// moves backwards, and can advance on processing time when the input goes
// idle so open windows still close.
type Watermark struct {
	mu           sync.RWMutex
	current      time.Time
	maxEventTime time.Time
	lastEventAt  time.Time
	lag          time.Duration
	idleTimeout  time.Duration
	clock        func() time.Time
}

// NewWatermark creates a watermark. idleTimeout 0 disables idle advance;
// clock nil means time.Now.
func NewWatermark(lag, idleTimeout time.Duration, clock func() time.Time) *Watermark {
	if clock == nil {
		clock = time.Now
	}
	return &Watermark{lag: lag, idleTimeout: idleTimeout, clock: clock}
}

// Observe records an event time
func (w *Watermark) Observe(eventTime time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastEventAt = w.clock()
	if w.maxEventTime.IsZero() || eventTime.After(w.maxEventTime) {
		w.maxEventTime = eventTime
		w.raise(eventTime.Add(-w.lag))
	}
}

// Advance applies the idle rule and returns the current watermark
func (w *Watermark) Advance() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.idleTimeout > 0 && !w.lastEventAt.IsZero() {
		now := w.clock()
		if now.Sub(w.lastEventAt) > w.idleTimeout {
			w.raise(now.Add(-w.lag))
		}
	}
	return w.current
}

// Current returns the watermark without advancing it
func (w *Watermark) Current() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Restore sets the watermark from a checkpoint
func (w *Watermark) Restore(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.current = t
	w.maxEventTime = time.Time{}
	if !t.IsZero() {
		w.maxEventTime = t.Add(w.lag)
	}
}

func (w *Watermark) raise(t time.Time) {
	if t.After(w.current) {
		w.current = t
	}
}
