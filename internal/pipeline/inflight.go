package pipeline

import "sync"

// inflight counts the live copies of every admitted event that has not yet
// left the topology. Fan-out adds copies; reaching a sink, being filtered
// or being dead-lettered settles one. A nil tracker ignores every call.
type inflight struct {
	mu   sync.Mutex
	refs map[string]int
}

func newInflight() *inflight {
	return &inflight{refs: make(map[string]int)}
}

func (f *inflight) add(id string, n int) {
	if f == nil || n <= 0 {
		return
	}
	f.mu.Lock()
	f.refs[id] += n
	f.mu.Unlock()
}

func (f *inflight) settle(id string) {
	if f == nil {
		return
	}
	f.mu.Lock()
	if n := f.refs[id]; n <= 1 {
		delete(f.refs, id)
	} else {
		f.refs[id] = n - 1
	}
	f.mu.Unlock()
}

// pending returns the ids with live copies
func (f *inflight) pending() map[string]struct{} {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]struct{}, len(f.refs))
	for id := range f.refs {
		out[id] = struct{}{}
	}
	return out
}

func (f *inflight) len() int {
	if f == nil {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refs)
}
