package window

import (
	"math"
	"sort"
)

// Aggregate is the running summary of a window: count, sum, min, max and
// a bounded reservoir of the most recent values for percentile estimates.
type Aggregate struct {
	Count     int64     `json:"count"`
	Values    int64     `json:"values"`
	Sum       float64   `json:"sum"`
	Min       float64   `json:"min"`
	Max       float64   `json:"max"`
	Reservoir []float64 `json:"reservoir,omitempty"`
	// Next is the ring position the next value overwrites once full
	Next int `json:"next"`
	Cap  int `json:"cap"`
}

func newAggregate(reservoirSize int) *Aggregate {
	if reservoirSize <= 0 {
		reservoirSize = 1
	}
	return &Aggregate{Cap: reservoirSize}
}

// Add counts one event. value is nil for events without a measure.
func (a *Aggregate) Add(value *float64) {
	a.Count++
	if value == nil {
		return
	}
	v := *value
	if a.Values == 0 {
		a.Min, a.Max = v, v
	} else {
		a.Min = math.Min(a.Min, v)
		a.Max = math.Max(a.Max, v)
	}
	a.Values++
	a.Sum += v

	if len(a.Reservoir) < a.Cap {
		a.Reservoir = append(a.Reservoir, v)
		return
	}
	a.Reservoir[a.Next] = v
	a.Next = (a.Next + 1) % a.Cap
}

// Merge folds other into a. Reservoir values of other are appended in
// order, so the ring keeps the most recent ones.
func (a *Aggregate) Merge(other *Aggregate) {
	if other == nil {
		return
	}
	a.Count += other.Count
	if other.Values > 0 {
		if a.Values == 0 {
			a.Min, a.Max = other.Min, other.Max
		} else {
			a.Min = math.Min(a.Min, other.Min)
			a.Max = math.Max(a.Max, other.Max)
		}
		a.Values += other.Values
		a.Sum += other.Sum
	}
	for _, v := range other.ordered() {
		if len(a.Reservoir) < a.Cap {
			a.Reservoir = append(a.Reservoir, v)
			continue
		}
		a.Reservoir[a.Next] = v
		a.Next = (a.Next + 1) % a.Cap
	}
}

// ordered returns reservoir values oldest first
func (a *Aggregate) ordered() []float64 {
	if len(a.Reservoir) < a.Cap {
		return a.Reservoir
	}
	out := make([]float64, 0, len(a.Reservoir))
	out = append(out, a.Reservoir[a.Next:]...)
	return append(out, a.Reservoir[:a.Next]...)
}

// Mean of the measured values, 0 when none were seen
func (a *Aggregate) Mean() float64 {
	if a.Values == 0 {
		return 0
	}
	return a.Sum / float64(a.Values)
}

// Percentile estimates the p-th percentile (0-100) from the reservoir
// using nearest rank.
func (a *Aggregate) Percentile(p float64) float64 {
	n := len(a.Reservoir)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), a.Reservoir...)
	sort.Float64s(sorted)
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[n-1]
	}
	rank := int(math.Ceil(p / 100 * float64(n)))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// Metric resolves a named metric: count, sum, min, max, avg, p50, p90, p95, p99.
func (a *Aggregate) Metric(name string) (float64, bool) {
	switch name {
	case "count":
		return float64(a.Count), true
	case "sum":
		return a.Sum, true
	case "min":
		return a.Min, a.Values > 0
	case "max":
		return a.Max, a.Values > 0
	case "avg", "mean":
		return a.Mean(), a.Values > 0
	case "p50":
		return a.Percentile(50), a.Values > 0
	case "p90":
		return a.Percentile(90), a.Values > 0
	case "p95":
		return a.Percentile(95), a.Values > 0
	case "p99":
		return a.Percentile(99), a.Values > 0
	default:
		return 0, false
	}
}

// Clone returns a deep copy
func (a *Aggregate) Clone() *Aggregate {
	c := *a
	c.Reservoir = append([]float64(nil), a.Reservoir...)
	return &c
}
