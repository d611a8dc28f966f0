package quality

import "sync"

// Report summarizes every sample taken during a call.
type Report struct {
	Samples int     `json:"samples"`
	Average float64 `json:"average"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Last    Metrics `json:"last"`
}

// Aggregator accumulates samples into a Report. Safe for concurrent use.
type Aggregator struct {
	mu   sync.Mutex
	n    int
	sum  float64
	min  float64
	max  float64
	last Metrics
}

func (a *Aggregator) Add(m Metrics) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.n == 0 || m.QualityScore < a.min {
		a.min = m.QualityScore
	}
	if a.n == 0 || m.QualityScore > a.max {
		a.max = m.QualityScore
	}
	a.n++
	a.sum += m.QualityScore
	a.last = m
}

// Report returns the summary so far. With no samples, scores are reported as
// the starting score so an unsampled call does not read as a poor one.
func (a *Aggregator) Report() Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.n == 0 {
		return Report{Average: MaxScore, Min: MaxScore, Max: MaxScore, Last: Initial()}
	}
	return Report{
		Samples: a.n,
		Average: roundHalf(a.sum / float64(a.n)),
		Min:     a.min,
		Max:     a.max,
		Last:    a.last,
	}
}
