// Package quality reduces raw media transport statistics to a bounded
// quality score and samples them periodically for a live call.
package quality

import (
	"math"
	"time"
)

const (
	MaxScore = 5.0
	MinScore = 1.0
)

// Stats are raw transport statistics pulled from the active media path.
type Stats struct {
	// PacketLoss is a percentage in [0, 100].
	PacketLoss    float64
	Jitter        time.Duration
	RoundTripTime time.Duration
	// AudioLevel is normalized to [0, 1].
	AudioLevel float64
	// ConnectionType is the selected candidate type (host, srflx, prflx, relay) when known.
	ConnectionType string
}

// Score applies the fixed penalty table and returns a value in [1, 5]
// rounded to the nearest 0.5. Non-finite inputs carry no penalty.
func Score(s Stats) float64 {
	score := MaxScore

	switch {
	case s.PacketLoss > 5:
		score -= 2
	case s.PacketLoss > 1:
		score -= 1
	}

	jitterMs := ms(s.Jitter)
	switch {
	case jitterMs > 100:
		score -= 1
	case jitterMs > 50:
		score -= 0.5
	}

	rttMs := ms(s.RoundTripTime)
	switch {
	case rttMs > 300:
		score -= 1
	case rttMs > 150:
		score -= 0.5
	}

	if s.AudioLevel < 0.1 {
		score -= 0.5
	}

	return roundHalf(clamp(score))
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return MinScore
	}
	return math.Max(MinScore, math.Min(MaxScore, v))
}

func roundHalf(v float64) float64 {
	return math.Round(v*2) / 2
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Metrics is the quality snapshot stored on a call session.
type Metrics struct {
	AudioLevel      float64   `json:"audioLevel"`
	PacketLoss      float64   `json:"packetLoss"`
	JitterMs        float64   `json:"jitter"`
	RoundTripTimeMs float64   `json:"roundTripTime"`
	QualityScore    float64   `json:"qualityScore"`
	ConnectionType  string    `json:"connectionType,omitempty"`
	SampledAt       time.Time `json:"sampledAt,omitempty"`
}

// Initial is the snapshot of a session that has not been sampled yet.
func Initial() Metrics {
	return Metrics{QualityScore: MaxScore}
}

// FromStats scores s and converts it into a Metrics snapshot.
func FromStats(s Stats, at time.Time) Metrics {
	return Metrics{
		AudioLevel:      s.AudioLevel,
		PacketLoss:      s.PacketLoss,
		JitterMs:        ms(s.Jitter),
		RoundTripTimeMs: ms(s.RoundTripTime),
		QualityScore:    Score(s),
		ConnectionType:  s.ConnectionType,
		SampledAt:       at.UTC(),
	}
}
