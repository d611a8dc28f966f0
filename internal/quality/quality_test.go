package quality

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScore(t *testing.T) {
	cases := []struct {
		name  string
		stats Stats
		want  float64
	}{
		{"clean", Stats{AudioLevel: 0.5}, 5},
		{"silence only", Stats{}, 4.5},
		{"minor loss", Stats{PacketLoss: 2, AudioLevel: 0.5}, 4},
		{"heavy loss", Stats{PacketLoss: 6, AudioLevel: 0.5}, 3},
		{"loss boundary is exclusive", Stats{PacketLoss: 5, AudioLevel: 0.5}, 4},
		{"moderate jitter and rtt", Stats{Jitter: 60 * time.Millisecond, RoundTripTime: 200 * time.Millisecond, AudioLevel: 0.5}, 4},
		{"loss 3 jitter 60 rtt 200 silent", Stats{PacketLoss: 3, Jitter: 60 * time.Millisecond, RoundTripTime: 200 * time.Millisecond, AudioLevel: 0.05}, 2.5},
		{"everything bad clamps to floor", Stats{PacketLoss: 50, Jitter: time.Second, RoundTripTime: time.Second, AudioLevel: 0}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Score(tc.stats))
		})
	}
}

func TestScore_PathologicalInputsStayInRange(t *testing.T) {
	inputs := []Stats{
		{PacketLoss: math.NaN(), AudioLevel: math.NaN()},
		{PacketLoss: math.Inf(1), Jitter: time.Duration(math.MaxInt64), RoundTripTime: time.Duration(math.MaxInt64)},
		{PacketLoss: -10, Jitter: -time.Second, RoundTripTime: -time.Second, AudioLevel: math.Inf(-1)},
	}
	for _, in := range inputs {
		s := Score(in)
		assert.GreaterOrEqual(t, s, MinScore)
		assert.LessOrEqual(t, s, MaxScore)
		assert.Equal(t, s, math.Round(s*2)/2, "score must be a multiple of 0.5")
	}
}

func TestFromStats_ConvertsUnits(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	m := FromStats(Stats{
		PacketLoss:     1.5,
		Jitter:         30 * time.Millisecond,
		RoundTripTime:  120 * time.Millisecond,
		AudioLevel:     0.4,
		ConnectionType: "relay",
	}, at)

	assert.Equal(t, 30.0, m.JitterMs)
	assert.Equal(t, 120.0, m.RoundTripTimeMs)
	assert.Equal(t, 4.0, m.QualityScore)
	assert.Equal(t, "relay", m.ConnectionType)
	assert.Equal(t, time.UTC, m.SampledAt.Location())
}

func TestSampler_DeliversSamplesUntilStopped(t *testing.T) {
	var mu sync.Mutex
	var got []Metrics
	src := SourceFunc(func(context.Context) (Stats, error) {
		return Stats{PacketLoss: 2, AudioLevel: 0.5}, nil
	})
	s := NewSampler(src, SamplerOptions{
		Interval: 5 * time.Millisecond,
		OnSample: func(m Metrics) {
			mu.Lock()
			got = append(got, m)
			mu.Unlock()
		},
	})

	require.True(t, s.Start())
	assert.False(t, s.Start(), "second start is a no-op")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 3
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	assert.False(t, s.Running())

	mu.Lock()
	n := len(got)
	assert.Equal(t, 4.0, got[0].QualityScore)
	mu.Unlock()

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, n, len(got), "no sample may be delivered after Stop returns")
	mu.Unlock()
}

func TestSampler_ErrorsDoNotStopSampling(t *testing.T) {
	var calls, errs atomic.Int32
	src := SourceFunc(func(context.Context) (Stats, error) {
		if calls.Add(1)%2 == 1 {
			return Stats{}, errors.New("stats unavailable")
		}
		return Stats{AudioLevel: 1}, nil
	})
	var samples atomic.Int32
	s := NewSampler(src, SamplerOptions{
		Interval: 5 * time.Millisecond,
		OnSample: func(Metrics) { samples.Add(1) },
		OnError:  func(error) { errs.Add(1) },
	})
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return samples.Load() >= 2 && errs.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestSampler_StopInterruptsSlowSource(t *testing.T) {
	entered := make(chan struct{}, 1)
	src := SourceFunc(func(ctx context.Context) (Stats, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return Stats{}, ctx.Err()
	})
	s := NewSampler(src, SamplerOptions{Interval: 5 * time.Millisecond})
	s.Start()
	<-entered

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a slow source")
	}
}

func TestAggregator(t *testing.T) {
	var a Aggregator

	empty := a.Report()
	assert.Equal(t, 0, empty.Samples)
	assert.Equal(t, MaxScore, empty.Average)

	for _, score := range []float64{5, 3, 4} {
		a.Add(Metrics{QualityScore: score})
	}
	r := a.Report()
	assert.Equal(t, 3, r.Samples)
	assert.Equal(t, 4.0, r.Average)
	assert.Equal(t, 3.0, r.Min)
	assert.Equal(t, 5.0, r.Max)
	assert.Equal(t, 4.0, r.Last.QualityScore)
}
