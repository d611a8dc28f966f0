package webrtc

import (
	"time"

	"coldcaller-telephony/internal/quality"

	pion "github.com/pion/webrtc/v4"
)

// counters carries cumulative RTP totals between samples so loss is
// computed over the last interval rather than the whole call.
type counters struct {
	received uint32
	lost     int32
}

// activeAudioLevel stands in for the level when the stack reports none but packets are flowing.
const activeAudioLevel = 0.5

func reduceStats(report pion.StatsReport, prev counters) (quality.Stats, counters) {
	var (
		out       quality.Stats
		next      = prev
		haveRTP   bool
		received  uint32
		lost      int32
		jitter    float64
		level     float64
		localCand string
	)

	for _, st := range report {
		switch s := st.(type) {
		case pion.InboundRTPStreamStats:
			if s.Kind != "audio" && s.Kind != "" {
				continue
			}
			haveRTP = true
			received += s.PacketsReceived
			lost += s.PacketsLost
			if s.Jitter > jitter {
				jitter = s.Jitter
			}
			if s.AudioLevel > level {
				level = s.AudioLevel
			}
		case pion.ICECandidatePairStats:
			if s.State == pion.StatsICECandidatePairStateSucceeded && (s.Nominated || localCand == "") {
				out.RoundTripTime = seconds(s.CurrentRoundTripTime)
				localCand = s.LocalCandidateID
			}
		}
	}

	if localCand != "" {
		if c, ok := report[localCand].(pion.ICECandidateStats); ok {
			out.ConnectionType = c.CandidateType.String()
		}
	}

	if haveRTP {
		dRecv := int64(received) - int64(prev.received)
		dLost := int64(lost) - int64(prev.lost)
		if dRecv < 0 {
			dRecv = 0
		}
		if dLost < 0 {
			dLost = 0
		}
		if total := dRecv + dLost; total > 0 {
			out.PacketLoss = float64(dLost) / float64(total) * 100
		}
		out.Jitter = seconds(jitter)
		out.AudioLevel = level
		if level == 0 && dRecv > 0 {
			out.AudioLevel = activeAudioLevel
		}
		next = counters{received: received, lost: lost}
	}
	return out, next
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
