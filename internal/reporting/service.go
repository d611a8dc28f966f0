package reporting

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"coldcaller-telephony/internal/quality"
	"coldcaller-telephony/internal/session"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// PoorQualityThreshold marks a call as poor when its minimum score fell below it.
const PoorQualityThreshold = 2.5

type Repository interface {
	AppendCall(ctx context.Context, rec CallRecord) error
	// ListCalls returns records created in [from, to), optionally for one configuration.
	ListCalls(ctx context.Context, from, to time.Time, configID string) ([]CallRecord, error)
}

type Service struct {
	repo Repository
	log  *slog.Logger
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, log: log.With("component", "reporting")}
}

// FromSnapshot builds the history row for a finished session.
func FromSnapshot(snap session.Snapshot, q quality.Report) CallRecord {
	rec := CallRecord{
		SessionID:       snap.ID,
		ConfigID:        snap.ConfigID,
		Direction:       string(snap.Direction),
		PhoneNumber:     snap.PhoneNumber,
		LeadID:          snap.LeadID,
		FinalState:      string(snap.State),
		EndReason:       snap.EndReason,
		Connected:       snap.ConnectedAt != nil,
		DurationSeconds: int(snap.DurationMs / 1000),
		QualitySamples:  q.Samples,
		AverageQuality:  q.Average,
		MinQuality:      q.Min,
		CreatedAt:       snap.CreatedAt,
		EndedAt:         snap.CreatedAt,
	}
	if snap.EndedAt != nil {
		rec.EndedAt = *snap.EndedAt
	}
	return rec
}

// Track persists the record for a finished session. Failures are logged, not
// returned; it runs on the session's release path.
func (s *Service) Track(sess *session.Session) {
	rec := FromSnapshot(sess.Snapshot(), sess.QualityReport())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.repo.AppendCall(ctx, rec); err != nil {
		s.log.Warn("call record not stored", "session_id", rec.SessionID, "err", err)
	}
}

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListCalls(ctx, req.Range.From, req.Range.To, req.ConfigID)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{ConfigID: req.ConfigID, Range: req.Range}
	var weighted float64
	var samples int
	for _, c := range rows {
		out.TotalCalls++
		out.TotalDurationSeconds += c.DurationSeconds
		if c.Direction == string(session.Inbound) {
			out.InboundCalls++
		} else {
			out.OutboundCalls++
		}
		if c.Connected {
			out.ConnectedCalls++
		}
		switch session.State(c.FinalState) {
		case session.StateEnded:
			out.EndedCalls++
		case session.StateRejected:
			out.RejectedCalls++
		case session.StateFailed:
			out.FailedCalls++
		default:
			out.AbandonedCalls++
		}
		if c.QualitySamples > 0 {
			weighted += c.AverageQuality * float64(c.QualitySamples)
			samples += c.QualitySamples
			if c.MinQuality < PoorQualityThreshold {
				out.PoorQualityCalls++
			}
		}
	}
	if out.TotalCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.TotalCalls
		out.ConnectionRate = round2(float64(out.ConnectedCalls) / float64(out.TotalCalls))
	}
	if samples > 0 {
		out.AverageQuality = round2(weighted / float64(samples))
	}
	return out, nil
}

// RecentCalls returns the newest records first, at most limit.
func (s *Service) RecentCalls(ctx context.Context, since time.Time, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.repo.ListCalls(ctx, since, time.Now().Add(time.Minute), "")
	if err != nil {
		return nil, err
	}
	out := make([]CallRecord, 0, min(limit, len(rows)))
	for i := len(rows) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, rows[i])
	}
	return out, nil
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
