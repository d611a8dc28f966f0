package reporting

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallRecord is the immutable history row written when a session finishes.
type CallRecord struct {
	SessionID   string `json:"sessionId"`
	ConfigID    string `json:"configId"`
	Direction   string `json:"direction"`
	PhoneNumber string `json:"phoneNumber"`
	LeadID      string `json:"leadId,omitempty"`
	FinalState  string `json:"finalState"`
	EndReason   string `json:"endReason"`
	Connected   bool   `json:"connected"`

	DurationSeconds int     `json:"durationSeconds"`
	QualitySamples  int     `json:"qualitySamples"`
	AverageQuality  float64 `json:"averageQuality"`
	MinQuality      float64 `json:"minQuality"`

	CreatedAt time.Time `json:"createdAt"`
	EndedAt   time.Time `json:"endedAt"`
}

// CallsSummaryRequest selects records created inside Range, optionally for
// one configuration.
type CallsSummaryRequest struct {
	Range    TimeRange `json:"range"`
	ConfigID string    `json:"configId,omitempty"`
}

type CallsSummary struct {
	ConfigID string    `json:"configId,omitempty"`
	Range    TimeRange `json:"range"`

	TotalCalls     int `json:"totalCalls"`
	OutboundCalls  int `json:"outboundCalls"`
	InboundCalls   int `json:"inboundCalls"`
	ConnectedCalls int `json:"connectedCalls"`
	EndedCalls     int `json:"endedCalls"`
	RejectedCalls  int `json:"rejectedCalls"`
	FailedCalls    int `json:"failedCalls"`
	// AbandonedCalls were destroyed before reaching a terminal state.
	AbandonedCalls int `json:"abandonedCalls"`

	TotalDurationSeconds   int `json:"totalDurationSeconds"`
	AverageDurationSeconds int `json:"averageDurationSeconds"`

	ConnectionRate float64 `json:"connectionRate"`

	// AverageQuality is weighted by sample count over calls that were sampled.
	AverageQuality   float64 `json:"averageQuality"`
	PoorQualityCalls int     `json:"poorQualityCalls"`
}
