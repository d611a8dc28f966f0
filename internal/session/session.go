// Package session manages live calls: the per-call state machine, its quality
// sampling and duration timers, ICE-driven reconnection, and the manager that
// owns sessions by id.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"coldcaller-telephony/internal/events"
	"coldcaller-telephony/internal/quality"
	"coldcaller-telephony/internal/reconnect"
	"coldcaller-telephony/internal/telephony"
)

const (
	DefaultTickInterval      = time.Second
	DefaultConnectionTimeout = 10 * time.Second
)

type Options struct {
	SampleInterval    time.Duration
	TickInterval      time.Duration
	ConnectionTimeout time.Duration
	Reconnect         reconnect.Policy

	// Events receives every session notification. Handlers must not end or
	// destroy the session synchronously.
	Events events.Publisher
	Logger *slog.Logger
	Now    func() time.Time

	// ConfigID names the connection configuration the transport was opened from.
	ConfigID string

	// OnTerminal runs once, after the session ends or is destroyed.
	OnTerminal func(*Session)
}

func (o Options) withDefaults() Options {
	out := o
	if out.SampleInterval <= 0 {
		out.SampleInterval = quality.DefaultInterval
	}
	if out.TickInterval <= 0 {
		out.TickInterval = DefaultTickInterval
	}
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.Events == nil {
		out.Events = events.Discard
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

type MediaState struct {
	LocalAudio  bool    `json:"localAudio"`
	RemoteAudio bool    `json:"remoteAudio"`
	IsOnHold    bool    `json:"isOnHold"`
	IsMuted     bool    `json:"isMuted"`
	Volume      float64 `json:"volume"`
}

// LogEntry is one item of a session's append-only event log.
type LogEntry struct {
	Type      events.Type    `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Report is returned when a call ends.
type Report struct {
	quality.Report
	SessionID  string        `json:"sessionId"`
	Duration   time.Duration `json:"-"`
	DurationMs int64         `json:"durationMs"`
	Reason     string        `json:"reason"`
	// Connected distinguishes a zero-length call from one that never connected.
	Connected bool `json:"connected"`
}

// Snapshot is an immutable copy of a session.
type Snapshot struct {
	ID            string          `json:"sessionId"`
	PhoneNumber   string          `json:"phoneNumber"`
	Direction     Direction       `json:"direction"`
	LeadID        string          `json:"leadId,omitempty"`
	ConfigID      string          `json:"configId,omitempty"`
	State         State           `json:"state"`
	PreviousState State           `json:"previousState,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	StartedAt     *time.Time      `json:"startedAt,omitempty"`
	ConnectedAt   *time.Time      `json:"connectedAt,omitempty"`
	EndedAt       *time.Time      `json:"endedAt,omitempty"`
	DurationMs    int64           `json:"durationMs"`
	Quality       quality.Metrics `json:"qualityMetrics"`
	Media         MediaState      `json:"mediaState"`
	EndReason     string          `json:"endReason,omitempty"`
	Reconnecting  bool            `json:"reconnecting"`
	Destroyed     bool            `json:"destroyed"`
	Events        []LogEntry      `json:"events"`
}

// Session owns exactly one call. All methods are safe for concurrent use.
type Session struct {
	id        string
	direction Direction
	leadID    string
	configID  string
	tr        telephony.Transport
	opts      Options
	log       *slog.Logger
	agg       quality.Aggregator

	terminalOnce sync.Once

	mu          sync.Mutex
	number      string
	state       State
	prev        State
	createdAt   time.Time
	startedAt   *time.Time
	connectedAt *time.Time
	endedAt     *time.Time
	metrics     quality.Metrics
	media       MediaState
	entries     []LogEntry
	endReason   string
	report      *Report
	destroyed   bool

	sampler        *quality.Sampler
	ticker         *job
	recon          *reconnect.Controller
	reconExhausted bool

	pending    []events.Event
	publishing bool
}

func newSession(id string, dir Direction, tr telephony.Transport, opts Options) *Session {
	opts = opts.withDefaults()
	s := &Session{
		id:        id,
		direction: dir,
		configID:  opts.ConfigID,
		tr:        tr,
		opts:      opts,
		log:       opts.Logger.With("session_id", id, "direction", string(dir)),
		state:     StateInitializing,
		metrics:   quality.Initial(),
		media:     MediaState{Volume: 1},
	}
	s.createdAt = s.now()
	tr.OnEvent(s.onTransportEvent)
	return s
}

// NewOutbound creates a session in initializing; StartCall places the call.
func NewOutbound(id string, tr telephony.Transport, opts Options) *Session {
	return newSession(id, Outbound, tr, opts)
}

// NewInbound creates a ringing session for an offered call. Creation is not a
// transition; previousState reads initializing.
func NewInbound(id string, offer telephony.InboundOffer, tr telephony.Transport, opts Options) *Session {
	s := newSession(id, Inbound, tr, opts)

	s.mu.Lock()
	s.number = offer.From
	s.leadID = offer.LeadID
	s.prev, s.state = StateInitializing, StateRinging
	started := s.now()
	s.startedAt = &started
	s.record(events.IncomingCall, map[string]any{
		"phoneNumber":    offer.From,
		"to":             offer.To,
		"callerName":     offer.CallerName,
		"leadId":         offer.LeadID,
		"provider":       offer.Provider,
		"providerCallId": offer.ProviderCallID,
	})
	s.startTickerLocked()
	s.unlockAndPublish()
	return s
}

func (s *Session) ID() string           { return s.id }
func (s *Session) Direction() Direction { return s.direction }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) QualityReport() quality.Report { return s.agg.Report() }

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		ID:            s.id,
		PhoneNumber:   s.number,
		Direction:     s.direction,
		LeadID:        s.leadID,
		ConfigID:      s.configID,
		State:         s.state,
		PreviousState: s.prev,
		CreatedAt:     s.createdAt,
		StartedAt:     copyTime(s.startedAt),
		ConnectedAt:   copyTime(s.connectedAt),
		EndedAt:       copyTime(s.endedAt),
		DurationMs:    s.durationLocked().Milliseconds(),
		Quality:       s.metrics,
		Media:         s.media,
		EndReason:     s.endReason,
		Reconnecting:  s.recon != nil,
		Destroyed:     s.destroyed,
		Events:        append([]LogEntry(nil), s.entries...),
	}
}

// StartCall dials number. The session moves to calling before the transport is
// invoked and to ringing once the provider accepts the call. A transport error
// fails the call; it is not retried here.
func (s *Session) StartCall(ctx context.Context, number string, opts telephony.CallOptions) error {
	number = strings.TrimSpace(number)
	if number == "" {
		return ErrInvalidNumber
	}

	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.transition(StateCalling); err != nil {
		s.mu.Unlock()
		return err
	}
	s.number = number
	if opts.LeadID != "" {
		s.leadID = opts.LeadID
	}
	started := s.now()
	s.startedAt = &started
	s.record(events.CallStarted, map[string]any{
		"phoneNumber": number,
		"direction":   string(s.direction),
		"leadId":      s.leadID,
	})
	s.unlockAndPublish()

	s.log.Info("placing call", "phone_number", number)
	mctx, cancel := context.WithTimeout(ctx, s.opts.ConnectionTimeout)
	err := s.tr.MakeCall(mctx, number, opts)
	cancel()

	s.mu.Lock()
	if s.state != StateCalling {
		// Ended, destroyed or already advanced by provider events meanwhile.
		s.unlockAndPublish()
		if err != nil {
			return fmt.Errorf("session: make call: %w", err)
		}
		return nil
	}
	if err != nil {
		s.failLocked(err)
		return fmt.Errorf("session: make call: %w", err)
	}
	_ = s.transition(StateRinging)
	s.startTickerLocked()
	s.unlockAndPublish()
	return nil
}

// AnswerCall accepts a ringing inbound call. The session moves to connecting;
// the provider's established signal completes the transition to connected.
func (s *Session) AnswerCall(ctx context.Context) error {
	if s.direction != Inbound {
		return ErrNotInbound
	}
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.transition(StateConnecting); err != nil {
		s.mu.Unlock()
		return err
	}
	s.unlockAndPublish()

	actx, cancel := context.WithTimeout(ctx, s.opts.ConnectionTimeout)
	err := s.tr.AnswerCall(actx)
	cancel()
	if err == nil {
		return nil
	}

	s.mu.Lock()
	if s.state == StateConnecting {
		s.failLocked(err)
	} else {
		s.unlockAndPublish()
	}
	return fmt.Errorf("session: answer call: %w", err)
}

// RejectCall declines a ringing inbound call and releases its resources.
func (s *Session) RejectCall(ctx context.Context, reason string) error {
	if s.direction != Inbound {
		return ErrNotInbound
	}
	if reason == "" {
		reason = "rejected"
	}
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.transition(StateRejected); err != nil {
		s.mu.Unlock()
		return err
	}
	s.finishLocked(reason)
	s.record(events.CallRejected, map[string]any{"reason": reason})
	jobs := s.detachLocked()
	s.unlockAndPublish()

	rctx, cancel := context.WithTimeout(ctx, s.opts.ConnectionTimeout)
	if err := s.tr.RejectCall(rctx, reason); err != nil {
		s.log.Warn("provider reject failed", "err", err)
	}
	cancel()
	s.release(jobs)
	return nil
}

// EndCall hangs up from any live state, passing through ending to ended, and
// returns the final report. Duration counts from connection; a call that never
// connected reports zero with Connected=false.
func (s *Session) EndCall(ctx context.Context, reason string) (Report, error) {
	if reason == "" {
		reason = "hangup"
	}
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return Report{}, err
	}
	if err := s.transition(StateEnding); err != nil {
		s.mu.Unlock()
		return Report{}, err
	}
	s.unlockAndPublish()

	ectx, cancel := context.WithTimeout(ctx, s.opts.ConnectionTimeout)
	if err := s.tr.EndCall(ectx, reason); err != nil {
		s.log.Warn("provider hangup failed", "err", err)
	}
	cancel()

	s.mu.Lock()
	if s.state != StateEnding {
		rep, destroyed := s.report, s.destroyed
		s.unlockAndPublish()
		if rep != nil {
			return *rep, nil
		}
		if destroyed {
			return Report{}, ErrSessionDestroyed
		}
		return Report{}, fmt.Errorf("%w: session left ending unexpectedly", ErrInvalidTransition)
	}
	_ = s.transition(StateEnded)
	rep := s.finishLocked(reason)
	s.record(events.CallEnded, map[string]any{
		"reason":     reason,
		"durationMs": rep.DurationMs,
		"report":     rep,
	})
	jobs := s.detachLocked()
	s.unlockAndPublish()

	s.release(jobs)
	s.log.Info("call ended", "reason", reason, "duration", rep.Duration)
	return rep, nil
}

func (s *Session) HoldCall(ctx context.Context) error {
	return s.toggleHold(ctx, true)
}

func (s *Session) UnholdCall(ctx context.Context) error {
	return s.toggleHold(ctx, false)
}

// toggleHold checks the edge, asks the transport, then applies the edge if the
// session did not move meanwhile. Call duration accounting is unaffected.
func (s *Session) toggleHold(ctx context.Context, hold bool) error {
	target, evt := StateHeld, events.CallHeld
	if !hold {
		target, evt = StateConnected, events.CallUnheld
	}

	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	from := StateConnected
	if !hold {
		from = StateHeld
	}
	if s.state != from {
		err := s.invalid(target)
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, s.opts.ConnectionTimeout)
	var err error
	if hold {
		err = s.tr.HoldCall(hctx)
	} else {
		err = s.tr.UnholdCall(hctx)
	}
	cancel()
	if err != nil {
		return fmt.Errorf("session: hold: %w", err)
	}

	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.state != from {
		err := s.invalid(target)
		s.mu.Unlock()
		return err
	}
	_ = s.transition(target)
	s.media.IsOnHold = hold
	s.media.LocalAudio = !hold && !s.media.IsMuted
	s.record(evt, nil)

	// Sampling only runs while connected.
	var stopped *quality.Sampler
	if hold {
		stopped, s.sampler = s.sampler, nil
	} else {
		s.startSamplerLocked()
	}
	s.unlockAndPublish()

	if stopped != nil {
		stopped.Stop()
	}
	return nil
}

func (s *Session) SendDTMF(tone string) error {
	tone = strings.ToUpper(strings.TrimSpace(tone))
	if !validTone(tone) {
		return fmt.Errorf("%w: %q", ErrInvalidTone, tone)
	}
	if err := s.checkMedia(); err != nil {
		return err
	}
	if err := s.tr.SendDTMF(tone); err != nil {
		return mediaErr(err)
	}

	s.mu.Lock()
	s.record(events.DTMFSent, map[string]any{"tone": tone})
	s.unlockAndPublish()
	return nil
}

func (s *Session) SetMute(muted bool) error {
	if err := s.checkMedia(); err != nil {
		return err
	}
	if err := s.tr.SetMute(muted); err != nil {
		return mediaErr(err)
	}

	s.mu.Lock()
	s.media.IsMuted = muted
	s.media.LocalAudio = !muted && !s.media.IsOnHold
	s.record(events.MuteChanged, map[string]any{"muted": muted})
	s.unlockAndPublish()
	return nil
}

func (s *Session) SetVolume(level float64) error {
	if math.IsNaN(level) || level < 0 || level > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidVolume, level)
	}
	if err := s.checkMedia(); err != nil {
		return err
	}
	if err := s.tr.SetVolume(level); err != nil {
		return mediaErr(err)
	}

	s.mu.Lock()
	s.media.Volume = level
	s.record(events.VolumeChanged, map[string]any{"volume": level})
	s.unlockAndPublish()
	return nil
}

func (s *Session) checkMedia() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return err
	}
	if !s.state.InCall() || !s.tr.HasActiveMedia() {
		return ErrNoActiveMedia
	}
	return nil
}

func mediaErr(err error) error {
	if errors.Is(err, telephony.ErrNoActiveMedia) || errors.Is(err, telephony.ErrTransportClosed) {
		return fmt.Errorf("%w: %v", ErrNoActiveMedia, err)
	}
	return fmt.Errorf("session: media: %w", err)
}

// Destroy releases every resource the session holds and stops all timers
// before returning. Later operations fail with ErrSessionDestroyed. A live
// call is not hung up; end it first.
func (s *Session) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	jobs := s.detachLocked()
	s.unlockAndPublish()

	s.release(jobs)
	s.log.Debug("session destroyed")
}

func (s *Session) onTransportEvent(e telephony.Event) {
	switch e.Kind {
	case telephony.EventEstablishing:
		s.onEstablishing()
	case telephony.EventEstablished:
		s.onEstablished()
	case telephony.EventTerminated:
		s.onTerminated(e)
	case telephony.EventICE:
		s.onICE(e.ICE)
	case telephony.EventMedia:
		s.mu.Lock()
		if !s.destroyed {
			s.media.RemoteAudio = e.RemoteAudio
		}
		s.mu.Unlock()
	}
}

func (s *Session) onEstablishing() {
	s.mu.Lock()
	if !s.destroyed && s.state == StateCalling {
		_ = s.transition(StateRinging)
		s.startTickerLocked()
	}
	s.unlockAndPublish()
}

// onEstablished walks the session forward to connected. Re-delivery to a
// connected or held session is a no-op.
func (s *Session) onEstablished() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	for _, step := range [][2]State{
		{StateCalling, StateRinging},
		{StateRinging, StateConnecting},
		{StateConnecting, StateConnected},
	} {
		if s.state == step[0] {
			_ = s.transition(step[1])
		}
	}
	if s.state == StateConnected && s.connectedAt == nil {
		at := s.now()
		s.connectedAt = &at
		s.media.LocalAudio = !s.media.IsMuted
		s.media.RemoteAudio = true
		s.record(events.CallAnswered, map[string]any{"connectedAt": at})
		s.startTickerLocked()
		s.startSamplerLocked()
		s.log.Info("call connected")
	}
	s.unlockAndPublish()
}

// onTerminated handles a provider-side hangup. While the session is ending the
// local EndCall owns completion.
func (s *Session) onTerminated(e telephony.Event) {
	s.mu.Lock()
	if s.destroyed || s.state.IsTerminal() || s.state == StateEnding || s.state == StateInitializing {
		s.mu.Unlock()
		return
	}

	reason := e.Reason
	if reason == "" {
		reason = "remote-hangup"
	}
	early := s.state == StateCalling || s.state == StateRinging || s.state == StateConnecting
	if e.Err != nil && early {
		s.failLocked(e.Err)
		return
	}

	_ = s.transition(StateEnding)
	_ = s.transition(StateEnded)
	rep := s.finishLocked(reason)
	s.record(events.CallEnded, map[string]any{
		"reason":     reason,
		"durationMs": rep.DurationMs,
		"report":     rep,
		"remote":     true,
	})
	jobs := s.detachLocked()
	s.unlockAndPublish()

	s.release(jobs)
	s.log.Info("call ended by provider", "reason", reason)
}

// onICE lowers the score on degraded connectivity and starts a reconnection
// episode while in a call. Healthy connectivity ends any running episode as a
// recovery.
func (s *Session) onICE(st telephony.ICEState) {
	s.mu.Lock()
	if s.destroyed || s.state.IsTerminal() {
		s.mu.Unlock()
		return
	}

	var start, stop *reconnect.Controller
	switch {
	case st.Degraded():
		limit := 2.0
		if st == telephony.ICEFailed {
			limit = quality.MinScore
		}
		if s.metrics.QualityScore > limit {
			s.metrics.QualityScore = limit
			s.record(events.QualityUpdate, map[string]any{
				"metrics":  s.metrics,
				"iceState": string(st),
			})
		}
		if s.state.InCall() && s.recon == nil && !s.reconExhausted {
			s.recon = s.newReconnect()
			start = s.recon
			s.log.Warn("media connectivity degraded", "ice_state", string(st))
		}
	case st.Healthy():
		s.reconExhausted = false
		if s.recon != nil {
			stop, s.recon = s.recon, nil
			s.record(events.ReconnectionSuccessful, map[string]any{
				"attempt":  stop.Attempts(),
				"iceState": string(st),
			})
		}
	}
	s.unlockAndPublish()

	if stop != nil {
		stop.Stop()
	}
	if start != nil {
		start.Start()
	}
}

// newReconnect builds a controller whose probe restarts ICE on the transport.
// Callers hold mu.
func (s *Session) newReconnect() *reconnect.Controller {
	var ctrl *reconnect.Controller
	probe := func(ctx context.Context) error {
		rctx, cancel := context.WithTimeout(ctx, s.opts.ConnectionTimeout)
		defer cancel()
		return s.tr.Restart(rctx)
	}
	hooks := reconnect.Hooks{
		OnAttempt: func(attempt int, delay time.Duration) {
			s.mu.Lock()
			if s.recon == ctrl {
				s.record(events.ReconnectionAttempt, map[string]any{
					"attempt":     attempt,
					"maxAttempts": ctrl.Policy().MaxAttempts,
					"delayMs":     delay.Milliseconds(),
				})
			}
			s.unlockAndPublish()
		},
		OnFailure: func(attempt int, err error) {
			s.log.Warn("reconnection attempt failed", "attempt", attempt, "err", err)
		},
		OnRecovered: func(attempt int) {
			s.mu.Lock()
			if s.recon == ctrl {
				s.recon = nil
				s.record(events.ReconnectionSuccessful, map[string]any{"attempt": attempt})
			}
			s.unlockAndPublish()
		},
		OnExhausted: func(attempts int, err error) {
			s.mu.Lock()
			if s.recon == ctrl {
				s.recon = nil
				s.reconExhausted = true
				s.record(events.ReconnectionFailed, map[string]any{
					"attempts": attempts,
					"message":  err.Error(),
				})
			}
			s.unlockAndPublish()
			// The call stays up; ending it is the caller's decision.
			s.log.Error("reconnection exhausted", "attempts", attempts, "err", err)
		},
	}
	ctrl = reconnect.New(s.opts.Reconnect, probe, hooks, s.log)
	return ctrl
}

func (s *Session) startSamplerLocked() {
	if s.sampler != nil {
		return
	}
	var smp *quality.Sampler
	smp = quality.NewSampler(s.tr, quality.SamplerOptions{
		Interval: s.opts.SampleInterval,
		Logger:   s.log,
		Now:      s.opts.Now,
		OnSample: func(m quality.Metrics) {
			s.mu.Lock()
			if s.sampler != smp || s.state != StateConnected {
				s.mu.Unlock()
				return
			}
			s.metrics = m
			s.agg.Add(m)
			s.record(events.QualityUpdate, map[string]any{"metrics": m})
			s.unlockAndPublish()
		},
	})
	s.sampler = smp
	smp.Start()
}

func (s *Session) startTickerLocked() {
	if s.ticker != nil {
		return
	}
	var tk *job
	tk = startJob(s.opts.TickInterval, s.log, func() {
		s.mu.Lock()
		if s.ticker != tk {
			s.mu.Unlock()
			return
		}
		// Ticks are published but kept out of the session log.
		s.pending = append(s.pending, events.New(events.TimerUpdate, s.id, s.now(), map[string]any{
			"durationMs": s.durationLocked().Milliseconds(),
			"state":      string(s.state),
		}))
		s.unlockAndPublish()
	})
	s.ticker = tk
}

// jobs are the background tasks detached from a session; stop them without
// holding mu since their callbacks take it.
type jobs struct {
	sampler *quality.Sampler
	ticker  *job
	recon   *reconnect.Controller
}

func (s *Session) detachLocked() jobs {
	j := jobs{sampler: s.sampler, ticker: s.ticker, recon: s.recon}
	s.sampler, s.ticker, s.recon = nil, nil, nil
	return j
}

// release stops detached jobs, closes the transport and fires OnTerminal once.
func (s *Session) release(j jobs) {
	if j.sampler != nil {
		j.sampler.Stop()
	}
	j.ticker.stop()
	if j.recon != nil {
		j.recon.Stop()
	}
	if err := s.tr.Close(); err != nil {
		s.log.Debug("transport close", "err", err)
	}
	s.terminalOnce.Do(func() {
		if s.opts.OnTerminal != nil {
			s.opts.OnTerminal(s)
		}
	})
}

// failLocked moves an early-stage call to failed and releases it. It unlocks mu.
func (s *Session) failLocked(cause error) {
	_ = s.transition(StateFailed)
	s.finishLocked("transport-error")
	s.record(events.CallFailed, map[string]any{
		"reason": "transport-error",
		"error":  cause.Error(),
	})
	jobs := s.detachLocked()
	s.unlockAndPublish()

	s.log.Error("call failed", "err", cause)
	s.release(jobs)
}

// finishLocked stamps endedAt and builds the final report.
func (s *Session) finishLocked(reason string) Report {
	if s.endedAt == nil {
		at := s.now()
		if s.connectedAt != nil && at.Before(*s.connectedAt) {
			at = *s.connectedAt
		}
		s.endedAt = &at
	}
	s.endReason = reason
	d := s.durationLocked()
	rep := Report{
		Report:     s.agg.Report(),
		SessionID:  s.id,
		Duration:   d,
		DurationMs: d.Milliseconds(),
		Reason:     reason,
		Connected:  s.connectedAt != nil,
	}
	s.report = &rep
	s.media.LocalAudio, s.media.RemoteAudio = false, false
	return rep
}

func (s *Session) durationLocked() time.Duration {
	if s.connectedAt == nil {
		return 0
	}
	end := s.now()
	if s.endedAt != nil {
		end = *s.endedAt
	}
	if d := end.Sub(*s.connectedAt); d > 0 {
		return d
	}
	return 0
}

func (s *Session) usableLocked() error {
	if s.destroyed {
		return ErrSessionDestroyed
	}
	return nil
}

func (s *Session) invalid(next State) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, next)
}

// transition applies one edge of the call graph. Callers hold mu.
func (s *Session) transition(next State) error {
	if !s.state.CanTransitionTo(next) {
		return s.invalid(next)
	}
	from := s.state
	s.prev, s.state = from, next
	s.record(events.StateChanged, map[string]any{"from": string(from), "to": string(next)})
	return nil
}

// record appends to the session log and queues the notification. Callers hold mu.
func (s *Session) record(t events.Type, payload map[string]any) {
	at := s.now()
	s.entries = append(s.entries, LogEntry{Type: t, Timestamp: at, Payload: payload})
	s.pending = append(s.pending, events.New(t, s.id, at, payload))
}

// unlockAndPublish releases mu and publishes queued notifications in order.
// Only one goroutine publishes for a session at a time; others leave their
// events queued for it.
func (s *Session) unlockAndPublish() {
	if s.publishing {
		s.mu.Unlock()
		return
	}
	s.publishing = true
	for len(s.pending) > 0 {
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()
		for _, e := range batch {
			s.opts.Events.Publish(e)
		}
		s.mu.Lock()
	}
	s.publishing = false
	s.mu.Unlock()
}

func (s *Session) now() time.Time { return s.opts.Now().UTC() }

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
