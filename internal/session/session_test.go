package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"coldcaller-telephony/internal/events"
	"coldcaller-telephony/internal/quality"
	"coldcaller-telephony/internal/reconnect"
	"coldcaller-telephony/internal/session"
	"coldcaller-telephony/internal/telephony"
	"coldcaller-telephony/internal/telephony/telephonytest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu  sync.Mutex
	all []events.Event
}

func (r *recorder) handle(e events.Event) {
	r.mu.Lock()
	r.all = append(r.all, e)
	r.mu.Unlock()
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.all {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// states lists the "to" side of every stateChanged event.
func (r *recorder) states() []string {
	var out []string
	for _, e := range r.ofType(events.StateChanged) {
		out = append(out, e.Payload["to"].(string))
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newOutbound(t *testing.T, opts session.Options) (*session.Session, *telephonytest.Transport, *recorder) {
	t.Helper()
	rec := &recorder{}
	bus := events.NewBus(nil)
	bus.SubscribeAll(rec.handle)
	opts.Events = bus

	tr := telephonytest.NewTransport()
	s := session.NewOutbound("sess-1", tr, opts)
	t.Cleanup(s.Destroy)
	return s, tr, rec
}

func connect(t *testing.T, s *session.Session, tr *telephonytest.Transport) {
	t.Helper()
	require.NoError(t, s.StartCall(context.Background(), "+15551234567", telephony.CallOptions{}))
	tr.Emit(telephony.Event{Kind: telephony.EventEstablished})
	require.Equal(t, session.StateConnected, s.State())
}

func TestStateGraph(t *testing.T) {
	all := []session.State{
		session.StateInitializing, session.StateCalling, session.StateRinging, session.StateConnecting,
		session.StateConnected, session.StateHeld, session.StateEnding, session.StateEnded,
		session.StateRejected, session.StateFailed,
	}
	allowed := map[[2]session.State]bool{
		{session.StateInitializing, session.StateCalling}: true,
		{session.StateCalling, session.StateRinging}:      true,
		{session.StateRinging, session.StateConnecting}:   true,
		{session.StateConnecting, session.StateConnected}: true,
		{session.StateConnected, session.StateHeld}:       true,
		{session.StateHeld, session.StateConnected}:       true,
		{session.StateCalling, session.StateEnding}:       true,
		{session.StateRinging, session.StateEnding}:       true,
		{session.StateConnecting, session.StateEnding}:    true,
		{session.StateConnected, session.StateEnding}:     true,
		{session.StateHeld, session.StateEnding}:          true,
		{session.StateEnding, session.StateEnded}:         true,
		{session.StateCalling, session.StateFailed}:       true,
		{session.StateRinging, session.StateFailed}:       true,
		{session.StateConnecting, session.StateFailed}:    true,
		{session.StateRinging, session.StateRejected}:     true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]session.State{from, to}], from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
	for _, st := range all {
		want := st == session.StateEnded || st == session.StateRejected || st == session.StateFailed
		assert.Equal(t, want, st.IsTerminal(), string(st))
	}
}

func TestScenarioB_OutboundLifecycle(t *testing.T) {
	s, tr, rec := newOutbound(t, session.Options{SampleInterval: 5 * time.Millisecond})
	release := tr.GateMakeCall()

	errc := make(chan error, 1)
	go func() { errc <- s.StartCall(context.Background(), "+15551234567", telephony.CallOptions{LeadID: "lead-9"}) }()

	require.Eventually(t, func() bool { return s.State() == session.StateCalling }, time.Second, time.Millisecond)
	release()
	require.NoError(t, <-errc)
	assert.Equal(t, session.StateRinging, s.State())
	assert.Equal(t, []string{"make:+15551234567"}, tr.Calls())

	tr.Emit(telephony.Event{Kind: telephony.EventEstablished})
	assert.Equal(t, session.StateConnected, s.State())

	require.Eventually(t, func() bool {
		return len(rec.ofType(events.QualityUpdate)) > 0
	}, time.Second, time.Millisecond, "sampler runs once connected")

	rep, err := s.EndCall(context.Background(), "hangup")
	require.NoError(t, err)
	assert.Equal(t, session.StateEnded, s.State())
	assert.GreaterOrEqual(t, rep.DurationMs, int64(0))
	assert.True(t, rep.Connected)
	assert.Equal(t, "hangup", rep.Reason)
	assert.Positive(t, rep.Samples)
	assert.Equal(t, 5.0, rep.Average)

	assert.Equal(t, []string{"calling", "ringing", "connecting", "connected", "ending", "ended"}, rec.states())
	assert.Contains(t, tr.Calls(), "end:hangup")
	assert.True(t, tr.Closed())

	snap := s.Snapshot()
	assert.Equal(t, "lead-9", snap.LeadID)
	assert.Equal(t, session.StateEnding, snap.PreviousState)
	require.NotNil(t, snap.ConnectedAt)
	require.NotNil(t, snap.EndedAt)
	assert.False(t, snap.EndedAt.Before(*snap.ConnectedAt))

	// No samples after the call ended.
	n := len(rec.ofType(events.QualityUpdate))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, len(rec.ofType(events.QualityUpdate)))
}

func TestEndCall_DurationFromConnection(t *testing.T) {
	clk := newClock()
	s, tr, _ := newOutbound(t, session.Options{Now: clk.Now})

	require.NoError(t, s.StartCall(context.Background(), "+15551234567", telephony.CallOptions{}))
	clk.Advance(5 * time.Second)
	tr.Emit(telephony.Event{Kind: telephony.EventEstablished})
	clk.Advance(90 * time.Second)

	rep, err := s.EndCall(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, rep.Duration)
	assert.Equal(t, int64(90_000), rep.DurationMs)
	assert.Equal(t, "hangup", rep.Reason)
}

func TestEndCall_NeverConnectedReportsZero(t *testing.T) {
	s, _, _ := newOutbound(t, session.Options{})
	require.NoError(t, s.StartCall(context.Background(), "+15551234567", telephony.CallOptions{}))

	rep, err := s.EndCall(context.Background(), "no-answer")
	require.NoError(t, err)
	assert.Zero(t, rep.Duration)
	assert.False(t, rep.Connected)
	assert.Equal(t, 0, rep.Samples)
	assert.Equal(t, quality.MaxScore, rep.Average)
}

func TestEstablished_IsIdempotent(t *testing.T) {
	s, tr, rec := newOutbound(t, session.Options{})
	connect(t, s, tr)

	before := s.Snapshot()
	stateEvents := len(rec.ofType(events.StateChanged))

	tr.Emit(telephony.Event{Kind: telephony.EventEstablished})
	tr.Emit(telephony.Event{Kind: telephony.EventEstablished})

	after := s.Snapshot()
	assert.Equal(t, session.StateConnected, after.State)
	assert.Equal(t, *before.ConnectedAt, *after.ConnectedAt)
	assert.Len(t, after.Events, len(before.Events))
	assert.Len(t, rec.ofType(events.StateChanged), stateEvents)
	assert.Len(t, rec.ofType(events.CallAnswered), 1)
}

func TestEstablished_DuringCallingWalksForward(t *testing.T) {
	s, tr, rec := newOutbound(t, session.Options{})
	release := tr.GateMakeCall()

	errc := make(chan error, 1)
	go func() { errc <- s.StartCall(context.Background(), "+15550000000", telephony.CallOptions{}) }()
	require.Eventually(t, func() bool { return s.State() == session.StateCalling }, time.Second, time.Millisecond)

	tr.Emit(telephony.Event{Kind: telephony.EventEstablished})
	release()
	require.NoError(t, <-errc)

	assert.Equal(t, session.StateConnected, s.State())
	assert.Equal(t, []string{"calling", "ringing", "connecting", "connected"}, rec.states())
}

func TestStartCall_TransportFailureFailsCall(t *testing.T) {
	s, tr, rec := newOutbound(t, session.Options{})
	tr.FailMakeCall(errors.New("486 busy here"))

	err := s.StartCall(context.Background(), "+15551234567", telephony.CallOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "486 busy here")
	assert.Equal(t, session.StateFailed, s.State())
	assert.True(t, tr.Closed())

	failed := rec.ofType(events.CallFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "486 busy here", failed[0].Payload["error"])
	assert.Equal(t, "transport-error", s.Snapshot().EndReason)

	_, err = s.EndCall(context.Background(), "hangup")
	assert.ErrorIs(t, err, session.ErrInvalidTransition)
	assert.Equal(t, []string{"make:+15551234567"}, tr.Calls(), "no internal retry")
}

func TestInvalidTransitionsLeaveStateUnchanged(t *testing.T) {
	ctx := context.Background()
	s, tr, _ := newOutbound(t, session.Options{})

	_, err := s.EndCall(ctx, "hangup")
	assert.ErrorIs(t, err, session.ErrInvalidTransition)
	assert.ErrorIs(t, s.HoldCall(ctx), session.ErrInvalidTransition)
	assert.ErrorIs(t, s.AnswerCall(ctx), session.ErrNotInbound)
	assert.ErrorIs(t, s.RejectCall(ctx, "busy"), session.ErrNotInbound)
	assert.ErrorIs(t, s.StartCall(ctx, "  ", telephony.CallOptions{}), session.ErrInvalidNumber)
	assert.Equal(t, session.StateInitializing, s.State())

	connect(t, s, tr)
	assert.ErrorIs(t, s.StartCall(ctx, "+1555", telephony.CallOptions{}), session.ErrInvalidTransition)
	assert.ErrorIs(t, s.UnholdCall(ctx), session.ErrInvalidTransition)
	assert.Equal(t, session.StateConnected, s.State())
	assert.NotContains(t, tr.Calls(), "unhold")
}

func TestHoldAndUnhold(t *testing.T) {
	ctx := context.Background()
	s, tr, rec := newOutbound(t, session.Options{})
	connect(t, s, tr)

	require.NoError(t, s.HoldCall(ctx))
	snap := s.Snapshot()
	assert.Equal(t, session.StateHeld, snap.State)
	assert.True(t, snap.Media.IsOnHold)
	assert.False(t, snap.Media.LocalAudio)
	assert.ErrorIs(t, s.HoldCall(ctx), session.ErrInvalidTransition)

	require.NoError(t, s.UnholdCall(ctx))
	snap = s.Snapshot()
	assert.Equal(t, session.StateConnected, snap.State)
	assert.False(t, snap.Media.IsOnHold)
	assert.True(t, snap.Media.LocalAudio)

	assert.Equal(t, []string{"make:+15551234567", "hold", "unhold"}, tr.Calls())
	assert.Len(t, rec.ofType(events.CallHeld), 1)
	assert.Len(t, rec.ofType(events.CallUnheld), 1)

	// A held call can still be ended.
	require.NoError(t, s.HoldCall(ctx))
	_, err := s.EndCall(ctx, "hangup")
	require.NoError(t, err)
}

func TestMediaOperations(t *testing.T) {
	s, tr, rec := newOutbound(t, session.Options{})

	assert.ErrorIs(t, s.SendDTMF("5"), session.ErrNoActiveMedia)
	assert.ErrorIs(t, s.SetMute(true), session.ErrNoActiveMedia)
	assert.ErrorIs(t, s.SetVolume(0.5), session.ErrNoActiveMedia)

	connect(t, s, tr)

	require.NoError(t, s.SendDTMF("5"))
	require.NoError(t, s.SendDTMF("#"))
	require.NoError(t, s.SendDTMF("a"))
	assert.ErrorIs(t, s.SendDTMF("x"), session.ErrInvalidTone)
	assert.ErrorIs(t, s.SendDTMF("12"), session.ErrInvalidTone)
	assert.Equal(t, []string{"5", "#", "A"}, tr.Tones())
	assert.Len(t, rec.ofType(events.DTMFSent), 3)

	require.NoError(t, s.SetMute(true))
	assert.True(t, tr.Muted())
	snap := s.Snapshot()
	assert.True(t, snap.Media.IsMuted)
	assert.False(t, snap.Media.LocalAudio)

	assert.ErrorIs(t, s.SetVolume(1.5), session.ErrInvalidVolume)
	assert.ErrorIs(t, s.SetVolume(-0.1), session.ErrInvalidVolume)
	require.NoError(t, s.SetVolume(0.3))
	assert.Equal(t, 0.3, tr.Volume())
	assert.Equal(t, 0.3, s.Snapshot().Media.Volume)

	assert.Equal(t, session.StateConnected, s.State(), "media operations never change state")

	tr.SetMedia(false)
	assert.ErrorIs(t, s.SendDTMF("1"), session.ErrNoActiveMedia)
}

func TestInboundAnswerAndReject(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	bus := events.NewBus(nil)
	bus.SubscribeAll(rec.handle)

	offer := telephony.InboundOffer{ProviderCallID: "CA1", From: "+15557654321", To: "+15550001111", LeadID: "lead-3"}

	tr := telephonytest.NewTransport()
	s := session.NewInbound("in-1", offer, tr, session.Options{Events: bus})
	t.Cleanup(s.Destroy)

	snap := s.Snapshot()
	assert.Equal(t, session.StateRinging, snap.State)
	assert.Equal(t, session.StateInitializing, snap.PreviousState)
	assert.Equal(t, "+15557654321", snap.PhoneNumber)
	assert.Equal(t, "lead-3", snap.LeadID)
	require.Len(t, rec.ofType(events.IncomingCall), 1)

	require.NoError(t, s.AnswerCall(ctx))
	assert.Equal(t, session.StateConnecting, s.State())
	tr.Emit(telephony.Event{Kind: telephony.EventEstablished})
	assert.Equal(t, session.StateConnected, s.State())
	assert.ErrorIs(t, s.RejectCall(ctx, "busy"), session.ErrInvalidTransition)

	tr2 := telephonytest.NewTransport()
	s2 := session.NewInbound("in-2", offer, tr2, session.Options{Events: bus})
	t.Cleanup(s2.Destroy)

	require.NoError(t, s2.RejectCall(ctx, "busy"))
	snap = s2.Snapshot()
	assert.Equal(t, session.StateRejected, snap.State)
	require.NotNil(t, snap.EndedAt)
	assert.Equal(t, "busy", snap.EndReason)
	assert.Equal(t, []string{"reject:busy"}, tr2.Calls())
	assert.True(t, tr2.Closed())
	assert.ErrorIs(t, s2.AnswerCall(ctx), session.ErrInvalidTransition)
}

func TestAnswerCall_TransportFailure(t *testing.T) {
	tr := telephonytest.NewTransport()
	s := session.NewInbound("in-1", telephony.InboundOffer{From: "+1"}, tr, session.Options{})
	t.Cleanup(s.Destroy)

	require.NoError(t, tr.Close())
	err := s.AnswerCall(context.Background())
	require.ErrorIs(t, err, telephony.ErrTransportClosed)
	assert.Equal(t, session.StateFailed, s.State())
}

func TestProviderTermination(t *testing.T) {
	t.Run("remote hangup while connected", func(t *testing.T) {
		s, tr, rec := newOutbound(t, session.Options{})
		connect(t, s, tr)

		tr.Emit(telephony.Event{Kind: telephony.EventTerminated})
		assert.Equal(t, session.StateEnded, s.State())
		assert.Equal(t, "remote-hangup", s.Snapshot().EndReason)
		assert.Len(t, rec.ofType(events.CallEnded), 1)
		assert.True(t, tr.Closed())
	})

	t.Run("error while ringing fails the call", func(t *testing.T) {
		s, tr, _ := newOutbound(t, session.Options{})
		require.NoError(t, s.StartCall(context.Background(), "+1555", telephony.CallOptions{}))

		tr.Emit(telephony.Event{Kind: telephony.EventTerminated, Reason: "busy", Err: errors.New("busy")})
		assert.Equal(t, session.StateFailed, s.State())
	})

	t.Run("ignored after end", func(t *testing.T) {
		s, tr, rec := newOutbound(t, session.Options{})
		connect(t, s, tr)
		_, err := s.EndCall(context.Background(), "hangup")
		require.NoError(t, err)

		tr.Emit(telephony.Event{Kind: telephony.EventTerminated})
		assert.Len(t, rec.ofType(events.CallEnded), 1)
	})
}

func TestReconnection_Exhausted(t *testing.T) {
	s, tr, rec := newOutbound(t, session.Options{
		Reconnect: reconnect.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	})
	connect(t, s, tr)
	tr.SetRestartErr(errors.New("ice restart failed"))

	tr.Emit(telephony.Event{Kind: telephony.EventICE, ICE: telephony.ICEDisconnected})
	assert.Equal(t, 2.0, s.Snapshot().Quality.QualityScore)

	require.Eventually(t, func() bool {
		return len(rec.ofType(events.ReconnectionFailed)) == 1
	}, 2*time.Second, time.Millisecond)

	attempts := rec.ofType(events.ReconnectionAttempt)
	require.Len(t, attempts, 3)
	for i, want := range []int64{1, 2, 4} {
		assert.Equal(t, want, attempts[i].Payload["delayMs"])
	}
	assert.Equal(t, 3, tr.Restarts())
	assert.Equal(t, session.StateConnected, s.State(), "exhaustion never forces a transition")
	assert.False(t, s.Snapshot().Reconnecting)

	// No new episode until connectivity has been healthy again.
	tr.Emit(telephony.Event{Kind: telephony.EventICE, ICE: telephony.ICEFailed})
	assert.False(t, s.Snapshot().Reconnecting)
	assert.Equal(t, 1.0, s.Snapshot().Quality.QualityScore)
}

func TestReconnection_ProbeRecovers(t *testing.T) {
	s, tr, rec := newOutbound(t, session.Options{
		Reconnect: reconnect.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	})
	connect(t, s, tr)

	tr.Emit(telephony.Event{Kind: telephony.EventICE, ICE: telephony.ICEFailed})
	require.Eventually(t, func() bool {
		return len(rec.ofType(events.ReconnectionSuccessful)) == 1
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, 1, tr.Restarts())
	assert.False(t, s.Snapshot().Reconnecting)
	assert.Empty(t, rec.ofType(events.ReconnectionFailed))
}

func TestReconnection_HealthyICECancelsEpisode(t *testing.T) {
	s, tr, rec := newOutbound(t, session.Options{
		Reconnect: reconnect.Policy{MaxAttempts: 5, BaseDelay: time.Hour},
	})
	connect(t, s, tr)

	tr.Emit(telephony.Event{Kind: telephony.EventICE, ICE: telephony.ICEDisconnected})
	require.True(t, s.Snapshot().Reconnecting)
	require.Len(t, rec.ofType(events.ReconnectionAttempt), 1)

	tr.Emit(telephony.Event{Kind: telephony.EventICE, ICE: telephony.ICEConnected})
	assert.False(t, s.Snapshot().Reconnecting)
	assert.Len(t, rec.ofType(events.ReconnectionSuccessful), 1)
	assert.Equal(t, 0, tr.Restarts())
}

func TestReconnection_NotStartedBeforeConnect(t *testing.T) {
	s, tr, _ := newOutbound(t, session.Options{})
	require.NoError(t, s.StartCall(context.Background(), "+1555", telephony.CallOptions{}))

	tr.Emit(telephony.Event{Kind: telephony.EventICE, ICE: telephony.ICEFailed})
	assert.False(t, s.Snapshot().Reconnecting)
	assert.Equal(t, session.StateRinging, s.State())
}

func TestDestroy_StopsTimersSynchronously(t *testing.T) {
	s, tr, rec := newOutbound(t, session.Options{
		SampleInterval: 2 * time.Millisecond,
		TickInterval:   2 * time.Millisecond,
		Reconnect:      reconnect.Policy{MaxAttempts: 100, BaseDelay: 2 * time.Millisecond},
	})
	tr.SetRestartErr(errors.New("down"))
	connect(t, s, tr)
	tr.Emit(telephony.Event{Kind: telephony.EventICE, ICE: telephony.ICEFailed})

	require.Eventually(t, func() bool {
		return len(rec.ofType(events.TimerUpdate)) > 0 && tr.Restarts() > 0
	}, time.Second, time.Millisecond)

	s.Destroy()
	ticks, restarts := len(rec.ofType(events.TimerUpdate)), tr.Restarts()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, ticks, len(rec.ofType(events.TimerUpdate)))
	assert.Equal(t, restarts, tr.Restarts())
	assert.True(t, tr.Closed())

	_, err := s.EndCall(context.Background(), "hangup")
	assert.ErrorIs(t, err, session.ErrSessionDestroyed)
	assert.ErrorIs(t, s.SetMute(true), session.ErrSessionDestroyed)
	assert.True(t, s.Snapshot().Destroyed)

	// Late provider events are dropped.
	tr.Emit(telephony.Event{Kind: telephony.EventTerminated})
	assert.Equal(t, session.StateConnected, s.State())
}

func TestEventLogIsOrdered(t *testing.T) {
	s, tr, _ := newOutbound(t, session.Options{})
	connect(t, s, tr)
	require.NoError(t, s.SetMute(true))
	_, err := s.EndCall(context.Background(), "hangup")
	require.NoError(t, err)

	log := s.Snapshot().Events
	require.NotEmpty(t, log)
	for i := 1; i < len(log); i++ {
		assert.False(t, log[i].Timestamp.Before(log[i-1].Timestamp))
	}
	assert.Equal(t, events.CallEnded, log[len(log)-1].Type)
}
