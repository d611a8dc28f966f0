package webrtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"coldcaller-telephony/internal/quality"
	"coldcaller-telephony/internal/telephony"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	pion "github.com/pion/webrtc/v4"
)

var (
	errCallInProgress = errors.New("webrtc: call already in progress")
	errNoOffer        = errors.New("webrtc: no remote offer to answer")
)

// Transport is one call's peer connection plus its signaling channel.
type Transport struct {
	ep     telephony.Endpoint
	dialer *websocket.Dialer
	log    *slog.Logger

	mu          sync.Mutex
	sig         *signaler
	pc          *pion.PeerConnection
	sender      *pion.RTPSender
	track       *pion.TrackLocalStaticSample
	dtmf        *pion.DataChannel
	callID      string
	remoteSDP   string
	handler     func(telephony.Event)
	pending     chan error
	established bool
	ice         telephony.ICEState
	iceWaiters  []chan struct{}
	muted       bool
	held        bool
	volume      float64
	counters    counters
	closed      bool

	events chan telephony.Event
	quit   chan struct{}
}

var (
	_ telephony.Transport     = (*Transport)(nil)
	_ telephony.OfferReceiver = (*Transport)(nil)
)

func newTransport(ep telephony.Endpoint, dialer *websocket.Dialer, log *slog.Logger) *Transport {
	t := &Transport{
		ep:     ep,
		dialer: dialer,
		log:    log,
		ice:    telephony.ICENew,
		volume: 1,
		events: make(chan telephony.Event, 32),
		quit:   make(chan struct{}),
	}
	go t.dispatch()
	return t
}

func (t *Transport) OnEvent(h func(telephony.Event)) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// dispatch delivers events on its own goroutine, never inside a Transport method.
func (t *Transport) dispatch() {
	for {
		select {
		case <-t.quit:
			return
		case e := <-t.events:
			t.mu.Lock()
			h := t.handler
			t.mu.Unlock()
			if h != nil {
				t.deliver(h, e)
			}
		}
	}
}

func (t *Transport) deliver(h func(telephony.Event), e telephony.Event) {
	defer func() {
		if p := recover(); p != nil {
			t.log.Error("transport event handler panicked", "kind", e.Kind, "panic", p)
		}
	}()
	h(e)
}

func (t *Transport) emit(e telephony.Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case t.events <- e:
	case <-t.quit:
	}
}

func (t *Transport) PrepareInbound(offer telephony.InboundOffer) error {
	if offer.SDP == "" {
		return errNoOffer
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remoteSDP = offer.SDP
	t.callID = offer.ProviderCallID
	return nil
}

func (t *Transport) MakeCall(ctx context.Context, number string, opts telephony.CallOptions) error {
	if err := t.begin(); err != nil {
		return err
	}
	sig, err := t.connect(ctx)
	if err != nil {
		return err
	}

	pc, err := t.newPeerConnection()
	if err != nil {
		return err
	}
	dc, err := pc.CreateDataChannel("dtmf", nil)
	if err != nil {
		return fmt.Errorf("webrtc: dtmf channel: %w", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("webrtc: create offer: %w", err)
	}
	if err := setLocalAndGather(ctx, pc, offer); err != nil {
		return err
	}

	pending := make(chan error, 1)
	t.mu.Lock()
	t.dtmf = dc
	t.callID = uuid.NewString()
	t.pending = pending
	callID := t.callID
	t.mu.Unlock()

	go t.readLoop(sig)

	err = sig.send(message{
		Type:     msgInvite,
		CallID:   callID,
		To:       number,
		CallerID: opts.CallerID,
		LeadID:   opts.LeadID,
		Headers:  opts.Headers,
		SDP:      pc.LocalDescription().SDP,
	})
	if err != nil {
		return fmt.Errorf("webrtc: send invite: %w", err)
	}

	select {
	case err := <-pending:
		return err
	case <-ctx.Done():
		t.resolve(nil)
		return ctx.Err()
	}
}

func (t *Transport) AnswerCall(ctx context.Context) error {
	t.mu.Lock()
	sdp, callID := t.remoteSDP, t.callID
	t.mu.Unlock()
	if sdp == "" {
		return errNoOffer
	}
	if err := t.begin(); err != nil {
		return err
	}
	sig, err := t.connect(ctx)
	if err != nil {
		return err
	}

	pc, err := t.newPeerConnection()
	if err != nil {
		return err
	}
	pc.OnDataChannel(func(dc *pion.DataChannel) {
		if dc.Label() == "dtmf" {
			t.mu.Lock()
			t.dtmf = dc
			t.mu.Unlock()
		}
	})

	if err := pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("webrtc: remote offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("webrtc: create answer: %w", err)
	}
	if err := setLocalAndGather(ctx, pc, answer); err != nil {
		return err
	}

	go t.readLoop(sig)
	t.emit(telephony.Event{Kind: telephony.EventEstablishing})

	if err := sig.send(message{Type: msgAnswer, CallID: callID, SDP: pc.LocalDescription().SDP}); err != nil {
		return fmt.Errorf("webrtc: send answer: %w", err)
	}
	return nil
}

func (t *Transport) RejectCall(ctx context.Context, reason string) error {
	sig, err := t.connect(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	callID := t.callID
	t.mu.Unlock()
	return sig.send(message{Type: msgReject, CallID: callID, Reason: reason})
}

func (t *Transport) EndCall(_ context.Context, reason string) error {
	t.mu.Lock()
	sig, callID := t.sig, t.callID
	t.mu.Unlock()
	if sig == nil {
		return nil
	}
	return sig.send(message{Type: msgBye, CallID: callID, Reason: reason})
}

func (t *Transport) HoldCall(context.Context) error {
	return t.setHeld(true, msgHold)
}

func (t *Transport) UnholdCall(context.Context) error {
	return t.setHeld(false, msgUnhold)
}

func (t *Transport) setHeld(held bool, kind string) error {
	t.mu.Lock()
	sig, callID := t.sig, t.callID
	if sig == nil {
		t.mu.Unlock()
		return telephony.ErrNoActiveMedia
	}
	t.held = held
	t.mu.Unlock()

	if err := t.applySendTrack(); err != nil {
		return err
	}
	return sig.send(message{Type: kind, CallID: callID})
}

func (t *Transport) SendDTMF(tone string) error {
	t.mu.Lock()
	dc, sig, callID := t.dtmf, t.sig, t.callID
	t.mu.Unlock()

	if dc != nil && dc.ReadyState() == pion.DataChannelStateOpen {
		return dc.SendText(tone)
	}
	if sig != nil {
		return sig.send(message{Type: msgDTMF, CallID: callID, Tone: tone})
	}
	return telephony.ErrNoActiveMedia
}

func (t *Transport) SetMute(muted bool) error {
	t.mu.Lock()
	t.muted = muted
	t.mu.Unlock()
	return t.applySendTrack()
}

// SetVolume records the playback gain applied by the consumer of remote audio.
func (t *Transport) SetVolume(level float64) error {
	t.mu.Lock()
	t.volume = level
	t.mu.Unlock()
	return nil
}

// applySendTrack detaches the local track while muted or held.
func (t *Transport) applySendTrack() error {
	t.mu.Lock()
	sender, track := t.sender, t.track
	silent := t.muted || t.held
	t.mu.Unlock()
	if sender == nil {
		return telephony.ErrNoActiveMedia
	}
	if silent {
		return sender.ReplaceTrack(nil)
	}
	return sender.ReplaceTrack(track)
}

func (t *Transport) HasActiveMedia() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && t.pc != nil && t.established && !t.ice.Degraded()
}

func (t *Transport) Stats(context.Context) (quality.Stats, error) {
	t.mu.Lock()
	pc := t.pc
	t.mu.Unlock()
	if pc == nil {
		return quality.Stats{}, telephony.ErrNoActiveMedia
	}

	report := pc.GetStats()

	t.mu.Lock()
	defer t.mu.Unlock()
	s, next := reduceStats(report, t.counters)
	t.counters = next
	return s, nil
}

// Restart performs an ICE restart and waits until connectivity is healthy again.
func (t *Transport) Restart(ctx context.Context) error {
	t.mu.Lock()
	pc, sig, callID := t.pc, t.sig, t.callID
	t.mu.Unlock()
	if pc == nil || sig == nil {
		return telephony.ErrNoActiveMedia
	}

	offer, err := pc.CreateOffer(&pion.OfferOptions{ICERestart: true})
	if err != nil {
		return fmt.Errorf("webrtc: restart offer: %w", err)
	}
	if err := setLocalAndGather(ctx, pc, offer); err != nil {
		return err
	}

	healthy := make(chan struct{})
	t.mu.Lock()
	t.iceWaiters = append(t.iceWaiters, healthy)
	t.mu.Unlock()

	if err := sig.send(message{Type: msgOffer, CallID: callID, SDP: pc.LocalDescription().SDP, Restart: true}); err != nil {
		return fmt.Errorf("webrtc: send restart offer: %w", err)
	}

	select {
	case <-healthy:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	pc, sig := t.pc, t.sig
	close(t.quit)
	t.mu.Unlock()

	t.resolve(telephony.ErrTransportClosed)

	var err error
	if pc != nil {
		err = pc.Close()
	}
	if sig != nil {
		sig.close()
	}
	return err
}

func (t *Transport) begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return telephony.ErrTransportClosed
	}
	if t.pc != nil {
		return errCallInProgress
	}
	return nil
}

// connect dials signaling once per transport.
func (t *Transport) connect(ctx context.Context) (*signaler, error) {
	t.mu.Lock()
	if t.sig != nil {
		s := t.sig
		t.mu.Unlock()
		return s, nil
	}
	t.mu.Unlock()

	s, err := dialSignaling(ctx, t.dialer, t.ep)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		s.close()
		return nil, telephony.ErrTransportClosed
	}
	if t.sig != nil {
		s.close()
		return t.sig, nil
	}
	t.sig = s
	return s, nil
}

func (t *Transport) newPeerConnection() (*pion.PeerConnection, error) {
	pc, err := pion.NewPeerConnection(pion.Configuration{ICEServers: iceServers(t.ep.ICEServers)})
	if err != nil {
		return nil, fmt.Errorf("webrtc: peer connection: %w", err)
	}

	track, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "coldcaller",
	)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("webrtc: audio track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("webrtc: add track: %w", err)
	}

	// Read incoming RTCP so interceptors keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	pc.OnICEConnectionStateChange(func(s pion.ICEConnectionState) {
		t.onICE(iceState(s))
	})
	pc.OnTrack(func(remote *pion.TrackRemote, _ *pion.RTPReceiver) {
		if remote.Kind() != pion.RTPCodecTypeAudio {
			return
		}
		t.emit(telephony.Event{Kind: telephony.EventMedia, RemoteAudio: true})
		buf := make([]byte, 1500)
		for {
			if _, _, err := remote.Read(buf); err != nil {
				return
			}
		}
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		_ = pc.Close()
		return nil, telephony.ErrTransportClosed
	}
	t.pc, t.sender, t.track = pc, sender, track
	return pc, nil
}

func (t *Transport) onICE(s telephony.ICEState) {
	t.mu.Lock()
	t.ice = s
	first := s.Healthy() && !t.established
	if first {
		t.established = true
	}
	var waiters []chan struct{}
	if s.Healthy() {
		waiters, t.iceWaiters = t.iceWaiters, nil
	}
	t.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	t.log.Debug("ice state", "state", s)
	t.emit(telephony.Event{Kind: telephony.EventICE, ICE: s})
	if first {
		t.emit(telephony.Event{Kind: telephony.EventEstablished})
	}
}

func (t *Transport) readLoop(sig *signaler) {
	for {
		m, err := sig.read()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			if !t.resolve(fmt.Errorf("webrtc: signaling lost: %w", err)) {
				t.emit(telephony.Event{Kind: telephony.EventTerminated, Reason: "signaling-lost", Err: err})
			}
			return
		}
		t.handle(m)
	}
}

func (t *Transport) handle(m message) {
	switch m.Type {
	case msgRinging:
		t.resolve(nil)
		t.emit(telephony.Event{Kind: telephony.EventEstablishing})
	case msgAnswer:
		t.resolve(nil)
		t.mu.Lock()
		pc := t.pc
		t.mu.Unlock()
		if pc == nil {
			return
		}
		if err := pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: m.SDP}); err != nil {
			t.log.Warn("remote answer rejected", "err", err)
			t.emit(telephony.Event{Kind: telephony.EventTerminated, Reason: "negotiation-failed", Err: err})
		}
	case msgReject:
		err := fmt.Errorf("webrtc: call rejected: %s", m.Reason)
		if !t.resolve(err) {
			t.emit(telephony.Event{Kind: telephony.EventTerminated, Reason: "rejected", Err: err})
		}
	case msgBye:
		reason := m.Reason
		if reason == "" {
			reason = "remote-hangup"
		}
		t.emit(telephony.Event{Kind: telephony.EventTerminated, Reason: reason})
	case msgError:
		err := fmt.Errorf("webrtc: gateway error: %s", m.Reason)
		if !t.resolve(err) {
			t.emit(telephony.Event{Kind: telephony.EventTerminated, Reason: "gateway-error", Err: err})
		}
	default:
		t.log.Debug("signaling message ignored", "type", m.Type)
	}
}

// resolve completes a MakeCall waiting for the gateway. It reports whether one was waiting.
func (t *Transport) resolve(err error) bool {
	t.mu.Lock()
	p := t.pending
	t.pending = nil
	t.mu.Unlock()
	if p == nil {
		return false
	}
	p <- err
	return true
}

func setLocalAndGather(ctx context.Context, pc *pion.PeerConnection, desc pion.SessionDescription) error {
	gathered := pion.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("webrtc: local description: %w", err)
	}
	select {
	case <-gathered:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
