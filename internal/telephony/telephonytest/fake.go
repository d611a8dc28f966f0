// Package telephonytest provides an in-memory telephony.Provider for tests.
package telephonytest

import (
	"context"
	"sync"
	"time"

	"coldcaller-telephony/internal/quality"
	"coldcaller-telephony/internal/telephony"
)

// Provider is a scriptable fake. The zero value is not usable; call NewProvider.
type Provider struct {
	name string

	mu          sync.Mutex
	healthErr   error
	healthHang  bool
	healthCalls int
	endpoints   []telephony.Endpoint
	newErr      error
	transports  []*Transport
}

func NewProvider(name string) *Provider {
	return &Provider{name: name}
}

func (p *Provider) Name() string { return p.name }

// SetHealth makes subsequent health checks return err.
func (p *Provider) SetHealth(err error) {
	p.mu.Lock()
	p.healthErr = err
	p.mu.Unlock()
}

// SetHang makes health checks block until their context is done.
func (p *Provider) SetHang(hang bool) {
	p.mu.Lock()
	p.healthHang = hang
	p.mu.Unlock()
}

func (p *Provider) SetNewTransportErr(err error) {
	p.mu.Lock()
	p.newErr = err
	p.mu.Unlock()
}

func (p *Provider) HealthCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthCalls
}

func (p *Provider) Endpoints() []telephony.Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]telephony.Endpoint(nil), p.endpoints...)
}

func (p *Provider) HealthCheck(ctx context.Context, ep telephony.Endpoint) error {
	p.mu.Lock()
	p.healthCalls++
	p.endpoints = append(p.endpoints, ep)
	err, hang := p.healthErr, p.healthHang
	p.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (p *Provider) NewTransport(ep telephony.Endpoint) (telephony.Transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.newErr != nil {
		return nil, p.newErr
	}
	t := NewTransport()
	t.Endpoint = ep
	p.transports = append(p.transports, t)
	return t, nil
}

// Last returns the most recently created transport, or nil.
func (p *Provider) Last() *Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.transports) == 0 {
		return nil
	}
	return p.transports[len(p.transports)-1]
}

// Transport records every call made on it and lets tests inject provider events.
type Transport struct {
	Endpoint telephony.Endpoint

	mu         sync.Mutex
	handler    func(telephony.Event)
	calls      []string
	makeErr    error
	makeGate   chan struct{}
	restartErr error
	restarts   int
	stats      quality.Stats
	statsErr   error
	media      bool
	muted      bool
	volume     float64
	tones      []string
	closed     bool
}

func NewTransport() *Transport {
	return &Transport{volume: 1, stats: quality.Stats{AudioLevel: 0.5}}
}

// FailMakeCall makes MakeCall return err.
func (t *Transport) FailMakeCall(err error) {
	t.mu.Lock()
	t.makeErr = err
	t.mu.Unlock()
}

// GateMakeCall blocks MakeCall until the returned release func is called.
func (t *Transport) GateMakeCall() (release func()) {
	gate := make(chan struct{})
	t.mu.Lock()
	t.makeGate = gate
	t.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (t *Transport) SetRestartErr(err error) {
	t.mu.Lock()
	t.restartErr = err
	t.mu.Unlock()
}

func (t *Transport) SetStats(s quality.Stats, err error) {
	t.mu.Lock()
	t.stats, t.statsErr = s, err
	t.mu.Unlock()
}

func (t *Transport) SetMedia(active bool) {
	t.mu.Lock()
	t.media = active
	t.mu.Unlock()
}

// Emit delivers e to the registered handler on the caller's goroutine.
// An established event also activates media.
func (t *Transport) Emit(e telephony.Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	t.mu.Lock()
	if e.Kind == telephony.EventEstablished {
		t.media = true
	}
	if e.Kind == telephony.EventTerminated {
		t.media = false
	}
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h(e)
	}
}

func (t *Transport) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

func (t *Transport) Tones() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.tones...)
}

func (t *Transport) Muted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.muted
}

func (t *Transport) Volume() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.volume
}

func (t *Transport) Restarts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.restarts
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) record(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return telephony.ErrTransportClosed
	}
	t.calls = append(t.calls, name)
	return nil
}

func (t *Transport) MakeCall(ctx context.Context, number string, _ telephony.CallOptions) error {
	if err := t.record("make:" + number); err != nil {
		return err
	}
	t.mu.Lock()
	gate, err := t.makeGate, t.makeErr
	t.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (t *Transport) AnswerCall(context.Context) error { return t.record("answer") }

func (t *Transport) RejectCall(_ context.Context, reason string) error {
	return t.record("reject:" + reason)
}

func (t *Transport) EndCall(_ context.Context, reason string) error {
	return t.record("end:" + reason)
}

func (t *Transport) HoldCall(context.Context) error   { return t.record("hold") }
func (t *Transport) UnholdCall(context.Context) error { return t.record("unhold") }

func (t *Transport) SendDTMF(tone string) error {
	if err := t.record("dtmf:" + tone); err != nil {
		return err
	}
	t.mu.Lock()
	t.tones = append(t.tones, tone)
	t.mu.Unlock()
	return nil
}

func (t *Transport) SetMute(muted bool) error {
	if err := t.record("mute"); err != nil {
		return err
	}
	t.mu.Lock()
	t.muted = muted
	t.mu.Unlock()
	return nil
}

func (t *Transport) SetVolume(level float64) error {
	if err := t.record("volume"); err != nil {
		return err
	}
	t.mu.Lock()
	t.volume = level
	t.mu.Unlock()
	return nil
}

func (t *Transport) Stats(context.Context) (quality.Stats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats, t.statsErr
}

func (t *Transport) HasActiveMedia() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.media && !t.closed
}

func (t *Transport) Restart(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.restarts++
	return t.restartErr
}

func (t *Transport) OnEvent(h func(telephony.Event)) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.media = false
	return nil
}
