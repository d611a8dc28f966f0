package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"coldcaller-telephony/internal/events"
	"coldcaller-telephony/internal/reconnect"
	"coldcaller-telephony/internal/registry"
	"coldcaller-telephony/internal/telephony"

	"github.com/google/uuid"
)

// TransportOpener hands out a transport for the active configuration.
// *registry.Registry satisfies it.
type TransportOpener interface {
	OpenActiveTransport() (telephony.Transport, registry.View, error)
}

type ManagerOptions struct {
	Configs TransportOpener
	Limiter Limiter
	Events  events.Publisher
	Logger  *slog.Logger
	Now     func() time.Time

	SampleInterval time.Duration
	TickInterval   time.Duration
	// RecoveryMaxDelay caps the per-session reconnection backoff.
	RecoveryMaxDelay time.Duration

	// OnFinished runs once per session after it reaches a terminal state or
	// is destroyed, outside any session lock. Sessions discarded before
	// dialing are skipped.
	OnFinished func(*Session)
}

// Manager owns live sessions by id. A session stays registered after it ends
// until the consumer releases it.
type Manager struct {
	opts ManagerOptions
	log  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Configs == nil {
		return nil, errors.New("session: transport opener is required")
	}
	if opts.Limiter == nil {
		opts.Limiter = Unlimited{}
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		opts:     opts,
		log:      opts.Logger.With("component", "session_manager"),
		sessions: make(map[string]*Session),
	}, nil
}

// StartOutbound opens a transport on the active configuration and dials
// number. When the transport rejects the call the failed session is still
// returned alongside the error so callers can inspect and release it. A call
// that never left initializing is discarded and only the error is returned.
func (m *Manager) StartOutbound(ctx context.Context, number string, opts telephony.CallOptions) (*Session, error) {
	if strings.TrimSpace(number) == "" {
		return nil, ErrInvalidNumber
	}
	id := uuid.NewString()
	tr, view, err := m.open(ctx, id)
	if err != nil {
		return nil, err
	}

	s := NewOutbound(id, tr, m.sessionOptions(view))
	if err := m.add(s); err != nil {
		s.Destroy()
		return nil, err
	}
	m.log.Info("outbound session created", "session_id", id, "config_id", view.ID)

	if err := s.StartCall(ctx, number, opts); err != nil {
		if s.State() == StateInitializing {
			m.discard(s)
			return nil, err
		}
		return s, err
	}
	return s, nil
}

// discard unregisters and destroys s, which frees its limiter slot.
func (m *Manager) discard(s *Session) {
	m.mu.Lock()
	if m.sessions[s.ID()] == s {
		delete(m.sessions, s.ID())
	}
	m.mu.Unlock()
	s.Destroy()
}

// AcceptInbound registers a ringing session for an offered call.
func (m *Manager) AcceptInbound(ctx context.Context, offer telephony.InboundOffer) (*Session, error) {
	id := uuid.NewString()
	tr, view, err := m.open(ctx, id)
	if err != nil {
		return nil, err
	}
	if rx, ok := tr.(telephony.OfferReceiver); ok {
		if err := rx.PrepareInbound(offer); err != nil {
			_ = tr.Close()
			m.release(id)
			return nil, fmt.Errorf("session: prepare inbound: %w", err)
		}
	}

	s := NewInbound(id, offer, tr, m.sessionOptions(view))
	if err := m.add(s); err != nil {
		s.Destroy()
		return nil, err
	}
	m.log.Info("inbound session created", "session_id", id, "from", offer.From, "provider_call_id", offer.ProviderCallID)
	return s, nil
}

func (m *Manager) open(ctx context.Context, id string) (telephony.Transport, registry.View, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, registry.View{}, ErrShuttingDown
	}

	ok, err := m.opts.Limiter.Acquire(ctx, id)
	if err != nil {
		return nil, registry.View{}, fmt.Errorf("session: call limiter: %w", err)
	}
	if !ok {
		return nil, registry.View{}, ErrCallLimit
	}

	tr, view, err := m.opts.Configs.OpenActiveTransport()
	if err != nil {
		m.release(id)
		return nil, registry.View{}, err
	}
	return tr, view, nil
}

func (m *Manager) sessionOptions(view registry.View) Options {
	return Options{
		SampleInterval:    m.opts.SampleInterval,
		TickInterval:      m.opts.TickInterval,
		ConnectionTimeout: time.Duration(view.ConnectionTimeoutMs) * time.Millisecond,
		Reconnect: reconnect.Policy{
			MaxAttempts: view.MaxReconnectAttempts,
			BaseDelay:   time.Duration(view.ReconnectBaseDelayMs) * time.Millisecond,
			MaxDelay:    m.opts.RecoveryMaxDelay,
		},
		Events:     m.opts.Events,
		Logger:     m.opts.Logger,
		Now:        m.opts.Now,
		ConfigID:   view.ID,
		OnTerminal: m.finished,
	}
}

func (m *Manager) add(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrShuttingDown
	}
	m.sessions[s.ID()] = s
	return nil
}

// finished frees the slot of s. Sessions that never placed a call are not
// handed to OnFinished.
func (m *Manager) finished(s *Session) {
	m.release(s.ID())
	if m.opts.OnFinished != nil && s.State() != StateInitializing {
		m.opts.OnFinished(s)
	}
}

// release frees the limiter slot held by id.
func (m *Manager) release(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.opts.Limiter.Release(ctx, id); err != nil {
		m.log.Warn("call limiter release failed", "session_id", id, "err", err)
	}
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns snapshots of every registered session, oldest first.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(all))
	for _, s := range all {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Release acknowledges a finished session and destroys it.
func (m *Manager) Release(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if !s.State().IsTerminal() {
		m.mu.Unlock()
		return ErrNotTerminal
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	s.Destroy()
	return nil
}

// Shutdown ends every live call and destroys all sessions. New calls are
// refused afterwards.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if !s.State().IsTerminal() {
				if _, err := s.EndCall(ctx, "shutdown"); err != nil {
					m.log.Warn("end call on shutdown", "session_id", s.ID(), "err", err)
				}
			}
			s.Destroy()
		}(s)
	}
	wg.Wait()
	m.log.Info("session manager stopped", "sessions", len(all))
}
