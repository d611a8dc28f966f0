package telephony

import (
	"context"
	"errors"
	"time"

	"coldcaller-telephony/internal/quality"
)

var (
	ErrUnknownProvider   = errors.New("telephony: unknown provider")
	ErrProbeTimeout      = errors.New("telephony: probe timed out")
	ErrMediaUnsupported  = errors.New("telephony: provider has no media transport")
	ErrTransportClosed   = errors.New("telephony: transport closed")
	ErrNoActiveMedia     = errors.New("telephony: no active media stream")
	ErrSignalingRequired = errors.New("telephony: signaling url not configured")
)

// Provider defines the provider-agnostic interface used by the registry and call sessions.
//
// Rules:
// - No provider SDK calls outside telephony adapters.
// - Providers never persist credentials; they receive them per call through Endpoint.
type Provider interface {
	Name() string
	// HealthCheck probes reachability of the endpoint. It must honor ctx cancellation.
	HealthCheck(ctx context.Context, ep Endpoint) error
	// NewTransport builds a media transport bound to one call.
	NewTransport(ep Endpoint) (Transport, error)
}

// Transport drives a single call's signaling and media path.
//
// Implementations deliver events through the handler registered with OnEvent,
// always from their own goroutine and never from inside a Transport method call.
type Transport interface {
	MakeCall(ctx context.Context, number string, opts CallOptions) error
	AnswerCall(ctx context.Context) error
	RejectCall(ctx context.Context, reason string) error
	EndCall(ctx context.Context, reason string) error
	HoldCall(ctx context.Context) error
	UnholdCall(ctx context.Context) error
	SendDTMF(tone string) error
	SetMute(muted bool) error
	SetVolume(level float64) error

	// Stats returns raw statistics of the active media path.
	Stats(ctx context.Context) (quality.Stats, error)
	HasActiveMedia() bool
	// Restart renegotiates connectivity (ICE restart or re-registration).
	Restart(ctx context.Context) error

	OnEvent(h func(Event))
	Close() error
}

// OfferReceiver is implemented by transports that need the inbound offer
// (remote SDP, provider call id) before AnswerCall or RejectCall.
type OfferReceiver interface {
	PrepareInbound(offer InboundOffer) error
}

// Endpoint is the secret-bearing view of a connection configuration.
// It is handed only to providers and must never be serialized to clients.
type Endpoint struct {
	ConfigID    string
	Provider    string
	URI         string
	Username    string
	Secret      string
	Server      string
	DisplayName string

	RegistrationExpiry time.Duration
	ConnectionTimeout  time.Duration

	ICEServers   []ICEServer
	Transport    string
	SignalingURL string
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type CallOptions struct {
	LeadID   string            `json:"lead_id,omitempty"`
	CallerID string            `json:"caller_id,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

type EventKind string

const (
	EventEstablishing EventKind = "establishing"
	EventEstablished  EventKind = "established"
	EventTerminated   EventKind = "terminated"
	EventICE          EventKind = "ice"
	EventMedia        EventKind = "media"
)

type ICEState string

const (
	ICENew          ICEState = "new"
	ICEChecking     ICEState = "checking"
	ICEConnected    ICEState = "connected"
	ICECompleted    ICEState = "completed"
	ICEDisconnected ICEState = "disconnected"
	ICEFailed       ICEState = "failed"
	ICEClosed       ICEState = "closed"
)

// Degraded reports whether media connectivity is impaired.
func (s ICEState) Degraded() bool {
	return s == ICEDisconnected || s == ICEFailed
}

// Healthy reports whether media connectivity is established.
func (s ICEState) Healthy() bool {
	return s == ICEConnected || s == ICECompleted
}

// Event is a provider-originated signal consumed by a call session.
type Event struct {
	Kind EventKind
	ICE  ICEState
	// Reason accompanies EventTerminated (e.g. "remote-hangup", "busy").
	Reason string
	// Err is set when the transport terminated abnormally.
	Err error
	// RemoteAudio accompanies EventMedia.
	RemoteAudio bool
	At          time.Time
}
