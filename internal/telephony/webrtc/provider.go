// Package webrtc implements telephony.Provider on top of pion/webrtc with a
// JSON-over-websocket signaling gateway.
package webrtc

import (
	"context"
	"log/slog"
	"time"

	"coldcaller-telephony/internal/telephony"

	"github.com/gorilla/websocket"
	pion "github.com/pion/webrtc/v4"
)

type Provider struct {
	name   string
	dialer *websocket.Dialer
	log    *slog.Logger
}

func New(name string, log *slog.Logger) *Provider {
	if name == "" {
		name = "webrtc"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Provider{
		name:   name,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    log,
	}
}

func (p *Provider) Name() string { return p.name }

// HealthCheck completes a signaling handshake with the endpoint's credentials.
func (p *Provider) HealthCheck(ctx context.Context, ep telephony.Endpoint) error {
	s, err := dialSignaling(ctx, p.dialer, ep)
	if err != nil {
		return err
	}
	s.close()
	return nil
}

func (p *Provider) NewTransport(ep telephony.Endpoint) (telephony.Transport, error) {
	return newTransport(ep, p.dialer, p.log.With("provider", p.name, "config_id", ep.ConfigID)), nil
}

func iceServers(in []telephony.ICEServer) []pion.ICEServer {
	out := make([]pion.ICEServer, 0, len(in))
	for _, s := range in {
		srv := pion.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

func iceState(s pion.ICEConnectionState) telephony.ICEState {
	switch s {
	case pion.ICEConnectionStateChecking:
		return telephony.ICEChecking
	case pion.ICEConnectionStateConnected:
		return telephony.ICEConnected
	case pion.ICEConnectionStateCompleted:
		return telephony.ICECompleted
	case pion.ICEConnectionStateDisconnected:
		return telephony.ICEDisconnected
	case pion.ICEConnectionStateFailed:
		return telephony.ICEFailed
	case pion.ICEConnectionStateClosed:
		return telephony.ICEClosed
	default:
		return telephony.ICENew
	}
}
