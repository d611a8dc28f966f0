package webrtc

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"coldcaller-telephony/internal/telephony"

	"github.com/gorilla/websocket"
)

const (
	msgInvite  = "invite"
	msgRinging = "ringing"
	msgAnswer  = "answer"
	msgOffer   = "offer"
	msgReject  = "reject"
	msgBye     = "bye"
	msgHold    = "hold"
	msgUnhold  = "unhold"
	msgDTMF    = "dtmf"
	msgError   = "error"

	writeWait = 5 * time.Second
)

// message is the JSON envelope exchanged with the signaling gateway.
type message struct {
	Type     string            `json:"type"`
	CallID   string            `json:"callId,omitempty"`
	To       string            `json:"to,omitempty"`
	CallerID string            `json:"callerId,omitempty"`
	LeadID   string            `json:"leadId,omitempty"`
	SDP      string            `json:"sdp,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Tone     string            `json:"tone,omitempty"`
	Restart  bool              `json:"restart,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

type signaler struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func signalingURL(ep telephony.Endpoint) string {
	if ep.SignalingURL != "" {
		return ep.SignalingURL
	}
	return "wss://" + ep.Server + "/ws"
}

func dialSignaling(ctx context.Context, dialer *websocket.Dialer, ep telephony.Endpoint) (*signaler, error) {
	if ep.Server == "" && ep.SignalingURL == "" {
		return nil, telephony.ErrSignalingRequired
	}
	h := http.Header{}
	if ep.Username != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(ep.Username + ":" + ep.Secret))
		h.Set("Authorization", "Basic "+cred)
	}
	conn, resp, err := dialer.DialContext(ctx, signalingURL(ep), h)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("webrtc: signaling handshake: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("webrtc: signaling dial: %w", err)
	}
	return &signaler{conn: conn}, nil
}

func (s *signaler) send(m message) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(m)
}

func (s *signaler) read() (message, error) {
	var m message
	err := s.conn.ReadJSON(&m)
	return m, err
}

func (s *signaler) close() {
	s.wmu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.wmu.Unlock()
	_ = s.conn.Close()
}
