package httpapi

import (
	"context"
	"net/http"

	"coldcaller-telephony/internal/session"
	"coldcaller-telephony/internal/telephony"
	"coldcaller-telephony/pkg/logger"

	"github.com/gin-gonic/gin"
)

// --- Calls ---

type startCallRequest struct {
	PhoneNumber string            `json:"phone_number"`
	LeadID      string            `json:"lead_id,omitempty"`
	CallerID    string            `json:"caller_id,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

func (h Handlers) ListCalls(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"calls": h.Calls.List()})
}

// StartCall dials an outbound number on the active configuration. A call the
// transport refused is still returned so the agent sees why it failed.
func (h Handlers) StartCall(c *gin.Context) {
	var req startCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	s, err := h.Calls.StartOutbound(c.Request.Context(), req.PhoneNumber, telephony.CallOptions{
		LeadID:   req.LeadID,
		CallerID: req.CallerID,
		Headers:  req.Headers,
	})
	if err != nil {
		if s == nil {
			writeError(c, err)
			return
		}
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		logger.FromGin(c).Warn("outbound call failed", "session_id", s.ID(), "err", err)
		c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "call": s.Snapshot()})
		return
	}
	c.JSON(http.StatusCreated, s.Snapshot())
}

func (h Handlers) GetCall(c *gin.Context) {
	s, ok := h.call(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.Snapshot())
}

func (h Handlers) CallQuality(c *gin.Context) {
	s, ok := h.call(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.QualityReport())
}

func (h Handlers) AnswerCall(c *gin.Context) {
	h.act(c, func(ctx context.Context, s *session.Session) error { return s.AnswerCall(ctx) })
}

func (h Handlers) HoldCall(c *gin.Context) {
	h.act(c, func(ctx context.Context, s *session.Session) error { return s.HoldCall(ctx) })
}

func (h Handlers) UnholdCall(c *gin.Context) {
	h.act(c, func(ctx context.Context, s *session.Session) error { return s.UnholdCall(ctx) })
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h Handlers) RejectCall(c *gin.Context) {
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)
	h.act(c, func(ctx context.Context, s *session.Session) error { return s.RejectCall(ctx, req.Reason) })
}

func (h Handlers) EndCall(c *gin.Context) {
	s, ok := h.call(c)
	if !ok {
		return
	}
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)
	report, err := s.EndCall(c.Request.Context(), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "call": s.Snapshot()})
}

type dtmfRequest struct {
	Tone string `json:"tone"`
}

func (h Handlers) SendDTMF(c *gin.Context) {
	var req dtmfRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	h.act(c, func(_ context.Context, s *session.Session) error { return s.SendDTMF(req.Tone) })
}

type muteRequest struct {
	Muted *bool `json:"muted"`
}

func (h Handlers) SetMute(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Muted == nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "muted required"})
		return
	}
	h.act(c, func(_ context.Context, s *session.Session) error { return s.SetMute(*req.Muted) })
}

type volumeRequest struct {
	Volume *float64 `json:"volume"`
}

func (h Handlers) SetVolume(c *gin.Context) {
	var req volumeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Volume == nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "volume required"})
		return
	}
	h.act(c, func(_ context.Context, s *session.Session) error { return s.SetVolume(*req.Volume) })
}

// ReleaseCall acknowledges a finished call and frees it.
func (h Handlers) ReleaseCall(c *gin.Context) {
	if err := h.Calls.Release(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// AcceptInbound adapts the session manager to telephony.InboundWebhookHandler.
func (h Handlers) AcceptInbound(ctx context.Context, offer telephony.InboundOffer) (string, error) {
	s, err := h.Calls.AcceptInbound(ctx, offer)
	if err != nil {
		return "", err
	}
	return s.ID(), nil
}

func (h Handlers) call(c *gin.Context) (*session.Session, bool) {
	s, err := h.Calls.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return s, true
}

// act runs op against the addressed call and answers with its snapshot.
func (h Handlers) act(c *gin.Context, op func(context.Context, *session.Session) error) {
	s, ok := h.call(c)
	if !ok {
		return
	}
	if err := op(c.Request.Context(), s); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.Snapshot())
}
