package telephony

import (
	"context"
	"errors"
	"net/http"
	"time"

	"coldcaller-telephony/pkg/logger"

	"github.com/gin-gonic/gin"
)

// InboundWebhookHandler converts a provider webhook into an InboundOffer and
// hands it to Accept, which creates the ringing call session.
//
// No call logic here.
type InboundWebhookHandler struct {
	Accept func(ctx context.Context, offer InboundOffer) (sessionID string, err error)

	Now func() time.Time
}

func (h InboundWebhookHandler) HandleInboundCall(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Now == nil {
		h.Now = time.Now
	}
	if h.Accept == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "inbound calls not configured"})
		return
	}

	offer, err := ParseInboundOffer(c.Request, h.Now())
	if err != nil {
		log.Warn("inbound webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.Accept(c.Request.Context(), offer)
	if err != nil {
		log.Error("inbound call rejected", "call_id", offer.ProviderCallID, "err", err)
		status := http.StatusInternalServerError
		if errors.Is(err, ErrUnknownProvider) {
			status = http.StatusServiceUnavailable
		}
		c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
		return
	}

	log.Info("inbound call ringing", "session_id", id, "from", offer.From)
	c.JSON(http.StatusCreated, gin.H{"session_id": id})
}
