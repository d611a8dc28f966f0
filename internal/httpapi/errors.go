package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"coldcaller-telephony/internal/registry"
	"coldcaller-telephony/internal/reporting"
	"coldcaller-telephony/internal/session"
	"coldcaller-telephony/internal/telephony"
	"coldcaller-telephony/pkg/logger"

	"github.com/gin-gonic/gin"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrValidation),
		errors.Is(err, telephony.ErrUnknownProvider):
		return http.StatusUnprocessableEntity
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrActiveConfigDelete),
		errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, session.ErrNoActiveMedia),
		errors.Is(err, session.ErrNotInbound),
		errors.Is(err, session.ErrNotTerminal):
		return http.StatusConflict
	case errors.Is(err, session.ErrSessionDestroyed):
		return http.StatusGone
	case errors.Is(err, session.ErrInvalidNumber),
		errors.Is(err, reporting.ErrInvalidRequest),
		errors.Is(err, session.ErrInvalidTone),
		errors.Is(err, session.ErrInvalidVolume):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrCallLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, registry.ErrNoActiveConfig),
		errors.Is(err, session.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, telephony.ErrMediaUnsupported),
		errors.Is(err, telephony.ErrSignalingRequired):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "err", err)
		_ = c.Error(err)
	}
	body := gin.H{"error": err.Error()}
	var verr *registry.ValidationError
	if errors.As(err, &verr) {
		body["fields"] = verr.Fields
	}
	c.AbortWithStatusJSON(status, body)
}

func queryInt(c *gin.Context, key string) (int, bool) {
	v := c.Query(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
