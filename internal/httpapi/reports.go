package httpapi

import (
	"net/http"
	"time"

	"coldcaller-telephony/internal/reporting"

	"github.com/gin-gonic/gin"
)

// CallsSummary aggregates finished calls. from and to are RFC 3339; the
// default window is the last 24 hours.
func (h Handlers) CallsSummary(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "reporting not configured"})
		return
	}
	to := h.now()
	from := to.Add(-24 * time.Hour)
	var ok bool
	if from, ok = queryTime(c, "from", from); !ok {
		return
	}
	if to, ok = queryTime(c, "to", to); !ok {
		return
	}
	out, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		Range:    reporting.TimeRange{From: from, To: to},
		ConfigID: c.Query("configId"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) RecentCalls(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "reporting not configured"})
		return
	}
	since, ok := queryTime(c, "since", h.now().Add(-24*time.Hour))
	if !ok {
		return
	}
	limit := 50
	if v, ok := queryInt(c, "limit"); ok {
		limit = v
	}
	out, err := h.Reports.RecentCalls(c.Request.Context(), since, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": out})
}

func queryTime(c *gin.Context, key string, def time.Time) (time.Time, bool) {
	v := c.Query(key)
	if v == "" {
		return def, true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": key + " must be RFC 3339"})
		return time.Time{}, false
	}
	return t, true
}
