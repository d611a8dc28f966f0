package httpapi

import (
	"net/http"
	"time"

	"coldcaller-telephony/internal/audit"
	"coldcaller-telephony/internal/auth"
	"coldcaller-telephony/internal/events"
	"coldcaller-telephony/internal/registry"
	"coldcaller-telephony/internal/reporting"
	"coldcaller-telephony/internal/session"
	"coldcaller-telephony/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Operators *auth.Directory
	Configs   *registry.Registry
	Calls     *session.Manager
	Audit     *audit.Service
	Reports   *reporting.Service
	Bus       *events.Bus

	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// --- Auth ---

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login exchanges operator credentials for a JWT token pair.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil || h.Operators == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Username == "" || req.Password == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}
	op, err := h.Operators.Authenticate(req.Username, req.Password)
	if err != nil {
		logger.FromGin(c).Warn("login failed", "username", req.Username, "ip", c.ClientIP())
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), op.Identity())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh issues a new pair. The role is looked up again so a demoted or
// removed operator cannot keep refreshing the old one.
func (h Handlers) Refresh(c *gin.Context) {
	if h.Auth == nil || h.Operators == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	id, err := h.Auth.Verify(req.RefreshToken, auth.TokenTypeRefresh, h.now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	op, ok := h.Operators.Lookup(id.UserID)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), op.Identity())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (h Handlers) Me(c *gin.Context) {
	id, _ := auth.IdentityFrom(c.Request.Context())
	c.JSON(http.StatusOK, id)
}

// --- Audit ---

func (h Handlers) AuditTrail(c *gin.Context) {
	if h.Audit == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "audit not configured"})
		return
	}
	limit := 100
	if v, ok := queryInt(c, "limit"); ok {
		limit = v
	}
	evs, err := h.Audit.Recent(c.Request.Context(), limit)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "audit lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

func actor(c *gin.Context) (userID, role string) {
	id, _ := auth.IdentityFrom(c.Request.Context())
	return id.UserID, id.Role
}

// record writes an operator action to the audit trail. Failures are logged only.
func (h Handlers) record(c *gin.Context, action, configID, message string) {
	if h.Audit == nil {
		return
	}
	uid, role := actor(c)
	if err := h.Audit.LogAdminAction(c.Request.Context(), uid, role, c.ClientIP(), action, configID, message); err != nil {
		logger.FromGin(c).Warn("audit write failed", "action", action, "err", err)
	}
}
