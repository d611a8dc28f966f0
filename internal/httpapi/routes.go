package httpapi

import (
	"coldcaller-telephony/internal/rbac"

	"github.com/gin-gonic/gin"
)

// Mount registers the /v1 API. Login and refresh are public; everything else
// sits behind authMW and role checks.
func (h Handlers) Mount(r gin.IRouter, authMW gin.HandlerFunc) {
	v1 := r.Group("/v1")

	// AUTH routes (token issuance).
	authGroup := v1.Group("/auth")
	{
		authGroup.POST("/login", h.Login)
		authGroup.POST("/refresh", h.Refresh)
	}

	protected := v1.Group("")
	protected.Use(authMW)

	readers := rbac.RequireAnyRole(rbac.RoleSupervisor, rbac.RoleAgent)
	admins := rbac.RequireAnyRole(rbac.RoleAdmin)
	agents := rbac.RequireAnyRole(rbac.RoleAgent)

	protected.GET("/me", h.Me)
	protected.GET("/events", readers, h.Events)
	protected.GET("/audit", rbac.RequireAnyRole(rbac.RoleSupervisor), h.AuditTrail)

	// REPORTING routes
	reports := protected.Group("/reports", rbac.RequireAnyRole(rbac.RoleSupervisor))
	{
		reports.GET("/calls/summary", h.CallsSummary)
		reports.GET("/calls/recent", h.RecentCalls)
	}

	// CONFIGURATION routes
	cfg := protected.Group("/configurations")
	{
		cfg.GET("", readers, h.ListConfigurations)
		cfg.GET("/active", readers, h.ActiveConfiguration)
		cfg.GET("/:id", readers, h.GetConfiguration)
		cfg.POST("", admins, h.CreateConfiguration)
		cfg.PATCH("/:id", admins, h.UpdateConfiguration)
		cfg.DELETE("/:id", admins, h.DeleteConfiguration)
		cfg.POST("/:id/activate", admins, h.ActivateConfiguration)
		cfg.POST("/:id/test", admins, h.TestConfiguration)
	}

	// MONITORING routes
	mon := protected.Group("/monitoring")
	{
		mon.GET("", readers, h.MonitoringStatus)
		mon.POST("/start", admins, h.StartMonitoring)
		mon.POST("/stop", admins, h.StopMonitoring)
		mon.POST("/check", admins, h.CheckHealth)
	}

	// CALLS routes
	calls := protected.Group("/calls")
	{
		calls.GET("", readers, h.ListCalls)
		calls.POST("", agents, h.StartCall)
		calls.GET("/:id", readers, h.GetCall)
		calls.GET("/:id/quality", readers, h.CallQuality)
		calls.POST("/:id/answer", agents, h.AnswerCall)
		calls.POST("/:id/reject", agents, h.RejectCall)
		calls.POST("/:id/end", agents, h.EndCall)
		calls.POST("/:id/hold", agents, h.HoldCall)
		calls.POST("/:id/unhold", agents, h.UnholdCall)
		calls.POST("/:id/dtmf", agents, h.SendDTMF)
		calls.POST("/:id/mute", agents, h.SetMute)
		calls.POST("/:id/volume", agents, h.SetVolume)
		calls.DELETE("/:id", agents, h.ReleaseCall)
	}
}
