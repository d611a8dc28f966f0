package main

import (
	"context"
	"net/http"
	"time"

	"coldcaller-telephony/internal/httpapi"
	"coldcaller-telephony/internal/telephony"

	"github.com/gin-gonic/gin"
)

// dependencyCheck pings one backing service for /healthz.
type dependencyCheck func(ctx context.Context) error

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc, webhookSecret string, deps map[string]dependencyCheck) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status, code := "ok", http.StatusOK
		results := make(map[string]string, len(deps))
		for name, check := range deps {
			if err := check(ctx); err != nil {
				results[name] = err.Error()
				status, code = "degraded", http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		c.JSON(code, gin.H{
			"status":       status,
			"dependencies": results,
			"monitoring":   h.Configs.MonitorStatus().Running,
		})
	})

	// Provider webhooks (public, shared-secret protected).
	{
		wh := telephony.InboundWebhookHandler{Accept: h.AcceptInbound}
		r.POST("/webhooks/inbound", httpapi.RequireWebhookSecret(webhookSecret), wh.HandleInboundCall)
	}

	h.Mount(r, authMW)
}
