package httpapi

import (
	"net/http"

	"coldcaller-telephony/internal/registry"

	"github.com/gin-gonic/gin"
)

// --- Connection configurations ---

func (h Handlers) ListConfigurations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"configurations": h.Configs.List()})
}

func (h Handlers) GetConfiguration(c *gin.Context) {
	v, err := h.Configs.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h Handlers) ActiveConfiguration(c *gin.Context) {
	v, err := h.Configs.Active()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h Handlers) CreateConfiguration(c *gin.Context) {
	var in registry.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	v, err := h.Configs.Create(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	h.record(c, "createConfiguration", v.ID, v.Name)
	c.JSON(http.StatusCreated, v)
}

func (h Handlers) UpdateConfiguration(c *gin.Context) {
	var in registry.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	v, err := h.Configs.Update(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		writeError(c, err)
		return
	}
	h.record(c, "updateConfiguration", v.ID, "")
	c.JSON(http.StatusOK, v)
}

func (h Handlers) DeleteConfiguration(c *gin.Context) {
	id := c.Param("id")
	if err := h.Configs.Delete(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	h.record(c, "deleteConfiguration", id, "")
	c.Status(http.StatusNoContent)
}

func (h Handlers) ActivateConfiguration(c *gin.Context) {
	v, err := h.Configs.SetActive(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	h.record(c, "setActive", v.ID, "")
	c.JSON(http.StatusOK, v)
}

func (h Handlers) TestConfiguration(c *gin.Context) {
	res, err := h.Configs.Test(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// --- Health monitoring ---

func (h Handlers) MonitoringStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.Configs.MonitorStatus())
}

func (h Handlers) StartMonitoring(c *gin.Context) {
	started := h.Configs.StartMonitoring()
	if started {
		h.record(c, "startMonitoring", "", "")
	}
	c.JSON(http.StatusOK, gin.H{"started": started, "status": h.Configs.MonitorStatus()})
}

func (h Handlers) StopMonitoring(c *gin.Context) {
	stopped := h.Configs.StopMonitoring()
	if stopped {
		h.record(c, "stopMonitoring", "", "")
	}
	c.JSON(http.StatusOK, gin.H{"stopped": stopped, "status": h.Configs.MonitorStatus()})
}

// CheckHealth runs one health check immediately.
func (h Handlers) CheckHealth(c *gin.Context) {
	h.Configs.CheckNow(c.Request.Context())
	c.JSON(http.StatusOK, h.Configs.MonitorStatus())
}
