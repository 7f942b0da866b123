package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// StartHousekeeping starts the periodic maintenance
func (h *Handlers) StartHousekeeping(c *gin.Context) {
	if err := h.housekeeping.Start(); err != nil {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "housekeeping_error",
			Message: err.Error(),
			Code:    http.StatusConflict,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Housekeeping started successfully",
		"status":  "running",
	})
}

// StopHousekeeping stops the periodic maintenance
func (h *Handlers) StopHousekeeping(c *gin.Context) {
	if err := h.housekeeping.Stop(); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "housekeeping_error",
			Message: "Failed to stop housekeeping",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Housekeeping stopped successfully",
		"status":  "stopped",
	})
}

// RunHousekeeping runs one maintenance cycle now
func (h *Handlers) RunHousekeeping(c *gin.Context) {
	report, err := h.housekeeping.RunOnce(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "housekeeping_error",
			Message: "Housekeeping cycle failed",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, report)
}

// GetHousekeepingStatus returns the current maintenance status
func (h *Handlers) GetHousekeepingStatus(c *gin.Context) {
	state := "stopped"
	if h.housekeeping.IsRunning() {
		state = "running"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   state,
		"next_run": h.housekeeping.NextRun(),
		"last_run": h.housekeeping.LastRun(),
	})
}
