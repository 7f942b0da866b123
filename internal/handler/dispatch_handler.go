package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"dispatch-engine-go/internal/apperror"
	"dispatch-engine-go/internal/service"
)

// Schedule creates a campaign and one dispatch per recipient
func (h *Handlers) Schedule(c *gin.Context) {
	var req service.ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperror.NewValidation("body", "Invalid request body: "+err.Error()))
		return
	}

	result, err := h.dispatches.ScheduleBatch(c.Request.Context(), senderID(c), req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	response := ScheduleResponse{
		CampaignID:      result.Campaign.ID,
		TotalDispatches: len(result.Dispatches),
		Dispatches:      make([]DispatchSummary, 0, len(result.Dispatches)),
	}
	for _, d := range result.Dispatches {
		response.Dispatches = append(response.Dispatches, DispatchSummary{
			ID:             d.ID,
			RecipientEmail: d.RecipientEmail,
			Status:         d.Status,
			ScheduledAt:    d.ScheduledAt,
		})
	}

	c.JSON(http.StatusCreated, response)
}

// ListScheduled returns the sender's pending dispatches
func (h *Handlers) ListScheduled(c *gin.Context) {
	page, perPage := pagination(c)
	result, err := h.dispatches.ListScheduled(c.Request.Context(), senderID(c), page, perPage)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListSent returns the sender's delivered dispatches
func (h *Handlers) ListSent(c *gin.Context) {
	page, perPage := pagination(c)
	result, err := h.dispatches.ListSent(c.Request.Context(), senderID(c), page, perPage)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Cancel stops a pending dispatch
func (h *Handlers) Cancel(c *gin.Context) {
	result, err := h.dispatches.Cancel(c.Request.Context(), c.Param("id"), senderID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// RateLimit returns the sender's remaining hourly quota
func (h *Handlers) RateLimit(c *gin.Context) {
	result, err := h.dispatches.PeekRateLimit(c.Request.Context(), senderID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// pagination reads page and perPage; the service clamps out of range values
func pagination(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("perPage", "20"))
	return page, perPage
}
