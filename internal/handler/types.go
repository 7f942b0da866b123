package handler

import (
	"time"

	"dispatch-engine-go/internal/apperror"
	"dispatch-engine-go/internal/model"
)

// DispatchSummary is one dispatch in a schedule response
type DispatchSummary struct {
	ID             string               `json:"id"`
	RecipientEmail string               `json:"recipientEmail"`
	Status         model.DispatchStatus `json:"status"`
	ScheduledAt    time.Time            `json:"scheduledAt"`
}

// ScheduleResponse represents the response of a schedule request
type ScheduleResponse struct {
	CampaignID      string            `json:"campaignId"`
	TotalDispatches int               `json:"totalDispatches"`
	Dispatches      []DispatchSummary `json:"dispatches"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status       string            `json:"status"`
	Timestamp    time.Time         `json:"timestamp"`
	Checks       map[string]string `json:"checks"`
	Housekeeping string            `json:"housekeeping,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string                `json:"error"`
	Message string                `json:"message"`
	Code    int                   `json:"code"`
	Errors  []apperror.FieldError `json:"errors,omitempty"`
}
