package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"dispatch-engine-go/internal/housekeeping"
	"dispatch-engine-go/internal/service"
)

// DispatchAPI is the service surface behind /api/emails
type DispatchAPI interface {
	ScheduleBatch(ctx context.Context, senderID string, req service.ScheduleRequest) (*service.ScheduleResult, error)
	ListScheduled(ctx context.Context, senderID string, page, perPage int) (*service.ScheduledPage, error)
	ListSent(ctx context.Context, senderID string, page, perPage int) (*service.SentPage, error)
	Cancel(ctx context.Context, dispatchID, senderID string) (*service.CancelResult, error)
	PeekRateLimit(ctx context.Context, senderID string) (*service.RateLimitStatus, error)
}

// Housekeeper controls the periodic maintenance
type Housekeeper interface {
	Start() error
	Stop() error
	IsRunning() bool
	RunOnce(ctx context.Context) (*housekeeping.Report, error)
	NextRun() time.Time
	LastRun() time.Time
}

// PingFunc checks one backing dependency
type PingFunc func(ctx context.Context) error

// Handlers contains all HTTP handlers
type Handlers struct {
	dispatches   DispatchAPI
	housekeeping Housekeeper
	checks       map[string]PingFunc
	jwtSecret    string
	hideErrors   bool
}

// Options configure the handlers
type Options struct {
	JWTSecret string
	// HideErrors keeps unexpected error details out of responses
	HideErrors bool
	Checks     map[string]PingFunc
}

// NewHandlers creates new HTTP handlers. housekeeper may be nil when the
// process does not run maintenance.
func NewHandlers(dispatches DispatchAPI, housekeeper Housekeeper, opts Options) *Handlers {
	return &Handlers{
		dispatches:   dispatches,
		housekeeping: housekeeper,
		checks:       opts.Checks,
		jwtSecret:    opts.JWTSecret,
		hideErrors:   opts.HideErrors,
	}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api", AuthMiddleware(h.jwtSecret))
	{
		emails := api.Group("/emails")
		emails.POST("/schedule", h.Schedule)
		emails.GET("/scheduled", h.ListScheduled)
		emails.GET("/sent", h.ListSent)
		emails.PATCH("/:id/cancel", h.Cancel)
		emails.GET("/rate-limit", h.RateLimit)

		if h.housekeeping != nil {
			hk := api.Group("/housekeeping")
			hk.POST("/start", h.StartHousekeeping)
			hk.POST("/stop", h.StopHousekeeping)
			hk.POST("/run-once", h.RunHousekeeping)
			hk.GET("/status", h.GetHousekeepingStatus)
		}
	}
}

// HealthCheck pings every registered dependency
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(h.checks)),
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	for name, ping := range h.checks {
		if err := ping(ctx); err != nil {
			response.Status = "error"
			response.Checks[name] = "error"
			logrus.Errorf("%s health check failed: %v", name, err)
			continue
		}
		response.Checks[name] = "ok"
	}

	if h.housekeeping != nil {
		if h.housekeeping.IsRunning() {
			response.Housekeeping = "running"
		} else {
			response.Housekeeping = "stopped"
		}
	}

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}
