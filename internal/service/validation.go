package service

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"dispatch-engine-go/internal/apperror"
)

// RecipientInput is one addressee of a schedule request
type RecipientInput struct {
	Email string `json:"email" validate:"required,email"`
	Name  string `json:"name,omitempty" validate:"max=255"`
}

// ScheduleRequest is the payload of a batch schedule call
type ScheduleRequest struct {
	CampaignTitle string           `json:"campaignTitle" validate:"required,max=255"`
	Subject       string           `json:"subject" validate:"required,max=500"`
	Body          string           `json:"body" validate:"required"`
	ScheduledAt   time.Time        `json:"scheduledAt" validate:"required"`
	Recipients    []RecipientInput `json:"recipients" validate:"required,min=1,dive"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// validateSchedule checks req against the field rules, the recipient cap and
// the minimum lead time. It reports every violation at once.
func (s *DispatchService) validateSchedule(req *ScheduleRequest) error {
	req.CampaignTitle = strings.TrimSpace(req.CampaignTitle)
	req.Subject = strings.TrimSpace(req.Subject)
	if req.Recipients != nil {
		recipients := make([]RecipientInput, len(req.Recipients))
		copy(recipients, req.Recipients)
		req.Recipients = recipients
	}
	for i := range req.Recipients {
		req.Recipients[i].Email = strings.TrimSpace(req.Recipients[i].Email)
		req.Recipients[i].Name = strings.TrimSpace(req.Recipients[i].Name)
	}

	var fieldErrors []apperror.FieldError
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate schedule request: %w", err)
		}
		for _, fe := range verrs {
			fieldErrors = append(fieldErrors, apperror.FieldError{
				Field:   fieldPath(fe),
				Message: fieldMessage(fe),
			})
		}
	}

	if len(req.Recipients) > s.cfg.MaxRecipients {
		fieldErrors = append(fieldErrors, apperror.FieldError{
			Field:   "recipients",
			Message: fmt.Sprintf("must contain at most %d recipients", s.cfg.MaxRecipients),
		})
	}

	if !req.ScheduledAt.IsZero() && !req.ScheduledAt.After(s.now().Add(s.cfg.MinLeadTime)) {
		fieldErrors = append(fieldErrors, apperror.FieldError{
			Field:   "scheduledAt",
			Message: "must be at least " + humanDuration(s.cfg.MinLeadTime) + " in the future",
		})
	}

	if len(fieldErrors) > 0 {
		return &apperror.ValidationError{Errors: fieldErrors}
	}
	return nil
}

// fieldPath drops the root struct name: "ScheduleRequest.recipients[0].email" -> "recipients[0].email"
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "min":
		return "must contain at least " + fe.Param() + " item(s)"
	default:
		return "failed the " + fe.Tag() + " check"
	}
}

func humanDuration(d time.Duration) string {
	switch {
	case d%time.Hour == 0:
		return plural(int(d/time.Hour), "hour")
	case d%time.Minute == 0:
		return plural(int(d/time.Minute), "minute")
	default:
		return d.String()
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
