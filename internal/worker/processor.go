// Package worker consumes dispatch jobs: it re-checks idempotency and the
// sender quota, sends the mail and records the outcome.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/mail"
	"time"

	"github.com/sirupsen/logrus"

	"dispatch-engine-go/internal/apperror"
	"dispatch-engine-go/internal/events"
	"dispatch-engine-go/internal/mailer"
	"dispatch-engine-go/internal/metrics"
	"dispatch-engine-go/internal/model"
	"dispatch-engine-go/internal/ratelimit"
	"dispatch-engine-go/internal/repository"
)

const maxErrorLength = 2000

// Store is the persistence the processor needs
type Store interface {
	LedgerExists(ctx context.Context, key string) (bool, error)
	GetDispatch(ctx context.Context, id string) (*model.Dispatch, error)
	GetIdentity(ctx context.Context, id string) (*model.Identity, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkRateLimited(ctx context.Context, id string) error
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, lastError string) error
	RecordError(ctx context.Context, id, lastError string) error
	CreateLedger(ctx context.Context, entry *model.Ledger) error
}

// RateLimiter consumes sender quota
type RateLimiter interface {
	TryConsume(ctx context.Context, senderID string) (ratelimit.Decision, error)
}

// ProcessorConfig holds the per-send settings
type ProcessorConfig struct {
	SendTimeout time.Duration
	MaxJitter   time.Duration
	DefaultFrom string
}

// Processor handles one dispatch job at a time and is safe for concurrent use
type Processor struct {
	store     Store
	limiter   RateLimiter
	sender    mailer.Sender
	publisher events.Publisher
	metrics   *metrics.Metrics
	cfg       ProcessorConfig
	settler   *Settler
	jitter    func(max time.Duration) time.Duration
	now       func() time.Time
}

// ProcessorOption customizes a Processor
type ProcessorOption func(*Processor)

// WithJitter overrides the random requeue jitter
func WithJitter(fn func(max time.Duration) time.Duration) ProcessorOption {
	return func(p *Processor) { p.jitter = fn }
}

// WithProcessorClock overrides the wall clock
func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

// NewProcessor creates a processor
func NewProcessor(store Store, limiter RateLimiter, sender mailer.Sender, publisher events.Publisher, m *metrics.Metrics, cfg ProcessorConfig, opts ...ProcessorOption) *Processor {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	p := &Processor{
		store:     store,
		limiter:   limiter,
		sender:    sender,
		publisher: publisher,
		metrics:   m,
		cfg:       cfg,
		jitter:    randomJitter,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.settler = NewSettler(store, publisher, m, WithSettlerClock(p.now))
	return p
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max) + 1))
}

// Process runs one job payload. A nil return means the job is finished,
// including the no-op cases: already sent, cancelled, or taken by a
// concurrent transition. A *apperror.RateLimitedError asks for a requeue,
// a permanent error skips remaining attempts, anything else is retried.
func (p *Processor) Process(ctx context.Context, payload []byte) error {
	var job model.DispatchJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return apperror.Permanent(fmt.Errorf("decode job payload: %w", err))
	}
	if job.DispatchID == "" || job.IdempotencyKey == "" {
		return apperror.Permanent(errors.New("job payload is missing dispatch id or idempotency key"))
	}

	log := logrus.WithFields(logrus.Fields{
		"dispatch_id": job.DispatchID,
		"sender_id":   job.SenderID,
	})

	sent, err := p.store.LedgerExists(ctx, job.IdempotencyKey)
	if err != nil {
		return err
	}
	if sent {
		p.duplicateSuppressed()
		// a crash between the ledger write and the status update leaves the row PROCESSING
		switch err := p.store.MarkSent(ctx, job.DispatchID); {
		case err == nil:
			log.Info("Repaired status of already sent dispatch")
		case !errors.Is(err, repository.ErrTransitionRejected):
			return fmt.Errorf("repair sent status: %w", err)
		}
		log.Info("Dispatch already sent, skipping")
		return nil
	}

	dispatch, err := p.store.GetDispatch(ctx, job.DispatchID)
	if err != nil {
		return err
	}
	if dispatch == nil || dispatch.Status.Terminal() {
		log.Debug("Dispatch gone or finished, skipping")
		return nil
	}

	if err := p.store.MarkProcessing(ctx, job.DispatchID); err != nil {
		if errors.Is(err, repository.ErrTransitionRejected) {
			log.Debug("Dispatch moved on concurrently, skipping")
			return nil
		}
		return err
	}

	decision, err := p.limiter.TryConsume(ctx, job.SenderID)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		if err := p.store.MarkRateLimited(ctx, job.DispatchID); err != nil && !errors.Is(err, repository.ErrTransitionRejected) {
			return err
		}
		if p.metrics != nil {
			p.metrics.RateLimited.Inc()
		}
		retryAfter := decision.RetryAfter() + p.jitter(p.cfg.MaxJitter)
		log.WithField("retry_after", retryAfter.String()).Info("Sender quota exhausted, deferring dispatch")
		return &apperror.RateLimitedError{SenderID: job.SenderID, RetryAfter: retryAfter}
	}

	from, err := p.resolveFrom(ctx, job.SenderID)
	if err != nil {
		return err
	}

	result, err := p.send(ctx, mailer.Message{
		From:    from,
		To:      formatRecipient(job.RecipientEmail, job.RecipientName),
		Subject: job.Subject,
		HTML:    job.Body,
	})
	if err != nil {
		if rerr := p.store.RecordError(ctx, job.DispatchID, truncate(err.Error())); rerr != nil {
			log.Warnf("Failed to record send error: %v", rerr)
		}
		if apperror.IsPermanent(err) {
			return err
		}
		return &apperror.TransientSendError{Err: err}
	}

	raw, err := json.Marshal(result)
	if err != nil {
		raw = []byte("{}")
	}
	sentAt := p.now().UTC()
	err = p.store.CreateLedger(ctx, &model.Ledger{
		DispatchID:     job.DispatchID,
		IdempotencyKey: job.IdempotencyKey,
		SMTPMessageID:  result.MessageID,
		Outcome:        model.OutcomeDelivered,
		RawResponse:    string(raw),
		SentAt:         sentAt,
	})
	switch {
	case apperror.IsDuplicate(err):
		p.duplicateSuppressed()
		log.Warn("Ledger already held this send")
	case err != nil:
		// the mail is out; retrying would send it twice
		return apperror.Permanent(fmt.Errorf("record ledger after send: %w", err))
	}

	if p.metrics != nil {
		p.metrics.Sent.Inc()
	}
	p.publish(ctx, events.Event{
		Type:           events.DispatchSent,
		DispatchID:     job.DispatchID,
		CampaignID:     job.CampaignID,
		SenderID:       job.SenderID,
		IdempotencyKey: job.IdempotencyKey,
		MessageID:      result.MessageID,
		OccurredAt:     sentAt,
	})

	// the ledger row exists now, so a replay only repairs the status
	if err := p.store.MarkSent(ctx, job.DispatchID); err != nil && !errors.Is(err, repository.ErrTransitionRejected) {
		log.Warnf("Failed to mark dispatch sent, retrying the status update: %v", err)
		return fmt.Errorf("mark dispatch sent: %w", err)
	}

	log.WithField("message_id", result.MessageID).Info("Dispatch sent")
	return nil
}

func (p *Processor) send(ctx context.Context, msg mailer.Message) (mailer.Result, error) {
	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	result, err := p.sender.Send(sendCtx, msg)
	if p.metrics != nil {
		p.metrics.SendDuration.Observe(time.Since(start).Seconds())
	}
	return result, err
}

// resolveFrom uses the sender identity, falling back to the configured address
func (p *Processor) resolveFrom(ctx context.Context, senderID string) (string, error) {
	identity, err := p.store.GetIdentity(ctx, senderID)
	if err != nil {
		logrus.WithField("sender_id", senderID).Warnf("Failed to load identity, using default from: %v", err)
	}
	if identity != nil && identity.Email != "" {
		return identity.FromAddress(), nil
	}
	if p.cfg.DefaultFrom == "" {
		return "", apperror.Permanent(fmt.Errorf("no identity or default from address for sender %s", senderID))
	}
	return p.cfg.DefaultFrom, nil
}

// MarkFailed records a terminal failure for the dispatch
func (p *Processor) MarkFailed(ctx context.Context, dispatchID string, cause error) error {
	return p.settler.MarkFailed(ctx, dispatchID, cause)
}

func (p *Processor) publish(ctx context.Context, event events.Event) {
	publish(ctx, p.publisher, event)
}

func publish(ctx context.Context, publisher events.Publisher, event events.Event) {
	if err := publisher.Publish(ctx, event); err != nil {
		logrus.WithField("dispatch_id", event.DispatchID).Warnf("Failed to publish %s event: %v", event.Type, err)
	}
}

func (p *Processor) duplicateSuppressed() {
	if p.metrics != nil {
		p.metrics.DuplicateSuppressed.Inc()
	}
}

func formatRecipient(email, name string) string {
	if name == "" {
		return email
	}
	return (&mail.Address{Name: name, Address: email}).String()
}

func truncate(s string) string {
	if len(s) <= maxErrorLength {
		return s
	}
	return s[:maxErrorLength]
}
