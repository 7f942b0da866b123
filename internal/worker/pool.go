package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"dispatch-engine-go/internal/apperror"
	"dispatch-engine-go/internal/config"
	"dispatch-engine-go/internal/errreport"
	"dispatch-engine-go/internal/metrics"
	"dispatch-engine-go/internal/queue"
)

// JobSource is the consumer side of the dispatch queue
type JobSource interface {
	Reserve(ctx context.Context) (*queue.Job, error)
	Complete(ctx context.Context, job *queue.Job) error
	Fail(ctx context.Context, job *queue.Job, cause error, retryable bool) (bool, error)
	RequeueDelayed(ctx context.Context, job *queue.Job, at time.Time) error
}

// Handler processes job payloads and records terminal failures
type Handler interface {
	Process(ctx context.Context, payload []byte) error
	MarkFailed(ctx context.Context, dispatchID string, cause error) error
}

// Pool runs a fixed number of consumers over a JobSource
type Pool struct {
	source      JobSource
	handler     Handler
	limiter     *rate.Limiter
	concurrency int
	metrics     *metrics.Metrics
	now         func() time.Time
	errorDelay  time.Duration
}

// NewPool creates a pool sized by cfg. All consumers share one token bucket
// of cfg.JobsPerSecond.
func NewPool(source JobSource, handler Handler, m *metrics.Metrics, cfg config.WorkerConfig) *Pool {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	limit := rate.Inf
	burst := concurrency
	if cfg.JobsPerSecond > 0 {
		limit = rate.Limit(cfg.JobsPerSecond)
		burst = cfg.JobsPerSecond
	}
	return &Pool{
		source:      source,
		handler:     handler,
		limiter:     rate.NewLimiter(limit, burst),
		concurrency: concurrency,
		metrics:     m,
		now:         time.Now,
		errorDelay:  time.Second,
	}
}

// Run consumes jobs until ctx ends, then waits for in-flight jobs to finish
func (p *Pool) Run(ctx context.Context) {
	logrus.Infof("Starting dispatch worker pool with %d consumers", p.concurrency)

	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.consume(ctx, id)
		}(i)
	}
	wg.Wait()

	logrus.Info("Dispatch worker pool stopped")
}

func (p *Pool) consume(ctx context.Context, id int) {
	log := logrus.WithField("consumer", id)
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		job, err := p.source.Reserve(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Errorf("Failed to reserve job: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.errorDelay):
			}
			continue
		}
		if job == nil {
			continue
		}
		// an in-flight job finishes even when shutdown begins
		p.handle(context.WithoutCancel(ctx), job)
	}
}

// handle runs one job and settles it with the queue
func (p *Pool) handle(ctx context.Context, job *queue.Job) {
	log := logrus.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"attempts": job.Attempts,
	})

	err := p.process(ctx, job)

	var limited *apperror.RateLimitedError
	switch {
	case err == nil:
		if cerr := p.source.Complete(ctx, job); cerr != nil {
			log.Warnf("Failed to complete job: %v", cerr)
		}

	case errors.As(err, &limited):
		at := p.now().Add(limited.RetryAfter)
		if rerr := p.source.RequeueDelayed(ctx, job, at); rerr != nil {
			log.Warnf("Failed to requeue rate limited job: %v", rerr)
		}

	default:
		retry, ferr := p.source.Fail(ctx, job, err, !apperror.IsPermanent(err))
		if ferr != nil {
			log.Warnf("Failed to record job failure: %v", ferr)
			return
		}
		if p.metrics != nil {
			p.metrics.JobFailures.WithLabelValues(strconv.FormatBool(retry)).Inc()
		}
		if retry {
			log.Warnf("Job failed, will retry: %v", err)
			return
		}
		if merr := p.handler.MarkFailed(ctx, job.ID, err); merr != nil {
			log.Errorf("Failed to mark dispatch failed: %v", merr)
		}
	}
}

// process isolates a job: a panic becomes an ordinary failure
func (p *Pool) process(ctx context.Context, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing job %s: %v", job.ID, r)
			logrus.WithField("job_id", job.ID).Errorf("%v\n%s", err, debug.Stack())
			errreport.Capture(err, map[string]string{"job_id": job.ID})
		}
	}()
	return p.handler.Process(ctx, job.Payload)
}
