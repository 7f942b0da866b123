// Package queue is a durable delayed job queue on Redis.
//
// Jobs live in a hash keyed by a caller-chosen id and move between four
// sorted sets: delayed (scored by run time), active (scored by lease
// deadline), completed and failed (scored by finish time). Adding a job
// whose id already exists is a no-op, which makes producers safe to repeat.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

var (
	// ErrJobActive is returned by Remove when a worker already holds the job
	ErrJobActive = errors.New("job is active")
	// ErrLeaseLost is returned when a job's lease expired and was handed to another worker
	ErrLeaseLost = errors.New("job lease lost")
)

// State is where a job currently sits
type State string

const (
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Options configure a Queue
type Options struct {
	Name          string
	MaxAttempts   int
	BackoffBase   time.Duration
	PollInterval  time.Duration
	Lease         time.Duration
	KeepCompleted time.Duration
	KeepFailed    time.Duration
}

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = "dispatch"
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Lease <= 0 {
		o.Lease = 5 * time.Minute
	}
	if o.KeepCompleted <= 0 {
		o.KeepCompleted = 7 * 24 * time.Hour
	}
	if o.KeepFailed <= 0 {
		o.KeepFailed = 30 * 24 * time.Hour
	}
}

// Job is a reserved unit of work. The lease token ties Complete, Fail and
// RequeueDelayed to the reservation that produced it.
type Job struct {
	ID          string
	Payload     []byte
	Attempts    int
	MaxAttempts int
	Deferrals   int
	token       string
}

// LastAttempt reports whether a failure now would exhaust the retry budget
func (j *Job) LastAttempt() bool {
	return j.Attempts >= j.MaxAttempts
}

// Info is a point-in-time snapshot of a job
type Info struct {
	ID          string
	State       State
	Payload     []byte
	Attempts    int
	MaxAttempts int
	Deferrals   int
	RunAt       time.Time
	LastError   string
}

// Stats holds the size of each state set
type Stats struct {
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Queue is a Redis backed delayed job queue
type Queue struct {
	client redis.Cmdable
	opts   Options
	now    func() time.Time
}

// Option customizes a Queue
type Option func(*Queue)

// WithClock overrides the wall clock, used by tests
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a queue on client
func New(client redis.Cmdable, opts Options, options ...Option) *Queue {
	opts.setDefaults()
	q := &Queue{client: client, opts: opts, now: time.Now}
	for _, o := range options {
		o(q)
	}
	return q
}

func (q *Queue) key(suffix string) string {
	return "queue:" + q.opts.Name + ":" + suffix
}

func (q *Queue) jobPrefix() string {
	return q.key("job:")
}

func (q *Queue) jobKey(id string) string {
	return q.jobPrefix() + id
}

func millis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

// Backoff returns the retry delay after the given failed attempt (1-based)
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return q.opts.BackoffBase * time.Duration(1<<uint(attempt-1))
}

// Enqueue schedules payload under id to run after delay. It reports false
// when a job with the same id already exists.
func (q *Queue) Enqueue(ctx context.Context, id string, payload []byte, delay time.Duration) (bool, error) {
	if delay < 0 {
		delay = 0
	}
	now := q.now()
	res, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.key("delayed")},
		id, string(payload), millis(now.Add(delay)), q.opts.MaxAttempts, millis(now),
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue job %s: %w", id, err)
	}
	return res == 1, nil
}

// RequeueDelayed moves a reserved job back to delayed, to run at the given
// time. The attempt taken by the reservation is refunded.
func (q *Queue) RequeueDelayed(ctx context.Context, job *Job, at time.Time) error {
	res, err := requeueScript.Run(ctx, q.client,
		[]string{q.key("active"), q.key("delayed"), q.jobKey(job.ID)},
		job.ID, job.token, millis(at),
	).Int()
	if err != nil {
		return fmt.Errorf("requeue job %s: %w", job.ID, err)
	}
	if res < 0 {
		return ErrLeaseLost
	}
	return nil
}

// Remove deletes a job that no worker holds. It reports false when the job
// does not exist and returns ErrJobActive when it is being processed.
func (q *Queue) Remove(ctx context.Context, id string) (bool, error) {
	res, err := removeScript.Run(ctx, q.client,
		[]string{q.key("delayed"), q.key("completed"), q.key("failed"), q.jobKey(id)},
		id,
	).Int()
	if err != nil {
		return false, fmt.Errorf("remove job %s: %w", id, err)
	}
	if res < 0 {
		return false, ErrJobActive
	}
	return res == 1, nil
}

// Get returns a snapshot of job id, or nil when it does not exist
func (q *Queue) Get(ctx context.Context, id string) (*Info, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	runAt, _ := strconv.ParseInt(fields["run_at"], 10, 64)
	return &Info{
		ID:          fields["id"],
		State:       State(fields["state"]),
		Payload:     []byte(fields["payload"]),
		Attempts:    atoi(fields["attempts"]),
		MaxAttempts: atoi(fields["max_attempts"]),
		Deferrals:   atoi(fields["deferrals"]),
		RunAt:       time.UnixMilli(runAt),
		LastError:   fields["last_error"],
	}, nil
}

// Reserve blocks until a due job is available or ctx ends
func (q *Queue) Reserve(ctx context.Context) (*Job, error) {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		job, err := q.TryReserve(ctx)
		if err != nil || job != nil {
			return job, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// TryReserve takes the earliest due job, or returns nil when none is due
func (q *Queue) TryReserve(ctx context.Context) (*Job, error) {
	now := q.now()
	token := uuid.NewString()
	res, err := reserveScript.Run(ctx, q.client,
		[]string{q.key("delayed"), q.key("active")},
		millis(now), millis(now.Add(q.opts.Lease)), q.jobPrefix(), token,
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reserve job: %w", err)
	}
	if len(res) != 5 {
		return nil, fmt.Errorf("reserve job: unexpected reply %v", res)
	}
	return &Job{
		ID:          toString(res[0]),
		Payload:     []byte(toString(res[1])),
		Attempts:    toInt(res[2]),
		MaxAttempts: toInt(res[3]),
		Deferrals:   toInt(res[4]),
		token:       token,
	}, nil
}

// Complete marks a reserved job as done
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	res, err := completeScript.Run(ctx, q.client,
		[]string{q.key("active"), q.key("completed"), q.jobKey(job.ID)},
		job.ID, job.token, millis(q.now()),
	).Int()
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	if res < 0 {
		return ErrLeaseLost
	}
	return nil
}

// Fail records a failed attempt. When retryable and attempts remain, the job
// is delayed by the exponential backoff and Fail reports true; otherwise the
// job moves to failed.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error, retryable bool) (bool, error) {
	now := q.now()
	runAt := int64(-1)
	if retryable {
		runAt = millis(now.Add(q.Backoff(job.Attempts)))
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := failScript.Run(ctx, q.client,
		[]string{q.key("active"), q.key("delayed"), q.key("failed"), q.jobKey(job.ID)},
		job.ID, job.token, millis(now), runAt, msg,
	).Int()
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	if res < 0 {
		return false, ErrLeaseLost
	}
	return res == 1, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func toInt(v interface{}) int {
	switch t := v.(type) {
	case int64:
		return int(t)
	case string:
		return atoi(t)
	default:
		return 0
	}
}
