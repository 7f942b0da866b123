package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch-engine-go/internal/apperror"
	"dispatch-engine-go/internal/config"
	"dispatch-engine-go/internal/metrics"
	"dispatch-engine-go/internal/model"
	"dispatch-engine-go/internal/queue"
	"dispatch-engine-go/internal/repository/repotest"
)

type fakeSource struct {
	mu        sync.Mutex
	completed []string
	requeued  map[string]time.Time
	failed    map[string]bool
	retry     bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{requeued: map[string]time.Time{}, failed: map[string]bool{}}
}

func (s *fakeSource) Reserve(ctx context.Context) (*queue.Job, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *fakeSource) Complete(_ context.Context, job *queue.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, job.ID)
	return nil
}

func (s *fakeSource) Fail(_ context.Context, job *queue.Job, _ error, retryable bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[job.ID] = retryable
	return retryable && s.retry, nil
}

func (s *fakeSource) RequeueDelayed(_ context.Context, job *queue.Job, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requeued[job.ID] = at
	return nil
}

type fakeHandler struct {
	err       error
	panicMsg  string
	failedIDs []string
}

func (h *fakeHandler) Process(context.Context, []byte) error {
	if h.panicMsg != "" {
		panic(h.panicMsg)
	}
	return h.err
}

func (h *fakeHandler) MarkFailed(_ context.Context, id string, _ error) error {
	h.failedIDs = append(h.failedIDs, id)
	return nil
}

func newTestPool(source JobSource, handler Handler) (*Pool, *metrics.Metrics) {
	m := metrics.NewMetricsWith(prometheus.NewRegistry())
	return NewPool(source, handler, m, config.WorkerConfig{Concurrency: 2, JobsPerSecond: 100}), m
}

func TestHandleCompletesSuccessfulJob(t *testing.T) {
	source := newFakeSource()
	pool, _ := newTestPool(source, &fakeHandler{})

	pool.handle(context.Background(), &queue.Job{ID: "d1"})
	assert.Equal(t, []string{"d1"}, source.completed)
}

func TestHandleRequeuesRateLimitedJob(t *testing.T) {
	source := newFakeSource()
	pool, _ := newTestPool(source, &fakeHandler{err: &apperror.RateLimitedError{SenderID: "s", RetryAfter: 90 * time.Second}})
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	pool.now = func() time.Time { return now }

	pool.handle(context.Background(), &queue.Job{ID: "d1"})
	assert.Equal(t, now.Add(90*time.Second), source.requeued["d1"])
	assert.Empty(t, source.failed)
}

func TestHandleRetriesTransientFailure(t *testing.T) {
	source := newFakeSource()
	source.retry = true
	handler := &fakeHandler{err: &apperror.TransientSendError{Err: errors.New("timeout")}}
	pool, m := newTestPool(source, handler)

	pool.handle(context.Background(), &queue.Job{ID: "d1"})
	assert.True(t, source.failed["d1"])
	assert.Empty(t, handler.failedIDs)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.JobFailures.WithLabelValues("true")))
}

func TestHandleMarksExhaustedJobFailed(t *testing.T) {
	source := newFakeSource()
	handler := &fakeHandler{err: errors.New("boom")}
	pool, m := newTestPool(source, handler)

	pool.handle(context.Background(), &queue.Job{ID: "d1"})
	assert.Equal(t, []string{"d1"}, handler.failedIDs)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.JobFailures.WithLabelValues("false")))
}

func TestHandlePermanentFailureSkipsRetry(t *testing.T) {
	source := newFakeSource()
	source.retry = true
	handler := &fakeHandler{err: apperror.Permanent(errors.New("bad payload"))}
	pool, _ := newTestPool(source, handler)

	pool.handle(context.Background(), &queue.Job{ID: "d1"})
	retryable, ok := source.failed["d1"]
	require.True(t, ok)
	assert.False(t, retryable)
	assert.Equal(t, []string{"d1"}, handler.failedIDs)
}

func TestHandleRecoversPanic(t *testing.T) {
	source := newFakeSource()
	source.retry = true
	pool, _ := newTestPool(source, &fakeHandler{panicMsg: "nil map"})

	assert.NotPanics(t, func() {
		pool.handle(context.Background(), &queue.Job{ID: "d1"})
	})
	assert.True(t, source.failed["d1"])
}

func TestPoolRunDeliversAndStops(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q := queue.New(client, queue.Options{Name: "run", PollInterval: 10 * time.Millisecond})
	store := repotest.New()
	sender := &fakeSender{}
	m := metrics.NewMetricsWith(prometheus.NewRegistry())
	processor := NewProcessor(store, &stubLimiter{decision: okDecision()}, sender, nil, m,
		ProcessorConfig{SendTimeout: time.Second, DefaultFrom: "noreply@test.local"})

	for _, id := range []string{"d1", "d2", "d3"} {
		d := model.Dispatch{
			ID: id, CampaignID: "c1", SenderID: testSender, RecipientEmail: id + "@example.com",
			IdempotencyKey: "key-" + id, Status: model.StatusQueued, ScheduledAt: time.Now(),
		}
		store.PutDispatch(d)
		payload, err := json.Marshal(d.Job("Hi", "<p>Hi</p>"))
		require.NoError(t, err)
		_, err = q.Enqueue(context.Background(), id, payload, 0)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewPool(q, processor, m, config.WorkerConfig{Concurrency: 2, JobsPerSecond: 100}).Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return sender.count() == 3 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after cancellation")
	}
	assert.Equal(t, 3, store.LedgerCount())

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Completed)
}
