package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"dispatch-engine-go/internal/config"
	"dispatch-engine-go/internal/db/dbtest"
	"dispatch-engine-go/internal/model"
	"dispatch-engine-go/internal/repository"
)

// newSQLFixture backs the service with a real gorm repository
func newSQLFixture(t *testing.T) (*fixture, *gorm.DB) {
	t.Helper()
	f := newFixture(t, config.SchedulerConfig{})
	gdb := dbtest.Open(t)
	f.svc = NewDispatchService(NewStore(repository.New(gdb)), f.queue, fakeQuota{remaining: 48, limit: 50}, f.publisher, f.metrics,
		config.SchedulerConfig{}, WithClock(func() time.Time { return f.now }))
	return f, gdb
}

func countRows(t *testing.T, gdb *gorm.DB, m interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, gdb.Model(m).Count(&n).Error)
	return n
}

func TestScheduleBatchRollsBackOnInsertFailure(t *testing.T) {
	f, gdb := newSQLFixture(t)

	inserts, failAt := 0, 2
	require.NoError(t, gdb.Callback().Create().Before("gorm:create").Register("test:fail_dispatch_insert", func(tx *gorm.DB) {
		if tx.Statement.Table != "dispatches" {
			return
		}
		inserts++
		if inserts == failAt {
			_ = tx.AddError(errors.New("disk I/O error"))
		}
	}))

	req := f.request("a@example.com", "b@example.com", "c@example.com")
	_, err := f.svc.ScheduleBatch(context.Background(), sender, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")

	assert.Equal(t, int64(0), countRows(t, gdb, &model.Campaign{}))
	assert.Equal(t, int64(0), countRows(t, gdb, &model.Dispatch{}))
	assert.Equal(t, 0, f.queue.enqueues)

	failAt = -1
	res, err := f.svc.ScheduleBatch(context.Background(), sender, req)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Created)
	assert.Equal(t, int64(1), countRows(t, gdb, &model.Campaign{}))
	assert.Equal(t, int64(3), countRows(t, gdb, &model.Dispatch{}))
	assert.Equal(t, 3, f.queue.enqueues)
}

func TestRecoverStalePagesThroughLargeBacklog(t *testing.T) {
	f, gdb := newSQLFixture(t)

	campaign := &model.Campaign{
		OwnerID: sender, Title: "Backlog", SubjectTemplate: "Hello", BodyTemplate: "<p>Hi</p>", Fingerprint: "fp-backlog",
	}
	require.NoError(t, gdb.Create(campaign).Error)

	const backlog = 2*recoveryBatchSize + 50
	due := f.now.Add(-time.Hour)
	rows := make([]model.Dispatch, 0, backlog)
	for i := 0; i < backlog; i++ {
		email := fmt.Sprintf("r%03d@example.com", i)
		rows = append(rows, model.Dispatch{
			CampaignID:     campaign.ID,
			SenderID:       sender,
			RecipientEmail: email,
			IdempotencyKey: model.IdempotencyKey(campaign.ID, email, due),
			Status:         model.StatusScheduled,
			ScheduledAt:    due,
		})
	}
	require.NoError(t, gdb.CreateInBatches(rows, 100).Error)

	n, err := f.svc.RecoverStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, backlog, n)
	assert.Len(t, f.queue.jobs, backlog)

	var queued int64
	require.NoError(t, gdb.Model(&model.Dispatch{}).Where("status = ?", model.StatusQueued).Count(&queued).Error)
	assert.Equal(t, int64(backlog), queued)

	n, err = f.svc.RecoverStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
