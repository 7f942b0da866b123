package repository

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"dispatch-engine-go/internal/apperror"
	"dispatch-engine-go/internal/db/dbtest"
	"dispatch-engine-go/internal/model"
)

const ownerID = "sender-1"

var epoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type sqlFixture struct {
	db       *gorm.DB
	repo     *Repository
	campaign *model.Campaign
}

func newSQLFixture(t *testing.T) *sqlFixture {
	t.Helper()
	gdb := dbtest.Open(t)
	f := &sqlFixture{db: gdb, repo: New(gdb)}

	c, created, err := f.repo.CreateCampaignIfAbsent(context.Background(), &model.Campaign{
		OwnerID: ownerID, Title: "Digest", SubjectTemplate: "Weekly digest", BodyTemplate: "<p>News</p>", Fingerprint: "fp-digest",
	})
	require.NoError(t, err)
	require.True(t, created)
	f.campaign = c
	return f
}

func (f *sqlFixture) dispatch(t *testing.T, sender, email string, status model.DispatchStatus, scheduledAt time.Time) *model.Dispatch {
	t.Helper()
	d, created, err := f.repo.CreateDispatchIfAbsent(context.Background(), &model.Dispatch{
		CampaignID:     f.campaign.ID,
		SenderID:       sender,
		RecipientEmail: email,
		IdempotencyKey: model.IdempotencyKey(f.campaign.ID, email, scheduledAt),
		Status:         status,
		ScheduledAt:    scheduledAt,
	})
	require.NoError(t, err)
	require.True(t, created)
	return d
}

func (f *sqlFixture) touch(t *testing.T, id string, at time.Time) {
	t.Helper()
	require.NoError(t, f.db.Model(&model.Dispatch{}).Where("id = ?", id).UpdateColumn("updated_at", at).Error)
}

func (f *sqlFixture) status(t *testing.T, id string) *model.Dispatch {
	t.Helper()
	d, err := f.repo.GetDispatch(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, d)
	return d
}

func TestTransitionsFollowStatusTable(t *testing.T) {
	f := newSQLFixture(t)
	ctx := context.Background()
	d := f.dispatch(t, ownerID, "a@example.com", model.StatusScheduled, epoch)

	assert.ErrorIs(t, f.repo.MarkSent(ctx, d.ID), ErrTransitionRejected)

	require.NoError(t, f.repo.MarkQueued(ctx, d.ID))
	require.NoError(t, f.repo.MarkProcessing(ctx, d.ID))
	require.NoError(t, f.repo.MarkProcessing(ctx, d.ID), "a replayed job re-enters PROCESSING")
	assert.ErrorIs(t, f.repo.CancelOwned(ctx, d.ID, ownerID), ErrTransitionRejected)

	require.NoError(t, f.repo.RecordError(ctx, d.ID, "smtp 421"))
	require.NoError(t, f.repo.MarkSent(ctx, d.ID))
	assert.ErrorIs(t, f.repo.MarkFailed(ctx, d.ID, "late"), ErrTransitionRejected)
	assert.ErrorIs(t, f.repo.MarkQueued(ctx, d.ID), ErrTransitionRejected)

	got := f.status(t, d.ID)
	assert.Equal(t, model.StatusSent, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Empty(t, got.LastError)

	assert.ErrorIs(t, f.repo.MarkQueued(ctx, "missing"), ErrTransitionRejected)
}

func TestCancelOwnedChecksOwner(t *testing.T) {
	f := newSQLFixture(t)
	ctx := context.Background()
	d := f.dispatch(t, ownerID, "a@example.com", model.StatusScheduled, epoch)

	assert.ErrorIs(t, f.repo.CancelOwned(ctx, d.ID, "sender-2"), ErrTransitionRejected)
	assert.Equal(t, model.StatusScheduled, f.status(t, d.ID).Status)

	require.NoError(t, f.repo.CancelOwned(ctx, d.ID, ownerID))
	assert.Equal(t, model.StatusCancelled, f.status(t, d.ID).Status)
	assert.ErrorIs(t, f.repo.CancelOwned(ctx, d.ID, ownerID), ErrTransitionRejected)
}

func TestCreateIfAbsentReturnsStoredRow(t *testing.T) {
	f := newSQLFixture(t)
	ctx := context.Background()

	c, created, err := f.repo.CreateCampaignIfAbsent(ctx, &model.Campaign{
		OwnerID: ownerID, Title: "Renamed", SubjectTemplate: "Other", BodyTemplate: "<p>Other</p>", Fingerprint: "fp-digest",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, f.campaign.ID, c.ID)
	assert.Equal(t, "Digest", c.Title)

	first := f.dispatch(t, ownerID, "a@example.com", model.StatusScheduled, epoch)
	again, created, err := f.repo.CreateDispatchIfAbsent(ctx, &model.Dispatch{
		CampaignID:     f.campaign.ID,
		SenderID:       ownerID,
		RecipientEmail: "a@example.com",
		RecipientName:  "Someone else",
		IdempotencyKey: first.IdempotencyKey,
		Status:         model.StatusScheduled,
		ScheduledAt:    epoch,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Empty(t, again.RecipientName)

	var count int64
	require.NoError(t, f.db.Model(&model.Dispatch{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
	require.NoError(t, f.db.Model(&model.Campaign{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestCreateLedgerRejectsSecondSend(t *testing.T) {
	f := newSQLFixture(t)
	ctx := context.Background()
	d := f.dispatch(t, ownerID, "a@example.com", model.StatusProcessing, epoch)
	other := f.dispatch(t, ownerID, "b@example.com", model.StatusProcessing, epoch)

	require.NoError(t, f.repo.CreateLedger(ctx, &model.Ledger{
		DispatchID: d.ID, IdempotencyKey: d.IdempotencyKey, Outcome: model.OutcomeDelivered, SentAt: epoch,
	}))
	exists, err := f.repo.LedgerExists(ctx, d.IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, exists)

	err = f.repo.CreateLedger(ctx, &model.Ledger{
		DispatchID: other.ID, IdempotencyKey: d.IdempotencyKey, Outcome: model.OutcomeDelivered, SentAt: epoch,
	})
	var dup *apperror.DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, d.IdempotencyKey, dup.Key)

	err = f.repo.CreateLedger(ctx, &model.Ledger{
		DispatchID: d.ID, IdempotencyKey: other.IdempotencyKey, Outcome: model.OutcomeDelivered, SentAt: epoch,
	})
	assert.True(t, apperror.IsDuplicate(err), "one ledger row per dispatch")

	exists, err = f.repo.LedgerExists(ctx, other.IdempotencyKey)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFindStaleWalksBatchesInKeyOrder(t *testing.T) {
	f := newSQLFixture(t)
	ctx := context.Background()
	now := epoch.Add(time.Hour)

	want := map[string]bool{}
	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com", "e@example.com"} {
		want[f.dispatch(t, ownerID, email, model.StatusScheduled, epoch).ID] = true
	}
	want[f.dispatch(t, ownerID, "limited@example.com", model.StatusRateLimited, epoch).ID] = true
	f.dispatch(t, ownerID, "later@example.com", model.StatusScheduled, now.Add(time.Minute))
	f.dispatch(t, ownerID, "queued@example.com", model.StatusQueued, epoch)
	f.dispatch(t, ownerID, "sent@example.com", model.StatusSent, epoch)

	var sizes []int
	var seen []string
	err := f.repo.FindStale(ctx, now, 2, func(batch []model.Dispatch) error {
		sizes = append(sizes, len(batch))
		for _, d := range batch {
			require.NotNil(t, d.Campaign)
			assert.Equal(t, "Weekly digest", d.Campaign.SubjectTemplate)
			seen = append(seen, d.ID)
			// writes from inside the walk must not disturb paging
			require.NoError(t, f.repo.MarkQueued(ctx, d.ID))
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []int{2, 2, 2}, sizes)
	assert.True(t, sort.StringsAreSorted(seen))
	require.Len(t, seen, len(want))
	for _, id := range seen {
		assert.True(t, want[id], id)
	}

	calls := 0
	require.NoError(t, f.repo.FindStale(ctx, now, 2, func([]model.Dispatch) error {
		calls++
		return nil
	}))
	assert.Equal(t, 0, calls, "every stale row was queued")
}

func TestFindStaleStopsOnCallbackError(t *testing.T) {
	f := newSQLFixture(t)
	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		f.dispatch(t, ownerID, email, model.StatusScheduled, epoch)
	}
	stop := errors.New("context canceled")

	calls := 0
	err := f.repo.FindStale(context.Background(), epoch, 1, func([]model.Dispatch) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestFindStuckOldestFirst(t *testing.T) {
	f := newSQLFixture(t)
	now := epoch.Add(6 * time.Hour)

	old := f.dispatch(t, ownerID, "old@example.com", model.StatusProcessing, epoch)
	older := f.dispatch(t, ownerID, "older@example.com", model.StatusProcessing, epoch)
	fresh := f.dispatch(t, ownerID, "fresh@example.com", model.StatusProcessing, epoch)
	queued := f.dispatch(t, ownerID, "queued@example.com", model.StatusQueued, epoch)
	f.touch(t, old.ID, now.Add(-2*time.Hour))
	f.touch(t, older.ID, now.Add(-3*time.Hour))
	f.touch(t, fresh.ID, now.Add(-time.Minute))
	f.touch(t, queued.ID, now.Add(-4*time.Hour))

	stuck, err := f.repo.FindStuck(context.Background(), now.Add(-15*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stuck, 2)
	assert.Equal(t, older.ID, stuck[0].ID)
	assert.Equal(t, old.ID, stuck[1].ID)
	require.NotNil(t, stuck[0].Campaign)
	assert.Equal(t, f.campaign.ID, stuck[0].Campaign.ID)

	stuck, err = f.repo.FindStuck(context.Background(), now.Add(-15*time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, older.ID, stuck[0].ID)
}

func TestListByStatusPagesInOrder(t *testing.T) {
	f := newSQLFixture(t)
	ctx := context.Background()

	late := f.dispatch(t, ownerID, "late@example.com", model.StatusScheduled, epoch.Add(2*time.Hour))
	early := f.dispatch(t, ownerID, "early@example.com", model.StatusQueued, epoch)
	middle := f.dispatch(t, ownerID, "middle@example.com", model.StatusRateLimited, epoch.Add(time.Hour))
	f.dispatch(t, "sender-2", "foreign@example.com", model.StatusScheduled, epoch)
	sent := f.dispatch(t, ownerID, "sent@example.com", model.StatusSent, epoch)
	require.NoError(t, f.repo.CreateLedger(ctx, &model.Ledger{
		DispatchID: sent.ID, IdempotencyKey: sent.IdempotencyKey, SMTPMessageID: "<m1@test>", Outcome: model.OutcomeDelivered, SentAt: epoch,
	}))

	page, total, err := f.repo.ListByStatus(ctx, ownerID, model.PendingStatuses, "scheduled_at ASC", false, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, page, 2)
	assert.Equal(t, early.ID, page[0].ID)
	assert.Equal(t, middle.ID, page[1].ID)
	require.NotNil(t, page[0].Campaign)
	assert.Nil(t, page[0].Ledger)

	page, total, err = f.repo.ListByStatus(ctx, ownerID, model.PendingStatuses, "scheduled_at ASC", false, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, page, 1)
	assert.Equal(t, late.ID, page[0].ID)

	page, total, err = f.repo.ListByStatus(ctx, ownerID, []model.DispatchStatus{model.StatusSent}, "updated_at DESC", true, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, page, 1)
	require.NotNil(t, page[0].Ledger)
	assert.Equal(t, "<m1@test>", page[0].Ledger.SMTPMessageID)
}
