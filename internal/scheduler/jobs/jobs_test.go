package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/internal/gateway"
	"github.com/sparrowinvest/mfengine/internal/reconcile"
	"github.com/sparrowinvest/mfengine/pkg/logger"
)

type fakeSweeper struct {
	tiers []reconcile.Tier
	err   error
}

func (f *fakeSweeper) Sweep(ctx context.Context, tier reconcile.Tier) (reconcile.SweepStats, error) {
	f.tiers = append(f.tiers, tier)
	return reconcile.SweepStats{Tier: tier, Flagged: 1}, f.err
}

type fakeExpirer struct{ n int }

func (f fakeExpirer) ExpireMandates(ctx context.Context) (int, error) { return f.n, nil }

type fakeSyncer struct {
	lookback time.Duration
	err      error
}

func (f *fakeSyncer) SyncAllotments(ctx context.Context, src gateway.AllotmentSource, lookback time.Duration) (reconcile.AllotmentStats, error) {
	f.lookback = lookback
	return reconcile.AllotmentStats{Exchange: src.Exchange(), Entries: 2, Applied: 1, Rejected: 1}, f.err
}

type fakeResender struct {
	sent int
	err  error
}

func (f fakeResender) Run(ctx context.Context) (int, error) { return f.sent, f.err }

type fakeFinder map[contracts.EntityType][]contracts.ReviewItem

func (f fakeFinder) FindFlagged(ctx context.Context, entity contracts.EntityType) ([]contracts.ReviewItem, error) {
	return f[entity], nil
}

func TestReconcileJob(t *testing.T) {
	sw := &fakeSweeper{}
	job := NewReconcileJob(sw, reconcile.TierSettlement, 15*time.Minute, logger.NewNop())

	assert.Equal(t, "reconcile_settlement", job.Name())
	assert.Equal(t, "@every 15m0s", job.Schedule())
	assert.Equal(t, 0, job.MaxRetries())

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, []reconcile.Tier{reconcile.TierSettlement}, sw.tiers)

	sw.err = errors.New("db down")
	assert.ErrorContains(t, job.Run(context.Background()), "db down")
}

func TestMandateExpiryJob(t *testing.T) {
	job := NewMandateExpiryJob(fakeExpirer{n: 2}, logger.NewNop())
	assert.Equal(t, "mandate_expiry", job.Name())
	assert.NoError(t, job.Run(context.Background()))
}

func TestNotificationReconcileJob(t *testing.T) {
	job := NewNotificationReconcileJob(fakeResender{sent: 3}, logger.NewNop())
	assert.Equal(t, "notification_reconcile", job.Name())
	assert.Equal(t, 0, job.MaxRetries())
	assert.NoError(t, job.Run(context.Background()))

	job = NewNotificationReconcileJob(fakeResender{err: errors.New("ledger down")}, logger.NewNop())
	assert.ErrorContains(t, job.Run(context.Background()), "resend notifications")
}

func TestAllotmentSyncJob(t *testing.T) {
	sync := &fakeSyncer{}
	job := NewAllotmentSyncJob(sync, gateway.NewMock(contracts.ExchangeBSE), 7*24*time.Hour, logger.NewNop())

	assert.Equal(t, "allotment_sync_bse", job.Name())
	assert.Equal(t, "0 0 21 * * 1-5", job.Schedule())
	assert.Equal(t, 2, job.MaxRetries())

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 7*24*time.Hour, sync.lookback)

	sync.err = errors.New("statement unavailable")
	assert.ErrorContains(t, job.Run(context.Background()), "sync BSE allotments")
}

func TestReviewReportJob(t *testing.T) {
	job := NewReviewReportJob(fakeFinder{
		contracts.EntityOrder: {{Entity: contracts.EntityOrder, ID: "o-1"}},
	}, logger.NewNop())
	assert.NoError(t, job.Run(context.Background()))
}
