package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/internal/gateway"
	"github.com/sparrowinvest/mfengine/internal/ledger"
	"github.com/sparrowinvest/mfengine/internal/policy"
	"github.com/sparrowinvest/mfengine/pkg/logger"
	"github.com/sparrowinvest/mfengine/pkg/metrics"
	"github.com/sparrowinvest/mfengine/pkg/redis"
)

type fixture struct {
	ledger *ledger.Ledger
	mock   *gateway.Mock
	rec    *Reconciler
	poller *Poller
	locker *redis.Locker
	clock  time.Time
}

func testPolicy() policy.Policy {
	return policy.Policy{
		Reconcile: policy.Reconcile{
			MaxFailures:    3,
			MaxRejections:  2,
			BackoffInitial: time.Minute,
			BackoffMax:     8 * time.Minute,
			// negative: every row counts as stale immediately
			StaleActive:     -time.Minute,
			StaleSettlement: -time.Minute,
			BatchSize:       50,
		},
		Payment: policy.Payment{MaxFailures: 3},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := metrics.New()
	log := logger.NewNop()

	f := &fixture{
		ledger: ledger.New(ledger.NewMemoryStore(), nil, m, log),
		mock:   gateway.NewMock(contracts.ExchangeBSE),
		locker: redis.NewLocker(nil, "test"),
		clock:  time.Now().UTC(),
	}
	f.rec = New(f.ledger, gateway.NewRegistry(f.mock), policy.NewStore(testPolicy()), m, log)
	f.poller = NewPoller(f.rec, f.ledger, f.locker, m, log)
	f.poller.now = func() time.Time { return f.clock }
	return f
}

// advance moves the poller clock past any backoff
func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func (f *fixture) order(t *testing.T) *contracts.Order {
	t.Helper()
	o, created, err := f.ledger.CreateOrder(context.Background(), contracts.OrderRequest{
		Exchange:   contracts.ExchangeBSE,
		Type:       contracts.OrderPurchase,
		ClientID:   "C1001",
		SchemeCode: "INF209K01YN0",
		Amount:     decimal.NewFromInt(5000),
	})
	require.NoError(t, err)
	require.True(t, created)
	return o
}

func (f *fixture) placed(t *testing.T) *contracts.Order {
	t.Helper()
	o, err := f.rec.SubmitOrder(context.Background(), f.order(t), "api")
	require.NoError(t, err)
	require.Equal(t, contracts.OrderPlaced, o.State)
	return o
}

func unreachable(op string) error {
	return contracts.Unreachable(contracts.ExchangeBSE, op, errors.New("connection reset"))
}

// ======================================
// Submission
// ======================================

func TestSubmitOrder_Accepted(t *testing.T) {
	f := newFixture(t)
	o := f.order(t)

	updated, err := f.rec.SubmitOrder(context.Background(), o, "api")
	require.NoError(t, err)
	assert.Equal(t, contracts.OrderPlaced, updated.State)
	assert.Equal(t, "X-"+o.ID, updated.ExchangeOrderID)
	assert.Equal(t, contracts.EventGatewayAck, updated.LastEvent)
}

func TestSubmitOrder_UnreachableLeavesSubmitted(t *testing.T) {
	f := newFixture(t)
	f.mock.SubmitOrderFn = func(ctx context.Context, o *contracts.Order) (*gateway.SubmitResult, error) {
		return nil, unreachable("submit_order")
	}
	o := f.order(t)

	_, err := f.rec.SubmitOrder(context.Background(), o, "api")
	require.Error(t, err)
	assert.True(t, contracts.IsRetriable(err))

	stored, err := f.ledger.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.OrderSubmitted, stored.State)
	assert.Empty(t, stored.ExchangeOrderID)
}

func TestSubmitOrder_BusinessRejection(t *testing.T) {
	f := newFixture(t)
	f.mock.SubmitOrderFn = func(ctx context.Context, o *contracts.Order) (*gateway.SubmitResult, error) {
		return &gateway.SubmitResult{ResponseCode: "E-KYC-002", ResponseMessage: "KYC not validated"}, nil
	}

	updated, err := f.rec.SubmitOrder(context.Background(), f.order(t), "api")
	require.NoError(t, err)
	assert.Equal(t, contracts.OrderRejected, updated.State)
	assert.Equal(t, "E-KYC-002", updated.ResponseCode)
	assert.Equal(t, "KYC not validated", updated.ResponseMessage)
}

func TestSubmitMandate_Rejected(t *testing.T) {
	f := newFixture(t)
	f.mock.SubmitMandateFn = func(ctx context.Context, m *contracts.Mandate) (*gateway.SubmitResult, error) {
		return &gateway.SubmitResult{ResponseCode: "101", ResponseMessage: "invalid IFSC"}, nil
	}
	m, _, err := f.ledger.CreateMandate(context.Background(), mandateRequest(time.Now().AddDate(1, 0, 0)))
	require.NoError(t, err)

	updated, err := f.rec.SubmitMandate(context.Background(), m, "api")
	require.NoError(t, err)
	assert.Equal(t, contracts.MandateRejected, updated.State)
}

// ======================================
// Status reconciliation
// ======================================

func TestReconcileOrder_ResubmitsWithoutExchangeID(t *testing.T) {
	f := newFixture(t)
	o := f.order(t)

	res, err := f.rec.ReconcileOrder(context.Background(), o, "poller")
	require.NoError(t, err)
	assert.Equal(t, ResultAdvanced, res)
	assert.Equal(t, 1, f.mock.Calls("submit_order"))
	assert.Zero(t, f.mock.Calls("query_order"))
}

func TestReconcileOrder_Advances(t *testing.T) {
	f := newFixture(t)
	o := f.placed(t)
	f.mock.QueryOrderStatusFn = func(ctx context.Context, ref string) (*gateway.StatusResult, error) {
		assert.Equal(t, o.ExchangeOrderID, ref)
		return &gateway.StatusResult{ExchangeRef: ref, State: contracts.OrderPendingRegistrar, RawStatus: "PAYMENT_SUCCESS"}, nil
	}

	res, err := f.rec.ReconcileOrder(context.Background(), o, "poller")
	require.NoError(t, err)
	assert.Equal(t, ResultAdvanced, res)

	stored, err := f.ledger.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.OrderPendingRegistrar, stored.State)

	// same report again is a no-op
	res, err = f.rec.ReconcileOrder(context.Background(), stored, "poller")
	require.NoError(t, err)
	assert.Equal(t, ResultUnchanged, res)
}

func TestReconcileOrder_UnknownStatusUnchanged(t *testing.T) {
	f := newFixture(t)
	o := f.placed(t)

	res, err := f.rec.ReconcileOrder(context.Background(), o, "poller")
	require.NoError(t, err)
	assert.Equal(t, ResultUnchanged, res)
}

func TestReconcileOrder_StaleReportIgnored(t *testing.T) {
	f := newFixture(t)
	o := f.placed(t)
	f.mock.QueryOrderStatusFn = func(ctx context.Context, ref string) (*gateway.StatusResult, error) {
		return &gateway.StatusResult{
			ExchangeRef: ref,
			State:       contracts.OrderRejected,
			ReportedAt:  o.UpdatedAt.Add(-time.Hour),
		}, nil
	}

	res, err := f.rec.ReconcileOrder(context.Background(), o, "poller")
	require.NoError(t, err)
	assert.Equal(t, ResultStale, res)

	stored, _ := f.ledger.GetOrder(context.Background(), o.ID)
	assert.Equal(t, contracts.OrderPlaced, stored.State)
}

func TestReconcileOrder_BackwardReportIsStale(t *testing.T) {
	f := newFixture(t)
	o := f.placed(t)
	_, _, err := f.ledger.ApplyOrderEvent(context.Background(), o.ID, contracts.Event{
		Kind: contracts.EventGatewayStatusUpdate, Target: contracts.OrderPendingRegistrar, Source: "webhook",
	})
	require.NoError(t, err)
	o, _ = f.ledger.GetOrder(context.Background(), o.ID)

	f.mock.QueryOrderStatusFn = func(ctx context.Context, ref string) (*gateway.StatusResult, error) {
		return &gateway.StatusResult{ExchangeRef: ref, State: contracts.OrderPaymentPending}, nil
	}

	res, err := f.rec.ReconcileOrder(context.Background(), o, "poller")
	require.NoError(t, err, "a refused event still means the gateway answered")
	assert.Equal(t, ResultStale, res)

	stored, _ := f.ledger.GetOrder(context.Background(), o.ID)
	assert.Equal(t, contracts.OrderPendingRegistrar, stored.State)
}

func TestRetryDelay(t *testing.T) {
	p := testPolicy().Reconcile

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{12, 8 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RetryDelay(p, tt.failures), "failures=%d", tt.failures)
	}
}

// ======================================
// Poller
// ======================================

func TestSweep_AdvancesActiveTier(t *testing.T) {
	f := newFixture(t)
	o := f.placed(t)
	f.mock.QueryOrderStatusFn = func(ctx context.Context, ref string) (*gateway.StatusResult, error) {
		return &gateway.StatusResult{ExchangeRef: ref, State: contracts.OrderPaymentPending}, nil
	}

	stats, err := f.poller.Sweep(context.Background(), TierActive)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Candidates)
	assert.Equal(t, 1, stats.Advanced)

	stored, _ := f.ledger.GetOrder(context.Background(), o.ID)
	assert.Equal(t, contracts.OrderPaymentPending, stored.State)

	// settlement tier does not touch active states
	stats, err = f.poller.Sweep(context.Background(), TierSettlement)
	require.NoError(t, err)
	assert.Zero(t, stats.Candidates)
}

func TestSweep_FlagsAfterMaxFailures(t *testing.T) {
	f := newFixture(t)
	o := f.placed(t)
	f.mock.QueryOrderStatusFn = func(ctx context.Context, ref string) (*gateway.StatusResult, error) {
		return nil, unreachable("query_order")
	}
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		stats, err := f.poller.Sweep(ctx, TierActive)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Unreachable)

		stored, _ := f.ledger.GetOrder(ctx, o.ID)
		assert.Equal(t, i, stored.ReconcileFailures)
		assert.False(t, stored.NeedsManualReview)

		// backing off: an immediate sweep does not poll again
		stats, err = f.poller.Sweep(ctx, TierActive)
		require.NoError(t, err)
		assert.Zero(t, stats.Attempted)

		f.advance(time.Hour)
	}

	stats, err := f.poller.Sweep(ctx, TierActive)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Flagged)

	stored, _ := f.ledger.GetOrder(ctx, o.ID)
	assert.True(t, stored.NeedsManualReview)
	assert.Equal(t, contracts.OrderPlaced, stored.State, "flagging never changes state")

	f.advance(time.Hour)
	stats, err = f.poller.Sweep(ctx, TierActive)
	require.NoError(t, err)
	assert.Zero(t, stats.Candidates, "flagged rows are excluded from polling")
	assert.Equal(t, 3, f.mock.Calls("query_order"))

	items, err := f.ledger.FindFlagged(ctx, contracts.EntityOrder)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, o.ID, items[0].ID)
}

func TestSweep_SuccessResetsFailures(t *testing.T) {
	f := newFixture(t)
	o := f.placed(t)
	ctx := context.Background()

	fail := true
	f.mock.QueryOrderStatusFn = func(ctx context.Context, ref string) (*gateway.StatusResult, error) {
		if fail {
			return nil, unreachable("query_order")
		}
		return &gateway.StatusResult{ExchangeRef: ref, State: contracts.OrderPlaced}, nil
	}

	_, err := f.poller.Sweep(ctx, TierActive)
	require.NoError(t, err)
	stored, _ := f.ledger.GetOrder(ctx, o.ID)
	require.Equal(t, 1, stored.ReconcileFailures)

	fail = false
	f.advance(time.Hour)
	_, err = f.poller.Sweep(ctx, TierActive)
	require.NoError(t, err)

	stored, _ = f.ledger.GetOrder(ctx, o.ID)
	assert.Zero(t, stored.ReconcileFailures)
}

func TestSweep_SkipsWhenTierLocked(t *testing.T) {
	f := newFixture(t)
	f.placed(t)
	ctx := context.Background()

	lock, err := f.locker.TryAcquire(ctx, "reconcile:active", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lock)

	stats, err := f.poller.Sweep(ctx, TierActive)
	require.NoError(t, err)
	assert.True(t, stats.Skipped)
	assert.Zero(t, f.mock.Calls("query_order"))

	require.NoError(t, lock.Release(ctx))
	stats, err = f.poller.Sweep(ctx, TierActive)
	require.NoError(t, err)
	assert.False(t, stats.Skipped)
	assert.Equal(t, 1, f.mock.Calls("query_order"))
}

func TestSweep_UnknownTier(t *testing.T) {
	f := newFixture(t)
	_, err := f.poller.Sweep(context.Background(), Tier("weekly"))
	assert.Error(t, err)
}

func TestTierOf(t *testing.T) {
	tier, ok := TierOf(contracts.EntityOrder, contracts.OrderValidatedByRegistrar)
	assert.True(t, ok)
	assert.Equal(t, TierSettlement, tier)

	tier, ok = TierOf(contracts.EntityMandate, contracts.MandateSubmitted)
	assert.True(t, ok)
	assert.Equal(t, TierActive, tier)

	_, ok = TierOf(contracts.EntityOrder, contracts.OrderUnitsTransferred)
	assert.False(t, ok)
}

func mandateRequest(end time.Time) contracts.MandateRequest {
	return contracts.MandateRequest{
		Exchange:      contracts.ExchangeBSE,
		ClientID:      "C1001",
		Type:          contracts.MandateElectronic,
		AmountCeiling: decimal.NewFromInt(25000),
		StartDate:     end.AddDate(-1, 0, 0),
		EndDate:       end,
		BankAccount:   "50100012345678",
	}
}

func TestExpireMandates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, _, err := f.ledger.CreateMandate(ctx, mandateRequest(time.Now().AddDate(0, 0, -1)))
	require.NoError(t, err)
	m, err = f.rec.SubmitMandate(ctx, m, "api")
	require.NoError(t, err)
	_, _, err = f.ledger.ApplyMandateEvent(ctx, m.ID, contracts.Event{
		Kind: contracts.EventGatewayStatusUpdate, Target: contracts.MandateApproved, Source: "poller",
	})
	require.NoError(t, err)

	n, err := f.poller.ExpireMandates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.ledger.GetMandate(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.MandateExpired, stored.State)
	assert.Equal(t, contracts.EventMandateRevoked, stored.LastEvent)

	n, err = f.poller.ExpireMandates(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
