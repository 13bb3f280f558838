package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/internal/statemachine"
	"github.com/sparrowinvest/mfengine/pkg/logger"
	"github.com/sparrowinvest/mfengine/pkg/metrics"
)

type captureNotifier struct {
	mu   sync.Mutex
	sent []contracts.Notification
}

func (c *captureNotifier) Dispatch(n contracts.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
}

func (c *captureNotifier) all() []contracts.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]contracts.Notification(nil), c.sent...)
}

type captureObserver struct {
	mu   sync.Mutex
	seen []contracts.Transition
}

func (c *captureObserver) OnTransition(t contracts.Transition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, t)
}

// steppingClock advances one second per call
func steppingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newTestLedger(t *testing.T, store Store) (*Ledger, *captureNotifier) {
	t.Helper()
	n := &captureNotifier{}
	l := New(store, n, metrics.New(), logger.NewNop())
	l.now = steppingClock()
	return l, n
}

func purchase(key string, amount int64) contracts.OrderRequest {
	return contracts.OrderRequest{
		Exchange:       contracts.ExchangeBSE,
		Type:           contracts.OrderPurchase,
		ClientID:       "C1001",
		SchemeCode:     "INF209K01YN0",
		Amount:         decimal.NewFromInt(amount),
		IdempotencyKey: key,
	}
}

func sipMandate(key string) contracts.MandateRequest {
	return contracts.MandateRequest{
		Exchange:       contracts.ExchangeNSE,
		ClientID:       "C1001",
		Type:           contracts.MandateElectronic,
		AmountCeiling:  decimal.NewFromInt(25000),
		StartDate:      time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2036, 3, 31, 0, 0, 0, 0, time.UTC),
		BankAccount:    "50100012345678",
		LinkedPlans:    []string{"sip-1"},
		IdempotencyKey: key,
	}
}

func TestCreateOrder_Idempotent(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, NewMemoryStore())

	first, created, err := l.CreateOrder(ctx, purchase("k-1", 5000))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, contracts.OrderSubmitted, first.State)

	second, created, err := l.CreateOrder(ctx, purchase("k-1", 5000))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	history, err := l.History(ctx, contracts.EntityOrder, first.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1, "duplicate create must not append")
}

func TestCreateOrder_AfterTerminalCreatesNew(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, NewMemoryStore())

	first, _, err := l.CreateOrder(ctx, purchase("k-1", 5000))
	require.NoError(t, err)

	_, _, err = l.ApplyOrderEvent(ctx, first.ID, contracts.Event{
		Kind: contracts.EventTerminalRejection, ResponseCode: "101", ResponseMessage: "scheme closed",
	})
	require.NoError(t, err)

	retry, created, err := l.CreateOrder(ctx, purchase("k-1", 5000))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, retry.ID)
}

func TestCreateOrder_DerivedKey(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, NewMemoryStore())

	a, _, err := l.CreateOrder(ctx, purchase("", 7000))
	require.NoError(t, err)
	b, created, err := l.CreateOrder(ctx, purchase("", 7000))
	require.NoError(t, err)

	assert.False(t, created)
	assert.Equal(t, a.ID, b.ID)
	assert.NotEmpty(t, a.IdempotencyKey)
}

func TestCreateOrder_Validation(t *testing.T) {
	l, _ := newTestLedger(t, NewMemoryStore())

	tests := []struct {
		name  string
		edit  func(r *contracts.OrderRequest)
		field string
	}{
		{"bad exchange", func(r *contracts.OrderRequest) { r.Exchange = "MCX" }, "exchange"},
		{"missing client", func(r *contracts.OrderRequest) { r.ClientID = " " }, "client_id"},
		{"bad scheme", func(r *contracts.OrderRequest) { r.SchemeCode = "??" }, "scheme_code"},
		{"lowercase scheme", func(r *contracts.OrderRequest) { r.SchemeCode = "bad" }, "scheme_code"},
		{"zero amount", func(r *contracts.OrderRequest) { r.Amount = decimal.Zero }, "amount"},
		{"negative amount", func(r *contracts.OrderRequest) { r.Amount = decimal.NewFromInt(-5) }, "amount"},
		{"amount and units", func(r *contracts.OrderRequest) { r.Units = decimal.NewFromInt(3) }, "amount"},
		{"unknown type", func(r *contracts.OrderRequest) { r.Type = "SIP" }, "order_type"},
		{"switch without target", func(r *contracts.OrderRequest) { r.Type = contracts.OrderSwitch }, "target_scheme_code"},
		{"target on purchase", func(r *contracts.OrderRequest) { r.TargetSchemeCode = "INF209K01ZZ9" }, "target_scheme_code"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := purchase("k", 1000)
			tt.edit(&req)

			_, _, err := l.CreateOrder(context.Background(), req)
			var ve contracts.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestValidSchemeCode(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"INF209K01YN0", true},
		{"HDFCMCOG-GR", true},
		{"LT-DP-GR", true},
		{"02G", true},
		{"bad", false},
		{"inf209k01yn0", false},
		{"INF209K01YN", false},
		{"??", false},
		{"A", false},
		{"HDFC--GR", false},
		{"-GR", false},
		{"HDFC MCOG", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidSchemeCode(tt.code))
		})
	}
}

func TestRedemptionByUnits(t *testing.T) {
	l, _ := newTestLedger(t, NewMemoryStore())

	req := purchase("r-1", 0)
	req.Type = contracts.OrderRedemption
	req.Units = decimal.RequireFromString("12.345")
	req.Folio = "1234567/89"

	o, created, err := l.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, o.Units.Equal(decimal.RequireFromString("12.345")))
}

// Scenario: no-payment path through the registrar to units transferred
func TestOrderScenario_AllotmentPath(t *testing.T) {
	ctx := context.Background()
	l, notifier := newTestLedger(t, NewMemoryStore())
	obs := &captureObserver{}
	l.AddObserver(obs)

	o, _, err := l.CreateOrder(ctx, purchase("k-50000", 50000))
	require.NoError(t, err)

	events := []contracts.Event{
		{Kind: contracts.EventGatewayAck, Target: contracts.OrderPendingRegistrar, ExchangeRef: "E1", ResponseCode: "100", Source: "api"},
		{Kind: contracts.EventRegistrarValidated, ResponseMessage: "VALIDATED_RTA", Source: "poller"},
		{Kind: contracts.EventAllotmentConfirmed, Source: "poller", Allotment: &contracts.Allotment{
			Units: decimal.RequireFromString("1234.567"), NAV: decimal.RequireFromString("40.5002"),
			Amount: decimal.NewFromInt(50000), Folio: "9988776",
		}},
		{Kind: contracts.EventGatewayStatusUpdate, Target: contracts.OrderUnitsTransferred, Source: "poller"},
	}
	for _, ev := range events {
		_, _, err := l.ApplyOrderEvent(ctx, o.ID, ev)
		require.NoError(t, err, "event %s", ev.Kind)
	}

	view, err := l.OrderView(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.OrderUnitsTransferred, view.State)
	assert.Equal(t, "E1", view.ExchangeOrderID)
	assert.True(t, view.Terminal)
	assert.False(t, view.CanCancel)
	require.NotNil(t, view.Allotment)
	assert.Equal(t, "9988776", view.Allotment.Folio)

	require.Len(t, view.History, 5)
	wantTo := []contracts.State{
		contracts.OrderSubmitted, contracts.OrderPendingRegistrar, contracts.OrderValidatedByRegistrar,
		contracts.OrderAllotmentDone, contracts.OrderUnitsTransferred,
	}
	for i, rec := range view.History {
		assert.Equal(t, wantTo[i], rec.To)
		assert.Equal(t, int64(i+1), rec.Seq)
		if i > 0 {
			assert.False(t, rec.OccurredAt.Before(view.History[i-1].OccurredAt))
		}
	}
	require.NoError(t, statemachine.Orders.ValidatePath(view.History))

	assert.Len(t, obs.seen, 5)
	sent := notifier.all()
	require.Len(t, sent, 1)
	assert.Equal(t, contracts.OrderUnitsTransferred, sent[0].State)
}

// Scenario: business rejection of a mandate, later cancel refused
func TestMandateScenario_RejectedThenCancel(t *testing.T) {
	ctx := context.Background()
	l, notifier := newTestLedger(t, NewMemoryStore())

	m, _, err := l.CreateMandate(ctx, sipMandate("m-1"))
	require.NoError(t, err)
	assert.Equal(t, contracts.MandateCreated, m.State)

	rejected, _, err := l.ApplyMandateEvent(ctx, m.ID, contracts.Event{
		Kind: contracts.EventTerminalRejection, ResponseCode: "E-KYC-002", ResponseMessage: "KYC not verified", Source: "api",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.MandateRejected, rejected.State)
	assert.Equal(t, "E-KYC-002", rejected.ResponseCode)

	_, _, err = l.ApplyMandateEvent(ctx, m.ID, contracts.Event{Kind: contracts.EventLocalCancel, Source: "api"})
	assert.ErrorIs(t, err, contracts.ErrAlreadyTerminal)

	after, err := l.GetMandate(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.MandateRejected, after.State)
	assert.Equal(t, rejected.Version, after.Version)
	assert.Len(t, notifier.all(), 1)
}

func TestMandateApproval_SetsUMRNOnce(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, NewMemoryStore())

	m, _, err := l.CreateMandate(ctx, sipMandate("m-2"))
	require.NoError(t, err)

	_, _, err = l.ApplyMandateEvent(ctx, m.ID, contracts.Event{Kind: contracts.EventGatewayAck, ExchangeRef: "NM-77"})
	require.NoError(t, err)
	approved, _, err := l.ApplyMandateEvent(ctx, m.ID, contracts.Event{
		Kind: contracts.EventGatewayStatusUpdate, Target: contracts.MandateApproved, UMRN: "HDFC7000000012345", ExchangeRef: "NM-78",
	})
	require.NoError(t, err)

	assert.Equal(t, contracts.MandateApproved, approved.State)
	assert.Equal(t, "HDFC7000000012345", approved.UMRN)
	assert.Equal(t, "NM-77", approved.ExchangeMandateID)
	assert.True(t, approved.AmountCeiling.Equal(decimal.NewFromInt(25000)))
}

func TestExchangeOrderIDSetOnce(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, NewMemoryStore())

	o, _, err := l.CreateOrder(ctx, purchase("k-e", 1000))
	require.NoError(t, err)

	_, _, err = l.ApplyOrderEvent(ctx, o.ID, contracts.Event{Kind: contracts.EventGatewayAck, ExchangeRef: "E1"})
	require.NoError(t, err)
	got, _, err := l.ApplyOrderEvent(ctx, o.ID, contracts.Event{
		Kind: contracts.EventGatewayStatusUpdate, Target: contracts.OrderPaymentPending, ExchangeRef: "E2",
	})
	require.NoError(t, err)
	assert.Equal(t, "E1", got.ExchangeOrderID)

	found, err := l.FindOrderByExchangeID(ctx, contracts.ExchangeBSE, "E1")
	require.NoError(t, err)
	assert.Equal(t, o.ID, found.ID)
}

func TestApplyOrderEvent_NoOpReplay(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, NewMemoryStore())

	o, _, err := l.CreateOrder(ctx, purchase("k-r", 1000))
	require.NoError(t, err)

	ack := contracts.Event{Kind: contracts.EventGatewayAck, ExchangeRef: "E9"}
	first, _, err := l.ApplyOrderEvent(ctx, o.ID, ack)
	require.NoError(t, err)

	second, out, err := l.ApplyOrderEvent(ctx, o.ID, ack)
	require.NoError(t, err)
	assert.True(t, out.NoOp)
	assert.Equal(t, first.Version, second.Version)

	history, err := l.History(ctx, contracts.EntityOrder, o.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestPaymentFailureCounter(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, NewMemoryStore())

	o, _, err := l.CreateOrder(ctx, purchase("k-p", 1000))
	require.NoError(t, err)
	for _, ev := range []contracts.Event{
		{Kind: contracts.EventGatewayAck, Target: contracts.OrderPaymentPending},
		{Kind: contracts.EventPaymentInitiated},
		{Kind: contracts.EventPaymentFailed},
	} {
		_, _, err := l.ApplyOrderEvent(ctx, o.ID, ev)
		require.NoError(t, err)
	}

	got, err := l.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.OrderPaymentPending, got.State)
	assert.Equal(t, 1, got.PaymentFailures)
}

// gatedStore holds every GetOrder until both racers have read the same version
type gatedStore struct {
	Store
	barrier sync.WaitGroup
}

func (g *gatedStore) GetOrder(ctx context.Context, id string) (*contracts.Order, error) {
	o, err := g.Store.GetOrder(ctx, id)
	g.barrier.Done()
	g.barrier.Wait()
	return o, err
}

func TestConcurrentConflictingEvents(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	setup, _ := newTestLedger(t, mem)

	o, _, err := setup.CreateOrder(ctx, purchase("k-c", 1000))
	require.NoError(t, err)
	_, _, err = setup.ApplyOrderEvent(ctx, o.ID, contracts.Event{Kind: contracts.EventGatewayAck})
	require.NoError(t, err)

	gated := &gatedStore{Store: mem}
	gated.barrier.Add(2)
	l, _ := newTestLedger(t, gated)

	events := []contracts.Event{
		{Kind: contracts.EventLocalCancel, Source: "api"},
		{Kind: contracts.EventGatewayStatusUpdate, Target: contracts.OrderPaymentPending, Source: "poller"},
	}
	targets := []contracts.State{contracts.OrderCancelled, contracts.OrderPaymentPending}

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range events {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = l.ApplyOrderEvent(ctx, o.ID, events[i])
		}(i)
	}
	wg.Wait()

	var winner = -1
	conflicts := 0
	for i, err := range errs {
		switch {
		case err == nil:
			winner = i
		case errors.Is(err, contracts.ErrConflict):
			conflicts++
			var te *contracts.TransitionError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, "conflict", te.Reason())
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.NotEqual(t, -1, winner)
	assert.Equal(t, 1, conflicts)

	final, err := mem.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, targets[winner], final.State)

	history, err := mem.Transitions(ctx, contracts.EntityOrder, o.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestFindStaleAndReviewFlag(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, NewMemoryStore())

	o, _, err := l.CreateOrder(ctx, purchase("k-s", 1000))
	require.NoError(t, err)

	stale, err := l.FindStaleOrders(ctx, []contracts.State{contracts.OrderSubmitted}, 0, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	require.NoError(t, l.MarkReconcile(ctx, contracts.EntityOrder, o.ID, 40, true))
	stale, err = l.FindStaleOrders(ctx, []contracts.State{contracts.OrderSubmitted}, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, stale, "flagged entities are excluded from polling")

	flagged, err := l.FindFlagged(ctx, contracts.EntityOrder)
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, 40, flagged[0].ReconcileFailures)

	// a transition does not clobber the annotation
	_, _, err = l.ApplyOrderEvent(ctx, o.ID, contracts.Event{Kind: contracts.EventGatewayAck})
	require.NoError(t, err)
	got, err := l.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, got.NeedsManualReview)

	require.NoError(t, l.ClearReview(ctx, contracts.EntityOrder, o.ID))
	flagged, err = l.FindFlagged(ctx, contracts.EntityOrder)
	require.NoError(t, err)
	assert.Empty(t, flagged)

	assert.ErrorIs(t, l.ClearReview(ctx, contracts.EntityOrder, "missing"), contracts.ErrNotFound)
}

func TestFindUnnotified(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, NewMemoryStore())

	o, _, err := l.CreateOrder(ctx, purchase("k-n", 1000))
	require.NoError(t, err)
	_, _, err = l.ApplyOrderEvent(ctx, o.ID, contracts.Event{Kind: contracts.EventTerminalRejection})
	require.NoError(t, err)

	ids, err := l.FindUnnotified(ctx, contracts.EntityOrder, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{o.ID}, ids)

	stored, err := l.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.NoError(t, l.MarkNotified(ctx, contracts.EntityOrder, o.ID, stored.Version))
	ids, err = l.FindUnnotified(ctx, contracts.EntityOrder, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// a late delivery of an older version never moves the mark back
	require.NoError(t, l.MarkNotified(ctx, contracts.EntityOrder, o.ID, 1))
	ids, err = l.FindUnnotified(ctx, contracts.EntityOrder, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFindUnnotified_ReenteredState(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, NewMemoryStore())

	o, _, err := l.CreateOrder(ctx, purchase("k-pp", 1000))
	require.NoError(t, err)
	o, _, err = l.ApplyOrderEvent(ctx, o.ID, contracts.Event{Kind: contracts.EventGatewayAck, Target: contracts.OrderPaymentPending})
	require.NoError(t, err)
	require.NoError(t, l.MarkNotified(ctx, contracts.EntityOrder, o.ID, o.Version))

	_, _, err = l.ApplyOrderEvent(ctx, o.ID, contracts.Event{Kind: contracts.EventPaymentInitiated})
	require.NoError(t, err)
	ids, err := l.FindUnnotified(ctx, contracts.EntityOrder, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, ids, "PAYMENT_CONFIRMATION_PENDING is not notifiable")

	again, _, err := l.ApplyOrderEvent(ctx, o.ID, contracts.Event{Kind: contracts.EventPaymentFailed})
	require.NoError(t, err)
	require.Equal(t, contracts.OrderPaymentPending, again.State)

	ids, err = l.FindUnnotified(ctx, contracts.EntityOrder, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{o.ID}, ids)
}

func TestFindMandatesExpiring(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, NewMemoryStore())

	req := sipMandate("m-exp")
	req.StartDate = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	req.EndDate = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m, _, err := l.CreateMandate(ctx, req)
	require.NoError(t, err)

	_, _, err = l.ApplyMandateEvent(ctx, m.ID, contracts.Event{Kind: contracts.EventGatewayAck})
	require.NoError(t, err)
	_, _, err = l.ApplyMandateEvent(ctx, m.ID, contracts.Event{Kind: contracts.EventGatewayStatusUpdate, Target: contracts.MandateApproved})
	require.NoError(t, err)

	expiring, err := l.FindMandatesExpiring(ctx, 10)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, m.ID, expiring[0].ID)
}

func TestApplyOnMissingEntity(t *testing.T) {
	l, _ := newTestLedger(t, NewMemoryStore())

	_, _, err := l.ApplyOrderEvent(context.Background(), "nope", contracts.Event{Kind: contracts.EventGatewayAck})
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}
