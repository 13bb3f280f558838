package engine

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
	"github.com/sparrowinvest/mfengine/internal/payment"
	"github.com/sparrowinvest/mfengine/internal/policy"
	"github.com/sparrowinvest/mfengine/internal/reconcile"
	"github.com/sparrowinvest/mfengine/internal/registry"
	"github.com/sparrowinvest/mfengine/pkg/logger"
)

type payLinks struct{}

func (payLinks) Exchange() contracts.Exchange { return contracts.ExchangeBSE }

func (payLinks) InitiatePayment(ctx context.Context, o *contracts.Order, returnURL string) (*gateway.PaymentLink, error) {
	return &gateway.PaymentLink{URL: "https://pay.example/" + o.ExchangeOrderID, Reference: "PG-" + o.ID}, nil
}

type harness struct {
	svc    *Service
	ledger *ledger.Ledger
	bse    *gateway.Mock
	reg    *registry.Static
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logger.NewNop()
	l := ledger.New(ledger.NewMemoryStore(), nil, nil, log)
	bse := gateway.NewMock(contracts.ExchangeBSE)
	gws := gateway.NewRegistry(bse)

	pol := policy.NewStore(policy.Policy{
		Reconcile: policy.Reconcile{MaxFailures: 40, MaxRejections: 10, BackoffInitial: time.Second, BackoffMax: time.Minute, BatchSize: 10},
		Payment:   policy.Payment{MaxFailures: 3},
	})
	rec := reconcile.New(l, gws, pol, nil, log)
	pay := payment.New(l, pol, "https://app.example/return", log, payLinks{})

	reg := registry.NewStatic()
	reg.Register(contracts.ExchangeBSE, "C1001")

	return &harness{
		svc:    New(l, gws, rec, pay, reg, log),
		ledger: l,
		bse:    bse,
		reg:    reg,
	}
}

func purchase(amount int64) contracts.OrderRequest {
	return contracts.OrderRequest{
		Exchange:       contracts.ExchangeBSE,
		Type:           contracts.OrderPurchase,
		ClientID:       "C1001",
		SchemeCode:     "INF209K01YN0",
		Amount:         decimal.NewFromInt(amount),
		IdempotencyKey: "req-1",
	}
}

func mandateReq() contracts.MandateRequest {
	return contracts.MandateRequest{
		Exchange:      contracts.ExchangeBSE,
		ClientID:      "C1001",
		Type:          contracts.MandateElectronic,
		AmountCeiling: decimal.NewFromInt(10000),
		StartDate:     time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		EndDate:       time.Date(2036, 3, 31, 0, 0, 0, 0, time.UTC),
		BankAccount:   "50100012345678",
		LinkedPlans:   []string{"sip-1"},
	}
}

func states(history []contracts.Transition) []contracts.State {
	out := make([]contracts.State, len(history))
	for i, tr := range history {
		out[i] = tr.To
	}
	return out
}

// ======================================
// Create
// ======================================

func TestCreateOrder_SubmitsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.CreateOrder(ctx, purchase(5000))
	require.NoError(t, err)
	assert.Equal(t, contracts.OrderPlaced, first.State)
	assert.Equal(t, []contracts.State{contracts.OrderSubmitted, contracts.OrderPlaced}, states(first.History))
	assert.True(t, first.CanCancel)

	again, err := h.svc.CreateOrder(ctx, purchase(5000))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 1, h.bse.Calls("submit_order"), "duplicate request must not resubmit")
}

func TestCreateOrder_NewOrderAfterTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.bse.SubmitOrderFn = func(ctx context.Context, o *contracts.Order) (*gateway.SubmitResult, error) {
		return &gateway.SubmitResult{ResponseCode: "E-SCHEME-CLOSED", ResponseMessage: "scheme closed"}, nil
	}

	first, err := h.svc.CreateOrder(ctx, purchase(5000))
	require.NoError(t, err)
	assert.Equal(t, contracts.OrderRejected, first.State)
	assert.True(t, first.Terminal)

	h.bse.SubmitOrderFn = nil
	retry, err := h.svc.CreateOrder(ctx, purchase(5000))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, retry.ID)
	assert.Equal(t, contracts.OrderPlaced, retry.State)
}

func TestCreateOrder_Gates(t *testing.T) {
	h := newHarness(t)
	h.svc.WithMaxOrderAmount(decimal.NewFromInt(100000))
	ctx := context.Background()

	unregistered := purchase(5000)
	unregistered.ClientID = "C9999"
	_, err := h.svc.CreateOrder(ctx, unregistered)
	assert.ErrorIs(t, err, contracts.ErrClientNotRegistered)

	invalid := purchase(5000)
	invalid.SchemeCode = "bad"
	_, err = h.svc.CreateOrder(ctx, invalid)
	var ve contracts.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "scheme_code", ve.Field)

	_, err = h.svc.CreateOrder(ctx, purchase(250000))
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "amount", ve.Field)

	assert.Zero(t, h.bse.Calls("submit_order"), "rejected requests never reach the exchange")
}

func TestCreateOrder_UnreachableStaysSubmitted(t *testing.T) {
	h := newHarness(t)
	h.bse.SubmitOrderFn = func(ctx context.Context, o *contracts.Order) (*gateway.SubmitResult, error) {
		return nil, contracts.Unreachable(contracts.ExchangeBSE, "submit_order", errors.New("timeout"))
	}

	view, err := h.svc.CreateOrder(context.Background(), purchase(5000))
	require.NoError(t, err)
	assert.Equal(t, contracts.OrderSubmitted, view.State)
	assert.Empty(t, view.ExchangeOrderID)
}

func TestCreateOrder_MandateLinkage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m, err := h.svc.CreateMandate(ctx, mandateReq())
	require.NoError(t, err)
	require.Equal(t, contracts.MandateSubmitted, m.State)

	sip := purchase(5000)
	sip.MandateID = m.ID
	_, err = h.svc.CreateOrder(ctx, sip)
	var ve contracts.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Message, "not APPROVED")

	_, _, err = h.ledger.ApplyMandateEvent(ctx, m.ID, contracts.Event{
		Kind: contracts.EventGatewayStatusUpdate, Target: contracts.MandateApproved, Source: "poller",
	})
	require.NoError(t, err)

	over := sip
	over.Amount = decimal.NewFromInt(20000)
	_, err = h.svc.CreateOrder(ctx, over)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "amount", ve.Field)

	view, err := h.svc.CreateOrder(ctx, sip)
	require.NoError(t, err)
	assert.Equal(t, m.ID, view.MandateID)

	unknown := purchase(5000)
	unknown.MandateID = "missing"
	_, err = h.svc.CreateOrder(ctx, unknown)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "mandate_id", ve.Field)
}

// ======================================
// Lifecycle scenarios
// ======================================

// Accepted order without payment: PENDING_FOR_RTA, then registrar validation,
// allotment and unit transfer reported by polling.
func TestScenario_SettlementPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.bse.SubmitOrderFn = func(ctx context.Context, o *contracts.Order) (*gateway.SubmitResult, error) {
		return &gateway.SubmitResult{Accepted: true, ExchangeRef: "E1", Stage: contracts.OrderPendingRegistrar, ResponseCode: "100"}, nil
	}

	view, err := h.svc.CreateOrder(ctx, purchase(50000))
	require.NoError(t, err)
	assert.Equal(t, "E1", view.ExchangeOrderID)
	assert.Equal(t, contracts.OrderPendingRegistrar, view.State)

	for _, next := range []contracts.State{
		contracts.OrderValidatedByRegistrar,
		contracts.OrderAllotmentDone,
		contracts.OrderUnitsTransferred,
	} {
		report := next
		h.bse.QueryOrderStatusFn = func(ctx context.Context, ref string) (*gateway.StatusResult, error) {
			assert.Equal(t, "E1", ref)
			st := &gateway.StatusResult{ExchangeRef: ref, State: report}
			if report == contracts.OrderAllotmentDone {
				st.Allotment = &contracts.Allotment{Units: decimal.RequireFromString("1234.567"), NAV: decimal.RequireFromString("40.5"), Amount: decimal.NewFromInt(50000)}
			}
			return st, nil
		}
		view, res, err := h.svc.RefreshOrder(ctx, view.ID)
		require.NoError(t, err)
		assert.Equal(t, reconcile.ResultAdvanced, res)
		assert.Equal(t, report, view.State)
	}

	final, err := h.svc.GetOrder(ctx, view.ID)
	require.NoError(t, err)
	assert.True(t, final.Terminal)
	require.NotNil(t, final.Allotment)
	assert.Equal(t, "1234.567", final.Allotment.Units.String())
	assert.Equal(t, []contracts.State{
		contracts.OrderSubmitted,
		contracts.OrderPendingRegistrar,
		contracts.OrderValidatedByRegistrar,
		contracts.OrderAllotmentDone,
		contracts.OrderUnitsTransferred,
	}, states(final.History))
	for i := 1; i < len(final.History); i++ {
		assert.False(t, final.History[i].OccurredAt.Before(final.History[i-1].OccurredAt))
		assert.Greater(t, final.History[i].Seq, final.History[i-1].Seq)
	}
}

func TestScenario_PaymentPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.bse.SubmitOrderFn = func(ctx context.Context, o *contracts.Order) (*gateway.SubmitResult, error) {
		return &gateway.SubmitResult{Accepted: true, ExchangeRef: "E2", Stage: contracts.OrderPaymentPending}, nil
	}

	view, err := h.svc.CreateOrder(ctx, purchase(5000))
	require.NoError(t, err)
	require.True(t, view.CanPay)

	handle, view, err := h.svc.InitiatePayment(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, "PG-"+view.ID, handle.Reference)
	assert.Equal(t, contracts.OrderPaymentConfirmationPending, view.State)

	view, err = h.svc.OnPaymentResult(ctx, payment.Result{OrderID: view.ID, Success: true})
	require.NoError(t, err)
	assert.Equal(t, contracts.OrderPendingRegistrar, view.State)
}

func TestScenario_RejectedMandateCannotCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.bse.SubmitMandateFn = func(ctx context.Context, m *contracts.Mandate) (*gateway.SubmitResult, error) {
		return &gateway.SubmitResult{ResponseCode: "E-KYC-002", ResponseMessage: "KYC not validated"}, nil
	}

	m, err := h.svc.CreateMandate(ctx, mandateReq())
	require.NoError(t, err)
	assert.Equal(t, contracts.MandateRejected, m.State)
	assert.Equal(t, "E-KYC-002", m.ResponseCode)

	_, err = h.svc.CancelMandate(ctx, m.ID)
	assert.ErrorIs(t, err, contracts.ErrAlreadyTerminal)

	after, err := h.svc.GetMandate(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.MandateRejected, after.State)
	assert.Equal(t, 0, h.bse.Calls("cancel_mandate"))
}

// ======================================
// Cancel
// ======================================

func TestCancelOrder_Accepted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view, err := h.svc.CreateOrder(ctx, purchase(5000))
	require.NoError(t, err)

	view, err = h.svc.CancelOrder(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.OrderCancelled, view.State)
	assert.Equal(t, 1, h.bse.Calls("cancel_order"))

	// repeat is a no-op, no second exchange call
	view, err = h.svc.CancelOrder(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.OrderCancelled, view.State)
	assert.Equal(t, 1, h.bse.Calls("cancel_order"))
}

func TestCancelOrder_BeforeAckIsLocal(t *testing.T) {
	h := newHarness(t)
	h.bse.SubmitOrderFn = func(ctx context.Context, o *contracts.Order) (*gateway.SubmitResult, error) {
		return nil, contracts.Unreachable(contracts.ExchangeBSE, "submit_order", errors.New("timeout"))
	}
	ctx := context.Background()
	view, err := h.svc.CreateOrder(ctx, purchase(5000))
	require.NoError(t, err)

	view, err = h.svc.CancelOrder(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.OrderCancelled, view.State)
	assert.Zero(t, h.bse.Calls("cancel_order"))
}

func TestCancelOrder_RefusedByExchange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view, err := h.svc.CreateOrder(ctx, purchase(5000))
	require.NoError(t, err)

	h.bse.CancelOrderFn = func(ctx context.Context, o *contracts.Order) (*gateway.CancelResult, error) {
		return nil, &contracts.GatewayError{Exchange: contracts.ExchangeBSE, Op: "cancel_order", Kind: contracts.GatewayCancellationRefused, Message: "order already processed"}
	}
	h.bse.QueryOrderStatusFn = func(ctx context.Context, ref string) (*gateway.StatusResult, error) {
		return &gateway.StatusResult{ExchangeRef: ref, State: contracts.OrderPendingRegistrar}, nil
	}

	_, err = h.svc.CancelOrder(ctx, view.ID)
	require.ErrorIs(t, err, contracts.ErrCancellationWindowClosed)

	after, err := h.svc.GetOrder(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.OrderPendingRegistrar, after.State, "refusal refreshes the status")
	assert.False(t, after.CanCancel)
}

func TestCancelOrder_OutsideWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.bse.SubmitOrderFn = func(ctx context.Context, o *contracts.Order) (*gateway.SubmitResult, error) {
		return &gateway.SubmitResult{Accepted: true, ExchangeRef: "E3", Stage: contracts.OrderPaymentPending}, nil
	}
	view, err := h.svc.CreateOrder(ctx, purchase(5000))
	require.NoError(t, err)

	_, err = h.svc.CancelOrder(ctx, view.ID)
	var te *contracts.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "cancellation_window_closed", te.Reason())
	assert.Zero(t, h.bse.Calls("cancel_order"))
}

// ======================================
// Refresh, callbacks, review
// ======================================

func TestRefreshOrder_UnreachableCountsFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view, err := h.svc.CreateOrder(ctx, purchase(5000))
	require.NoError(t, err)

	h.bse.QueryOrderStatusFn = func(ctx context.Context, ref string) (*gateway.StatusResult, error) {
		return nil, contracts.Unreachable(contracts.ExchangeBSE, "query_order", errors.New("503"))
	}
	_, res, err := h.svc.RefreshOrder(ctx, view.ID)
	require.ErrorIs(t, err, contracts.ErrGatewayUnreachable)
	assert.Equal(t, reconcile.ResultUnreachable, res)

	o, _ := h.ledger.GetOrder(ctx, view.ID)
	assert.Equal(t, 1, o.ReconcileFailures)
	assert.Equal(t, contracts.OrderPlaced, o.State)
}

func TestApplyCallback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view, err := h.svc.CreateOrder(ctx, purchase(5000))
	require.NoError(t, err)

	h.bse.ParseOrderCallbackFn = func(body []byte) (*gateway.StatusResult, error) {
		return &gateway.StatusResult{ExchangeRef: string(body), State: contracts.OrderPaymentPending}, nil
	}

	updated, res, err := h.svc.ApplyCallback(ctx, contracts.ExchangeBSE, []byte(view.ExchangeOrderID))
	require.NoError(t, err)
	assert.Equal(t, reconcile.ResultAdvanced, res)
	assert.Equal(t, contracts.OrderPaymentPending, updated.State)
	assert.Equal(t, "webhook", updated.History[len(updated.History)-1].Source)

	_, _, err = h.svc.ApplyCallback(ctx, contracts.ExchangeBSE, []byte("unknown-ref"))
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	_, _, err = h.svc.ApplyCallback(ctx, contracts.ExchangeNSE, []byte("x"))
	assert.ErrorIs(t, err, contracts.ErrGatewayUnreachable, "exchange not enabled")
}

func TestReview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view, err := h.svc.CreateOrder(ctx, purchase(5000))
	require.NoError(t, err)
	require.NoError(t, h.ledger.MarkReconcile(ctx, contracts.EntityOrder, view.ID, 40, true))

	items, err := h.svc.ListReview(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, view.ID, items[0].ID)

	require.NoError(t, h.svc.ClearReview(ctx, contracts.EntityOrder, view.ID))
	items, err = h.svc.ListReview(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)

	assert.ErrorIs(t, h.svc.ClearReview(ctx, contracts.EntityOrder, "missing"), contracts.ErrNotFound)
	var ve contracts.ValidationError
	assert.ErrorAs(t, h.svc.ClearReview(ctx, "plan", view.ID), &ve)
}
