// Package engine is the caller-facing surface of the lifecycle engine.
// Every action routes through the ledger's state machine; nothing here
// writes state directly.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/internal/gateway"
	"github.com/sparrowinvest/mfengine/internal/ledger"
	"github.com/sparrowinvest/mfengine/internal/payment"
	"github.com/sparrowinvest/mfengine/internal/reconcile"
	"github.com/sparrowinvest/mfengine/internal/statemachine"
	"github.com/sparrowinvest/mfengine/pkg/logger"
)

// Service implements createOrder / getOrder / cancelOrder / initiatePayment
// and the mandate equivalents
// ⭐ SSOT: 외부 호출자의 진입점은 Service 하나
type Service struct {
	ledger     *ledger.Ledger
	gateways   *gateway.Registry
	reconciler *reconcile.Reconciler
	payments   *payment.Coordinator
	registry   contracts.ClientRegistry
	logger     *logger.Logger

	maxOrderAmount decimal.Decimal
}

// New creates the service
func New(l *ledger.Ledger, gateways *gateway.Registry, rec *reconcile.Reconciler, pay *payment.Coordinator, reg contracts.ClientRegistry, log *logger.Logger) *Service {
	return &Service{
		ledger:     l,
		gateways:   gateways,
		reconciler: rec,
		payments:   pay,
		registry:   reg,
		logger:     log,
	}
}

// WithMaxOrderAmount sets a hard per-order ceiling (zero disables it)
func (s *Service) WithMaxOrderAmount(max decimal.Decimal) *Service {
	s.maxOrderAmount = max
	return s
}

// ======================================
// Orders
// ======================================

// CreateOrder validates, gates on exchange registration, stores the order and
// submits it. The call does not wait for settlement; a transport failure on
// submit leaves the order SUBMITTED for the poller.
func (s *Service) CreateOrder(ctx context.Context, req contracts.OrderRequest) (*contracts.OrderView, error) {
	if err := ledger.ValidateOrderRequest(&req); err != nil {
		return nil, err
	}
	if s.maxOrderAmount.IsPositive() && req.Amount.GreaterThan(s.maxOrderAmount) {
		return nil, contracts.ValidationError{Field: "amount", Message: "exceeds maximum order amount " + s.maxOrderAmount.String()}
	}
	if err := s.checkRegistered(ctx, req.Exchange, req.ClientID); err != nil {
		return nil, err
	}
	if req.MandateID != "" {
		if err := s.checkMandate(ctx, &req); err != nil {
			return nil, err
		}
	}

	o, created, err := s.ledger.CreateOrder(ctx, req)
	if err != nil {
		return nil, err
	}

	if created {
		if _, err := s.reconciler.SubmitOrder(ctx, o, "api"); err != nil {
			if !contracts.IsRetriable(err) {
				return nil, err
			}
			// 전송 실패: SUBMITTED 유지, 폴러가 재제출
		}
	}
	return s.ledger.OrderView(ctx, o.ID)
}

func (s *Service) checkRegistered(ctx context.Context, exchange contracts.Exchange, clientID string) error {
	if s.registry == nil {
		return nil
	}
	ok, err := s.registry.IsRegistered(ctx, exchange, clientID)
	if err != nil {
		return fmt.Errorf("client registry: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s on %s", contracts.ErrClientNotRegistered, clientID, exchange)
	}
	return nil
}

// checkMandate enforces systematic-plan linkage: the mandate must be approved,
// belong to the same client and exchange, and cover the amount.
func (s *Service) checkMandate(ctx context.Context, req *contracts.OrderRequest) error {
	m, err := s.ledger.GetMandate(ctx, req.MandateID)
	if errors.Is(err, contracts.ErrNotFound) {
		return contracts.ValidationError{Field: "mandate_id", Message: "unknown mandate"}
	}
	if err != nil {
		return err
	}

	switch {
	case m.ClientID != req.ClientID || m.Exchange != req.Exchange:
		return contracts.ValidationError{Field: "mandate_id", Message: "mandate belongs to another client or exchange"}
	case m.State != contracts.MandateApproved:
		return contracts.ValidationError{Field: "mandate_id", Message: "mandate is " + string(m.State) + ", not APPROVED"}
	case req.Amount.GreaterThan(m.AmountCeiling):
		return contracts.ValidationError{Field: "amount", Message: "exceeds mandate ceiling " + m.AmountCeiling.String()}
	}
	return nil
}

// GetOrder returns the read model with full history
func (s *Service) GetOrder(ctx context.Context, id string) (*contracts.OrderView, error) {
	return s.ledger.OrderView(ctx, id)
}

// CancelOrder cancels an order still inside the cancellation window.
// Once the exchange holds the order it must agree first; a refusal means the
// order moved on, so its status is refreshed and the window is reported closed.
func (s *Service) CancelOrder(ctx context.Context, id string) (*contracts.OrderView, error) {
	o, err := s.ledger.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}

	cancel := contracts.Event{Kind: contracts.EventLocalCancel, Source: "api"}
	out, err := statemachine.Orders.Transition(orderSnapshot(o), cancel)
	if err != nil {
		return nil, err
	}
	if out.NoOp {
		// 이미 취소됨: 거래소 재호출 없음
		return s.ledger.OrderView(ctx, o.ID)
	}

	if o.ExchangeOrderID != "" {
		client, err := s.gateways.Get(o.Exchange)
		if err != nil {
			return nil, err
		}
		res, err := client.CancelOrder(ctx, o)
		if errors.Is(err, contracts.ErrCancellationRefused) {
			if _, rerr := s.reconciler.ReconcileOrder(ctx, o, "api"); rerr != nil {
				s.logger.WithError(rerr).WithField("order_id", o.ID).Warn("Status refresh after refused cancel failed")
			}
			return nil, &contracts.TransitionError{
				Entity: contracts.EntityOrder, ID: o.ID, From: o.State,
				Event: contracts.EventLocalCancel, Err: fmt.Errorf("%w: %v", contracts.ErrCancellationWindowClosed, err),
			}
		}
		if err != nil {
			return nil, err
		}
		cancel.ResponseCode = res.ResponseCode
		cancel.ResponseMessage = res.ResponseMessage
		cancel.Payload = res.Raw
	}

	if _, _, err := s.ledger.ApplyOrderEvent(ctx, o.ID, cancel); err != nil {
		return nil, err
	}
	return s.ledger.OrderView(ctx, o.ID)
}

// InitiatePayment issues a payment link for an order awaiting payment
func (s *Service) InitiatePayment(ctx context.Context, id string) (*payment.Handle, *contracts.OrderView, error) {
	h, _, err := s.payments.InitiatePayment(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	view, err := s.ledger.OrderView(ctx, id)
	return h, view, err
}

// OnPaymentResult applies the payment collaborator's callback
func (s *Service) OnPaymentResult(ctx context.Context, res payment.Result) (*contracts.OrderView, error) {
	if _, err := s.payments.OnPaymentResult(ctx, res); err != nil {
		return nil, err
	}
	return s.ledger.OrderView(ctx, res.OrderID)
}

// RefreshOrder polls the exchange for one order now. Backoff state is only
// touched when the gateway is unreachable.
func (s *Service) RefreshOrder(ctx context.Context, id string) (*contracts.OrderView, reconcile.Result, error) {
	o, err := s.ledger.GetOrder(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if statemachine.Orders.IsTerminal(o.State) {
		view, err := s.ledger.OrderView(ctx, id)
		return view, reconcile.ResultUnchanged, err
	}

	res, err := s.reconciler.ReconcileOrder(ctx, o, "api")
	if res == reconcile.ResultUnreachable {
		if _, _, merr := s.reconciler.RecordFailure(ctx, contracts.EntityOrder, o.ID, o.ReconcileFailures, err); merr != nil {
			s.logger.WithError(merr).Warn("Failed to record reconcile failure")
		}
		return nil, res, err
	}
	if err != nil {
		return nil, res, err
	}
	// 거절된 상태 보고는 poller 의 검토 카운터를 지우지 않음
	if res != reconcile.ResultRejected && res != reconcile.ResultFlagged {
		if err := s.reconciler.RecordSuccess(ctx, contracts.EntityOrder, o.ID, o.ReconcileFailures); err != nil {
			s.logger.WithError(err).Warn("Failed to reset reconcile failures")
		}
	}

	view, err := s.ledger.OrderView(ctx, id)
	return view, res, err
}

// ApplyCallback applies an exchange status push exactly like a poll result
func (s *Service) ApplyCallback(ctx context.Context, exchange contracts.Exchange, body []byte) (*contracts.OrderView, reconcile.Result, error) {
	client, err := s.gateways.Get(exchange)
	if err != nil {
		return nil, "", err
	}
	st, err := client.ParseOrderCallback(body)
	if err != nil {
		return nil, "", contracts.ValidationError{Field: "body", Message: err.Error()}
	}
	if st.ExchangeRef == "" {
		return nil, "", contracts.ValidationError{Field: "order_id", Message: "callback carries no exchange order id"}
	}

	o, err := s.ledger.FindOrderByExchangeID(ctx, exchange, st.ExchangeRef)
	if err != nil {
		return nil, "", err
	}

	res, err := s.reconciler.ApplyOrderStatus(ctx, o, st, "webhook")
	if err != nil {
		return nil, res, err
	}
	view, err := s.ledger.OrderView(ctx, o.ID)
	return view, res, err
}

func orderSnapshot(o *contracts.Order) statemachine.Snapshot {
	return statemachine.Snapshot{Entity: contracts.EntityOrder, ID: o.ID, State: o.State, LastEvent: o.LastEvent}
}
