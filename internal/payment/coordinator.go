// Package payment runs the upfront-payment sub-protocol of purchase orders:
// issue a payment link, then fold the collaborator's result back into the order.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/internal/gateway"
	"github.com/sparrowinvest/mfengine/internal/ledger"
	"github.com/sparrowinvest/mfengine/internal/policy"
	"github.com/sparrowinvest/mfengine/internal/statemachine"
	"github.com/sparrowinvest/mfengine/pkg/logger"
)

// CodeRetriesExhausted is the response code recorded when the payment limit fails an order
const CodeRetriesExhausted = "PAYMENT_RETRIES_EXHAUSTED"

// Handle is what the caller redirects the investor to
type Handle struct {
	OrderID   string    `json:"order_id"`
	Exchange  string    `json:"exchange"`
	URL       string    `json:"url"`
	Reference string    `json:"reference"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Result is the payment collaborator's asynchronous outcome
type Result struct {
	OrderID   string `json:"order_id"`
	Success   bool   `json:"success"`
	Reference string `json:"reference,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Coordinator issues payment links and applies payment results
// ⭐ SSOT: 결제 재시도 한도 판단은 여기서만
type Coordinator struct {
	ledger    *ledger.Ledger
	gateways  map[contracts.Exchange]gateway.PaymentGateway
	policy    *policy.Store
	returnURL string
	logger    *logger.Logger
}

// New creates a coordinator over the given payment gateways
func New(l *ledger.Ledger, p *policy.Store, returnURL string, log *logger.Logger, gateways ...gateway.PaymentGateway) *Coordinator {
	c := &Coordinator{
		ledger:    l,
		gateways:  make(map[contracts.Exchange]gateway.PaymentGateway),
		policy:    p,
		returnURL: returnURL,
		logger:    log,
	}
	for _, g := range gateways {
		c.gateways[g.Exchange()] = g
	}
	return c
}

// InitiatePayment issues a payment link for an order in PAYMENT_PENDING and
// moves it to PAYMENT_CONFIRMATION_PENDING once the gateway acknowledges.
// A gateway failure leaves the order in PAYMENT_PENDING.
func (c *Coordinator) InitiatePayment(ctx context.Context, orderID string) (*Handle, *contracts.Order, error) {
	o, err := c.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}

	refuse := func(reason error) (*Handle, *contracts.Order, error) {
		return nil, o, &contracts.TransitionError{
			Entity: contracts.EntityOrder, ID: o.ID, From: o.State,
			Event: contracts.EventPaymentInitiated, Err: reason,
		}
	}
	if statemachine.Orders.IsTerminal(o.State) {
		return refuse(contracts.ErrAlreadyTerminal)
	}
	if o.State != contracts.OrderPaymentPending {
		return refuse(contracts.ErrPaymentNotAllowed)
	}

	gw, ok := c.gateways[o.Exchange]
	if !ok {
		return nil, o, contracts.Unreachable(o.Exchange, "initiate_payment", errors.New("no payment gateway configured"))
	}

	link, err := gw.InitiatePayment(ctx, o, c.returnURL)
	if err != nil {
		c.logger.WithError(err).WithField("order_id", o.ID).Warn("Payment initiation failed")
		return nil, o, err
	}

	ref := link.Reference
	if ref == "" {
		ref = uuid.NewString()
	}
	payload, _ := json.Marshal(map[string]string{"reference": ref})

	updated, _, err := c.ledger.ApplyOrderEvent(ctx, o.ID, contracts.Event{
		Kind:            contracts.EventPaymentInitiated,
		ResponseMessage: "payment link issued",
		Payload:         payload,
		Source:          "payment",
	})
	if err != nil {
		return nil, updated, err
	}

	c.logger.WithFields(map[string]interface{}{
		"order_id":  o.ID,
		"exchange":  o.Exchange,
		"reference": ref,
	}).Info("Payment initiated")

	return &Handle{
		OrderID:   o.ID,
		Exchange:  string(o.Exchange),
		URL:       link.URL,
		Reference: ref,
		IssuedAt:  c.ledger.Now(),
	}, updated, nil
}

// OnPaymentResult applies a payment outcome.
// Success confirms the payment. Failure returns the order to PAYMENT_PENDING
// for another attempt, or fails it once the policy limit is reached.
func (c *Coordinator) OnPaymentResult(ctx context.Context, res Result) (*contracts.Order, error) {
	o, err := c.ledger.GetOrder(ctx, res.OrderID)
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(res)
	ev := contracts.Event{
		ResponseCode:    res.Code,
		ResponseMessage: res.Message,
		Payload:         payload,
		Source:          "payment",
	}

	log := c.logger.WithFields(map[string]interface{}{
		"order_id":  o.ID,
		"reference": res.Reference,
		"success":   res.Success,
	})

	if res.Success {
		ev.Kind = contracts.EventPaymentConfirmed
		updated, _, err := c.ledger.ApplyOrderEvent(ctx, o.ID, ev)
		if err == nil {
			log.Info("Payment confirmed")
		}
		return updated, err
	}

	limit := c.policy.Get().Payment.MaxFailures
	attempt := o.PaymentFailures + 1
	switch {
	case o.State != contracts.OrderPaymentConfirmationPending:
		// 중복/지연 콜백: 카운트하지 않고 상태머신에 맡김 (no-op 또는 거부)
		ev.Kind = contracts.EventPaymentFailed
	case attempt >= limit:
		// 한도 도달: FAILED 로 종결
		ev.Kind = contracts.EventTerminalRejection
		ev.Target = contracts.OrderFailed
		ev.PaymentFailure = true
		ev.ResponseCode = CodeRetriesExhausted
		if ev.ResponseMessage == "" {
			ev.ResponseMessage = "payment failed"
		}
		log.WithField("attempt", attempt).Warn("Payment retry limit reached, failing order")
	default:
		ev.Kind = contracts.EventPaymentFailed
		log.WithField("attempt", attempt).Info("Payment failed, order may retry")
	}

	updated, _, err := c.ledger.ApplyOrderEvent(ctx, o.ID, ev)
	return updated, err
}
