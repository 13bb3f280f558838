// Package gateway defines the uniform exchange adapter contract.
// Adapters normalize exchange codes into the shared state vocabulary;
// nothing above this package sees a raw exchange payload.
package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sparrowinvest/mfengine/internal/contracts"
)

// SubmitResult is the synchronous answer to a submission.
// Business rejections come back as Accepted=false, never as errors.
type SubmitResult struct {
	Accepted        bool
	ExchangeRef     string
	Stage           contracts.State // state reported with the ack, empty for the table default
	ResponseCode    string
	ResponseMessage string
	Raw             json.RawMessage
}

// StatusResult is a normalized status report
type StatusResult struct {
	ExchangeRef     string
	State           contracts.State // empty when the exchange status is unknown
	RawStatus       string
	ResponseCode    string
	ResponseMessage string
	ReportedAt      time.Time // zero when the exchange gives no timestamp
	Allotment       *contracts.Allotment
	UMRN            string
	// AckOnly marks a bare acceptance without a pipeline stage (BSE
	// "ACCEPTED"); the reconciler places the order with AckStage.
	AckOnly bool
	Raw     json.RawMessage
}

// CancelResult is an accepted cancellation
type CancelResult struct {
	ResponseCode    string
	ResponseMessage string
	Raw             json.RawMessage
}

// Client is one exchange adapter
// ⭐ SSOT: 거래소별 차이는 어댑터 경계에서 흡수
//
// Errors are *contracts.GatewayError: Unreachable for transport or protocol
// failures, Unauthorized for rejected credentials, CancellationRefused when
// the exchange says the order is past its cancellable window.
type Client interface {
	Exchange() contracts.Exchange

	SubmitOrder(ctx context.Context, o *contracts.Order) (*SubmitResult, error)
	QueryOrderStatus(ctx context.Context, exchangeOrderID string) (*StatusResult, error)
	CancelOrder(ctx context.Context, o *contracts.Order) (*CancelResult, error)

	SubmitMandate(ctx context.Context, m *contracts.Mandate) (*SubmitResult, error)
	QueryMandateStatus(ctx context.Context, exchangeMandateID string) (*StatusResult, error)
	CancelMandate(ctx context.Context, m *contracts.Mandate) (*CancelResult, error)

	// ParseOrderCallback normalizes an inbound status push
	ParseOrderCallback(body []byte) (*StatusResult, error)
}

// AllotmentSource publishes the registrar settlement statement.
// Each entry is an order whose units were credited to the folio.
type AllotmentSource interface {
	Exchange() contracts.Exchange
	AllotmentStatement(ctx context.Context, from, to time.Time) ([]*StatusResult, error)
}

// PaymentLink is where the investor completes a purchase payment
type PaymentLink struct {
	URL       string
	Reference string
}

// PaymentGateway opens a payment session for an order awaiting payment
type PaymentGateway interface {
	Exchange() contracts.Exchange
	InitiatePayment(ctx context.Context, o *contracts.Order, returnURL string) (*PaymentLink, error)
}
