package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/sparrowinvest/mfengine/internal/contracts"
)

// Mock is a scriptable in-process Client for tests and local runs.
// Set the *Fn fields before use; unset functions return benign defaults.
type Mock struct {
	exchange contracts.Exchange

	SubmitOrderFn        func(ctx context.Context, o *contracts.Order) (*SubmitResult, error)
	QueryOrderStatusFn   func(ctx context.Context, ref string) (*StatusResult, error)
	CancelOrderFn        func(ctx context.Context, o *contracts.Order) (*CancelResult, error)
	SubmitMandateFn      func(ctx context.Context, m *contracts.Mandate) (*SubmitResult, error)
	QueryMandateStatusFn func(ctx context.Context, ref string) (*StatusResult, error)
	CancelMandateFn      func(ctx context.Context, m *contracts.Mandate) (*CancelResult, error)
	ParseOrderCallbackFn func(body []byte) (*StatusResult, error)
	AllotmentFn          func(ctx context.Context, from, to time.Time) ([]*StatusResult, error)

	mu    sync.Mutex
	calls map[string]int
}

// NewMock creates a mock adapter for exchange
func NewMock(exchange contracts.Exchange) *Mock {
	return &Mock{exchange: exchange, calls: make(map[string]int)}
}

// Calls returns how many times op was invoked
func (m *Mock) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *Mock) record(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++
}

func (m *Mock) Exchange() contracts.Exchange { return m.exchange }

func (m *Mock) SubmitOrder(ctx context.Context, o *contracts.Order) (*SubmitResult, error) {
	m.record("submit_order")
	if m.SubmitOrderFn != nil {
		return m.SubmitOrderFn(ctx, o)
	}
	return &SubmitResult{Accepted: true, ExchangeRef: "X-" + o.ID, ResponseCode: "100"}, nil
}

func (m *Mock) QueryOrderStatus(ctx context.Context, ref string) (*StatusResult, error) {
	m.record("query_order")
	if m.QueryOrderStatusFn != nil {
		return m.QueryOrderStatusFn(ctx, ref)
	}
	return &StatusResult{ExchangeRef: ref}, nil
}

func (m *Mock) CancelOrder(ctx context.Context, o *contracts.Order) (*CancelResult, error) {
	m.record("cancel_order")
	if m.CancelOrderFn != nil {
		return m.CancelOrderFn(ctx, o)
	}
	return &CancelResult{ResponseCode: "100"}, nil
}

func (m *Mock) SubmitMandate(ctx context.Context, md *contracts.Mandate) (*SubmitResult, error) {
	m.record("submit_mandate")
	if m.SubmitMandateFn != nil {
		return m.SubmitMandateFn(ctx, md)
	}
	return &SubmitResult{Accepted: true, ExchangeRef: "XM-" + md.ID, ResponseCode: "100"}, nil
}

func (m *Mock) QueryMandateStatus(ctx context.Context, ref string) (*StatusResult, error) {
	m.record("query_mandate")
	if m.QueryMandateStatusFn != nil {
		return m.QueryMandateStatusFn(ctx, ref)
	}
	return &StatusResult{ExchangeRef: ref}, nil
}

func (m *Mock) CancelMandate(ctx context.Context, md *contracts.Mandate) (*CancelResult, error) {
	m.record("cancel_mandate")
	if m.CancelMandateFn != nil {
		return m.CancelMandateFn(ctx, md)
	}
	return &CancelResult{ResponseCode: "100"}, nil
}

func (m *Mock) ParseOrderCallback(body []byte) (*StatusResult, error) {
	m.record("parse_callback")
	if m.ParseOrderCallbackFn != nil {
		return m.ParseOrderCallbackFn(body)
	}
	return &StatusResult{}, nil
}

func (m *Mock) AllotmentStatement(ctx context.Context, from, to time.Time) ([]*StatusResult, error) {
	m.record("allotment_statement")
	if m.AllotmentFn != nil {
		return m.AllotmentFn(ctx, from, to)
	}
	return nil, nil
}
