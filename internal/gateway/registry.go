package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/pkg/metrics"
)

// Registry routes entities to their exchange adapter
type Registry struct {
	clients map[contracts.Exchange]Client
}

// NewRegistry creates a registry from the enabled adapters
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[contracts.Exchange]Client)}
	for _, c := range clients {
		r.clients[c.Exchange()] = c
	}
	return r
}

// Get returns the adapter for exchange. A disabled exchange is reported as
// unreachable so the entity stays in place and is retried.
func (r *Registry) Get(exchange contracts.Exchange) (Client, error) {
	c, ok := r.clients[exchange]
	if !ok {
		return nil, contracts.Unreachable(exchange, "route", fmt.Errorf("exchange %s not enabled", exchange))
	}
	return c, nil
}

// Exchanges lists the enabled exchanges
func (r *Registry) Exchanges() []contracts.Exchange {
	out := make([]contracts.Exchange, 0, len(r.clients))
	for ex := range r.clients {
		out = append(out, ex)
	}
	return out
}

// instrumented records latency and outcome of every call
type instrumented struct {
	Client
	metrics *metrics.Metrics
}

// Instrument wraps c with gateway metrics
func Instrument(c Client, m *metrics.Metrics) Client {
	if m == nil {
		return c
	}
	return &instrumented{Client: c, metrics: m}
}

func (i *instrumented) observe(op string, start time.Time, err error) {
	outcome := "ok"
	var ge *contracts.GatewayError
	if errors.As(err, &ge) {
		outcome = string(ge.Kind)
	} else if err != nil {
		outcome = "error"
	}
	i.metrics.RecordGatewayCall(string(i.Exchange()), op, outcome, time.Since(start))
}

func (i *instrumented) SubmitOrder(ctx context.Context, o *contracts.Order) (res *SubmitResult, err error) {
	defer func(start time.Time) { i.observe("submit_order", start, err) }(time.Now())
	return i.Client.SubmitOrder(ctx, o)
}

func (i *instrumented) QueryOrderStatus(ctx context.Context, ref string) (res *StatusResult, err error) {
	defer func(start time.Time) { i.observe("query_order", start, err) }(time.Now())
	return i.Client.QueryOrderStatus(ctx, ref)
}

func (i *instrumented) CancelOrder(ctx context.Context, o *contracts.Order) (res *CancelResult, err error) {
	defer func(start time.Time) { i.observe("cancel_order", start, err) }(time.Now())
	return i.Client.CancelOrder(ctx, o)
}

func (i *instrumented) SubmitMandate(ctx context.Context, m *contracts.Mandate) (res *SubmitResult, err error) {
	defer func(start time.Time) { i.observe("submit_mandate", start, err) }(time.Now())
	return i.Client.SubmitMandate(ctx, m)
}

func (i *instrumented) QueryMandateStatus(ctx context.Context, ref string) (res *StatusResult, err error) {
	defer func(start time.Time) { i.observe("query_mandate", start, err) }(time.Now())
	return i.Client.QueryMandateStatus(ctx, ref)
}

func (i *instrumented) CancelMandate(ctx context.Context, m *contracts.Mandate) (res *CancelResult, err error) {
	defer func(start time.Time) { i.observe("cancel_mandate", start, err) }(time.Now())
	return i.Client.CancelMandate(ctx, m)
}
