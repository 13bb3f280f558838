package contracts

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType is purchase, redemption or switch
type OrderType string

const (
	OrderPurchase   OrderType = "PURCHASE"
	OrderRedemption OrderType = "REDEMPTION"
	OrderSwitch     OrderType = "SWITCH"
)

// Allotment carries registrar settlement details
type Allotment struct {
	Units  decimal.Decimal `json:"units"`
	NAV    decimal.Decimal `json:"nav"`
	Amount decimal.Decimal `json:"amount"`
	Folio  string          `json:"folio,omitempty"`
}

// Order is one exchange transaction request
// ⭐ SSOT: 주문 상태는 StateMachine 전이로만 변경
type Order struct {
	ID               string          `json:"id"`
	ExchangeOrderID  string          `json:"exchange_order_id,omitempty"`
	Exchange         Exchange        `json:"exchange"`
	Type             OrderType       `json:"order_type"`
	ClientID         string          `json:"client_id"`
	SchemeCode       string          `json:"scheme_code"`
	TargetSchemeCode string          `json:"target_scheme_code,omitempty"` // switch only
	Amount           decimal.Decimal `json:"amount"`
	Units            decimal.Decimal `json:"units"`
	Folio            string          `json:"folio,omitempty"`
	MandateID        string          `json:"mandate_id,omitempty"`
	IdempotencyKey   string          `json:"idempotency_key"`

	State           State      `json:"state"`
	LastEvent       EventKind  `json:"last_event"`
	ResponseCode    string     `json:"response_code,omitempty"`
	ResponseMessage string     `json:"response_message,omitempty"`
	Allotment       *Allotment `json:"allotment,omitempty"`

	// Side annotations (not state-machine states)
	PaymentFailures   int   `json:"payment_failures"`
	ReconcileFailures int   `json:"reconcile_failures"`
	NeedsManualReview bool  `json:"needs_manual_review"`
	NotifiedVersion   int64 `json:"notified_version,omitempty"` // version last handed to the sink

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy safe to mutate
func (o *Order) Clone() *Order {
	c := *o
	if o.Allotment != nil {
		a := *o.Allotment
		c.Allotment = &a
	}
	return &c
}

// OrderRequest is the caller's create request
type OrderRequest struct {
	Exchange         Exchange        `json:"exchange"`
	Type             OrderType       `json:"order_type"`
	ClientID         string          `json:"client_id"`
	SchemeCode       string          `json:"scheme_code"`
	TargetSchemeCode string          `json:"target_scheme_code,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	Units            decimal.Decimal `json:"units"`
	Folio            string          `json:"folio,omitempty"`
	MandateID        string          `json:"mandate_id,omitempty"`
	IdempotencyKey   string          `json:"idempotency_key,omitempty"`
}

// OrderView is the read model for UI timelines
type OrderView struct {
	*Order
	History  []Transition `json:"history"`
	Terminal bool         `json:"terminal"`
	// Actions the UI may offer right now
	CanCancel bool `json:"can_cancel"`
	CanPay    bool `json:"can_pay"`
}
