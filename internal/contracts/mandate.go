package contracts

import (
	"time"

	"github.com/shopspring/decimal"
)

// MandateType is electronic or physical
type MandateType string

const (
	MandateElectronic MandateType = "ELECTRONIC"
	MandatePhysical   MandateType = "PHYSICAL"
)

// Mandate is a standing payment authorization backing systematic plans
// ⭐ SSOT: 승인 후에는 금액/기간 변경 불가 (새 mandate 필요)
type Mandate struct {
	ID                string          `json:"id"`
	Exchange          Exchange        `json:"exchange"`
	ClientID          string          `json:"client_id"`
	Type              MandateType     `json:"mandate_type"`
	AmountCeiling     decimal.Decimal `json:"amount_ceiling"`
	StartDate         time.Time       `json:"start_date"`
	EndDate           time.Time       `json:"end_date"`
	BankAccount       string          `json:"bank_account,omitempty"`
	LinkedPlans       []string        `json:"linked_plans"`
	IdempotencyKey    string          `json:"idempotency_key"`
	ExchangeMandateID string          `json:"exchange_mandate_id,omitempty"`
	UMRN              string          `json:"umrn,omitempty"`

	State           State     `json:"state"`
	LastEvent       EventKind `json:"last_event"`
	ResponseCode    string    `json:"response_code,omitempty"`
	ResponseMessage string    `json:"response_message,omitempty"`

	ReconcileFailures int   `json:"reconcile_failures"`
	NeedsManualReview bool  `json:"needs_manual_review"`
	NotifiedVersion   int64 `json:"notified_version,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy safe to mutate
func (m *Mandate) Clone() *Mandate {
	c := *m
	c.LinkedPlans = append([]string(nil), m.LinkedPlans...)
	return &c
}

// MandateRequest is the caller's create request
type MandateRequest struct {
	Exchange       Exchange        `json:"exchange"`
	ClientID       string          `json:"client_id"`
	Type           MandateType     `json:"mandate_type"`
	AmountCeiling  decimal.Decimal `json:"amount_ceiling"`
	StartDate      time.Time       `json:"start_date"`
	EndDate        time.Time       `json:"end_date"`
	BankAccount    string          `json:"bank_account,omitempty"`
	LinkedPlans    []string        `json:"linked_plans,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// MandateView is the read model for UI timelines
type MandateView struct {
	*Mandate
	History   []Transition `json:"history"`
	Terminal  bool         `json:"terminal"`
	CanCancel bool         `json:"can_cancel"`
}
