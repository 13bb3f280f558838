package contracts

import (
	"encoding/json"
	"time"
)

// Event is an input to the state machine (local action or normalized gateway response)
type Event struct {
	Kind EventKind `json:"kind"`
	// Target is the destination chosen by the gateway; empty means the table default
	Target State `json:"target,omitempty"`

	ExchangeRef     string          `json:"exchange_ref,omitempty"` // exchange order/mandate id
	UMRN            string          `json:"umrn,omitempty"`
	ResponseCode    string          `json:"response_code,omitempty"`
	ResponseMessage string          `json:"response_message,omitempty"`
	ReportedAt      time.Time       `json:"reported_at,omitempty"` // gateway timestamp, zero if unknown
	Allotment       *Allotment      `json:"allotment,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Source          string          `json:"source,omitempty"` // api, poller, webhook, payment, sweep

	// PaymentFailure counts this event against the order's payment retry limit
	PaymentFailure bool `json:"payment_failure,omitempty"`
}

// Transition is one immutable history record.
// ⭐ SSOT: append-only, 수정/삭제 금지
type Transition struct {
	Entity          EntityType      `json:"entity"`
	EntityID        string          `json:"entity_id"`
	Seq             int64           `json:"seq"`
	From            State           `json:"from"`
	To              State           `json:"to"`
	Event           EventKind       `json:"event"`
	Source          string          `json:"source,omitempty"`
	ResponseCode    string          `json:"response_code,omitempty"`
	ResponseMessage string          `json:"response_message,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	OccurredAt      time.Time       `json:"occurred_at"`
}

// ReviewItem is an entity flagged NeedsManualReview
type ReviewItem struct {
	Entity            EntityType `json:"entity"`
	ID                string     `json:"id"`
	Exchange          Exchange   `json:"exchange"`
	State             State      `json:"state"`
	ReconcileFailures int        `json:"reconcile_failures"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Notification is what the engine hands to the NotificationSink
type Notification struct {
	Entity          EntityType `json:"entity"`
	ID              string     `json:"id"`
	ClientID        string     `json:"client_id"`
	State           State      `json:"state"`
	PreviousState   State      `json:"previous_state,omitempty"`
	ResponseCode    string     `json:"response_code,omitempty"`
	ResponseMessage string     `json:"response_message,omitempty"`
	Version         int64      `json:"version"` // entity version that produced the state
	OccurredAt      time.Time  `json:"occurred_at"`
}
