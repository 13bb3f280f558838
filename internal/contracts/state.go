package contracts

// EntityType distinguishes the two ledgers
type EntityType string

const (
	EntityOrder   EntityType = "order"
	EntityMandate EntityType = "mandate"
)

// State is a lifecycle state name.
// ⭐ SSOT: 상태 문자열은 UI 타임라인이 그대로 렌더링하는 와이어 계약 (변경 금지)
type State string

// Order states
const (
	OrderSubmitted                  State = "SUBMITTED"
	OrderPlaced                     State = "PLACED"
	OrderTwoFactorPending           State = "TWO_FA_PENDING"
	OrderAuthPending                State = "AUTH_PENDING"
	OrderPaymentPending             State = "PAYMENT_PENDING"
	OrderPaymentConfirmationPending State = "PAYMENT_CONFIRMATION_PENDING"
	OrderPendingRegistrar           State = "PENDING_FOR_RTA"
	OrderValidatedByRegistrar       State = "VALIDATED_BY_RTA"
	OrderAllotmentDone              State = "ALLOTMENT_DONE"
	OrderUnitsTransferred           State = "UNITS_TRANSFERRED"
	OrderRejected                   State = "REJECTED"
	OrderCancelled                  State = "CANCELLED"
	OrderFailed                     State = "FAILED"
)

// Mandate states
const (
	MandateCreated     State = "CREATED"
	MandateSubmitted   State = "SUBMITTED"
	MandatePendingAuth State = "PENDING_AUTH"
	MandateApproved    State = "APPROVED"
	MandateRejected    State = "REJECTED"
	MandateCancelled   State = "CANCELLED"
	MandateExpired     State = "EXPIRED"
)

// IsTerminalFailure is the display predicate shared by both entities.
// The states stay distinct internally.
func IsTerminalFailure(s State) bool {
	switch s {
	case OrderRejected, OrderCancelled, OrderFailed, MandateExpired:
		return true
	}
	return false
}

// EventKind is the trigger recorded on every transition
type EventKind string

const (
	EventCreated             EventKind = "created"
	EventLocalCancel         EventKind = "local-cancel-request"
	EventGatewayAck          EventKind = "gateway-ack"
	EventGatewayStatusUpdate EventKind = "gateway-status-update"
	EventPaymentInitiated    EventKind = "payment-initiated"
	EventPaymentConfirmed    EventKind = "payment-confirmed"
	EventPaymentFailed       EventKind = "payment-failed"
	EventRegistrarValidated  EventKind = "registrar-validated"
	EventAllotmentConfirmed  EventKind = "allotment-confirmed"
	EventTerminalRejection   EventKind = "terminal-rejection"
	EventMandateRevoked      EventKind = "mandate-revoked"
)

// AllEventKinds lists every event the engine understands (excluding created)
var AllEventKinds = []EventKind{
	EventLocalCancel,
	EventGatewayAck,
	EventGatewayStatusUpdate,
	EventPaymentInitiated,
	EventPaymentConfirmed,
	EventPaymentFailed,
	EventRegistrarValidated,
	EventAllotmentConfirmed,
	EventTerminalRejection,
	EventMandateRevoked,
}

// Exchange identifies the gateway an entity is routed through
type Exchange string

const (
	ExchangeBSE Exchange = "BSE"
	ExchangeNSE Exchange = "NSE"
)

// Valid reports whether e is a supported exchange
func (e Exchange) Valid() bool {
	return e == ExchangeBSE || e == ExchangeNSE
}
