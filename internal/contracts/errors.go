package contracts

import (
	"errors"
	"fmt"
)

// Transition rejection reasons
var (
	ErrConflict                 = errors.New("concurrent update, reload and retry")
	ErrAlreadyTerminal          = errors.New("entity already in a terminal state")
	ErrInvalidTransition        = errors.New("event not valid in current state")
	ErrStaleEvent               = errors.New("event older than current pipeline stage")
	ErrCancellationWindowClosed = errors.New("cancellation window closed")
)

// Lookup / precondition errors
var (
	ErrNotFound            = errors.New("not found")
	ErrClientNotRegistered = errors.New("client not registered with exchange")
	ErrExchangeIDImmutable = errors.New("exchange id already set")
	ErrPaymentNotAllowed   = errors.New("payment not allowed in current state")
)

// Gateway sentinels
var (
	ErrGatewayUnreachable  = errors.New("gateway unreachable")
	ErrGatewayUnauthorized = errors.New("gateway rejected credentials")
	ErrCancellationRefused = errors.New("exchange refused cancellation")
)

// RetriableError marks errors a caller may retry with backoff
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable reports whether err (or anything it wraps) is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	return errors.As(err, &re) && re.IsRetriable()
}

// ValidationError 요청 형식 오류 (원장 기록 전 거부)
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// TransitionError is the typed rejection returned by the state machine and ledgers.
// Callers inspect it with errors.Is against the Err* sentinels.
type TransitionError struct {
	Entity EntityType
	ID     string
	From   State
	Event  EventKind
	Err    error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: %s from %s: %v", e.Entity, e.ID, e.Event, e.From, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

// Reason is a short label for metrics and API bodies
func (e *TransitionError) Reason() string {
	switch {
	case errors.Is(e.Err, ErrConflict):
		return "conflict"
	case errors.Is(e.Err, ErrAlreadyTerminal):
		return "already_terminal"
	case errors.Is(e.Err, ErrCancellationWindowClosed):
		return "cancellation_window_closed"
	case errors.Is(e.Err, ErrStaleEvent):
		return "stale_event"
	case errors.Is(e.Err, ErrPaymentNotAllowed):
		return "payment_not_allowed"
	default:
		return "invalid_transition"
	}
}

// GatewayErrorKind classifies transport/protocol failures
type GatewayErrorKind string

const (
	GatewayUnreachable         GatewayErrorKind = "unreachable"
	GatewayUnauthorized        GatewayErrorKind = "unauthorized"
	GatewayCancellationRefused GatewayErrorKind = "cancellation_refused"
)

// GatewayError is raised only for non-business outcomes.
// Business rejections are results, never errors.
type GatewayError struct {
	Exchange Exchange
	Op       string
	Kind     GatewayErrorKind
	Code     string
	Message  string
	Err      error
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Exchange, e.Op, e.Kind)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the cause
func (e *GatewayError) Unwrap() []error {
	errs := []error{e.sentinel()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func (e *GatewayError) sentinel() error {
	switch e.Kind {
	case GatewayUnauthorized:
		return ErrGatewayUnauthorized
	case GatewayCancellationRefused:
		return ErrCancellationRefused
	default:
		return ErrGatewayUnreachable
	}
}

// IsRetriable: transport and auth failures are transient, a refusal is authoritative
func (e *GatewayError) IsRetriable() bool {
	return e.Kind == GatewayUnreachable || e.Kind == GatewayUnauthorized
}

// Unreachable builds a transport failure
func Unreachable(exchange Exchange, op string, err error) *GatewayError {
	return &GatewayError{Exchange: exchange, Op: op, Kind: GatewayUnreachable, Err: err}
}
