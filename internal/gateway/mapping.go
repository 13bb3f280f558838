package gateway

import (
	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/internal/statemachine"
)

// AckStage is where an accepted order waits when the exchange names no stage.
// Lump-sum purchases wait for payment; mandate debits, redemptions and
// switches go straight to the registrar.
func AckStage(o *contracts.Order) contracts.State {
	if o.Type == contracts.OrderPurchase && o.MandateID == "" {
		return contracts.OrderPaymentPending
	}
	return contracts.OrderPendingRegistrar
}

// SubmitEvent turns a submission result into the state machine event
func SubmitEvent(res *SubmitResult, source string) contracts.Event {
	ev := contracts.Event{
		ExchangeRef:     res.ExchangeRef,
		ResponseCode:    res.ResponseCode,
		ResponseMessage: res.ResponseMessage,
		Payload:         res.Raw,
		Source:          source,
	}
	if !res.Accepted {
		ev.Kind = contracts.EventTerminalRejection
		ev.Target = rejectionTarget(res.Stage)
		return ev
	}
	ev.Kind = contracts.EventGatewayAck
	ev.Target = res.Stage
	return ev
}

func rejectionTarget(stage contracts.State) contracts.State {
	if contracts.IsTerminalFailure(stage) {
		return stage
	}
	return contracts.OrderRejected
}

// EventFromStatus maps a normalized status report onto an event for an entity
// currently in state current. ok=false means the report carries no usable state.
func EventFromStatus(entity contracts.EntityType, current contracts.State, res *StatusResult, source string) (contracts.Event, bool) {
	if res == nil || res.State == "" {
		return contracts.Event{}, false
	}

	ev := contracts.Event{
		Kind:            contracts.EventGatewayStatusUpdate,
		Target:          res.State,
		ExchangeRef:     res.ExchangeRef,
		UMRN:            res.UMRN,
		ResponseCode:    res.ResponseCode,
		ResponseMessage: res.ResponseMessage,
		ReportedAt:      res.ReportedAt,
		Allotment:       res.Allotment,
		Payload:         res.Raw,
		Source:          source,
	}
	if ev.ResponseMessage == "" {
		ev.ResponseMessage = res.RawStatus
	}

	if entity == contracts.EntityMandate {
		switch {
		case current == contracts.MandateApproved &&
			(res.State == contracts.MandateCancelled || res.State == contracts.MandateExpired):
			ev.Kind = contracts.EventMandateRevoked
		case contracts.IsTerminalFailure(res.State) || res.State == contracts.MandateRejected:
			ev.Kind = contracts.EventTerminalRejection
		case current == contracts.MandateCreated:
			ev.Kind = contracts.EventGatewayAck
		}
		return ev, true
	}

	ev.Kind = orderKind(current, res.State)
	return ev, true
}

func orderKind(current, target contracts.State) contracts.EventKind {
	switch {
	case contracts.IsTerminalFailure(target):
		return contracts.EventTerminalRejection
	case current == contracts.OrderSubmitted:
		// ack never recorded (lost response): the first status doubles as the ack
		return contracts.EventGatewayAck
	case target == contracts.OrderValidatedByRegistrar:
		return contracts.EventRegistrarValidated
	case target == contracts.OrderAllotmentDone:
		return contracts.EventAllotmentConfirmed
	}
	return contracts.EventGatewayStatusUpdate
}

// OrderEvents maps a status report onto the events that carry an order from
// current to the reported stage. Exchanges skip stages they do not report
// (BSE goes from accepted to allotted); such a report is walked through the
// order table one legal edge at a time, never as a single jump.
func OrderEvents(current contracts.State, res *StatusResult, source string) ([]contracts.Event, bool) {
	ev, ok := EventFromStatus(contracts.EntityOrder, current, res, source)
	if !ok {
		return nil, false
	}
	table := statemachine.Orders
	if table.Allowed(current, ev.Kind, ev.Target) {
		return []contracts.Event{ev}, true
	}

	hops := table.Bridge(current, ev.Target, orderKind)
	if len(hops) < 2 {
		// the state machine decides: no-op, stale or invalid
		return []contracts.Event{ev}, true
	}

	events := make([]contracts.Event, 0, len(hops))
	from := current
	for _, hop := range hops {
		step := ev
		step.Kind = orderKind(from, hop)
		step.Target = hop
		if hop != contracts.OrderAllotmentDone && hop != contracts.OrderUnitsTransferred {
			step.Allotment = nil
		}
		events = append(events, step)
		from = hop
	}
	return events, true
}
