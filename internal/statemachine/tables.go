package statemachine

import (
	c "github.com/sparrowinvest/mfengine/internal/contracts"
)

// Orders is the order transition table
var Orders = newOrderTable()

// Mandates is the mandate transition table
var Mandates = newMandateTable()

func newOrderTable() *Table {
	pipeline := states(
		c.OrderSubmitted,
		c.OrderPlaced,
		c.OrderTwoFactorPending,
		c.OrderAuthPending,
		c.OrderPaymentPending,
		c.OrderPaymentConfirmationPending,
		c.OrderPendingRegistrar,
		c.OrderValidatedByRegistrar,
		c.OrderAllotmentDone,
		c.OrderUnitsTransferred,
	)
	failures := states(c.OrderRejected, c.OrderCancelled, c.OrderFailed)
	nonTerminal := pipeline[:len(pipeline)-1]

	t := &Table{
		entity:   c.EntityOrder,
		initial:  c.OrderSubmitted,
		states:   append(append([]c.State(nil), pipeline...), failures...),
		terminal: set(c.OrderUnitsTransferred, c.OrderRejected, c.OrderCancelled, c.OrderFailed),
		pipeline: ranks(pipeline...),
		defaults: map[c.EventKind]c.State{
			c.EventGatewayAck:         c.OrderPlaced,
			c.EventPaymentInitiated:   c.OrderPaymentConfirmationPending,
			c.EventPaymentConfirmed:   c.OrderPendingRegistrar,
			c.EventPaymentFailed:      c.OrderPaymentPending,
			c.EventRegistrarValidated: c.OrderValidatedByRegistrar,
			c.EventAllotmentConfirmed: c.OrderAllotmentDone,
			c.EventLocalCancel:        c.OrderCancelled,
			c.EventTerminalRejection:  c.OrderRejected,
		},
		notify: set(c.OrderPaymentPending, c.OrderUnitsTransferred, c.OrderRejected, c.OrderCancelled, c.OrderFailed),
	}

	return build(t, []edge{
		on(c.EventGatewayAck, states(c.OrderSubmitted),
			c.OrderPlaced, c.OrderTwoFactorPending, c.OrderAuthPending, c.OrderPaymentPending, c.OrderPendingRegistrar),

		// forward-only status updates
		on(c.EventGatewayStatusUpdate, states(c.OrderPlaced),
			c.OrderTwoFactorPending, c.OrderAuthPending, c.OrderPaymentPending, c.OrderPendingRegistrar),
		on(c.EventGatewayStatusUpdate, states(c.OrderTwoFactorPending),
			c.OrderAuthPending, c.OrderPaymentPending, c.OrderPendingRegistrar),
		on(c.EventGatewayStatusUpdate, states(c.OrderAuthPending),
			c.OrderPaymentPending, c.OrderPendingRegistrar),
		on(c.EventGatewayStatusUpdate, states(c.OrderPaymentPending),
			c.OrderPaymentConfirmationPending, c.OrderPendingRegistrar),
		on(c.EventGatewayStatusUpdate, states(c.OrderPaymentConfirmationPending),
			c.OrderPendingRegistrar),
		on(c.EventGatewayStatusUpdate, states(c.OrderPendingRegistrar),
			c.OrderValidatedByRegistrar, c.OrderAllotmentDone),
		on(c.EventGatewayStatusUpdate, states(c.OrderValidatedByRegistrar),
			c.OrderAllotmentDone),
		on(c.EventGatewayStatusUpdate, states(c.OrderAllotmentDone),
			c.OrderUnitsTransferred),

		on(c.EventPaymentInitiated, states(c.OrderPaymentPending), c.OrderPaymentConfirmationPending),
		on(c.EventPaymentConfirmed, states(c.OrderPaymentConfirmationPending, c.OrderPaymentPending), c.OrderPendingRegistrar),
		on(c.EventPaymentFailed, states(c.OrderPaymentConfirmationPending), c.OrderPaymentPending),
		on(c.EventRegistrarValidated, states(c.OrderPendingRegistrar), c.OrderValidatedByRegistrar),
		on(c.EventAllotmentConfirmed, states(c.OrderPendingRegistrar, c.OrderValidatedByRegistrar), c.OrderAllotmentDone),

		on(c.EventLocalCancel, states(c.OrderSubmitted, c.OrderPlaced), c.OrderCancelled),
		on(c.EventTerminalRejection, nonTerminal, c.OrderRejected, c.OrderCancelled, c.OrderFailed),
	})
}

func newMandateTable() *Table {
	pipeline := states(c.MandateCreated, c.MandateSubmitted, c.MandatePendingAuth, c.MandateApproved)
	failures := states(c.MandateRejected, c.MandateCancelled, c.MandateExpired)
	nonTerminal := pipeline[:len(pipeline)-1]

	t := &Table{
		entity:   c.EntityMandate,
		initial:  c.MandateCreated,
		states:   append(append([]c.State(nil), pipeline...), failures...),
		terminal: set(c.MandateApproved, c.MandateRejected, c.MandateCancelled, c.MandateExpired),
		pipeline: ranks(pipeline...),
		defaults: map[c.EventKind]c.State{
			c.EventGatewayAck:        c.MandateSubmitted,
			c.EventLocalCancel:       c.MandateCancelled,
			c.EventTerminalRejection: c.MandateRejected,
			c.EventMandateRevoked:    c.MandateExpired,
		},
		notify: set(c.MandateApproved, c.MandateRejected, c.MandateCancelled, c.MandateExpired),
	}

	return build(t, []edge{
		on(c.EventGatewayAck, states(c.MandateCreated), c.MandateSubmitted, c.MandatePendingAuth),

		on(c.EventGatewayStatusUpdate, states(c.MandateCreated), c.MandateSubmitted),
		on(c.EventGatewayStatusUpdate, states(c.MandateSubmitted), c.MandatePendingAuth, c.MandateApproved),
		on(c.EventGatewayStatusUpdate, states(c.MandatePendingAuth), c.MandateApproved),

		on(c.EventLocalCancel, nonTerminal, c.MandateCancelled),
		on(c.EventTerminalRejection, nonTerminal, c.MandateRejected, c.MandateCancelled, c.MandateExpired),

		// 승인된 mandate 는 해지/만료만 허용
		on(c.EventMandateRevoked, states(c.MandateApproved), c.MandateExpired, c.MandateCancelled),
	})
}
