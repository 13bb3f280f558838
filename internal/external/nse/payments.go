package nse

import (
	"context"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/internal/gateway"
	"github.com/sparrowinvest/mfengine/pkg/httputil"
)

type paymentRequest struct {
	OrderID     string `json:"order_id"`
	PaymentMode string `json:"payment_mode"`
	CallbackURL string `json:"callback_url"`
}

// InitiatePayment opens a net-banking payment for an order
func (c *Client) InitiatePayment(ctx context.Context, o *contracts.Order, returnURL string) (*gateway.PaymentLink, error) {
	body := paymentRequest{OrderID: o.ExchangeOrderID, PaymentMode: "NETBANKING", CallbackURL: returnURL}

	r, err := c.call(httputil.WithoutRetry(ctx), "initiate_payment", pathPayment, body)
	if err != nil {
		return nil, err
	}
	if !r.ok() {
		if err := r.gatewayError("initiate_payment"); err != nil {
			return nil, err
		}
		return nil, &contracts.GatewayError{
			Exchange: contracts.ExchangeNSE, Op: "initiate_payment", Kind: contracts.GatewayUnreachable,
			Code: r.Status, Message: r.Remark,
		}
	}

	link := r.first([]string{"payment_link", "pay_link", "redirect_url"})
	if link == "" {
		return nil, &contracts.GatewayError{
			Exchange: contracts.ExchangeNSE, Op: "initiate_payment", Kind: contracts.GatewayUnreachable,
			Message: "success without payment link",
		}
	}
	return &gateway.PaymentLink{URL: link, Reference: r.str("transaction_ref")}, nil
}
