package bse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/internal/gateway"
	"github.com/sparrowinvest/mfengine/pkg/httputil"
)

type paymentRequest struct {
	MemberCode  string   `json:"MemberCode"`
	ClientCode  string   `json:"ClientCode"`
	Orders      []string `json:"Orders"`
	TotalAmount string   `json:"TotalAmount"`
	LogOutURL   string   `json:"LogOutURL"`
}

type paymentResponse struct {
	Status         string `json:"Status"`
	ResponseString string `json:"ResponseString"`
}

// InitiatePayment asks BSE for the payment gateway page of an order.
// BSE answers with an HTML snippet; the redirect target is the form action
// or the first link in it.
func (c *Client) InitiatePayment(ctx context.Context, o *contracts.Order, returnURL string) (*gateway.PaymentLink, error) {
	cr, err := c.creds.Get(ctx, contracts.ExchangeBSE, "")
	if err != nil {
		return nil, err
	}

	body := paymentRequest{
		MemberCode:  cr.MemberID,
		ClientCode:  o.ClientID,
		Orders:      []string{o.ExchangeOrderID},
		TotalAmount: o.Amount.StringFixed(2),
		LogOutURL:   returnURL,
	}

	raw, _, err := c.call(httputil.WithoutRetry(ctx), "initiate_payment", pathPayment, body)
	if err != nil {
		return nil, err
	}

	var resp paymentResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, contracts.Unreachable(contracts.ExchangeBSE, "initiate_payment", fmt.Errorf("decode payment response: %w", err))
	}
	if resp.Status != codeSuccess {
		return nil, &contracts.GatewayError{
			Exchange: contracts.ExchangeBSE, Op: "initiate_payment", Kind: contracts.GatewayUnreachable,
			Code: resp.Status, Message: truncate(resp.ResponseString, 200),
		}
	}

	link, err := extractPaymentURL(resp.ResponseString)
	if err != nil {
		return nil, contracts.Unreachable(contracts.ExchangeBSE, "initiate_payment", err)
	}
	return &gateway.PaymentLink{URL: link, Reference: o.ExchangeOrderID}, nil
}

func extractPaymentURL(html string) (string, error) {
	html = strings.TrimSpace(html)
	if strings.HasPrefix(html, "http://") || strings.HasPrefix(html, "https://") {
		return html, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse payment page: %w", err)
	}

	if action, ok := doc.Find("form[action]").First().Attr("action"); ok && action != "" {
		return action, nil
	}
	if href, ok := doc.Find("a[href]").First().Attr("href"); ok && href != "" {
		return href, nil
	}
	return "", fmt.Errorf("no payment link in BSE response")
}
