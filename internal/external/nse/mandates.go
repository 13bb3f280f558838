package nse

import (
	"context"
	"strings"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/internal/gateway"
	"github.com/sparrowinvest/mfengine/pkg/httputil"
)

const dateLayout = "02/01/2006"

type mandateRegistration struct {
	MandateType string `json:"mandate_type"` // E: e-mandate, P: physical
	ClientCode  string `json:"client_code"`
	Amount      string `json:"amount"`
	AccountNo   string `json:"account_no,omitempty"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	TransRef    string `json:"trans_ref"`
}

type mandateRef struct {
	MandateID string `json:"mandate_id"`
}

// SubmitMandate registers a mandate (single attempt)
func (c *Client) SubmitMandate(ctx context.Context, m *contracts.Mandate) (*gateway.SubmitResult, error) {
	mandateType := "E"
	if m.Type == contracts.MandatePhysical {
		mandateType = "P"
	}
	body := mandateRegistration{
		MandateType: mandateType,
		ClientCode:  m.ClientID,
		Amount:      m.AmountCeiling.StringFixed(2),
		AccountNo:   m.BankAccount,
		StartDate:   m.StartDate.Format(dateLayout),
		EndDate:     m.EndDate.Format(dateLayout),
		TransRef:    m.ID,
	}

	r, err := c.call(httputil.WithoutRetry(ctx), "submit_mandate", pathMandate, body)
	if err != nil {
		return nil, err
	}

	res := &gateway.SubmitResult{
		Accepted:        r.ok(),
		ResponseCode:    r.Status,
		ResponseMessage: r.Remark,
		Raw:             r.Raw,
	}
	if res.Accepted {
		res.ExchangeRef = r.str("mandate_id")
		return res, nil
	}
	if err := r.gatewayError("submit_mandate"); err != nil {
		return nil, err
	}
	res.Stage = contracts.MandateRejected
	return res, nil
}

// QueryMandateStatus reads the MANDATE_STATUS report
func (c *Client) QueryMandateStatus(ctx context.Context, exchangeMandateID string) (*gateway.StatusResult, error) {
	r, err := c.call(ctx, "query_mandate", pathMandateStatus, mandateRef{MandateID: exchangeMandateID})
	if err != nil {
		return nil, err
	}
	if !r.ok() {
		if err := r.gatewayError("query_mandate"); err != nil {
			return nil, err
		}
		return nil, &contracts.GatewayError{
			Exchange: contracts.ExchangeNSE, Op: "query_mandate", Kind: contracts.GatewayUnreachable,
			Code: r.Status, Message: r.Remark,
		}
	}

	status := r.str("mandate_status")
	return &gateway.StatusResult{
		ExchangeRef:     exchangeMandateID,
		State:           MandateState(status),
		RawStatus:       status,
		ResponseCode:    strings.ToUpper(status),
		ResponseMessage: r.Remark,
		ReportedAt:      parseTimestamp(r.str("last_updated")),
		UMRN:            r.str("umrn"),
		Raw:             r.Raw,
	}, nil
}

// CancelMandate cancels a registered mandate
func (c *Client) CancelMandate(ctx context.Context, m *contracts.Mandate) (*gateway.CancelResult, error) {
	r, err := c.call(httputil.WithoutRetry(ctx), "cancel_mandate", pathMandateCancel, mandateRef{MandateID: m.ExchangeMandateID})
	if err != nil {
		return nil, err
	}
	if r.ok() {
		return &gateway.CancelResult{ResponseCode: r.Status, ResponseMessage: r.Remark, Raw: r.Raw}, nil
	}
	if err := r.gatewayError("cancel_mandate"); err != nil {
		return nil, err
	}
	return nil, &contracts.GatewayError{
		Exchange: contracts.ExchangeNSE, Op: "cancel_mandate", Kind: contracts.GatewayCancellationRefused,
		Code: r.Status, Message: r.Remark,
	}
}

// MandateState maps an NSE mandate status onto the shared vocabulary
func MandateState(status string) contracts.State {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "REGISTERED", "SUBMITTED", "REG_SUCCESS":
		return contracts.MandateSubmitted
	case "PENDING", "PENDING_AUTH", "UNDER_PROCESS", "AUTH_PENDING":
		return contracts.MandatePendingAuth
	case "APPROVED", "ACCEPTED", "ACTIVE":
		return contracts.MandateApproved
	case "REJECTED", "REG_FAILED":
		return contracts.MandateRejected
	case "CANCELLED":
		return contracts.MandateCancelled
	case "EXPIRED":
		return contracts.MandateExpired
	}
	return ""
}
