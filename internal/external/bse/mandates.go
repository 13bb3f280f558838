package bse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/internal/gateway"
	"github.com/sparrowinvest/mfengine/pkg/httputil"
)

const dateLayout = "02/01/2006"

type mandateRegistration struct {
	MemberCode  string `json:"MemberCode"`
	ClientCode  string `json:"ClientCode"`
	Amount      string `json:"Amount"`
	MandateType string `json:"MandateType"` // N: e-NACH, X: physical
	AccountNo   string `json:"AccountNo,omitempty"`
	StartDate   string `json:"StartDate"`
	EndDate     string `json:"EndDate"`
	RefNo       string `json:"RefNo"`
}

type mandateRef struct {
	MemberCode string `json:"MemberCode"`
	MandateID  string `json:"MandateId"`
}

type mandateDetails struct {
	Status    string `json:"Status"`
	UMRN      string `json:"UMRN"`
	Remarks   string `json:"Remarks"`
	UpdatedAt string `json:"UpdatedAt"`
}

func mandateTypeCode(t contracts.MandateType) string {
	if t == contracts.MandatePhysical {
		return "X"
	}
	return "N"
}

// SubmitMandate registers a mandate (single attempt)
func (c *Client) SubmitMandate(ctx context.Context, m *contracts.Mandate) (*gateway.SubmitResult, error) {
	cr, err := c.creds.Get(ctx, contracts.ExchangeBSE, "")
	if err != nil {
		return nil, err
	}

	body := mandateRegistration{
		MemberCode:  cr.MemberID,
		ClientCode:  m.ClientID,
		Amount:      m.AmountCeiling.StringFixed(2),
		MandateType: mandateTypeCode(m.Type),
		AccountNo:   m.BankAccount,
		StartDate:   m.StartDate.Format(dateLayout),
		EndDate:     m.EndDate.Format(dateLayout),
		RefNo:       m.ID,
	}

	raw, _, err := c.call(httputil.WithoutRetry(ctx), "submit_mandate", pathMandateReg, body)
	if err != nil {
		return nil, err
	}

	p, err := parsePipe(raw)
	if err != nil {
		return nil, contracts.Unreachable(contracts.ExchangeBSE, "submit_mandate", err)
	}

	res := &gateway.SubmitResult{
		Accepted:        p.ok(),
		ResponseCode:    p.Code,
		ResponseMessage: p.Message,
		Raw:             rawJSON(raw),
	}
	if res.Accepted {
		res.ExchangeRef = p.Reference
	} else {
		res.Stage = contracts.MandateRejected
	}
	return res, nil
}

// QueryMandateStatus reads mandate details, including the UMRN once approved
func (c *Client) QueryMandateStatus(ctx context.Context, exchangeMandateID string) (*gateway.StatusResult, error) {
	cr, err := c.creds.Get(ctx, contracts.ExchangeBSE, "")
	if err != nil {
		return nil, err
	}

	raw, _, err := c.call(ctx, "query_mandate", pathMandateInfo, mandateRef{MemberCode: cr.MemberID, MandateID: exchangeMandateID})
	if err != nil {
		return nil, err
	}

	var resp mandateDetails
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, contracts.Unreachable(contracts.ExchangeBSE, "query_mandate", fmt.Errorf("decode mandate details: %w", err))
	}

	return &gateway.StatusResult{
		ExchangeRef:     exchangeMandateID,
		State:           MandateState(resp.Status),
		RawStatus:       resp.Status,
		ResponseCode:    strings.ToUpper(resp.Status),
		ResponseMessage: resp.Remarks,
		ReportedAt:      parseTimestamp(resp.UpdatedAt),
		UMRN:            resp.UMRN,
		Raw:             rawJSON(raw),
	}, nil
}

// CancelMandate cancels a registered mandate
func (c *Client) CancelMandate(ctx context.Context, m *contracts.Mandate) (*gateway.CancelResult, error) {
	cr, err := c.creds.Get(ctx, contracts.ExchangeBSE, "")
	if err != nil {
		return nil, err
	}

	raw, _, err := c.call(httputil.WithoutRetry(ctx), "cancel_mandate", pathMandateCxl, mandateRef{MemberCode: cr.MemberID, MandateID: m.ExchangeMandateID})
	if err != nil {
		return nil, err
	}

	p, err := parsePipe(raw)
	if err != nil {
		return nil, contracts.Unreachable(contracts.ExchangeBSE, "cancel_mandate", err)
	}
	if !p.ok() {
		return nil, &contracts.GatewayError{
			Exchange: contracts.ExchangeBSE, Op: "cancel_mandate", Kind: contracts.GatewayCancellationRefused,
			Code: p.Code, Message: p.Message,
		}
	}
	return &gateway.CancelResult{ResponseCode: p.Code, ResponseMessage: p.Message, Raw: rawJSON(raw)}, nil
}

// MandateState maps a BSE mandate status onto the shared vocabulary
func MandateState(status string) contracts.State {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "REGISTERED", "SUBMITTED", "RECEIVED":
		return contracts.MandateSubmitted
	case "PENDING", "PENDING_AUTH", "AUTH_PENDING", "UNDER PROCESSING":
		return contracts.MandatePendingAuth
	case "APPROVED":
		return contracts.MandateApproved
	case "REJECTED":
		return contracts.MandateRejected
	case "CANCELLED":
		return contracts.MandateCancelled
	case "EXPIRED":
		return contracts.MandateExpired
	}
	return ""
}
