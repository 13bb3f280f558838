package nse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/internal/gateway"
	"github.com/sparrowinvest/mfengine/pkg/httputil"
)

type normalOrder struct {
	TrxnType        string `json:"trxn_type"` // P, R
	ClientCode      string `json:"client_code"`
	SchemeCode      string `json:"scheme_code"`
	OrderAmount     string `json:"order_amount,omitempty"`
	OrderUnits      string `json:"order_units,omitempty"`
	FolioNo         string `json:"folio_no"`
	DematPhysical   string `json:"demat_physical"`
	KYCFlag         string `json:"kyc_flag"`
	EUINDeclaration string `json:"euin_declaration"`
	MandateID       string `json:"mandate_id,omitempty"`
	TransRef        string `json:"trans_ref"`
}

type switchOrder struct {
	ClientCode     string `json:"client_code"`
	FromSchemeCode string `json:"from_scheme_code"`
	ToSchemeCode   string `json:"to_scheme_code"`
	SwitchAmount   string `json:"switch_amount,omitempty"`
	SwitchUnits    string `json:"switch_units,omitempty"`
	FolioNo        string `json:"folio_no"`
	AllUnits       string `json:"all_units"`
	TransRef       string `json:"trans_ref"`
}

type orderRef struct {
	OrderID  string `json:"order_id"`
	TransRef string `json:"trans_ref,omitempty"`
}

func nonZero(d decimal.Decimal) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}

// SubmitOrder places a purchase, redemption or switch (single attempt)
func (c *Client) SubmitOrder(ctx context.Context, o *contracts.Order) (*gateway.SubmitResult, error) {
	var body interface{}
	path := pathNormalOrder
	switch o.Type {
	case contracts.OrderSwitch:
		path = pathSwitchOrder
		body = switchOrder{
			ClientCode: o.ClientID, FromSchemeCode: o.SchemeCode, ToSchemeCode: o.TargetSchemeCode,
			SwitchAmount: nonZero(o.Amount), SwitchUnits: nonZero(o.Units),
			FolioNo: o.Folio, AllUnits: "N", TransRef: o.ID,
		}
	default:
		trxnType := "P"
		if o.Type == contracts.OrderRedemption {
			trxnType = "R"
		}
		body = normalOrder{
			TrxnType: trxnType, ClientCode: o.ClientID, SchemeCode: o.SchemeCode,
			OrderAmount: nonZero(o.Amount), OrderUnits: nonZero(o.Units), FolioNo: o.Folio,
			DematPhysical: "P", KYCFlag: "Y", EUINDeclaration: "Y", MandateID: o.MandateID, TransRef: o.ID,
		}
	}

	r, err := c.call(httputil.WithoutRetry(ctx), "submit_order", path, body)
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
		res.ExchangeRef = r.str("trxn_order_id")
		// 2FA 대상 주문은 접수 시점에 단계가 함께 옴
		res.Stage = OrderState(r.str("order_status"))
		if res.ExchangeRef == "" {
			return nil, contracts.Unreachable(contracts.ExchangeNSE, "submit_order", fmt.Errorf("success without trxn_order_id"))
		}
		return res, nil
	}
	if err := r.gatewayError("submit_order"); err != nil {
		return nil, err
	}

	c.logger.WithFields(map[string]interface{}{
		"order_id": o.ID,
		"code":     r.Status,
		"message":  r.Remark,
	}).Warn("NSE rejected order")
	return res, nil
}

// CancelOrder cancels a placed order
func (c *Client) CancelOrder(ctx context.Context, o *contracts.Order) (*gateway.CancelResult, error) {
	r, err := c.call(httputil.WithoutRetry(ctx), "cancel_order", pathOrderCancel, orderRef{OrderID: o.ExchangeOrderID, TransRef: o.ID})
	if err != nil {
		return nil, err
	}
	if r.ok() {
		return &gateway.CancelResult{ResponseCode: r.Status, ResponseMessage: r.Remark, Raw: r.Raw}, nil
	}
	if err := r.gatewayError("cancel_order"); err != nil {
		return nil, err
	}
	return nil, &contracts.GatewayError{
		Exchange: contracts.ExchangeNSE, Op: "cancel_order", Kind: contracts.GatewayCancellationRefused,
		Code: r.Status, Message: r.Remark,
	}
}

type orderRecord struct {
	OrderID        string          `json:"order_id"`
	TrxnOrderID    string          `json:"trxn_order_id"`
	Status         string          `json:"status"`
	Remark         string          `json:"remark"`
	AllottedUnits  decimal.Decimal `json:"allotted_units"`
	AllottedNav    decimal.Decimal `json:"allotted_nav"`
	AllottedAmount decimal.Decimal `json:"allotted_amount"`
	FolioNo        string          `json:"folio_no"`
	LastUpdated    string          `json:"last_updated"`
}

func (rec orderRecord) id() string {
	if rec.OrderID != "" {
		return rec.OrderID
	}
	return rec.TrxnOrderID
}

// QueryOrderStatus reads the ORDER_STATUS report for one order
func (c *Client) QueryOrderStatus(ctx context.Context, exchangeOrderID string) (*gateway.StatusResult, error) {
	r, err := c.call(ctx, "query_order", pathOrderStatus, orderRef{OrderID: exchangeOrderID})
	if err != nil {
		return nil, err
	}
	if !r.ok() {
		if err := r.gatewayError("query_order"); err != nil {
			return nil, err
		}
		return nil, &contracts.GatewayError{
			Exchange: contracts.ExchangeNSE, Op: "query_order", Kind: contracts.GatewayUnreachable,
			Code: r.Status, Message: r.Remark,
		}
	}

	var report struct {
		Orders []orderRecord `json:"orders"`
	}
	if err := json.Unmarshal(r.Raw, &report); err != nil {
		return nil, contracts.Unreachable(contracts.ExchangeNSE, "query_order", fmt.Errorf("decode orders: %w", err))
	}

	for _, rec := range report.Orders {
		if rec.id() == exchangeOrderID {
			return c.orderResult(rec, r.Raw), nil
		}
	}
	return &gateway.StatusResult{ExchangeRef: exchangeOrderID, Raw: r.Raw}, nil
}

// ParseOrderCallback normalizes a pushed order status
func (c *Client) ParseOrderCallback(body []byte) (*gateway.StatusResult, error) {
	var rec orderRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("decode NSE callback: %w", err)
	}
	if rec.id() == "" {
		return nil, fmt.Errorf("NSE callback without order_id")
	}
	return c.orderResult(rec, body), nil
}

func (c *Client) orderResult(rec orderRecord, raw []byte) *gateway.StatusResult {
	res := &gateway.StatusResult{
		ExchangeRef:     rec.id(),
		State:           OrderState(rec.Status),
		RawStatus:       rec.Status,
		ResponseCode:    strings.ToUpper(rec.Status),
		ResponseMessage: rec.Remark,
		ReportedAt:      parseTimestamp(rec.LastUpdated),
		Raw:             json.RawMessage(raw),
	}
	if res.State == "" {
		c.logger.WithFields(map[string]interface{}{
			"exchange_order_id": rec.id(),
			"status":            rec.Status,
		}).Warn("Unknown NSE order status")
	}
	if !rec.AllottedUnits.IsZero() {
		res.Allotment = &contracts.Allotment{
			Units:  rec.AllottedUnits,
			NAV:    rec.AllottedNav,
			Amount: rec.AllottedAmount,
			Folio:  rec.FolioNo,
		}
	}
	return res
}

// OrderState maps an NSE order status onto the shared vocabulary.
// NSE already reports most pipeline stages by their canonical names.
func OrderState(status string) contracts.State {
	s := strings.ToUpper(strings.TrimSpace(status))
	switch s {
	case "PLACED", "ORDER_PLACED", "TRXN SUCCESS":
		return contracts.OrderPlaced
	case "TWO_FA_PENDING", "2FA_PENDING":
		return contracts.OrderTwoFactorPending
	case "AUTH_PENDING":
		return contracts.OrderAuthPending
	case "PAYMENT_PENDING":
		return contracts.OrderPaymentPending
	case "PAYMENT_CONFIRMATION_PENDING":
		return contracts.OrderPaymentConfirmationPending
	case "PENDING_FOR_RTA", "PAYMENT_SUCCESS":
		return contracts.OrderPendingRegistrar
	case "VALIDATED_BY_RTA":
		return contracts.OrderValidatedByRegistrar
	case "ALLOTMENT_DONE", "ALLOTTED":
		return contracts.OrderAllotmentDone
	case "UNITS_TRANSFERRED":
		return contracts.OrderUnitsTransferred
	case "REJECTED", "TRXN FAILED":
		return contracts.OrderRejected
	case "CANCELLED":
		return contracts.OrderCancelled
	case "FAILED", "PAYMENT_FAILED_EXPIRED":
		return contracts.OrderFailed
	}
	return ""
}

var timestampLayouts = []string{time.RFC3339, "02-Jan-2006 15:04:05", "2006-01-02 15:04:05"}

var ist = time.FixedZone("IST", 5*3600+1800)

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, ist); err == nil {
			return t
		}
	}
	return time.Time{}
}
