package bse

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

// orderEntry is the OrderEntry request body
type orderEntry struct {
	TransCode   string `json:"TransCode"` // NEW, CXL
	TransNo     string `json:"TransNo"`
	OrderID     string `json:"OrderId"`
	UserID      string `json:"UserID"`
	MemberID    string `json:"MemberId"`
	ClientCode  string `json:"ClientCode"`
	SchemeCode  string `json:"SchemeCd"`
	BuySell     string `json:"BuySell"` // P, R
	BuySellType string `json:"BuySellType"`
	DPTxn       string `json:"DPTxn"`
	OrderValue  string `json:"OrderVal,omitempty"`
	Quantity    string `json:"Qty,omitempty"`
	AllRedeem   string `json:"AllRedeem"`
	FolioNo     string `json:"FolioNo,omitempty"`
	RefNo       string `json:"RefNo"`
	MandateID   string `json:"MandateId,omitempty"`
}

// switchEntry is the SwitchOrderEntry request body
type switchEntry struct {
	TransCode    string `json:"TransCode"`
	TransNo      string `json:"TransNo"`
	UserID       string `json:"UserID"`
	MemberID     string `json:"MemberId"`
	ClientCode   string `json:"ClientCode"`
	FromScheme   string `json:"FromSchemeCd"`
	ToScheme     string `json:"ToSchemeCd"`
	SwitchAmount string `json:"SwitchAmount,omitempty"`
	SwitchUnits  string `json:"SwitchUnits,omitempty"`
	AllUnits     string `json:"AllUnitsFlag"`
	FolioNo      string `json:"FolioNo,omitempty"`
	RefNo        string `json:"RefNo"`
}

func nonZero(d decimal.Decimal) string {
	if d.IsZero() {
		return ""
	}
	return d.StringFixed(4)
}

// SubmitOrder places a purchase, redemption or switch.
// Single attempt: the order id doubles as the exchange-side reference so a
// lost response is recovered by the status poll, never by a blind resend.
func (c *Client) SubmitOrder(ctx context.Context, o *contracts.Order) (*gateway.SubmitResult, error) {
	cr, err := c.creds.Get(ctx, contracts.ExchangeBSE, "")
	if err != nil {
		return nil, err
	}

	var body interface{}
	path := pathOrderEntry
	switch o.Type {
	case contracts.OrderSwitch:
		path = pathSwitchEntry
		body = switchEntry{
			TransCode: "NEW", TransNo: o.ID, UserID: cr.UserID, MemberID: cr.MemberID,
			ClientCode: o.ClientID, FromScheme: o.SchemeCode, ToScheme: o.TargetSchemeCode,
			SwitchAmount: nonZero(o.Amount), SwitchUnits: nonZero(o.Units), AllUnits: "N",
			FolioNo: o.Folio, RefNo: o.ID,
		}
	default:
		buySell := "P"
		if o.Type == contracts.OrderRedemption {
			buySell = "R"
		}
		body = orderEntry{
			TransCode: "NEW", TransNo: o.ID, UserID: cr.UserID, MemberID: cr.MemberID,
			ClientCode: o.ClientID, SchemeCode: o.SchemeCode, BuySell: buySell, BuySellType: "FRESH",
			DPTxn: "P", OrderValue: nonZero(o.Amount), Quantity: nonZero(o.Units), AllRedeem: "N",
			FolioNo: o.Folio, RefNo: o.ID, MandateID: o.MandateID,
		}
	}

	raw, _, err := c.call(httputil.WithoutRetry(ctx), "submit_order", path, body)
	if err != nil {
		return nil, err
	}

	p, err := parsePipe(raw)
	if err != nil {
		return nil, contracts.Unreachable(contracts.ExchangeBSE, "submit_order", err)
	}

	res := &gateway.SubmitResult{
		Accepted:        p.ok(),
		ExchangeRef:     p.Reference,
		ResponseCode:    p.Code,
		ResponseMessage: p.Message,
		Raw:             rawJSON(raw),
	}
	if res.Accepted {
		// BSE 접수 응답에는 단계 정보가 없음
		res.Stage = gateway.AckStage(o)
	} else {
		res.ExchangeRef = ""
		c.logger.WithFields(map[string]interface{}{
			"order_id": o.ID,
			"code":     p.Code,
			"message":  p.Message,
		}).Warn("BSE rejected order")
	}
	return res, nil
}

// CancelOrder sends a CXL entry for a placed order
func (c *Client) CancelOrder(ctx context.Context, o *contracts.Order) (*gateway.CancelResult, error) {
	cr, err := c.creds.Get(ctx, contracts.ExchangeBSE, "")
	if err != nil {
		return nil, err
	}

	body := orderEntry{
		TransCode: "CXL", TransNo: o.ID + "-CXL", OrderID: o.ExchangeOrderID,
		UserID: cr.UserID, MemberID: cr.MemberID, ClientCode: o.ClientID,
		SchemeCode: o.SchemeCode, BuySell: "P", BuySellType: "FRESH", DPTxn: "P",
		AllRedeem: "N", RefNo: o.ID,
	}
	if o.Type == contracts.OrderRedemption {
		body.BuySell = "R"
	}

	raw, _, err := c.call(httputil.WithoutRetry(ctx), "cancel_order", pathOrderEntry, body)
	if err != nil {
		return nil, err
	}

	p, err := parsePipe(raw)
	if err != nil {
		return nil, contracts.Unreachable(contracts.ExchangeBSE, "cancel_order", err)
	}
	if !p.ok() {
		return nil, &contracts.GatewayError{
			Exchange: contracts.ExchangeBSE, Op: "cancel_order", Kind: contracts.GatewayCancellationRefused,
			Code: p.Code, Message: p.Message,
		}
	}
	return &gateway.CancelResult{ResponseCode: p.Code, ResponseMessage: p.Message, Raw: rawJSON(raw)}, nil
}

type statusRequest struct {
	MemberCode string `json:"MemberCode"`
	OrderNo    string `json:"OrderNo"`
}

type orderRecord struct {
	OrderNumber    string          `json:"OrderNumber"`
	Status         string          `json:"Status"`
	Remarks        string          `json:"Remarks"`
	AllottedUnits  decimal.Decimal `json:"AllottedUnits"`
	AllottedNav    decimal.Decimal `json:"AllottedNav"`
	AllottedAmount decimal.Decimal `json:"AllottedAmount"`
	FolioNo        string          `json:"FolioNo"`
	UpdatedAt      string          `json:"UpdatedAt"`
}

type statusResponse struct {
	Status  string        `json:"Status"`
	Message string        `json:"Message"`
	Orders  []orderRecord `json:"Orders"`
}

// QueryOrderStatus polls one order by exchange order number
func (c *Client) QueryOrderStatus(ctx context.Context, exchangeOrderID string) (*gateway.StatusResult, error) {
	cr, err := c.creds.Get(ctx, contracts.ExchangeBSE, "")
	if err != nil {
		return nil, err
	}

	raw, _, err := c.call(ctx, "query_order", pathOrderStatus, statusRequest{MemberCode: cr.MemberID, OrderNo: exchangeOrderID})
	if err != nil {
		return nil, err
	}

	var resp statusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, contracts.Unreachable(contracts.ExchangeBSE, "query_order", fmt.Errorf("decode status: %w", err))
	}
	if resp.Status != "" && resp.Status != codeSuccess {
		return nil, contracts.Unreachable(contracts.ExchangeBSE, "query_order",
			fmt.Errorf("status query failed: %s %s", resp.Status, resp.Message))
	}

	for _, rec := range resp.Orders {
		if rec.OrderNumber == exchangeOrderID {
			return c.orderResult(rec, raw), nil
		}
	}
	// 아직 조회 불가 (접수 직후): 상태 없음
	return &gateway.StatusResult{ExchangeRef: exchangeOrderID, Raw: rawJSON(raw)}, nil
}

// ParseOrderCallback normalizes a pushed order status
func (c *Client) ParseOrderCallback(body []byte) (*gateway.StatusResult, error) {
	var rec orderRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("decode BSE callback: %w", err)
	}
	if rec.OrderNumber == "" {
		return nil, fmt.Errorf("BSE callback without OrderNumber")
	}
	return c.orderResult(rec, body), nil
}

func (c *Client) orderResult(rec orderRecord, raw []byte) *gateway.StatusResult {
	res := &gateway.StatusResult{
		ExchangeRef:     rec.OrderNumber,
		State:           OrderState(rec.Status),
		RawStatus:       rec.Status,
		ResponseCode:    strings.ToUpper(rec.Status),
		ResponseMessage: rec.Remarks,
		ReportedAt:      parseTimestamp(rec.UpdatedAt),
		AckOnly:         isAckOnly(rec.Status),
		Raw:             rawJSON(raw),
	}
	if res.State == "" {
		c.logger.WithFields(map[string]interface{}{
			"exchange_order_id": rec.OrderNumber,
			"status":            rec.Status,
		}).Warn("Unknown BSE order status")
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

// isAckOnly reports a bare acceptance. BSE reports ACCEPTED and then
// ALLOTTED; the stages in between are not published.
func isAckOnly(status string) bool {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "ACCEPTED", "PLACED":
		return true
	}
	return false
}

// OrderState maps a BSE order status onto the shared vocabulary.
// Unknown statuses map to "" and are ignored by the reconciler.
func OrderState(status string) contracts.State {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "ACCEPTED", "PLACED":
		return contracts.OrderPlaced
	case "PAYMENT_PENDING":
		return contracts.OrderPaymentPending
	case "PAYMENT_INITIATED":
		return contracts.OrderPaymentConfirmationPending
	case "PAYMENT_SUCCESS", "PENDING_FOR_RTA":
		return contracts.OrderPendingRegistrar
	case "VALIDATED_BY_RTA":
		return contracts.OrderValidatedByRegistrar
	case "ALLOTTED", "ALLOTMENT_DONE":
		return contracts.OrderAllotmentDone
	case "UNITS_TRANSFERRED":
		return contracts.OrderUnitsTransferred
	case "REJECTED":
		return contracts.OrderRejected
	case "CANCELLED":
		return contracts.OrderCancelled
	case "FAILED":
		return contracts.OrderFailed
	}
	return ""
}

var timestampLayouts = []string{time.RFC3339, "02/01/2006 15:04:05", "2006-01-02 15:04:05"}

// India Standard Time, BSE reports wall-clock without zone
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

// rawJSON keeps the exchange answer for the audit payload.
// Non-JSON bodies (pipe strings) are stored as a JSON string.
func rawJSON(raw []byte) json.RawMessage {
	if json.Valid(raw) {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(string(raw))
	return quoted
}
