// Package nse is the NSE NMF (NSE MF Invest) gateway adapter.
package nse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/internal/credentials"
	"github.com/sparrowinvest/mfengine/pkg/config"
	"github.com/sparrowinvest/mfengine/pkg/httputil"
	"github.com/sparrowinvest/mfengine/pkg/logger"
)

const (
	apiPrefix = "/nsemfdesk/api/v2"

	pathNormalOrder   = apiPrefix + "/transaction/NORMAL"
	pathSwitchOrder   = apiPrefix + "/transaction/SWITCH"
	pathMandate       = apiPrefix + "/registration/product/MANDATE"
	pathOrderCancel   = apiPrefix + "/cancellation/ORDER_CAN"
	pathMandateCancel = apiPrefix + "/cancellation/MANDATE_CAN"
	pathPayment       = apiPrefix + "/payments/purchase_payment"
	pathOrderStatus   = apiPrefix + "/reports/ORDER_STATUS"
	pathMandateStatus = apiPrefix + "/reports/MANDATE_STATUS"
)

// Client handles communication with NSE NMF
// ⭐ SSOT: NSE API 호출은 이 클라이언트에서만
// Auth is stateless: every request carries freshly encrypted headers.
type Client struct {
	httpClient *httputil.Client
	creds      credentials.Provider
	logger     *logger.Logger
	cfg        config.NSEConfig
	random     io.Reader // nil = crypto/rand
}

// NewClient creates a new NSE client
func NewClient(cfg config.NSEConfig, httpClient *httputil.Client, creds credentials.Provider, log *logger.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		creds:      creds,
		logger:     log.WithField("exchange", "NSE"),
		cfg:        cfg,
	}
}

// Exchange implements gateway.Client
func (c *Client) Exchange() contracts.Exchange {
	return contracts.ExchangeNSE
}

// result is the common envelope: NSE spreads status and remark over several field names
type result struct {
	Status string
	Remark string
	Raw    json.RawMessage
	fields map[string]json.RawMessage
}

var (
	statusFields = []string{"trxn_status", "reg_status", "can_status", "status", "Status"}
	remarkFields = []string{"trxn_remark", "reg_remark", "can_remark", "remark", "message", "Message"}
)

func parseResult(raw []byte) (*result, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	r := &result{Raw: json.RawMessage(raw), fields: fields}
	r.Status = strings.TrimSpace(r.first(statusFields))
	r.Remark = r.first(remarkFields)
	return r, nil
}

func (r *result) first(names []string) string {
	for _, n := range names {
		if s := r.str(n); s != "" {
			return s
		}
	}
	return ""
}

// str reads a string field, tolerating numbers
func (r *result) str(name string) string {
	v, ok := r.fields[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return strings.Trim(string(v), `"`)
}

func (r *result) ok() bool {
	switch strings.ToUpper(r.Status) {
	case "TRXN SUCCESS", "REG_SUCCESS", "CAN_SUCCESS", "SUCCESS":
		return true
	}
	return false
}

// errorClass buckets a non-success status
type errorClass int

const (
	classBusiness errorClass = iota
	classAuth
	classUnavailable
)

func classify(status string) errorClass {
	s := strings.ToUpper(status)
	switch {
	case strings.Contains(s, "INVALID_AUTH"), strings.Contains(s, "INVALID_MEMBER"), strings.Contains(s, "IP_NOT_WHITELISTED"):
		return classAuth
	case strings.Contains(s, "SERVICE_UNAVAILABLE"), strings.Contains(s, "TIMEOUT"), s == "":
		return classUnavailable
	}
	return classBusiness
}

// gatewayError converts a non-business failure; nil means a business outcome
func (r *result) gatewayError(op string) error {
	switch classify(r.Status) {
	case classAuth:
		return &contracts.GatewayError{
			Exchange: contracts.ExchangeNSE, Op: op, Kind: contracts.GatewayUnauthorized,
			Code: r.Status, Message: r.Remark,
		}
	case classUnavailable:
		return &contracts.GatewayError{
			Exchange: contracts.ExchangeNSE, Op: op, Kind: contracts.GatewayUnreachable,
			Code: r.Status, Message: r.Remark,
		}
	}
	return nil
}

// call posts an authenticated JSON request and decodes the envelope
func (c *Client) call(ctx context.Context, op, path string, body interface{}) (*result, error) {
	cr, err := c.creds.Get(ctx, contracts.ExchangeNSE, "")
	if err != nil {
		return nil, err
	}
	headers, err := authHeaders(cr, c.random)
	if err != nil {
		return nil, &contracts.GatewayError{
			Exchange: contracts.ExchangeNSE, Op: op, Kind: contracts.GatewayUnauthorized, Err: err,
		}
	}

	resp, err := c.httpClient.PostJSON(ctx, c.cfg.BaseURL+path, body, headers)
	if err != nil {
		return nil, contracts.Unreachable(contracts.ExchangeNSE, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, contracts.Unreachable(contracts.ExchangeNSE, op, fmt.Errorf("read body: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &contracts.GatewayError{
			Exchange: contracts.ExchangeNSE, Op: op, Kind: contracts.GatewayUnauthorized,
			Code: fmt.Sprintf("HTTP_%d", resp.StatusCode),
		}
	case resp.StatusCode >= 500:
		return nil, contracts.Unreachable(contracts.ExchangeNSE, op, fmt.Errorf("status %d", resp.StatusCode))
	}

	// 4xx 본문도 NSE 상태 필드를 담고 있으면 업무 응답으로 처리
	r, err := parseResult(raw)
	if err != nil {
		return nil, contracts.Unreachable(contracts.ExchangeNSE, op, err)
	}
	return r, nil
}
