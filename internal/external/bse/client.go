// Package bse is the BSE StAR MF gateway adapter.
package bse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/internal/credentials"
	"github.com/sparrowinvest/mfengine/pkg/config"
	"github.com/sparrowinvest/mfengine/pkg/httputil"
	"github.com/sparrowinvest/mfengine/pkg/logger"
)

const (
	apiPrefix = "/BSEMFWEBAPI/api"

	pathSessionToken = apiPrefix + "/_GetSessionToken"
	pathOrderEntry   = apiPrefix + "/OrderEntry"
	pathSwitchEntry  = apiPrefix + "/SwitchOrderEntry"
	pathOrderStatus  = apiPrefix + "/OrderStatus"
	pathMandateReg   = apiPrefix + "/MandateRegistration"
	pathMandateInfo  = apiPrefix + "/MandateDetails"
	pathMandateCxl   = apiPrefix + "/MandateCancel"
	pathPayment      = apiPrefix + "/PaymentGatewayAPI"
	pathAllotment    = apiPrefix + "/AllotmentStatement"

	codeSuccess = "100"

	// 세션 토큰 유효시간 1시간, 5분 여유
	sessionTTL = 55 * time.Minute
)

// Client handles communication with BSE StAR MF
// ⭐ SSOT: BSE API 호출은 이 클라이언트에서만
type Client struct {
	httpClient *httputil.Client
	creds      credentials.Provider
	logger     *logger.Logger
	cfg        config.BSEConfig

	// Session tokens per login user
	sessions  map[string]session
	sessionMu sync.RWMutex
	now       func() time.Time
}

type session struct {
	token  string
	expiry time.Time
}

// NewClient creates a new BSE client
func NewClient(cfg config.BSEConfig, httpClient *httputil.Client, creds credentials.Provider, log *logger.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		creds:      creds,
		logger:     log.WithField("exchange", "BSE"),
		cfg:        cfg,
		sessions:   make(map[string]session),
		now:        time.Now,
	}
}

// Exchange implements gateway.Client
func (c *Client) Exchange() contracts.Exchange {
	return contracts.ExchangeBSE
}

type tokenRequest struct {
	UserID   string `json:"UserId"`
	MemberID string `json:"MemberId"`
	Password string `json:"Password"`
}

type tokenResponse struct {
	Status         string `json:"Status"`
	ResponseString string `json:"ResponseString"`
}

// getToken gets a valid session token, refreshing if necessary
func (c *Client) getToken(ctx context.Context, cr credentials.Credentials) (string, error) {
	c.sessionMu.RLock()
	s, ok := c.sessions[cr.UserID]
	c.sessionMu.RUnlock()
	if ok && c.now().Before(s.expiry) {
		return s.token, nil
	}

	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	// Double-check after acquiring write lock
	if s, ok := c.sessions[cr.UserID]; ok && c.now().Before(s.expiry) {
		return s.token, nil
	}

	body := tokenRequest{UserID: cr.UserID, MemberID: cr.MemberID, Password: cr.Password}
	raw, err := c.send(ctx, "session", pathSessionToken, body, nil)
	if err != nil {
		return "", err
	}

	var resp tokenResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", contracts.Unreachable(contracts.ExchangeBSE, "session", fmt.Errorf("decode token response: %w", err))
	}
	if resp.Status != codeSuccess || resp.ResponseString == "" {
		// 응답 메시지에 비밀번호가 포함될 수 있어 코드만 남김
		return "", &contracts.GatewayError{
			Exchange: contracts.ExchangeBSE, Op: "session", Kind: contracts.GatewayUnauthorized,
			Code: resp.Status, Message: "session token refused",
		}
	}

	c.sessions[cr.UserID] = session{token: resp.ResponseString, expiry: c.now().Add(sessionTTL)}
	c.logger.WithField("member_id", cr.MemberID).Info("BSE session token refreshed")

	return resp.ResponseString, nil
}

func (c *Client) dropToken(userID string) {
	c.sessionMu.Lock()
	delete(c.sessions, userID)
	c.sessionMu.Unlock()
}

// call makes an authenticated request and returns the raw body
func (c *Client) call(ctx context.Context, op, path string, body interface{}) (json.RawMessage, credentials.Credentials, error) {
	cr, err := c.creds.Get(ctx, contracts.ExchangeBSE, "")
	if err != nil {
		return nil, cr, err
	}
	token, err := c.getToken(ctx, cr)
	if err != nil {
		return nil, cr, err
	}

	raw, err := c.send(ctx, op, path, body, map[string]string{"SessionToken": token})
	var ge *contracts.GatewayError
	if err != nil && errors.As(err, &ge) && ge.Kind == contracts.GatewayUnauthorized {
		// 만료된 세션: 다음 호출에서 재발급
		c.dropToken(cr.UserID)
	}
	return raw, cr, err
}

// send posts JSON and classifies transport failures
func (c *Client) send(ctx context.Context, op, path string, body interface{}, headers map[string]string) (json.RawMessage, error) {
	url := c.cfg.BaseURL + path

	resp, err := c.httpClient.PostJSON(ctx, url, body, headers)
	if err != nil {
		return nil, contracts.Unreachable(contracts.ExchangeBSE, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, contracts.Unreachable(contracts.ExchangeBSE, op, fmt.Errorf("read body: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &contracts.GatewayError{
			Exchange: contracts.ExchangeBSE, Op: op, Kind: contracts.GatewayUnauthorized,
			Code: fmt.Sprintf("HTTP_%d", resp.StatusCode),
		}
	case resp.StatusCode != http.StatusOK:
		return nil, contracts.Unreachable(contracts.ExchangeBSE, op,
			fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(raw), 200)))
	}

	return raw, nil
}

// pipeResponse is the "code|reference|message" answer of the entry APIs
type pipeResponse struct {
	Code      string
	Reference string
	Message   string
}

// parsePipe accepts either a bare pipe string or a JSON-quoted one
func parsePipe(raw []byte) (pipeResponse, error) {
	s := strings.TrimSpace(string(raw))
	var quoted string
	if err := json.Unmarshal(raw, &quoted); err == nil {
		s = strings.TrimSpace(quoted)
	}

	parts := strings.SplitN(s, "|", 3)
	if len(parts) < 2 || parts[0] == "" {
		return pipeResponse{}, fmt.Errorf("malformed entry response: %q", truncate(s, 100))
	}

	p := pipeResponse{Code: strings.TrimSpace(parts[0]), Reference: strings.TrimSpace(parts[1])}
	if len(parts) == 3 {
		p.Message = strings.TrimSpace(parts[2])
	}
	return p, nil
}

func (p pipeResponse) ok() bool {
	return p.Code == codeSuccess
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
