package ledger

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/sparrowinvest/mfengine/internal/contracts"
)

// 형식 검사만 (존재 여부는 외부 관심사)
var (
	// ISIN of an Indian mutual fund scheme, e.g. INF209K01YN0
	isinPattern = regexp.MustCompile(`^INF[A-Z0-9]{9}$`)
	// exchange scheme code: uppercase segments joined by '-', e.g. HDFCMCOG-GR, LT-DP-GR, 02G
	exchangeSchemePattern = regexp.MustCompile(`^[A-Z0-9]{2,20}(-[A-Z0-9]{1,10}){0,3}$`)
)

// idempotencyNamespace seeds derived keys so identical requests collapse
var idempotencyNamespace = uuid.MustParse("6f1c2a57-3e0b-4c8e-9d2f-8a4b5c6d7e01")

// ValidSchemeCode reports whether code is syntactically a scheme identifier
func ValidSchemeCode(code string) bool {
	if len(code) > 40 {
		return false
	}
	return isinPattern.MatchString(code) || exchangeSchemePattern.MatchString(code)
}

// ValidateOrderRequest checks request shape before any ledger write
func ValidateOrderRequest(req *contracts.OrderRequest) error {
	if !req.Exchange.Valid() {
		return contracts.ValidationError{Field: "exchange", Message: "must be BSE or NSE"}
	}
	if strings.TrimSpace(req.ClientID) == "" {
		return contracts.ValidationError{Field: "client_id", Message: "required"}
	}
	if !ValidSchemeCode(req.SchemeCode) {
		return contracts.ValidationError{Field: "scheme_code", Message: "invalid format"}
	}
	if req.Amount.IsNegative() {
		return contracts.ValidationError{Field: "amount", Message: "must be positive"}
	}
	if req.Units.IsNegative() {
		return contracts.ValidationError{Field: "units", Message: "must be positive"}
	}
	hasAmount, hasUnits := req.Amount.IsPositive(), req.Units.IsPositive()
	if hasAmount && hasUnits {
		return contracts.ValidationError{Field: "amount", Message: "specify amount or units, not both"}
	}

	switch req.Type {
	case contracts.OrderPurchase:
		if !hasAmount {
			return contracts.ValidationError{Field: "amount", Message: "purchase requires a positive amount"}
		}
	case contracts.OrderRedemption:
		if !hasAmount && !hasUnits {
			return contracts.ValidationError{Field: "amount", Message: "redemption requires a positive amount or units"}
		}
	case contracts.OrderSwitch:
		if !hasAmount && !hasUnits {
			return contracts.ValidationError{Field: "amount", Message: "switch requires a positive amount or units"}
		}
		if !ValidSchemeCode(req.TargetSchemeCode) {
			return contracts.ValidationError{Field: "target_scheme_code", Message: "invalid format"}
		}
		if req.TargetSchemeCode == req.SchemeCode {
			return contracts.ValidationError{Field: "target_scheme_code", Message: "must differ from scheme_code"}
		}
	default:
		return contracts.ValidationError{Field: "order_type", Message: "must be PURCHASE, REDEMPTION or SWITCH"}
	}
	if req.Type != contracts.OrderSwitch && req.TargetSchemeCode != "" {
		return contracts.ValidationError{Field: "target_scheme_code", Message: "only valid for switch orders"}
	}
	return nil
}

// ValidateMandateRequest checks request shape before any ledger write
func ValidateMandateRequest(req *contracts.MandateRequest) error {
	if !req.Exchange.Valid() {
		return contracts.ValidationError{Field: "exchange", Message: "must be BSE or NSE"}
	}
	if strings.TrimSpace(req.ClientID) == "" {
		return contracts.ValidationError{Field: "client_id", Message: "required"}
	}
	if req.Type != contracts.MandateElectronic && req.Type != contracts.MandatePhysical {
		return contracts.ValidationError{Field: "mandate_type", Message: "must be ELECTRONIC or PHYSICAL"}
	}
	if !req.AmountCeiling.IsPositive() {
		return contracts.ValidationError{Field: "amount_ceiling", Message: "must be positive"}
	}
	if req.StartDate.IsZero() || req.EndDate.IsZero() {
		return contracts.ValidationError{Field: "validity", Message: "start_date and end_date required"}
	}
	if !req.EndDate.After(req.StartDate) {
		return contracts.ValidationError{Field: "end_date", Message: "must be after start_date"}
	}
	return nil
}

// DeriveOrderKey builds a deterministic idempotency key from the request body
func DeriveOrderKey(req *contracts.OrderRequest) string {
	parts := []string{
		string(req.Exchange), string(req.Type), req.ClientID, req.SchemeCode, req.TargetSchemeCode,
		req.Amount.String(), req.Units.String(), req.Folio, req.MandateID,
	}
	return uuid.NewSHA1(idempotencyNamespace, []byte(strings.Join(parts, "|"))).String()
}

// DeriveMandateKey builds a deterministic idempotency key from the request body
func DeriveMandateKey(req *contracts.MandateRequest) string {
	parts := []string{
		string(req.Exchange), string(req.Type), req.ClientID, req.AmountCeiling.String(),
		req.StartDate.Format("2006-01-02"), req.EndDate.Format("2006-01-02"), req.BankAccount,
	}
	return uuid.NewSHA1(idempotencyNamespace, []byte(strings.Join(parts, "|"))).String()
}
