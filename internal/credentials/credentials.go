// Package credentials supplies exchange API credentials.
// Values are opaque to the engine and never rendered in logs.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/pkg/config"
)

const redacted = "[REDACTED]"

// Credentials is one member's login material for one exchange
type Credentials struct {
	Exchange contracts.Exchange
	MemberID string

	// BSE
	UserID   string
	Password string

	// NSE
	LoginUserID string
	APISecret   string
	LicenseKey  string
}

// String never prints secrets
func (c Credentials) String() string {
	return fmt.Sprintf("credentials{exchange=%s member=%s secret=%s}", c.Exchange, c.MemberID, redacted)
}

// GoString covers %#v
func (c Credentials) GoString() string {
	return c.String()
}

// MarshalJSON keeps secrets out of JSON logs and API bodies
func (c Credentials) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"exchange":  string(c.Exchange),
		"member_id": c.MemberID,
		"secret":    redacted,
	})
}

// Provider resolves credentials per exchange and advisor (ARN).
// An empty advisor selects the member-level default.
type Provider interface {
	Get(ctx context.Context, exchange contracts.Exchange, advisorID string) (Credentials, error)
}

// Static is an in-memory provider seeded from config
type Static struct {
	mu    sync.RWMutex
	creds map[string]Credentials
}

// NewStatic creates an empty provider
func NewStatic() *Static {
	return &Static{creds: make(map[string]Credentials)}
}

// FromConfig seeds the member-level defaults for enabled exchanges
func FromConfig(cfg *config.Config) *Static {
	s := NewStatic()
	if cfg.BSE.Enabled {
		s.Put("", Credentials{
			Exchange: contracts.ExchangeBSE,
			MemberID: cfg.BSE.MemberID,
			UserID:   cfg.BSE.UserID,
			Password: cfg.BSE.Password,
		})
	}
	if cfg.NSE.Enabled {
		s.Put("", Credentials{
			Exchange:    contracts.ExchangeNSE,
			MemberID:    cfg.NSE.MemberID,
			LoginUserID: cfg.NSE.LoginUserID,
			APISecret:   cfg.NSE.APISecret,
			LicenseKey:  cfg.NSE.LicenseKey,
		})
	}
	return s
}

func key(exchange contracts.Exchange, advisorID string) string {
	return string(exchange) + "/" + advisorID
}

// Put registers credentials for an advisor ("" for the default)
func (s *Static) Put(advisorID string, c Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[key(c.Exchange, advisorID)] = c
}

// Get returns advisor credentials, falling back to the exchange default
func (s *Static) Get(ctx context.Context, exchange contracts.Exchange, advisorID string) (Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.creds[key(exchange, advisorID)]; ok {
		return c, nil
	}
	if c, ok := s.creds[key(exchange, "")]; ok {
		return c, nil
	}
	return Credentials{}, &contracts.GatewayError{
		Exchange: exchange, Op: "credentials", Kind: contracts.GatewayUnauthorized,
		Message: "no credentials configured",
	}
}
