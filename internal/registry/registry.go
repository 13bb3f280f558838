// Package registry answers whether a client holds a UCC registration with an
// exchange. Order creation is gated on it.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/pkg/httputil"
	"github.com/sparrowinvest/mfengine/pkg/logger"
	"github.com/sparrowinvest/mfengine/pkg/redis"
)

// Registration is the registry's answer for one client
type Registration struct {
	ClientID   string `json:"client_id"`
	Exchange   string `json:"exchange"`
	Registered bool   `json:"registered"`
	KYCStatus  string `json:"kyc_status,omitempty"`
}

// HTTPRegistry looks clients up in the holdings service
// GET {base}/clients/{exchange}/{client_id}; 404 means not registered.
type HTTPRegistry struct {
	baseURL    string
	httpClient *httputil.Client
	cache      *redis.Cache
	ttl        time.Duration
	logger     *logger.Logger
}

// NewHTTPRegistry creates the registry client. Only positive answers are
// cached so a fresh registration takes effect on the next order.
func NewHTTPRegistry(baseURL string, httpClient *httputil.Client, cache *redis.Cache, ttl time.Duration, log *logger.Logger) *HTTPRegistry {
	return &HTTPRegistry{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		cache:      cache,
		ttl:        ttl,
		logger:     log,
	}
}

// IsRegistered implements contracts.ClientRegistry
func (r *HTTPRegistry) IsRegistered(ctx context.Context, exchange contracts.Exchange, clientID string) (bool, error) {
	key := redis.ClientRegistrationKey(string(exchange), clientID)

	var cached Registration
	found, err := r.cache.Get(ctx, key, &cached)
	if err != nil {
		r.logger.WithError(err).Debug("Registry cache read failed")
	}
	if found && cached.Registered {
		return true, nil
	}

	reg, err := r.lookup(ctx, exchange, clientID)
	if err != nil {
		return false, err
	}
	if reg.Registered {
		if err := r.cache.Set(ctx, key, reg, r.ttl); err != nil {
			r.logger.WithError(err).Debug("Registry cache write failed")
		}
	}
	return reg.Registered, nil
}

func (r *HTTPRegistry) lookup(ctx context.Context, exchange contracts.Exchange, clientID string) (*Registration, error) {
	u := fmt.Sprintf("%s/clients/%s/%s", r.baseURL, url.PathEscape(string(exchange)), url.PathEscape(clientID))
	resp, err := r.httpClient.Get(ctx, u, map[string]string{"Accept": "application/json"})
	if err != nil {
		return nil, fmt.Errorf("registry lookup: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return &Registration{ClientID: clientID, Exchange: string(exchange)}, nil
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("registry lookup: status %d", resp.StatusCode)
	}

	var reg Registration
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return nil, fmt.Errorf("registry lookup: decode: %w", err)
	}
	return &reg, nil
}

// Static is an in-memory registry (memory store mode, tests)
type Static struct {
	mu      sync.RWMutex
	clients map[string]bool
	// AllowAll registers every client when no entries were added
	AllowAll bool
}

// NewStatic creates an empty static registry
func NewStatic() *Static {
	return &Static{clients: make(map[string]bool)}
}

// Register marks a client as registered with an exchange
func (s *Static) Register(exchange contracts.Exchange, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[string(exchange)+"/"+clientID] = true
}

// IsRegistered implements contracts.ClientRegistry
func (s *Static) IsRegistered(ctx context.Context, exchange contracts.Exchange, clientID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.AllowAll && len(s.clients) == 0 {
		return true, nil
	}
	return s.clients[string(exchange)+"/"+clientID], nil
}
