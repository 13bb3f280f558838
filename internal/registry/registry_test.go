package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/pkg/config"
	"github.com/sparrowinvest/mfengine/pkg/httputil"
	"github.com/sparrowinvest/mfengine/pkg/logger"
	"github.com/sparrowinvest/mfengine/pkg/redis"
)

func newRegistry(t *testing.T, handler http.HandlerFunc) *HTTPRegistry {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := redis.New(&config.Config{Redis: config.RedisConfig{Enabled: false}})
	require.NoError(t, err)

	log := logger.NewNop()
	return NewHTTPRegistry(srv.URL+"/", httputil.New(log, 5*time.Second).DisableRetry(),
		redis.NewCache(client, "test"), time.Minute, log)
}

func TestHTTPRegistry(t *testing.T) {
	var calls atomic.Int32
	reg := newRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Path {
		case "/clients/BSE/C1001":
			json.NewEncoder(w).Encode(Registration{ClientID: "C1001", Exchange: "BSE", Registered: true, KYCStatus: "VALIDATED"})
		case "/clients/BSE/C2002":
			json.NewEncoder(w).Encode(Registration{ClientID: "C2002", Exchange: "BSE", Registered: false})
		case "/clients/NSE/broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	ok, err := reg.IsRegistered(ctx, contracts.ExchangeBSE, "C1001")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = reg.IsRegistered(ctx, contracts.ExchangeBSE, "C2002")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = reg.IsRegistered(ctx, contracts.ExchangeNSE, "C1001")
	require.NoError(t, err)
	assert.False(t, ok, "404 means not registered")

	_, err = reg.IsRegistered(ctx, contracts.ExchangeNSE, "broken")
	assert.Error(t, err, "registry outage is not a negative answer")

	assert.Equal(t, int32(4), calls.Load())
}

func TestStatic(t *testing.T) {
	s := NewStatic()
	s.Register(contracts.ExchangeBSE, "C1001")
	ctx := context.Background()

	ok, _ := s.IsRegistered(ctx, contracts.ExchangeBSE, "C1001")
	assert.True(t, ok)
	ok, _ = s.IsRegistered(ctx, contracts.ExchangeNSE, "C1001")
	assert.False(t, ok)

	open := NewStatic()
	open.AllowAll = true
	ok, _ = open.IsRegistered(ctx, contracts.ExchangeNSE, "anyone")
	assert.True(t, ok)
}
