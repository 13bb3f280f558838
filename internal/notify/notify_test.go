package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/internal/ledger"
	"github.com/sparrowinvest/mfengine/pkg/httputil"
	"github.com/sparrowinvest/mfengine/pkg/logger"
	"github.com/sparrowinvest/mfengine/pkg/metrics"
)

type recordingSink struct {
	mu   sync.Mutex
	sent []contracts.Notification
	err  error
}

func (s *recordingSink) Send(ctx context.Context, n contracts.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, n)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type recordingMarker struct {
	mu     sync.Mutex
	marked map[string]int64
}

func (m *recordingMarker) MarkNotified(ctx context.Context, entity contracts.EntityType, id string, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.marked == nil {
		m.marked = make(map[string]int64)
	}
	m.marked[id] = version
	return nil
}

func (m *recordingMarker) get(id string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marked[id]
}

func rejected(id string) contracts.Notification {
	return contracts.Notification{
		Entity: contracts.EntityOrder, ID: id, ClientID: "C1001",
		State: contracts.OrderRejected, ResponseCode: "E-KYC-002", Version: 2,
	}
}

func TestDispatcher_DeliversAndMarks(t *testing.T) {
	sink := &recordingSink{}
	marker := &recordingMarker{}
	d := NewDispatcher(sink, marker, metrics.New(), logger.NewNop(), time.Second, 4)

	d.Dispatch(rejected("o-1"))
	d.Dispatch(rejected("o-2"))
	d.Wait()

	assert.Equal(t, 2, sink.count())
	assert.Equal(t, int64(2), marker.get("o-1"))
	assert.Equal(t, int64(2), marker.get("o-2"))
}

func TestDispatcher_FailureNotMarked(t *testing.T) {
	sink := &recordingSink{err: errors.New("downstream 503")}
	marker := &recordingMarker{}
	d := NewDispatcher(sink, marker, nil, logger.NewNop(), time.Second, 1)

	err := d.Deliver(context.Background(), rejected("o-1"))
	require.Error(t, err)
	assert.Empty(t, marker.get("o-1"))
}

func TestMultiSink(t *testing.T) {
	ok := &recordingSink{}
	bad := &recordingSink{err: errors.New("boom")}

	err := MultiSink{ok, bad}.Send(context.Background(), rejected("o-1"))
	require.Error(t, err)
	assert.Equal(t, 1, ok.count(), "healthy sinks still receive")

	assert.NoError(t, MultiSink{ok, NewLogSink(logger.NewNop())}.Send(context.Background(), rejected("o-2")))
}

func TestWebhookSink(t *testing.T) {
	var got contracts.Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "order", r.Header.Get("X-Notification-Entity"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.ID == "fail" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, httputil.New(logger.NewNop(), 5*time.Second).DisableRetry())

	require.NoError(t, sink.Send(context.Background(), rejected("o-1")))
	assert.Equal(t, "o-1", got.ID)
	assert.Equal(t, contracts.OrderRejected, got.State)

	assert.Error(t, sink.Send(context.Background(), rejected("fail")))
}

func TestResender(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryStore(), nil, nil, logger.NewNop())

	o, _, err := l.CreateOrder(ctx, contracts.OrderRequest{
		Exchange:   contracts.ExchangeNSE,
		Type:       contracts.OrderPurchase,
		ClientID:   "C1001",
		SchemeCode: "INF209K01YN0",
		Amount:     decimal.NewFromInt(5000),
	})
	require.NoError(t, err)
	_, _, err = l.ApplyOrderEvent(ctx, o.ID, contracts.Event{
		Kind: contracts.EventTerminalRejection, ResponseCode: "E-KYC-002", Source: "api",
	})
	require.NoError(t, err)

	sink := &recordingSink{}
	d := NewDispatcher(sink, l, nil, logger.NewNop(), time.Second, 1)
	// negative grace: everything is old enough
	r := NewResender(l, d, logger.NewNop(), -time.Minute, 10)

	n, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "E-KYC-002", sink.sent[0].ResponseCode)

	stored, _ := l.GetOrder(ctx, o.ID)
	assert.Equal(t, stored.Version, stored.NotifiedVersion)

	n, err = r.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResender_RepeatedPaymentPending(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryStore(), nil, nil, logger.NewNop())

	o, _, err := l.CreateOrder(ctx, contracts.OrderRequest{
		Exchange:   contracts.ExchangeBSE,
		Type:       contracts.OrderPurchase,
		ClientID:   "C1001",
		SchemeCode: "INF209K01YN0",
		Amount:     decimal.NewFromInt(5000),
	})
	require.NoError(t, err)
	_, _, err = l.ApplyOrderEvent(ctx, o.ID, contracts.Event{
		Kind: contracts.EventGatewayAck, Target: contracts.OrderPaymentPending, ExchangeRef: "B1", Source: "api",
	})
	require.NoError(t, err)

	sink := &recordingSink{}
	d := NewDispatcher(sink, l, nil, logger.NewNop(), time.Second, 1)
	r := NewResender(l, d, logger.NewNop(), -time.Minute, 10)

	n, err := r.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// the payment fails and the order is back in PAYMENT_PENDING
	for _, kind := range []contracts.EventKind{contracts.EventPaymentInitiated, contracts.EventPaymentFailed} {
		_, _, err = l.ApplyOrderEvent(ctx, o.ID, contracts.Event{Kind: kind, Source: "payment"})
		require.NoError(t, err)
	}

	n, err = r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Equal(t, 2, sink.count())
	assert.Equal(t, contracts.OrderPaymentPending, sink.sent[1].State)
	assert.Greater(t, sink.sent[1].Version, sink.sent[0].Version)

	n, err = r.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func dialHub(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/timeline" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_StreamsFilteredTransitions(t *testing.T) {
	hub := NewHub(logger.NewNop())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	all := dialHub(t, srv, "")
	one := dialHub(t, srv, "?entity=order&id=o-2")
	assert.Eventually(t, func() bool { return hub.Subscribers() == 2 }, time.Second, 10*time.Millisecond)

	hub.OnTransition(contracts.Transition{Entity: contracts.EntityOrder, EntityID: "o-1", Seq: 2, To: contracts.OrderPlaced})
	hub.OnTransition(contracts.Transition{Entity: contracts.EntityOrder, EntityID: "o-2", Seq: 2, To: contracts.OrderRejected})

	read := func(c *websocket.Conn) contracts.Transition {
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		var tr contracts.Transition
		require.NoError(t, c.ReadJSON(&tr))
		return tr
	}

	assert.Equal(t, "o-1", read(all).EntityID)
	assert.Equal(t, "o-2", read(all).EntityID)

	got := read(one)
	assert.Equal(t, "o-2", got.EntityID)
	assert.Equal(t, contracts.OrderRejected, got.To)
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	hub := NewHub(logger.NewNop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv, "")
	assert.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}
