package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordTransition(t *testing.T) {
	m := New()

	m.RecordTransition("order", "gateway-ack", "PLACED")
	m.RecordTransition("order", "gateway-ack", "PLACED")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.transitions.WithLabelValues("order", "gateway-ack", "PLACED")))
}

func TestGaugesAndGatewayCalls(t *testing.T) {
	m := New()

	m.SetManualReview("mandate", 3)
	m.SetQueueDepth("active", 7)
	m.RecordGatewayCall("BSE", "submit", "ok", 120*time.Millisecond)

	assert.Equal(t, float64(3), testutil.ToFloat64(m.manualReview.WithLabelValues("mandate")))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.queueDepth.WithLabelValues("active")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.gatewayCalls.WithLabelValues("BSE", "submit", "ok")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	// must not panic
	m.RecordTransition("order", "created", "SUBMITTED")
	m.RecordReconcile("active", "ok")
	m.RecordNotification("order", "sent")
	assert.Nil(t, m.Registry())
}
