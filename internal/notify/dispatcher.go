// Package notify delivers user-visible state changes outside the ledger's
// transaction boundary. A lost notification is recovered by the Resender.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/pkg/logger"
	"github.com/sparrowinvest/mfengine/pkg/metrics"
)

// Sink is the downstream NotificationSink
type Sink interface {
	Send(ctx context.Context, n contracts.Notification) error
}

// Marker records that an entity version reached the sink
type Marker interface {
	MarkNotified(ctx context.Context, entity contracts.EntityType, id string, version int64) error
}

// Dispatcher is the fire-and-forget contracts.Notifier
// ⭐ SSOT: 알림 발송은 Dispatcher 로만 (전이 트랜잭션과 분리)
type Dispatcher struct {
	sink    Sink
	marker  Marker
	metrics *metrics.Metrics
	logger  *logger.Logger
	timeout time.Duration

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewDispatcher creates a dispatcher with bounded in-flight sends
func NewDispatcher(sink Sink, marker Marker, m *metrics.Metrics, log *logger.Logger, timeout time.Duration, concurrency int) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		sink:    sink,
		marker:  marker,
		metrics: m,
		logger:  log,
		timeout: timeout,
		sem:     make(chan struct{}, concurrency),
	}
}

// Dispatch sends n in the background. When every slot is busy the
// notification is dropped and left for the Resender.
func (d *Dispatcher) Dispatch(n contracts.Notification) {
	select {
	case d.sem <- struct{}{}:
	default:
		d.metrics.RecordNotification(string(n.Entity), "dropped")
		d.logger.WithFields(map[string]interface{}{
			"entity": n.Entity,
			"id":     n.ID,
			"state":  n.State,
		}).Warn("Notification queue full, deferring to resend")
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		_ = d.Deliver(ctx, n)
	}()
}

// Deliver sends n synchronously and marks it notified on success
func (d *Dispatcher) Deliver(ctx context.Context, n contracts.Notification) error {
	log := d.logger.WithFields(map[string]interface{}{
		"entity": n.Entity,
		"id":     n.ID,
		"state":  n.State,
	})

	if err := d.sink.Send(ctx, n); err != nil {
		d.metrics.RecordNotification(string(n.Entity), "failed")
		log.WithError(err).Warn("Notification delivery failed")
		return err
	}
	d.metrics.RecordNotification(string(n.Entity), "sent")

	if err := d.marker.MarkNotified(ctx, n.Entity, n.ID, n.Version); err != nil {
		// 발송은 성공: 재발송될 수 있음 (at-least-once 쪽으로 기울어짐)
		log.WithError(err).Warn("Failed to record notification")
		return err
	}
	return nil
}

// Wait blocks until in-flight sends finish (shutdown, tests)
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
