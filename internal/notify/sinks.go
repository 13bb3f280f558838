package notify

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/pkg/httputil"
	"github.com/sparrowinvest/mfengine/pkg/logger"
)

// LogSink writes notifications to the structured log
type LogSink struct {
	logger *logger.Logger
}

// NewLogSink creates a log sink
func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{logger: log}
}

// Send logs n
func (s *LogSink) Send(ctx context.Context, n contracts.Notification) error {
	s.logger.WithFields(map[string]interface{}{
		"entity":         n.Entity,
		"id":             n.ID,
		"client_id":      n.ClientID,
		"state":          n.State,
		"previous_state": n.PreviousState,
		"response_code":  n.ResponseCode,
	}).Info("Notification")
	return nil
}

// WebhookSink posts notifications as JSON to a downstream service
type WebhookSink struct {
	url    string
	client *httputil.Client
}

// NewWebhookSink creates a webhook sink
func NewWebhookSink(url string, client *httputil.Client) *WebhookSink {
	return &WebhookSink{url: url, client: client}
}

// Send posts n; any non-2xx answer is a failed delivery
func (s *WebhookSink) Send(ctx context.Context, n contracts.Notification) error {
	resp, err := s.client.PostJSON(ctx, s.url, n, map[string]string{
		"X-Notification-Entity": string(n.Entity),
	})
	if err != nil {
		return fmt.Errorf("notification webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification webhook: status %d", resp.StatusCode)
	}
	return nil
}

// MultiSink fans out to several sinks; the delivery succeeds only if all do
type MultiSink []Sink

// Send delivers to every sink and joins the failures
func (m MultiSink) Send(ctx context.Context, n contracts.Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
