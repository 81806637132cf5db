package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"paygate/internal/domain"
	"paygate/internal/metrics"
	"paygate/pkg/errors"
	"paygate/pkg/logger"
)

// ConfigSource resolves a tenant's integration settings.
type ConfigSource interface {
	Get(ctx context.Context, tenantID uuid.UUID) (*domain.TenantConfig, error)
}

// Dispatcher POSTs payloads to tenant callback URLs.
type Dispatcher struct {
	configs ConfigSource
	client  *http.Client
	logger  logger.Logger
}

func NewDispatcher(configs ConfigSource, timeout time.Duration, log logger.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		configs: configs,
		client:  &http.Client{Timeout: timeout},
		logger:  log,
	}
}

// Deliver sends p once. A tenant without a callback URL is skipped and
// reported as delivered. Any non-2xx answer is an error so the caller can
// retry.
func (d *Dispatcher) Deliver(ctx context.Context, p *Payload) error {
	cfg, err := d.configs.Get(ctx, p.TenantID)
	if err != nil {
		return errors.Wrap(err, "failed to load tenant config")
	}
	if cfg.CallbackURL == nil || *cfg.CallbackURL == "" {
		metrics.Webhooks.WithLabelValues("skipped").Inc()
		d.logger.Info("webhook skipped", map[string]interface{}{
			"tenant_id":  p.TenantID.String(),
			"request_id": p.RequestID.String(),
			"reason":     errors.ErrNoCallbackURL.Error(),
		})
		return nil
	}

	body, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "failed to marshal webhook payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *cfg.CallbackURL, bytes.NewReader(body))
	if err != nil {
		metrics.Webhooks.WithLabelValues("invalid_url").Inc()
		return errors.Wrap(err, "failed to build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "paygate-webhook/1")

	resp, err := d.client.Do(req)
	if err != nil {
		metrics.Webhooks.WithLabelValues("network_error").Inc()
		return errors.Wrap(err, "webhook delivery failed")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.Webhooks.WithLabelValues("rejected").Inc()
		return fmt.Errorf("webhook endpoint answered %d", resp.StatusCode)
	}

	metrics.Webhooks.WithLabelValues("delivered").Inc()
	d.logger.Info("webhook delivered", map[string]interface{}{
		"tenant_id":  p.TenantID.String(),
		"request_id": p.RequestID.String(),
		"status":     p.Status,
	})
	return nil
}
