package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/platinummonkey/strata/pkg/admission"
	"github.com/platinummonkey/strata/pkg/observability"
)

// LogSubscriber writes limit events to the structured log. Always configured
// so operators see limit pressure even with no webhook set up.
type LogSubscriber struct {
	Logger *observability.Logger
}

func (s *LogSubscriber) Name() string { return "log" }

func (s *LogSubscriber) Notify(ctx context.Context, event admission.Event) error {
	s.Logger.WithTenant(event.TenantID).
		WithField("kind", string(event.Kind)).
		WithField("reason", event.Reason).
		Info("limit event")
	return nil
}

// WebhookSubscriber POSTs limit events as JSON to a configured endpoint.
type WebhookSubscriber struct {
	URL    string
	Client *http.Client
}

// NewWebhookSubscriber creates a webhook subscriber with a sane client
// timeout.
func NewWebhookSubscriber(url string) *WebhookSubscriber {
	return &WebhookSubscriber{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSubscriber) Name() string { return "webhook" }

type webhookPayload struct {
	TenantID string    `json:"tenant_id"`
	Kind     string    `json:"kind"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

func (s *WebhookSubscriber) Notify(ctx context.Context, event admission.Event) error {
	body, err := json.Marshal(webhookPayload{
		TenantID: event.TenantID,
		Kind:     string(event.Kind),
		Reason:   event.Reason,
		At:       event.At,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
