package emergency

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/halcyonsec/defiguard/internal/retry"
	"github.com/halcyonsec/defiguard/internal/security"
)

// WebhookNotifier delivers alerts to contact endpoints as signed JSON POSTs.
type WebhookNotifier struct {
	client *http.Client
	logger *slog.Logger

	maxAttempts int
	baseDelay   time.Duration
	validate    func(string) error
}

// NewWebhookNotifier creates a notifier with a 10s request timeout and
// three delivery attempts per contact.
func NewWebhookNotifier(logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		client:      &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
		maxAttempts: 3,
		baseDelay:   time.Second,
		validate:    security.ValidateEndpointURL,
	}
}

// Notify posts the alert to the contact's endpoint, signing the payload
// with the contact's secret when present. Private and loopback endpoints
// are rejected.
func (n *WebhookNotifier) Notify(ctx context.Context, contact Contact, alert *Alert) error {
	if err := n.validate(contact.Endpoint); err != nil {
		return fmt.Errorf("invalid contact endpoint: %w", err)
	}

	payload, err := json.Marshal(map[string]any{
		"alert":     alert,
		"contact":   contact.Name,
		"role":      contact.Role,
		"timestamp": time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	return retry.Do(ctx, n.maxAttempts, n.baseDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, contact.Endpoint, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-DefiGuard-Alert", alert.ID)
		req.Header.Set("X-DefiGuard-Level", string(alert.Level))
		if contact.Secret != "" {
			req.Header.Set("X-DefiGuard-Signature", sign(payload, contact.Secret))
		}

		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return retry.Permanent(fmt.Errorf("endpoint rejected notification: status %d", resp.StatusCode))
		}
		return fmt.Errorf("notification failed: status %d", resp.StatusCode)
	})
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
