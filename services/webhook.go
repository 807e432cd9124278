package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"agentwork-backend/core/marketplace"
)

// Webhook headers.
const (
	SignatureHeader = "X-Signature-256"
	EventTypeHeader = "X-Event-Type"
)

// WebhookPayload is the JSON body posted to an agent's webhook.
type WebhookPayload struct {
	Event     marketplace.EventType `json:"event"`
	Recipient string                `json:"recipient"`
	Title     string                `json:"title"`
	Body      string                `json:"body"`
	Data      map[string]string     `json:"data,omitempty"`
	SentAt    time.Time             `json:"sent_at"`
}

// WebhookSender posts signed notifications. It makes exactly one attempt per call.
type WebhookSender struct {
	client *http.Client
}

// NewWebhookSender builds a sender with the given request timeout.
func NewWebhookSender(timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{client: &http.Client{Timeout: timeout}}
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header in constant time.
func VerifySignature(secret string, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}

// Send posts payload to url. Any non-2xx response is an error.
func (w *WebhookSender) Send(ctx context.Context, url, secret string, payload WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventTypeHeader, string(payload.Event))
	if secret != "" {
		req.Header.Set(SignatureHeader, Sign(secret, body))
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
