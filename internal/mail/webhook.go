package mail

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

	"github.com/google/uuid"

	"github.com/djlord-it/certpipe/internal/domain"
)

const defaultWebhookTimeout = 30 * time.Second

// webhookPayload is the JSON body posted to the mail relay.
type webhookPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text,omitempty"`
	HTML    string `json:"html,omitempty"`
}

// WebhookSender posts emails to an HTTP mail relay with an HMAC signature.
// Headers: X-Certpipe-Message-ID, X-Certpipe-Signature.
//
// 2xx is success. 429, 5xx and transport errors are transient; any other
// status is permanent.
type WebhookSender struct {
	client  *http.Client
	url     string
	secret  string
	timeout time.Duration
}

func NewWebhookSender(url, secret string) *WebhookSender {
	return &WebhookSender{
		client:  &http.Client{},
		url:     url,
		secret:  secret,
		timeout: defaultWebhookTimeout,
	}
}

func (s *WebhookSender) WithTimeout(d time.Duration) *WebhookSender {
	if d > 0 {
		s.timeout = d
	}
	return s
}

func (s *WebhookSender) Send(ctx context.Context, email Email) (string, error) {
	if err := email.Validate(); err != nil {
		return "", err
	}

	body, err := json.Marshal(webhookPayload{
		To:      email.To,
		Subject: email.Subject,
		Text:    email.Text,
		HTML:    email.HTML,
	})
	if err != nil {
		return "", domain.PermanentError("mail_webhook", fmt.Errorf("marshal: %w", err))
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return "", domain.PermanentError("mail_webhook", fmt.Errorf("create request: %w", err))
	}

	messageID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Certpipe-Message-ID", messageID)
	req.Header.Set("X-Certpipe-Signature", computeSignature(s.secret, body))

	resp, err := s.client.Do(req)
	if err != nil {
		return "", domain.TransientError("mail_webhook", fmt.Errorf("send: %w", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return messageID, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", domain.TransientError("mail_webhook", fmt.Errorf("relay returned %d", resp.StatusCode))
	default:
		return "", domain.PermanentError("mail_webhook", fmt.Errorf("relay returned %d", resp.StatusCode))
	}
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for relays to verify incoming requests.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

var _ Sender = (*WebhookSender)(nil)
