package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	cerrors "github.com/randalmurphal/comet/pkg/comet/errors"
)

// DefaultWebhookTimeout bounds one delivery attempt.
const DefaultWebhookTimeout = 10 * time.Second

// WebhookSender posts each message as a JSON document to URL. Mail
// gateways and chat bridges sit behind it.
type WebhookSender struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

// NewWebhookSender validates rawURL and returns a sender for it.
func NewWebhookSender(rawURL string, timeout time.Duration) (WebhookSender, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return WebhookSender{}, fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return WebhookSender{}, fmt.Errorf("webhook URL must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return WebhookSender{}, fmt.Errorf("webhook URL must include a host")
	}
	return WebhookSender{URL: rawURL, Timeout: timeout}, nil
}

type webhookMessage struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// Send implements Sender.
func (w WebhookSender) Send(ctx context.Context, recipient, subject, body string) error {
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}

	payload, err := json.Marshal(webhookMessage{Recipient: recipient, Subject: subject, Body: body})
	if err != nil {
		return cerrors.Permanent(err, "encoding webhook message")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(payload))
	if err != nil {
		return cerrors.Permanent(err, "building webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &cerrors.TimeoutError{Op: "webhook " + w.URL, After: timeout}
		}
		return fmt.Errorf("webhook %s: %w", w.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &cerrors.HTTPError{
			StatusCode: resp.StatusCode,
			Endpoint:   w.URL,
			Body:       strings.TrimSpace(string(msg)),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
