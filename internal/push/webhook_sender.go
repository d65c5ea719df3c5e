package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// WebhookSender entrega el payload a un gateway push externo vía HTTP POST.
type WebhookSender struct {
	endpoint string
	client   *http.Client
	retries  uint64
}

func NewWebhookSender(endpoint string, timeout time.Duration) (*WebhookSender, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("push webhook url is required")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("push webhook url: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSender{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		retries:  3,
	}, nil
}

func (s *WebhookSender) Send(ctx context.Context, payload Payload) error {
	if strings.TrimSpace(payload.Recipient) == "" {
		return fmt.Errorf("push recipient is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("push webhook status %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("push webhook rejected payload: status %d", resp.StatusCode))
		}
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, s.retries), ctx))
}
