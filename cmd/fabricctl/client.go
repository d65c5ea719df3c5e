package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var errBadStatus = errors.New("unexpected status")

// apiClient habla con la API HTTP; reintenta solo respuestas 5xx y errores de red.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
	headers    map[string]string
	maxElapsed time.Duration
}

func newAPIClient(baseURL string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		headers:    map[string]string{},
		maxElapsed: 15 * time.Second,
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.maxElapsed
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range c.headers {
			req.Header.Set(k, v)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: %d %s", errBadStatus, resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		if resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("%w: %d %s", errBadStatus, resp.StatusCode, strings.TrimSpace(string(raw))))
		}
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}
