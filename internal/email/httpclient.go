package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient talks JSON over HTTP to the sending service's internal API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// HTTPClientConfig configures the HTTP email client
type HTTPClientConfig struct {
	Endpoint       string `toml:"endpoint" json:"endpoint"`
	Token          string `toml:"token" json:"token"`
	TimeoutSeconds int    `toml:"timeout_seconds" json:"timeout_seconds"`
}

// NewHTTPClient creates a client for the sending service at the given endpoint
func NewHTTPClient(config HTTPClientConfig) *HTTPClient {
	timeout := time.Duration(config.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: config.Endpoint,
		token:   config.Token,
		client:  &http.Client{Timeout: timeout},
	}
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

type statisticsResponse struct {
	Points []SendStatistic `json:"points"`
}

// Send submits a template for delivery and returns the service's message ID
func (c *HTTPClient) Send(ctx context.Context, tmpl Template) (string, error) {
	var resp sendResponse
	if err := c.do(ctx, http.MethodPost, "/v1/send", tmpl, &resp); err != nil {
		return "", fmt.Errorf("send failed: %w", err)
	}
	if resp.MessageID == "" {
		return "", fmt.Errorf("send failed: service returned no message ID")
	}
	return resp.MessageID, nil
}

// Quota returns the account-level 24-hour sending quota
func (c *HTTPClient) Quota(ctx context.Context) (Quota, error) {
	var quota Quota
	if err := c.do(ctx, http.MethodGet, "/v1/quota", nil, &quota); err != nil {
		return Quota{}, fmt.Errorf("quota lookup failed: %w", err)
	}
	return quota, nil
}

// Statistics returns the service's raw sending statistics series
func (c *HTTPClient) Statistics(ctx context.Context) ([]SendStatistic, error) {
	var resp statisticsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/statistics", nil, &resp); err != nil {
		return nil, fmt.Errorf("statistics lookup failed: %w", err)
	}
	return resp.Points, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("service returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
