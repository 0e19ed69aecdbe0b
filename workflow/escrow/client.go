package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is an HTTP implementation of Sink for an x402-style
// facilitator.
//
// Endpoints:
//
//	POST {base}/escrow/lock               {workflow_id, amount, poster_id, executor_id} -> {escrow_id}
//	POST {base}/escrow/{id}/release       {amount, recipient_id, reason}
//	POST {base}/escrow/{id}/split         {splits: [{recipient_id, amount, reason}, ...]}
//
// All requests carry a bearer token. Non-2xx responses surface as
// errors with the response body included for operator diagnosis.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying http.Client, e.g. to adjust
// timeouts or inject a test transport.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// NewClient creates a facilitator client for the given base URL and
// API key.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lock reserves funds with the facilitator and returns its escrow id.
func (c *Client) Lock(ctx context.Context, workflowID string, amount float64, posterID, executorID string) (string, error) {
	var out struct {
		EscrowID string `json:"escrow_id"`
	}
	err := c.post(ctx, "/escrow/lock", map[string]interface{}{
		"workflow_id": workflowID,
		"amount":      amount,
		"poster_id":   posterID,
		"executor_id": executorID,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.EscrowID == "" {
		return "", fmt.Errorf("facilitator returned no escrow id for workflow %s", workflowID)
	}
	return out.EscrowID, nil
}

// Release instructs the facilitator to pay out part of the escrow.
func (c *Client) Release(ctx context.Context, escrowID string, amount float64, recipientID, reason string) error {
	return c.post(ctx, "/escrow/"+escrowID+"/release", map[string]interface{}{
		"amount":       amount,
		"recipient_id": recipientID,
		"reason":       reason,
	}, nil)
}

// Split sends a multi-leg settlement instruction.
func (c *Client) Split(ctx context.Context, escrowID string, splits []Split) error {
	return c.post(ctx, "/escrow/"+escrowID+"/split", map[string]interface{}{
		"splits": splits,
	}, nil)
}

func (c *Client) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("facilitator request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read facilitator response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("facilitator returned %d for %s: %s", resp.StatusCode, path, strings.TrimSpace(string(data)))
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode facilitator response: %w", err)
		}
	}
	return nil
}
