package processor

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

// HTTPClient talks to the processor's REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type intentResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (c *HTTPClient) CreateIntent(ctx context.Context, amount int64, currency string) (string, error) {
	body := map[string]any{
		"amount":   amount,
		"currency": currency,
	}
	var resp intentResponse
	if err := c.postJSON(ctx, "/v1/intents", body, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("processor returned intent without id")
	}
	return resp.ID, nil
}

func (c *HTTPClient) Confirm(ctx context.Context, intentRef string) (IntentStatus, error) {
	var resp intentResponse
	if err := c.postJSON(ctx, "/v1/intents/"+intentRef+"/confirm", nil, &resp); err != nil {
		return "", err
	}
	return IntentStatus(resp.Status), nil
}

func (c *HTTPClient) Capture(ctx context.Context, intentRef string) error {
	return c.postJSON(ctx, "/v1/intents/"+intentRef+"/capture", nil, nil)
}

func (c *HTTPClient) Refund(ctx context.Context, intentRef string) error {
	return c.postJSON(ctx, "/v1/intents/"+intentRef+"/refund", nil, nil)
}

func (c *HTTPClient) Transfer(ctx context.Context, intentRef, destination string, amount int64) error {
	body := map[string]any{
		"destination": destination,
		"amount":      amount,
	}
	return c.postJSON(ctx, "/v1/intents/"+intentRef+"/transfer", body, nil)
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(data))
		if msg != "" {
			return fmt.Errorf("processor http status %d: %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("processor http status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
