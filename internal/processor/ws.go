package processor

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gorilla/websocket"
)

// WSClient subscribes to the processor's intent event stream.
type WSClient struct {
	Endpoint string
	Conn     *websocket.Conn
}

// IntentEvent is a processor push notification about an intent.
type IntentEvent struct {
	Type      string
	IntentRef string
	Status    IntentStatus
}

const (
	EventIntentSucceeded = "intent.succeeded"
	EventIntentFailed    = "intent.payment_failed"
)

func NewWSClient(endpoint string) *WSClient {
	return &WSClient{Endpoint: endpoint}
}

func (c *WSClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, c.Endpoint, nil)
	if err != nil {
		return err
	}
	c.Conn = conn
	return nil
}

func (c *WSClient) Close() {
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
}

func (c *WSClient) Subscribe(ctx context.Context) error {
	payload := map[string]any{
		"action": "subscribe",
		"topics": []string{EventIntentSucceeded, EventIntentFailed},
	}
	return c.Conn.WriteJSON(payload)
}

func (c *WSClient) Read(ctx context.Context) ([]byte, error) {
	_, msg, err := c.Conn.ReadMessage()
	return msg, err
}

// ParseIntentEvent decodes a stream message. The second return value is
// false for messages that are not intent events (acks, heartbeats).
func ParseIntentEvent(msg []byte) (*IntentEvent, bool, error) {
	var env struct {
		Type  string          `json:"type"`
		Data  json.RawMessage `json:"data"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, false, err
	}
	if env.Error != nil {
		return nil, false, errors.New(env.Error.Message)
	}
	if env.Type != EventIntentSucceeded && env.Type != EventIntentFailed {
		return nil, false, nil
	}

	var data struct {
		IntentRef string `json:"intent_ref"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, false, err
	}
	if data.IntentRef == "" {
		return nil, false, nil
	}

	return &IntentEvent{
		Type:      env.Type,
		IntentRef: data.IntentRef,
		Status:    IntentStatus(data.Status),
	}, true, nil
}
