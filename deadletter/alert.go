// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Alert describes a message that was routed to a dead-letter topic.
type Alert struct {
	Topic           string    `json:"topic"`
	DLQTopic        string    `json:"dlq_topic"`
	MessageID       string    `json:"message_id"`
	FailureReason   string    `json:"failure_reason"`
	RedeliveryCount int       `json:"redelivery_count"`
	ConsumerID      string    `json:"consumer_id,omitempty"`
	MovedToDLQAt    time.Time `json:"moved_to_dlq_at"`
}

// AlertHandler sends dead-letter alerts.
type AlertHandler interface {
	Send(ctx context.Context, alert *Alert) error
}

// HTTPAlertHandler posts alerts to a webhook as JSON.
type HTTPAlertHandler struct {
	url    string
	client *http.Client
}

// NewHTTPAlertHandler creates a new HTTP alert handler.
func NewHTTPAlertHandler(url string, timeout time.Duration) *HTTPAlertHandler {
	return &HTTPAlertHandler{
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Send posts the alert to the configured webhook URL.
func (h *HTTPAlertHandler) Send(ctx context.Context, alert *Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}

	return nil
}

// NoOpAlertHandler discards alerts.
type NoOpAlertHandler struct{}

// Send does nothing.
func (NoOpAlertHandler) Send(context.Context, *Alert) error {
	return nil
}
