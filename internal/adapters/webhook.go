package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookAdapter performs a real outbound HTTP call with a bounded
// client timeout and JSON body/response handling, for custom-action
// steps and webhook notifications.
type WebhookAdapter struct {
	logger *zap.Logger
	client *http.Client
}

func NewWebhookAdapter(logger *zap.Logger) *WebhookAdapter {
	return &WebhookAdapter{
		logger: logger,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (w *WebhookAdapter) Execute(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	url, ok := input["url"].(string)
	if !ok || url == "" {
		return nil, fmt.Errorf("adapters: webhook requires \"url\"")
	}
	method := "POST"
	if m, ok := input["method"].(string); ok && m != "" {
		method = m
	}

	var body io.Reader
	if payload, ok := input["payload"]; ok {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("adapters: marshal webhook payload: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("adapters: build webhook request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	// receivers dedupe on (executionId, stepId), so a retried step
	// re-sends the same key.
	executionID, _ := input["executionId"].(string)
	stepID, _ := input["stepId"].(string)
	if executionID != "" && stepID != "" {
		req.Header.Set("Idempotency-Key", executionID+":"+stepID)
	}
	if headers, ok := input["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	w.logger.Info("webhook dispatch", zap.String("method", method), zap.String("url", url))

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("adapters: webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("adapters: read webhook response: %w", err)
	}
	var decoded interface{}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &decoded); err != nil {
			decoded = string(respBody)
		}
	}

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	result := map[string]interface{}{
		"statusCode": resp.StatusCode,
		"body":       decoded,
		"success":    success,
	}
	if !success {
		return result, fmt.Errorf("adapters: webhook returned status %d", resp.StatusCode)
	}
	return result, nil
}
