package adapters_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mdasrafkhan/reactor/internal/adapters"
)

func TestRegistry_DefaultAdaptersAreRegistered(t *testing.T) {
	reg := adapters.NewRegistry(zap.NewNop())
	for _, name := range []string{"send_email", "send_sms", "send_mail", "webhook", "log"} {
		_, err := reg.Get(name)
		assert.NoError(t, err, "adapter %q", name)
	}
	_, err := reg.Get("carrier_pigeon")
	assert.Error(t, err)
}

func TestEmailAdapter_RequiresRecipient(t *testing.T) {
	a := adapters.NewEmailAdapter(zap.NewNop())

	_, err := a.Execute(context.Background(), map[string]interface{}{"templateId": "t1"})
	assert.Error(t, err)

	result, err := a.Execute(context.Background(), map[string]interface{}{
		"to":         "a@example.com",
		"templateId": "welcome",
		"subject":    "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", result["to"])
	assert.Equal(t, true, result["delivered"])
}

func TestSmsAdapter_RequiresRecipient(t *testing.T) {
	a := adapters.NewSmsAdapter(zap.NewNop())

	_, err := a.Execute(context.Background(), map[string]interface{}{"body": "hello"})
	assert.Error(t, err)

	result, err := a.Execute(context.Background(), map[string]interface{}{"to": "+1555", "body": "hello"})
	require.NoError(t, err)
	assert.Equal(t, true, result["delivered"])
}

func TestLogAdapter_RequiresMessage(t *testing.T) {
	a := adapters.NewLogAdapter(zap.NewNop())

	_, err := a.Execute(context.Background(), map[string]interface{}{"level": "info"})
	assert.Error(t, err)

	result, err := a.Execute(context.Background(), map[string]interface{}{
		"message": "step reached",
		"level":   "warn",
		"fields":  map[string]interface{}{"userId": "u1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "warn", result["level"])
}

func TestWebhookAdapter_PostsPayloadAndDecodesResponse(t *testing.T) {
	var gotMethod, gotContentType, gotIdempotencyKey string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		gotIdempotencyKey = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"received": true}`))
	}))
	defer srv.Close()

	a := adapters.NewWebhookAdapter(zap.NewNop())
	result, err := a.Execute(context.Background(), map[string]interface{}{
		"url":         srv.URL,
		"payload":     map[string]interface{}{"event": "step_reached"},
		"headers":     map[string]interface{}{"X-Request-Source": "reactor"},
		"executionId": "e1",
		"stepId":      "step_3",
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "e1:step_3", gotIdempotencyKey)
	assert.Equal(t, "step_reached", gotBody["event"])
	assert.Equal(t, 200, result["statusCode"])
	assert.Equal(t, true, result["success"])
}

func TestWebhookAdapter_NonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	a := adapters.NewWebhookAdapter(zap.NewNop())
	result, err := a.Execute(context.Background(), map[string]interface{}{"url": srv.URL})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, result["statusCode"])
	assert.Equal(t, false, result["success"])
}

func TestWebhookAdapter_RequiresURL(t *testing.T) {
	a := adapters.NewWebhookAdapter(zap.NewNop())
	_, err := a.Execute(context.Background(), map[string]interface{}{})
	assert.Error(t, err)
}
