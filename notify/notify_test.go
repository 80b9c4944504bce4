package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewSMSGatewayDefaults(t *testing.T) {
	g := NewSMSGateway("api-key", "", "")
	assert.Equal(t, "https://www.smslocal.com/dev/bulkV2", g.BaseURL)
	require.NotNil(t, g.HTTPClient)
	assert.Equal(t, defaultTimeout, g.HTTPClient.Timeout)
}

func TestSMSGatewaySendOTP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "test-api-key", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "otp", body["route"])
		assert.Equal(t, "15551234567", body["numbers"])
		assert.Equal(t, "123456", body["variables"])
		assert.Equal(t, "ACME", body["sender_id"])

		_, _ = w.Write([]byte(`{"status":"success"}`))
	}))
	defer server.Close()

	g := NewSMSGateway("test-api-key", server.URL, "ACME")
	require.NoError(t, g.SendOTP(context.Background(), "+15551234567", "123456"))
}

func TestSMSGatewayErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid number"}`))
	}))
	defer server.Close()

	err := NewSMSGateway("", server.URL, "").SendOTP(context.Background(), "+1555", "123456")
	assert.ErrorIs(t, err, ErrGatewayNotConfigured)

	err = NewSMSGateway("key", server.URL, "").SendOTP(context.Background(), "+15551234567", "123456")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=400")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = NewSMSGateway("key", server.URL, "").SendOTP(ctx, "+15551234567", "123456")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	require.NoError(t, NewLogNotifier(zap.New(core), false).SendOTP(context.Background(), "+15551234567", "123456"))
	entries := logs.TakeAll()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "+*******4567", fields["mobile"])
	assert.NotContains(t, fields, "code")

	require.NoError(t, NewLogNotifier(zap.New(core), true).SendOTP(context.Background(), "+15551234567", "123456"))
	assert.Equal(t, "123456", logs.TakeAll()[0].ContextMap()["code"])

	require.NoError(t, NewLogNotifier(nil, true).SendOTP(context.Background(), "+1", "1"))
}

func TestMaskMobile(t *testing.T) {
	assert.Equal(t, "****", maskMobile("123"))
	assert.Equal(t, "+*******4567", maskMobile("+15551234567"))
}
