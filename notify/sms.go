package notify

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

	"github.com/MrEthical07/tenantauth"
)

const defaultTimeout = 15 * time.Second

// ErrGatewayNotConfigured is returned by SendOTP when no API key is set.
var ErrGatewayNotConfigured = errors.New("sms: API key not configured")

var _ tenantauth.Notifier = (*SMSGateway)(nil)

// SMSGateway sends OTP messages through a JSON SMS API using route=otp.
type SMSGateway struct {
	APIKey     string
	BaseURL    string
	Sender     string
	HTTPClient *http.Client
}

// NewSMSGateway returns a gateway client. An empty baseURL selects the
// SMS Local bulk endpoint.
func NewSMSGateway(apiKey, baseURL, sender string) *SMSGateway {
	if baseURL == "" {
		baseURL = "https://www.smslocal.com/dev/bulkV2"
	}
	return &SMSGateway{
		APIKey:     apiKey,
		BaseURL:    baseURL,
		Sender:     sender,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
	}
}

type smsRequest struct {
	Route     string `json:"route"`
	Numbers   string `json:"numbers"`
	Variables string `json:"variables"`
	Sender    string `json:"sender_id,omitempty"`
}

// SendOTP posts code to mobile. The gateway expects digits only, so the
// leading '+' of the E.164 number is dropped.
func (g *SMSGateway) SendOTP(ctx context.Context, mobile, code string) error {
	if g.APIKey == "" {
		return ErrGatewayNotConfigured
	}
	raw, err := json.Marshal(smsRequest{
		Route:     "otp",
		Numbers:   strings.TrimPrefix(mobile, "+"),
		Variables: code,
		Sender:    g.Sender,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", g.APIKey)

	client := g.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("sms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sms: request failed status=%d body=%s", resp.StatusCode, string(b))
	}
	return nil
}
