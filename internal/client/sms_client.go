package client

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

	"go.uber.org/zap"

	"phone-auth-service/internal/config"
	"phone-auth-service/internal/util"
)

var (
	ErrSMSNotConfigured = errors.New("SMS service not configured")
	ErrSMSRejected      = errors.New("SMS gateway rejected the message")
)

// SMSSender delivers one text message to a canonical phone number.
type SMSSender interface {
	Send(ctx context.Context, phone, message string) error
}

// AuthenticaClient talks to the Authentica v2 send-sms endpoint.
type AuthenticaClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	senderID   string
}

type authenticaRequest struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
	SenderID  string `json:"sender_id"`
}

type authenticaResponse struct {
	Success *bool  `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

func NewAuthenticaClient(cfg config.SMSConfig) *AuthenticaClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AuthenticaClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		senderID:   cfg.SenderID,
	}
}

func (c *AuthenticaClient) Send(ctx context.Context, phone, message string) error {
	if c.apiKey == "" {
		return ErrSMSNotConfigured
	}

	body, err := json.Marshal(authenticaRequest{
		Recipient: phone,
		Message:   message,
		SenderID:  c.senderID,
	})
	if err != nil {
		return fmt.Errorf("encode sms request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v2/send-sms", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var parsed authenticaResponse
	_ = json.Unmarshal(raw, &parsed) // body may be empty or non-JSON

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reason := parsed.Message
		if reason == "" {
			reason = resp.Status
		}
		return fmt.Errorf("%w: %s", ErrSMSRejected, reason)
	}
	if parsed.Success != nil && !*parsed.Success {
		return fmt.Errorf("%w: %s", ErrSMSRejected, parsed.Message)
	}

	util.Debug("SMS accepted by gateway", zap.String("phone", util.MaskPhone(phone)))
	return nil
}

// LogSender writes messages to the log instead of sending them. Local runs only.
type LogSender struct{}

func (LogSender) Send(_ context.Context, phone, message string) error {
	util.Info("SMS (log provider)", zap.String("phone", phone), zap.String("message", message))
	return nil
}

// NewSMSSender picks the provider named in cfg.
func NewSMSSender(cfg config.SMSConfig) (SMSSender, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "authentica":
		return NewAuthenticaClient(cfg), nil
	case "log":
		return LogSender{}, nil
	default:
		return nil, fmt.Errorf("unknown SMS provider %q", cfg.Provider)
	}
}
