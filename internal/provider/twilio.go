package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// TwilioConfig holds Twilio REST API credentials.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string

	// StatusCallbackURL receives delivery receipts for every message.
	StatusCallbackURL string

	// BaseURL overrides the API host in tests. Empty means production.
	BaseURL string
}

const twilioAPIBase = "https://api.twilio.com"

// Twilio sends SMS through the Twilio Messages API.
type Twilio struct {
	cfg        TwilioConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewTwilio creates a Twilio provider.
func NewTwilio(cfg TwilioConfig, logger *zap.Logger) *Twilio {
	if cfg.BaseURL == "" {
		cfg.BaseURL = twilioAPIBase
	}
	return &Twilio{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger,
	}
}

// Name identifies the provider in job rows and cost lookups.
func (t *Twilio) Name() string { return "twilio" }

type twilioResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Send posts one message to the Twilio REST API. A 4xx answer is a
// rejection; a 5xx answer or transport error is an outage.
func (t *Twilio) Send(ctx context.Context, from, to, body string) (*SendResult, error) {
	form := url.Values{}
	form.Set("From", from)
	form.Set("To", to)
	form.Set("Body", body)
	if t.cfg.StatusCallbackURL != "" {
		form.Set("StatusCallback", t.cfg.StatusCallbackURL)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.cfg.BaseURL, t.cfg.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build twilio request: %w", err)
	}
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.logger.Error("twilio request failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	var parsed twilioResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil && resp.StatusCode < 300 {
		return nil, fmt.Errorf("%w: undecodable response", ErrUnavailable)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &SendResult{MessageID: parsed.SID}, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		t.logger.Warn("twilio rejected message",
			zap.Int("status", resp.StatusCode),
			zap.Int("twilio_code", parsed.Code),
			zap.String("message", parsed.Message),
		)
		return nil, fmt.Errorf("%w: twilio %d %s", ErrRejected, parsed.Code, parsed.Message)

	default:
		t.logger.Error("twilio server error",
			zap.Int("status", resp.StatusCode),
			zap.String("message", parsed.Message),
		)
		return nil, fmt.Errorf("%w: twilio status %d", ErrUnavailable, resp.StatusCode)
	}
}
