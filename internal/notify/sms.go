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

	"github.com/wolfman30/clinic-appointments/pkg/logging"
)

// SMSSender sends SMS messages.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

const defaultTelnyxBaseURL = "https://api.telnyx.com/v2"

// TelnyxConfig configures the Telnyx SMS sender.
type TelnyxConfig struct {
	APIKey     string
	FromNumber string
	BaseURL    string
	MaxRetries int
	Backoff    time.Duration
	HTTPClient *http.Client
}

// TelnyxSender sends SMS through the Telnyx messages endpoint, retrying
// throttled and 5xx responses with exponential backoff.
type TelnyxSender struct {
	apiKey     string
	from       string
	baseURL    string
	maxRetries int
	backoff    time.Duration
	httpClient *http.Client
	logger     *logging.Logger
}

// NewTelnyxSender returns nil when the API key or sender number is missing.
func NewTelnyxSender(cfg TelnyxConfig, logger *logging.Logger) *TelnyxSender {
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.FromNumber) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultTelnyxBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &TelnyxSender{
		apiKey:     cfg.APIKey,
		from:       cfg.FromNumber,
		baseURL:    baseURL,
		maxRetries: maxRetries,
		backoff:    backoff,
		httpClient: httpClient,
		logger:     logger,
	}
}

// SendSMS posts a message to Telnyx.
func (s *TelnyxSender) SendSMS(ctx context.Context, to, body string) error {
	if strings.TrimSpace(to) == "" || strings.TrimSpace(body) == "" {
		return errors.New("notify: sms recipient and body required")
	}
	payload, err := json.Marshal(map[string]string{
		"from": s.from,
		"to":   to,
		"text": body,
	})
	if err != nil {
		return fmt.Errorf("notify: marshal sms: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		status, err := s.post(ctx, payload)
		if err == nil {
			s.logger.Info("sms sent via telnyx", "to", to, "status", status)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		if !retryable(status) || attempt == s.maxRetries {
			break
		}
		s.logger.Warn("telnyx retry", "attempt", attempt+1, "status", status, "error", err)
		if err := s.sleep(ctx, attempt); err != nil {
			return err
		}
	}
	return lastErr
}

func (s *TelnyxSender) post(ctx context.Context, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("notify: build telnyx request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("notify: telnyx http error: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, fmt.Errorf("notify: telnyx returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}

func (s *TelnyxSender) sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(s.backoff * time.Duration(1<<attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryable treats transport errors (status 0), throttling and 5xx as transient.
func retryable(status int) bool {
	return status == 0 || status == http.StatusTooManyRequests || status >= 500
}

// StubSMSSender logs instead of sending.
type StubSMSSender struct {
	logger *logging.Logger
}

// NewStubSMSSender creates a stub SMS sender.
func NewStubSMSSender(logger *logging.Logger) *StubSMSSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &StubSMSSender{logger: logger}
}

// SendSMS logs the message.
func (s *StubSMSSender) SendSMS(ctx context.Context, to, body string) error {
	s.logger.Info("stub sms sender: would send sms", "to", to, "length", len(body))
	return nil
}
