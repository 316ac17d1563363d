// Package email delivers OTP messages through a templated-email HTTP API, directly or via Kafka.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"device-auth-service/internal/config"
	"device-auth-service/internal/otp"
)

var ErrNotConfigured = errors.New("email service is not configured")

type templateRequest struct {
	ServiceID      string      `json:"service_id"`
	TemplateID     string      `json:"template_id"`
	UserID         string      `json:"user_id"`
	TemplateParams otp.Message `json:"template_params"`
}

// HTTPSender posts messages to an EmailJS-compatible send endpoint.
type HTTPSender struct {
	url        string
	serviceID  string
	templateID string
	publicKey  string
	client     *http.Client
	logger     *zap.Logger
}

func NewHTTPSender(cfg config.EmailConfig, logger *zap.Logger) *HTTPSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSender{
		url:        cfg.APIURL,
		serviceID:  cfg.ServiceID,
		templateID: cfg.TemplateID,
		publicKey:  cfg.PublicKey,
		client:     &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (s *HTTPSender) Configured() bool {
	return s.url != "" && s.serviceID != "" && s.templateID != "" && s.publicKey != ""
}

func (s *HTTPSender) SendCode(ctx context.Context, msg otp.Message) error {
	if !s.Configured() {
		return ErrNotConfigured
	}

	body, err := json.Marshal(templateRequest{
		ServiceID:      s.serviceID,
		TemplateID:     s.templateID,
		UserID:         s.publicKey,
		TemplateParams: msg,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("email request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("email API returned %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	s.logger.Debug("email accepted by provider", zap.Int("status", resp.StatusCode))
	return nil
}
