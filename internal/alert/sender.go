package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/riskgate/internal/metrics"
	"github.com/Checker-Finance/riskgate/internal/rate"
	"github.com/Checker-Finance/riskgate/pkg/secrets"
	"github.com/Checker-Finance/riskgate/pkg/utils"
)

// Backoff returns the retry sleep duration for the given attempt number.
func Backoff(attempt int) time.Duration {
	switch attempt {
	case 0:
		return 100 * time.Millisecond
	case 1:
		return 250 * time.Millisecond
	default:
		return 500 * time.Millisecond
	}
}

// Sender delivers alert messages to a webhook with pacing and retries.
type Sender struct {
	logger   *zap.Logger
	limiter  *rate.Limiter
	http     *http.Client
	retryMax int

	// webhookURL is the static fallback; when secretID is set the URL is
	// resolved from the secrets provider at send time so rotations take
	// effect without a restart.
	webhookURL string
	secretID   string
	provider   secrets.Provider
}

// SenderConfig configures webhook delivery.
type SenderConfig struct {
	WebhookURL string
	SecretID   string
	RetryMax   int
}

func NewSender(logger *zap.Logger, cfg SenderConfig, provider secrets.Provider, httpClient *http.Client) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Sender{
		logger:     logger,
		limiter:    rate.New(rate.Config{RequestsPerSecond: 2, Burst: 5}),
		http:       httpClient,
		retryMax:   cfg.RetryMax,
		webhookURL: cfg.WebhookURL,
		secretID:   cfg.SecretID,
		provider:   provider,
	}
}

func (s *Sender) resolveURL(ctx context.Context) (string, error) {
	if s.secretID == "" || s.provider == nil {
		return s.webhookURL, nil
	}
	secret, err := s.provider.GetSecret(ctx, s.secretID)
	if err != nil {
		if s.webhookURL != "" {
			s.logger.Warn("alert.secret_fetch_failed_using_fallback", zap.Error(err))
			return s.webhookURL, nil
		}
		return "", fmt.Errorf("resolve webhook url: %w", err)
	}
	if url, ok := secret["webhook_url"]; ok && url != "" {
		return url, nil
	}
	if s.webhookURL != "" {
		return s.webhookURL, nil
	}
	return "", fmt.Errorf("secret %s missing webhook_url", s.secretID)
}

// Send posts one alert message, retrying transient failures with backoff.
// Returns an error only once all attempts are exhausted; the coordinator
// logs that as a permanent failure rather than requeueing the alert.
func (s *Sender) Send(ctx context.Context, correlationID, text string) error {
	url, err := s.resolveURL(ctx)
	if err != nil {
		return err
	}
	if url == "" {
		s.logger.Debug("alert.webhook_unconfigured", zap.String("text", text))
		return nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= s.retryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(Backoff(attempt - 1)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build alert request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		start := time.Now()
		resp, err := s.http.Do(req)
		if err != nil {
			lastErr = err
			s.logger.Warn("alert.http_failed",
				zap.String("webhook", utils.MaskWebhook(url)),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("webhook returned %d", resp.StatusCode)
			s.logger.Warn("alert.server_error",
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt),
				zap.Duration("latency", time.Since(start)))
			continue
		}
		if resp.StatusCode >= 400 {
			// Client errors do not heal with retries.
			metrics.IncAlert("rejected")
			return fmt.Errorf("webhook rejected alert: %d: %s", resp.StatusCode, string(body))
		}

		s.logger.Debug("alert.delivered",
			zap.String("correlation_id", correlationID),
			zap.Int("status", resp.StatusCode),
			zap.Duration("latency", time.Since(start)))
		metrics.IncAlert("delivered")
		return nil
	}

	metrics.IncAlert("failed")
	return fmt.Errorf("alert delivery failed after %d attempts: %w", s.retryMax+1, lastErr)
}
