package uploader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"energymeter/backend/libs/auth"
	"energymeter/backend/services/meter-agent/internal/models"
)

const readingsPath = "/internal/meter/readings"

// HTTPUploader posts batches to the ingest service.
type HTTPUploader struct {
	baseURL string
	client  *http.Client
	tokens  *auth.TokenService
	logger  *zap.Logger
}

// NewHTTPUploader returns client wrapper. A nil token service disables the Authorization header.
func NewHTTPUploader(baseURL string, tokens *auth.TokenService, logger *zap.Logger) *HTTPUploader {
	return &HTTPUploader{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		tokens: tokens,
		logger: logger,
	}
}

// Send implements Uploader.
func (u *HTTPUploader) Send(ctx context.Context, deviceID string, batch []models.Reading) error {
	if len(batch) == 0 {
		return nil
	}
	if u.baseURL == "" {
		return Retryable(fmt.Errorf("ingest url is not configured"))
	}

	data, err := encodeBatch(deviceID, batch)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+readingsPath, bytes.NewReader(data))
	if err != nil {
		return Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if u.tokens != nil {
		token, err := u.tokens.GenerateToken(deviceID)
		if err != nil {
			return Retryable(fmt.Errorf("sign device token: %w", err))
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := u.client.Do(httpReq)
	if err != nil {
		u.logger.Warn("ingest request failed", zap.Error(err))
		return Retryable(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 300 {
		return nil
	}

	statusErr := fmt.Errorf("ingest returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	u.logger.Warn("ingest returned non-success", zap.Int("status", resp.StatusCode), zap.Int("batch", len(batch)))
	return classifyStatus(resp.StatusCode, statusErr)
}

// classifyStatus treats rejections of the payload as permanent. Auth failures stay
// retryable since they are fixed by configuration, not by dropping data.
func classifyStatus(status int, err error) error {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status == http.StatusUnauthorized,
		status == http.StatusForbidden,
		status >= 500:
		return Retryable(err)
	case status >= 400:
		return Permanent(err)
	default:
		return Retryable(err)
	}
}
