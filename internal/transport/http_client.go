package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http2"

	"github.com/clinsync/clinsync/internal/config"
	"github.com/clinsync/clinsync/internal/events"
	"github.com/clinsync/clinsync/internal/models"
)

// HTTPClient handles HTTP communication with the sync endpoint.
type HTTPClient struct {
	client   *http.Client
	baseURL  string
	token    string
	deviceID string
	logger   *events.Logger

	maxRetries int
	retryDelay time.Duration
}

// NewHTTPClient creates an HTTP client.
func NewHTTPClient(cfg *config.RemoteConfig, logger *events.Logger) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		baseURL:    cfg.BaseURL,
		token:      cfg.AuthToken,
		deviceID:   cfg.DeviceID,
		maxRetries: cfg.MaxRetries,
		retryDelay: retryDelay,
		logger:     logger.WithField("component", "http_client"),
	}
}

// SetToken sets the bearer token.
func (c *HTTPClient) SetToken(token string) {
	c.token = token
}

type pushRequest struct {
	DeviceID   string                 `json:"device_id"`
	Operations []models.PushOperation `json:"operations"`
}

type pushResponse struct {
	Outcomes []models.PushOutcome `json:"outcomes"`
}

// Push submits a batch of operations.
func (c *HTTPClient) Push(ctx context.Context, batch []models.PushOperation) ([]models.PushOutcome, error) {
	body, err := json.Marshal(pushRequest{DeviceID: c.deviceID, Operations: batch})
	if err != nil {
		return nil, fmt.Errorf("marshal push batch: %w", err)
	}

	c.logger.WithField("operations", len(batch)).Debug("Pushing batch")

	respBody, err := c.doJSON(ctx, http.MethodPost, "/api/v1/sync/push", body)
	if err != nil {
		return nil, err
	}

	var resp pushResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, models.PermanentSyncError("push", "", "", fmt.Errorf("parse push response: %w", err))
	}

	if len(resp.Outcomes) != len(batch) {
		return nil, models.PermanentSyncError("push", "", "",
			fmt.Errorf("remote returned %d outcomes for %d operations", len(resp.Outcomes), len(batch)))
	}

	return resp.Outcomes, nil
}

type pullResponse struct {
	Changes []models.ChangeRecord `json:"changes"`
}

// Pull fetches remote changes since the given time.
func (c *HTTPClient) Pull(ctx context.Context, since time.Time) ([]models.ChangeRecord, error) {
	path := "/api/v1/sync/changes"
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}

	c.logger.WithField("since", since).Debug("Pulling changes")

	respBody, err := c.doJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var resp pullResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, models.PermanentSyncError("pull", "", "", fmt.Errorf("parse pull response: %w", err))
	}

	return resp.Changes, nil
}

// doJSON executes a request with retry, classifying failures as transient
// or permanent.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	phase := "push"
	if method == http.MethodGet {
		phase = "pull"
	}

	var respBody []byte
	err := c.retry(ctx, func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return models.PermanentSyncError(phase, "", "", fmt.Errorf("create request: %w", err))
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Device-ID", c.deviceID)
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		httpResp, err := c.client.Do(req)
		if err != nil {
			return models.TransientSyncError(phase, "", "", err)
		}
		defer httpResp.Body.Close()

		data, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return models.TransientSyncError(phase, "", "", fmt.Errorf("read response: %w", err))
		}

		if isRetryableStatus(httpResp.StatusCode) {
			return models.TransientSyncError(phase, "", "",
				fmt.Errorf("server error %d: %s", httpResp.StatusCode, data))
		}
		if httpResp.StatusCode != http.StatusOK {
			return models.PermanentSyncError(phase, "", "",
				fmt.Errorf("HTTP %d: %s", httpResp.StatusCode, data))
		}

		respBody = data
		return nil
	})
	if err != nil {
		return nil, err
	}

	return respBody, nil
}

// retry executes fn with exponential backoff on transient failures.
func (c *HTTPClient) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := c.retryDelay

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WithFields(map[string]interface{}{
				"attempt": attempt,
				"delay":   delay,
			}).Debug("Retrying request")

			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		var syncErr *models.SyncError
		if !errors.As(err, &syncErr) || !syncErr.IsTransient() {
			return err
		}
	}

	return lastErr
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		(status >= 500 && status < 600)
}
