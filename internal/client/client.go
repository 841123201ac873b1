// Package client is a Go client for the provisioner HTTP API, used by
// provisionerctl in remote mode.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
	"github.com/chiquitav2/vpn-provisioner/pkg/api"
	"github.com/google/uuid"
	"github.com/gookit/goutil"
)

// IdempotencyKeyHeader carries the caller's request id on create.
const IdempotencyKeyHeader = "Idempotency-Key"

// APIError is a non-2xx answer from the provisioner.
type APIError struct {
	Status     int
	Code       string
	Message    string
	RequestID  string
	Retryable  bool
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s: %s (status %d, request ID: %s)", e.Code, e.Message, e.Status, e.RequestID)
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Code, e.Message, e.Status)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Client talks to one provisioner instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger

	maxAttempts int
	backoff     time.Duration
	maxWait     time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetry sets the attempt count and the base of the exponential backoff
// used when the server gives no Retry-After.
func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(c *Client) {
		if maxAttempts < 1 {
			maxAttempts = 1
		}
		c.maxAttempts = maxAttempts
		c.backoff = backoff
	}
}

// WithMaxWait caps a single wait between attempts.
func WithMaxWait(d time.Duration) Option {
	return func(c *Client) { c.maxWait = d }
}

// New creates a client for baseURL. log may be nil.
func New(baseURL string, log *logger.Logger, opts ...Option) *Client {
	if log == nil {
		log = logger.NewNop()
	}
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      log.WithComponent("client"),
		maxAttempts: 3,
		backoff:     time.Second,
		maxWait:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateConfig provisions a config. An empty key gets a fresh one; the same
// key is sent on every retry so the server answers a repeat with the
// original result.
func (c *Client) CreateConfig(ctx context.Context, req api.CreateConfigRequest, idempotencyKey string) (*api.CreateConfigResponse, error) {
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	var out api.CreateConfigResponse
	err := c.doJSON(ctx, call{
		method:     http.MethodPost,
		path:       "/api/v1/configs",
		body:       req,
		headers:    map[string]string{IdempotencyKeyHeader: idempotencyKey},
		idempotent: true,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetConfig returns the public view of a config.
func (c *Client) GetConfig(ctx context.Context, id string) (*api.ConfigInfo, error) {
	var out api.ConfigInfo
	if err := c.doJSON(ctx, call{method: http.MethodGet, path: configPath(id), idempotent: true}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RenewConfig extends a config by another term. Renewal is not retried
// after a transport failure since the first attempt may have landed.
func (c *Client) RenewConfig(ctx context.Context, id string) (*api.RenewConfigResponse, error) {
	var out api.RenewConfigResponse
	if err := c.doJSON(ctx, call{method: http.MethodPost, path: configPath(id) + "/renew"}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DisableConfig turns a config off.
func (c *Client) DisableConfig(ctx context.Context, id string) (*api.TransitionResponse, error) {
	var out api.TransitionResponse
	if err := c.doJSON(ctx, call{method: http.MethodPost, path: configPath(id) + "/disable", idempotent: true}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteConfig removes a config and its device peer.
func (c *Client) DeleteConfig(ctx context.Context, id string) (*api.TransitionResponse, error) {
	var out api.TransitionResponse
	if err := c.doJSON(ctx, call{method: http.MethodDelete, path: configPath(id), idempotent: true}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClientConfig downloads the client config file text.
func (c *Client) ClientConfig(ctx context.Context, id string) (string, error) {
	body, err := c.doRaw(ctx, call{method: http.MethodGet, path: configPath(id) + "/client.conf", idempotent: true})
	return string(body), err
}

// QRCode downloads the client config as a PNG QR code.
func (c *Client) QRCode(ctx context.Context, id string) ([]byte, error) {
	return c.doRaw(ctx, call{method: http.MethodGet, path: configPath(id) + "/qr.png", idempotent: true})
}

// ListNotifications returns pending notifications, oldest first. limit 0
// uses the server default.
func (c *Client) ListNotifications(ctx context.Context, limit int) (*api.NotificationsListResponse, error) {
	path := "/api/v1/notifications"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out api.NotificationsListResponse
	if err := c.doJSON(ctx, call{method: http.MethodGet, path: path, idempotent: true}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AckNotification marks a notification delivered. It reports false when it
// was already acknowledged.
func (c *Client) AckNotification(ctx context.Context, id int64) (bool, error) {
	var out struct {
		Acked bool `json:"acked"`
	}
	path := fmt.Sprintf("/api/v1/notifications/%d/ack", id)
	if err := c.doJSON(ctx, call{method: http.MethodPost, path: path, idempotent: true}, &out); err != nil {
		return false, err
	}
	return out.Acked, nil
}

// Health returns the health report. An unhealthy service still yields the
// report together with an APIError.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	resp, err := c.once(ctx, call{method: http.MethodGet, path: "/health"})
	if err != nil {
		return nil, err
	}
	var env api.Response[api.HealthResponse]
	if err := json.Unmarshal(resp.body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	if resp.status != http.StatusOK {
		return &env.Data, &APIError{Status: resp.status, Code: "unhealthy", Message: env.Data.Status}
	}
	return &env.Data, nil
}

func configPath(id string) string {
	return "/api/v1/configs/" + url.PathEscape(id)
}

type call struct {
	method     string
	path       string
	body       any
	headers    map[string]string
	idempotent bool
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (c *Client) doJSON(ctx context.Context, cl call, out any) error {
	body, err := c.doRaw(ctx, cl)
	if err != nil {
		return err
	}
	var env api.Response[json.RawMessage]
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("failed to decode API response: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("API returned success=false without error details")
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

// doRaw runs cl with retries and returns the body of the first 2xx answer.
// Transport failures are retried only for idempotent calls; API errors only
// when the server marks them retryable.
func (c *Client) doRaw(ctx context.Context, cl call) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		resp, err := c.once(ctx, cl)
		if err == nil && resp.status < 300 {
			if attempt > 0 {
				c.logger.Debug("request succeeded after retry", "path", cl.path, "attempt", attempt+1)
			}
			return resp.body, nil
		}

		wait := c.backoff << attempt
		if err != nil {
			if !cl.idempotent || ctx.Err() != nil {
				return nil, err
			}
		} else {
			apiErr := decodeError(resp)
			if !apiErr.Retryable {
				return nil, apiErr
			}
			if apiErr.RetryAfter > 0 {
				wait = apiErr.RetryAfter
			}
			err = apiErr
		}
		lastErr = err

		if attempt == c.maxAttempts-1 {
			break
		}
		if wait > c.maxWait {
			wait = c.maxWait
		}
		c.logger.Warn("request failed, will retry", "path", cl.path, "attempt", attempt+1, "wait", wait, "error", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}
	return nil, lastErr
}

func (c *Client) once(ctx context.Context, cl call) (*response, error) {
	var body io.Reader
	if cl.body != nil {
		buf, err := json.Marshal(cl.body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, c.baseURL+cl.path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if cl.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cl.headers {
		req.Header.Set(k, v)
	}

	c.logger.Debug("making API request", "method", cl.method, "path", cl.path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

// decodeError builds an APIError from an error envelope. Bodies that are
// not envelopes still yield the status.
func decodeError(resp *response) *APIError {
	apiErr := &APIError{Status: resp.status, Code: "http_" + strconv.Itoa(resp.status), Message: http.StatusText(resp.status)}
	var env api.Response[any]
	if err := json.Unmarshal(resp.body, &env); err == nil && env.Error != nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.RequestID = env.Error.RequestID
		apiErr.Retryable = env.Error.Retryable
	}
	if v := resp.header.Get("Retry-After"); v != "" {
		if secs, err := goutil.ToInt(v); err == nil && secs >= 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return apiErr
}
