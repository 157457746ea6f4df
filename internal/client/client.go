// Package client talks to counterparty OCPI endpoints.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/balu-dk/go-ocpi/internal/helper"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
)

const (
	HeaderRequestID     = "X-Request-ID"
	HeaderCorrelationID = "X-Correlation-ID"
)

type correlationKey struct{}

// WithCorrelationID attaches a correlation id propagated on outbound calls
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation id carried by ctx, if any
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// RemoteError is returned when a counterparty answers with a non-success envelope
type RemoteError struct {
	HTTPStatus int
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("counterparty returned http %d, ocpi status %d: %s", e.HTTPStatus, e.StatusCode, e.Message)
}

// Config tunes the outbound client
type Config struct {
	// RateLimit caps outbound requests per second; zero disables limiting
	RateLimit float64
	// RetryMax is the retry budget of idempotent calls
	RetryMax int
	// Timeout bounds a single attempt
	Timeout time.Duration
}

// Client is the outbound OCPI client. Calls that must not be repeated, such
// as command dispatch and registration, go through a plain pooled client.
type Client struct {
	once    *http.Client
	retry   *retryablehttp.Client
	limiter *rate.Limiter
	log     *logrus.Entry
}

// New creates a client
func New(cfg Config) *Client {
	log := logrus.WithField("component", "ocpi-client")

	httpClient := cleanhttp.DefaultPooledClient()
	if cfg.Timeout > 0 {
		httpClient.Timeout = cfg.Timeout
	}

	retry := retryablehttp.NewClient()
	retry.HTTPClient = httpClient
	retry.RetryMax = cfg.RetryMax
	retry.RetryWaitMin = 200 * time.Millisecond
	retry.RetryWaitMax = 5 * time.Second
	retry.Backoff = retryablehttp.RateLimitLinearJitterBackoff
	retry.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retry.Logger = &leveledLogger{log}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Client{
		once:    httpClient,
		retry:   retry,
		limiter: limiter,
		log:     log,
	}
}

// Do sends an OCPI request and decodes the envelope's data into out.
// With retry set the request is repeated on transport errors and 5xx answers.
func (c *Client) Do(ctx context.Context, method, url, token string, body, out interface{}, retry bool) (*ocpi.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "application/json")
	if token != "" {
		header.Set("Authorization", "Token "+token)
	}
	requestID := helper.GenerateRequestID()
	header.Set(HeaderRequestID, requestID)
	correlationID := CorrelationID(ctx)
	if correlationID == "" {
		correlationID = requestID
	}
	header.Set(HeaderCorrelationID, correlationID)

	log := c.log.WithFields(logrus.Fields{
		"method":     method,
		"url":        url,
		"request_id": requestID,
	})

	var resp *http.Response
	var err error
	if retry {
		var req *retryablehttp.Request
		req, err = retryablehttp.NewRequestWithContext(ctx, method, url, payload)
		if err != nil {
			return nil, err
		}
		req.Header = header
		resp, err = c.retry.Do(req)
	} else {
		var req *http.Request
		req, err = http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header = header
		resp, err = c.once.Do(req)
	}
	if err != nil {
		log.WithError(err).Warn("Outbound request failed")
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var envelope struct {
		Data          json.RawMessage `json:"data"`
		StatusCode    int             `json:"status_code"`
		StatusMessage string          `json:"status_message"`
		Timestamp     time.Time       `json:"timestamp"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return nil, &RemoteError{HTTPStatus: resp.StatusCode, Message: "response is not an OCPI envelope"}
		}
	}

	result := &ocpi.Response{
		StatusCode:    envelope.StatusCode,
		StatusMessage: envelope.StatusMessage,
		Timestamp:     envelope.Timestamp,
	}
	if resp.StatusCode >= 300 || !result.OK() {
		log.WithFields(logrus.Fields{
			"http_status": resp.StatusCode,
			"status_code": envelope.StatusCode,
		}).Warn("Counterparty rejected request")
		return result, &RemoteError{HTTPStatus: resp.StatusCode, StatusCode: envelope.StatusCode, Message: envelope.StatusMessage}
	}

	if out != nil && len(envelope.Data) > 0 && string(envelope.Data) != "null" {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return result, fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	result.Data = out

	log.Debug("Outbound request succeeded")
	return result, nil
}

// GetVersions fetches a counterparty's versions list
func (c *Client) GetVersions(ctx context.Context, url, token string) ([]ocpi.VersionInfo, error) {
	var versions []ocpi.VersionInfo
	if _, err := c.Do(ctx, http.MethodGet, url, token, nil, &versions, true); err != nil {
		return nil, err
	}
	return versions, nil
}

// GetVersionDetails fetches the endpoints of one version
func (c *Client) GetVersionDetails(ctx context.Context, url, token string) (*ocpi.VersionDetails, error) {
	details := &ocpi.VersionDetails{}
	if _, err := c.Do(ctx, http.MethodGet, url, token, nil, details, true); err != nil {
		return nil, err
	}
	return details, nil
}

// PostCredentials registers with a counterparty. It is never retried.
func (c *Client) PostCredentials(ctx context.Context, url, token string, own *ocpi.Credentials) (*ocpi.Credentials, error) {
	theirs := &ocpi.Credentials{}
	if _, err := c.Do(ctx, http.MethodPost, url, token, own, theirs, false); err != nil {
		return nil, err
	}
	return theirs, nil
}

// PutCredentials asks a counterparty to rotate. It is never retried.
func (c *Client) PutCredentials(ctx context.Context, url, token string, own *ocpi.Credentials) (*ocpi.Credentials, error) {
	theirs := &ocpi.Credentials{}
	if _, err := c.Do(ctx, http.MethodPut, url, token, own, theirs, false); err != nil {
		return nil, err
	}
	return theirs, nil
}

// PostCommand issues a command. It is never retried.
func (c *Client) PostCommand(ctx context.Context, url, token string, req *ocpi.CommandRequest) (*ocpi.CommandResponse, error) {
	resp := &ocpi.CommandResponse{}
	if _, err := c.Do(ctx, http.MethodPost, url, token, req, resp, false); err != nil {
		return nil, err
	}
	return resp, nil
}

// PostCommandResult delivers an asynchronous command result with retries
func (c *Client) PostCommandResult(ctx context.Context, url, token string, result *ocpi.CommandResult) error {
	_, err := c.Do(ctx, http.MethodPost, url, token, result, nil, true)
	return err
}

// PostJSON posts an arbitrary document with retries and without OCPI envelope handling
func (c *Client) PostJSON(ctx context.Context, url string, body interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode webhook body: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderRequestID, helper.GenerateRequestID())

	resp, err := c.retry.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned http %d", resp.StatusCode)
	}
	return nil
}

// leveledLogger adapts logrus to retryablehttp.LeveledLogger
type leveledLogger struct {
	entry *logrus.Entry
}

func (l *leveledLogger) fields(keysAndValues []interface{}) *logrus.Entry {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return l.entry.WithFields(fields)
}

func (l *leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Error(msg)
}

func (l *leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Debug(msg)
}

func (l *leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Debug(msg)
}

func (l *leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Warn(msg)
}
