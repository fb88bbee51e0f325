// Package voice adapts the external voice agent service to call.VoiceAgent.
//
// The service exposes one JSON resource per call:
//
//	POST /calls                      start a call
//	POST /calls/{id}/phone-tree      navigate the phone menu
//	POST /calls/{id}/conversation    run the sales conversation
//	POST /calls/{id}/appointments    book a meeting
//	POST /calls/{id}/voicemail       leave a message
//	POST /calls/{id}/end             hang up
//	GET  /calls/{id}/metrics         live call quality
//	GET  /health
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vietddude/dialer/internal/resilience/errhandler"
)

// Config holds voice agent connection configuration.
type Config struct {
	URL            string        `yaml:"url"`
	APIKey         string        `yaml:"api_key"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Client talks to the voice agent service. It is safe for concurrent use;
// per-call state lives in Session.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	probe      *HealthProbe
	log        *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithHealthProbe adds a gRPC health probe consulted by HealthCheck.
func WithHealthProbe(p *HealthProbe) Option {
	return func(c *Client) { c.probe = p }
}

// NewClient creates a new voice agent client.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	c := &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: slog.Default().With("component", "voice"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewSession returns an agent for one call.
func (c *Client) NewSession() *Session {
	return &Session{client: c}
}

// HealthCheck reports whether the service answers /health and, when a
// probe is configured, whether its gRPC health service is SERVING.
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	var resp struct {
		Healthy bool `json:"healthy"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return false, err
	}
	if !resp.Healthy || c.probe == nil {
		return resp.Healthy, nil
	}
	return c.probe.Check(ctx)
}

// Close releases the probe connection.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	if c.probe != nil {
		return c.probe.Close()
	}
	return nil
}

type apiError struct {
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	op := method + " " + path

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts and connection failures keep their net.Error for classification.
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errhandler.Wrap(errhandler.CodeNetworkError, op, fmt.Errorf("read response: %w", err))
	}
	c.log.Debug("Voice agent request", "op", op, "status", resp.StatusCode, "latency", time.Since(start))

	if resp.StatusCode >= 300 {
		return statusError(op, resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errhandler.Wrap(errhandler.CodeVoiceProcessing, op, fmt.Errorf("parse response: %w", err))
	}
	return nil
}

// statusError maps an HTTP status to a classified error.
func statusError(op string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var ae apiError
	if json.Unmarshal(body, &ae) == nil && ae.Message != "" {
		msg = ae.Message
	}
	err := fmt.Errorf("http %d: %s", status, msg)

	var code errhandler.Code
	switch {
	case status == http.StatusUnauthorized:
		code = errhandler.CodeAuthFailed
	case status == http.StatusForbidden:
		code = errhandler.CodeUnauthorized
	case status == http.StatusTooManyRequests:
		code = errhandler.CodeRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		code = errhandler.CodeAPITimeout
	case status >= 500:
		code = errhandler.CodeNetworkError
	default:
		code = errhandler.CodeVoiceProcessing
	}
	return errhandler.Wrap(code, op, err)
}
