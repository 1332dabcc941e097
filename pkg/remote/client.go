// Package remote talks to the agent gateway: the HTTP service fronting the
// code-generation agent, the analysis model and the web evaluator.
//
// All calls are JSON over HTTP with a bearer token. Requests are retried on
// connection errors, 429 and 5xx responses.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/devloop/pkg/engine"
)

const (
	serviceName  = "agent-gateway"
	maxErrorBody = 4 << 10
)

// Client is a gateway client. It implements engine.AgentService,
// engine.Analyzer and engine.WebEvaluator.
type Client struct {
	baseURL *url.URL
	token   string
	http    *retryablehttp.Client
	logger  zerolog.Logger
}

var (
	_ engine.AgentService = (*Client)(nil)
	_ engine.Analyzer     = (*Client)(nil)
	_ engine.WebEvaluator = (*Client)(nil)
)

// Config configures a Client.
type Config struct {
	// BaseURL is the gateway root, e.g. https://agents.example.com.
	BaseURL string

	// Token is sent as a bearer token. Empty disables authentication.
	Token string

	// Timeout bounds each HTTP attempt.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// RetryWaitMin and RetryWaitMax bound the backoff between attempts.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// New creates a gateway client.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("remote: base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("remote: invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("remote: unsupported scheme %q", base.Scheme)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("remote: max retries must be non-negative, got %d", cfg.MaxRetries)
	}

	logger = logger.With().Str("component", "remote").Logger()

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.MaxRetries
	if cfg.RetryWaitMin > 0 {
		rc.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		rc.RetryWaitMax = cfg.RetryWaitMax
	}
	if cfg.Timeout > 0 {
		rc.HTTPClient.Timeout = cfg.Timeout
	}
	rc.Logger = leveledLogger{logger: logger}
	// Hand the last response back so its status can be classified.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		baseURL: base,
		token:   cfg.Token,
		http:    rc,
		logger:  logger,
	}, nil
}

// do sends in as JSON and decodes the response into out. Non-2xx responses
// become classified engine errors.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	endpoint := c.baseURL.ResolveReference(&url.URL{Path: strings.TrimPrefix(path, "/")})

	var body interface{}
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("remote: failed to encode request: %w", err)
		}
		body = data
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return fmt.Errorf("remote: failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return engine.NewTransientError("agent gateway unreachable", err).
			WithService(serviceName).WithOperation(method + " " + path).WithCode(engine.ErrCodeUnavailable)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Gateway call finished")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if ee := engine.ClassifyHTTPStatus(resp.StatusCode, errorMessage(resp)); ee != nil {
			return ee.WithService(serviceName).WithOperation(method + " " + path).WithDetail("status", resp.StatusCode)
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return engine.NewPermanentError("malformed gateway response", err).
			WithService(serviceName).WithOperation(method + " " + path).WithCode(engine.ErrCodeMalformed)
	}
	return nil
}

// errorMessage extracts {"error": "..."} or {"message": "..."} from an error body.
func errorMessage(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &payload) == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	if text := strings.TrimSpace(string(bytes.ToValidUTF8(data, nil))); text != "" {
		return text
	}
	return resp.Status
}

// leveledLogger adapts zerolog to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger zerolog.Logger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Trace().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}
