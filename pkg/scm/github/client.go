// Package github implements engine.SourceControl on the GitHub REST API.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	gogithub "github.com/google/go-github/v57/github"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/openfroyo/devloop/pkg/engine"
)

const serviceName = "github"

// Client is a SourceControl backed by go-github. Idempotent calls are
// retried on transient and rate-limit errors; merges only on rate limits.
type Client struct {
	gh             *gogithub.Client
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         zerolog.Logger
}

var _ engine.SourceControl = (*Client)(nil)

type options struct {
	baseURL        string
	httpClient     *http.Client
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         zerolog.Logger
}

// Option configures a Client.
type Option func(*options)

// WithBaseURL points the client at a GitHub Enterprise server.
func WithBaseURL(baseURL string) Option {
	return func(o *options) { o.baseURL = baseURL }
}

// WithHTTPClient sets the HTTP client the oauth2 transport wraps.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithMaxRetries sets how many times a failed call is retried.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithBackoff sets the retry backoff bounds.
func WithBackoff(initial, max time.Duration) Option {
	return func(o *options) {
		o.initialBackoff = initial
		o.maxBackoff = max
	}
}

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New creates a GitHub client authenticated with token.
func New(ctx context.Context, token string, opts ...Option) (*Client, error) {
	if token == "" {
		return nil, errors.New("github: token is required")
	}

	o := options{
		maxRetries:     3,
		initialBackoff: time.Second,
		maxBackoff:     30 * time.Second,
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxRetries < 0 {
		return nil, fmt.Errorf("github: max retries must be non-negative, got %d", o.maxRetries)
	}

	if o.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	gh := gogithub.NewClient(oauth2.NewClient(ctx, ts))

	if o.baseURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(o.baseURL, o.baseURL)
		if err != nil {
			return nil, fmt.Errorf("github: invalid base URL: %w", err)
		}
	}

	return &Client{
		gh:             gh,
		maxRetries:     o.maxRetries,
		initialBackoff: o.initialBackoff,
		maxBackoff:     o.maxBackoff,
		logger:         o.logger.With().Str("component", "github").Logger(),
	}, nil
}

// GetPullRequest fetches a pull request.
func (c *Client) GetPullRequest(ctx context.Context, repo string, number int) (*engine.PullRequest, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	pr, err := call(ctx, c, "get-pull-request", true, func() (*gogithub.PullRequest, *gogithub.Response, error) {
		return c.gh.PullRequests.Get(ctx, owner, name, number)
	})
	if err != nil {
		return nil, err
	}

	return &engine.PullRequest{
		Repository: repo,
		Number:     pr.GetNumber(),
		Title:      pr.GetTitle(),
		URL:        pr.GetHTMLURL(),
		HeadBranch: pr.GetHead().GetRef(),
		HeadSHA:    pr.GetHead().GetSHA(),
		BaseBranch: pr.GetBase().GetRef(),
		State:      pr.GetState(),
		Merged:     pr.GetMerged(),
	}, nil
}

// MergePullRequest merges a pull request. A SHA in opts makes GitHub refuse
// the merge when the head has moved, reported as a conflict.
func (c *Client) MergePullRequest(ctx context.Context, repo string, number int, opts engine.MergeOptions) (*engine.MergeOutcome, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	method := opts.Method
	if method == "" {
		method = engine.MergeMethodMerge
	}
	prOpts := &gogithub.PullRequestOptions{
		CommitTitle: opts.CommitTitle,
		SHA:         opts.SHA,
		MergeMethod: string(method),
	}

	result, err := call(ctx, c, "merge-pull-request", false, func() (*gogithub.PullRequestMergeResult, *gogithub.Response, error) {
		return c.gh.PullRequests.Merge(ctx, owner, name, number, "", prOpts)
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("repository", repo).
		Int("pr_number", number).
		Str("method", string(method)).
		Bool("merged", result.GetMerged()).
		Msg("Merge requested")

	return &engine.MergeOutcome{
		SHA:     result.GetSHA(),
		Merged:  result.GetMerged(),
		Message: result.GetMessage(),
	}, nil
}

// AddComment posts a comment on a pull request.
func (c *Client) AddComment(ctx context.Context, repo string, number int, body string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}

	_, err = call(ctx, c, "add-comment", true, func() (*gogithub.IssueComment, *gogithub.Response, error) {
		return c.gh.Issues.CreateComment(ctx, owner, name, number, &gogithub.IssueComment{Body: gogithub.String(body)})
	})
	return err
}

// ClosePullRequest closes a pull request without merging.
func (c *Client) ClosePullRequest(ctx context.Context, repo string, number int) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}

	_, err = call(ctx, c, "close-pull-request", true, func() (*gogithub.PullRequest, *gogithub.Response, error) {
		return c.gh.PullRequests.Edit(ctx, owner, name, number, &gogithub.PullRequest{State: gogithub.String("closed")})
	})
	return err
}

// call runs fn with retries. Only idempotent calls retry transient failures.
func call[T any](ctx context.Context, c *Client, op string, idempotent bool, fn func() (T, *gogithub.Response, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.MaxInterval = c.maxBackoff

	attempt := 0
	var last *engine.EngineError
	v, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, resp, err := fn()
		if err == nil {
			return v, nil
		}

		ee := classify(err, resp).WithOperation(op)
		last = ee
		retry := engine.IsThrottled(ee) || (idempotent && engine.IsRetryable(ee))
		if !retry {
			return v, backoff.Permanent(ee)
		}

		if wait, ok := rateLimitWait(err); ok {
			if wait > c.maxBackoff {
				wait = c.maxBackoff
			}
			c.logger.Warn().Str("operation", op).Int("attempt", attempt).Dur("wait", wait).Msg("GitHub rate limit hit")
			return v, &backoff.RetryAfterError{Duration: wait}
		}
		return v, ee
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.maxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug().Err(err).Str("operation", op).Dur("next", next).Msg("Retrying GitHub call")
		}),
	)

	// A rate limit on the last attempt surfaces as the wait signal.
	var retryAfter *backoff.RetryAfterError
	if errors.As(err, &retryAfter) && last != nil {
		return v, last
	}
	return v, err
}

// classify maps go-github errors onto engine error classes.
func classify(err error, resp *gogithub.Response) *engine.EngineError {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return engine.NewPermanentError("github call cancelled", err).WithService(serviceName)
	}

	var rateErr *gogithub.RateLimitError
	var abuseErr *gogithub.AbuseRateLimitError
	switch {
	case errors.As(err, &rateErr):
		return engine.NewThrottledError("github rate limit exceeded", err).
			WithService(serviceName).WithCode(engine.ErrCodeRateLimited).
			WithDetail("reset", rateErr.Rate.Reset.Time)
	case errors.As(err, &abuseErr):
		return engine.NewThrottledError("github secondary rate limit", err).
			WithService(serviceName).WithCode(engine.ErrCodeRateLimited)
	}

	var respErr *gogithub.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		ee := engine.ClassifyHTTPStatus(respErr.Response.StatusCode, respErr.Message)
		if ee != nil {
			ee.Err = err
			return ee.WithService(serviceName).WithDetail("status", respErr.Response.StatusCode)
		}
	}

	if resp != nil && resp.Response != nil {
		if ee := engine.ClassifyHTTPStatus(resp.StatusCode, err.Error()); ee != nil {
			ee.Err = err
			return ee.WithService(serviceName)
		}
	}

	// No response at all: network failure.
	return engine.NewTransientError("github request failed", err).
		WithService(serviceName).WithCode(engine.ErrCodeUnavailable)
}

// rateLimitWait returns how long GitHub asked the caller to wait.
func rateLimitWait(err error) (time.Duration, bool) {
	var rateErr *gogithub.RateLimitError
	if errors.As(err, &rateErr) {
		wait := time.Until(rateErr.Rate.Reset.Time) + time.Second
		if wait < time.Second {
			wait = time.Second
		}
		return wait, true
	}
	var abuseErr *gogithub.AbuseRateLimitError
	if errors.As(err, &abuseErr) && abuseErr.RetryAfter != nil {
		return *abuseErr.RetryAfter, true
	}
	return 0, false
}

// splitRepo parses "owner/name".
func splitRepo(repo string) (string, string, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", engine.NewPermanentError(fmt.Sprintf("invalid repository %q, want owner/name", repo), nil).
			WithService(serviceName).WithCode(engine.ErrCodeValidation)
	}
	return owner, name, nil
}
