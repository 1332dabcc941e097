package merge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/devloop/pkg/engine"
)

// Executor carries out merge decisions against source control.
type Executor struct {
	scm      engine.SourceControl
	notifier engine.Notifier
	method   engine.MergeMethod
	logger   zerolog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithNotifier sets the sink for retry notifications.
func WithNotifier(n engine.Notifier) ExecutorOption {
	return func(e *Executor) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithMergeMethod sets the merge method used for auto-merges.
func WithMergeMethod(m engine.MergeMethod) ExecutorOption {
	return func(e *Executor) {
		if m != "" {
			e.method = m
		}
	}
}

// WithLogger sets the executor logger.
func WithLogger(logger zerolog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger.With().Str("component", "merge-executor").Logger()
	}
}

// NewExecutor creates an executor that acts through scm.
func NewExecutor(scm engine.SourceControl, opts ...ExecutorOption) *Executor {
	e := &Executor{
		scm:      scm,
		notifier: engine.Discard,
		method:   engine.MergeMethodSquash,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteMergeDecision performs the action for decision. It never returns an
// error: failures are reported through MergeResult.Success.
func (e *Executor) ExecuteMergeDecision(ctx context.Context, c MergeContext, decision Decision) (result MergeResult) {
	logger := e.logger.With().
		Str("repository", c.Repository).
		Int("pr_number", c.PRNumber).
		Str("decision", string(decision)).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Merge action panicked")
			result = failed(decision, c, fmt.Errorf("merge action panicked: %v", r))
		}
	}()

	switch decision {
	case AutoMerge:
		result = e.autoMerge(ctx, c)
	case ManualReview:
		result = e.requestReview(ctx, c)
	case Reject:
		result = e.reject(ctx, c)
	case Retry:
		result = e.scheduleRetry(c)
	default:
		result = failed(decision, c, fmt.Errorf("unknown merge decision %q", decision))
	}

	if result.Success {
		logger.Info().Str("pr_status", string(result.PRStatus)).Msg(result.Message)
	} else {
		logger.Warn().Str("error", result.Error).Msg(result.Message)
	}
	return result
}

func (e *Executor) autoMerge(ctx context.Context, c MergeContext) MergeResult {
	if e.scm == nil {
		return failed(AutoMerge, c, errNoSourceControl)
	}

	outcome, err := e.scm.MergePullRequest(ctx, c.Repository, c.PRNumber, engine.MergeOptions{
		Method:      e.method,
		CommitTitle: fmt.Sprintf("Merge #%d: validated by devloop", c.PRNumber),
		SHA:         c.HeadSHA,
	})
	if err != nil {
		return failed(AutoMerge, c, err)
	}
	if !outcome.Merged {
		return failed(AutoMerge, c, fmt.Errorf("merge not performed: %s", outcome.Message))
	}

	e.notifier.Emit(engine.EventMergeExecuted, map[string]interface{}{
		"repository": c.Repository,
		"pr_number":  c.PRNumber,
		"merge_sha":  outcome.SHA,
	})

	return MergeResult{
		Decision:   AutoMerge,
		Success:    true,
		Message:    fmt.Sprintf("pull request #%d merged", c.PRNumber),
		PRStatus:   PRStatusMerged,
		MergeSHA:   outcome.SHA,
		RetryCount: c.RetryCount,
	}
}

func (e *Executor) requestReview(ctx context.Context, c MergeContext) MergeResult {
	if e.scm == nil {
		return failed(ManualReview, c, errNoSourceControl)
	}

	reason := c.reason()
	if err := e.scm.AddComment(ctx, c.Repository, c.PRNumber, reviewComment(c, reason)); err != nil {
		return failed(ManualReview, c, err)
	}

	return MergeResult{
		Decision:   ManualReview,
		Success:    true,
		Message:    fmt.Sprintf("manual review requested for pull request #%d: %s", c.PRNumber, reason),
		PRStatus:   PRStatusReviewRequested,
		RetryCount: c.RetryCount,
	}
}

func (e *Executor) reject(ctx context.Context, c MergeContext) MergeResult {
	if e.scm == nil {
		return failed(Reject, c, errNoSourceControl)
	}

	reason := c.reason()
	if err := e.scm.AddComment(ctx, c.Repository, c.PRNumber, rejectionComment(c, reason)); err != nil {
		return failed(Reject, c, err)
	}
	if err := e.scm.ClosePullRequest(ctx, c.Repository, c.PRNumber); err != nil {
		return failed(Reject, c, err)
	}

	return MergeResult{
		Decision:   Reject,
		Success:    true,
		Message:    fmt.Sprintf("pull request #%d closed: %s", c.PRNumber, reason),
		PRStatus:   PRStatusClosed,
		RetryCount: c.RetryCount,
	}
}

func (e *Executor) scheduleRetry(c MergeContext) MergeResult {
	next := c.RetryCount + 1

	e.notifier.Emit(engine.EventMergeRetryScheduled, map[string]interface{}{
		"repository":  c.Repository,
		"pr_number":   c.PRNumber,
		"retry_count": next,
		"max_retries": c.MaxRetryCount,
	})

	return MergeResult{
		Decision:   Retry,
		Success:    true,
		Message:    fmt.Sprintf("retry %d of %d scheduled for pull request #%d", next, c.MaxRetryCount, c.PRNumber),
		PRStatus:   PRStatusRetryScheduled,
		RetryCount: next,
	}
}

var errNoSourceControl = errors.New("source control is not configured")

func failed(decision Decision, c MergeContext, err error) MergeResult {
	return MergeResult{
		Decision:   decision,
		Success:    false,
		Message:    fmt.Sprintf("failed to execute %s for pull request #%d", decision, c.PRNumber),
		PRStatus:   PRStatusOpen,
		Error:      err.Error(),
		RetryCount: c.RetryCount,
	}
}

func reviewComment(c MergeContext, reason string) string {
	var b strings.Builder
	b.WriteString("### Manual review requested\n\n")
	b.WriteString(reason)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "- validation confidence: %.2f\n", c.ValidationConfidence)
	fmt.Fprintf(&b, "- reported errors: %d\n", c.ErrorCount)
	if c.Summary != "" {
		b.WriteString("\n")
		b.WriteString(c.Summary)
		b.WriteString("\n")
	}
	return b.String()
}

func rejectionComment(c MergeContext, reason string) string {
	var b strings.Builder
	b.WriteString("### Automated validation rejected this pull request\n\n")
	b.WriteString(reason)
	b.WriteString("\n")
	if c.Summary != "" {
		b.WriteString("\n")
		b.WriteString(c.Summary)
		b.WriteString("\n")
	}
	return b.String()
}
