package workflow

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/openfroyo/devloop/pkg/engine"
	"github.com/openfroyo/devloop/pkg/merge"
	"github.com/openfroyo/devloop/pkg/validation"
)

var (
	errRunPending = errors.New("agent run still in progress")
	errPRPending  = errors.New("pull request not visible yet")

	prURLPattern     = regexp.MustCompile(`/pull/(\d+)`)
	fullPRURLPattern = regexp.MustCompile(`https?://\S+/pull/\d+`)
)

// handlePlanning asks the agent for a plan and waits for it to be confirmed.
func (c *Controller) handlePlanning(ctx context.Context, r *runner) error {
	var (
		prompt      string
		autoConfirm bool
	)
	r.exec.View(func(_ State, m *Metadata) {
		prompt = planningPrompt(m)
		autoConfirm = m.AutoConfirmPlan
	})

	status, err := c.runAgent(ctx, r, StatePlanning, prompt)
	if err != nil {
		return err
	}

	r.exec.Update(func(m *Metadata) {
		m.CurrentPlan = status.ResponseContent
		m.LastResponse = status.ResponseContent
	})

	if !autoConfirm {
		c.emit(engine.EventPlanAwaiting, r.exec, map[string]interface{}{
			"run_id": status.RunID,
			"plan":   status.ResponseContent,
		})
		c.logger.Info().Str("workflow_id", r.exec.ID).Msg("Waiting for plan confirmation")
		select {
		case <-r.planConfirmed:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}

	return c.transition(ctx, r, StateCoding, TriggerPlanReady, Conditions{
		PlanCreated:   true,
		PlanConfirmed: true,
	})
}

// handleCoding asks the agent to implement the plan and open a pull request.
func (c *Controller) handleCoding(ctx context.Context, r *runner) error {
	var prompt string
	r.exec.View(func(_ State, m *Metadata) {
		prompt = codingPrompt(m)
	})

	status, err := c.runAgent(ctx, r, StateCoding, prompt)
	if err != nil {
		return err
	}

	number, url := pullRequestOf(status)
	if number == 0 {
		return fmt.Errorf("coding run %s completed without reporting a pull request", status.RunID)
	}

	r.exec.Update(func(m *Metadata) {
		m.CurrentPRNumber = number
		m.CurrentPRURL = url
		m.LastResponse = status.ResponseContent
		m.PRHistory = append(m.PRHistory, PRRecord{
			Number:     number,
			URL:        url,
			Iteration:  m.CurrentIteration,
			DetectedAt: time.Now(),
		})
	})

	return c.transition(ctx, r, StatePrCreated, TriggerPRDetected, Conditions{PRDetected: true})
}

// handlePrCreated waits until the reported pull request is visible.
func (c *Controller) handlePrCreated(ctx context.Context, r *runner) error {
	var (
		repo   string
		number int
	)
	r.exec.View(func(_ State, m *Metadata) {
		repo = m.Repository
		number = m.CurrentPRNumber
	})

	pr, err := c.awaitPullRequest(ctx, repo, number)
	if err != nil {
		return fmt.Errorf("failed to locate pull request #%d: %w", number, err)
	}

	r.exec.Update(func(m *Metadata) {
		if pr.URL != "" {
			m.CurrentPRURL = pr.URL
		}
		m.CurrentPRBranch = pr.HeadBranch
		m.CurrentPRHeadSHA = pr.HeadSHA
		if n := len(m.PRHistory); n > 0 && m.PRHistory[n-1].Number == number {
			m.PRHistory[n-1].URL = m.CurrentPRURL
			m.PRHistory[n-1].Branch = pr.HeadBranch
		}
	})

	return c.transition(ctx, r, StateValidating, TriggerPRAvailable, Conditions{PRAvailable: true})
}

// handleValidating runs one validation attempt. It reports done when the
// iteration is over; otherwise the agent was asked to fix the pull request
// and the workflow re-entered validating.
func (c *Controller) handleValidating(ctx context.Context, r *runner) (bool, error) {
	var (
		fc        *validation.FlowContext
		autoMerge bool
		iteration int
		attempt   int
	)
	r.exec.Update(func(m *Metadata) {
		m.ValidationAttempts++
		m.TotalValidationAttempts++
		autoMerge = m.AutoMergePR
		iteration = m.CurrentIteration
		attempt = m.ValidationAttempts
		fc = &validation.FlowContext{
			WorkflowID:         r.exec.ID,
			ProjectName:        r.exec.ProjectID,
			Repository:         m.Repository,
			PRNumber:           m.CurrentPRNumber,
			PRURL:              m.CurrentPRURL,
			PRBranch:           m.CurrentPRBranch,
			HeadSHA:            m.CurrentPRHeadSHA,
			RepoURL:            m.RepoURL,
			DeploymentCommands: append([]string(nil), m.DeploymentCommands...),
			TargetURL:          m.TargetURL,
			AutoMergeEnabled:   m.AutoMergePR,
			RetryCount:         m.ValidationAttempts - 1,
			MaxRetries:         m.MaxValidationRetries,
			UserPreferences:    m.UserPreferences,
			ErrorHistory:       append([]string(nil), m.ErrorContexts...),
		}
	})

	result := c.deps.Validator.Run(ctx, fc, func(status validation.Status, message string) {
		c.emit(engine.EventValidationProgress, r.exec, map[string]interface{}{
			"status":  string(status),
			"message": message,
		})
	})
	c.saveValidation(ctx, r, iteration, attempt, fc.PRNumber, result)

	if ctx.Err() != nil {
		return false, context.Cause(ctx)
	}
	if result == nil {
		return false, fmt.Errorf("validation of PR #%d returned no result", fc.PRNumber)
	}

	// With auto-merge off, a posted review request counts as the PR outcome.
	reviewRequested := !autoMerge && result.MergeResult != nil &&
		result.MergeResult.Decision == merge.ManualReview && result.MergeResult.Success
	merged := result.MergeResult != nil && result.MergeResult.PRStatus == merge.PRStatusMerged

	r.exec.Update(func(m *Metadata) {
		m.Indicators = CompletionIndicators{
			PRMerged:             merged || reviewRequested,
			TestsPassing:         result.TestsPassed(),
			DeploymentSuccessful: result.DeploymentSucceeded(),
			ValidationPassed:     result.Success,
		}
		for _, l := range result.ErrorLogs {
			m.AddErrorContext(l)
		}
	})

	c.emit(engine.EventValidationCompleted, r.exec, map[string]interface{}{
		"status":   string(result.Status),
		"success":  result.Success,
		"decision": string(result.MergeDecision),
		"attempt":  attempt,
	})

	if result.Status != validation.StatusRetrying {
		return true, nil
	}

	var budgetLeft bool
	r.exec.View(func(_ State, m *Metadata) {
		budgetLeft = m.MaxValidationAttempts == 0 || m.ValidationAttempts < m.MaxValidationAttempts
	})
	if !budgetLeft {
		c.logger.Warn().Str("workflow_id", r.exec.ID).Msg("Validation attempt budget spent")
		return true, nil
	}

	if err := c.requestFix(ctx, r, result.Feedback); err != nil {
		return false, err
	}
	return false, c.transition(ctx, r, StateValidating, TriggerValidationRetry, Conditions{})
}

// requestFix asks the agent to address validation feedback on the open
// pull request and refreshes its head commit.
func (c *Controller) requestFix(ctx context.Context, r *runner, feedback string) error {
	var (
		prompt string
		repo   string
		number int
	)
	r.exec.View(func(_ State, m *Metadata) {
		prompt = fixPrompt(m, feedback)
		repo = m.Repository
		number = m.CurrentPRNumber
	})

	status, err := c.runAgent(ctx, r, StateValidating, prompt)
	if err != nil {
		return err
	}
	r.exec.Update(func(m *Metadata) {
		m.LastResponse = status.ResponseContent
	})

	pr, err := c.deps.SCM.GetPullRequest(ctx, repo, number)
	if err != nil {
		c.logger.Warn().Err(err).Str("workflow_id", r.exec.ID).Int("pr_number", number).Msg("Failed to refresh pull request")
		return nil
	}
	r.exec.Update(func(m *Metadata) {
		m.CurrentPRHeadSHA = pr.HeadSHA
		if pr.HeadBranch != "" {
			m.CurrentPRBranch = pr.HeadBranch
		}
	})
	return nil
}

// runAgent starts an agent run and waits for it to finish. A run that does
// not complete successfully is an error.
func (c *Controller) runAgent(ctx context.Context, r *runner, phase State, prompt string) (*engine.AgentRunStatus, error) {
	var runCtx engine.AgentRunContext
	r.exec.View(func(_ State, m *Metadata) {
		runCtx = engine.AgentRunContext{
			WorkflowID: r.exec.ID,
			Phase:      string(phase),
			Iteration:  m.CurrentIteration,
			Repository: m.Repository,
			PRNumber:   m.CurrentPRNumber,
			PRBranch:   m.CurrentPRBranch,
		}
	})

	spanCtx, span := c.tracer.StartCollaboratorSpan(ctx, "agent", "create_run")
	runID, err := c.deps.Agent.CreateAgentRun(spanCtx, r.exec.ProjectID, prompt, runCtx)
	span.End()
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, fmt.Errorf("failed to create %s agent run: %w", phase, err)
	}

	record := AgentRunRecord{
		RunID:     runID,
		Phase:     phase,
		Iteration: runCtx.Iteration,
		Status:    string(engine.AgentRunPending),
		StartedAt: time.Now(),
	}
	r.exec.Update(func(m *Metadata) {
		m.AgentRunHistory = append(m.AgentRunHistory, record)
	})

	status, err := c.pollAgentRun(ctx, runID)

	final := "error"
	if status != nil {
		final = string(status.Status)
	}
	c.metrics.RecordAgentRun(string(phase), final)
	r.exec.Update(func(m *Metadata) {
		for i := len(m.AgentRunHistory) - 1; i >= 0; i-- {
			if m.AgentRunHistory[i].RunID == runID {
				m.AgentRunHistory[i].Status = final
				m.AgentRunHistory[i].FinishedAt = time.Now()
				if status != nil {
					m.AgentRunHistory[i].ResponseType = string(status.ResponseType)
				}
				break
			}
		}
	})

	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, fmt.Errorf("failed to poll agent run %s: %w", runID, err)
	}
	if status.Status != engine.AgentRunCompleted {
		reason := status.Error
		if reason == "" {
			reason = "no reason given"
		}
		return nil, fmt.Errorf("%s agent run %s ended %s: %s", phase, runID, status.Status, reason)
	}
	return status, nil
}

// pollAgentRun waits for a terminal run status with exponential backoff.
func (c *Controller) pollAgentRun(ctx context.Context, runID string) (*engine.AgentRunStatus, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.Delays.AgentPollInitial
	b.MaxInterval = c.cfg.Delays.AgentPollMax

	return backoff.Retry(ctx, func() (*engine.AgentRunStatus, error) {
		status, err := c.deps.Agent.GetAgentRunStatus(ctx, runID)
		if err != nil {
			if engine.IsRetryable(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		if !status.Status.IsTerminal() {
			return nil, errRunPending
		}
		return status, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
	)
}

// awaitPullRequest polls source control until the pull request is visible.
func (c *Controller) awaitPullRequest(ctx context.Context, repo string, number int) (*engine.PullRequest, error) {
	return backoff.Retry(ctx, func() (*engine.PullRequest, error) {
		pr, err := c.deps.SCM.GetPullRequest(ctx, repo, number)
		if err != nil {
			if engine.IsNotFound(err) || engine.IsRetryable(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		if pr == nil {
			return nil, errPRPending
		}
		return pr, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.cfg.Delays.PRPollInterval)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug().Err(err).Str("repository", repo).Int("pr_number", number).Dur("next", next).Msg("Pull request not ready")
		}),
	)
}

func (c *Controller) saveValidation(ctx context.Context, r *runner, iteration, attempt, prNumber int, result *validation.FlowResult) {
	if c.deps.Store == nil || result == nil {
		return
	}
	storeCtx, cancel := storeContext(ctx)
	defer cancel()
	err := c.deps.Store.SaveValidationRun(storeCtx, ValidationRun{
		WorkflowID: r.exec.ID,
		Iteration:  iteration,
		Attempt:    attempt,
		PRNumber:   prNumber,
		Result:     result,
		RecordedAt: time.Now(),
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("workflow_id", r.exec.ID).Msg("Failed to persist validation run")
	}
}

// pullRequestOf extracts the pull request reported by a coding run.
func pullRequestOf(status *engine.AgentRunStatus) (int, string) {
	if status.PRNumber > 0 {
		return status.PRNumber, status.PRURL
	}
	for _, candidate := range []string{status.PRURL, status.ResponseContent} {
		if m := prURLPattern.FindStringSubmatch(candidate); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
				url := status.PRURL
				if url == "" {
					url = fullPRURLPattern.FindString(candidate)
				}
				return n, url
			}
		}
	}
	return 0, ""
}
