package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/devloop/pkg/engine"
	"github.com/openfroyo/devloop/pkg/merge"
)

// Status is the phase a validation run is in, or how it ended.
type Status string

const (
	StatusPending              Status = "pending"
	StatusSnapshotCreating     Status = "snapshot_creating"
	StatusCodeCloning          Status = "code_cloning"
	StatusDeploymentRunning    Status = "deployment_running"
	StatusDeploymentValidating Status = "deployment_validating"
	StatusWebEvalRunning       Status = "web_eval_running"
	StatusWebEvalValidating    Status = "web_eval_validating"
	StatusMergeDeciding        Status = "merge_deciding"
	StatusMergeExecuting       Status = "merge_executing"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
	StatusRetrying             Status = "retrying"
)

// IsTerminal returns true for statuses a run ends with.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRetrying
}

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusSnapshotCreating, StatusCodeCloning, StatusDeploymentRunning,
		StatusDeploymentValidating, StatusWebEvalRunning, StatusWebEvalValidating,
		StatusMergeDeciding, StatusMergeExecuting, StatusCompleted, StatusFailed, StatusRetrying:
		return nil
	default:
		return fmt.Errorf("invalid validation status: %s", s)
	}
}

// UnmarshalJSON implements json.Unmarshaler with validation.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := Status(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// DefaultMaxRetries bounds Retrying results per pull request.
const DefaultMaxRetries = 3

// FlowContext is the working set of one validation run.
type FlowContext struct {
	WorkflowID         string                 `json:"workflow_id,omitempty"`
	ProjectName        string                 `json:"project_name" validate:"required"`
	Repository         string                 `json:"repository" validate:"required"`
	PRNumber           int                    `json:"pr_number" validate:"gt=0"`
	PRURL              string                 `json:"pr_url,omitempty"`
	PRBranch           string                 `json:"pr_branch" validate:"required"`
	HeadSHA            string                 `json:"head_sha,omitempty"`
	RepoURL            string                 `json:"repo_url" validate:"required"`
	DeploymentCommands []string               `json:"deployment_commands,omitempty"`
	TargetURL          string                 `json:"target_url,omitempty"`
	AutoMergeEnabled   bool                   `json:"auto_merge_enabled"`
	RetryCount         int                    `json:"retry_count" validate:"gte=0"`
	MaxRetries         int                    `json:"max_retries" validate:"gte=0"`
	UserPreferences    map[string]interface{} `json:"user_preferences,omitempty"`
	// ErrorHistory holds error logs of earlier attempts on the same workflow.
	ErrorHistory []string `json:"error_history,omitempty"`
}

// NewFlowContext returns a context with default retry ceiling.
func NewFlowContext(project, repository, repoURL string, prNumber int, prBranch string) *FlowContext {
	return &FlowContext{
		ProjectName: project,
		Repository:  repository,
		RepoURL:     repoURL,
		PRNumber:    prNumber,
		PRBranch:    prBranch,
		MaxRetries:  DefaultMaxRetries,
	}
}

func (c *FlowContext) analysisRequest() engine.AnalysisRequest {
	return engine.AnalysisRequest{
		ProjectName:     c.ProjectName,
		PRNumber:        c.PRNumber,
		PRURL:           c.PRURL,
		PRBranch:        c.PRBranch,
		RetryCount:      c.RetryCount,
		UserPreferences: c.UserPreferences,
	}
}

// FlowResult is the immutable outcome of a validation run.
type FlowResult struct {
	Success            bool                      `json:"success"`
	Status             Status                    `json:"status"`
	SnapshotID         string                    `json:"snapshot_id,omitempty"`
	DeploymentResults  []engine.DeploymentResult `json:"deployment_results,omitempty"`
	DeploymentAnalysis *engine.Analysis          `json:"deployment_analysis,omitempty"`
	WebEvalResults     *engine.WebEvalResult     `json:"web_eval_results,omitempty"`
	WebEvalAnalysis    *engine.Analysis          `json:"web_eval_analysis,omitempty"`
	MergeDecision      merge.Decision            `json:"merge_decision,omitempty"`
	MergeResult        *merge.MergeResult        `json:"merge_result,omitempty"`
	ErrorLogs          []string                  `json:"error_logs,omitempty"`
	// Feedback is the message to hand to the code-generation agent next.
	Feedback   string        `json:"feedback,omitempty"`
	Duration   time.Duration `json:"duration"`
	RetryCount int           `json:"retry_count"`
}

// DeploymentSucceeded reports whether every deployment command exited cleanly
// and the deployment analysis passed. A run without deployment commands
// succeeds on the analysis alone; requiring evidence is a merge guard rule.
func (r *FlowResult) DeploymentSucceeded() bool {
	if r == nil {
		return false
	}
	for _, d := range r.DeploymentResults {
		if !d.Success {
			return false
		}
	}
	return r.DeploymentAnalysis != nil && r.DeploymentAnalysis.Success
}

// TestsPassed reports whether the web evaluation passed.
func (r *FlowResult) TestsPassed() bool {
	return r != nil && r.WebEvalResults != nil && r.WebEvalResults.Success &&
		r.WebEvalAnalysis != nil && r.WebEvalAnalysis.Success
}

// ProgressFunc receives phase changes of a run.
type ProgressFunc func(status Status, message string)

// MergeExecutor carries out a merge decision.
type MergeExecutor interface {
	ExecuteMergeDecision(ctx context.Context, c merge.MergeContext, decision merge.Decision) merge.MergeResult
}

// GuardInput is what a merge guard reviews before an auto-merge.
type GuardInput struct {
	Merge              merge.MergeContext        `json:"merge"`
	Decision           merge.Decision            `json:"decision"`
	DeploymentCommands []string                  `json:"deployment_commands"`
	DeploymentResults  []engine.DeploymentResult `json:"deployment_results"`
	DeploymentAnalysis *engine.Analysis          `json:"deployment_analysis,omitempty"`
	WebEvalAnalysis    *engine.Analysis          `json:"web_eval_analysis,omitempty"`
}

// GuardVerdict is the answer of a merge guard.
type GuardVerdict struct {
	Allowed    bool     `json:"allowed"`
	Violations []string `json:"violations,omitempty"`
}

// MergeGuard can veto an auto-merge, downgrading it to manual review.
type MergeGuard interface {
	Review(ctx context.Context, input GuardInput) (*GuardVerdict, error)
}
