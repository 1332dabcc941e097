package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// AgentRunState is the lifecycle state of a code-generation agent run.
type AgentRunState string

const (
	// AgentRunPending indicates the run is queued on the agent service.
	AgentRunPending AgentRunState = "pending"

	// AgentRunRunning indicates the agent is working.
	AgentRunRunning AgentRunState = "running"

	// AgentRunCompleted indicates the agent finished and produced a response.
	AgentRunCompleted AgentRunState = "completed"

	// AgentRunFailed indicates the agent gave up or crashed.
	AgentRunFailed AgentRunState = "failed"

	// AgentRunCancelled indicates the run was cancelled on the agent side.
	AgentRunCancelled AgentRunState = "cancelled"
)

// IsTerminal returns true if the agent run will not change state anymore.
func (s AgentRunState) IsTerminal() bool {
	return s == AgentRunCompleted || s == AgentRunFailed || s == AgentRunCancelled
}

// Validate checks if the agent run state is valid.
func (s AgentRunState) Validate() error {
	switch s {
	case AgentRunPending, AgentRunRunning, AgentRunCompleted, AgentRunFailed, AgentRunCancelled:
		return nil
	default:
		return fmt.Errorf("invalid agent run state: %s", s)
	}
}

// UnmarshalJSON implements json.Unmarshaler with validation.
func (s *AgentRunState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	state := AgentRunState(str)
	if err := state.Validate(); err != nil {
		return err
	}
	*s = state
	return nil
}

// ResponseType classifies what an agent run produced.
type ResponseType string

const (
	// ResponsePlan is a proposed implementation plan.
	ResponsePlan ResponseType = "plan"

	// ResponsePR means the agent opened or updated a pull request.
	ResponsePR ResponseType = "pr"

	// ResponseRegular is a plain text answer.
	ResponseRegular ResponseType = "regular"
)

// AgentRunContext carries workflow identity to the agent service.
type AgentRunContext struct {
	WorkflowID string `json:"workflow_id"`
	Phase      string `json:"phase"`
	Iteration  int    `json:"iteration"`
	Repository string `json:"repository"`
	PRNumber   int    `json:"pr_number,omitempty"`
	PRBranch   string `json:"pr_branch,omitempty"`
}

// AgentRunStatus is the observed status of an agent run.
type AgentRunStatus struct {
	RunID           string        `json:"run_id"`
	Status          AgentRunState `json:"status"`
	ResponseType    ResponseType  `json:"response_type,omitempty"`
	ResponseContent string        `json:"response_content,omitempty"`
	PRNumber        int           `json:"pr_number,omitempty"`
	PRURL           string        `json:"pr_url,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// PullRequest is the source-control view of a pull request.
type PullRequest struct {
	Repository string `json:"repository"`
	Number     int    `json:"number"`
	Title      string `json:"title,omitempty"`
	URL        string `json:"url"`
	HeadBranch string `json:"head_branch"`
	HeadSHA    string `json:"head_sha,omitempty"`
	BaseBranch string `json:"base_branch,omitempty"`
	State      string `json:"state"`
	Merged     bool   `json:"merged"`
}

// MergeMethod selects how a pull request is merged.
type MergeMethod string

const (
	MergeMethodMerge  MergeMethod = "merge"
	MergeMethodSquash MergeMethod = "squash"
	MergeMethodRebase MergeMethod = "rebase"
)

// MergeOptions controls a merge request to source control.
type MergeOptions struct {
	Method      MergeMethod `json:"method"`
	CommitTitle string      `json:"commit_title,omitempty"`
	// SHA pins the merge to the validated head commit when set.
	SHA string `json:"sha,omitempty"`
}

// MergeOutcome is what source control reported after a merge.
type MergeOutcome struct {
	SHA     string `json:"sha"`
	Merged  bool   `json:"merged"`
	Message string `json:"message,omitempty"`
}

// Snapshot is an isolated, disposable environment used to validate one pull request.
type Snapshot struct {
	ID         string    `json:"id"`
	Project    string    `json:"project"`
	PRNumber   int       `json:"pr_number"`
	WorkDir    string    `json:"work_dir"`
	PreviewURL string    `json:"preview_url,omitempty"`
	Commands   []string  `json:"commands,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// DeploymentResult records the execution of one deployment command.
type DeploymentResult struct {
	Command   string        `json:"command"`
	Success   bool          `json:"success"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	Stdout    string        `json:"stdout,omitempty"`
	Stderr    string        `json:"stderr,omitempty"`
	StartedAt time.Time     `json:"started_at"`
}

// IssueSeverity ranks a problem reported by analysis.
type IssueSeverity string

const (
	SeverityInfo     IssueSeverity = "info"
	SeverityWarning  IssueSeverity = "warning"
	SeverityError    IssueSeverity = "error"
	SeverityCritical IssueSeverity = "critical"
)

// Issue is a structured finding from the analysis service.
type Issue struct {
	Severity IssueSeverity `json:"severity"`
	Category string        `json:"category,omitempty"`
	Message  string        `json:"message"`
	Location string        `json:"location,omitempty"`
}

// Analysis is the verdict of the AI-analysis service on deployment or web-eval output.
type Analysis struct {
	Success        bool     `json:"success"`
	Confidence     float64  `json:"confidence"`
	Summary        string   `json:"summary"`
	Issues         []Issue  `json:"issues,omitempty"`
	SuggestedFixes []string `json:"suggested_fixes,omitempty"`
}

// ErrorCount returns the number of issues at error severity or above.
func (a *Analysis) ErrorCount() int {
	if a == nil {
		return 0
	}
	count := 0
	for _, issue := range a.Issues {
		if issue.Severity == SeverityError || issue.Severity == SeverityCritical {
			count++
		}
	}
	return count
}

// HasCritical reports whether any issue is critical.
func (a *Analysis) HasCritical() bool {
	if a == nil {
		return false
	}
	for _, issue := range a.Issues {
		if issue.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// AnalysisRequest identifies what the analysis service is looking at.
type AnalysisRequest struct {
	ProjectName     string                 `json:"project_name"`
	PRNumber        int                    `json:"pr_number"`
	PRURL           string                 `json:"pr_url,omitempty"`
	PRBranch        string                 `json:"pr_branch,omitempty"`
	RetryCount      int                    `json:"retry_count"`
	UserPreferences map[string]interface{} `json:"user_preferences,omitempty"`
}

// WebEvalScenario is the outcome of one scripted UI check.
type WebEvalScenario struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// WebEvalResult is the output of a web-evaluation suite against a deployed target.
type WebEvalResult struct {
	Success     bool              `json:"success"`
	TargetURL   string            `json:"target_url"`
	TestsRun    int               `json:"tests_run"`
	TestsPassed int               `json:"tests_passed"`
	TestsFailed int               `json:"tests_failed"`
	Scenarios   []WebEvalScenario `json:"scenarios,omitempty"`
	ConsoleLogs []string          `json:"console_logs,omitempty"`
	Duration    time.Duration     `json:"duration"`
}

// ProgressFunc receives human-readable progress from long-running collaborators.
type ProgressFunc func(message string)

// Event types published to the notification sink.
const (
	EventWorkflowStarted     = "workflow_started"
	EventStateTransition     = "state_transition"
	EventPlanAwaiting        = "plan_awaiting_confirmation"
	EventValidationProgress  = "validation_progress"
	EventValidationCompleted = "validation_completed"
	EventWorkflowCompleted   = "workflow_completed"
	EventWorkflowFailed      = "workflow_failed"
	EventWorkflowCancelled   = "workflow_cancelled"
	EventMergeRetryScheduled = "merge_retry_scheduled"
	EventMergeExecuted       = "merge_executed"
)
