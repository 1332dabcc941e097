package engine

import "context"

// AgentService starts and observes code-generation agent runs.
type AgentService interface {
	// CreateAgentRun submits a prompt and returns the run identifier.
	CreateAgentRun(ctx context.Context, projectID, prompt string, runCtx AgentRunContext) (string, error)

	// GetAgentRunStatus returns the current status of a run.
	GetAgentRunStatus(ctx context.Context, runID string) (*AgentRunStatus, error)
}

// SourceControl is the pull request surface of the hosting provider.
// Repositories are addressed as "owner/name".
type SourceControl interface {
	// GetPullRequest fetches a pull request.
	GetPullRequest(ctx context.Context, repo string, number int) (*PullRequest, error)

	// MergePullRequest merges a pull request.
	MergePullRequest(ctx context.Context, repo string, number int, opts MergeOptions) (*MergeOutcome, error)

	// AddComment posts a comment on a pull request.
	AddComment(ctx context.Context, repo string, number int, body string) error

	// ClosePullRequest closes a pull request without merging.
	ClosePullRequest(ctx context.Context, repo string, number int) error
}

// SnapshotService provisions isolated validation environments.
type SnapshotService interface {
	// CreateSnapshot allocates an environment for a pull request.
	CreateSnapshot(ctx context.Context, project string, prNumber int, commands []string) (*Snapshot, error)

	// CloneCode checks out the pull request branch inside the snapshot.
	CloneCode(ctx context.Context, snapshot *Snapshot, repoURL, branch string) (bool, error)

	// Destroy releases the snapshot and everything inside it.
	Destroy(ctx context.Context, snapshot *Snapshot) error
}

// DeploymentExecutor runs deployment commands inside a snapshot.
type DeploymentExecutor interface {
	// Execute runs the commands in order and reports one result per command.
	Execute(ctx context.Context, snapshot *Snapshot, commands []string, progress ProgressFunc) ([]DeploymentResult, error)
}

// Analyzer is the AI-analysis collaborator.
type Analyzer interface {
	// AnalyzeDeployment judges the outcome of the deployment commands.
	AnalyzeDeployment(ctx context.Context, results []DeploymentResult, req AnalysisRequest) (*Analysis, error)

	// AnalyzeWebEval judges the outcome of a web-evaluation suite.
	AnalyzeWebEval(ctx context.Context, result *WebEvalResult, req AnalysisRequest) (*Analysis, error)
}

// WebEvaluator exercises a deployed target through its UI.
type WebEvaluator interface {
	// Run executes the web-evaluation suite against targetURL.
	Run(ctx context.Context, snapshot *Snapshot, targetURL string, progress ProgressFunc) (*WebEvalResult, error)
}

// Notifier is a fire-and-forget event sink. Implementations must not block.
type Notifier interface {
	// Emit publishes an event; delivery failures are the sink's concern.
	Emit(eventType string, payload map[string]interface{})
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(eventType string, payload map[string]interface{})

// Emit calls f.
func (f NotifierFunc) Emit(eventType string, payload map[string]interface{}) {
	f(eventType, payload)
}

// Discard is a Notifier that drops every event.
var Discard Notifier = NotifierFunc(func(string, map[string]interface{}) {})
