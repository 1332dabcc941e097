package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/openfroyo/devloop/pkg/engine"
)

type createRunRequest struct {
	Prompt  string                 `json:"prompt"`
	Context engine.AgentRunContext `json:"context"`
}

type createRunResponse struct {
	RunID string `json:"run_id"`
}

// CreateAgentRun submits a prompt to the agent for a project.
func (c *Client) CreateAgentRun(ctx context.Context, projectID, prompt string, runCtx engine.AgentRunContext) (string, error) {
	if projectID == "" {
		return "", engine.NewPermanentError("project id is required", nil).
			WithService(serviceName).WithCode(engine.ErrCodeValidation)
	}

	var out createRunResponse
	path := "/v1/projects/" + url.PathEscape(projectID) + "/agent-runs"
	if err := c.do(ctx, http.MethodPost, path, createRunRequest{Prompt: prompt, Context: runCtx}, &out); err != nil {
		return "", err
	}
	if out.RunID == "" {
		return "", engine.NewPermanentError("gateway returned no run id", nil).
			WithService(serviceName).WithCode(engine.ErrCodeMalformed)
	}

	c.logger.Info().
		Str("run_id", out.RunID).
		Str("workflow_id", runCtx.WorkflowID).
		Str("phase", runCtx.Phase).
		Msg("Agent run created")

	return out.RunID, nil
}

// GetAgentRunStatus returns the current status of a run.
func (c *Client) GetAgentRunStatus(ctx context.Context, runID string) (*engine.AgentRunStatus, error) {
	if runID == "" {
		return nil, engine.NewPermanentError("run id is required", nil).
			WithService(serviceName).WithCode(engine.ErrCodeValidation)
	}

	var status engine.AgentRunStatus
	if err := c.do(ctx, http.MethodGet, "/v1/agent-runs/"+url.PathEscape(runID), nil, &status); err != nil {
		return nil, err
	}
	if status.RunID == "" {
		status.RunID = runID
	}
	return &status, nil
}

type deploymentAnalysisRequest struct {
	Request engine.AnalysisRequest    `json:"request"`
	Results []engine.DeploymentResult `json:"results"`
}

type webEvalAnalysisRequest struct {
	Request engine.AnalysisRequest `json:"request"`
	Result  *engine.WebEvalResult  `json:"result"`
}

// AnalyzeDeployment asks the analysis model to judge deployment output.
func (c *Client) AnalyzeDeployment(ctx context.Context, results []engine.DeploymentResult, req engine.AnalysisRequest) (*engine.Analysis, error) {
	var analysis engine.Analysis
	body := deploymentAnalysisRequest{Request: req, Results: results}
	if err := c.do(ctx, http.MethodPost, "/v1/analysis/deployment", body, &analysis); err != nil {
		return nil, err
	}
	if err := checkConfidence(analysis.Confidence); err != nil {
		return nil, err
	}
	return &analysis, nil
}

// AnalyzeWebEval asks the analysis model to judge a web-evaluation run.
func (c *Client) AnalyzeWebEval(ctx context.Context, result *engine.WebEvalResult, req engine.AnalysisRequest) (*engine.Analysis, error) {
	if result == nil {
		return nil, engine.NewPermanentError("web evaluation result is required", nil).
			WithService(serviceName).WithCode(engine.ErrCodeValidation)
	}

	var analysis engine.Analysis
	body := webEvalAnalysisRequest{Request: req, Result: result}
	if err := c.do(ctx, http.MethodPost, "/v1/analysis/web-eval", body, &analysis); err != nil {
		return nil, err
	}
	if err := checkConfidence(analysis.Confidence); err != nil {
		return nil, err
	}
	return &analysis, nil
}

type webEvalRequest struct {
	SnapshotID string `json:"snapshot_id,omitempty"`
	Project    string `json:"project,omitempty"`
	PRNumber   int    `json:"pr_number,omitempty"`
	TargetURL  string `json:"target_url"`
}

// Run executes the web-evaluation suite against targetURL. The gateway runs
// the suite synchronously; progress only reports start and finish.
func (c *Client) Run(ctx context.Context, snapshot *engine.Snapshot, targetURL string, progress engine.ProgressFunc) (*engine.WebEvalResult, error) {
	if targetURL == "" {
		return nil, engine.NewPermanentError("target URL is required", nil).
			WithService(serviceName).WithCode(engine.ErrCodeValidation)
	}
	if progress == nil {
		progress = func(string) {}
	}

	body := webEvalRequest{TargetURL: targetURL}
	if snapshot != nil {
		body.SnapshotID = snapshot.ID
		body.Project = snapshot.Project
		body.PRNumber = snapshot.PRNumber
	}

	progress("Starting web evaluation of " + targetURL)

	var result engine.WebEvalResult
	if err := c.do(ctx, http.MethodPost, "/v1/web-eval", body, &result); err != nil {
		return nil, err
	}
	if result.TargetURL == "" {
		result.TargetURL = targetURL
	}

	progress(fmt.Sprintf("Web evaluation finished: %d/%d passed", result.TestsPassed, result.TestsRun))
	return &result, nil
}

func checkConfidence(v float64) error {
	if v < 0 || v > 1 {
		return engine.NewPermanentError(fmt.Sprintf("confidence %v outside [0, 1]", v), nil).
			WithService(serviceName).WithCode(engine.ErrCodeMalformed)
	}
	return nil
}
