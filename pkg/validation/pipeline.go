package validation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/devloop/pkg/engine"
	"github.com/openfroyo/devloop/pkg/merge"
	"github.com/openfroyo/devloop/pkg/telemetry"
)

// Dependencies are the collaborators a pipeline calls into.
type Dependencies struct {
	Snapshots engine.SnapshotService
	Deployer  engine.DeploymentExecutor
	Analyzer  engine.Analyzer
	WebEval   engine.WebEvaluator
	Merger    MergeExecutor
}

func (d Dependencies) validate() error {
	var missing []string
	if d.Snapshots == nil {
		missing = append(missing, "snapshots")
	}
	if d.Deployer == nil {
		missing = append(missing, "deployer")
	}
	if d.Analyzer == nil {
		missing = append(missing, "analyzer")
	}
	if d.WebEval == nil {
		missing = append(missing, "web evaluator")
	}
	if d.Merger == nil {
		missing = append(missing, "merge executor")
	}
	if len(missing) > 0 {
		return fmt.Errorf("pipeline dependencies missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Pipeline runs the ordered validation phases for one pull request.
// It holds no per-run state, so one Pipeline serves concurrent runs.
type Pipeline struct {
	deps     Dependencies
	policy   merge.Policy
	guard    MergeGuard
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	logger   zerolog.Logger
	validate *validator.Validate
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPolicy sets the merge policy applied to every merge context.
func WithPolicy(p merge.Policy) Option {
	return func(pl *Pipeline) {
		pl.policy = p
	}
}

// WithGuard sets a guard consulted before an auto-merge is executed.
func WithGuard(g MergeGuard) Option {
	return func(pl *Pipeline) {
		pl.guard = g
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(pl *Pipeline) {
		pl.metrics = m
	}
}

// WithTracer sets the tracer used for run spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(pl *Pipeline) {
		pl.tracer = t
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(pl *Pipeline) {
		pl.logger = logger.With().Str("component", "validation-pipeline").Logger()
	}
}

// NewPipeline creates a pipeline. All dependencies are required.
func NewPipeline(deps Dependencies, opts ...Option) (*Pipeline, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	pl := &Pipeline{
		deps:     deps,
		policy:   merge.DefaultPolicy(),
		logger:   zerolog.Nop(),
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(pl)
	}
	return pl, nil
}

// run is the state of a single invocation.
type run struct {
	pl       *Pipeline
	fc       *FlowContext
	progress ProgressFunc
	result   *FlowResult
	logger   zerolog.Logger
	span     trace.Span
	started  time.Time
	phase    Status
	phaseAt  time.Time
}

// Run executes the phases for fc and returns the outcome. It never returns
// an error: collaborator failures end the run with StatusFailed and are
// recorded in ErrorLogs. The snapshot created in the first phase is
// destroyed exactly once before Run returns.
func (pl *Pipeline) Run(ctx context.Context, fc *FlowContext, progress ProgressFunc) *FlowResult {
	r := &run{
		pl:       pl,
		fc:       fc,
		progress: progress,
		started:  time.Now(),
		result:   &FlowResult{Status: StatusPending},
	}
	if fc == nil {
		r.result.Status = StatusFailed
		r.result.ErrorLogs = []string{"validation context is nil"}
		return r.result
	}
	r.result.RetryCount = fc.RetryCount
	r.logger = pl.logger.With().
		Str("workflow_id", fc.WorkflowID).
		Str("project", fc.ProjectName).
		Int("pr_number", fc.PRNumber).
		Int("retry_count", fc.RetryCount).
		Logger()

	ctx, r.span = pl.tracer.StartValidationSpan(ctx, fc.ProjectName, fc.PRNumber)
	defer r.finish()

	if err := pl.validate.Struct(fc); err != nil {
		r.fail(fmt.Errorf("invalid validation context: %w", err))
		return r.result
	}

	r.execute(ctx)
	return r.result
}

func (r *run) execute(ctx context.Context) {
	fc := r.fc

	// Phase 1: snapshot
	r.enter(StatusSnapshotCreating, fmt.Sprintf("Creating validation environment for PR #%d", fc.PRNumber))
	snapshot, err := r.pl.deps.Snapshots.CreateSnapshot(ctx, fc.ProjectName, fc.PRNumber, fc.DeploymentCommands)
	if err != nil {
		r.fail(fmt.Errorf("failed to create snapshot: %w", err))
		return
	}
	if snapshot == nil {
		r.fail(errors.New("failed to create snapshot: no snapshot returned"))
		return
	}
	r.result.SnapshotID = snapshot.ID
	defer r.destroy(ctx, snapshot)

	// Phase 2: clone
	r.enter(StatusCodeCloning, fmt.Sprintf("Cloning %s into %s", fc.PRBranch, snapshot.ID))
	ok, err := r.pl.deps.Snapshots.CloneCode(ctx, snapshot, fc.RepoURL, fc.PRBranch)
	if err != nil {
		r.fail(fmt.Errorf("failed to clone code: %w", err))
		return
	}
	if !ok {
		r.fail(fmt.Errorf("failed to clone branch %s from %s", fc.PRBranch, fc.RepoURL))
		return
	}

	// Phase 3: deploy
	r.enter(StatusDeploymentRunning, fmt.Sprintf("Running %d deployment commands", len(fc.DeploymentCommands)))
	results, err := r.pl.deps.Deployer.Execute(ctx, snapshot, fc.DeploymentCommands, func(msg string) {
		r.notify(StatusDeploymentRunning, msg)
	})
	r.result.DeploymentResults = results
	if err != nil {
		r.fail(fmt.Errorf("failed to execute deployment: %w", err))
		return
	}

	// Phase 4: deployment analysis
	r.enter(StatusDeploymentValidating, "Analyzing deployment results")
	req := fc.analysisRequest()
	deployAnalysis, err := r.pl.deps.Analyzer.AnalyzeDeployment(ctx, results, req)
	if err != nil {
		r.fail(fmt.Errorf("failed to analyze deployment: %w", err))
		return
	}
	if deployAnalysis == nil {
		r.fail(errors.New("failed to analyze deployment: empty analysis"))
		return
	}
	r.result.DeploymentAnalysis = deployAnalysis
	if !deployAnalysis.Success {
		r.retryOrEscalate("deployment", deployAnalysis)
		return
	}

	// Phase 5: web evaluation
	target := fc.TargetURL
	if target == "" {
		target = snapshot.PreviewURL
	}
	if target == "" {
		r.fail(errors.New("no target URL for web evaluation"))
		return
	}
	r.enter(StatusWebEvalRunning, fmt.Sprintf("Evaluating %s", target))
	webResult, err := r.pl.deps.WebEval.Run(ctx, snapshot, target, func(msg string) {
		r.notify(StatusWebEvalRunning, msg)
	})
	if err != nil {
		r.fail(fmt.Errorf("failed to run web evaluation: %w", err))
		return
	}
	if webResult == nil {
		r.fail(errors.New("failed to run web evaluation: empty result"))
		return
	}
	r.result.WebEvalResults = webResult

	r.enter(StatusWebEvalValidating, "Analyzing web evaluation results")
	webAnalysis, err := r.pl.deps.Analyzer.AnalyzeWebEval(ctx, webResult, req)
	if err != nil {
		r.fail(fmt.Errorf("failed to analyze web evaluation: %w", err))
		return
	}
	if webAnalysis == nil {
		r.fail(errors.New("failed to analyze web evaluation: empty analysis"))
		return
	}
	r.result.WebEvalAnalysis = webAnalysis
	if !webAnalysis.Success {
		r.retryOrEscalate("web evaluation", webAnalysis)
		return
	}

	// Phase 6: merge decision
	r.enter(StatusMergeDeciding, "Evaluating merge decision")
	mctx := r.mergeContext(deployAnalysis, webAnalysis)
	decision, reason := merge.Explain(mctx)
	decision, guardReason := r.review(ctx, mctx, decision)
	if guardReason != "" {
		mctx.Reason = guardReason
		reason = guardReason
	}
	r.result.MergeDecision = decision
	r.logger.Info().Str("decision", string(decision)).Str("reason", reason).Msg("Merge decision made")

	// Phase 7: merge execution
	r.enter(StatusMergeExecuting, fmt.Sprintf("Executing merge decision %s", decision))
	mresult := r.pl.deps.Merger.ExecuteMergeDecision(ctx, mctx, decision)
	r.result.MergeResult = &mresult
	r.pl.metrics.RecordMergeDecision(string(decision), mresult.Success)
	if !mresult.Success && mresult.Error != "" {
		r.result.ErrorLogs = append(r.result.ErrorLogs, fmt.Sprintf("merge %s: %s", decision, mresult.Error))
	}

	switch decision {
	case merge.AutoMerge:
		if mresult.Success {
			r.complete(true, mresult.Message)
		} else {
			r.complete(false, mresult.Message)
			r.result.Status = StatusFailed
		}
	case merge.ManualReview:
		r.complete(mresult.Success, mresult.Message)
	case merge.Retry:
		r.result.Status = StatusRetrying
		r.result.Feedback = mresult.Message
	default:
		r.complete(false, mresult.Message)
		r.result.Status = StatusFailed
	}
}

// enter records the end of the previous phase and reports the new one.
func (r *run) enter(status Status, message string) {
	now := time.Now()
	if r.phase != "" {
		r.pl.metrics.RecordValidationPhase(string(r.phase), now.Sub(r.phaseAt))
	}
	r.phase = status
	r.phaseAt = now
	r.result.Status = status
	telemetry.AddEvent(r.span, string(status), telemetry.AttrValidationPhase.String(string(status)))
	r.logger.Debug().Str("phase", string(status)).Msg(message)
	r.notify(status, message)
}

// notify calls the progress callback; a panicking callback is ignored.
func (r *run) notify(status Status, message string) {
	if r.progress == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn().Interface("panic", rec).Msg("Progress callback panicked")
		}
	}()
	r.progress(status, message)
}

// fail ends the run on an infrastructure error.
func (r *run) fail(err error) {
	r.logger.Error().Err(err).Str("phase", string(r.phase)).Msg("Validation phase failed")
	r.result.ErrorLogs = append(r.result.ErrorLogs, err.Error())
	r.result.Status = StatusFailed
	r.result.Success = false
	r.result.Feedback = r.consolidated()
	telemetry.RecordError(r.span, err)
}

// retryOrEscalate handles a validation-content failure.
func (r *run) retryOrEscalate(stage string, analysis *engine.Analysis) {
	r.result.ErrorLogs = append(r.result.ErrorLogs, fmt.Sprintf("%s validation failed: %s", stage, analysis.Summary))
	r.result.Success = false

	if r.fc.RetryCount < r.fc.MaxRetries {
		r.result.Status = StatusRetrying
		r.result.Feedback = retryFeedback(stage, analysis, r.fc.RetryCount+1, r.fc.MaxRetries)
		r.logger.Warn().Str("stage", stage).Msg("Validation failed, retry requested")
		return
	}

	r.result.Status = StatusFailed
	r.result.Feedback = r.consolidated()
	r.logger.Warn().Str("stage", stage).Int("max_retries", r.fc.MaxRetries).Msg("Validation failed, retries exhausted")
}

func (r *run) complete(success bool, message string) {
	r.result.Success = success
	r.result.Status = StatusCompleted
	if !success {
		r.result.Feedback = message
	}
}

// consolidated joins the error logs of every attempt into one message
// suitable for seeding a fresh generation attempt.
func (r *run) consolidated() string {
	logs := make([]string, 0, len(r.fc.ErrorHistory)+len(r.result.ErrorLogs))
	logs = append(logs, r.fc.ErrorHistory...)
	logs = append(logs, r.result.ErrorLogs...)
	if len(logs) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Validation of PR #%d failed after %d attempts. Errors encountered:\n", r.fc.PRNumber, r.fc.RetryCount+1)
	for i, l := range logs {
		fmt.Fprintf(&b, "%d. %s\n", i+1, l)
	}
	b.WriteString("Start over from the requirements and address every error above.")
	return b.String()
}

func retryFeedback(stage string, a *engine.Analysis, attempt, limit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The %s validation failed (attempt %d of %d): %s\n", stage, attempt, limit, a.Summary)
	if len(a.Issues) > 0 {
		b.WriteString("Issues:\n")
		for _, issue := range a.Issues {
			fmt.Fprintf(&b, "- [%s] %s", issue.Severity, issue.Message)
			if issue.Location != "" {
				fmt.Fprintf(&b, " (%s)", issue.Location)
			}
			b.WriteString("\n")
		}
	}
	if len(a.SuggestedFixes) > 0 {
		b.WriteString("Suggested fixes:\n")
		for _, fix := range a.SuggestedFixes {
			fmt.Fprintf(&b, "- %s\n", fix)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *run) mergeContext(deploy, web *engine.Analysis) merge.MergeContext {
	fc := r.fc
	c := merge.MergeContext{
		ProjectName:          fc.ProjectName,
		Repository:           fc.Repository,
		PRNumber:             fc.PRNumber,
		PRURL:                fc.PRURL,
		HeadSHA:              fc.HeadSHA,
		AutoMergeEnabled:     fc.AutoMergeEnabled,
		ValidationSuccess:    deploy.Success && web.Success,
		DeploymentSuccess:    deploy.Success,
		WebEvalSuccess:       web.Success,
		ValidationConfidence: math.Min(deploy.Confidence, web.Confidence),
		ErrorCount:           deploy.ErrorCount() + web.ErrorCount(),
		RetryCount:           fc.RetryCount,
		MaxRetryCount:        fc.MaxRetries,
		Summary:              strings.TrimSpace(deploy.Summary + "\n" + web.Summary),
	}
	return r.pl.policy.Apply(c)
}

// review lets the guard veto an auto-merge. Guard errors downgrade as well.
// A non-empty reason replaces the rule explanation for the changed decision.
func (r *run) review(ctx context.Context, mctx merge.MergeContext, decision merge.Decision) (merge.Decision, string) {
	if decision != merge.AutoMerge || r.pl.guard == nil {
		return decision, ""
	}
	verdict, err := r.pl.guard.Review(ctx, GuardInput{
		Merge:              mctx,
		Decision:           decision,
		DeploymentCommands: r.fc.DeploymentCommands,
		DeploymentResults:  r.result.DeploymentResults,
		DeploymentAnalysis: r.result.DeploymentAnalysis,
		WebEvalAnalysis:    r.result.WebEvalAnalysis,
	})
	if err != nil {
		r.logger.Warn().Err(err).Msg("Merge guard failed, requesting manual review")
		reason := fmt.Sprintf("merge guard failed: %v", err)
		r.result.ErrorLogs = append(r.result.ErrorLogs, reason)
		r.result.Feedback = reason
		return merge.ManualReview, reason
	}
	if verdict != nil && !verdict.Allowed {
		r.logger.Info().Strs("violations", verdict.Violations).Msg("Merge guard denied auto-merge")
		reason := "merge policy: " + strings.Join(verdict.Violations, "; ")
		r.result.ErrorLogs = append(r.result.ErrorLogs, reason)
		r.result.Feedback = reason
		return merge.ManualReview, reason
	}
	return decision, ""
}

// destroy releases the snapshot even when ctx is already cancelled.
func (r *run) destroy(ctx context.Context, snapshot *engine.Snapshot) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()
	if err := r.pl.deps.Snapshots.Destroy(cleanupCtx, snapshot); err != nil {
		r.logger.Warn().Err(err).Str("snapshot_id", snapshot.ID).Msg("Failed to destroy snapshot")
		r.result.ErrorLogs = append(r.result.ErrorLogs, fmt.Sprintf("failed to destroy snapshot %s: %v", snapshot.ID, err))
	}
}

func (r *run) finish() {
	if r.phase != "" {
		r.pl.metrics.RecordValidationPhase(string(r.phase), time.Since(r.phaseAt))
	}
	r.result.Duration = time.Since(r.started)
	r.pl.metrics.RecordValidationRun(string(r.result.Status), r.result.Duration)
	telemetry.SetAttributes(r.span, telemetry.AttrValidationStatus.String(string(r.result.Status)))
	if r.result.MergeDecision != "" {
		telemetry.SetAttributes(r.span, telemetry.AttrMergeDecision.String(string(r.result.MergeDecision)))
	}
	r.span.End()
	r.logger.Info().
		Str("status", string(r.result.Status)).
		Bool("success", r.result.Success).
		Dur("duration", r.result.Duration).
		Msg("Validation run finished")
	r.notify(r.result.Status, fmt.Sprintf("Validation %s", r.result.Status))
}
