package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/devloop/pkg/engine"
	"github.com/openfroyo/devloop/pkg/merge"
	"github.com/openfroyo/devloop/pkg/validation"
)

type fakeAgent struct {
	mu      sync.Mutex
	next    int
	phases  map[string]string
	prompts map[string][]string
	// hold runs inside CreateAgentRun and may block.
	hold func(ctx context.Context, phase string)
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		phases:  make(map[string]string),
		prompts: make(map[string][]string),
	}
}

func (a *fakeAgent) CreateAgentRun(ctx context.Context, projectID, prompt string, runCtx engine.AgentRunContext) (string, error) {
	if a.hold != nil {
		a.hold(ctx, runCtx.Phase)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	id := fmt.Sprintf("run-%d", a.next)
	a.phases[id] = runCtx.Phase
	a.prompts[runCtx.Phase] = append(a.prompts[runCtx.Phase], prompt)
	return id, nil
}

func (a *fakeAgent) GetAgentRunStatus(ctx context.Context, runID string) (*engine.AgentRunStatus, error) {
	a.mu.Lock()
	phase := a.phases[runID]
	a.mu.Unlock()

	status := &engine.AgentRunStatus{RunID: runID, Status: engine.AgentRunCompleted}
	switch phase {
	case string(StatePlanning):
		status.ResponseType = engine.ResponsePlan
		status.ResponseContent = "1. add a cart route"
	case string(StateCoding):
		status.ResponseType = engine.ResponsePR
		status.ResponseContent = "Opened https://github.com/acme/shop/pull/7"
	default:
		status.ResponseType = engine.ResponseRegular
		status.ResponseContent = "pushed a fix"
	}
	return status, nil
}

func (a *fakeAgent) promptsFor(phase State) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.prompts[string(phase)]...)
}

type fakeSCM struct {
	mu    sync.Mutex
	calls int
}

func (s *fakeSCM) GetPullRequest(ctx context.Context, repo string, number int) (*engine.PullRequest, error) {
	s.mu.Lock()
	s.calls++
	first := s.calls == 1
	s.mu.Unlock()
	if first {
		return nil, engine.NewTransientError("not indexed yet", nil)
	}
	return &engine.PullRequest{
		Repository: repo,
		Number:     number,
		URL:        fmt.Sprintf("https://github.com/%s/pull/%d", repo, number),
		HeadBranch: "feature/cart",
		HeadSHA:    "abc123",
		State:      "open",
	}, nil
}

func (s *fakeSCM) MergePullRequest(ctx context.Context, repo string, number int, opts engine.MergeOptions) (*engine.MergeOutcome, error) {
	return &engine.MergeOutcome{SHA: "def456", Merged: true}, nil
}

func (s *fakeSCM) AddComment(ctx context.Context, repo string, number int, body string) error {
	return nil
}

func (s *fakeSCM) ClosePullRequest(ctx context.Context, repo string, number int) error {
	return nil
}

type fakeValidator struct {
	mu       sync.Mutex
	results  []*validation.FlowResult
	contexts []validation.FlowContext
}

// Run returns the scripted results in order and repeats the last one.
func (v *fakeValidator) Run(ctx context.Context, fc *validation.FlowContext, progress validation.ProgressFunc) *validation.FlowResult {
	progress(validation.StatusSnapshotCreating, "creating snapshot")
	v.mu.Lock()
	defer v.mu.Unlock()
	v.contexts = append(v.contexts, *fc)
	result := v.results[0]
	if len(v.results) > 1 {
		v.results = v.results[1:]
	}
	return result
}

func (v *fakeValidator) calls() []validation.FlowContext {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]validation.FlowContext(nil), v.contexts...)
}

type fakeStore struct {
	mu          sync.Mutex
	saved       map[string]*WorkflowExecution
	transitions map[string][]StateTransition
	validations []ValidationRun
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		saved:       make(map[string]*WorkflowExecution),
		transitions: make(map[string][]StateTransition),
	}
}

func (s *fakeStore) SaveExecution(ctx context.Context, exec *WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[exec.ID] = exec
	return nil
}

func (s *fakeStore) AppendTransition(ctx context.Context, workflowID string, t StateTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions[workflowID] = append(s.transitions[workflowID], t)
	return nil
}

func (s *fakeStore) SaveValidationRun(ctx context.Context, run ValidationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validations = append(s.validations, run)
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) Emit(eventType string, payload map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, eventType)
}

func (l *eventLog) has(eventType string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e == eventType {
			return true
		}
	}
	return false
}

func passed() *validation.FlowResult {
	return &validation.FlowResult{
		Success:            true,
		Status:             validation.StatusCompleted,
		DeploymentResults:  []engine.DeploymentResult{{Command: "make deploy", Success: true}},
		DeploymentAnalysis: &engine.Analysis{Success: true, Confidence: 0.95},
		WebEvalResults:     &engine.WebEvalResult{Success: true, TestsRun: 3, TestsPassed: 3},
		WebEvalAnalysis:    &engine.Analysis{Success: true, Confidence: 0.9},
		MergeDecision:      merge.AutoMerge,
		MergeResult:        &merge.MergeResult{Decision: merge.AutoMerge, Success: true, PRStatus: merge.PRStatusMerged},
	}
}

func failed(msg string) *validation.FlowResult {
	return &validation.FlowResult{
		Status:    validation.StatusFailed,
		ErrorLogs: []string{msg},
		Feedback:  msg,
	}
}

func retrying(feedback string) *validation.FlowResult {
	return &validation.FlowResult{
		Status:    validation.StatusRetrying,
		ErrorLogs: []string{"deployment validation failed: " + feedback},
		Feedback:  feedback,
	}
}

type controllerHarness struct {
	ctrl      *Controller
	agent     *fakeAgent
	scm       *fakeSCM
	validator *fakeValidator
	store     *fakeStore
	events    *eventLog
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Delays = Delays{
		AgentPollInitial: time.Millisecond,
		AgentPollMax:     5 * time.Millisecond,
		PRPollInterval:   time.Millisecond,
	}
	return cfg
}

func newControllerHarness(t *testing.T, cfg Config, results ...*validation.FlowResult) *controllerHarness {
	t.Helper()
	if len(results) == 0 {
		results = []*validation.FlowResult{passed()}
	}
	h := &controllerHarness{
		agent:     newFakeAgent(),
		scm:       &fakeSCM{},
		validator: &fakeValidator{results: results},
		store:     newFakeStore(),
		events:    &eventLog{},
	}
	ctrl, err := NewController(cfg, Dependencies{
		Agent:     h.agent,
		SCM:       h.scm,
		Validator: h.validator,
		Store:     h.store,
		Notifier:  h.events,
	})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ctrl.Stop(ctx)
	})
	h.ctrl = ctrl
	return h
}

func startRequest() StartRequest {
	return StartRequest{
		ProjectID:           "shop",
		Repository:          "acme/shop",
		InitialRequirements: "Add a cart page",
		DeploymentCommands:  []string{"make deploy"},
		AutoConfirmPlan:     true,
		AutoMergePR:         true,
	}
}

func waitForState(t *testing.T, ctrl *Controller, id string, want State) *WorkflowStatus {
	t.Helper()
	var last *WorkflowStatus
	require.Eventually(t, func() bool {
		st, ok := ctrl.GetWorkflowStatus(id)
		if !ok {
			return false
		}
		last = st
		return st.Summary.State == want
	}, 5*time.Second, 5*time.Millisecond, "workflow %s never reached %s", id, want)
	if want.IsTerminal() {
		require.Eventually(t, func() bool {
			_, running := ctrl.runner(id)
			return !running
		}, 5*time.Second, 5*time.Millisecond, "workflow %s was never released", id)
	}
	return last
}

func (l *eventLog) waitFor(t *testing.T, eventType string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return l.has(eventType)
	}, 5*time.Second, 5*time.Millisecond, "event %s never emitted", eventType)
}

func triggers(exec *WorkflowExecution) []string {
	out := make([]string, len(exec.StateHistory))
	for i, t := range exec.StateHistory {
		out[i] = t.Trigger
	}
	return out
}

func TestNewControllerValidation(t *testing.T) {
	deps := Dependencies{Agent: newFakeAgent(), SCM: &fakeSCM{}, Validator: &fakeValidator{}}

	_, err := NewController(testConfig(), Dependencies{Agent: deps.Agent})
	assert.Error(t, err)

	cfg := testConfig()
	cfg.MaxConcurrentWorkflows = 0
	_, err = NewController(cfg, deps)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Delays.AgentPollMax = 0
	_, err = NewController(cfg, deps)
	assert.Error(t, err)

	ctrl, err := NewController(testConfig(), deps)
	require.NoError(t, err)
	_, err = ctrl.StartWorkflow(context.Background(), startRequest())
	assert.True(t, errors.Is(err, &WorkflowEngineError{Code: CodeControllerState}))

	require.NoError(t, ctrl.Start(context.Background()))
	assert.True(t, errors.Is(ctrl.Start(context.Background()), &WorkflowEngineError{Code: CodeControllerState}))
	require.NoError(t, ctrl.Stop(context.Background()))
}

func TestStartWorkflowRejectsInvalidRequest(t *testing.T) {
	h := newControllerHarness(t, testConfig())

	tests := []struct {
		name   string
		mutate func(*StartRequest)
	}{
		{name: "missing project", mutate: func(r *StartRequest) { r.ProjectID = "" }},
		{name: "bad repository", mutate: func(r *StartRequest) { r.Repository = "shop" }},
		{name: "missing requirements", mutate: func(r *StartRequest) { r.InitialRequirements = "" }},
		{name: "bad target", mutate: func(r *StartRequest) { r.TargetURL = "not a url" }},
		{name: "negative iterations", mutate: func(r *StartRequest) { r.MaxIterations = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := startRequest()
			tt.mutate(&req)
			_, err := h.ctrl.StartWorkflow(context.Background(), req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, &WorkflowEngineError{Code: CodeInvalidRequest}), err)
			assert.True(t, errors.Is(err, ErrEngine))
		})
	}
	assert.Empty(t, h.ctrl.ListActiveWorkflows(ListFilter{}))
}

func TestWorkflowCompletesOnFirstIteration(t *testing.T) {
	h := newControllerHarness(t, testConfig(), passed())

	exec, err := h.ctrl.StartWorkflow(context.Background(), startRequest())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, exec.CurrentState)
	assert.Equal(t, "https://github.com/acme/shop.git", exec.Metadata.RepoURL)
	assert.Equal(t, 5, exec.Metadata.MaxIterations)

	st := waitForState(t, h.ctrl, exec.ID, StateCompleted)
	final := st.Execution
	assert.False(t, st.Summary.Active)
	assert.Contains(t, final.ResultSummary, "requirements satisfied after 1 iteration(s)")
	assert.Equal(t, []string{
		TriggerStart, TriggerPlanReady, TriggerPRDetected, TriggerPRAvailable, TriggerRequirementsMet,
	}, triggers(final))
	assert.Equal(t, 7, final.Metadata.CurrentPRNumber)
	assert.Equal(t, "feature/cart", final.Metadata.CurrentPRBranch)
	assert.Equal(t, "abc123", final.Metadata.CurrentPRHeadSHA)
	assert.Equal(t, "1. add a cart route", final.Metadata.CurrentPlan)
	assert.Equal(t, CompletionIndicators{
		PRMerged: true, TestsPassing: true, DeploymentSuccessful: true, ValidationPassed: true,
	}, final.Metadata.Indicators)
	require.Len(t, final.Metadata.PRHistory, 1)
	assert.Equal(t, "https://github.com/acme/shop/pull/7", final.Metadata.PRHistory[0].URL)
	require.Len(t, final.Metadata.AgentRunHistory, 2)
	assert.Equal(t, string(engine.AgentRunCompleted), final.Metadata.AgentRunHistory[1].Status)

	calls := h.validator.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "abc123", calls[0].HeadSHA)
	assert.Equal(t, 0, calls[0].RetryCount)
	assert.Equal(t, []string{"make deploy"}, calls[0].DeploymentCommands)

	assert.True(t, h.events.has(engine.EventWorkflowStarted))
	assert.True(t, h.events.has(engine.EventValidationProgress))
	h.events.waitFor(t, engine.EventWorkflowCompleted)

	h.store.mu.Lock()
	assert.Len(t, h.store.transitions[exec.ID], len(final.StateHistory))
	assert.Len(t, h.store.validations, 1)
	h.store.mu.Unlock()

	assert.Empty(t, h.ctrl.ListActiveWorkflows(ListFilter{}))
}

func TestManualReviewCountsAsMerged(t *testing.T) {
	result := passed()
	result.MergeDecision = merge.ManualReview
	result.MergeResult = &merge.MergeResult{Decision: merge.ManualReview, Success: true, PRStatus: merge.PRStatusReviewRequested}
	h := newControllerHarness(t, testConfig(), result)

	req := startRequest()
	req.AutoMergePR = false
	exec, err := h.ctrl.StartWorkflow(context.Background(), req)
	require.NoError(t, err)

	st := waitForState(t, h.ctrl, exec.ID, StateCompleted)
	assert.True(t, st.Execution.Metadata.Indicators.PRMerged)
}

func TestManualReviewDoesNotCountWhenAutoMergeOn(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 1
	result := passed()
	result.MergeDecision = merge.ManualReview
	result.MergeResult = &merge.MergeResult{Decision: merge.ManualReview, Success: true, PRStatus: merge.PRStatusReviewRequested}
	h := newControllerHarness(t, cfg, result)

	exec, err := h.ctrl.StartWorkflow(context.Background(), startRequest())
	require.NoError(t, err)

	st := waitForState(t, h.ctrl, exec.ID, StateFailed)
	assert.False(t, st.Execution.Metadata.Indicators.PRMerged)
	assert.Contains(t, st.Execution.ErrorMessage, "maximum iterations")
}

func TestMaxIterationsReached(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 1
	h := newControllerHarness(t, cfg, failed("deployment failed: exit status 2"))

	exec, err := h.ctrl.StartWorkflow(context.Background(), startRequest())
	require.NoError(t, err)

	st := waitForState(t, h.ctrl, exec.ID, StateFailed)
	final := st.Execution
	assert.Contains(t, final.ErrorMessage, "maximum iterations")
	last := final.StateHistory[len(final.StateHistory)-1]
	assert.Equal(t, StateFailed, last.ToState)
	assert.Equal(t, TriggerIterationsReached, last.Trigger)
	assert.Contains(t, final.Metadata.ErrorContexts, "deployment failed: exit status 2")
	h.events.waitFor(t, engine.EventWorkflowFailed)
}

func TestNextIterationCarriesContext(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 2
	h := newControllerHarness(t, cfg, failed("web evaluation failed"), passed())

	exec, err := h.ctrl.StartWorkflow(context.Background(), startRequest())
	require.NoError(t, err)

	st := waitForState(t, h.ctrl, exec.ID, StateCompleted)
	final := st.Execution
	assert.Equal(t, 2, final.Metadata.CurrentIteration)
	assert.Contains(t, triggers(final), TriggerNextIteration)
	assert.Contains(t, final.ResultSummary, "after 2 iteration(s)")
	require.Len(t, final.Metadata.PRHistory, 2)
	assert.Equal(t, 2, final.Metadata.PRHistory[1].Iteration)

	plans := h.agent.promptsFor(StatePlanning)
	require.Len(t, plans, 2)
	assert.Contains(t, plans[1], "web evaluation failed")
	assert.Contains(t, plans[1], "Previous iterations")
}

func TestValidationRetryAsksAgentForFix(t *testing.T) {
	h := newControllerHarness(t, testConfig(), retrying("health check returned 500"), passed())

	exec, err := h.ctrl.StartWorkflow(context.Background(), startRequest())
	require.NoError(t, err)

	st := waitForState(t, h.ctrl, exec.ID, StateCompleted)
	final := st.Execution
	assert.Equal(t, 2, final.Metadata.TotalValidationAttempts)
	assert.Equal(t, 2, final.Metadata.ValidationAttempts)
	assert.Contains(t, triggers(final), TriggerValidationRetry)

	fixes := h.agent.promptsFor(StateValidating)
	require.Len(t, fixes, 1)
	assert.Contains(t, fixes[0], "health check returned 500")
	assert.Contains(t, fixes[0], "#7")

	calls := h.validator.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, 1, calls[1].RetryCount)
	assert.NotEmpty(t, calls[1].ErrorHistory)
}

func TestValidationAttemptBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxValidationAttempts = 2
	h := newControllerHarness(t, cfg, retrying("still broken"))

	exec, err := h.ctrl.StartWorkflow(context.Background(), startRequest())
	require.NoError(t, err)

	st := waitForState(t, h.ctrl, exec.ID, StateFailed)
	assert.Equal(t, 2, st.Execution.Metadata.TotalValidationAttempts)
	assert.Contains(t, st.Execution.ErrorMessage, "validation attempts (2)")
	assert.Len(t, h.validator.calls(), 2)
}

func TestIterationsOutlastValidationAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 5
	cfg.MaxValidationAttempts = 3
	h := newControllerHarness(t, cfg, failed("deployment failed"))

	exec, err := h.ctrl.StartWorkflow(context.Background(), startRequest())
	require.NoError(t, err)

	st := waitForState(t, h.ctrl, exec.ID, StateFailed)
	final := st.Execution
	assert.Equal(t, 5, final.Metadata.CurrentIteration)
	assert.Equal(t, 5, final.Metadata.TotalValidationAttempts)
	assert.Equal(t, 1, final.Metadata.ValidationAttempts)
	assert.Len(t, h.validator.calls(), 5)
	assert.Contains(t, final.ErrorMessage, "maximum iterations (5)")
}

func TestPlanningTimeoutFailsBlockedWorkflow(t *testing.T) {
	cfg := testConfig()
	cfg.Timeouts = TimeoutPolicy{Planning: 50 * time.Millisecond, Coding: time.Minute, PrCreated: time.Minute, Validating: time.Minute}
	h := newControllerHarness(t, cfg)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	h.agent.hold = func(ctx context.Context, phase string) {
		// Ignores ctx.
		<-release
	}

	started := time.Now()
	exec, err := h.ctrl.StartWorkflow(context.Background(), startRequest())
	require.NoError(t, err)

	st := waitForState(t, h.ctrl, exec.ID, StateFailed)
	assert.Less(t, time.Since(started), 2*time.Second)
	assert.Contains(t, st.Execution.ErrorMessage, "timed out")
	last := st.Execution.StateHistory[len(st.Execution.StateHistory)-1]
	assert.Equal(t, StatePlanning, last.FromState)
	assert.Equal(t, TriggerTimeout, last.Trigger)
	assert.Empty(t, h.ctrl.ListActiveWorkflows(ListFilter{}))
}

func blockUntilCancelled(ctx context.Context, phase string) {
	<-ctx.Done()
}

func TestCapacityIsEnforcedUnderConcurrency(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentWorkflows = 3
	h := newControllerHarness(t, cfg)
	h.agent.hold = blockUntilCancelled

	const attempts = 4
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		started  int
		rejected int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.ctrl.StartWorkflow(context.Background(), startRequest())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				started++
			case errors.Is(err, &WorkflowEngineError{Code: CodeCapacity}):
				rejected++
				assert.Contains(t, err.Error(), "max concurrent workflows reached (3)")
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, started)
	assert.Equal(t, 1, rejected)
	assert.Len(t, h.ctrl.ListActiveWorkflows(ListFilter{}), 3)
}

func TestCancelWorkflowReleasesSlot(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentWorkflows = 1
	h := newControllerHarness(t, cfg)
	h.agent.hold = blockUntilCancelled

	exec, err := h.ctrl.StartWorkflow(context.Background(), startRequest())
	require.NoError(t, err)
	waitForState(t, h.ctrl, exec.ID, StatePlanning)

	_, err = h.ctrl.StartWorkflow(context.Background(), startRequest())
	require.True(t, errors.Is(err, &WorkflowEngineError{Code: CodeCapacity}))

	assert.True(t, h.ctrl.CancelWorkflow(exec.ID))
	assert.False(t, h.ctrl.CancelWorkflow(exec.ID))
	assert.False(t, h.ctrl.CancelWorkflow("missing"))

	st := waitForState(t, h.ctrl, exec.ID, StateCancelled)
	assert.Equal(t, "cancelled by user", st.Execution.ErrorMessage)
	assert.Equal(t, TriggerCancel, st.DebugInfo.LastTransition.Trigger)
	assert.True(t, h.events.has(engine.EventWorkflowCancelled))

	second, err := h.ctrl.StartWorkflow(context.Background(), startRequest())
	require.NoError(t, err)
	waitForState(t, h.ctrl, second.ID, StatePlanning)
}

func TestConfirmPlan(t *testing.T) {
	h := newControllerHarness(t, testConfig())

	req := startRequest()
	req.AutoConfirmPlan = false
	exec, err := h.ctrl.StartWorkflow(context.Background(), req)
	require.NoError(t, err)

	h.events.waitFor(t, engine.EventPlanAwaiting)
	st, ok := h.ctrl.GetWorkflowStatus(exec.ID)
	require.True(t, ok)
	assert.Equal(t, StatePlanning, st.Summary.State)
	assert.True(t, st.Summary.Active)
	require.NotNil(t, st.DebugInfo.Deadline)

	err = h.ctrl.ConfirmPlan("missing")
	assert.True(t, errors.Is(err, &WorkflowEngineError{Code: CodeNotFound}))

	require.NoError(t, h.ctrl.ConfirmPlan(exec.ID))
	waitForState(t, h.ctrl, exec.ID, StateCompleted)

	err = h.ctrl.ConfirmPlan(exec.ID)
	assert.True(t, errors.Is(err, &WorkflowEngineError{Code: CodeNotFound}))
}

func TestRetryWorkflow(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 1
	cfg.MaxRetriesPerState = 1
	h := newControllerHarness(t, cfg, failed("deployment failed"), passed())

	exec, err := h.ctrl.StartWorkflow(context.Background(), startRequest())
	require.NoError(t, err)
	waitForState(t, h.ctrl, exec.ID, StateFailed)

	_, err = h.ctrl.RetryWorkflow(context.Background(), "missing")
	assert.True(t, errors.Is(err, &WorkflowEngineError{Code: CodeNotFound}))

	retried, err := h.ctrl.RetryWorkflow(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Equal(t, StateIdle, retried.CurrentState)

	st := waitForState(t, h.ctrl, exec.ID, StateCompleted)
	assert.Contains(t, triggers(st.Execution), TriggerResetForRetry)
	assert.Equal(t, 2, st.Execution.Metadata.CurrentIteration)

	_, err = h.ctrl.RetryWorkflow(context.Background(), exec.ID)
	assert.True(t, errors.Is(err, &WorkflowEngineError{Code: CodeRetryExhausted}))
}

func TestStopCancelsInFlightWorkflows(t *testing.T) {
	h := newControllerHarness(t, testConfig())
	h.agent.hold = blockUntilCancelled

	exec, err := h.ctrl.StartWorkflow(context.Background(), startRequest())
	require.NoError(t, err)
	waitForState(t, h.ctrl, exec.ID, StatePlanning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.ctrl.Stop(ctx))

	st, ok := h.ctrl.GetWorkflowStatus(exec.ID)
	require.True(t, ok)
	assert.Equal(t, StateCancelled, st.Summary.State)
	assert.Equal(t, TriggerShutdown, st.DebugInfo.LastTransition.Trigger)

	_, err = h.ctrl.StartWorkflow(context.Background(), startRequest())
	assert.True(t, errors.Is(err, &WorkflowEngineError{Code: CodeControllerState}))
}

func TestListActiveWorkflowsFilters(t *testing.T) {
	h := newControllerHarness(t, testConfig())
	h.agent.hold = blockUntilCancelled

	a, err := h.ctrl.StartWorkflow(context.Background(), startRequest())
	require.NoError(t, err)
	req := startRequest()
	req.ProjectID = "blog"
	b, err := h.ctrl.StartWorkflow(context.Background(), req)
	require.NoError(t, err)
	waitForState(t, h.ctrl, a.ID, StatePlanning)
	waitForState(t, h.ctrl, b.ID, StatePlanning)

	all := h.ctrl.ListActiveWorkflows(ListFilter{})
	require.Len(t, all, 2)
	assert.Equal(t, a.ID, all[0].ID)

	blog := h.ctrl.ListActiveWorkflows(ListFilter{ProjectID: "blog"})
	require.Len(t, blog, 1)
	assert.Equal(t, b.ID, blog[0].ID)

	assert.Empty(t, h.ctrl.ListActiveWorkflows(ListFilter{States: []State{StateValidating}}))
	assert.Len(t, h.ctrl.ListActiveWorkflows(ListFilter{States: []State{StatePlanning}}), 2)
}

func TestLoopPanicFailsWorkflow(t *testing.T) {
	h := newControllerHarness(t, testConfig())
	h.agent.hold = func(ctx context.Context, phase string) {
		if phase == string(StateCoding) {
			panic("agent exploded")
		}
	}

	exec, err := h.ctrl.StartWorkflow(context.Background(), startRequest())
	require.NoError(t, err)

	st := waitForState(t, h.ctrl, exec.ID, StateFailed)
	assert.True(t, strings.Contains(st.Execution.ErrorMessage, "agent exploded"), st.Execution.ErrorMessage)
}

func TestGetWorkflowConfig(t *testing.T) {
	cfg := testConfig()
	h := newControllerHarness(t, cfg)

	got := h.ctrl.GetWorkflowConfig()
	assert.Equal(t, cfg.Timeouts, got.Timeouts)
	assert.Equal(t, cfg.Delays, got.Delays)
	assert.Equal(t, cfg.MaxConcurrentWorkflows, got.Limits.MaxConcurrentWorkflows)
	assert.Equal(t, cfg.MaxIterations, got.Limits.MaxIterations)

	_, ok := h.ctrl.GetWorkflowStatus("missing")
	assert.False(t, ok)
}
