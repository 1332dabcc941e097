package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/devloop/pkg/engine"
	"github.com/openfroyo/devloop/pkg/telemetry"
	"github.com/openfroyo/devloop/pkg/validation"
)

// Config holds the limits, deadlines and polling delays of a Controller.
type Config struct {
	MaxConcurrentWorkflows int           `json:"max_concurrent_workflows" yaml:"max_concurrent_workflows" validate:"gt=0"`
	MaxIterations          int           `json:"max_iterations" yaml:"max_iterations" validate:"gt=0"`
	MaxRetriesPerState     int           `json:"max_retries_per_state" yaml:"max_retries_per_state" validate:"gte=0"`
	MaxValidationAttempts  int           `json:"max_validation_attempts" yaml:"max_validation_attempts" validate:"gte=0"`
	ValidationMaxRetries   int           `json:"validation_max_retries" yaml:"validation_max_retries" validate:"gte=0"`
	Timeouts               TimeoutPolicy `json:"timeouts" yaml:"timeouts"`
	Delays                 Delays        `json:"delays" yaml:"delays"`
	// FinishedRetention bounds how many terminal executions stay queryable.
	FinishedRetention int `json:"finished_retention" yaml:"finished_retention" validate:"gte=0"`
}

// Delays configures how the controller waits on external work.
type Delays struct {
	AgentPollInitial time.Duration `json:"agent_poll_initial" yaml:"agent_poll_initial" validate:"gt=0"`
	AgentPollMax     time.Duration `json:"agent_poll_max" yaml:"agent_poll_max" validate:"gtefield=AgentPollInitial"`
	PRPollInterval   time.Duration `json:"pr_poll_interval" yaml:"pr_poll_interval" validate:"gt=0"`
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentWorkflows: 10,
		MaxIterations:          5,
		MaxRetriesPerState:     3,
		MaxValidationAttempts:  3,
		ValidationMaxRetries:   validation.DefaultMaxRetries,
		Timeouts:               DefaultTimeoutPolicy(),
		Delays: Delays{
			AgentPollInitial: 5 * time.Second,
			AgentPollMax:     60 * time.Second,
			PRPollInterval:   10 * time.Second,
		},
		FinishedRetention: 100,
	}
}

// Limits is the limit section of WorkflowConfig.
type Limits struct {
	MaxConcurrentWorkflows int `json:"max_concurrent_workflows"`
	MaxIterations          int `json:"max_iterations"`
	MaxRetriesPerState     int `json:"max_retries_per_state"`
	MaxValidationAttempts  int `json:"max_validation_attempts"`
	ValidationMaxRetries   int `json:"validation_max_retries"`
}

// WorkflowConfig is the read-only policy echo returned to hosts.
type WorkflowConfig struct {
	Timeouts TimeoutPolicy `json:"timeouts"`
	Limits   Limits        `json:"limits"`
	Delays   Delays        `json:"delays"`
}

// Validator runs one validation attempt. *validation.Pipeline implements it.
type Validator interface {
	Run(ctx context.Context, fc *validation.FlowContext, progress validation.ProgressFunc) *validation.FlowResult
}

// Dependencies are the collaborators of a Controller. Store, Notifier and
// Completion are optional.
type Dependencies struct {
	Agent      engine.AgentService
	SCM        engine.SourceControl
	Validator  Validator
	Store      StateStore
	Notifier   engine.Notifier
	Completion CompletionPolicy
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(logger zerolog.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = logger.With().Str("component", "controller").Logger()
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) ControllerOption {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithTracer sets the tracer used for iteration spans.
func WithTracer(t *telemetry.Tracer) ControllerOption {
	return func(c *Controller) {
		c.tracer = t
	}
}

// StartRequest describes a workflow to start.
type StartRequest struct {
	ProjectID           string                 `json:"project_id" validate:"required"`
	Repository          string                 `json:"repository" validate:"required,contains=/"`
	RepoURL             string                 `json:"repo_url,omitempty" validate:"omitempty,url"`
	InitialRequirements string                 `json:"initial_requirements" validate:"required"`
	PlanningStatement   string                 `json:"planning_statement,omitempty"`
	DeploymentCommands  []string               `json:"deployment_commands,omitempty"`
	TargetURL           string                 `json:"target_url,omitempty" validate:"omitempty,url"`
	UserPreferences     map[string]interface{} `json:"user_preferences,omitempty"`
	AutoConfirmPlan     bool                   `json:"auto_confirm_plan"`
	AutoMergePR         bool                   `json:"auto_merge_pr"`
	// MaxIterations overrides the configured default when positive.
	MaxIterations int `json:"max_iterations,omitempty" validate:"gte=0"`
}

// ListFilter narrows ListActiveWorkflows. Zero values match everything.
type ListFilter struct {
	ProjectID string
	States    []State
}

// StatusSummary is a condensed view of an execution.
type StatusSummary struct {
	State              State                `json:"state"`
	Active             bool                 `json:"active"`
	Iteration          int                  `json:"iteration"`
	MaxIterations      int                  `json:"max_iterations"`
	ValidationAttempts int                  `json:"validation_attempts"`
	PRNumber           int                  `json:"pr_number,omitempty"`
	PRURL              string               `json:"pr_url,omitempty"`
	Indicators         CompletionIndicators `json:"indicators"`
	Duration           time.Duration        `json:"duration"`
	Message            string               `json:"message,omitempty"`
}

// DebugInfo carries internals useful when diagnosing a stuck workflow.
type DebugInfo struct {
	StateEnteredAt time.Time        `json:"state_entered_at"`
	Deadline       *time.Time       `json:"deadline,omitempty"`
	LastTransition *StateTransition `json:"last_transition,omitempty"`
	AgentRuns      int              `json:"agent_runs"`
	ErrorContexts  []string         `json:"error_contexts,omitempty"`
}

// WorkflowStatus is returned by GetWorkflowStatus.
type WorkflowStatus struct {
	Execution *WorkflowExecution `json:"execution"`
	Summary   StatusSummary      `json:"summary"`
	DebugInfo *DebugInfo         `json:"debug_info,omitempty"`
}

var (
	errControllerStopped = errors.New("controller stopped")
	errUserCancelled     = errors.New("workflow cancelled")
)

// runner is the loop state of one in-flight execution.
type runner struct {
	exec          *WorkflowExecution
	ctx           context.Context
	cancel        context.CancelCauseFunc
	planConfirmed chan struct{}
	releaseOnce   sync.Once
}

// Controller owns the registry of in-flight workflows and drives each one
// to a terminal state on its own goroutine.
type Controller struct {
	cfg        Config
	deps       Dependencies
	sm         *StateMachine
	completion CompletionPolicy
	notifier   engine.Notifier
	validate   *validator.Validate
	sem        *semaphore.Weighted

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	mu            sync.RWMutex
	runners       map[string]*runner
	finished      map[string]*WorkflowExecution
	finishedOrder []string
	baseCtx       context.Context
	stopBase      context.CancelFunc
	running       bool
	wg            sync.WaitGroup
}

// NewController creates a controller. Agent, SCM and Validator are required.
func NewController(cfg Config, deps Dependencies, opts ...ControllerOption) (*Controller, error) {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid controller config: %w", err)
	}
	if deps.Agent == nil || deps.SCM == nil || deps.Validator == nil {
		return nil, fmt.Errorf("controller requires agent, source control and validator")
	}

	c := &Controller{
		cfg:        cfg,
		deps:       deps,
		completion: deps.Completion,
		notifier:   deps.Notifier,
		validate:   v,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrentWorkflows)),
		logger:     zerolog.Nop(),
		runners:    make(map[string]*runner),
		finished:   make(map[string]*WorkflowExecution),
	}
	if c.completion == nil {
		c.completion = DefaultCompletionPolicy()
	}
	if c.notifier == nil {
		c.notifier = engine.Discard
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sm = NewStateMachine(cfg.Timeouts,
		WithTimeoutHandler(c.onTimeout),
		WithStateMachineLogger(c.logger),
	)
	return c, nil
}

// Start makes the controller accept workflows. Loops run until Stop is
// called or ctx is cancelled.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return NewWorkflowEngineError(CodeControllerState, "controller already started", nil)
	}
	c.baseCtx, c.stopBase = context.WithCancel(ctx)
	c.running = true
	c.logger.Info().Int("max_concurrent_workflows", c.cfg.MaxConcurrentWorkflows).Msg("Controller started")
	return nil
}

// Stop cancels every in-flight workflow and waits for the loops to exit
// or ctx to expire.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	runners := make([]*runner, 0, len(c.runners))
	for _, r := range c.runners {
		runners = append(runners, r)
	}
	c.mu.Unlock()

	for _, r := range runners {
		if err := c.terminate(context.Background(), r, StateCancelled, TriggerShutdown, Conditions{}, "controller stopped"); err != nil {
			c.logger.Debug().Err(err).Str("workflow_id", r.exec.ID).Msg("Workflow already finished at shutdown")
		}
		r.cancel(errControllerStopped)
	}
	c.stopBase()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info().Msg("Controller stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("controller stop: %w", ctx.Err())
	}
}

// StartWorkflow registers a new execution and launches its loop. The
// returned execution is a snapshot; query GetWorkflowStatus for progress.
func (c *Controller) StartWorkflow(ctx context.Context, req StartRequest) (*WorkflowExecution, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, NewWorkflowEngineError(CodeInvalidRequest, "invalid start request", err)
	}

	c.mu.RLock()
	running := c.running
	c.mu.RUnlock()
	if !running {
		return nil, NewWorkflowEngineError(CodeControllerState, "controller is not running", nil)
	}

	if !c.sem.TryAcquire(1) {
		return nil, NewWorkflowEngineError(CodeCapacity,
			fmt.Sprintf("max concurrent workflows reached (%d)", c.cfg.MaxConcurrentWorkflows), nil)
	}

	exec := NewWorkflowExecution(uuid.New().String(), req.ProjectID, c.newMetadata(req))

	r, err := c.register(exec)
	if err != nil {
		c.sem.Release(1)
		return nil, err
	}

	c.metrics.RecordWorkflowStarted(req.ProjectID)
	c.emit(engine.EventWorkflowStarted, exec, map[string]interface{}{
		"repository": req.Repository,
	})
	c.persist(ctx, exec)
	c.logger.Info().
		Str("workflow_id", exec.ID).
		Str("project_id", exec.ProjectID).
		Str("repository", req.Repository).
		Msg("Workflow started")

	snapshot := exec.Clone()
	c.launch(r)
	return snapshot, nil
}

func (c *Controller) newMetadata(req StartRequest) *Metadata {
	maxIterations := req.MaxIterations
	if maxIterations <= 0 {
		maxIterations = c.cfg.MaxIterations
	}
	repoURL := req.RepoURL
	if repoURL == "" {
		repoURL = fmt.Sprintf("https://github.com/%s.git", req.Repository)
	}
	return &Metadata{
		InitialRequirements:   req.InitialRequirements,
		PlanningStatement:     req.PlanningStatement,
		Repository:            req.Repository,
		RepoURL:               repoURL,
		DeploymentCommands:    append([]string(nil), req.DeploymentCommands...),
		TargetURL:             req.TargetURL,
		UserPreferences:       req.UserPreferences,
		AutoConfirmPlan:       req.AutoConfirmPlan,
		AutoMergePR:           req.AutoMergePR,
		MaxIterations:         maxIterations,
		MaxRetriesPerState:    c.cfg.MaxRetriesPerState,
		MaxValidationAttempts: c.cfg.MaxValidationAttempts,
		MaxValidationRetries:  c.cfg.ValidationMaxRetries,
		CurrentIteration:      1,
	}
}

// register adds a runner for exec. The caller holds a capacity slot.
func (c *Controller) register(exec *WorkflowExecution) (*runner, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil, NewWorkflowEngineError(CodeControllerState, "controller is not running", nil)
	}
	ctx, cancel := context.WithCancelCause(c.baseCtx)
	r := &runner{
		exec:          exec,
		ctx:           ctx,
		cancel:        cancel,
		planConfirmed: make(chan struct{}, 1),
	}
	c.runners[exec.ID] = r
	delete(c.finished, exec.ID)
	return r, nil
}

func (c *Controller) launch(r *runner) {
	c.wg.Add(1)
	go c.loop(r)
}

// CancelWorkflow cancels an in-flight workflow. It returns false when the
// workflow is unknown or already finished.
func (c *Controller) CancelWorkflow(id string) bool {
	r, ok := c.runner(id)
	if !ok {
		return false
	}
	if err := c.terminate(context.Background(), r, StateCancelled, TriggerCancel, Conditions{}, "cancelled by user"); err != nil {
		return false
	}
	r.cancel(errUserCancelled)
	return true
}

// ConfirmPlan releases a workflow waiting for plan confirmation.
func (c *Controller) ConfirmPlan(id string) error {
	r, ok := c.runner(id)
	if !ok {
		return NewWorkflowEngineError(CodeNotFound, fmt.Sprintf("workflow %s not found", id), nil)
	}
	if state := r.exec.State(); state != StatePlanning {
		return NewWorkflowEngineError(CodeNotRunning, fmt.Sprintf("workflow %s is %s, not planning", id, state), nil)
	}
	select {
	case r.planConfirmed <- struct{}{}:
	default:
	}
	return nil
}

// RetryWorkflow resets a failed workflow and runs it again.
func (c *Controller) RetryWorkflow(ctx context.Context, id string) (*WorkflowExecution, error) {
	c.mu.RLock()
	exec, ok := c.finished[id]
	running := c.running
	c.mu.RUnlock()
	if !ok {
		return nil, NewWorkflowEngineError(CodeNotFound, fmt.Sprintf("workflow %s not found", id), nil)
	}
	if !running {
		return nil, NewWorkflowEngineError(CodeControllerState, "controller is not running", nil)
	}
	if !c.sem.TryAcquire(1) {
		return nil, NewWorkflowEngineError(CodeCapacity,
			fmt.Sprintf("max concurrent workflows reached (%d)", c.cfg.MaxConcurrentWorkflows), nil)
	}

	if _, err := c.sm.ResetForRetry(exec); err != nil {
		c.sem.Release(1)
		return nil, NewWorkflowEngineError(CodeRetryExhausted, fmt.Sprintf("workflow %s cannot be retried", id), err)
	}
	exec.Update(func(m *Metadata) {
		m.PrepareNextIteration()
	})

	r, err := c.register(exec)
	if err != nil {
		c.sem.Release(1)
		return nil, err
	}

	last, _ := exec.LastTransition()
	c.recordTransition(ctx, exec, last)
	c.metrics.RecordWorkflowStarted(exec.ProjectID)
	c.emit(engine.EventWorkflowStarted, exec, map[string]interface{}{
		"retry": exec.Clone().RetryCount,
	})
	c.logger.Info().Str("workflow_id", id).Msg("Workflow retried")

	snapshot := exec.Clone()
	c.launch(r)
	return snapshot, nil
}

// GetWorkflowStatus returns a read-only view of an active or recently
// finished workflow.
func (c *Controller) GetWorkflowStatus(id string) (*WorkflowStatus, bool) {
	c.mu.RLock()
	var exec *WorkflowExecution
	active := false
	if r, ok := c.runners[id]; ok {
		exec, active = r.exec, true
	} else if e, ok := c.finished[id]; ok {
		exec = e
	}
	c.mu.RUnlock()
	if exec == nil {
		return nil, false
	}

	exec.mu.Lock()
	snapshot := exec.cloneLocked()
	enteredAt := exec.stateEnteredAt
	exec.mu.Unlock()

	md := snapshot.Metadata
	status := &WorkflowStatus{
		Execution: snapshot,
		Summary: StatusSummary{
			State:              snapshot.CurrentState,
			Active:             active && !snapshot.CurrentState.IsTerminal(),
			Iteration:          md.CurrentIteration,
			MaxIterations:      md.MaxIterations,
			ValidationAttempts: md.TotalValidationAttempts,
			PRNumber:           md.CurrentPRNumber,
			PRURL:              md.CurrentPRURL,
			Indicators:         md.Indicators,
			Duration:           snapshot.Duration(),
			Message:            snapshot.ErrorMessage,
		},
		DebugInfo: &DebugInfo{
			StateEnteredAt: enteredAt,
			AgentRuns:      len(md.AgentRunHistory),
			ErrorContexts:  md.ErrorContexts,
		},
	}
	if snapshot.CurrentState == StateCompleted {
		status.Summary.Message = snapshot.ResultSummary
	}
	if d := c.cfg.Timeouts.For(snapshot.CurrentState); d > 0 && !snapshot.CurrentState.IsTerminal() {
		deadline := enteredAt.Add(d)
		status.DebugInfo.Deadline = &deadline
	}
	if n := len(snapshot.StateHistory); n > 0 {
		last := snapshot.StateHistory[n-1]
		status.DebugInfo.LastTransition = &last
	}
	return status, true
}

// ListActiveWorkflows returns snapshots of in-flight workflows, oldest first.
func (c *Controller) ListActiveWorkflows(filter ListFilter) []*WorkflowExecution {
	c.mu.RLock()
	execs := make([]*WorkflowExecution, 0, len(c.runners))
	for _, r := range c.runners {
		execs = append(execs, r.exec)
	}
	c.mu.RUnlock()

	out := make([]*WorkflowExecution, 0, len(execs))
	for _, e := range execs {
		snapshot := e.Clone()
		if snapshot.CurrentState.IsTerminal() {
			continue
		}
		if filter.ProjectID != "" && snapshot.ProjectID != filter.ProjectID {
			continue
		}
		if len(filter.States) > 0 && !containsState(filter.States, snapshot.CurrentState) {
			continue
		}
		out = append(out, snapshot)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// GetWorkflowConfig echoes the controller policy.
func (c *Controller) GetWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		Timeouts: c.cfg.Timeouts,
		Limits: Limits{
			MaxConcurrentWorkflows: c.cfg.MaxConcurrentWorkflows,
			MaxIterations:          c.cfg.MaxIterations,
			MaxRetriesPerState:     c.cfg.MaxRetriesPerState,
			MaxValidationAttempts:  c.cfg.MaxValidationAttempts,
			ValidationMaxRetries:   c.cfg.ValidationMaxRetries,
		},
		Delays: c.cfg.Delays,
	}
}

func containsState(states []State, s State) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}

func (c *Controller) runner(id string) (*runner, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.runners[id]
	return r, ok
}

// loop drives one execution until it is terminal.
func (c *Controller) loop(r *runner) {
	defer c.wg.Done()
	defer r.cancel(nil)
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error().Interface("panic", rec).Str("workflow_id", r.exec.ID).Msg("Workflow loop panicked")
			c.fail(r, fmt.Errorf("workflow loop panicked: %v", rec))
		}
	}()

	if err := c.transition(r.ctx, r, StatePlanning, TriggerStart, Conditions{}); err != nil {
		c.fail(r, err)
		return
	}

	for !r.exec.State().IsTerminal() {
		if err := c.iterate(r); err != nil {
			c.fail(r, err)
			return
		}
	}
}

// iterate runs the handlers of one iteration under a single span.
func (c *Controller) iterate(r *runner) error {
	var iteration int
	r.exec.View(func(_ State, m *Metadata) { iteration = m.CurrentIteration })

	ctx, span := c.tracer.StartWorkflowSpan(r.ctx, r.exec.ID, r.exec.ProjectID, iteration)
	defer span.End()

	for {
		if err := r.ctx.Err(); err != nil {
			return context.Cause(r.ctx)
		}

		var err error
		switch state := r.exec.State(); state {
		case StatePlanning:
			err = c.handlePlanning(ctx, r)
		case StateCoding:
			err = c.handleCoding(ctx, r)
		case StatePrCreated:
			err = c.handlePrCreated(ctx, r)
		case StateValidating:
			var done bool
			done, err = c.handleValidating(ctx, r)
			if err == nil && done {
				err = c.finishIteration(ctx, r)
				if err == nil {
					return nil
				}
			}
		default:
			if state.IsTerminal() {
				return nil
			}
			err = fmt.Errorf("no handler for state %s", state)
		}

		if err != nil {
			telemetry.RecordError(span, err)
			return err
		}
	}
}

// finishIteration decides between completion, failure and another iteration.
func (c *Controller) finishIteration(ctx context.Context, r *runner) error {
	var (
		indicators    CompletionIndicators
		iteration     int
		maxIterations int
		maxAttempts   int
		carryOn       bool
	)
	r.exec.View(func(_ State, m *Metadata) {
		indicators = m.Indicators
		iteration = m.CurrentIteration
		maxIterations = m.MaxIterations
		maxAttempts = m.MaxValidationAttempts
		carryOn = m.ShouldContinueIteration()
	})

	report, err := c.completion.Evaluate(ctx, indicators)
	if err != nil {
		return fmt.Errorf("failed to evaluate completion: %w", err)
	}

	if report.Complete {
		summary := fmt.Sprintf("requirements satisfied after %d iteration(s): %s", iteration, report.Reason)
		return c.terminate(ctx, r, StateCompleted, TriggerRequirementsMet, Conditions{ValidationComplete: true}, summary)
	}

	if !carryOn {
		msg := fmt.Sprintf("maximum iterations (%d) or validation attempts (%d) reached: %s",
			maxIterations, maxAttempts, report.Reason)
		return c.terminate(ctx, r, StateFailed, TriggerIterationsReached, Conditions{}, msg)
	}

	r.exec.Update(func(m *Metadata) {
		m.PrepareNextIteration()
	})
	c.logger.Info().
		Str("workflow_id", r.exec.ID).
		Int("iteration", iteration+1).
		Strs("missing", report.Missing).
		Msg("Starting next iteration")
	return c.transition(ctx, r, StatePlanning, TriggerNextIteration, Conditions{})
}

// fail routes a loop error to a terminal state. Errors caused by a fired
// timeout, a cancellation or shutdown are resolved by their cause.
func (c *Controller) fail(r *runner, err error) {
	if r.exec.State().IsTerminal() {
		return
	}

	if r.ctx.Err() != nil {
		err = context.Cause(r.ctx)
	}

	switch {
	case errors.Is(err, errUserCancelled):
		_ = c.terminate(context.Background(), r, StateCancelled, TriggerCancel, Conditions{}, "cancelled by user")
		return
	case errors.Is(err, errControllerStopped), errors.Is(err, context.Canceled):
		_ = c.terminate(context.Background(), r, StateCancelled, TriggerShutdown, Conditions{}, "controller stopped")
		return
	}

	if te, ok := AsTimeout(err); ok {
		c.timeout(r, te)
		return
	}

	c.metrics.RecordError(engine.ClassOf(err), "workflow")
	r.exec.Update(func(m *Metadata) {
		m.AddErrorContext(err.Error())
	})
	c.logger.Error().Err(err).Str("workflow_id", r.exec.ID).Msg("Workflow failed")
	if terr := c.terminate(context.Background(), r, StateFailed, TriggerError, Conditions{}, err.Error()); terr != nil {
		c.logger.Debug().Err(terr).Str("workflow_id", r.exec.ID).Msg("Failed transition rejected")
	}
}

// onTimeout runs on the timer goroutine. It fails the workflow and
// interrupts whatever the loop is waiting on.
func (c *Controller) onTimeout(te *TimeoutError) {
	r, ok := c.runner(te.WorkflowID)
	if !ok {
		return
	}
	if r.exec.State() != te.State {
		return
	}
	c.metrics.RecordStateTimeout(string(te.State))
	c.timeout(r, te)
	r.cancel(te)
}

func (c *Controller) timeout(r *runner, te *TimeoutError) {
	msg := fmt.Sprintf("timed out in state %s after %s", te.State, te.Timeout)
	r.exec.Update(func(m *Metadata) {
		m.AddErrorContext(msg)
	})
	if err := c.terminate(context.Background(), r, StateFailed, TriggerTimeout, Conditions{}, msg); err != nil {
		c.logger.Debug().Err(err).Str("workflow_id", r.exec.ID).Msg("Timeout transition rejected")
	}
}

// transition performs a non-terminal transition and records it.
func (c *Controller) transition(ctx context.Context, r *runner, to State, trigger string, conds Conditions) error {
	t, err := c.sm.Transition(r.exec, to, trigger, conds)
	if err != nil {
		return err
	}
	telemetry.AddStateEvent(trace.SpanFromContext(ctx), string(t.FromState), string(t.ToState), trigger)
	c.recordTransition(ctx, r.exec, *t)
	return nil
}

// terminate moves the execution into a terminal state and releases its slot.
func (c *Controller) terminate(ctx context.Context, r *runner, to State, trigger string, conds Conditions, message string) error {
	t, err := c.sm.Terminate(r.exec, to, trigger, conds, message)
	if err != nil {
		return err
	}
	telemetry.AddStateEvent(trace.SpanFromContext(ctx), string(t.FromState), string(t.ToState), trigger)
	c.recordTransition(ctx, r.exec, *t)
	c.release(r)
	return nil
}

// release deregisters a terminal execution exactly once.
func (c *Controller) release(r *runner) {
	r.releaseOnce.Do(func() {
		exec := r.exec
		c.mu.Lock()
		if c.runners[exec.ID] == r {
			delete(c.runners, exec.ID)
		}
		c.remember(exec)
		c.mu.Unlock()
		c.sem.Release(1)

		snapshot := exec.Clone()
		c.metrics.RecordWorkflowFinished(string(snapshot.CurrentState), snapshot.Duration())

		var eventType, message string
		switch snapshot.CurrentState {
		case StateCompleted:
			eventType, message = engine.EventWorkflowCompleted, snapshot.ResultSummary
		case StateCancelled:
			eventType, message = engine.EventWorkflowCancelled, snapshot.ErrorMessage
		default:
			eventType, message = engine.EventWorkflowFailed, snapshot.ErrorMessage
		}
		c.emit(eventType, exec, map[string]interface{}{
			"message":    message,
			"iterations": snapshot.Metadata.CurrentIteration,
		})
		c.logger.Info().
			Str("workflow_id", exec.ID).
			Str("state", string(snapshot.CurrentState)).
			Dur("duration", snapshot.Duration()).
			Msg(message)
	})
}

// remember keeps a terminal execution queryable. Caller holds c.mu.
func (c *Controller) remember(exec *WorkflowExecution) {
	if _, ok := c.finished[exec.ID]; !ok {
		c.finishedOrder = append(c.finishedOrder, exec.ID)
	}
	c.finished[exec.ID] = exec
	for c.cfg.FinishedRetention > 0 && len(c.finishedOrder) > c.cfg.FinishedRetention {
		oldest := c.finishedOrder[0]
		c.finishedOrder = c.finishedOrder[1:]
		delete(c.finished, oldest)
	}
}

func (c *Controller) recordTransition(ctx context.Context, exec *WorkflowExecution, t StateTransition) {
	c.metrics.RecordStateTransition(string(t.FromState), string(t.ToState))
	c.emit(engine.EventStateTransition, exec, map[string]interface{}{
		"from_state": string(t.FromState),
		"to_state":   string(t.ToState),
		"trigger":    t.Trigger,
		"message":    t.Message,
	})

	if c.deps.Store == nil {
		return
	}
	storeCtx, cancel := storeContext(ctx)
	defer cancel()
	if err := c.deps.Store.AppendTransition(storeCtx, exec.ID, t); err != nil {
		c.logger.Warn().Err(err).Str("workflow_id", exec.ID).Msg("Failed to persist transition")
	}
	c.persist(storeCtx, exec)
}

func (c *Controller) persist(ctx context.Context, exec *WorkflowExecution) {
	if c.deps.Store == nil {
		return
	}
	storeCtx, cancel := storeContext(ctx)
	defer cancel()
	if err := c.deps.Store.SaveExecution(storeCtx, exec.Clone()); err != nil {
		c.logger.Warn().Err(err).Str("workflow_id", exec.ID).Msg("Failed to persist execution")
	}
}

// storeContext detaches persistence from loop cancellation.
func storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}

func (c *Controller) emit(eventType string, exec *WorkflowExecution, extra map[string]interface{}) {
	payload := map[string]interface{}{
		"workflow_id": exec.ID,
		"project_id":  exec.ProjectID,
	}
	exec.View(func(state State, m *Metadata) {
		payload["state"] = string(state)
		payload["iteration"] = m.CurrentIteration
	})
	for k, v := range extra {
		payload[k] = v
	}
	c.notifier.Emit(eventType, payload)
}
