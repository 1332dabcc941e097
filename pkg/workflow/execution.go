package workflow

import (
	"sync"
	"time"
)

// StateTransition is one entry of an execution's append-only history.
type StateTransition struct {
	FromState  State      `json:"from_state"`
	ToState    State      `json:"to_state"`
	Trigger    string     `json:"trigger"`
	Timestamp  time.Time  `json:"timestamp"`
	Conditions Conditions `json:"conditions"`
	Message    string     `json:"message,omitempty"`
}

// PRRecord remembers a pull request produced during an iteration.
type PRRecord struct {
	Number     int       `json:"number"`
	URL        string    `json:"url,omitempty"`
	Branch     string    `json:"branch,omitempty"`
	Iteration  int       `json:"iteration"`
	DetectedAt time.Time `json:"detected_at"`
}

// AgentRunRecord remembers an agent run started by the workflow.
type AgentRunRecord struct {
	RunID        string    `json:"run_id"`
	Phase        State     `json:"phase"`
	Iteration    int       `json:"iteration"`
	Status       string    `json:"status"`
	ResponseType string    `json:"response_type,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at,omitempty"`
}

// CompletionIndicators are the signals that decide whether the requirements are met.
type CompletionIndicators struct {
	PRMerged             bool `json:"pr_merged"`
	TestsPassing         bool `json:"tests_passing"`
	DeploymentSuccessful bool `json:"deployment_successful"`
	ValidationPassed     bool `json:"validation_passed"`
}

// Metadata is the configuration and iteration bookkeeping of one workflow.
type Metadata struct {
	InitialRequirements string                 `json:"initial_requirements"`
	PlanningStatement   string                 `json:"planning_statement,omitempty"`
	Repository          string                 `json:"repository"`
	RepoURL             string                 `json:"repo_url"`
	DeploymentCommands  []string               `json:"deployment_commands,omitempty"`
	TargetURL           string                 `json:"target_url,omitempty"`
	UserPreferences     map[string]interface{} `json:"user_preferences,omitempty"`

	AutoConfirmPlan       bool `json:"auto_confirm_plan"`
	AutoMergePR           bool `json:"auto_merge_pr"`
	MaxIterations         int  `json:"max_iterations"`
	MaxRetriesPerState    int  `json:"max_retries_per_state"`
	MaxValidationAttempts int  `json:"max_validation_attempts"`
	MaxValidationRetries  int  `json:"max_validation_retries"`

	CurrentIteration        int    `json:"current_iteration"`
	ValidationAttempts      int    `json:"validation_attempts"` // current iteration only
	TotalValidationAttempts int    `json:"total_validation_attempts"`
	CurrentPRNumber         int    `json:"current_pr_number,omitempty"`
	CurrentPRURL            string `json:"current_pr_url,omitempty"`
	CurrentPRBranch         string `json:"current_pr_branch,omitempty"`
	CurrentPRHeadSHA        string `json:"current_pr_head_sha,omitempty"`
	CurrentPlan             string `json:"current_plan,omitempty"`
	LastResponse            string `json:"last_response,omitempty"`

	PRHistory          []PRRecord           `json:"pr_history,omitempty"`
	AgentRunHistory    []AgentRunRecord     `json:"agent_run_history,omitempty"`
	AccumulatedContext []string             `json:"accumulated_context,omitempty"`
	ErrorContexts      []string             `json:"error_contexts,omitempty"`
	Indicators         CompletionIndicators `json:"indicators"`
}

// ShouldContinueIteration reports whether another iteration may start. It
// stops once the iteration limit is reached or the current iteration spent
// its whole validation attempt budget.
func (m *Metadata) ShouldContinueIteration() bool {
	if m.CurrentIteration >= m.MaxIterations {
		return false
	}
	if m.MaxValidationAttempts > 0 && m.ValidationAttempts >= m.MaxValidationAttempts {
		return false
	}
	return true
}

// PrepareNextIteration advances the iteration counter, resets per-iteration
// counters and folds the previous response into the accumulated context.
func (m *Metadata) PrepareNextIteration() {
	if m.LastResponse != "" {
		m.AccumulatedContext = append(m.AccumulatedContext, m.LastResponse)
	}
	m.CurrentIteration++
	m.ValidationAttempts = 0
	m.CurrentPRNumber = 0
	m.CurrentPRURL = ""
	m.CurrentPRBranch = ""
	m.CurrentPRHeadSHA = ""
	m.CurrentPlan = ""
	m.LastResponse = ""
	m.Indicators = CompletionIndicators{}
}

// AddErrorContext records an error for the next generation attempt.
func (m *Metadata) AddErrorContext(msg string) {
	if msg == "" {
		return
	}
	m.ErrorContexts = append(m.ErrorContexts, msg)
}

func (m *Metadata) clone() *Metadata {
	if m == nil {
		return nil
	}
	c := *m
	c.DeploymentCommands = append([]string(nil), m.DeploymentCommands...)
	c.PRHistory = append([]PRRecord(nil), m.PRHistory...)
	c.AgentRunHistory = append([]AgentRunRecord(nil), m.AgentRunHistory...)
	c.AccumulatedContext = append([]string(nil), m.AccumulatedContext...)
	c.ErrorContexts = append([]string(nil), m.ErrorContexts...)
	if m.UserPreferences != nil {
		c.UserPreferences = make(map[string]interface{}, len(m.UserPreferences))
		for k, v := range m.UserPreferences {
			c.UserPreferences[k] = v
		}
	}
	return &c
}

// WorkflowExecution is one end-to-end attempt to satisfy a requirement.
// Its state is changed only through a StateMachine.
type WorkflowExecution struct {
	ID            string            `json:"id"`
	ProjectID     string            `json:"project_id"`
	CurrentState  State             `json:"current_state"`
	RetryCount    int               `json:"retry_count"`
	StartedAt     time.Time         `json:"started_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	ResultSummary string            `json:"result_summary,omitempty"`
	StateHistory  []StateTransition `json:"state_history"`
	Metadata      *Metadata         `json:"metadata"`

	mu             sync.Mutex
	stateEnteredAt time.Time
	timer          *time.Timer
	timerGen       uint64
}

// NewWorkflowExecution creates an execution in the Idle state.
func NewWorkflowExecution(id, projectID string, metadata *Metadata) *WorkflowExecution {
	now := time.Now()
	if metadata == nil {
		metadata = &Metadata{}
	}
	return &WorkflowExecution{
		ID:             id,
		ProjectID:      projectID,
		CurrentState:   StateIdle,
		StartedAt:      now,
		StateHistory:   []StateTransition{},
		Metadata:       metadata,
		stateEnteredAt: now,
	}
}

// State returns the current state.
func (e *WorkflowExecution) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.CurrentState
}

// Clone returns a deep copy safe to hand to readers.
func (e *WorkflowExecution) Clone() *WorkflowExecution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cloneLocked()
}

func (e *WorkflowExecution) cloneLocked() *WorkflowExecution {
	c := &WorkflowExecution{
		ID:             e.ID,
		ProjectID:      e.ProjectID,
		CurrentState:   e.CurrentState,
		RetryCount:     e.RetryCount,
		StartedAt:      e.StartedAt,
		ErrorMessage:   e.ErrorMessage,
		ResultSummary:  e.ResultSummary,
		StateHistory:   append([]StateTransition(nil), e.StateHistory...),
		Metadata:       e.Metadata.clone(),
		stateEnteredAt: e.stateEnteredAt,
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// Update runs fn with exclusive access to the metadata.
func (e *WorkflowExecution) Update(fn func(m *Metadata)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.Metadata)
}

// View runs fn with a consistent view of the execution. fn must not retain m.
func (e *WorkflowExecution) View(fn func(state State, m *Metadata)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.CurrentState, e.Metadata)
}

// LastTransition returns the most recent history entry, if any.
func (e *WorkflowExecution) LastTransition() (StateTransition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.StateHistory) == 0 {
		return StateTransition{}, false
	}
	return e.StateHistory[len(e.StateHistory)-1], true
}

// Duration returns how long the execution has been running, or ran.
func (e *WorkflowExecution) Duration() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.CompletedAt != nil {
		return e.CompletedAt.Sub(e.StartedAt)
	}
	return time.Since(e.StartedAt)
}
