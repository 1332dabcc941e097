package workflow

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Triggers recorded in state history.
const (
	TriggerStart             = "workflow_started"
	TriggerPlanReady         = "plan_ready"
	TriggerPRDetected        = "pr_detected"
	TriggerPRAvailable       = "pr_available"
	TriggerValidationRetry   = "validation_retry"
	TriggerRequirementsMet   = "requirements_met"
	TriggerNextIteration     = "next_iteration"
	TriggerIterationsReached = "max_iterations_reached"
	TriggerTimeout           = "timeout"
	TriggerError             = "error"
	TriggerCancel            = "user_cancelled"
	TriggerResetForRetry     = "reset_for_retry"
	TriggerShutdown          = "controller_shutdown"
)

// TimeoutPolicy holds the per-state deadlines. A zero duration disables the timeout.
type TimeoutPolicy struct {
	Planning   time.Duration `json:"planning"`
	Coding     time.Duration `json:"coding"`
	PrCreated  time.Duration `json:"pr_created"`
	Validating time.Duration `json:"validating"`
}

// DefaultTimeoutPolicy returns the default per-state deadlines.
func DefaultTimeoutPolicy() TimeoutPolicy {
	return TimeoutPolicy{
		Planning:   30 * time.Minute,
		Coding:     60 * time.Minute,
		PrCreated:  15 * time.Minute,
		Validating: 45 * time.Minute,
	}
}

// For returns the deadline configured for state.
func (p TimeoutPolicy) For(state State) time.Duration {
	switch state {
	case StatePlanning:
		return p.Planning
	case StateCoding:
		return p.Coding
	case StatePrCreated:
		return p.PrCreated
	case StateValidating:
		return p.Validating
	default:
		return 0
	}
}

// TimeoutHandler is called when a state outlives its deadline.
// It runs on the timer goroutine and must not block.
type TimeoutHandler func(*TimeoutError)

// StateMachine validates and performs transitions and owns state timeouts.
// One StateMachine serves many executions; each execution is locked
// individually.
type StateMachine struct {
	timeouts  TimeoutPolicy
	onTimeout TimeoutHandler
	logger    zerolog.Logger
}

// StateMachineOption configures a StateMachine.
type StateMachineOption func(*StateMachine)

// WithTimeoutHandler registers the callback for fired timeouts.
func WithTimeoutHandler(h TimeoutHandler) StateMachineOption {
	return func(sm *StateMachine) {
		sm.onTimeout = h
	}
}

// WithStateMachineLogger sets the logger.
func WithStateMachineLogger(logger zerolog.Logger) StateMachineOption {
	return func(sm *StateMachine) {
		sm.logger = logger.With().Str("component", "state-machine").Logger()
	}
}

// NewStateMachine creates a state machine with the given timeouts.
func NewStateMachine(timeouts TimeoutPolicy, opts ...StateMachineOption) *StateMachine {
	sm := &StateMachine{
		timeouts: timeouts,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(sm)
	}
	return sm
}

// Timeouts returns the configured deadlines.
func (sm *StateMachine) Timeouts() TimeoutPolicy {
	return sm.timeouts
}

// IsTerminalState reports whether state has no outgoing transitions.
func (sm *StateMachine) IsTerminalState(state State) bool {
	return state.IsTerminal()
}

// GetValidTransitions returns the states reachable from state.
func (sm *StateMachine) GetValidTransitions(state State) []State {
	targets := transitions[state]
	out := make([]State, len(targets))
	copy(out, targets)
	return out
}

// ValidateTransition reports whether Transition would succeed, without mutating anything.
func (sm *StateMachine) ValidateTransition(exec *WorkflowExecution, to State, conds Conditions) bool {
	exec.mu.Lock()
	defer exec.mu.Unlock()
	return sm.check(exec, to, conds) == nil
}

// Transition moves exec to state to. The execution is left untouched when
// the transition is not allowed or a required condition is not satisfied.
func (sm *StateMachine) Transition(exec *WorkflowExecution, to State, trigger string, conds Conditions) (*StateTransition, error) {
	return sm.transition(exec, to, trigger, conds, "")
}

// Terminate moves exec into a terminal state and records message as the
// error message (Failed, Cancelled) or the result summary (Completed).
func (sm *StateMachine) Terminate(exec *WorkflowExecution, to State, trigger string, conds Conditions, message string) (*StateTransition, error) {
	if !to.IsTerminal() {
		return nil, &InvalidTransitionError{WorkflowID: exec.ID, From: exec.State(), To: to, Reason: "not a terminal state"}
	}
	return sm.transition(exec, to, trigger, conds, message)
}

func (sm *StateMachine) transition(exec *WorkflowExecution, to State, trigger string, conds Conditions, message string) (*StateTransition, error) {
	exec.mu.Lock()
	defer exec.mu.Unlock()

	if err := sm.check(exec, to, conds); err != nil {
		return nil, err
	}

	now := time.Now()
	t := StateTransition{
		FromState:  exec.CurrentState,
		ToState:    to,
		Trigger:    trigger,
		Timestamp:  now,
		Conditions: conds,
		Message:    message,
	}

	sm.disarmLocked(exec)

	exec.StateHistory = append(exec.StateHistory, t)
	exec.CurrentState = to
	exec.stateEnteredAt = now

	if to.IsTerminal() {
		exec.CompletedAt = &now
		if to == StateCompleted {
			exec.ResultSummary = message
		} else {
			exec.ErrorMessage = message
		}
	} else {
		sm.armLocked(exec, to, now)
	}

	sm.logger.Debug().
		Str("workflow_id", exec.ID).
		Str("from", string(t.FromState)).
		Str("to", string(to)).
		Str("trigger", trigger).
		Msg("State transition")

	return &t, nil
}

func (sm *StateMachine) check(exec *WorkflowExecution, to State, conds Conditions) error {
	from := exec.CurrentState
	if err := to.Validate(); err != nil {
		return &InvalidTransitionError{WorkflowID: exec.ID, From: from, To: to, Reason: err.Error()}
	}
	if !allowed(from, to) {
		reason := "transition not allowed"
		if from.IsTerminal() {
			reason = fmt.Sprintf("%s is a terminal state", from)
		}
		return &InvalidTransitionError{WorkflowID: exec.ID, From: from, To: to, Reason: reason}
	}
	if missing := conds.missing(requiredConditions[edge{from, to}]); len(missing) > 0 {
		return &InvalidTransitionError{WorkflowID: exec.ID, From: from, To: to, Missing: missing}
	}
	return nil
}

// CanRetry reports whether a failed execution may be reset.
func (sm *StateMachine) CanRetry(exec *WorkflowExecution) bool {
	exec.mu.Lock()
	defer exec.mu.Unlock()
	return canRetryLocked(exec)
}

func canRetryLocked(exec *WorkflowExecution) bool {
	limit := 0
	if exec.Metadata != nil {
		limit = exec.Metadata.MaxRetriesPerState
	}
	return exec.RetryCount < limit
}

// ResetForRetry returns a Failed execution to Idle and counts the retry.
// Nothing is changed when the execution is not Failed or has no retries left.
func (sm *StateMachine) ResetForRetry(exec *WorkflowExecution) (*WorkflowExecution, error) {
	exec.mu.Lock()
	defer exec.mu.Unlock()

	if exec.CurrentState != StateFailed {
		return nil, &InvalidTransitionError{
			WorkflowID: exec.ID, From: exec.CurrentState, To: StateIdle,
			Reason: "only failed workflows can be reset",
		}
	}
	if !canRetryLocked(exec) {
		return nil, &InvalidTransitionError{
			WorkflowID: exec.ID, From: exec.CurrentState, To: StateIdle,
			Reason: fmt.Sprintf("retry limit reached (%d)", exec.RetryCount),
		}
	}

	now := time.Now()
	exec.StateHistory = append(exec.StateHistory, StateTransition{
		FromState: StateFailed,
		ToState:   StateIdle,
		Trigger:   TriggerResetForRetry,
		Timestamp: now,
	})
	exec.CurrentState = StateIdle
	exec.stateEnteredAt = now
	exec.RetryCount++
	exec.ErrorMessage = ""
	exec.CompletedAt = nil

	return exec, nil
}

// Disarm cancels any pending timeout of exec.
func (sm *StateMachine) Disarm(exec *WorkflowExecution) {
	exec.mu.Lock()
	defer exec.mu.Unlock()
	sm.disarmLocked(exec)
}

func (sm *StateMachine) disarmLocked(exec *WorkflowExecution) {
	if exec.timer != nil {
		exec.timer.Stop()
		exec.timer = nil
	}
	// A timer that already fired but has not taken the lock yet sees a
	// newer generation and does nothing.
	exec.timerGen++
}

func (sm *StateMachine) armLocked(exec *WorkflowExecution, state State, enteredAt time.Time) {
	d := sm.timeouts.For(state)
	if d <= 0 {
		return
	}
	gen := exec.timerGen
	exec.timer = time.AfterFunc(d, func() {
		sm.fire(exec, gen, state, d, enteredAt)
	})
}

func (sm *StateMachine) fire(exec *WorkflowExecution, gen uint64, state State, d time.Duration, enteredAt time.Time) {
	exec.mu.Lock()
	if exec.timerGen != gen || exec.CurrentState != state {
		exec.mu.Unlock()
		return
	}
	exec.timer = nil
	exec.mu.Unlock()

	te := &TimeoutError{
		WorkflowID: exec.ID,
		State:      state,
		Timeout:    d,
		EnteredAt:  enteredAt,
	}

	sm.logger.Warn().
		Str("workflow_id", exec.ID).
		Str("state", string(state)).
		Dur("timeout", d).
		Msg("State timeout fired")

	if sm.onTimeout != nil {
		sm.onTimeout(te)
	}
}
