package workflow

import (
	"encoding/json"
	"fmt"
)

// State is a workflow lifecycle state.
type State string

const (
	// StateIdle is the state of a freshly created or reset workflow.
	StateIdle State = "idle"

	// StatePlanning indicates the agent is producing an implementation plan.
	StatePlanning State = "planning"

	// StateCoding indicates the agent is implementing the confirmed plan.
	StateCoding State = "coding"

	// StatePrCreated indicates a pull request was reported and is being located.
	StatePrCreated State = "pr_created"

	// StateValidating indicates the validation pipeline is running on the pull request.
	StateValidating State = "validating"

	// StateCompleted indicates the requirements were satisfied.
	StateCompleted State = "completed"

	// StateFailed indicates the workflow gave up.
	StateFailed State = "failed"

	// StateCancelled indicates the workflow was cancelled by a user.
	StateCancelled State = "cancelled"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateIdle, StatePlanning, StateCoding, StatePrCreated,
	StateValidating, StateCompleted, StateFailed, StateCancelled,
}

// IsTerminal returns true if no transition leaves the state.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// IsActive returns true if the state belongs to a running workflow.
func (s State) IsActive() bool {
	return s.Validate() == nil && !s.IsTerminal()
}

// Validate checks if the state is valid.
func (s State) Validate() error {
	switch s {
	case StateIdle, StatePlanning, StateCoding, StatePrCreated,
		StateValidating, StateCompleted, StateFailed, StateCancelled:
		return nil
	default:
		return fmt.Errorf("invalid workflow state: %s", s)
	}
}

// MarshalJSON implements json.Marshaler with validation.
func (s State) MarshalJSON() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler with validation.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	state := State(str)
	if err := state.Validate(); err != nil {
		return err
	}
	*s = state
	return nil
}

// ParseState converts a string to a State.
func ParseState(s string) (State, error) {
	state := State(s)
	if err := state.Validate(); err != nil {
		return "", err
	}
	return state, nil
}

// Condition names a precondition signalled by a state handler.
type Condition string

const (
	CondPlanCreated        Condition = "plan_created"
	CondPlanConfirmed      Condition = "plan_confirmed"
	CondPRDetected         Condition = "pr_detected"
	CondPRAvailable        Condition = "pr_available"
	CondValidationComplete Condition = "validation_complete"
)

// Conditions carries the preconditions a handler observed before requesting a transition.
type Conditions struct {
	PlanCreated        bool `json:"plan_created,omitempty"`
	PlanConfirmed      bool `json:"plan_confirmed,omitempty"`
	PRDetected         bool `json:"pr_detected,omitempty"`
	PRAvailable        bool `json:"pr_available,omitempty"`
	ValidationComplete bool `json:"validation_complete,omitempty"`
}

// Has reports whether condition c is satisfied.
func (c Conditions) Has(cond Condition) bool {
	switch cond {
	case CondPlanCreated:
		return c.PlanCreated
	case CondPlanConfirmed:
		return c.PlanConfirmed
	case CondPRDetected:
		return c.PRDetected
	case CondPRAvailable:
		return c.PRAvailable
	case CondValidationComplete:
		return c.ValidationComplete
	default:
		return false
	}
}

// missing returns the required conditions that are not satisfied.
func (c Conditions) missing(required []Condition) []Condition {
	var out []Condition
	for _, cond := range required {
		if !c.Has(cond) {
			out = append(out, cond)
		}
	}
	return out
}

type edge struct {
	from State
	to   State
}

// transitions is the allowed transition table.
var transitions = map[State][]State{
	StateIdle:       {StatePlanning, StateFailed, StateCancelled},
	StatePlanning:   {StateCoding, StateFailed, StateCancelled},
	StateCoding:     {StatePrCreated, StateFailed, StateCancelled},
	StatePrCreated:  {StateValidating, StateFailed, StateCancelled},
	StateValidating: {StateCompleted, StateValidating, StatePlanning, StateFailed, StateCancelled},
	StateCompleted:  {},
	StateFailed:     {},
	StateCancelled:  {},
}

// requiredConditions lists the conditions each edge demands.
var requiredConditions = map[edge][]Condition{
	{StatePlanning, StateCoding}:      {CondPlanCreated, CondPlanConfirmed},
	{StateCoding, StatePrCreated}:     {CondPRDetected},
	{StatePrCreated, StateValidating}: {CondPRAvailable},
	{StateValidating, StateCompleted}: {CondValidationComplete},
}

// RequiredConditions returns the conditions needed to move from one state to another.
func RequiredConditions(from, to State) []Condition {
	req := requiredConditions[edge{from, to}]
	out := make([]Condition, len(req))
	copy(out, req)
	return out
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
