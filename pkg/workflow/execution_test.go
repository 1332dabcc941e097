package workflow

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/devloop/pkg/engine"
)

func TestShouldContinueIteration(t *testing.T) {
	tests := []struct {
		name string
		m    Metadata
		want bool
	}{
		{name: "first of three", m: Metadata{CurrentIteration: 1, MaxIterations: 3}, want: true},
		{name: "last iteration", m: Metadata{CurrentIteration: 3, MaxIterations: 3}, want: false},
		{name: "attempt budget spent", m: Metadata{CurrentIteration: 1, MaxIterations: 3, MaxValidationAttempts: 2, ValidationAttempts: 2}, want: false},
		{name: "earlier iterations do not count", m: Metadata{CurrentIteration: 3, MaxIterations: 5, MaxValidationAttempts: 3, ValidationAttempts: 1, TotalValidationAttempts: 3}, want: true},
		{name: "unlimited attempts", m: Metadata{CurrentIteration: 1, MaxIterations: 3, ValidationAttempts: 50}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.m.ShouldContinueIteration())
		})
	}
}

func TestPrepareNextIteration(t *testing.T) {
	m := &Metadata{
		CurrentIteration:        1,
		ValidationAttempts:      2,
		TotalValidationAttempts: 2,
		CurrentPRNumber:         7,
		CurrentPRURL:            "https://github.com/acme/shop/pull/7",
		CurrentPRBranch:         "feature/cart",
		CurrentPRHeadSHA:        "abc",
		CurrentPlan:             "plan",
		LastResponse:            "opened #7",
		Indicators:              CompletionIndicators{PRMerged: true},
		ErrorContexts:           []string{"deploy failed"},
	}

	m.PrepareNextIteration()

	assert.Equal(t, 2, m.CurrentIteration)
	assert.Zero(t, m.ValidationAttempts)
	assert.Equal(t, 2, m.TotalValidationAttempts)
	assert.Zero(t, m.CurrentPRNumber)
	assert.Empty(t, m.CurrentPRURL)
	assert.Empty(t, m.CurrentPRBranch)
	assert.Empty(t, m.CurrentPlan)
	assert.Empty(t, m.LastResponse)
	assert.Equal(t, CompletionIndicators{}, m.Indicators)
	assert.Equal(t, []string{"opened #7"}, m.AccumulatedContext)
	assert.Equal(t, []string{"deploy failed"}, m.ErrorContexts)
}

func TestCloneIsDeep(t *testing.T) {
	exec := NewWorkflowExecution("wf-1", "shop", &Metadata{
		DeploymentCommands: []string{"make deploy"},
		ErrorContexts:      []string{"e1"},
		UserPreferences:    map[string]interface{}{"theme": "dark"},
	})
	sm := NewStateMachine(TimeoutPolicy{})
	_, err := sm.Transition(exec, StatePlanning, TriggerStart, Conditions{})
	require.NoError(t, err)

	c := exec.Clone()
	c.Metadata.DeploymentCommands[0] = "rm -rf /"
	c.Metadata.ErrorContexts = append(c.Metadata.ErrorContexts, "e2")
	c.Metadata.UserPreferences["theme"] = "light"
	c.StateHistory[0].Trigger = "tampered"

	exec.View(func(state State, m *Metadata) {
		assert.Equal(t, StatePlanning, state)
		assert.Equal(t, []string{"make deploy"}, m.DeploymentCommands)
		assert.Equal(t, []string{"e1"}, m.ErrorContexts)
		assert.Equal(t, "dark", m.UserPreferences["theme"])
	})
	last, ok := exec.LastTransition()
	require.True(t, ok)
	assert.Equal(t, TriggerStart, last.Trigger)
}

func TestAddErrorContextIgnoresEmpty(t *testing.T) {
	m := &Metadata{}
	m.AddErrorContext("")
	m.AddErrorContext("boom")
	assert.Equal(t, []string{"boom"}, m.ErrorContexts)
}

func TestWeightedCompletion(t *testing.T) {
	ctx := context.Background()

	report, err := DefaultCompletionPolicy().Evaluate(ctx, CompletionIndicators{
		PRMerged: true, TestsPassing: true, DeploymentSuccessful: true, ValidationPassed: true,
	})
	require.NoError(t, err)
	assert.True(t, report.Complete)
	assert.InDelta(t, 1.0, report.Score, 1e-9)
	assert.Empty(t, report.Missing)

	report, err = DefaultCompletionPolicy().Evaluate(ctx, CompletionIndicators{
		PRMerged: true, TestsPassing: true, DeploymentSuccessful: true,
	})
	require.NoError(t, err)
	assert.False(t, report.Complete)
	assert.InDelta(t, 0.75, report.Score, 1e-9)
	assert.Equal(t, []string{IndicatorValidationPassed}, report.Missing)

	lenient := WeightedCompletion{PRMerged: 2, TestsPassing: 1, DeploymentSuccessful: 1, Threshold: 0.5}
	report, err = lenient.Evaluate(ctx, CompletionIndicators{PRMerged: true})
	require.NoError(t, err)
	assert.True(t, report.Complete)
	assert.Contains(t, report.Reason, "50%")

	_, err = WeightedCompletion{Threshold: 1}.Evaluate(ctx, CompletionIndicators{})
	assert.Error(t, err)
	_, err = WeightedCompletion{PRMerged: -1, TestsPassing: 2}.Evaluate(ctx, CompletionIndicators{})
	assert.Error(t, err)
}

func TestPrompts(t *testing.T) {
	m := &Metadata{
		Repository:          "acme/shop",
		InitialRequirements: "Add a cart page",
		PlanningStatement:   "Keep it small",
		CurrentIteration:    2,
		MaxIterations:       3,
		CurrentPlan:         "1. add route",
		CurrentPRNumber:     7,
		CurrentPRBranch:     "feature/cart",
		DeploymentCommands:  []string{"make deploy"},
		AccumulatedContext:  []string{"opened #6"},
		ErrorContexts:       []string{"e1", "e2", "e3", "e4", "e5", "e6"},
	}

	plan := planningPrompt(m)
	assert.Contains(t, plan, "Add a cart page")
	assert.Contains(t, plan, "Keep it small")
	assert.Contains(t, plan, "Iteration: 2 of 3")
	assert.Contains(t, plan, "1. opened #6")
	assert.NotContains(t, plan, "- e1\n")
	assert.Contains(t, plan, "- e6")

	code := codingPrompt(m)
	assert.Contains(t, code, "1. add route")
	assert.Contains(t, code, "make deploy")

	fix := fixPrompt(m, "The deployment validation failed")
	assert.Contains(t, fix, "#7 (branch feature/cart)")
	assert.Contains(t, fix, "The deployment validation failed")
	assert.True(t, strings.HasSuffix(fix, "Do not open a new pull request.\n"))
	assert.Contains(t, fixPrompt(m, ""), "without further detail")
}

func TestPullRequestOf(t *testing.T) {
	tests := []struct {
		name    string
		status  engine.AgentRunStatus
		number  int
		wantURL string
	}{
		{name: "explicit", status: engine.AgentRunStatus{PRNumber: 9, PRURL: "https://github.com/acme/shop/pull/9"}, number: 9, wantURL: "https://github.com/acme/shop/pull/9"},
		{name: "url only", status: engine.AgentRunStatus{PRURL: "https://github.com/acme/shop/pull/12"}, number: 12, wantURL: "https://github.com/acme/shop/pull/12"},
		{name: "in response", status: engine.AgentRunStatus{ResponseContent: "Done. See https://github.com/acme/shop/pull/4 for details"}, number: 4, wantURL: "https://github.com/acme/shop/pull/4"},
		{name: "nothing", status: engine.AgentRunStatus{ResponseContent: "I could not finish"}, number: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, url := pullRequestOf(&tt.status)
			assert.Equal(t, tt.number, n)
			assert.Equal(t, tt.wantURL, url)
		})
	}
}
