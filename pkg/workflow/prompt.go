package workflow

import (
	"fmt"
	"strings"
)

// recentErrors bounds how many error contexts are replayed to the agent.
const recentErrors = 5

func planningPrompt(m *Metadata) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Repository: %s\n", m.Repository)
	fmt.Fprintf(&b, "Iteration: %d of %d\n\n", m.CurrentIteration, m.MaxIterations)

	b.WriteString("## Requirements\n\n")
	b.WriteString(strings.TrimSpace(m.InitialRequirements))
	b.WriteString("\n")

	if m.PlanningStatement != "" {
		b.WriteString("\n## Planning guidance\n\n")
		b.WriteString(strings.TrimSpace(m.PlanningStatement))
		b.WriteString("\n")
	}

	writeContext(&b, m)

	b.WriteString("\nProduce a step by step implementation plan. Do not change any code yet.\n")
	return b.String()
}

func codingPrompt(m *Metadata) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Repository: %s\n\n", m.Repository)

	b.WriteString("## Requirements\n\n")
	b.WriteString(strings.TrimSpace(m.InitialRequirements))
	b.WriteString("\n")

	if m.CurrentPlan != "" {
		b.WriteString("\n## Confirmed plan\n\n")
		b.WriteString(strings.TrimSpace(m.CurrentPlan))
		b.WriteString("\n")
	}

	if len(m.DeploymentCommands) > 0 {
		b.WriteString("\n## Deployment\n\nThe change is deployed with:\n")
		for _, cmd := range m.DeploymentCommands {
			fmt.Fprintf(&b, "    %s\n", cmd)
		}
	}

	writeContext(&b, m)

	b.WriteString("\nImplement the plan and open a pull request. Report the pull request URL when done.\n")
	return b.String()
}

func fixPrompt(m *Metadata, feedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Repository: %s\n", m.Repository)
	fmt.Fprintf(&b, "Pull request: #%d", m.CurrentPRNumber)
	if m.CurrentPRBranch != "" {
		fmt.Fprintf(&b, " (branch %s)", m.CurrentPRBranch)
	}
	b.WriteString("\n\n## Requirements\n\n")
	b.WriteString(strings.TrimSpace(m.InitialRequirements))
	b.WriteString("\n\n## Validation feedback\n\n")
	if feedback == "" {
		feedback = "Validation failed without further detail."
	}
	b.WriteString(strings.TrimSpace(feedback))
	b.WriteString("\n\nPush fixes to the same branch. Do not open a new pull request.\n")
	return b.String()
}

// writeContext appends what earlier iterations learned.
func writeContext(b *strings.Builder, m *Metadata) {
	if len(m.AccumulatedContext) > 0 {
		b.WriteString("\n## Previous iterations\n\n")
		for i, c := range m.AccumulatedContext {
			fmt.Fprintf(b, "%d. %s\n", i+1, strings.TrimSpace(c))
		}
	}

	errs := m.ErrorContexts
	if len(errs) > recentErrors {
		errs = errs[len(errs)-recentErrors:]
	}
	if len(errs) > 0 {
		b.WriteString("\n## Recent errors\n\n")
		for _, e := range errs {
			fmt.Fprintf(b, "- %s\n", e)
		}
	}
}
