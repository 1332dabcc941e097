package workflow

import (
	"context"
	"time"

	"github.com/openfroyo/devloop/pkg/validation"
)

// ValidationRun records one validation attempt of a workflow.
type ValidationRun struct {
	WorkflowID string                 `json:"workflow_id"`
	Iteration  int                    `json:"iteration"`
	Attempt    int                    `json:"attempt"`
	PRNumber   int                    `json:"pr_number"`
	Result     *validation.FlowResult `json:"result"`
	RecordedAt time.Time              `json:"recorded_at"`
}

// StateStore persists execution snapshots. The controller treats every
// store error as non-fatal.
type StateStore interface {
	// SaveExecution upserts a snapshot of the execution.
	SaveExecution(ctx context.Context, exec *WorkflowExecution) error

	// AppendTransition appends one history entry.
	AppendTransition(ctx context.Context, workflowID string, t StateTransition) error

	// SaveValidationRun stores the outcome of a validation attempt.
	SaveValidationRun(ctx context.Context, run ValidationRun) error
}
