package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/devloop/pkg/stores"
	"github.com/openfroyo/devloop/pkg/telemetry"
	"github.com/openfroyo/devloop/pkg/workflow"
)

// workflowReport is the persisted record of one workflow.
type workflowReport struct {
	Execution   *workflow.WorkflowExecution `json:"execution"`
	UpdatedAt   time.Time                   `json:"updated_at"`
	Transitions []*stores.TransitionRecord  `json:"transitions"`
	Validations []*stores.ValidationRecord  `json:"validations"`
}

// withStore opens the configured state database for a read-only command.
func withStore(ctx context.Context, fn func(store *stores.SQLiteStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg, log.Logger)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <workflow-id>",
		Short: "Show a recorded workflow",
		Long: `Show the latest snapshot of a workflow together with its state history
and validation attempts, as recorded in the state database.`,
		Example: `  devloop status 3f0c2a4e-8d1b-4b0e-9a57-1f5c1b2d7e90
  devloop status 3f0c2a4e-8d1b-4b0e-9a57-1f5c1b2d7e90 -o yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withStore(ctx, func(store *stores.SQLiteStore) error {
				report, err := loadReport(ctx, store, args[0])
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), outputFormat, report, func(w io.Writer) error {
					return printReport(w, report)
				})
			})
		},
	}
}

func loadReport(ctx context.Context, store *stores.SQLiteStore, id string) (*workflowReport, error) {
	rec, err := store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	transitions, err := store.ListTransitions(ctx, id)
	if err != nil {
		return nil, err
	}
	validations, err := store.ListValidationRuns(ctx, id)
	if err != nil {
		return nil, err
	}
	return &workflowReport{
		Execution:   rec.Execution,
		UpdatedAt:   rec.UpdatedAt,
		Transitions: transitions,
		Validations: validations,
	}, nil
}

func newHistoryCommand() *cobra.Command {
	var (
		project string
		states  []string
		limit   int
		offset  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded workflows",
		Example: `  # Latest workflows of a project
  devloop history --project shop

  # Failed and cancelled workflows
  devloop history --state failed --state cancelled`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := stores.ListOptions{ProjectID: project, Limit: limit, Offset: offset}
			for _, s := range states {
				st, err := workflow.ParseState(s)
				if err != nil {
					return err
				}
				opts.States = append(opts.States, st)
			}

			ctx := cmd.Context()
			return withStore(ctx, func(store *stores.SQLiteStore) error {
				records, err := store.ListExecutions(ctx, opts)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), outputFormat, records, func(w io.Writer) error {
					return printHistory(w, records)
				})
			})
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "only workflows of this project")
	cmd.Flags().StringArrayVar(&states, "state", nil, "only workflows in this state (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of workflows")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of workflows to skip")

	return cmd
}

func newEventsCommand() *cobra.Command {
	var (
		eventType string
		level     string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "events <workflow-id>",
		Short: "Show the recorded events of a workflow",
		Example: `  devloop events 3f0c2a4e-8d1b-4b0e-9a57-1f5c1b2d7e90 --type state_transition`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withStore(ctx, func(store *stores.SQLiteStore) error {
				records, err := store.ListEvents(ctx, stores.EventQuery{
					WorkflowID: args[0],
					Type:       eventType,
					Level:      level,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), outputFormat, records, func(w io.Writer) error {
					for _, r := range records {
						if _, err := fmt.Fprintln(w, formatEvent(recordEvent(r))); err != nil {
							return err
						}
					}
					return nil
				})
			})
		},
	}

	cmd.Flags().StringVar(&eventType, "type", "", "only events of this type")
	cmd.Flags().StringVar(&level, "level", "", "only events of this level")
	cmd.Flags().IntVar(&limit, "limit", 200, "maximum number of events")

	return cmd
}

func recordEvent(r *stores.EventRecord) telemetry.Event {
	return telemetry.Event{
		ID:         r.EventID,
		Timestamp:  r.Timestamp,
		Type:       r.Type,
		WorkflowID: r.WorkflowID,
		ProjectID:  r.ProjectID,
		Message:    r.Message,
		Level:      r.Level,
		Data:       r.Data,
	}
}

func printExecution(w io.Writer, exec *workflow.WorkflowExecution) {
	fmt.Fprintf(w, "Workflow:   %s\n", exec.ID)
	fmt.Fprintf(w, "Project:    %s\n", exec.ProjectID)
	fmt.Fprintf(w, "State:      %s\n", exec.CurrentState)
	fmt.Fprintf(w, "Started:    %s\n", formatTime(exec.StartedAt))
	if exec.CompletedAt != nil {
		fmt.Fprintf(w, "Finished:   %s\n", formatTime(*exec.CompletedAt))
	}
	fmt.Fprintf(w, "Duration:   %s\n", formatDuration(exec.Duration()))

	if md := exec.Metadata; md != nil {
		fmt.Fprintf(w, "Repository: %s\n", md.Repository)
		fmt.Fprintf(w, "Iteration:  %d/%d\n", md.CurrentIteration, md.MaxIterations)
		fmt.Fprintf(w, "Validation: %d attempts\n", md.TotalValidationAttempts)
		if md.CurrentPRNumber > 0 {
			fmt.Fprintf(w, "Pull req.:  #%d %s\n", md.CurrentPRNumber, md.CurrentPRURL)
		}
		ind := md.Indicators
		fmt.Fprintf(w, "Indicators: pr_merged=%t tests_passing=%t deployment_successful=%t validation_passed=%t\n",
			ind.PRMerged, ind.TestsPassing, ind.DeploymentSuccessful, ind.ValidationPassed)
	}
	if exec.ResultSummary != "" {
		fmt.Fprintf(w, "Result:     %s\n", exec.ResultSummary)
	}
	if exec.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:      %s\n", exec.ErrorMessage)
	}
}

func printWorkflowStatus(w io.Writer, st *workflow.WorkflowStatus) error {
	fmt.Fprintln(w)
	printExecution(w, st.Execution)
	if st.DebugInfo != nil && len(st.DebugInfo.ErrorContexts) > 0 {
		fmt.Fprintf(w, "Errors:\n  %s\n", strings.Join(st.DebugInfo.ErrorContexts, "\n  "))
	}
	return nil
}

func printReport(w io.Writer, r *workflowReport) error {
	printExecution(w, r.Execution)

	if len(r.Transitions) > 0 {
		fmt.Fprintln(w, "\nTransitions:")
		tw := newTable(w)
		fmt.Fprintln(tw, "  TIME\tFROM\tTO\tTRIGGER\tMESSAGE")
		for _, t := range r.Transitions {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n",
				t.Timestamp.Local().Format("15:04:05"), t.FromState, t.ToState, t.Trigger, t.Message)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(r.Validations) > 0 {
		fmt.Fprintln(w, "\nValidation attempts:")
		tw := newTable(w)
		fmt.Fprintln(tw, "  ITER\tATTEMPT\tPR\tSTATUS\tDECISION\tDURATION")
		for _, v := range r.Validations {
			status, decision, duration := "-", "-", "-"
			if res := v.Result; res != nil {
				status = string(res.Status)
				if res.MergeDecision != "" {
					decision = string(res.MergeDecision)
				}
				duration = formatDuration(res.Duration)
			}
			fmt.Fprintf(tw, "  %d\t%d\t#%d\t%s\t%s\t%s\n",
				v.Iteration, v.Attempt, v.PRNumber, status, decision, duration)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func printHistory(w io.Writer, records []*stores.WorkflowRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No workflows recorded.")
		return err
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tPROJECT\tSTATE\tITERATION\tPR\tSTARTED\tDURATION")
	for _, r := range records {
		e := r.Execution
		iteration, pr := "-", "-"
		if md := e.Metadata; md != nil {
			iteration = fmt.Sprintf("%d/%d", md.CurrentIteration, md.MaxIterations)
			if md.CurrentPRNumber > 0 {
				pr = fmt.Sprintf("#%d", md.CurrentPRNumber)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.ProjectID, e.CurrentState, iteration, pr, formatTime(e.StartedAt), formatDuration(e.Duration()))
	}
	return tw.Flush()
}
