package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/devloop/pkg/config"
	"github.com/openfroyo/devloop/pkg/engine"
	"github.com/openfroyo/devloop/pkg/notify"
	"github.com/openfroyo/devloop/pkg/telemetry"
	"github.com/openfroyo/devloop/pkg/workflow"
)

const (
	statusPollInterval = time.Second
	cancelGracePeriod  = 10 * time.Second
)

type runOptions struct {
	project          string
	repository       string
	repoURL          string
	requirements     string
	requirementsFile string
	plan             string
	deploy           []string
	targetURL        string
	preferences      map[string]string
	maxIterations    int
	timeout          time.Duration
	autoMerge        bool
	confirmPlan      bool
}

func newRunCommand() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one workflow to completion",
		Long: `Run one workflow from requirements to a terminal state.

The command starts the workflow, streams its events and exits when it
completes, fails or is cancelled. Interrupting the command cancels the
workflow. The exit status is non-zero unless the workflow completed.`,
		Example: `  # Build a feature and deploy every pull request before merging
  devloop run --project shop --repo acme/shop \
    --requirements "Add a checkout page with card payments" \
    --deploy "npm ci" --deploy "npm run build" --deploy "npm run start:preview"

  # Read requirements from a file and confirm the plan interactively
  devloop run --project shop --repo acme/shop -f requirements.md --confirm-plan

  # Never merge automatically, stop after an hour
  devloop run --project shop --repo acme/shop -r "Fix the cart badge" --auto-merge=false --timeout 1h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("auto-merge") {
				opts.autoMerge = cfg.Workflow.AutoMergePR
			}
			if !cmd.Flags().Changed("confirm-plan") {
				opts.confirmPlan = !cfg.Workflow.AutoConfirmPlan
			}
			req, err := opts.request()
			if err != nil {
				return err
			}
			return runWorkflow(cmd, cfg, req, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.project, "project", "p", "", "project identifier")
	cmd.Flags().StringVar(&opts.repository, "repo", "", "repository as owner/name")
	cmd.Flags().StringVar(&opts.repoURL, "repo-url", "", "clone URL (default https://github.com/<repo>.git)")
	cmd.Flags().StringVarP(&opts.requirements, "requirements", "r", "", "requirements text")
	cmd.Flags().StringVarP(&opts.requirementsFile, "requirements-file", "f", "", "file holding the requirements")
	cmd.Flags().StringVar(&opts.plan, "plan", "", "planning statement handed to the agent")
	cmd.Flags().StringArrayVar(&opts.deploy, "deploy", nil, "deployment command run in the sandbox (repeatable)")
	cmd.Flags().StringVar(&opts.targetURL, "target-url", "", "URL the web evaluation targets")
	cmd.Flags().StringToStringVar(&opts.preferences, "pref", nil, "user preference passed to the agent (key=value)")
	cmd.Flags().IntVar(&opts.maxIterations, "max-iterations", 0, "iteration limit (default from config)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "cancel the workflow after this long (0 waits forever)")
	cmd.Flags().BoolVar(&opts.autoMerge, "auto-merge", true, "merge pull requests that pass validation")
	cmd.Flags().BoolVar(&opts.confirmPlan, "confirm-plan", false, "ask before coding starts")

	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("repo")
	cmd.MarkFlagsMutuallyExclusive("requirements", "requirements-file")

	return cmd
}

// request builds the start request from the flags.
func (o *runOptions) request() (workflow.StartRequest, error) {
	requirements := o.requirements
	if o.requirementsFile != "" {
		data, err := os.ReadFile(o.requirementsFile)
		if err != nil {
			return workflow.StartRequest{}, fmt.Errorf("failed to read requirements: %w", err)
		}
		requirements = string(data)
	}
	requirements = strings.TrimSpace(requirements)
	if requirements == "" {
		return workflow.StartRequest{}, errors.New("requirements are required (--requirements or --requirements-file)")
	}

	repoURL := o.repoURL
	if repoURL == "" {
		repoURL = "https://github.com/" + o.repository + ".git"
	}

	var prefs map[string]interface{}
	if len(o.preferences) > 0 {
		prefs = make(map[string]interface{}, len(o.preferences))
		for k, v := range o.preferences {
			prefs[k] = v
		}
	}

	return workflow.StartRequest{
		ProjectID:           o.project,
		Repository:          o.repository,
		RepoURL:             repoURL,
		InitialRequirements: requirements,
		PlanningStatement:   o.plan,
		DeploymentCommands:  o.deploy,
		TargetURL:           o.targetURL,
		UserPreferences:     prefs,
		AutoConfirmPlan:     !o.confirmPlan,
		AutoMergePR:         o.autoMerge,
		MaxIterations:       o.maxIterations,
	}, nil
}

func runWorkflow(cmd *cobra.Command, cfg *config.Config, req workflow.StartRequest, opts *runOptions) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	events, err := a.watchEvents(ctx)
	if err != nil {
		return err
	}

	// Workflows outlive ctx so an interrupt can cancel them cleanly.
	if err := a.controller.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	exec, err := a.controller.StartWorkflow(ctx, req)
	if err != nil {
		return err
	}
	log.Info().
		Str("workflow_id", exec.ID).
		Str("project_id", exec.ProjectID).
		Str("repository", req.Repository).
		Msg("Workflow started")

	waitCtx := ctx
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	stdin := bufio.NewReader(cmd.InOrStdin())
	onEvent := func(ev telemetry.Event) {
		if outputFormat == formatText {
			fmt.Fprintln(out, formatEvent(ev))
		}
		if ev.Type == engine.EventPlanAwaiting && opts.confirmPlan {
			confirm(out, stdin, a.controller, exec.ID, ev)
		}
	}

	status, err := waitForWorkflow(waitCtx, a.controller, exec.ID, events, onEvent)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		log.Warn().Err(err).Str("workflow_id", exec.ID).Msg("Cancelling workflow")
		a.controller.CancelWorkflow(exec.ID)

		graceCtx, cancel := context.WithTimeout(context.Background(), cancelGracePeriod)
		defer cancel()
		status, err = waitForWorkflow(graceCtx, a.controller, exec.ID, nil, onEvent)
		if err != nil {
			return fmt.Errorf("workflow %s did not stop: %w", exec.ID, err)
		}
	}

	if err := render(out, outputFormat, status, func(w io.Writer) error {
		return printWorkflowStatus(w, status)
	}); err != nil {
		return err
	}
	if status.Summary.State != workflow.StateCompleted {
		return fmt.Errorf("workflow %s ended in state %s", exec.ID, status.Summary.State)
	}
	return nil
}

// watchEvents returns the event stream of this process. With the bridge
// enabled events are read back from the bus, exercising the same path an
// external consumer uses.
func (a *app) watchEvents(ctx context.Context) (<-chan telemetry.Event, error) {
	if a.bridge != nil {
		return notify.Subscribe(ctx, a.pubsub, a.cfg.Notify.Topic)
	}
	ch := make(chan telemetry.Event, 256)
	a.telemetry.Events.Subscribe(func(ev telemetry.Event) {
		select {
		case ch <- ev:
		default:
		}
	}, nil)
	return ch, nil
}

// statusSource is the part of the controller waitForWorkflow polls.
type statusSource interface {
	GetWorkflowStatus(id string) (*workflow.WorkflowStatus, bool)
}

// waitForWorkflow relays events of workflow id to onEvent until the
// workflow reaches a terminal state or ctx is done. events may be nil.
func waitForWorkflow(ctx context.Context, src statusSource, id string, events <-chan telemetry.Event, onEvent func(telemetry.Event)) (*workflow.WorkflowStatus, error) {
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for {
		st, ok := src.GetWorkflowStatus(id)
		if !ok {
			return nil, fmt.Errorf("workflow %s is not tracked", id)
		}
		if st.Summary.State.IsTerminal() {
			return st, nil
		}

		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.WorkflowID != "" && ev.WorkflowID != id {
				continue
			}
			onEvent(ev)
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// planConfirmer is the part of the controller confirm drives.
type planConfirmer interface {
	ConfirmPlan(id string) error
	CancelWorkflow(id string) bool
}

// confirm shows the proposed plan and asks whether coding may start.
// Anything but yes cancels the workflow.
func confirm(out io.Writer, in *bufio.Reader, ctrl planConfirmer, id string, ev telemetry.Event) {
	if plan, ok := ev.Data["plan"].(string); ok && plan != "" {
		fmt.Fprintf(out, "\nProposed plan:\n\n%s\n\n", plan)
	}
	fmt.Fprint(out, "Start coding? [y/N] ")

	answer, _ := in.ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		if err := ctrl.ConfirmPlan(id); err != nil {
			log.Error().Err(err).Str("workflow_id", id).Msg("Failed to confirm plan")
		}
	default:
		fmt.Fprintln(out, "Plan rejected, cancelling workflow.")
		ctrl.CancelWorkflow(id)
	}
}
