// Package workflow drives requirements through plan, code, pull request and
// validation until they are satisfied or the workflow gives up.
//
// # State machine
//
// Every execution moves through
//
//	idle -> planning -> coding -> pr_created -> validating
//
// and ends in completed, failed or cancelled. From validating a workflow may
// re-enter validating after the agent pushed a fix, or go back to planning
// for a new iteration. Some edges require conditions reported by the state
// handler, for example a plan that was both created and confirmed before
// coding starts. Rejected transitions leave the execution untouched.
//
// Planning, coding, pr_created and validating each carry a deadline. When a
// deadline fires the workflow fails at once, even if a collaborator is still
// blocked, and the loop's context is cancelled with the TimeoutError as cause.
//
// # Controller
//
// The Controller runs each workflow on its own goroutine and bounds how many
// run at once. Status queries return deep copies, so callers never observe a
// workflow mid-update:
//
//	ctrl, err := workflow.NewController(workflow.DefaultConfig(), workflow.Dependencies{
//	    Agent:     agent,
//	    SCM:       scm,
//	    Validator: pipeline,
//	})
//	if err := ctrl.Start(ctx); err != nil {
//	    return err
//	}
//	exec, err := ctrl.StartWorkflow(ctx, workflow.StartRequest{
//	    ProjectID:           "shop",
//	    Repository:          "acme/shop",
//	    InitialRequirements: "add a cart page",
//	    AutoConfirmPlan:     true,
//	})
//
// At the end of each iteration a CompletionPolicy scores the completion
// indicators. Failed workflows with retries left can be restarted with
// RetryWorkflow.
package workflow
