// Package policy guards auto-merges with Open Policy Agent policies and
// provides scripted completion policies in Starlark.
//
// # Merge Guard
//
// Engine implements validation.MergeGuard. Before the validation pipeline
// executes an auto-merge it asks the engine to review the merge context,
// the deployment commands and results, and both analyses. Every enabled
// policy contributes violations to its package's deny set; by convention
// merge policies live in package devloop.merge, so the rule queried is
// data.devloop.merge.deny. A violation of severity error or critical
// denies the auto-merge and the pipeline requests manual review instead.
//
//	guard, err := policy.NewEngine(logger, policy.WithMode(policy.ModeEnforcing))
//	if err != nil {
//	    return err
//	}
//	if err := guard.LoadPolicies(ctx, []string{"/etc/devloop/policies"}); err != nil {
//	    return err
//	}
//	pipeline, err := validation.NewPipeline(deps, validation.WithGuard(guard))
//
// In advisory mode blocking violations are logged as warnings and the
// auto-merge proceeds. In enforcing mode a policy that fails to evaluate
// fails the review, which the pipeline also treats as a denial.
//
// # Built-in Policies
//
//  1. require-deployment-evidence - no deployment command ran
//  2. block-critical-issues - an analysis reported a critical issue
//
// Built-ins can be switched off with WithDisabled.
//
// # Custom Policies
//
// Custom policies are .rego files, JSON policy definitions, or JSON bundles
// holding a "policies" array:
//
//	package devloop.merge
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.merge.validation_confidence < 0.95
//	    violation := {
//	        "message": "confidence below 95%",
//	        "severity": "error",
//	    }
//	}
//
// # Hot Reload
//
// Engine.Watch reloads custom policies whenever a file under the watched
// paths changes. Bursts of events are debounced; a reload that fails to
// compile leaves the previous policies in place.
//
// # Completion Scripts
//
// StarlarkCompletion decides whether a workflow iteration satisfied the
// requirements. See its documentation for the script contract.
package policy
