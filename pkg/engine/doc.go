// Package engine defines the shared vocabulary of devloop: the capability
// interfaces the workflow core consumes and the data that flows through them.
//
// # Overview
//
// A devloop workflow turns a requirement into a merged pull request by
// cycling through four external capabilities:
//
//   - AgentService generates a plan and then code, opening a pull request
//   - SourceControl exposes, merges, comments on and closes pull requests
//   - SnapshotService and DeploymentExecutor build an isolated environment
//     for the pull request and run the project's deployment commands in it
//   - Analyzer and WebEvaluator judge the deployment and the UI behavior
//
// Concrete implementations live in pkg/remote, pkg/scm/github and
// pkg/sandbox. The workflow core in pkg/workflow, pkg/validation and
// pkg/merge depends only on the interfaces declared here.
//
// # Errors
//
// Adapters classify failures with EngineError so callers can decide whether
// to retry:
//
//	if engine.IsRetryable(err) {
//	    // back off and try again
//	}
//
// Transient and throttled errors are retryable. Permanent and conflict
// errors are surfaced to the workflow loop.
//
// # Events
//
// The Event* constants name the events emitted to a Notifier. Payloads are
// flat maps that always carry "workflow_id" when a workflow is involved.
package engine
