// Package validation runs the post pull request validation pipeline.
//
// A run moves through fixed phases in order:
//
//	snapshot_creating -> code_cloning -> deployment_running ->
//	deployment_validating -> web_eval_running -> web_eval_validating ->
//	merge_deciding -> merge_executing
//
// and ends as completed, failed or retrying. Snapshot and clone failures end
// the run immediately. A failed analysis ends it as retrying while
// FlowContext.RetryCount is below MaxRetries, and as failed with a
// consolidated error report once the budget is spent. Collaborator errors are
// never returned; they are recorded in FlowResult.ErrorLogs.
//
// The snapshot is always destroyed before Run returns, including when the
// caller's context has been cancelled.
package validation
