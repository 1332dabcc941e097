// Package merge decides what happens to a validated pull request and carries
// the decision out against source control.
//
// EvaluateMergeDecision is a pure function of a MergeContext. Rules are
// checked in order and the first match wins:
//
//  1. auto-merge disabled: manual_review
//  2. validation failed: retry while retries remain, else reject
//  3. deployment or web evaluation required but failed: reject
//  4. confidence below threshold: manual_review
//  5. more errors than allowed: manual_review
//  6. otherwise: auto_merge
//
// Executor performs the side effects. Merges are pinned to the validated head
// commit when one is known, so a push after validation makes the merge fail
// instead of landing unvalidated code. Execution errors are reported in
// MergeResult and never returned.
package merge
