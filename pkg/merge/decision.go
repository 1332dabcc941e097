package merge

import "fmt"

// EvaluateMergeDecision maps a merge context to a decision.
// Rules are checked top to bottom and the first match wins. It performs no I/O.
func EvaluateMergeDecision(c MergeContext) Decision {
	decision, _ := Explain(c)
	return decision
}

// Explain returns the decision together with the rule that produced it.
func Explain(c MergeContext) (Decision, string) {
	if !c.AutoMergeEnabled {
		return ManualReview, "auto-merge is disabled for this workflow"
	}

	if !c.ValidationSuccess {
		if c.RetryCount < c.MaxRetryCount {
			return Retry, fmt.Sprintf("validation failed, retry %d of %d", c.RetryCount+1, c.MaxRetryCount)
		}
		return Reject, fmt.Sprintf("validation failed after %d retries", c.RetryCount)
	}

	if c.RequireDeploymentSuccess && !c.DeploymentSuccess {
		return Reject, "deployment did not succeed"
	}

	if c.RequireWebEvalSuccess && !c.WebEvalSuccess {
		return Reject, "web evaluation did not succeed"
	}

	if c.ValidationConfidence < c.MinConfidenceThreshold {
		return ManualReview, fmt.Sprintf("validation confidence %.2f is below threshold %.2f",
			c.ValidationConfidence, c.MinConfidenceThreshold)
	}

	if c.ErrorCount > c.MaxErrorCount {
		return ManualReview, fmt.Sprintf("%d errors reported, at most %d allowed", c.ErrorCount, c.MaxErrorCount)
	}

	return AutoMerge, "all validation checks passed"
}
