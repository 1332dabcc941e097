package merge

import (
	"encoding/json"
	"fmt"

	"github.com/openfroyo/devloop/pkg/engine"
)

// Decision is the policy-driven outcome of a completed validation run.
type Decision string

const (
	// AutoMerge merges the pull request without human involvement.
	AutoMerge Decision = "auto_merge"

	// ManualReview asks a human to review the pull request.
	ManualReview Decision = "manual_review"

	// Reject closes the pull request.
	Reject Decision = "reject"

	// Retry schedules another generation attempt for the same pull request.
	Retry Decision = "retry"
)

// Validate checks if the decision is valid.
func (d Decision) Validate() error {
	switch d {
	case AutoMerge, ManualReview, Reject, Retry:
		return nil
	default:
		return fmt.Errorf("invalid merge decision: %s", d)
	}
}

// MarshalJSON implements json.Marshaler with validation.
func (d Decision) MarshalJSON() ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(string(d))
}

// UnmarshalJSON implements json.Unmarshaler with validation.
func (d *Decision) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	decision := Decision(str)
	if err := decision.Validate(); err != nil {
		return err
	}
	*d = decision
	return nil
}

// PRStatus is the state a pull request is left in after a decision was executed.
type PRStatus string

const (
	PRStatusMerged          PRStatus = "merged"
	PRStatusReviewRequested PRStatus = "review_requested"
	PRStatusClosed          PRStatus = "closed"
	PRStatusRetryScheduled  PRStatus = "retry_scheduled"
	PRStatusOpen            PRStatus = "open"
)

// Policy holds the merge rules configured for a deployment of devloop.
type Policy struct {
	RequireDeploymentSuccess bool               `json:"require_deployment_success" yaml:"require_deployment_success"`
	RequireWebEvalSuccess    bool               `json:"require_web_eval_success" yaml:"require_web_eval_success"`
	MinConfidenceThreshold   float64            `json:"min_confidence_threshold" yaml:"min_confidence_threshold" validate:"gte=0,lte=1"`
	MaxErrorCount            int                `json:"max_error_count" yaml:"max_error_count" validate:"gte=0"`
	MaxRetryCount            int                `json:"max_retry_count" yaml:"max_retry_count" validate:"gte=0"`
	MergeMethod              engine.MergeMethod `json:"merge_method" yaml:"merge_method" validate:"omitempty,oneof=merge squash rebase"`
}

// DefaultPolicy returns the default merge policy.
func DefaultPolicy() Policy {
	return Policy{
		RequireDeploymentSuccess: true,
		RequireWebEvalSuccess:    true,
		MinConfidenceThreshold:   0.8,
		MaxErrorCount:            0,
		MaxRetryCount:            3,
		MergeMethod:              engine.MergeMethodSquash,
	}
}

// Apply copies the policy flags into a merge context. MaxRetryCount is left
// as the context sets it; zero means no retries.
func (p Policy) Apply(c MergeContext) MergeContext {
	c.RequireDeploymentSuccess = p.RequireDeploymentSuccess
	c.RequireWebEvalSuccess = p.RequireWebEvalSuccess
	c.MinConfidenceThreshold = p.MinConfidenceThreshold
	c.MaxErrorCount = p.MaxErrorCount
	return c
}

// MergeContext is the read-only projection of a validation run that a
// merge decision is made from.
type MergeContext struct {
	ProjectName string `json:"project_name"`
	Repository  string `json:"repository"`
	PRNumber    int    `json:"pr_number"`
	PRURL       string `json:"pr_url,omitempty"`
	HeadSHA     string `json:"head_sha,omitempty"`

	AutoMergeEnabled     bool    `json:"auto_merge_enabled"`
	ValidationSuccess    bool    `json:"validation_success"`
	DeploymentSuccess    bool    `json:"deployment_success"`
	WebEvalSuccess       bool    `json:"web_eval_success"`
	ValidationConfidence float64 `json:"validation_confidence"`
	ErrorCount           int     `json:"error_count"`
	RetryCount           int     `json:"retry_count"`
	MaxRetryCount        int     `json:"max_retry_count"`

	RequireDeploymentSuccess bool    `json:"require_deployment_success"`
	RequireWebEvalSuccess    bool    `json:"require_web_eval_success"`
	MinConfidenceThreshold   float64 `json:"min_confidence_threshold"`
	MaxErrorCount            int     `json:"max_error_count"`

	// Summary is a short human-readable account of the validation run,
	// used in pull request comments.
	Summary string `json:"summary,omitempty"`

	// Reason overrides the rule explanation in comments and results. It is
	// set when a merge guard changed the decision.
	Reason string `json:"reason,omitempty"`
}

func (c MergeContext) reason() string {
	if c.Reason != "" {
		return c.Reason
	}
	_, reason := Explain(c)
	return reason
}

// MergeResult is the outcome of executing a decision.
type MergeResult struct {
	Decision   Decision `json:"decision"`
	Success    bool     `json:"success"`
	Message    string   `json:"message"`
	PRStatus   PRStatus `json:"pr_status"`
	MergeSHA   string   `json:"merge_sha,omitempty"`
	Error      string   `json:"error,omitempty"`
	RetryCount int      `json:"retry_count"`
}
