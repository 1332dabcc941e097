package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// perfectContext returns a context that passes every rule.
func perfectContext() MergeContext {
	return DefaultPolicy().Apply(MergeContext{
		Repository:           "acme/shop",
		PRNumber:             42,
		AutoMergeEnabled:     true,
		ValidationSuccess:    true,
		DeploymentSuccess:    true,
		WebEvalSuccess:       true,
		ValidationConfidence: 0.95,
		ErrorCount:           0,
		RetryCount:           0,
		MaxRetryCount:        3,
	})
}

func TestEvaluateMergeDecision(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*MergeContext)
		want   Decision
	}{
		{
			name:   "all checks pass",
			mutate: func(c *MergeContext) {},
			want:   AutoMerge,
		},
		{
			name:   "auto-merge disabled",
			mutate: func(c *MergeContext) { c.AutoMergeEnabled = false },
			want:   ManualReview,
		},
		{
			name: "auto-merge disabled wins over failed validation",
			mutate: func(c *MergeContext) {
				c.AutoMergeEnabled = false
				c.ValidationSuccess = false
				c.ErrorCount = 10
			},
			want: ManualReview,
		},
		{
			name: "validation failed with retries left",
			mutate: func(c *MergeContext) {
				c.ValidationSuccess = false
				c.RetryCount = 1
			},
			want: Retry,
		},
		{
			name: "validation failed with retries exhausted",
			mutate: func(c *MergeContext) {
				c.ValidationSuccess = false
				c.RetryCount = 3
			},
			want: Reject,
		},
		{
			name:   "deployment required and failed",
			mutate: func(c *MergeContext) { c.DeploymentSuccess = false },
			want:   Reject,
		},
		{
			name: "deployment failed but not required",
			mutate: func(c *MergeContext) {
				c.DeploymentSuccess = false
				c.RequireDeploymentSuccess = false
			},
			want: AutoMerge,
		},
		{
			name:   "web eval required and failed",
			mutate: func(c *MergeContext) { c.WebEvalSuccess = false },
			want:   Reject,
		},
		{
			name: "web eval failed but not required",
			mutate: func(c *MergeContext) {
				c.WebEvalSuccess = false
				c.RequireWebEvalSuccess = false
			},
			want: AutoMerge,
		},
		{
			name:   "low confidence",
			mutate: func(c *MergeContext) { c.ValidationConfidence = 0.79 },
			want:   ManualReview,
		},
		{
			name:   "confidence exactly at threshold",
			mutate: func(c *MergeContext) { c.ValidationConfidence = 0.8 },
			want:   AutoMerge,
		},
		{
			name:   "errors reported",
			mutate: func(c *MergeContext) { c.ErrorCount = 1 },
			want:   ManualReview,
		},
		{
			name: "errors within allowance",
			mutate: func(c *MergeContext) {
				c.ErrorCount = 2
				c.MaxErrorCount = 2
			},
			want: AutoMerge,
		},
		{
			name: "deployment failure outranks low confidence",
			mutate: func(c *MergeContext) {
				c.DeploymentSuccess = false
				c.ValidationConfidence = 0.1
			},
			want: Reject,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := perfectContext()
			tt.mutate(&c)
			assert.Equal(t, tt.want, EvaluateMergeDecision(c))
		})
	}
}

func TestEvaluateMergeDecisionIsIdempotent(t *testing.T) {
	contexts := []MergeContext{perfectContext()}

	c := perfectContext()
	c.ValidationSuccess = false
	c.RetryCount = 2
	contexts = append(contexts, c)

	c = perfectContext()
	c.ValidationConfidence = 0.5
	contexts = append(contexts, c)

	for _, c := range contexts {
		before := c
		first := EvaluateMergeDecision(c)
		second := EvaluateMergeDecision(c)
		assert.Equal(t, first, second)
		assert.Equal(t, before, c)
	}
}

func TestRetryThenRejectAcrossAttempts(t *testing.T) {
	c := perfectContext()
	c.ValidationSuccess = false
	c.MaxRetryCount = 3

	c.RetryCount = 1
	assert.Equal(t, Retry, EvaluateMergeDecision(c))

	c.RetryCount = 3
	assert.Equal(t, Reject, EvaluateMergeDecision(c))
}

func TestExplainReportsRule(t *testing.T) {
	c := perfectContext()
	c.ValidationConfidence = 0.5

	decision, reason := Explain(c)
	assert.Equal(t, ManualReview, decision)
	assert.Contains(t, reason, "below threshold")
}

func TestPolicyApplyKeepsContextRetryCeiling(t *testing.T) {
	c := DefaultPolicy().Apply(MergeContext{MaxRetryCount: 5})
	assert.Equal(t, 5, c.MaxRetryCount)
	assert.Equal(t, 0.8, c.MinConfidenceThreshold)
	assert.True(t, c.RequireDeploymentSuccess)
	assert.True(t, c.RequireWebEvalSuccess)

	// Zero means never retry.
	never := DefaultPolicy().Apply(MergeContext{AutoMergeEnabled: true})
	assert.Zero(t, never.MaxRetryCount)
	assert.Equal(t, Reject, EvaluateMergeDecision(never))
}

func TestDecisionJSON(t *testing.T) {
	data, err := AutoMerge.MarshalJSON()
	assert.NoError(t, err)
	assert.Equal(t, `"auto_merge"`, string(data))

	var d Decision
	assert.Error(t, d.UnmarshalJSON([]byte(`"maybe"`)))
	assert.NoError(t, d.UnmarshalJSON([]byte(`"retry"`)))
	assert.Equal(t, Retry, d)
}
