package workflow

import (
	"context"
	"fmt"
	"math"
)

// Indicator names exposed to completion policies.
const (
	IndicatorPRMerged             = "pr_merged"
	IndicatorTestsPassing         = "tests_passing"
	IndicatorDeploymentSuccessful = "deployment_successful"
	IndicatorValidationPassed     = "validation_passed"
)

// Map returns the indicators keyed by name.
func (i CompletionIndicators) Map() map[string]bool {
	return map[string]bool{
		IndicatorPRMerged:             i.PRMerged,
		IndicatorTestsPassing:         i.TestsPassing,
		IndicatorDeploymentSuccessful: i.DeploymentSuccessful,
		IndicatorValidationPassed:     i.ValidationPassed,
	}
}

// CompletionReport explains a completion verdict.
type CompletionReport struct {
	Complete  bool     `json:"complete"`
	Score     float64  `json:"score"`
	Satisfied []string `json:"satisfied,omitempty"`
	Missing   []string `json:"missing,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

// CompletionPolicy decides whether an iteration satisfied the requirements.
type CompletionPolicy interface {
	Evaluate(ctx context.Context, indicators CompletionIndicators) (CompletionReport, error)
}

// WeightedCompletion scores the indicators with fixed weights and completes
// once the score reaches Threshold.
type WeightedCompletion struct {
	PRMerged             float64 `json:"pr_merged"`
	TestsPassing         float64 `json:"tests_passing"`
	DeploymentSuccessful float64 `json:"deployment_successful"`
	ValidationPassed     float64 `json:"validation_passed"`
	Threshold            float64 `json:"threshold"`
}

// DefaultCompletionPolicy weighs the four indicators equally and requires all of them.
func DefaultCompletionPolicy() WeightedCompletion {
	return WeightedCompletion{
		PRMerged:             1,
		TestsPassing:         1,
		DeploymentSuccessful: 1,
		ValidationPassed:     1,
		Threshold:            1,
	}
}

// Evaluate implements CompletionPolicy.
func (w WeightedCompletion) Evaluate(_ context.Context, ind CompletionIndicators) (CompletionReport, error) {
	weights := map[string]float64{
		IndicatorPRMerged:             w.PRMerged,
		IndicatorTestsPassing:         w.TestsPassing,
		IndicatorDeploymentSuccessful: w.DeploymentSuccessful,
		IndicatorValidationPassed:     w.ValidationPassed,
	}

	var total, score float64
	report := CompletionReport{}
	for _, name := range indicatorOrder {
		weight := weights[name]
		if weight < 0 {
			return CompletionReport{}, fmt.Errorf("negative weight for %s", name)
		}
		total += weight
		if ind.Map()[name] {
			score += weight
			report.Satisfied = append(report.Satisfied, name)
		} else {
			report.Missing = append(report.Missing, name)
		}
	}
	if total == 0 {
		return CompletionReport{}, fmt.Errorf("completion weights sum to zero")
	}

	report.Score = score / total
	report.Complete = report.Score >= w.Threshold-1e-9
	report.Reason = fmt.Sprintf("%.0f%% of weighted indicators satisfied (threshold %.0f%%)",
		math.Round(report.Score*100), math.Round(w.Threshold*100))
	return report, nil
}

var indicatorOrder = []string{
	IndicatorPRMerged,
	IndicatorTestsPassing,
	IndicatorDeploymentSuccessful,
	IndicatorValidationPassed,
}
