package policy

import (
	"time"
)

// Names of the built-in policies.
const (
	RequireDeploymentEvidence = "require-deployment-evidence"
	BlockCriticalIssues       = "block-critical-issues"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		requireDeploymentEvidencePolicy(),
		blockCriticalIssuesPolicy(),
	}
}

// requireDeploymentEvidencePolicy denies auto-merging code nobody deployed.
func requireDeploymentEvidencePolicy() Policy {
	return Policy{
		Name:        RequireDeploymentEvidence,
		Description: "Denies auto-merge when no deployment command ran against the pull request",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"deployment", "evidence"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package devloop.merge

import rego.v1

commands := [c | some c in input.deployment_commands]

results := [r | some r in input.deployment_results]

deny contains violation if {
	count(commands) == 0
	violation := {
		"message": "no deployment commands are configured for the project",
		"severity": "error",
		"remediation": "configure deployment commands so the pull request is exercised before merging",
	}
}

deny contains violation if {
	count(commands) > 0
	count(results) == 0
	violation := {
		"message": "no deployment command ran against the pull request",
		"severity": "error",
	}
}
`,
	}
}

// blockCriticalIssuesPolicy denies auto-merge when analysis found a critical issue.
func blockCriticalIssuesPolicy() Policy {
	return Policy{
		Name:        BlockCriticalIssues,
		Description: "Denies auto-merge when deployment or web evaluation analysis reports a critical issue",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"analysis", "safety"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package devloop.merge

import rego.v1

analyses contains ["deployment", a] if {
	a := input.deployment_analysis
	a != null
}

analyses contains ["web evaluation", a] if {
	a := input.web_eval_analysis
	a != null
}

deny contains violation if {
	some entry in analyses
	phase := entry[0]
	some issue in entry[1].issues
	issue.severity == "critical"
	violation := {
		"message": sprintf("%s analysis reported a critical issue: %s", [phase, issue.message]),
		"severity": "critical",
		"details": {"phase": phase, "category": object.get(issue, "category", "")},
	}
}
`,
	}
}
