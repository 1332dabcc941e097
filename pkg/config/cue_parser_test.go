package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// noEnv keeps the process environment out of parser tests.
func noEnv(string) (string, bool) { return "", false }

func TestParser_ParseInline(t *testing.T) {
	parser := NewParser(WithEnvLookup(noEnv))

	tests := []struct {
		name      string
		content   string
		wantErr   bool
		errPath   string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name: "overrides keep unrelated defaults",
			content: `
workflow: {
	max_iterations: 3
	timeouts: planning: "10m"
}
merge: min_confidence_threshold: 0.9
`,
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Workflow.MaxIterations != 3 {
					t.Errorf("expected max_iterations 3, got %d", cfg.Workflow.MaxIterations)
				}
				if cfg.Workflow.Timeouts.Planning.Std() != 10*time.Minute {
					t.Errorf("expected planning timeout 10m, got %s", cfg.Workflow.Timeouts.Planning)
				}
				if cfg.Workflow.Timeouts.Coding.Std() != 60*time.Minute {
					t.Errorf("expected default coding timeout, got %s", cfg.Workflow.Timeouts.Coding)
				}
				if cfg.Merge.MinConfidenceThreshold != 0.9 {
					t.Errorf("expected threshold 0.9, got %v", cfg.Merge.MinConfidenceThreshold)
				}
				if !cfg.Merge.RequireDeploymentSuccess {
					t.Error("expected require_deployment_success to keep its default")
				}
			},
		},
		{
			name:    "invalid CUE syntax",
			content: "workflow: {\n\tmax_iterations: 3\n\tinvalid syntax here\n}\n",
			wantErr: true,
		},
		{
			name:    "unknown field",
			content: `workflow: max_iteration: 3`,
			wantErr: true,
			errPath: "workflow.max_iteration",
		},
		{
			name:    "schema constraint",
			content: `workflow: max_iterations: 0`,
			wantErr: true,
			errPath: "workflow.max_iterations",
		},
		{
			name:    "bad duration",
			content: `workflow: timeouts: coding: "an hour"`,
			wantErr: true,
			errPath: "workflow.timeouts.coding",
		},
		{
			name:    "bad merge method",
			content: `merge: merge_method: "fast-forward"`,
			wantErr: true,
			errPath: "merge.merge_method",
		},
		{
			name: "struct validation after schema",
			content: `
workflow: delays: {
	agent_poll_initial: "10s"
	agent_poll_max: "5s"
}
`,
			wantErr: true,
			errPath: "workflow.delays.agent_poll_max",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc := parser.ParseInline(tt.content)

			if tt.wantErr {
				if len(pc.Errors) == 0 {
					t.Fatal("expected errors, got none")
				}
				if pc.Config != nil {
					t.Error("expected no config alongside errors")
				}
				if tt.errPath != "" && !hasPath(pc.Errors, tt.errPath) {
					t.Errorf("expected an error at %s, got %v", tt.errPath, pc.Errors)
				}
				return
			}

			if len(pc.Errors) > 0 {
				t.Fatalf("unexpected errors: %v", pc.Errors)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, pc.Config)
			}
		})
	}
}

func hasPath(errs ValidationErrors, path string) bool {
	for _, e := range errs {
		if strings.Contains(e.Path, path) {
			return true
		}
	}
	return false
}

func TestParser_ErrorPathsAreConfigRelative(t *testing.T) {
	parser := NewParser(WithEnvLookup(noEnv))

	pc := parser.ParseInline(`logging: level: "verbose"`)
	if len(pc.Errors) == 0 {
		t.Fatal("expected errors, got none")
	}

	seen := make(map[string]int)
	for _, e := range pc.Errors {
		if strings.HasPrefix(e.Path, "#") || strings.HasPrefix(e.Path, "Config.") {
			t.Errorf("path %q leaks the schema definition", e.Path)
		}
		seen[e.Path+"|"+e.Message]++
	}
	for key, n := range seen {
		if n > 1 {
			t.Errorf("error %q reported %d times", key, n)
		}
	}

	found := false
	for _, e := range pc.Errors {
		if e.Path == "logging.level" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an error at exactly logging.level, got %v", pc.Errors)
	}
}

func TestConfigPath(t *testing.T) {
	tests := []struct {
		sels []string
		want string
	}{
		{[]string{"#Config", "logging", "level"}, "logging.level"},
		{[]string{"Config", "merge", "merge_method"}, "merge.merge_method"},
		{[]string{"workflow", "max_iterations"}, "workflow.max_iterations"},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := configPath(tt.sels); got != tt.want {
			t.Errorf("configPath(%v) = %q, want %q", tt.sels, got, tt.want)
		}
	}
}

func TestParser_ParseFile(t *testing.T) {
	parser := NewParser(WithEnvLookup(noEnv))
	tmpDir := t.TempDir()

	files := map[string]string{
		"devloop.yaml": `
workflow:
  max_concurrent_workflows: 4
  auto_merge_pr: false
  delays:
    pr_poll_interval: 30s
policy:
  paths: [/etc/devloop/policies]
  watch: true
sandbox:
  host: sandbox.internal
  env:
    NODE_ENV: test
`,
		"devloop.json": `{
  "workflow": {"max_concurrent_workflows": 4, "auto_merge_pr": false, "delays": {"pr_poll_interval": "30s"}},
  "policy": {"paths": ["/etc/devloop/policies"], "watch": true},
  "sandbox": {"host": "sandbox.internal", "env": {"NODE_ENV": "test"}}
}`,
		"devloop.cue": `
workflow: {
	max_concurrent_workflows: 4
	auto_merge_pr:            false
	delays: pr_poll_interval: "30s"
}
policy: {
	paths: ["/etc/devloop/policies"]
	watch: true
}
sandbox: {
	host: "sandbox.internal"
	env: NODE_ENV: "test"
}
`,
	}

	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(tmpDir, name)
			if err := os.WriteFile(path, []byte(content), 0644); err != nil {
				t.Fatalf("failed to create test file: %v", err)
			}

			pc, err := parser.ParseFile(path)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(pc.Errors) > 0 {
				t.Fatalf("unexpected validation errors: %v", pc.Errors)
			}
			if pc.Format != DetectFormat(path) {
				t.Errorf("expected format %s, got %s", DetectFormat(path), pc.Format)
			}

			cfg := pc.Config
			if cfg.Workflow.MaxConcurrentWorkflows != 4 {
				t.Errorf("expected 4 concurrent workflows, got %d", cfg.Workflow.MaxConcurrentWorkflows)
			}
			if cfg.Workflow.AutoMergePR {
				t.Error("expected auto_merge_pr false")
			}
			if !cfg.Workflow.AutoConfirmPlan {
				t.Error("expected auto_confirm_plan to keep its default")
			}
			if cfg.Workflow.Delays.PRPollInterval.Std() != 30*time.Second {
				t.Errorf("expected pr poll 30s, got %s", cfg.Workflow.Delays.PRPollInterval)
			}
			if len(cfg.Policy.Paths) != 1 || !cfg.Policy.Watch {
				t.Errorf("unexpected policy section: %+v", cfg.Policy)
			}
			if cfg.Sandbox.Host != "sandbox.internal" || cfg.Sandbox.Env["NODE_ENV"] != "test" {
				t.Errorf("unexpected sandbox section: %+v", cfg.Sandbox)
			}
			if cfg.Sandbox.Port != 22 {
				t.Errorf("expected default port 22, got %d", cfg.Sandbox.Port)
			}
		})
	}
}

func TestParser_YAMLErrors(t *testing.T) {
	parser := NewParser(WithEnvLookup(noEnv))

	pc := parser.Parse([]byte("workflow:\n  max_iterations: [1\n"), FormatYAML, "broken.yaml")
	if len(pc.Errors) == 0 {
		t.Fatal("expected a YAML syntax error")
	}

	pc = parser.Parse([]byte("logging:\n  level: verbose\n"), FormatYAML, "level.yaml")
	if !hasPath(pc.Errors, "logging.level") {
		t.Errorf("expected a logging.level error, got %v", pc.Errors)
	}

	pc = parser.Parse([]byte(""), FormatYAML, "empty.yaml")
	if len(pc.Errors) > 0 {
		t.Fatalf("empty document should yield defaults, got %v", pc.Errors)
	}
	if !reflect.DeepEqual(pc.Config, Default()) {
		t.Error("expected defaults for an empty document")
	}
}

func TestParser_Load(t *testing.T) {
	env := map[string]string{
		EnvGitHubToken: "ghp_test",
		EnvAgentURL:    "https://agents.example.com",
		EnvDBPath:      "/tmp/devloop-test.db",
		EnvAgentToken:  "",
	}
	parser := NewParser(WithEnvLookup(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}))

	cfg, err := parser.Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.GitHub.Token != "ghp_test" {
		t.Errorf("expected token from environment, got %q", cfg.GitHub.Token)
	}
	if cfg.Agent.URL != "https://agents.example.com" {
		t.Errorf("expected agent url from environment, got %q", cfg.Agent.URL)
	}
	if cfg.Store.Path != "/tmp/devloop-test.db" {
		t.Errorf("expected db path from environment, got %q", cfg.Store.Path)
	}
	if cfg.Agent.Token != "" {
		t.Error("empty environment values must not override")
	}

	path := filepath.Join(t.TempDir(), "devloop.yaml")
	if err := os.WriteFile(path, []byte("store:\n  path: file.db\nagent:\n  url: ftp://nope\n"), 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}
	_, err = parser.Load(path)
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}
	if !hasPath(verrs, "agent.url") {
		t.Errorf("expected agent.url error, got %v", verrs)
	}

	if _, err := parser.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestConfig_Conversions(t *testing.T) {
	cfg := Default()
	cfg.Workflow.MaxIterations = 7
	cfg.Workflow.Timeouts.Validating = Duration(time.Minute)
	cfg.Completion.Threshold = 0.75
	cfg.Completion.Weights.PRMerged = 2

	cc := cfg.ControllerConfig()
	if cc.MaxIterations != 7 {
		t.Errorf("expected max iterations 7, got %d", cc.MaxIterations)
	}
	if cc.Timeouts.Validating != time.Minute {
		t.Errorf("expected validating timeout 1m, got %s", cc.Timeouts.Validating)
	}
	if cc.Delays.AgentPollMax != 60*time.Second {
		t.Errorf("expected agent poll max 60s, got %s", cc.Delays.AgentPollMax)
	}

	wc := cfg.WeightedCompletion()
	if wc.Threshold != 0.75 || wc.PRMerged != 2 || wc.ValidationPassed != 1 {
		t.Errorf("unexpected weighted completion: %+v", wc)
	}
}

func TestConfig_Redacted(t *testing.T) {
	cfg := Default()
	cfg.GitHub.Token = "ghp_secret"
	cfg.Sandbox.Env = map[string]string{"API_KEY": "secret"}

	red := cfg.Redacted()
	if red.GitHub.Token == "ghp_secret" || red.Sandbox.Env["API_KEY"] == "secret" {
		t.Error("expected secrets to be masked")
	}
	if red.Agent.Token != "" {
		t.Error("expected empty secrets to stay empty")
	}
	if cfg.GitHub.Token != "ghp_secret" || cfg.Sandbox.Env["API_KEY"] != "secret" {
		t.Error("Redacted must not modify the original")
	}
}

func TestExportRoundTrip(t *testing.T) {
	parser := NewParser(WithEnvLookup(noEnv))

	data, err := ExportYAML(Default())
	if err != nil {
		t.Fatalf("failed to export: %v", err)
	}
	if !strings.Contains(string(data), "planning: 30m0s") {
		t.Errorf("expected durations as strings, got:\n%s", data)
	}

	pc := parser.Parse(data, FormatYAML, "exported.yaml")
	if len(pc.Errors) > 0 {
		t.Fatalf("exported defaults do not validate: %v", pc.Errors)
	}
	if !reflect.DeepEqual(pc.Config, Default()) {
		t.Error("round trip changed the configuration")
	}

	js, err := ExportJSON(Default())
	if err != nil {
		t.Fatalf("failed to export: %v", err)
	}
	pc = parser.Parse(js, FormatJSON, "exported.json")
	if len(pc.Errors) > 0 {
		t.Fatalf("exported JSON does not validate: %v", pc.Errors)
	}
}

func TestDuration(t *testing.T) {
	var d Duration
	if err := d.UnmarshalJSON([]byte(`"1h30m"`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Std() != 90*time.Minute {
		t.Errorf("expected 90m, got %s", d)
	}
	if err := d.UnmarshalJSON([]byte(`1000000000`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Std() != time.Second {
		t.Errorf("expected 1s, got %s", d)
	}
	if err := d.UnmarshalJSON([]byte(`"soon"`)); err == nil {
		t.Error("expected an error for an invalid duration")
	}
}

func TestValidationErrorString(t *testing.T) {
	e := ValidationError{File: "devloop.cue", Line: 3, Column: 2, Path: "workflow.max_iterations", Message: "invalid value"}
	want := "devloop.cue:3:2: workflow.max_iterations: invalid value"
	if e.String() != want {
		t.Errorf("expected %q, got %q", want, e.String())
	}

	errs := ValidationErrors{e, {Message: "other"}}
	if !strings.HasPrefix(errs.Error(), "2 configuration errors") {
		t.Errorf("unexpected message: %s", errs.Error())
	}
}
