package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/devloop/pkg/merge"
	"github.com/openfroyo/devloop/pkg/workflow"
)

// Config is the complete devloop configuration.
type Config struct {
	// Workflow holds controller limits, deadlines and polling delays.
	Workflow WorkflowConfig `json:"workflow" yaml:"workflow"`

	// Merge is the policy the merge decision engine applies.
	Merge merge.Policy `json:"merge" yaml:"merge"`

	// Completion configures how an iteration is judged complete.
	Completion CompletionConfig `json:"completion" yaml:"completion"`

	// Policy configures the rego merge guard.
	Policy PolicyConfig `json:"policy" yaml:"policy"`

	// Agent points at the remote agent gateway.
	Agent AgentConfig `json:"agent" yaml:"agent"`

	// GitHub configures the source control adapter.
	GitHub GitHubConfig `json:"github" yaml:"github"`

	// Sandbox configures the SSH host validation snapshots run on.
	Sandbox SandboxConfig `json:"sandbox" yaml:"sandbox"`

	// Store configures the SQLite state store.
	Store StoreConfig `json:"store" yaml:"store"`

	// Logging configures structured logging.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Telemetry configures metrics and tracing.
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`

	// Notify configures the event bridge.
	Notify NotifyConfig `json:"notify" yaml:"notify"`
}

// WorkflowConfig holds the controller settings.
type WorkflowConfig struct {
	MaxConcurrentWorkflows int  `json:"max_concurrent_workflows" yaml:"max_concurrent_workflows" validate:"gt=0"`
	MaxIterations          int  `json:"max_iterations" yaml:"max_iterations" validate:"gt=0"`
	MaxRetriesPerState     int  `json:"max_retries_per_state" yaml:"max_retries_per_state" validate:"gte=0"`
	MaxValidationAttempts  int  `json:"max_validation_attempts" yaml:"max_validation_attempts" validate:"gte=0"`
	ValidationMaxRetries   int  `json:"validation_max_retries" yaml:"validation_max_retries" validate:"gte=0"`
	FinishedRetention      int  `json:"finished_retention" yaml:"finished_retention" validate:"gte=0"`
	AutoConfirmPlan        bool `json:"auto_confirm_plan" yaml:"auto_confirm_plan"`
	AutoMergePR            bool `json:"auto_merge_pr" yaml:"auto_merge_pr"`

	Timeouts TimeoutsConfig `json:"timeouts" yaml:"timeouts"`
	Delays   DelaysConfig   `json:"delays" yaml:"delays"`
}

// TimeoutsConfig holds per-state deadlines. Zero disables a deadline.
type TimeoutsConfig struct {
	Planning   Duration `json:"planning" yaml:"planning" validate:"gte=0"`
	Coding     Duration `json:"coding" yaml:"coding" validate:"gte=0"`
	PrCreated  Duration `json:"pr_created" yaml:"pr_created" validate:"gte=0"`
	Validating Duration `json:"validating" yaml:"validating" validate:"gte=0"`
}

// DelaysConfig holds the polling delays.
type DelaysConfig struct {
	AgentPollInitial Duration `json:"agent_poll_initial" yaml:"agent_poll_initial" validate:"gt=0"`
	AgentPollMax     Duration `json:"agent_poll_max" yaml:"agent_poll_max" validate:"gtefield=AgentPollInitial"`
	PRPollInterval   Duration `json:"pr_poll_interval" yaml:"pr_poll_interval" validate:"gt=0"`
}

// CompletionConfig selects and tunes the completion policy. A Script takes
// precedence over the weights.
type CompletionConfig struct {
	Threshold float64       `json:"threshold" yaml:"threshold" validate:"gt=0,lte=1"`
	Weights   WeightsConfig `json:"weights" yaml:"weights"`
	// Script is the path of a Starlark completion script.
	Script        string   `json:"script,omitempty" yaml:"script,omitempty"`
	ScriptTimeout Duration `json:"script_timeout" yaml:"script_timeout" validate:"gt=0"`
}

// WeightsConfig weighs the completion indicators.
type WeightsConfig struct {
	PRMerged             float64 `json:"pr_merged" yaml:"pr_merged" validate:"gte=0"`
	TestsPassing         float64 `json:"tests_passing" yaml:"tests_passing" validate:"gte=0"`
	DeploymentSuccessful float64 `json:"deployment_successful" yaml:"deployment_successful" validate:"gte=0"`
	ValidationPassed     float64 `json:"validation_passed" yaml:"validation_passed" validate:"gte=0"`
}

// PolicyConfig configures the merge guard.
type PolicyConfig struct {
	// Enabled indicates if the merge guard runs before auto-merges.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Paths lists rego files or directories loaded next to the built-ins.
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty"`

	// Watch reloads Paths when they change.
	Watch bool `json:"watch" yaml:"watch"`

	// Disabled names built-in policies to switch off.
	Disabled []string `json:"disabled,omitempty" yaml:"disabled,omitempty"`

	// Mode is the enforcement mode (advisory, enforcing).
	Mode string `json:"mode" yaml:"mode" validate:"oneof=advisory enforcing"`
}

// AgentConfig points at the remote agent gateway.
type AgentConfig struct {
	URL        string   `json:"url,omitempty" yaml:"url,omitempty" validate:"omitempty,url"`
	Token      string   `json:"token,omitempty" yaml:"token,omitempty"`
	Timeout    Duration `json:"timeout" yaml:"timeout" validate:"gt=0"`
	MaxRetries int      `json:"max_retries" yaml:"max_retries" validate:"gte=0"`
}

// GitHubConfig configures the GitHub adapter.
type GitHubConfig struct {
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
	// BaseURL selects a GitHub Enterprise API endpoint.
	BaseURL    string `json:"base_url,omitempty" yaml:"base_url,omitempty" validate:"omitempty,url"`
	MaxRetries int    `json:"max_retries" yaml:"max_retries" validate:"gte=0"`
}

// SandboxConfig configures the SSH host validation snapshots run on.
type SandboxConfig struct {
	Host           string `json:"host,omitempty" yaml:"host,omitempty"`
	Port           int    `json:"port" yaml:"port" validate:"gt=0,lte=65535"`
	User           string `json:"user" yaml:"user"`
	KeyPath        string `json:"key_path,omitempty" yaml:"key_path,omitempty"`
	Password       string `json:"password,omitempty" yaml:"password,omitempty"`
	KnownHostsPath string `json:"known_hosts_path,omitempty" yaml:"known_hosts_path,omitempty"`
	// InsecureIgnoreHostKey skips host key verification.
	InsecureIgnoreHostKey bool `json:"insecure_ignore_host_key" yaml:"insecure_ignore_host_key"`
	// BaseDir holds one workspace directory per snapshot.
	BaseDir string `json:"base_dir" yaml:"base_dir" validate:"required"`
	// PreviewURL is the web-eval target; "{pr}" is replaced by the PR number.
	PreviewURL     string            `json:"preview_url,omitempty" yaml:"preview_url,omitempty"`
	Env            map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	CommandTimeout Duration          `json:"command_timeout" yaml:"command_timeout" validate:"gt=0"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	Path         string `json:"path" yaml:"path" validate:"required"`
	MaxOpenConns int    `json:"max_open_conns" yaml:"max_open_conns" validate:"gte=0"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `json:"format" yaml:"format" validate:"oneof=console json"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	MetricsAddress string        `json:"metrics_address,omitempty" yaml:"metrics_address,omitempty"`
	Tracing        TracingConfig `json:"tracing" yaml:"tracing"`
}

// TracingConfig configures the trace exporter.
type TracingConfig struct {
	Exporter     string  `json:"exporter" yaml:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint     string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate" validate:"gte=0,lte=1"`
}

// NotifyConfig configures the event bridge.
type NotifyConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Topic   string `json:"topic" yaml:"topic" validate:"required_if=Enabled true"`
}

// Default returns the built-in configuration.
func Default() *Config {
	wf := workflow.DefaultConfig()
	return &Config{
		Workflow: WorkflowConfig{
			MaxConcurrentWorkflows: wf.MaxConcurrentWorkflows,
			MaxIterations:          wf.MaxIterations,
			MaxRetriesPerState:     wf.MaxRetriesPerState,
			MaxValidationAttempts:  wf.MaxValidationAttempts,
			ValidationMaxRetries:   wf.ValidationMaxRetries,
			FinishedRetention:      wf.FinishedRetention,
			AutoConfirmPlan:        true,
			AutoMergePR:            true,
			Timeouts: TimeoutsConfig{
				Planning:   Duration(wf.Timeouts.Planning),
				Coding:     Duration(wf.Timeouts.Coding),
				PrCreated:  Duration(wf.Timeouts.PrCreated),
				Validating: Duration(wf.Timeouts.Validating),
			},
			Delays: DelaysConfig{
				AgentPollInitial: Duration(wf.Delays.AgentPollInitial),
				AgentPollMax:     Duration(wf.Delays.AgentPollMax),
				PRPollInterval:   Duration(wf.Delays.PRPollInterval),
			},
		},
		Merge: merge.DefaultPolicy(),
		Completion: CompletionConfig{
			Threshold: 1,
			Weights: WeightsConfig{
				PRMerged:             1,
				TestsPassing:         1,
				DeploymentSuccessful: 1,
				ValidationPassed:     1,
			},
			ScriptTimeout: Duration(5 * time.Second),
		},
		Policy: PolicyConfig{
			Enabled: true,
			Mode:    "enforcing",
		},
		Agent: AgentConfig{
			Timeout:    Duration(30 * time.Second),
			MaxRetries: 3,
		},
		GitHub: GitHubConfig{
			MaxRetries: 3,
		},
		Sandbox: SandboxConfig{
			Port:           22,
			User:           "devloop",
			BaseDir:        "/var/lib/devloop/snapshots",
			CommandTimeout: Duration(15 * time.Minute),
		},
		Store: StoreConfig{
			Path: "devloop.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Telemetry: TelemetryConfig{
			Tracing: TracingConfig{
				Exporter:     "none",
				SamplingRate: 1,
			},
		},
		Notify: NotifyConfig{
			Topic: "devloop.workflow.events",
		},
	}
}

// ControllerConfig converts the workflow section into a controller configuration.
func (c *Config) ControllerConfig() workflow.Config {
	w := c.Workflow
	return workflow.Config{
		MaxConcurrentWorkflows: w.MaxConcurrentWorkflows,
		MaxIterations:          w.MaxIterations,
		MaxRetriesPerState:     w.MaxRetriesPerState,
		MaxValidationAttempts:  w.MaxValidationAttempts,
		ValidationMaxRetries:   w.ValidationMaxRetries,
		FinishedRetention:      w.FinishedRetention,
		Timeouts: workflow.TimeoutPolicy{
			Planning:   w.Timeouts.Planning.Std(),
			Coding:     w.Timeouts.Coding.Std(),
			PrCreated:  w.Timeouts.PrCreated.Std(),
			Validating: w.Timeouts.Validating.Std(),
		},
		Delays: workflow.Delays{
			AgentPollInitial: w.Delays.AgentPollInitial.Std(),
			AgentPollMax:     w.Delays.AgentPollMax.Std(),
			PRPollInterval:   w.Delays.PRPollInterval.Std(),
		},
	}
}

// WeightedCompletion converts the completion section into a weighted policy.
func (c *Config) WeightedCompletion() workflow.WeightedCompletion {
	w := c.Completion.Weights
	return workflow.WeightedCompletion{
		PRMerged:             w.PRMerged,
		TestsPassing:         w.TestsPassing,
		DeploymentSuccessful: w.DeploymentSuccessful,
		ValidationPassed:     w.ValidationPassed,
		Threshold:            c.Completion.Threshold,
	}
}

// Redacted returns a copy with credentials masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	out.Agent.Token = mask(c.Agent.Token)
	out.GitHub.Token = mask(c.GitHub.Token)
	out.Sandbox.Password = mask(c.Sandbox.Password)
	if c.Sandbox.Env != nil {
		out.Sandbox.Env = make(map[string]string, len(c.Sandbox.Env))
		for k, v := range c.Sandbox.Env {
			out.Sandbox.Env[k] = mask(v)
		}
	}
	return &out
}

// Duration is a time.Duration written as a Go duration string ("90s", "1h30m").
type Duration time.Duration

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.parse(s)
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s", strings.TrimSpace(string(data)))
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	if err := d.parse(value.Value); err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	return nil
}

func (d *Duration) parse(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Format is the syntax of a configuration document.
type Format string

const (
	FormatCUE  Format = "cue"
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// ParsedConfig is the outcome of parsing one configuration document.
type ParsedConfig struct {
	// Config is nil when Errors is not empty.
	Config *Config `json:"config,omitempty"`

	// SourceFile is the parsed file, or "inline".
	SourceFile string `json:"source_file"`

	// Format is the detected document syntax.
	Format Format `json:"format"`

	// ParsedAt is when the configuration was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists schema and validation errors.
	Errors ValidationErrors `json:"errors,omitempty"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path of the error (e.g., "workflow.max_iterations").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// String renders the error as file:line:col: path: message.
func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors is a list of validation errors usable as an error.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (v ValidationErrors) Error() string {
	if len(v) == 1 {
		return v[0].String()
	}
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.String()
	}
	return fmt.Sprintf("%d configuration errors: %s", len(v), strings.Join(msgs, "; "))
}
