package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	if ctx == nil {
		ctx = cuecontext.New()
	}
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	for name, def := range builtinDefinitions {
		if err := sr.RegisterSchema(name, builtinSchema, def); err != nil {
			panic(fmt.Sprintf("built-in schema %s: %v", name, err))
		}
	}

	return sr
}

// builtinDefinitions maps schema names to definitions in builtinSchema.
var builtinDefinitions = map[string]string{
	"config":       "#Config",
	"workflow":     "#Workflow",
	"merge_policy": "#MergePolicy",
	"completion":   "#Completion",
	"sandbox":      "#Sandbox",
}

// RegisterSchema compiles source and registers the named definition in it.
func (sr *SchemaRegistry) RegisterSchema(name, source, definition string) error {
	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, definition)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify unifies a value with the named schema.
func (sr *SchemaRegistry) Unify(name string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}
	return schema.Unify(val), nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified, err := sr.Unify(schemaName, dataVal)
	if err != nil {
		return err
	}
	if err := unified.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// builtinSchema constrains every configuration document. All fields are
// optional; omitted fields keep their built-in defaults.
const builtinSchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Config: {
	workflow?:   #Workflow
	merge?:      #MergePolicy
	completion?: #Completion
	policy?:     #Policy
	agent?:      #Agent
	github?:     #GitHub
	sandbox?:    #Sandbox
	store?:      #Store
	logging?:    #Logging
	telemetry?:  #Telemetry
	notify?:     #Notify
}

#Workflow: {
	max_concurrent_workflows?: int & >0
	max_iterations?:           int & >0
	max_retries_per_state?:    int & >=0
	max_validation_attempts?:  int & >=0
	validation_max_retries?:   int & >=0
	finished_retention?:       int & >=0
	auto_confirm_plan?:        bool
	auto_merge_pr?:            bool

	timeouts?: {
		planning?:   #Duration
		coding?:     #Duration
		pr_created?: #Duration
		validating?: #Duration
	}

	delays?: {
		agent_poll_initial?: #Duration
		agent_poll_max?:     #Duration
		pr_poll_interval?:   #Duration
	}
}

#MergePolicy: {
	require_deployment_success?: bool
	require_web_eval_success?:   bool
	min_confidence_threshold?:   number & >=0 & <=1
	max_error_count?:            int & >=0
	max_retry_count?:            int & >=0
	merge_method?:               "merge" | "squash" | "rebase"
}

#Completion: {
	threshold?: number & >0 & <=1
	weights?: {
		pr_merged?:             number & >=0
		tests_passing?:         number & >=0
		deployment_successful?: number & >=0
		validation_passed?:     number & >=0
	}
	script?:         string
	script_timeout?: #Duration
}

#Policy: {
	enabled?: bool
	paths?: [...string]
	watch?: bool
	disabled?: [...string]
	mode?: "advisory" | "enforcing"
}

#Agent: {
	url?:         string & =~"^https?://"
	token?:       string
	timeout?:     #Duration
	max_retries?: int & >=0
}

#GitHub: {
	token?:       string
	base_url?:    string & =~"^https?://"
	max_retries?: int & >=0
}

#Sandbox: {
	host?:                     string
	port?:                     int & >0 & <=65535
	user?:                     string
	key_path?:                 string
	password?:                 string
	known_hosts_path?:         string
	insecure_ignore_host_key?: bool
	base_dir?:                 string & =~"^/"
	preview_url?:              string
	env?: {[string]: string}
	command_timeout?: #Duration
}

#Store: {
	path?:           string & !=""
	max_open_conns?: int & >=0
}

#Logging: {
	level?:  "trace" | "debug" | "info" | "warn" | "error"
	format?: "console" | "json"
}

#Telemetry: {
	metrics_address?: string
	tracing?: {
		exporter?:      "otlp" | "stdout" | "none"
		endpoint?:      string
		sampling_rate?: number & >=0 & <=1
	}
}

#Notify: {
	enabled?: bool
	topic?:   string
}
`
