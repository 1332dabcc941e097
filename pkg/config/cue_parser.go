package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Parser parses configuration documents, checks them against the CUE
// schema and overlays them on the built-in defaults.
type Parser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
	lookupEnv      func(string) (string, bool)
}

// ParserOption configures a Parser.
type ParserOption func(*Parser)

// WithEnvLookup replaces os.LookupEnv for environment overrides.
func WithEnvLookup(fn func(string) (string, bool)) ParserOption {
	return func(p *Parser) {
		p.lookupEnv = fn
	}
}

// NewParser creates a new configuration parser.
func NewParser(opts ...ParserOption) *Parser {
	ctx := cuecontext.New()
	v := validator.New()
	// Report yaml field names instead of Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	p := &Parser{
		ctx:            ctx,
		schemaRegistry: NewSchemaRegistry(ctx),
		validator:      v,
		lookupEnv:      os.LookupEnv,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Load reads the configuration at path, applies environment overrides and
// validates the result. An empty path yields the defaults plus overrides.
func (p *Parser) Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		p.ApplyEnv(cfg)
		if errs := p.Validate(cfg); len(errs) > 0 {
			return nil, errs
		}
		return cfg, nil
	}

	pc, err := p.ParseFile(path)
	if err != nil {
		return nil, err
	}
	if len(pc.Errors) > 0 {
		return nil, pc.Errors
	}
	return pc.Config, nil
}

// ParseFile parses a configuration file. The format is chosen by extension:
// .yaml and .yml are YAML, everything else is read as CUE (which accepts JSON).
func (p *Parser) ParseFile(path string) (*ParsedConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return p.Parse(content, DetectFormat(path), path), nil
}

// ParseInline parses inline CUE content.
func (p *Parser) ParseInline(content string) *ParsedConfig {
	return p.Parse([]byte(content), FormatCUE, "inline")
}

// DetectFormat guesses the document format from a file name.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	default:
		return FormatCUE
	}
}

// Parse checks a document against the schema, overlays it on the defaults,
// applies environment overrides and runs struct validation.
func (p *Parser) Parse(content []byte, format Format, source string) *ParsedConfig {
	pc := &ParsedConfig{
		SourceFile: source,
		Format:     format,
		ParsedAt:   time.Now(),
	}

	var val cue.Value
	switch format {
	case FormatYAML:
		var doc map[string]interface{}
		if err := yaml.Unmarshal(content, &doc); err != nil {
			pc.Errors = append(pc.Errors, ValidationError{File: source, Message: err.Error()})
			return pc
		}
		if doc == nil {
			doc = map[string]interface{}{}
		}
		val = p.ctx.Encode(doc)
	default:
		val = p.ctx.CompileBytes(content, cue.Filename(source))
	}
	if err := val.Err(); err != nil {
		pc.Errors = append(pc.Errors, convertCUEErrors(err, source)...)
		return pc
	}

	unified, err := p.schemaRegistry.Unify("config", val)
	if err != nil {
		pc.Errors = append(pc.Errors, ValidationError{File: source, Message: err.Error()})
		return pc
	}
	if err := unified.Validate(); err != nil {
		pc.Errors = append(pc.Errors, convertCUEErrors(err, source)...)
		return pc
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		pc.Errors = append(pc.Errors, convertCUEErrors(err, source)...)
		return pc
	}

	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(cfg); err != nil {
		pc.Errors = append(pc.Errors, ValidationError{File: source, Message: fmt.Sprintf("failed to decode config: %v", err)})
		return pc
	}

	p.ApplyEnv(cfg)

	if errs := p.Validate(cfg); len(errs) > 0 {
		for i := range errs {
			errs[i].File = source
		}
		pc.Errors = append(pc.Errors, errs...)
		return pc
	}

	pc.Config = cfg
	return pc
}

// Validate runs struct validation on a configuration.
func (p *Parser) Validate(cfg *Config) ValidationErrors {
	err := p.validator.Struct(cfg)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return ValidationErrors{{Message: err.Error()}}
	}

	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			Path:    strings.TrimPrefix(fe.Namespace(), "Config."),
			Message: describeFieldError(fe),
		})
	}
	return out
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gtefield":
		return fmt.Sprintf("must not be less than %s", fe.Param())
	case "url":
		return "must be a valid URL"
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("failed %s=%s (got %v)", fe.Tag(), fe.Param(), fe.Value())
		}
		return fmt.Sprintf("failed %s", fe.Tag())
	}
}

// convertCUEErrors converts CUE errors to ValidationError slice. Paths are
// relative to the config root and repeated path/message pairs are dropped.
func convertCUEErrors(err error, source string) ValidationErrors {
	var validationErrors ValidationErrors
	seen := make(map[string]bool)

	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			File:    source,
			Path:    configPath(e.Path()),
			Message: strings.TrimSpace(cueerrors.Details(e, nil)),
		}
		key := ve.Path + "\x00" + ve.Message
		if seen[key] {
			continue
		}
		seen[key] = true
		for _, pos := range cueerrors.Positions(e) {
			if pos.Filename() == source {
				ve.Line = pos.Line()
				ve.Column = pos.Column()
				break
			}
		}
		validationErrors = append(validationErrors, ve)
	}
	if len(validationErrors) == 0 {
		validationErrors = append(validationErrors, ValidationError{File: source, Message: err.Error()})
	}

	return validationErrors
}

// configPath drops the schema definition selector from a CUE error path.
func configPath(sels []string) string {
	if len(sels) > 0 && (sels[0] == "#Config" || sels[0] == "Config") {
		sels = sels[1:]
	}
	return strings.Join(sels, ".")
}

// ExportJSON renders a configuration as indented JSON.
func ExportJSON(cfg *Config) ([]byte, error) {
	return json.MarshalIndent(cfg, "", "  ")
}

// ExportYAML renders a configuration as YAML.
func ExportYAML(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// SchemaRegistry returns the schema registry.
func (p *Parser) SchemaRegistry() *SchemaRegistry {
	return p.schemaRegistry
}
