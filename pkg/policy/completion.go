package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"

	"github.com/openfroyo/devloop/pkg/workflow"
)

// defaultScriptSteps bounds the work a completion script may do per call.
const defaultScriptSteps = 1_000_000

// StarlarkCompletion is a workflow.CompletionPolicy written in Starlark.
//
// The script sees a frozen dict named indicators mapping each indicator
// name to a bool, and must assign a bool to the global complete. It may
// also assign a number to score and a string to reason.
//
//	passed = [k for k, v in indicators.items() if v]
//	complete = indicators["pr_merged"] and len(passed) >= 3
//	score = len(passed) / 4.0
type StarlarkCompletion struct {
	name     string
	program  string
	timeout  time.Duration
	maxSteps uint64
	logger   zerolog.Logger
}

var _ workflow.CompletionPolicy = (*StarlarkCompletion)(nil)

// CompletionOption configures a StarlarkCompletion.
type CompletionOption func(*StarlarkCompletion)

// WithScriptTimeout bounds the wall-clock time of one evaluation.
func WithScriptTimeout(d time.Duration) CompletionOption {
	return func(s *StarlarkCompletion) {
		s.timeout = d
	}
}

// WithMaxSteps bounds the Starlark execution steps of one evaluation.
// Zero removes the bound.
func WithMaxSteps(n uint64) CompletionOption {
	return func(s *StarlarkCompletion) {
		s.maxSteps = n
	}
}

// WithCompletionLogger sets the logger the script's print() writes to.
func WithCompletionLogger(logger zerolog.Logger) CompletionOption {
	return func(s *StarlarkCompletion) {
		s.logger = logger
	}
}

// NewStarlarkCompletion compiles script and checks it against an all-false
// and an all-true indicator set.
func NewStarlarkCompletion(name, script string, opts ...CompletionOption) (*StarlarkCompletion, error) {
	s := &StarlarkCompletion{
		name:     name,
		program:  script,
		timeout:  5 * time.Second,
		maxSteps: defaultScriptSteps,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "completion-script").Str("script", name).Logger()

	for _, sample := range []workflow.CompletionIndicators{
		{},
		{PRMerged: true, TestsPassing: true, DeploymentSuccessful: true, ValidationPassed: true},
	} {
		if _, err := s.Evaluate(context.Background(), sample); err != nil {
			return nil, fmt.Errorf("completion script %s: %w", name, err)
		}
	}

	return s, nil
}

// LoadStarlarkCompletion reads a completion script from path.
func LoadStarlarkCompletion(path string, opts ...CompletionOption) (*StarlarkCompletion, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read completion script: %w", err)
	}
	return NewStarlarkCompletion(filepath.Base(path), string(data), opts...)
}

// Evaluate implements workflow.CompletionPolicy.
func (s *StarlarkCompletion) Evaluate(ctx context.Context, ind workflow.CompletionIndicators) (workflow.CompletionReport, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: s.name,
		Print: func(_ *starlark.Thread, msg string) {
			s.logger.Debug().Msg(msg)
		},
	}
	if s.maxSteps > 0 {
		thread.SetMaxExecutionSteps(s.maxSteps)
	}

	indicators := ind.Map()
	dict := starlark.NewDict(len(indicators))
	for k, v := range indicators {
		if err := dict.SetKey(starlark.String(k), starlark.Bool(v)); err != nil {
			return workflow.CompletionReport{}, err
		}
	}
	dict.Freeze()
	predeclared := starlark.StringDict{"indicators": dict}

	type outcome struct {
		globals starlark.StringDict
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		globals, err := starlark.ExecFile(thread, s.name, s.program, predeclared)
		done <- outcome{globals, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		thread.Cancel(ctx.Err().Error())
		<-done
		return workflow.CompletionReport{}, fmt.Errorf("completion script cancelled: %w", ctx.Err())
	}
	if out.err != nil {
		var evalErr *starlark.EvalError
		if errors.As(out.err, &evalErr) {
			return workflow.CompletionReport{}, fmt.Errorf("completion script failed: %s", evalErr.Backtrace())
		}
		return workflow.CompletionReport{}, fmt.Errorf("completion script failed: %w", out.err)
	}

	return s.report(out.globals, indicators)
}

// report reads the verdict out of the script globals.
func (s *StarlarkCompletion) report(globals starlark.StringDict, indicators map[string]bool) (workflow.CompletionReport, error) {
	var report workflow.CompletionReport

	complete, ok := globals["complete"].(starlark.Bool)
	if !ok {
		return report, errors.New("completion script must assign a bool to complete")
	}
	report.Complete = bool(complete)

	switch v := globals["score"].(type) {
	case nil:
		if report.Complete {
			report.Score = 1
		}
	case starlark.Float:
		report.Score = float64(v)
	case starlark.Int:
		n, _ := v.Int64()
		report.Score = float64(n)
	default:
		return report, fmt.Errorf("score must be a number, got %s", v.Type())
	}

	switch v := globals["reason"].(type) {
	case nil:
		report.Reason = fmt.Sprintf("decided by %s", s.name)
	case starlark.String:
		report.Reason = string(v)
	default:
		return report, fmt.Errorf("reason must be a string, got %s", v.Type())
	}

	names := make([]string, 0, len(indicators))
	for name := range indicators {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if indicators[name] {
			report.Satisfied = append(report.Satisfied, name)
		} else {
			report.Missing = append(report.Missing, name)
		}
	}

	return report, nil
}
