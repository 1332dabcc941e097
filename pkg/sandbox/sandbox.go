// Package sandbox provisions validation snapshots on a remote host over SSH.
//
// Each snapshot is a workspace directory under a configured base directory:
//
//	<base>/<snapshot-id>/src   checkout of the pull request branch
//
// Deployment commands run from the checkout, one shell session per command.
// Destroying a snapshot removes the whole workspace.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/devloop/pkg/engine"
	"github.com/openfroyo/devloop/pkg/transports/ssh"
)

const (
	checkoutDir = "src"
	envFileName = ".env"
	serviceName = "sandbox"
)

// Config controls where and how snapshots are created.
type Config struct {
	// BaseDir is the absolute remote directory holding snapshot workspaces.
	BaseDir string

	// PreviewURL is the address the deployed app is reachable at. "{pr}"
	// is replaced by the pull request number and "{id}" by the snapshot id.
	PreviewURL string

	// Env is written to .env in the checkout after cloning.
	Env map[string]string

	// CloneDepth limits history fetched by git clone. Zero fetches one commit.
	CloneDepth int

	// ContinueOnError keeps running deployment commands after a failure.
	ContinueOnError bool
}

// Sandbox implements engine.SnapshotService and engine.DeploymentExecutor
// over an SSH transport.
type Sandbox struct {
	transport ssh.Transport
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time
}

var (
	_ engine.SnapshotService    = (*Sandbox)(nil)
	_ engine.DeploymentExecutor = (*Sandbox)(nil)
)

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithLogger sets the sandbox logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Sandbox) {
		s.logger = logger.With().Str("component", "sandbox").Logger()
	}
}

// New creates a sandbox driving the given transport.
func New(transport ssh.Transport, cfg Config, opts ...Option) (*Sandbox, error) {
	if transport == nil {
		return nil, errors.New("sandbox: transport is required")
	}
	if !path.IsAbs(cfg.BaseDir) || path.Clean(cfg.BaseDir) == "/" {
		return nil, fmt.Errorf("sandbox: base dir must be an absolute path below /, got %q", cfg.BaseDir)
	}
	cfg.BaseDir = path.Clean(cfg.BaseDir)
	if cfg.CloneDepth <= 0 {
		cfg.CloneDepth = 1
	}

	s := &Sandbox{
		transport: transport,
		cfg:       cfg,
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateSnapshot allocates an empty workspace for a pull request.
func (s *Sandbox) CreateSnapshot(ctx context.Context, project string, prNumber int, commands []string) (*engine.Snapshot, error) {
	if err := s.transport.Connect(ctx); err != nil {
		return nil, classify(err, "create-snapshot")
	}

	id := "snap-" + uuid.NewString()[:8]
	workspace := s.workspace(id)

	if _, _, err := s.transport.ExecuteCommand(ctx, "mkdir -p "+shellQuote(workspace)); err != nil {
		return nil, classify(err, "create-snapshot").WithDetail("workspace", workspace)
	}

	snapshot := &engine.Snapshot{
		ID:         id,
		Project:    project,
		PRNumber:   prNumber,
		WorkDir:    path.Join(workspace, checkoutDir),
		PreviewURL: s.previewURL(id, prNumber),
		Commands:   append([]string(nil), commands...),
		CreatedAt:  s.now(),
	}

	s.logger.Info().
		Str("snapshot_id", id).
		Str("project", project).
		Int("pr_number", prNumber).
		Str("workspace", workspace).
		Msg("Snapshot created")

	return snapshot, nil
}

// CloneCode checks out branch into the snapshot. A failed git command is
// reported as false with no error; transport faults are errors.
func (s *Sandbox) CloneCode(ctx context.Context, snapshot *engine.Snapshot, repoURL, branch string) (bool, error) {
	if err := s.checkSnapshot(snapshot); err != nil {
		return false, err
	}
	if repoURL == "" || branch == "" {
		return false, engine.NewPermanentError("repository URL and branch are required", nil).
			WithService(serviceName).WithOperation("clone").WithCode(engine.ErrCodeValidation)
	}
	if err := s.transport.Connect(ctx); err != nil {
		return false, classify(err, "clone")
	}

	cmd := fmt.Sprintf("git clone --quiet --depth %d --single-branch --branch %s %s %s",
		s.cfg.CloneDepth, shellQuote(branch), shellQuote(repoURL), shellQuote(snapshot.WorkDir))

	result, err := s.transport.Run(ctx, cmd)
	if err != nil {
		return false, classify(err, "clone")
	}
	if !result.Success() {
		s.logger.Warn().
			Str("snapshot_id", snapshot.ID).
			Str("branch", branch).
			Int("exit_code", result.ExitCode).
			Str("stderr", result.Stderr).
			Msg("git clone failed")
		return false, nil
	}

	if len(s.cfg.Env) > 0 {
		envPath := path.Join(snapshot.WorkDir, envFileName)
		if err := s.transport.WriteFile(ctx, envPath, renderEnv(s.cfg.Env), 0600); err != nil {
			return false, classify(err, "write-env")
		}
	}

	s.logger.Info().
		Str("snapshot_id", snapshot.ID).
		Str("branch", branch).
		Dur("duration", result.Duration).
		Msg("Code cloned")

	return true, nil
}

// Execute runs commands in order from the checkout. It stops at the first
// failing command unless ContinueOnError is set. The returned error is only
// set for transport faults; failed commands are reported in the results.
func (s *Sandbox) Execute(ctx context.Context, snapshot *engine.Snapshot, commands []string, progress engine.ProgressFunc) ([]engine.DeploymentResult, error) {
	if err := s.checkSnapshot(snapshot); err != nil {
		return nil, err
	}
	if progress == nil {
		progress = func(string) {}
	}
	if err := s.transport.Connect(ctx); err != nil {
		return nil, classify(err, "execute")
	}

	results := make([]engine.DeploymentResult, 0, len(commands))
	for i, command := range commands {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		progress(fmt.Sprintf("[%d/%d] %s", i+1, len(commands), command))

		startedAt := s.now()
		res, err := s.transport.Run(ctx, "cd "+shellQuote(snapshot.WorkDir)+" && "+command)
		if err != nil {
			return results, classify(err, "execute").WithDetail("command", command)
		}

		dr := engine.DeploymentResult{
			Command:   command,
			Success:   res.Success(),
			ExitCode:  res.ExitCode,
			Duration:  res.Duration,
			Stdout:    res.Stdout,
			Stderr:    res.Stderr,
			StartedAt: startedAt,
		}
		results = append(results, dr)

		s.logger.Debug().
			Str("snapshot_id", snapshot.ID).
			Str("command", command).
			Int("exit_code", dr.ExitCode).
			Dur("duration", dr.Duration).
			Msg("Deployment command finished")

		if !dr.Success {
			progress(fmt.Sprintf("command failed with exit code %d: %s", dr.ExitCode, command))
			if !s.cfg.ContinueOnError {
				break
			}
		}
	}

	return results, nil
}

// Destroy removes the snapshot workspace.
func (s *Sandbox) Destroy(ctx context.Context, snapshot *engine.Snapshot) error {
	if snapshot == nil {
		return nil
	}
	if err := validID(snapshot.ID); err != nil {
		return err
	}
	if err := s.transport.Connect(ctx); err != nil {
		return classify(err, "destroy")
	}

	workspace := s.workspace(snapshot.ID)
	if _, _, err := s.transport.ExecuteCommand(ctx, "rm -rf "+shellQuote(workspace)); err != nil {
		return classify(err, "destroy").WithDetail("workspace", workspace)
	}

	s.logger.Info().Str("snapshot_id", snapshot.ID).Msg("Snapshot destroyed")
	return nil
}

func (s *Sandbox) workspace(id string) string {
	return path.Join(s.cfg.BaseDir, id)
}

func (s *Sandbox) previewURL(id string, prNumber int) string {
	if s.cfg.PreviewURL == "" {
		return ""
	}
	return strings.NewReplacer(
		"{pr}", strconv.Itoa(prNumber),
		"{id}", id,
	).Replace(s.cfg.PreviewURL)
}

// checkSnapshot rejects snapshots that do not live in this sandbox.
func (s *Sandbox) checkSnapshot(snapshot *engine.Snapshot) error {
	if snapshot == nil {
		return engine.NewPermanentError("snapshot is required", nil).
			WithService(serviceName).WithCode(engine.ErrCodeValidation)
	}
	if err := validID(snapshot.ID); err != nil {
		return err
	}
	if snapshot.WorkDir != path.Join(s.workspace(snapshot.ID), checkoutDir) {
		return engine.NewPermanentError(fmt.Sprintf("snapshot %s is not in %s", snapshot.ID, s.cfg.BaseDir), nil).
			WithService(serviceName).WithCode(engine.ErrCodeValidation)
	}
	return nil
}

func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, "/\\ \t\n") {
		return engine.NewPermanentError(fmt.Sprintf("invalid snapshot id %q", id), nil).
			WithService(serviceName).WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// classify maps transport errors onto engine error classes.
func classify(err error, op string) *engine.EngineError {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return ee
	}

	var te *ssh.TransportError
	switch {
	case errors.As(err, &te) && te.IsAuthError:
		return engine.NewPermanentError("sandbox authentication failed", err).
			WithService(serviceName).WithOperation(op).WithCode(engine.ErrCodePermissionDenied)
	case ssh.IsTemporary(err):
		return engine.NewTransientError("sandbox host unavailable", err).
			WithService(serviceName).WithOperation(op).WithCode(engine.ErrCodeUnavailable)
	default:
		return engine.NewPermanentError("sandbox command failed", err).
			WithService(serviceName).WithOperation(op).WithCode(engine.ErrCodeCommandFailed)
	}
}

// renderEnv writes variables sorted by name, one KEY="value" per line.
func renderEnv(env map[string]string) []byte {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strconv.Quote(env[k]))
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// shellQuote wraps value in single quotes for a POSIX shell.
func shellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}
