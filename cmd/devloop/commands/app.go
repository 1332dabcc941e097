package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"

	"github.com/openfroyo/devloop/pkg/config"
	"github.com/openfroyo/devloop/pkg/merge"
	"github.com/openfroyo/devloop/pkg/notify"
	"github.com/openfroyo/devloop/pkg/policy"
	"github.com/openfroyo/devloop/pkg/remote"
	"github.com/openfroyo/devloop/pkg/sandbox"
	"github.com/openfroyo/devloop/pkg/scm/github"
	"github.com/openfroyo/devloop/pkg/stores"
	"github.com/openfroyo/devloop/pkg/telemetry"
	"github.com/openfroyo/devloop/pkg/transports/ssh"
	"github.com/openfroyo/devloop/pkg/validation"
	"github.com/openfroyo/devloop/pkg/workflow"
)

const shutdownTimeout = 15 * time.Second

// app is one fully wired devloop process.
type app struct {
	cfg        *config.Config
	telemetry  *telemetry.Telemetry
	logger     zerolog.Logger
	store      *stores.SQLiteStore
	policy     *policy.Engine
	ssh        *ssh.SSHClient
	pubsub     *gochannel.GoChannel
	bridge     *notify.Bridge
	controller *workflow.Controller

	closers []func(ctx context.Context) error
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.NewParser().Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// telemetryConfig maps the logging and telemetry sections onto the
// telemetry package configuration.
func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = buildVersion
	tc.Logging.Level = cfg.Logging.Level
	if verbose {
		tc.Logging.Level = "debug"
	}
	tc.Logging.Format = cfg.Logging.Format
	tc.Logging.Output = "stderr"
	tc.Logging.EnableCaller = verbose

	tc.Metrics.Enabled = cfg.Telemetry.MetricsAddress != ""
	tc.Metrics.ListenAddress = cfg.Telemetry.MetricsAddress

	tr := cfg.Telemetry.Tracing
	tc.Tracing.Enabled = tr.Exporter != "" && tr.Exporter != "none"
	tc.Tracing.Exporter = tr.Exporter
	tc.Tracing.Endpoint = tr.Endpoint
	tc.Tracing.SamplingRate = tr.SamplingRate

	tc.Events.Topic = cfg.Notify.Topic
	return tc
}

// openStore opens and migrates the state database.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:         cfg.Store.Path,
		MaxOpenConns: cfg.Store.MaxOpenConns,
	}, stores.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// sshConfig builds the transport configuration of the sandbox host.
func sshConfig(sc config.SandboxConfig) *ssh.Config {
	c := ssh.DefaultConfig(sc.Host, sc.User)
	c.Port = sc.Port
	c.CommandTimeout = sc.CommandTimeout.Std()
	c.InsecureIgnoreHostKey = sc.InsecureIgnoreHostKey
	if sc.KnownHostsPath != "" {
		c.KnownHostsPath = sc.KnownHostsPath
	}
	if sc.Password != "" {
		c.AuthMethod = ssh.AuthMethodPassword
		c.Password = sc.Password
	} else {
		c.PrivateKeyPath = sc.KeyPath
	}
	return c
}

// completionPolicy returns the Starlark script policy when one is
// configured and the weighted policy otherwise.
func completionPolicy(cfg *config.Config, logger zerolog.Logger) (workflow.CompletionPolicy, error) {
	if cfg.Completion.Script == "" {
		return cfg.WeightedCompletion(), nil
	}
	return policy.LoadStarlarkCompletion(cfg.Completion.Script,
		policy.WithScriptTimeout(cfg.Completion.ScriptTimeout.Std()),
		policy.WithCompletionLogger(logger),
	)
}

// newApp wires every collaborator of the controller. The controller is
// created but not started.
func newApp(ctx context.Context, cfg *config.Config) (a *app, err error) {
	if cfg.Agent.URL == "" {
		return nil, fmt.Errorf("agent.url is required (or set %s)", config.EnvAgentURL)
	}
	if cfg.GitHub.Token == "" {
		return nil, fmt.Errorf("github.token is required (or set %s)", config.EnvGitHubToken)
	}
	if cfg.Sandbox.Host == "" {
		return nil, errors.New("sandbox.host is required")
	}

	tel, err := telemetry.NewTelemetry(telemetryConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a = &app{cfg: cfg, telemetry: tel, logger: tel.Logger.Zerolog()}
	a.closers = append(a.closers, tel.Shutdown)
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if err := tel.StartMetricsServer(); err != nil {
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}

	a.store, err = openStore(ctx, cfg, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return a.store.Close() })
	tel.Events.Subscribe(a.store.RecordEvent, nil)

	if cfg.Notify.Enabled {
		a.pubsub = notify.NewGoChannel(a.logger)
		a.bridge, err = notify.NewBridge(a.pubsub, cfg.Notify.Topic, a.logger)
		if err != nil {
			return nil, err
		}
		a.bridge.Attach(tel.Events)
		a.closers = append(a.closers, func(context.Context) error { return a.bridge.Close() })
	}

	agent, err := remote.New(remote.Config{
		BaseURL:      cfg.Agent.URL,
		Token:        cfg.Agent.Token,
		Timeout:      cfg.Agent.Timeout.Std(),
		MaxRetries:   cfg.Agent.MaxRetries,
		RetryWaitMin: time.Second,
		RetryWaitMax: 30 * time.Second,
	}, a.logger)
	if err != nil {
		return nil, err
	}

	ghOpts := []github.Option{
		github.WithMaxRetries(cfg.GitHub.MaxRetries),
		github.WithLogger(a.logger),
	}
	if cfg.GitHub.BaseURL != "" {
		ghOpts = append(ghOpts, github.WithBaseURL(cfg.GitHub.BaseURL))
	}
	scm, err := github.New(ctx, cfg.GitHub.Token, ghOpts...)
	if err != nil {
		return nil, err
	}

	a.ssh, err = ssh.NewSSHClient(sshConfig(cfg.Sandbox))
	if err != nil {
		return nil, fmt.Errorf("invalid sandbox connection: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.ssh.Disconnect() })

	box, err := sandbox.New(a.ssh, sandbox.Config{
		BaseDir:    cfg.Sandbox.BaseDir,
		PreviewURL: cfg.Sandbox.PreviewURL,
		Env:        cfg.Sandbox.Env,
	}, sandbox.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}

	pipelineOpts := []validation.Option{
		validation.WithPolicy(cfg.Merge),
		validation.WithMetrics(tel.Metrics),
		validation.WithTracer(tel.Tracer),
		validation.WithLogger(a.logger),
	}
	if cfg.Policy.Enabled {
		a.policy, err = newPolicyEngine(ctx, cfg.Policy, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return a.policy.StopWatching() })
		pipelineOpts = append(pipelineOpts, validation.WithGuard(a.policy))
	}

	executor := merge.NewExecutor(scm,
		merge.WithNotifier(tel.Events),
		merge.WithMergeMethod(cfg.Merge.MergeMethod),
		merge.WithLogger(a.logger),
	)
	pipeline, err := validation.NewPipeline(validation.Dependencies{
		Snapshots: box,
		Deployer:  box,
		Analyzer:  agent,
		WebEval:   agent,
		Merger:    executor,
	}, pipelineOpts...)
	if err != nil {
		return nil, err
	}

	completion, err := completionPolicy(cfg, a.logger)
	if err != nil {
		return nil, err
	}

	a.controller, err = workflow.NewController(cfg.ControllerConfig(), workflow.Dependencies{
		Agent:      agent,
		SCM:        scm,
		Validator:  pipeline,
		Store:      a.store,
		Notifier:   tel.Events,
		Completion: completion,
	},
		workflow.WithLogger(a.logger),
		workflow.WithMetrics(tel.Metrics),
		workflow.WithTracer(tel.Tracer),
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// newPolicyEngine loads the built-in and configured merge policies and
// starts the file watcher when requested.
func newPolicyEngine(ctx context.Context, pc config.PolicyConfig, logger zerolog.Logger) (*policy.Engine, error) {
	mode, err := policy.ParseMode(pc.Mode)
	if err != nil {
		return nil, err
	}
	engine, err := policy.NewEngine(logger, policy.WithMode(mode), policy.WithDisabled(pc.Disabled...))
	if err != nil {
		return nil, err
	}
	if len(pc.Paths) == 0 {
		return engine, nil
	}
	if err := engine.LoadPolicies(ctx, pc.Paths); err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}
	if pc.Watch {
		if err := engine.Watch(ctx, pc.Paths); err != nil {
			return nil, fmt.Errorf("failed to watch policies: %w", err)
		}
	}
	return engine, nil
}

// close releases everything in reverse order of acquisition.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.controller != nil {
		if err := a.controller.Stop(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Controller did not stop cleanly")
		}
	}
	// Drain queued events while the store and bridge are still open.
	if err := a.telemetry.Events.Shutdown(ctx); err != nil {
		a.logger.Debug().Err(err).Msg("Event publisher did not drain")
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Debug().Err(err).Msg("Shutdown step failed")
		}
	}
}
