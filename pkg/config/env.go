package config

// Environment variables that override file settings.
const (
	EnvGitHubToken = "DEVLOOP_GITHUB_TOKEN"
	EnvAgentURL    = "DEVLOOP_AGENT_URL"
	EnvAgentToken  = "DEVLOOP_AGENT_TOKEN"
	EnvDBPath      = "DEVLOOP_DB_PATH"
)

// ApplyEnv overlays the environment overrides on cfg. Empty values are ignored.
func (p *Parser) ApplyEnv(cfg *Config) {
	overrides := []struct {
		name   string
		target *string
	}{
		{EnvGitHubToken, &cfg.GitHub.Token},
		{EnvAgentURL, &cfg.Agent.URL},
		{EnvAgentToken, &cfg.Agent.Token},
		{EnvDBPath, &cfg.Store.Path},
	}
	for _, o := range overrides {
		if v, ok := p.lookupEnv(o.name); ok && v != "" {
			*o.target = v
		}
	}
}
