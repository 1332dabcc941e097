package commands

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/devloop/pkg/config"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestConfigShow(t *testing.T) {
	path := writeConfig(t, "devloop.yaml", `
github:
  token: ghp_secret
sandbox:
  host: sandbox.internal
  password: hunter2
workflow:
  max_iterations: 7
`)

	t.Run("yaml", func(t *testing.T) {
		out, err := execute(t, "", "-c", path, "config", "show")
		require.NoError(t, err)
		assert.NotContains(t, out, "ghp_secret")
		assert.NotContains(t, out, "hunter2")

		var doc map[string]interface{}
		require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
		wf := doc["workflow"].(map[string]interface{})
		assert.Equal(t, 7, wf["max_iterations"])
	})

	t.Run("json", func(t *testing.T) {
		out, err := execute(t, "", "-c", path, "config", "show", "-o", "json")
		require.NoError(t, err)

		var cfg config.Config
		require.NoError(t, json.Unmarshal([]byte(out), &cfg))
		assert.Equal(t, "sandbox.internal", cfg.Sandbox.Host)
		assert.Equal(t, "********", cfg.GitHub.Token)
	})
}

func TestConfigValidate(t *testing.T) {
	valid := writeConfig(t, "devloop.cue", `
workflow: max_iterations: 3
sandbox: host: "sandbox.internal"
`)
	invalid := writeConfig(t, "broken.yaml", "logging:\n  level: verbose\n")

	out, err := execute(t, "", "config", "validate", valid)
	require.NoError(t, err)
	assert.Contains(t, out, "configuration is valid")

	out, err = execute(t, "", "config", "validate", invalid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration error(s)")
	assert.Contains(t, out, "logging.level")

	out, err = execute(t, "", "config", "validate", invalid, "-o", "json")
	require.Error(t, err)
	var report struct {
		Valid  bool                     `json:"valid"`
		Errors []config.ValidationError `json:"errors"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.False(t, report.Valid)
	require.NotEmpty(t, report.Errors)
	var paths []string
	for _, e := range report.Errors {
		paths = append(paths, e.Path)
	}
	assert.Contains(t, paths, "logging.level")

	_, err = execute(t, "", "config", "validate")
	assert.Error(t, err, "a path is required without --config")
}
