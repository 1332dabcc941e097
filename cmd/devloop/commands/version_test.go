package commands

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "devloop test\n")
	assert.Contains(t, out, "commit: none")

	out, err = execute(t, "", "version", "-o", "json")
	require.NoError(t, err)
	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "test", info.Version)
	assert.Equal(t, "today", info.BuildDate)
	assert.NotEmpty(t, info.GoVersion)
}
