package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runCmd(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "voicebridge "+version)
}

func TestMigrateRequiresDatabase(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MEMORY_DATABASE_URL", "")
	t.Setenv("DATABASE_URL", "")

	_, err := runCmd(t, "migrate", "up")
	assert.ErrorIs(t, err, errNoDatabase)
}

func TestServeRequiresAPIKey(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("OPENAI_API_KEY", "")

	_, err := runCmd(t, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")
}

func TestUnknownConfigFile(t *testing.T) {
	_, err := runCmd(t, "serve", "--config", "/nonexistent/voicebridge.toml")
	assert.Error(t, err)
}
