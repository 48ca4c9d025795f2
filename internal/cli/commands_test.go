package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cliConfig = `
logging:
  level: error
models:
  m1:
    model: gpt-4o-mini
    api_key: test
agents:
  - id: alpha
    model: m1
    starting_cash: 2500
  - id: beta
    model: m1
`

func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{
		"--config", filepath.Join(dir, "config.yaml"),
		"--db", filepath.Join(dir, "arena.db"),
	}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestSeedAndReset(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(cliConfig), 0o644))

	out, err := run(t, dir, "seed")
	require.NoError(t, err)
	assert.Contains(t, out, "2 agent(s) created, 2 configured")

	out, err = run(t, dir, "seed")
	require.NoError(t, err)
	assert.Contains(t, out, "0 agent(s) created")

	out, err = run(t, dir, "reset", "alpha")
	require.NoError(t, err)
	assert.Contains(t, out, "alpha reset to $2500.00")

	_, err = run(t, dir, "reset", "ghost")
	assert.Error(t, err)

	out, err = run(t, dir, "closeall", "beta", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "No open positions.")

	out, err = run(t, dir, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "[]")
}

func TestMissingConfig(t *testing.T) {
	_, err := run(t, t.TempDir(), "seed")
	assert.Error(t, err)
}
