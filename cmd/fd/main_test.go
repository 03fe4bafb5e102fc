package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := runCmd(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "fd dev")
	assert.Contains(t, out, "commit: none")
}

func TestVersionCmdWithCustomValues(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	Version, Commit, Date = "1.0.0", "abc123", "2026-01-01"
	defer func() { Version, Commit, Date = origVersion, origCommit, origDate }()

	out, err := runCmd(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "fd 1.0.0 (commit: abc123, built: 2026-01-01)\n", out)
}

func TestRootCmdHelp(t *testing.T) {
	out, err := runCmd(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "Frontdesk")
	for _, sub := range []string{"version", "serve", "db", "inbox", "alerts"} {
		assert.Contains(t, out, sub)
	}
}

func TestInboxCmdListsSubcommands(t *testing.T) {
	out, err := runCmd(t, "inbox", "--help")
	require.NoError(t, err)
	for _, sub := range []string{"list", "watch", "show", "assign", "send", "transfer", "end", "wait", "open", "stats"} {
		assert.True(t, strings.Contains(out, sub), "missing %s", sub)
	}
}

func TestExecute_ReturnsExitCode(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"inbox", "assign"})
	assert.Equal(t, 1, execute(cmd), "missing argument")
}

func TestMissingConfig(t *testing.T) {
	_, err := runCmd(t, "db", "migrate", "-c", "/nonexistent/frontdesk.yaml")
	assert.ErrorContains(t, err, "load config")
}
