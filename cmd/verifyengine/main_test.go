package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var ec cli.ExitCoder
	require.ErrorAs(t, err, &ec)
	return ec.ExitCode()
}

func TestProbeRequiresAddress(t *testing.T) {
	err := newApp().Run([]string{"verifyengine", "probe"})
	assert.Equal(t, 2, exitCode(t, err))
}

func TestBadConfigIsUsageError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 0\n"), 0o600))

	err := newApp().Run([]string{"verifyengine", "--config", path, "reputation-pass"})
	assert.Equal(t, 2, exitCode(t, err))
}

func TestBadLogLevel(t *testing.T) {
	err := newApp().Run([]string{"verifyengine", "--log-level", "loud", "probe", "a@example.com"})
	assert.Equal(t, 2, exitCode(t, err))
}

func TestLocalServer(t *testing.T) {
	s := localServer("verify.example.net")
	assert.True(t, s.Active)
	assert.Equal(t, "verify@verify.example.net", s.Identity().MailFrom)

	s = localServer("")
	assert.NotEmpty(t, s.VerifierDomain)
}

func TestCommandsRegistered(t *testing.T) {
	app := newApp()
	var names []string
	for _, c := range app.Commands {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(t, []string{"serve", "reputation-pass", "probe"}, names)
}
