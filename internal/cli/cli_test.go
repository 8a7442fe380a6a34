package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, app *App, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	app.rootCmd.SetOut(&out)
	app.rootCmd.SetErr(&out)
	app.rootCmd.SetArgs(args)
	require.NoError(t, app.Execute())
	return out.String()
}

func TestControllerVersionCommand(t *testing.T) {
	app := NewControllerApp()
	app.SetVersion("1.2.3", "abc123")

	out := execute(t, app, "version")
	assert.Equal(t, "controller 1.2.3 (abc123)\n", out)
}

func TestAgentVersionCommand(t *testing.T) {
	app := NewAgentApp()
	app.SetVersion("1.2.3", "abc123")

	out := execute(t, app, "version")
	assert.Equal(t, "agent 1.2.3 (abc123)\n", out)
}

func TestControllerCommandsRegistered(t *testing.T) {
	app := NewControllerApp()

	var names []string
	for _, cmd := range app.rootCmd.Commands() {
		names = append(names, cmd.Name())
	}
	assert.Subset(t, names,
		[]string{"run", "migrate", "add-job", "flags", "kill-job", "prepare-for-reboot", "version"})
}

func TestAgentCommandsRegistered(t *testing.T) {
	app := NewAgentApp()

	var names []string
	for _, cmd := range app.rootCmd.Commands() {
		names = append(names, cmd.Name())
	}
	assert.Subset(t, names, []string{"run", "cleanup", "version"})
}
