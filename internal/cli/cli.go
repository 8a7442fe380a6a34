// Package cli wires the controller and agent binaries.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// App is a CLI application with its wired dependencies.
type App struct {
	rootCmd *cobra.Command

	version string
	commit  string
}

// Execute runs the application.
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

// SetVersion sets the version reported by the version command.
func (a *App) SetVersion(version, commit string) {
	a.version = version
	a.commit = commit
}

func (a *App) addVersionCommand() {
	a.rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n",
				a.rootCmd.Use, a.version, a.commit)
		},
	})
}

// newLogger builds the process logger. Logs are structured JSON on stderr;
// they are shipped as-is by the host's log collector.
func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	log, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return log, nil
}
