package main

import (
	"fmt"
	"os"

	"github.com/opensafely-core/jobrunner/internal/cli"
)

// Build-time variables (set via ldflags)
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	app := cli.NewAgentApp()
	app.SetVersion(version, commit)

	if err := app.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
