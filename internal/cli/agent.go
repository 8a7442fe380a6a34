package cli

import (
	"github.com/spf13/cobra"

	"github.com/opensafely-core/jobrunner/internal/agent"
	"github.com/opensafely-core/jobrunner/internal/config"
	"github.com/opensafely-core/jobrunner/internal/container"
	"github.com/opensafely-core/jobrunner/internal/executor"
	"github.com/opensafely-core/jobrunner/internal/git"
	"github.com/opensafely-core/jobrunner/internal/service"
)

// NewAgentApp builds the agent CLI.
func NewAgentApp() *App {
	app := &App{}
	app.rootCmd = &cobra.Command{
		Use:   "agent",
		Short: "OpenSAFELY backend agent",
		Long: `The agent polls the controller for tasks and executes them in containers
on this backend. It holds the backend's secrets; the controller never sees
them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	app.rootCmd.AddCommand(
		newAgentRunCommand(),
		newCleanupCommand(),
	)
	app.addVersionCommand()

	return app
}

func newAgentRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent task loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()

			cfg, err := config.LoadAgent(nil)
			if err != nil {
				return err
			}

			containers := container.NewCLI(cfg.DockerRuntime)
			a := &agent.Agent{
				Client: &agent.Client{
					Endpoint: cfg.TaskAPIEndpoint,
					Backend:  cfg.Backend,
					Token:    cfg.TaskAPIToken,
					Log:      log,
				},
				Executor: &executor.Local{
					Containers:            containers,
					Git:                   git.NewClient(cfg.GitRepoDir, cfg.PrivateRepoToken),
					Log:                   log,
					Backend:               cfg.Backend,
					HighPrivacyDir:        cfg.HighPrivacyDir,
					MediumPrivacyDir:      cfg.MediumPrivacyDir,
					DatabaseURLs:          cfg.DatabaseURLs,
					UsingDummyDataBackend: cfg.UsingDummyDataBackend,
					CleanUp:               cfg.CleanUpDockerObjects,
				},
				Log:          log,
				PollInterval: cfg.JobLoopInterval,
			}

			if cfg.DBStatusImage != "" {
				a.DBStatus = &agent.DockerDBStatus{
					Containers:   containers,
					Image:        cfg.DBStatusImage,
					DatabaseURLs: cfg.DatabaseURLs,
					Log:          log,
				}
			}

			ctx, stop := service.NotifyContext(cmd.Context())
			defer stop()

			err = a.Run(ctx)
			if ctx.Err() != nil {
				log.Info("agent stopped")
				return nil
			}
			return err
		},
	}
}

func newCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove all of this backend's containers",
		Long: `Force-removes every container labelled for this backend. Run after a host
reboot or crash, once the controller has been told to reschedule the
backend's jobs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()

			cfg, err := config.LoadAgent(nil)
			if err != nil {
				return err
			}

			containers := container.NewCLI(cfg.DockerRuntime)
			return agent.RemoveStaleContainers(cmd.Context(), containers, cfg.Backend, log)
		},
	}
}
