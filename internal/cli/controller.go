package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opensafely-core/jobrunner/internal/config"
	"github.com/opensafely-core/jobrunner/internal/controller"
	"github.com/opensafely-core/jobrunner/internal/db"
	"github.com/opensafely-core/jobrunner/internal/git"
	"github.com/opensafely-core/jobrunner/internal/models"
	"github.com/opensafely-core/jobrunner/internal/service"
	"github.com/opensafely-core/jobrunner/internal/sync"
	"github.com/opensafely-core/jobrunner/internal/web"
)

// NewControllerApp builds the controller CLI.
func NewControllerApp() *App {
	app := &App{}
	app.rootCmd = &cobra.Command{
		Use:   "controller",
		Short: "OpenSAFELY job controller",
		Long: `The controller expands job requests into jobs, schedules them as tasks
for backend agents, and syncs state with the job-server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	app.rootCmd.AddCommand(
		newControllerRunCommand(),
		newMigrateCommand(),
		newAddJobCommand(),
		newFlagsCommand(),
		newKillJobCommand(),
		newPrepareForRebootCommand(),
	)
	app.addVersionCommand()

	return app
}

// controllerEnv is everything a controller subcommand needs: configuration,
// an open store and a git client. The returned cleanup func releases them.
type controllerEnv struct {
	cfg   *config.Controller
	store *db.Store
	repos *git.Client
	log   *zap.Logger
}

func openControllerEnv() (*controllerEnv, func(), error) {
	log, err := newLogger()
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.LoadController(nil)
	if err != nil {
		return nil, nil, err
	}

	store, err := db.Open(cfg.DatabaseFile)
	if err != nil {
		return nil, nil, err
	}

	env := &controllerEnv{
		cfg:   cfg,
		store: store,
		repos: git.NewClient(cfg.GitRepoDir, cfg.PrivateRepoToken),
		log:   log,
	}
	cleanup := func() {
		store.Close()
		_ = log.Sync()
	}
	return env, cleanup, nil
}

func (e *controllerEnv) scheduler() *controller.Scheduler {
	builder := &controller.Builder{
		Store:  e.store,
		Repos:  e.repos,
		Config: e.cfg,
		Log:    e.log,
	}
	return &controller.Scheduler{
		Store:   e.store,
		Builder: builder,
		Config:  e.cfg,
		Log:     e.log,
	}
}

func newControllerRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the controller service",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, cleanup, err := openControllerEnv()
			if err != nil {
				return err
			}
			defer cleanup()

			taskAPI := &controller.TaskAPI{Store: env.store, Log: env.log}
			syncer := &sync.Syncer{Store: env.store, Config: env.cfg, Log: env.log}

			server := web.New(web.Config{
				Addr:          env.cfg.BindAddr,
				Store:         env.store,
				TaskAPI:       taskAPI,
				BackendTokens: env.cfg.TaskAPITokens,
				ClientTokens:  env.cfg.ClientTokens,
				Log:           env.log,
			})

			ctx, stop := service.NotifyContext(cmd.Context())
			defer stop()

			if err := server.Start(); err != nil {
				return err
			}
			env.log.Info("api listening", zap.String("addr", server.Addr()))

			runner := &service.Runner{Log: env.log}
			runner.Add(service.Loop{
				Name:     "scheduler",
				Interval: env.cfg.JobLoopInterval,
				Tick:     env.scheduler().Tick,
			})
			runner.Add(service.Loop{
				Name:     "sync",
				Interval: env.cfg.SyncInterval,
				Tick:     syncer.Tick,
			})
			runner.Run(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Stop(shutdownCtx)
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadController(nil)
			if err != nil {
				return err
			}

			// Open applies outstanding migrations as a side effect.
			store, err := db.Open(cfg.DatabaseFile)
			if err != nil {
				return err
			}
			defer store.Close()

			version, err := store.SchemaVersion()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s at schema version %d\n", cfg.DatabaseFile, version)
			return nil
		},
	}
}

func newAddJobCommand() *cobra.Command {
	var (
		backend   string
		workspace string
		commit    string
		branch    string
		database  string
		forceDeps bool
	)

	cmd := &cobra.Command{
		Use:   "add-job <repo-url> <action>...",
		Short: "Create a job request directly, bypassing the job-server",
		Long: `Creates a local job request for the given repo and actions. Intended for
testing and for backends which run without a job-server. The request is
expanded into jobs on the next scheduler tick.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, cleanup, err := openControllerEnv()
			if err != nil {
				return err
			}
			defer cleanup()

			repoURL, actions := args[0], args[1:]

			if commit == "" {
				commit, err = env.repos.ResolveRef(cmd.Context(), repoURL, branch)
				if err != nil {
					return err
				}
			}

			req := &models.JobRequest{
				ID:                   models.NewRequestID(),
				RepoURL:              repoURL,
				Commit:               commit,
				Branch:               branch,
				RequestedActions:     actions,
				Workspace:            workspace,
				CodelistsOK:          true,
				DatabaseName:         database,
				ForceRunDependencies: forceDeps,
				Backend:              backend,
			}
			if err := env.store.UpsertJobRequest(req, time.Now().Unix()); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "created job request %s for %s on %s\n",
				req.ID, workspace, backend)
			return nil
		},
	}

	cmd.Flags().StringVar(&backend, "backend", "", "backend to run on")
	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace name")
	cmd.Flags().StringVar(&commit, "commit", "", "commit SHA to run (defaults to the tip of --branch)")
	cmd.Flags().StringVar(&branch, "branch", "main", "branch to resolve when no commit is given")
	cmd.Flags().StringVar(&database, "database", "", "database name for database actions")
	cmd.Flags().BoolVar(&forceDeps, "force-run-dependencies", false, "rerun dependencies even if they have succeeded")
	_ = cmd.MarkFlagRequired("backend")
	_ = cmd.MarkFlagRequired("workspace")

	return cmd
}

func newFlagsCommand() *cobra.Command {
	var set []string

	cmd := &cobra.Command{
		Use:   "flags <backend>",
		Short: "Show or set backend flags",
		Long: `Without --set, lists every flag set for the backend. Flags control
backend-wide behaviour, e.g. "paused=true" stops new jobs being started and
"manual-db-maintenance=on" pins the backend in maintenance mode.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, cleanup, err := openControllerEnv()
			if err != nil {
				return err
			}
			defer cleanup()

			backend := args[0]
			now := time.Now().Unix()

			for _, pair := range set {
				id, value, ok := strings.Cut(pair, "=")
				if !ok {
					return fmt.Errorf("invalid flag %q, expected id=value", pair)
				}
				if _, err := env.store.SetFlag(backend, id, value, now); err != nil {
					return err
				}
			}

			flags, err := env.store.Flags(backend)
			if err != nil {
				return err
			}
			for _, flag := range flags {
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%s (since %s)\n",
					flag.ID, flag.Value, time.Unix(flag.Timestamp, 0).UTC().Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&set, "set", nil, "set a flag as id=value (repeatable; empty value clears)")

	return cmd
}

func newKillJobCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kill-job <job-id>...",
		Short: "Forcibly terminate jobs",
		Long: `Marks each job as killed_by_admin and, where an agent is already running
it, issues a cancel task so the container is torn down.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, cleanup, err := openControllerEnv()
			if err != nil {
				return err
			}
			defer cleanup()

			scheduler := env.scheduler()
			for _, jobID := range args {
				if err := scheduler.KillJob(cmd.Context(), jobID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "killed job %s\n", jobID)
			}
			return nil
		},
	}
}

func newPrepareForRebootCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "prepare-for-reboot <backend>",
		Short: "Deactivate a backend's tasks ahead of a host reboot",
		Long: `Cancels every running task on the backend and parks the affected jobs on
waiting_on_reboot, so they restart cleanly once the backend comes back. The
backend must be paused first (flags <backend> --set paused=true); the jobs
stay parked until it is unpaused.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, cleanup, err := openControllerEnv()
			if err != nil {
				return err
			}
			defer cleanup()

			if err := env.scheduler().PrepareForReboot(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backend %s prepared for reboot\n", args[0])
			return nil
		},
	}
}
