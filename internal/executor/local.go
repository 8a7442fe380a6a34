package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opensafely-core/jobrunner/internal/container"
	"github.com/opensafely-core/jobrunner/internal/models"
)

// ContainerRuntime is the slice of the container CLI the executor needs.
// Satisfied by *container.CLI.
type ContainerRuntime interface {
	RunDetached(ctx context.Context, spec container.RunSpec) error
	Inspect(ctx context.Context, name string) (container.State, error)
	Kill(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	WriteLogs(ctx context.Context, name string, w io.Writer) error
	ImageID(ctx context.Context, image string) (string, error)
}

// RepoCheckout materializes study code at a commit. Satisfied by
// *git.Client.
type RepoCheckout interface {
	Checkout(ctx context.Context, repoURL, commit, targetDir string) error
}

// JobError is a job-level failure: the job cannot run, but the executor and
// agent are healthy. It becomes an ERROR result for this task rather than an
// agent crash.
type JobError struct {
	Msg string
}

func (e *JobError) Error() string {
	return e.Msg
}

// dockerExitCodes maps container exit codes to user-facing explanations.
var dockerExitCodes = map[int]string{
	// 137 = 128+9: killed by SIGKILL, externally by an admin or through the
	// cancellation process. Also seen when the OOMKilled flag is unreliable.
	137: "Job killed by OpenSAFELY admin or memory limits",
}

// Local executes jobs in containers with bind-mounted working directories on
// the local machine.
type Local struct {
	Containers ContainerRuntime
	Git        RepoCheckout
	Log        *zap.Logger

	// Backend labels every container we create.
	Backend string

	HighPrivacyDir   string
	MediumPrivacyDir string

	// DatabaseURLs supplies connection strings to database jobs at execution
	// time. They exist only in the agent's environment, never in task
	// definitions.
	DatabaseURLs map[string]string

	// UsingDummyDataBackend disables database secret injection.
	UsingDummyDataBackend bool

	// CleanUp can be disabled to keep containers and volumes around for
	// debugging.
	CleanUp bool
}

var _ API = (*Local)(nil)

// Prepare stages code and input files into the job's volume directory.
func (l *Local) Prepare(ctx context.Context, job *models.JobDefinition) (Status, error) {
	workspaceDir := l.highPrivacyWorkspace(job.Workspace)
	if _, err := os.Stat(workspaceDir); err != nil {
		if l.workspaceIsArchived(job.Workspace) {
			return Status{}, &JobError{Msg: fmt.Sprintf(
				"workspace %s has been archived; contact the OpenSAFELY tech team to resolve", job.Workspace)}
		}
		if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
			return Status{}, fmt.Errorf("failed to create workspace dir: %w", err)
		}
	}

	// Images are pre-pulled onto backends by an out-of-band process; a
	// missing image is a deployment problem, not something to fix mid-job.
	imageID, err := l.Containers.ImageID(ctx, job.Image)
	if err != nil {
		return Status{}, err
	}
	if imageID == "" {
		return Status{}, &JobError{Msg: fmt.Sprintf(
			"docker image %s is not currently available", job.Image)}
	}

	current, err := l.GetStatus(ctx, job, false)
	if err != nil {
		return Status{}, err
	}
	if current.Stage != models.StageUnknown {
		return current, nil
	}

	if err := l.prepareVolume(ctx, job, workspaceDir); err != nil {
		return Status{}, err
	}
	return l.GetStatus(ctx, job, false)
}

func (l *Local) prepareVolume(ctx context.Context, job *models.JobDefinition, workspaceDir string) error {
	volumeDir := l.volumeDir(job.ID)
	if err := os.MkdirAll(volumeDir, 0o755); err != nil {
		return fmt.Errorf("failed to create volume dir: %w", err)
	}

	if err := l.Git.Checkout(ctx, job.RepoURL, job.Commit, volumeDir); err != nil {
		return &JobError{Msg: fmt.Sprintf(
			"could not check out commit %.8s from %s", job.Commit, job.RepoURL)}
	}

	// Stage the outputs of this job's dependencies, as recorded in their
	// result metadata.
	for _, inputJobID := range job.InputJobIDs {
		meta, err := l.readJobMetadata(inputJobID)
		if err != nil {
			return err
		}
		if meta == nil {
			return &JobError{Msg: fmt.Sprintf(
				"dependency job %s has no recorded outputs", inputJobID)}
		}
		for filename := range meta.Outputs {
			src := filepath.Join(workspaceDir, filename)
			if _, err := os.Stat(src); err != nil {
				return &JobError{Msg: fmt.Sprintf(
					"file %s does not exist in workspace %s as required by job %s",
					filename, job.Workspace, job.ID)}
			}
			if err := copyFile(src, filepath.Join(volumeDir, filename)); err != nil {
				return fmt.Errorf("failed to copy input file %s: %w", filename, err)
			}
		}
	}

	return writeTimestamp(volumeDir, time.Now())
}

// Execute starts the job container in the background.
func (l *Local) Execute(ctx context.Context, job *models.JobDefinition) (Status, error) {
	current, err := l.GetStatus(ctx, job, false)
	if err != nil {
		return Status{}, err
	}
	if current.Stage != models.StagePrepared {
		return current, nil
	}

	env := make(map[string]string, len(job.Env)+2)
	for k, v := range job.Env {
		env[k] = v
	}
	// Job images run as a non-root user; give them a writable home.
	env["HOME"] = "/tmp"
	if job.AllowDatabaseAccess && !l.UsingDummyDataBackend {
		name := job.DatabaseName
		if name == "" {
			name = "default"
		}
		url, ok := l.DatabaseURLs[name]
		if !ok {
			return Status{}, &JobError{Msg: fmt.Sprintf(
				"no database named %q is configured on this backend", name)}
		}
		env["DATABASE_URL"] = url
	}

	err = l.Containers.RunDetached(ctx, container.RunSpec{
		Name:         ContainerName(job.ID),
		Image:        job.Image,
		Args:         job.Args,
		Env:          env,
		WorkspaceDir: l.volumeDir(job.ID),
		Label:        l.Backend,
		AllowNetwork: job.AllowDatabaseAccess,
		CPUs:         job.CPUCount,
		Memory:       job.MemoryLimit,
	})
	if err != nil {
		return Status{}, err
	}

	l.Log.Info("job container started",
		zap.String("job", job.ID), zap.String("container", ContainerName(job.ID)))
	return Status{Stage: models.StageExecuting, TimestampNS: time.Now().UnixNano()}, nil
}

// GetStatus computes the job's stage from result metadata, the container
// runtime and the volume directory, in that order of authority.
func (l *Local) GetStatus(ctx context.Context, job *models.JobDefinition, cancelled bool) (Status, error) {
	meta, err := l.readTaskMetadata(job)
	if err != nil {
		return Status{}, err
	}
	if meta != nil {
		stage := models.StageFinalized
		if meta.Error != "" {
			stage = models.StageError
		}
		return Status{Stage: stage, TimestampNS: meta.TimestampNS, Results: meta.Results()}, nil
	}

	state, err := l.Containers.Inspect(ctx, ContainerName(job.ID))
	if err != nil {
		return Status{}, err
	}

	if !state.Exists {
		volumeDir := l.volumeDir(job.ID)
		if cancelled {
			// A prepared volume still needs a finalize to record the
			// cancellation; a job with no volume never started at all.
			if _, err := os.Stat(volumeDir); err == nil {
				return Status{Stage: models.StagePrepared}, nil
			}
			return Status{Stage: models.StageUnknown}, nil
		}
		if ns := readTimestamp(volumeDir); ns != 0 {
			return Status{Stage: models.StagePrepared, TimestampNS: ns}, nil
		}
		return Status{Stage: models.StageUnknown}, nil
	}

	if state.Running {
		return Status{Stage: models.StageExecuting}, nil
	}
	return Status{Stage: models.StageExecuted}, nil
}

// Terminate kills the job container ahead of a cancelled finalize.
func (l *Local) Terminate(ctx context.Context, job *models.JobDefinition) (Status, error) {
	current, err := l.GetStatus(ctx, job, false)
	if err != nil {
		return Status{}, err
	}
	switch current.Stage {
	case models.StageUnknown, models.StageExecuted,
		models.StageFinalizing, models.StageFinalized, models.StageError:
		return current, nil
	}

	if err := l.Containers.Kill(ctx, ContainerName(job.ID)); err != nil {
		return Status{}, err
	}
	l.Log.Info("job container terminated", zap.String("job", job.ID))
	return Status{Stage: models.StageExecuted, TimestampNS: time.Now().UnixNano()}, nil
}

// Finalize records the job's outcome: outputs, logs and result metadata.
func (l *Local) Finalize(ctx context.Context, job *models.JobDefinition, cancelled bool, errMsg string) (Status, error) {
	current, err := l.GetStatus(ctx, job, cancelled)
	if err != nil {
		return Status{}, err
	}
	switch current.Stage {
	case models.StageFinalized, models.StageError:
		return current, nil
	case models.StageUnknown:
		if !cancelled && errMsg == "" {
			// Never started; nothing to finalize.
			return current, nil
		}
	}

	if err := l.finalizeJob(ctx, job, cancelled, errMsg); err != nil {
		return Status{}, err
	}
	return l.GetStatus(ctx, job, cancelled)
}

func (l *Local) finalizeJob(ctx context.Context, job *models.JobDefinition, cancelled bool, errMsg string) error {
	state, err := l.Containers.Inspect(ctx, ContainerName(job.ID))
	if err != nil {
		return err
	}

	var (
		outputs           map[string]string
		unmatchedPatterns []string
		unmatchedFiles    []string
	)
	if !cancelled && errMsg == "" {
		outputs, unmatchedPatterns, err = l.findMatchingOutputs(job)
		if err != nil {
			return err
		}
		unmatchedFiles = l.unmatchedOutputs(job, outputs)
	}

	message, hint := resultMessage(state, outputs, unmatchedPatterns, unmatchedFiles, cancelled, errMsg)

	now := time.Now()
	meta := &JobMetadata{
		JobID:             job.ID,
		JobRequestID:      job.JobRequestID,
		TaskID:            job.TaskID,
		Action:            job.Action,
		Workspace:         job.Workspace,
		Commit:            job.Commit,
		ExitCode:          state.ExitCode,
		OOMKilled:         state.OOMKilled,
		ImageID:           state.Image,
		Outputs:           outputs,
		UnmatchedPatterns: unmatchedPatterns,
		UnmatchedOutputs:  unmatchedFiles,
		StatusMessage:     message,
		Hint:              hint,
		Cancelled:         cancelled,
		Error:             errMsg,
		CreatedAt:         job.CreatedAt,
		CompletedAt:       now.Unix(),
		TimestampNS:       now.UnixNano(),
	}

	if cancelled || errMsg != "" {
		// No outputs to persist. Keep the logs if the container ever ran.
		if state.Exists {
			if err := l.writeJobLogs(ctx, job, false); err != nil {
				return err
			}
		}
		return l.writeJobMetadata(meta)
	}

	if err := l.persistOutputs(job, outputs); err != nil {
		return err
	}
	if err := l.writeJobLogs(ctx, job, true); err != nil {
		return err
	}
	return l.writeJobMetadata(meta)
}

// resultMessage builds the user-facing status message for a finished job.
func resultMessage(state container.State, outputs map[string]string, unmatchedPatterns, unmatchedFiles []string, cancelled bool, errMsg string) (message, hint string) {
	switch {
	case state.Exists && state.ExitCode == 0 && len(unmatchedPatterns) > 0:
		message = "No outputs found matching patterns:\n - " +
			strings.Join(unmatchedPatterns, "\n - ")
		if len(unmatchedFiles) > 0 {
			hint = "Did you mean to match one of these files instead?\n - " +
				strings.Join(unmatchedFiles, "\n - ")
		}
	case state.Exists && state.ExitCode == 0:
		message = "Completed successfully"
	case state.Exists && state.ExitCode == 137 && cancelled:
		message = "Job cancelled by system"
	case state.Exists && state.ExitCode == 137 && state.OOMKilled:
		message = "Job ran out of memory"
	case state.Exists:
		message = dockerExitCodes[state.ExitCode]
	case cancelled:
		message = "Job cancelled by system"
	case errMsg != "":
		message = "Job errored"
	}
	return message, hint
}

// writeJobLogs captures the container logs into the log dir and, for
// successful runs, into the workspace metadata directories.
func (l *Local) writeJobLogs(ctx context.Context, job *models.JobDefinition, copyToWorkspace bool) error {
	logDir := l.findLogDir(job.ID)
	if logDir == "" {
		logDir = l.logDir(job.ID)
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log dir: %w", err)
	}

	logFile := filepath.Join(logDir, "logs.txt")
	f, err := os.Create(logFile)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}
	err = l.Containers.WriteLogs(ctx, ContainerName(job.ID), f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}

	if !copyToWorkspace {
		return nil
	}
	actionLog := filepath.Join(metadataDirName, job.Action+".log")
	if err := copyFile(logFile, filepath.Join(l.highPrivacyWorkspace(job.Workspace), actionLog)); err != nil {
		return fmt.Errorf("failed to copy log to workspace: %w", err)
	}
	if medium := l.mediumPrivacyWorkspace(job.Workspace); medium != "" {
		if err := copyFile(logFile, filepath.Join(medium, actionLog)); err != nil {
			return fmt.Errorf("failed to copy log to medium privacy workspace: %w", err)
		}
	}
	return nil
}

// Cleanup removes the job's container and volume directory. Logs and result
// metadata are long-term records and survive.
func (l *Local) Cleanup(ctx context.Context, job *models.JobDefinition) error {
	if !l.CleanUp {
		l.Log.Info("leaving container and volume in place for debugging",
			zap.String("job", job.ID))
		return nil
	}
	if err := l.Containers.Remove(ctx, ContainerName(job.ID)); err != nil {
		return err
	}
	if err := os.RemoveAll(l.volumeDir(job.ID)); err != nil {
		return fmt.Errorf("failed to remove volume dir: %w", err)
	}
	return nil
}
