package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/opensafely-core/jobrunner/internal/config"
	"github.com/opensafely-core/jobrunner/internal/db"
	"github.com/opensafely-core/jobrunner/internal/models"
)

// touchInterval bounds how stale a job's updated_at may get while nothing
// about it changes, so external observers can distinguish "no change" from
// "controller is dead".
const touchInterval = 60 * time.Second

// databaseExitCodeHints maps known exit codes of database jobs to hints a
// researcher can act on.
var databaseExitCodeHints = map[int]string{
	3:  "A transient database error occurred, your job may run if you try it again",
	4:  "New data is being imported into the database, please try again in a few hours",
	5:  "Something went wrong with the database, please contact tech support",
	10: "A problem was encountered with your ehrQL code, please check the job log",
	11: "A problem was encountered with one of your data files, please check the job log",
	12: "This job requires database permissions which have not been granted",
}

// Scheduler walks every active job through the controller state machine once
// per tick.
type Scheduler struct {
	Store   *db.Store
	Builder *Builder
	Config  *config.Controller
	Log     *zap.Logger

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Tick runs one scheduler iteration: expand new requests, then evaluate
// every active job on every backend. Per-job failures are logged and do not
// abort the tick.
func (s *Scheduler) Tick(ctx context.Context) error {
	if err := s.Builder.ExpandRequests(ctx); err != nil {
		return err
	}

	for _, backend := range s.Config.Backends {
		if err := s.tickBackend(ctx, backend); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.Log.Error("failed to evaluate backend",
				zap.String("backend", backend), zap.Error(err))
		}
	}
	return nil
}

// backendState is what one tick knows about a backend: mode flags plus
// running-job counts, maintained incrementally as jobs are started.
type backendState struct {
	backend       string
	paused        bool
	inMaintenance bool

	running   int
	dbRunning int
	// runningByWorkspace feeds the fairness sort.
	runningByWorkspace map[string]int
}

func (s *Scheduler) tickBackend(ctx context.Context, backend string) error {
	if err := s.maybeScheduleDBStatus(backend); err != nil {
		s.Log.Error("failed to schedule db status probe",
			zap.String("backend", backend), zap.Error(err))
	}

	state, err := s.loadBackendState(backend)
	if err != nil {
		return err
	}

	jobs, err := s.Store.ActiveJobsForBackend(backend)
	if err != nil {
		return fmt.Errorf("failed to load active jobs: %w", err)
	}
	for _, job := range jobs {
		if job.State == models.StateRunning {
			state.running++
			state.runningByWorkspace[job.Workspace]++
			if job.RequiresDB {
				state.dbRunning++
			}
		}
	}
	sortJobs(jobs, state.runningByWorkspace)

	for _, job := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.handleJob(job, state); err != nil {
			s.Log.Error("failed to handle job",
				zap.String("job", job.Slug()), zap.Error(err))
		}
	}
	return nil
}

func (s *Scheduler) loadBackendState(backend string) (*backendState, error) {
	state := &backendState{
		backend:            backend,
		runningByWorkspace: make(map[string]int),
	}

	paused, err := s.Store.FlagValue(backend, models.FlagPaused)
	if err != nil {
		return nil, fmt.Errorf("failed to read paused flag: %w", err)
	}
	state.paused = paused == "true"

	mode, err := s.Store.FlagValue(backend, models.FlagMode)
	if err != nil {
		return nil, fmt.Errorf("failed to read mode flag: %w", err)
	}
	manual, err := s.Store.FlagValue(backend, models.FlagManualDBMaintenance)
	if err != nil {
		return nil, fmt.Errorf("failed to read manual maintenance flag: %w", err)
	}
	state.inMaintenance = mode == models.ModeDBMaintenance || manual != ""

	return state, nil
}

// sortJobs orders jobs for evaluation: running jobs first so their slots are
// counted before admission decisions, then workspaces with the least running
// work, then database jobs (their window may close), then oldest first.
func sortJobs(jobs []*models.Job, runningByWorkspace map[string]int) {
	sort.SliceStable(jobs, func(i, j int) bool {
		a, b := jobs[i], jobs[j]
		if (a.State == models.StateRunning) != (b.State == models.StateRunning) {
			return a.State == models.StateRunning
		}
		if ra, rb := runningByWorkspace[a.Workspace], runningByWorkspace[b.Workspace]; ra != rb {
			return ra < rb
		}
		if a.RequiresDB != b.RequiresDB {
			return a.RequiresDB
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ID < b.ID
	})
}

func (s *Scheduler) handleJob(job *models.Job, state *backendState) error {
	switch job.State {
	case models.StatePending:
		return s.handlePendingJob(job, state)
	case models.StateRunning:
		return s.handleRunningJob(job, state)
	default:
		return nil
	}
}

// handlePendingJob decides whether a pending job can be handed to the agent,
// and if not, records precisely why it is waiting.
func (s *Scheduler) handlePendingJob(job *models.Job, state *backendState) error {
	if job.Cancelled {
		return s.setCode(job, models.CodeCancelledByUser, "Cancelled by user")
	}

	ready, err := s.dependenciesReady(job)
	if err != nil || !ready {
		return err
	}

	if state.paused {
		if job.StatusCode == models.CodeWaitingOnReboot {
			// Parked by reboot preparation; stays parked, not merely paused,
			// until the backend is unpaused.
			return s.setCode(job, models.CodeWaitingOnReboot,
				"Waiting for backend to reboot")
		}
		return s.setCode(job, models.CodeWaitingPaused,
			"Waiting as backend is currently paused")
	}
	if job.RequiresDB && state.inMaintenance {
		return s.setCode(job, models.CodeWaitingDBMaintenance,
			"Waiting for database maintenance to complete")
	}
	if state.running >= s.Config.MaxWorkers[state.backend] {
		return s.setCode(job, models.CodeWaitingOnWorkers,
			"Waiting on available workers")
	}
	if job.RequiresDB && state.dbRunning >= s.Config.MaxDBWorkers[state.backend] {
		return s.setCode(job, models.CodeWaitingOnDBWorkers,
			"Waiting on available database workers")
	}

	if err := s.startJob(job); err != nil {
		return err
	}
	state.running++
	state.runningByWorkspace[job.Workspace]++
	if job.RequiresDB {
		state.dbRunning++
	}
	return nil
}

func (s *Scheduler) dependenciesReady(job *models.Job) (bool, error) {
	if len(job.WaitForJobIDs) == 0 {
		return true, nil
	}
	deps, err := s.Store.JobsByIDs(job.WaitForJobIDs)
	if err != nil {
		return false, fmt.Errorf("failed to load dependencies: %w", err)
	}

	waiting := false
	for _, dep := range deps {
		switch dep.State {
		case models.StateFailed:
			return false, s.setCode(job, models.CodeDependencyFailed,
				"Not starting as dependency failed")
		case models.StateSucceeded:
		default:
			waiting = true
		}
	}
	if waiting {
		return false, s.setCode(job, models.CodeWaitingOnDependencies,
			"Waiting on dependencies")
	}
	return true, nil
}

// startJob creates a fresh RUNJOB task and moves the job to INITIATED, in
// one transaction so a crash cannot leave a running job without a task.
func (s *Scheduler) startJob(job *models.Job) error {
	attempt, err := s.Store.RunJobTaskCount(job.ID)
	if err != nil {
		return fmt.Errorf("failed to count task attempts: %w", err)
	}

	task, err := s.newRunJobTask(job, attempt+1)
	if err != nil {
		return err
	}

	applyCode(job, models.CodeInitiated, "Job sent to agent", s.now())
	if err := s.Store.CreateTaskForJob(task, job); err != nil {
		return fmt.Errorf("failed to create task for job %s: %w", job.ID, err)
	}
	s.Log.Info("job started",
		zap.String("job", job.Slug()), zap.String("task", task.ID))
	return nil
}

// handleRunningJob folds the agent's latest report back into the job.
func (s *Scheduler) handleRunningJob(job *models.Job, state *backendState) error {
	task, err := s.Store.LatestTaskForJob(job.ID)
	if err != nil {
		return fmt.Errorf("failed to load task: %w", err)
	}

	if task == nil || (!task.Active && !task.AgentComplete) {
		// Task was deactivated underneath us (reboot prep or crash
		// recovery); send the job back for re-admission.
		return s.setCode(job, models.CodeWaitingOnNewTask,
			"Waiting on a new task to be scheduled")
	}

	if task.AgentComplete {
		// Results beat a late cancellation: the job already finished and the
		// outcome on disk is whatever the agent recorded.
		return s.saveResults(job, task)
	}

	if job.Cancelled && task.Type == models.TaskRunJob {
		return s.cancelRunningJob(job, task)
	}

	if job.RequiresDB && state.inMaintenance && task.Type == models.TaskRunJob {
		return s.evictForMaintenance(job, task)
	}

	code := models.StatusCodeFromStage(task.AgentStage, job.StatusCode)
	return s.setCode(job, code, stageMessage(code, job.StatusMessage))
}

// cancelRunningJob retires the RUNJOB task. If the agent has not picked the
// job up yet there is nothing to unwind; otherwise a CANCELJOB task tells
// the agent to terminate and salvage logs, and the job finishes when that
// task completes.
func (s *Scheduler) cancelRunningJob(job *models.Job, task *models.Task) error {
	now := s.now()
	if err := s.Store.MarkTaskInactive(task.ID, now.Unix()); err != nil {
		return fmt.Errorf("failed to deactivate task %s: %w", task.ID, err)
	}

	if task.AgentStage == "" && !task.AgentComplete {
		return s.setCode(job, models.CodeCancelledByUser, "Cancelled by user")
	}

	cancel := &models.Task{
		ID:         models.CancelTaskID(task.ID),
		Backend:    task.Backend,
		Type:       models.TaskCancelJob,
		Definition: task.Definition,
		Active:     true,
		CreatedAt:  now.Unix(),
	}
	if err := s.Store.InsertTask(cancel); err != nil {
		return fmt.Errorf("failed to create cancel task: %w", err)
	}
	s.Log.Info("job cancellation requested",
		zap.String("job", job.Slug()), zap.String("task", cancel.ID))
	return nil
}

// evictForMaintenance pulls a running database job off the backend so
// maintenance can proceed, and queues it to run again afterwards.
func (s *Scheduler) evictForMaintenance(job *models.Job, task *models.Task) error {
	now := s.now()
	if err := s.Store.MarkTaskInactive(task.ID, now.Unix()); err != nil {
		return fmt.Errorf("failed to deactivate task %s: %w", task.ID, err)
	}
	cancel := &models.Task{
		ID:         models.CancelTaskID(task.ID),
		Backend:    task.Backend,
		Type:       models.TaskCancelJob,
		Definition: task.Definition,
		Active:     true,
		CreatedAt:  now.Unix(),
	}
	if err := s.Store.InsertTask(cancel); err != nil {
		return fmt.Errorf("failed to create cancel task: %w", err)
	}
	s.Log.Info("database job evicted for maintenance", zap.String("job", job.Slug()))
	return s.setCode(job, models.CodeWaitingDBMaintenance,
		"Waiting for database maintenance to complete")
}

// saveResults converts a completed task's results into the job's terminal
// state (or a retry).
func (s *Scheduler) saveResults(job *models.Job, task *models.Task) error {
	var results models.JobResults
	if len(task.AgentResults) > 0 {
		if err := json.Unmarshal(task.AgentResults, &results); err != nil {
			return fmt.Errorf("failed to decode results for task %s: %w", task.ID, err)
		}
	}

	switch {
	case results.Error != "":
		attempts, err := s.Store.RunJobTaskCount(job.ID)
		if err != nil {
			return fmt.Errorf("failed to count task attempts: %w", err)
		}
		if attempts < s.Config.MaxTaskRetries {
			s.Log.Warn("job task errored, retrying",
				zap.String("job", job.Slug()),
				zap.Int("attempts", attempts),
				zap.String("error", results.Error))
			return s.setCode(job, models.CodeWaitingOnNewTask,
				"Waiting on a new task to be scheduled")
		}
		return s.setCode(job, models.CodeJobError, "Job errored: "+results.Error)

	case results.Cancelled:
		return s.setCode(job, models.CodeCancelledByUser, "Cancelled by user")

	case results.ExitCode != 0:
		message := "Job exited with an error"
		if hint := s.exitHint(job, &results); hint != "" {
			message += ": " + hint
		}
		return s.setCode(job, models.CodeNonzeroExit, message)

	case results.HasUnmatchedPatterns:
		return s.setCode(job, models.CodeUnmatchedPatterns,
			"Outputs matching expected patterns were not found. See job log for details.")

	default:
		return s.setCode(job, models.CodeSucceeded, "Completed successfully")
	}
}

func (s *Scheduler) exitHint(job *models.Job, results *models.JobResults) string {
	if results.Message != "" {
		return results.Message
	}
	if job.RequiresDB {
		return databaseExitCodeHints[results.ExitCode]
	}
	return ""
}

// newRunJobTask builds the complete, self-contained definition the agent
// needs to run a job without calling back. Database credentials are
// deliberately absent; the agent injects them at execution time.
func (s *Scheduler) newRunJobTask(job *models.Job, attempt int) (*models.Task, error) {
	inputJobIDs, err := s.resolveInputJobIDs(job)
	if err != nil {
		return nil, err
	}

	taskID := models.RunJobTaskID(job.ID, attempt)
	def := models.JobDefinition{
		ID:           job.ID,
		JobRequestID: job.JobRequestID,
		TaskID:       taskID,
		RepoURL:      job.RepoURL,
		Commit:       job.Commit,
		Workspace:    job.Workspace,
		Action:       job.Action,
		CreatedAt:    job.CreatedAt,
		Image:        s.Config.DockerRegistry + "/" + job.RunCommand[0],
		Args:         job.RunCommand[1:],
		Env: map[string]string{
			"OPENSAFELY_BACKEND": job.Backend,
		},
		InputJobIDs:         inputJobIDs,
		OutputSpec:          job.OutputSpec,
		AllowDatabaseAccess: job.RequiresDB,
		CPUCount:            s.Config.JobCPUCount[job.Backend],
		MemoryLimit:         s.Config.JobMemoryLimit[job.Backend],
	}
	if job.RequiresDB {
		def.DatabaseName = job.DatabaseName
	}

	payload, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job definition: %w", err)
	}
	return &models.Task{
		ID:         taskID,
		Backend:    job.Backend,
		Type:       models.TaskRunJob,
		Definition: payload,
		Active:     true,
		CreatedAt:  s.now().Unix(),
	}, nil
}

// resolveInputJobIDs finds, for each dependency action, the latest succeeded
// job whose outputs must be staged into this job's volume.
func (s *Scheduler) resolveInputJobIDs(job *models.Job) ([]string, error) {
	if len(job.RequiresOutputsFrom) == 0 {
		return nil, nil
	}

	history, err := s.Store.JobsForWorkspace(job.Backend, job.Workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to load workspace history: %w", err)
	}

	var ids []string
	for _, action := range job.RequiresOutputsFrom {
		found := false
		for _, prev := range history {
			if prev.Action == action && prev.State == models.StateSucceeded {
				ids = append(ids, prev.ID)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("no succeeded job found for dependency %s of job %s",
				action, job.ID)
		}
	}
	return ids, nil
}

// setCode records a state machine transition, or touches updated_at when
// nothing changed for a while.
func (s *Scheduler) setCode(job *models.Job, code models.StatusCode, message string) error {
	prev := job.StatusCode
	if !applyCode(job, code, message, s.now()) {
		return nil
	}
	if err := s.Store.UpdateJob(job); err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}
	if job.StatusCode != prev {
		s.Log.Info("job status changed",
			zap.String("job", job.Slug()),
			zap.String("from", string(prev)),
			zap.String("to", string(job.StatusCode)),
			zap.String("message", message))
	}
	return nil
}

// applyCode mutates the job for a status code transition and reports whether
// anything needs persisting. An unchanged code within the touch interval is
// a no-op.
func applyCode(job *models.Job, code models.StatusCode, message string, now time.Time) bool {
	if job.StatusCode == code && job.StatusMessage == message {
		if now.Unix()-job.UpdatedAt >= int64(touchInterval/time.Second) {
			job.UpdatedAt = now.Unix()
			return true
		}
		return false
	}

	job.StatusCode = code
	job.StatusMessage = message
	job.StatusCodeUpdatedAt = now.UnixNano()
	job.UpdatedAt = now.Unix()

	switch {
	case code.IsFinal():
		job.CompletedAt = now.Unix()
		if code == models.CodeSucceeded {
			job.State = models.StateSucceeded
		} else {
			job.State = models.StateFailed
		}
	case code.IsReset():
		job.State = models.StatePending
		job.StartedAt = 0
	case code.IsRunning():
		job.State = models.StateRunning
		if job.StartedAt == 0 {
			job.StartedAt = now.Unix()
		}
	default:
		job.State = models.StatePending
	}
	return true
}

// stageMessage maps a mirrored agent stage onto a user-facing message.
func stageMessage(code models.StatusCode, current string) string {
	switch code {
	case models.CodePreparing:
		return "Preparing your code and workspace files"
	case models.CodePrepared:
		return "Prepared and ready to run"
	case models.CodeExecuting:
		return "Executing job on backend"
	case models.CodeExecuted:
		return "Job has finished running"
	case models.CodeFinalizing:
		return "Recording job results"
	case models.CodeFinalized:
		return "Finished recording results"
	default:
		return current
	}
}

// maybeScheduleDBStatus issues a DBSTATUS probe when the backend supports
// maintenance mode, no probe is in flight and the last one is old enough.
func (s *Scheduler) maybeScheduleDBStatus(backend string) error {
	if !s.Config.MaintenanceBackends[backend] {
		return nil
	}
	manual, err := s.Store.FlagValue(backend, models.FlagManualDBMaintenance)
	if err != nil {
		return err
	}
	if manual != "" {
		// Mode is pinned by an operator; probing would be misleading.
		return nil
	}

	active, err := s.Store.HasActiveTaskOfType(backend, models.TaskDBStatus)
	if err != nil {
		return err
	}
	if active {
		return nil
	}

	last, err := s.Store.LastTaskCreatedAt(backend, models.TaskDBStatus)
	if err != nil {
		return err
	}
	now := s.now()
	if last != 0 && now.Sub(time.Unix(last, 0)) < s.Config.MaintenancePollInterval {
		return nil
	}

	definition, err := json.Marshal(map[string]string{"database_name": "default"})
	if err != nil {
		return err
	}
	task := &models.Task{
		ID:         models.DBStatusTaskID(now),
		Backend:    backend,
		Type:       models.TaskDBStatus,
		Definition: definition,
		Active:     true,
		CreatedAt:  now.Unix(),
	}
	return s.Store.InsertTask(task)
}

// PrepareForReboot takes every running job off the backend ahead of a host
// reboot. The backend must already be paused, otherwise the next tick would
// hand the jobs straight back to the agent. Containers the agent has started
// are torn down via CANCELJOB tasks, and the jobs park on WAITING_ON_REBOOT
// until the backend is unpaused.
func (s *Scheduler) PrepareForReboot(ctx context.Context, backend string) error {
	paused, err := s.Store.FlagValue(backend, models.FlagPaused)
	if err != nil {
		return fmt.Errorf("failed to read paused flag: %w", err)
	}
	if paused != "true" {
		return fmt.Errorf("backend %s must be paused before preparing for reboot", backend)
	}

	jobs, err := s.Store.ActiveJobsForBackend(backend)
	if err != nil {
		return fmt.Errorf("failed to load active jobs: %w", err)
	}

	for _, job := range jobs {
		if job.State != models.StateRunning {
			continue
		}
		now := s.now()
		task, err := s.Store.ActiveTaskForJob(job.ID)
		if err != nil {
			return err
		}
		if task != nil {
			if err := s.Store.MarkTaskInactive(task.ID, now.Unix()); err != nil {
				return err
			}
			if task.Type == models.TaskRunJob && (task.AgentStage != "" || task.AgentComplete) {
				cancel := &models.Task{
					ID:         models.CancelTaskID(task.ID),
					Backend:    task.Backend,
					Type:       models.TaskCancelJob,
					Definition: task.Definition,
					Active:     true,
					CreatedAt:  now.Unix(),
				}
				if err := s.Store.InsertTask(cancel); err != nil {
					return fmt.Errorf("failed to create cancel task: %w", err)
				}
			}
		}
		if err := s.setCode(job, models.CodeWaitingOnReboot,
			"Waiting for backend to reboot"); err != nil {
			return err
		}
		s.Log.Info("job parked for reboot", zap.String("job", job.Slug()))
	}
	return nil
}

// KillJob forcibly terminates a job on operator request. Unlike user
// cancellation this is final immediately: the job does not wait for the agent
// to confirm teardown.
func (s *Scheduler) KillJob(ctx context.Context, jobID string) error {
	job, err := s.Store.GetJob(jobID)
	if err != nil {
		return err
	}
	if !job.IsActive() {
		return fmt.Errorf("job %s is already %s", jobID, job.State)
	}

	now := s.now()
	task, err := s.Store.ActiveTaskForJob(job.ID)
	if err != nil {
		return err
	}
	if task != nil {
		if err := s.Store.MarkTaskInactive(task.ID, now.Unix()); err != nil {
			return fmt.Errorf("failed to deactivate task %s: %w", task.ID, err)
		}
		// If the agent has picked the job up, tell it to tear the
		// container down.
		if task.Type == models.TaskRunJob && (task.AgentStage != "" || task.AgentComplete) {
			cancel := &models.Task{
				ID:         models.CancelTaskID(task.ID),
				Backend:    task.Backend,
				Type:       models.TaskCancelJob,
				Definition: task.Definition,
				Active:     true,
				CreatedAt:  now.Unix(),
			}
			if err := s.Store.InsertTask(cancel); err != nil {
				return fmt.Errorf("failed to create cancel task: %w", err)
			}
		}
	}

	s.Log.Warn("job killed by admin", zap.String("job", job.Slug()))
	return s.setCode(job, models.CodeKilledByAdmin,
		"Job killed by OpenSAFELY admin")
}
