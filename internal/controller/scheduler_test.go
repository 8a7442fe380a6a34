package controller

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opensafely-core/jobrunner/internal/db"
	"github.com/opensafely-core/jobrunner/internal/models"
)

type schedulerFixture struct {
	store     *db.Store
	scheduler *Scheduler
	taskAPI   *TaskAPI
	clock     *fakeClock
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()
	store, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	cfg := testConfig()
	builder := &Builder{
		Store:  store,
		Repos:  &fakeRepos{content: []byte(testProjectYAML)},
		Config: cfg,
		Log:    zap.NewNop(),
		Now:    clock.Now,
	}
	return &schedulerFixture{
		store: store,
		scheduler: &Scheduler{
			Store:   store,
			Builder: builder,
			Config:  cfg,
			Log:     zap.NewNop(),
			Now:     clock.Now,
		},
		taskAPI: &TaskAPI{Store: store, Log: zap.NewNop(), Now: clock.Now},
		clock:   clock,
	}
}

func (f *schedulerFixture) tick(t *testing.T) {
	t.Helper()
	f.clock.Advance(time.Second)
	require.NoError(t, f.scheduler.Tick(context.Background()))
}

func (f *schedulerFixture) submit(t *testing.T, req *models.JobRequest) {
	t.Helper()
	require.NoError(t, f.store.UpsertJobRequest(req, f.clock.Now().Unix()))
}

func (f *schedulerFixture) job(t *testing.T, requestID, action string) *models.Job {
	t.Helper()
	job, err := f.store.GetJob(models.NewJobID(requestID, action))
	require.NoError(t, err)
	return job
}

// report plays the agent's part: it posts a task update through the task
// API, the way a real agent would.
func (f *schedulerFixture) report(t *testing.T, taskID string, stage models.Stage, results any, complete bool) {
	t.Helper()
	update := models.TaskUpdate{
		TaskID:      taskID,
		Stage:       stage,
		Complete:    complete,
		TimestampNS: f.clock.Now().UnixNano(),
	}
	if results != nil {
		payload, err := json.Marshal(results)
		require.NoError(t, err)
		update.Results = payload
	}
	require.NoError(t, f.taskAPI.ApplyUpdate("tpp", update))
}

func TestSchedulerStartsReadyJob(t *testing.T) {
	f := newSchedulerFixture(t)
	f.submit(t, newRequest("req1", "generate_dataset"))
	f.tick(t)

	job := f.job(t, "req1", "generate_dataset")
	assert.Equal(t, models.StateRunning, job.State)
	assert.Equal(t, models.CodeInitiated, job.StatusCode)
	assert.NotZero(t, job.StartedAt)

	tasks, err := f.taskAPI.ActiveTasks("tpp")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.RunJobTaskID(job.ID, 1), tasks[0].ID)
	assert.Equal(t, models.TaskRunJob, tasks[0].Type)

	var def models.JobDefinition
	require.NoError(t, json.Unmarshal(tasks[0].Definition, &def))
	assert.Equal(t, "ghcr.io/opensafely-core/ehrql:v1", def.Image)
	assert.Equal(t, tasks[0].ID, def.TaskID)
	assert.True(t, def.AllowDatabaseAccess)
	assert.Equal(t, "default", def.DatabaseName)
	assert.Equal(t, "tpp", def.Env["OPENSAFELY_BACKEND"])
	// Credentials must never appear in the task definition.
	assert.NotContains(t, string(tasks[0].Definition), "DATABASE_URL")
}

func TestSchedulerWaitsOnDependencies(t *testing.T) {
	f := newSchedulerFixture(t)
	f.submit(t, newRequest("req1", "analyse"))
	f.tick(t)

	analyse := f.job(t, "req1", "analyse")
	assert.Equal(t, models.StatePending, analyse.State)
	assert.Equal(t, models.CodeWaitingOnDependencies, analyse.StatusCode)

	dataset := f.job(t, "req1", "generate_dataset")
	assert.Equal(t, models.StateRunning, dataset.State)
}

func TestSchedulerDependencyFailure(t *testing.T) {
	f := newSchedulerFixture(t)
	f.submit(t, newRequest("req1", "analyse"))
	f.tick(t)

	dataset := f.job(t, "req1", "generate_dataset")
	taskID := models.RunJobTaskID(dataset.ID, 1)
	f.report(t, taskID, models.StageError, models.JobResults{Error: "boom"}, true)

	// First failure is retried; exhaust the retry budget.
	for i := 0; i < 3; i++ {
		f.tick(t)
		f.tick(t)
		dataset = f.job(t, "req1", "generate_dataset")
		if dataset.State == models.StateFailed {
			break
		}
		attempt, err := f.store.RunJobTaskCount(dataset.ID)
		require.NoError(t, err)
		f.report(t, models.RunJobTaskID(dataset.ID, attempt), models.StageError,
			models.JobResults{Error: "boom"}, true)
	}

	dataset = f.job(t, "req1", "generate_dataset")
	assert.Equal(t, models.StateFailed, dataset.State)
	assert.Equal(t, models.CodeJobError, dataset.StatusCode)

	f.tick(t)
	analyse := f.job(t, "req1", "analyse")
	assert.Equal(t, models.StateFailed, analyse.State)
	assert.Equal(t, models.CodeDependencyFailed, analyse.StatusCode)
}

func TestSchedulerRetriesErroredTask(t *testing.T) {
	f := newSchedulerFixture(t)
	f.submit(t, newRequest("req1", "generate_dataset"))
	f.tick(t)

	job := f.job(t, "req1", "generate_dataset")
	f.report(t, models.RunJobTaskID(job.ID, 1), models.StageError,
		models.JobResults{Error: "agent crashed"}, true)

	f.tick(t)
	job = f.job(t, "req1", "generate_dataset")
	assert.Equal(t, models.StatePending, job.State)
	assert.Equal(t, models.CodeWaitingOnNewTask, job.StatusCode)
	assert.Zero(t, job.StartedAt)

	// Next tick issues attempt 2.
	f.tick(t)
	job = f.job(t, "req1", "generate_dataset")
	assert.Equal(t, models.CodeInitiated, job.StatusCode)
	task, err := f.store.GetTask(models.RunJobTaskID(job.ID, 2))
	require.NoError(t, err)
	assert.True(t, task.Active)
}

func TestSchedulerMirrorsAgentStages(t *testing.T) {
	f := newSchedulerFixture(t)
	f.submit(t, newRequest("req1", "generate_dataset"))
	f.tick(t)

	job := f.job(t, "req1", "generate_dataset")
	taskID := models.RunJobTaskID(job.ID, 1)

	stages := []struct {
		stage models.Stage
		code  models.StatusCode
	}{
		{models.StagePreparing, models.CodePreparing},
		{models.StageExecuting, models.CodeExecuting},
		{models.StageFinalizing, models.CodeFinalizing},
	}
	for _, tc := range stages {
		f.report(t, taskID, tc.stage, nil, false)
		f.tick(t)
		job = f.job(t, "req1", "generate_dataset")
		assert.Equal(t, tc.code, job.StatusCode)
		assert.Equal(t, models.StateRunning, job.State)
	}
}

func TestSchedulerSavesSuccessfulResults(t *testing.T) {
	f := newSchedulerFixture(t)
	f.submit(t, newRequest("req1", "generate_dataset"))
	f.tick(t)

	job := f.job(t, "req1", "generate_dataset")
	f.report(t, models.RunJobTaskID(job.ID, 1), models.StageFinalized,
		models.JobResults{ExitCode: 0, OutputCount: 1}, true)
	f.tick(t)

	job = f.job(t, "req1", "generate_dataset")
	assert.Equal(t, models.StateSucceeded, job.State)
	assert.Equal(t, models.CodeSucceeded, job.StatusCode)
	assert.Equal(t, "Completed successfully", job.StatusMessage)
	assert.NotZero(t, job.CompletedAt)
}

func TestSchedulerNonzeroExitWithDatabaseHint(t *testing.T) {
	f := newSchedulerFixture(t)
	f.submit(t, newRequest("req1", "generate_dataset"))
	f.tick(t)

	job := f.job(t, "req1", "generate_dataset")
	f.report(t, models.RunJobTaskID(job.ID, 1), models.StageFinalized,
		models.JobResults{ExitCode: 3}, true)
	f.tick(t)

	job = f.job(t, "req1", "generate_dataset")
	assert.Equal(t, models.StateFailed, job.State)
	assert.Equal(t, models.CodeNonzeroExit, job.StatusCode)
	assert.Contains(t, job.StatusMessage, "Job exited with an error")
	assert.Contains(t, job.StatusMessage, "transient database error")
}

func TestSchedulerNonzeroExitPrefersAgentMessage(t *testing.T) {
	f := newSchedulerFixture(t)
	f.submit(t, newRequest("req1", "generate_dataset"))
	f.tick(t)

	job := f.job(t, "req1", "generate_dataset")
	f.report(t, models.RunJobTaskID(job.ID, 1), models.StageFinalized,
		models.JobResults{ExitCode: 137, Message: "Job ran out of memory"}, true)
	f.tick(t)

	job = f.job(t, "req1", "generate_dataset")
	assert.Equal(t, "Job exited with an error: Job ran out of memory", job.StatusMessage)
}

func TestSchedulerUnmatchedPatterns(t *testing.T) {
	f := newSchedulerFixture(t)
	f.submit(t, newRequest("req1", "generate_dataset"))
	f.tick(t)

	job := f.job(t, "req1", "generate_dataset")
	f.report(t, models.RunJobTaskID(job.ID, 1), models.StageFinalized,
		models.JobResults{ExitCode: 0, HasUnmatchedPatterns: true}, true)
	f.tick(t)

	job = f.job(t, "req1", "generate_dataset")
	assert.Equal(t, models.CodeUnmatchedPatterns, job.StatusCode)
	assert.Equal(t,
		"Outputs matching expected patterns were not found. See job log for details.",
		job.StatusMessage)
}

func TestSchedulerCancelsPendingJob(t *testing.T) {
	f := newSchedulerFixture(t)
	f.submit(t, newRequest("req1", "analyse"))
	f.tick(t)

	analyse := f.job(t, "req1", "analyse")
	require.Equal(t, models.StatePending, analyse.State)
	require.NoError(t, f.store.MarkJobsCancelled("req1", []string{"analyse"}))

	f.tick(t)
	analyse = f.job(t, "req1", "analyse")
	assert.Equal(t, models.StateFailed, analyse.State)
	assert.Equal(t, models.CodeCancelledByUser, analyse.StatusCode)
}

func TestSchedulerCancelsRunningJob(t *testing.T) {
	f := newSchedulerFixture(t)
	f.submit(t, newRequest("req1", "generate_dataset"))
	f.tick(t)

	job := f.job(t, "req1", "generate_dataset")
	taskID := models.RunJobTaskID(job.ID, 1)
	f.report(t, taskID, models.StageExecuting, nil, false)
	f.tick(t)

	require.NoError(t, f.store.MarkJobsCancelled("req1", []string{"generate_dataset"}))
	f.tick(t)

	// The RUNJOB task is retired and a CANCELJOB issued in its place.
	tasks, err := f.taskAPI.ActiveTasks("tpp")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.CancelTaskID(taskID), tasks[0].ID)
	assert.Equal(t, models.TaskCancelJob, tasks[0].Type)

	f.report(t, tasks[0].ID, models.StageFinalized,
		models.JobResults{ExitCode: 137, Cancelled: true}, true)
	f.tick(t)

	job = f.job(t, "req1", "generate_dataset")
	assert.Equal(t, models.StateFailed, job.State)
	assert.Equal(t, models.CodeCancelledByUser, job.StatusCode)
}

func TestSchedulerCancelBeforeAgentPickup(t *testing.T) {
	f := newSchedulerFixture(t)
	f.submit(t, newRequest("req1", "generate_dataset"))
	f.tick(t)

	require.NoError(t, f.store.MarkJobsCancelled("req1", []string{"generate_dataset"}))
	f.tick(t)

	job := f.job(t, "req1", "generate_dataset")
	assert.Equal(t, models.CodeCancelledByUser, job.StatusCode)

	// No cancel task needed; the agent never started anything.
	tasks, err := f.taskAPI.ActiveTasks("tpp")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestKillJobRunning(t *testing.T) {
	f := newSchedulerFixture(t)
	f.submit(t, newRequest("req1", "generate_dataset"))
	f.tick(t)

	job := f.job(t, "req1", "generate_dataset")
	taskID := models.RunJobTaskID(job.ID, 1)
	f.report(t, taskID, models.StageExecuting, nil, false)
	f.tick(t)

	require.NoError(t, f.scheduler.KillJob(context.Background(), job.ID))

	// Final immediately, with a CANCELJOB issued to tear the container down.
	job = f.job(t, "req1", "generate_dataset")
	assert.Equal(t, models.StateFailed, job.State)
	assert.Equal(t, models.CodeKilledByAdmin, job.StatusCode)

	tasks, err := f.taskAPI.ActiveTasks("tpp")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.CancelTaskID(taskID), tasks[0].ID)
	assert.Equal(t, models.TaskCancelJob, tasks[0].Type)
}

func TestKillJobBeforeAgentPickup(t *testing.T) {
	f := newSchedulerFixture(t)
	f.submit(t, newRequest("req1", "generate_dataset"))
	f.tick(t)

	job := f.job(t, "req1", "generate_dataset")
	require.NoError(t, f.scheduler.KillJob(context.Background(), job.ID))

	job = f.job(t, "req1", "generate_dataset")
	assert.Equal(t, models.CodeKilledByAdmin, job.StatusCode)

	// The unstarted RUNJOB is retired without a cancel task.
	tasks, err := f.taskAPI.ActiveTasks("tpp")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestKillJobAlreadyFinal(t *testing.T) {
	f := newSchedulerFixture(t)
	f.submit(t, newRequest("req1", "generate_dataset"))
	f.tick(t)

	job := f.job(t, "req1", "generate_dataset")
	taskID := models.RunJobTaskID(job.ID, 1)
	f.report(t, taskID, models.StageFinalized, models.JobResults{ExitCode: 0}, true)
	f.tick(t)

	err := f.scheduler.KillJob(context.Background(), job.ID)
	assert.ErrorContains(t, err, "already succeeded")
}

func TestSchedulerPausedBackend(t *testing.T) {
	f := newSchedulerFixture(t)
	_, err := f.store.SetFlag("tpp", models.FlagPaused, "true", f.clock.Now().Unix())
	require.NoError(t, err)

	f.submit(t, newRequest("req1", "generate_dataset"))
	f.tick(t)

	job := f.job(t, "req1", "generate_dataset")
	assert.Equal(t, models.StatePending, job.State)
	assert.Equal(t, models.CodeWaitingPaused, job.StatusCode)

	_, err = f.store.SetFlag("tpp", models.FlagPaused, "", f.clock.Now().Unix())
	require.NoError(t, err)
	f.tick(t)
	job = f.job(t, "req1", "generate_dataset")
	assert.Equal(t, models.CodeInitiated, job.StatusCode)
}

func TestSchedulerWorkerCap(t *testing.T) {
	f := newSchedulerFixture(t)
	f.scheduler.Config.MaxWorkers["tpp"] = 1

	f.submit(t, newRequest("req1", "generate_dataset"))
	req2 := newRequest("req2", "generate_dataset")
	req2.Workspace = "other"
	f.submit(t, req2)
	f.tick(t)

	first := f.job(t, "req1", "generate_dataset")
	second := f.job(t, "req2", "generate_dataset")
	running, waiting := 0, 0
	for _, job := range []*models.Job{first, second} {
		switch job.StatusCode {
		case models.CodeInitiated:
			running++
		case models.CodeWaitingOnWorkers:
			waiting++
		}
	}
	assert.Equal(t, 1, running)
	assert.Equal(t, 1, waiting)
}

func TestSchedulerDBWorkerCap(t *testing.T) {
	f := newSchedulerFixture(t)
	f.scheduler.Config.MaxDBWorkers["tpp"] = 0

	f.submit(t, newRequest("req1", "generate_dataset"))
	f.tick(t)

	job := f.job(t, "req1", "generate_dataset")
	assert.Equal(t, models.CodeWaitingOnDBWorkers, job.StatusCode)
}

func TestSchedulerDBMaintenanceBlocksPendingDBJobs(t *testing.T) {
	f := newSchedulerFixture(t)
	_, err := f.store.SetFlag("tpp", models.FlagMode, models.ModeDBMaintenance, f.clock.Now().Unix())
	require.NoError(t, err)

	f.submit(t, newRequest("req1", "generate_dataset"))
	f.tick(t)

	job := f.job(t, "req1", "generate_dataset")
	assert.Equal(t, models.CodeWaitingDBMaintenance, job.StatusCode)
}

func TestSchedulerDBMaintenanceEvictsRunningDBJobs(t *testing.T) {
	f := newSchedulerFixture(t)
	f.submit(t, newRequest("req1", "generate_dataset"))
	f.tick(t)

	job := f.job(t, "req1", "generate_dataset")
	taskID := models.RunJobTaskID(job.ID, 1)
	f.report(t, taskID, models.StageExecuting, nil, false)

	_, err := f.store.SetFlag("tpp", models.FlagMode, models.ModeDBMaintenance, f.clock.Now().Unix())
	require.NoError(t, err)
	f.tick(t)

	job = f.job(t, "req1", "generate_dataset")
	assert.Equal(t, models.StatePending, job.State)
	assert.Equal(t, models.CodeWaitingDBMaintenance, job.StatusCode)

	// The agent is told to tear the container down.
	tasks, err := f.taskAPI.ActiveTasks("tpp")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskCancelJob, tasks[0].Type)
}

func TestSchedulerIssuesDBStatusProbe(t *testing.T) {
	f := newSchedulerFixture(t)
	f.scheduler.Config.MaintenanceBackends["tpp"] = true
	f.tick(t)

	tasks, err := f.taskAPI.ActiveTasks("tpp")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskDBStatus, tasks[0].Type)

	// No second probe while one is outstanding.
	f.tick(t)
	tasks, err = f.taskAPI.ActiveTasks("tpp")
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	// Completing it flips maintenance mode on.
	f.report(t, tasks[0].ID, "", models.DBStatusResults{Status: models.DBMaintenanceStatus}, true)
	mode, err := f.store.FlagValue("tpp", models.FlagMode)
	require.NoError(t, err)
	assert.Equal(t, models.ModeDBMaintenance, mode)

	// The next probe is only due after the poll interval.
	f.tick(t)
	tasks, err = f.taskAPI.ActiveTasks("tpp")
	require.NoError(t, err)
	assert.Empty(t, tasks)

	f.clock.Advance(6 * time.Minute)
	f.tick(t)
	tasks, err = f.taskAPI.ActiveTasks("tpp")
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	// A clean probe clears maintenance mode again.
	f.report(t, tasks[0].ID, "", models.DBStatusResults{Status: ""}, true)
	mode, err = f.store.FlagValue("tpp", models.FlagMode)
	require.NoError(t, err)
	assert.Empty(t, mode)
}

func TestSchedulerManualMaintenanceSuppressesProbes(t *testing.T) {
	f := newSchedulerFixture(t)
	f.scheduler.Config.MaintenanceBackends["tpp"] = true
	_, err := f.store.SetFlag("tpp", models.FlagManualDBMaintenance, "on", f.clock.Now().Unix())
	require.NoError(t, err)

	f.tick(t)
	tasks, err := f.taskAPI.ActiveTasks("tpp")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestSchedulerPrepareForReboot(t *testing.T) {
	f := newSchedulerFixture(t)
	f.submit(t, newRequest("req1", "generate_dataset"))
	f.tick(t)

	job := f.job(t, "req1", "generate_dataset")
	require.Equal(t, models.StateRunning, job.State)
	taskID := models.RunJobTaskID(job.ID, 1)
	f.report(t, taskID, models.StageExecuting, nil, false)
	f.tick(t)

	_, err := f.store.SetFlag("tpp", models.FlagPaused, "true", f.clock.Now().Unix())
	require.NoError(t, err)
	require.NoError(t, f.scheduler.PrepareForReboot(context.Background(), "tpp"))

	job = f.job(t, "req1", "generate_dataset")
	assert.Equal(t, models.StatePending, job.State)
	assert.Equal(t, models.CodeWaitingOnReboot, job.StatusCode)
	assert.Zero(t, job.StartedAt)

	// The running container gets a CANCELJOB so it is torn down before the
	// host goes away.
	tasks, err := f.taskAPI.ActiveTasks("tpp")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.CancelTaskID(taskID), tasks[0].ID)
	assert.Equal(t, models.TaskCancelJob, tasks[0].Type)

	// Further ticks must not restart the job or disturb its parked status
	// while the backend stays paused.
	f.tick(t)
	f.tick(t)

	job = f.job(t, "req1", "generate_dataset")
	assert.Equal(t, models.CodeWaitingOnReboot, job.StatusCode)

	tasks, err = f.taskAPI.ActiveTasks("tpp")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskCancelJob, tasks[0].Type)

	// The agent confirms teardown, the host reboots, the operator unpauses;
	// only then does the job get a fresh attempt.
	f.report(t, tasks[0].ID, models.StageFinalized,
		models.JobResults{ExitCode: 137, Cancelled: true}, true)
	_, err = f.store.SetFlag("tpp", models.FlagPaused, "false", f.clock.Now().Unix())
	require.NoError(t, err)
	f.tick(t)

	job = f.job(t, "req1", "generate_dataset")
	assert.Equal(t, models.StateRunning, job.State)

	tasks, err = f.taskAPI.ActiveTasks("tpp")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.RunJobTaskID(job.ID, 2), tasks[0].ID)
}

func TestPrepareForRebootRequiresPause(t *testing.T) {
	f := newSchedulerFixture(t)
	f.submit(t, newRequest("req1", "generate_dataset"))
	f.tick(t)

	err := f.scheduler.PrepareForReboot(context.Background(), "tpp")
	assert.ErrorContains(t, err, "must be paused")

	// Nothing was disturbed.
	job := f.job(t, "req1", "generate_dataset")
	assert.Equal(t, models.StateRunning, job.State)
}

func TestSchedulerTouchesStaleUpdatedAt(t *testing.T) {
	f := newSchedulerFixture(t)
	f.submit(t, newRequest("req1", "analyse"))
	f.tick(t)

	analyse := f.job(t, "req1", "analyse")
	require.Equal(t, models.CodeWaitingOnDependencies, analyse.StatusCode)
	firstUpdate := analyse.UpdatedAt

	// Within the touch interval nothing is written.
	f.tick(t)
	analyse = f.job(t, "req1", "analyse")
	assert.Equal(t, firstUpdate, analyse.UpdatedAt)

	f.clock.Advance(2 * time.Minute)
	f.tick(t)
	analyse = f.job(t, "req1", "analyse")
	assert.Greater(t, analyse.UpdatedAt, firstUpdate)
	assert.Equal(t, models.CodeWaitingOnDependencies, analyse.StatusCode)
}

func TestSchedulerResolvesInputJobIDs(t *testing.T) {
	f := newSchedulerFixture(t)
	f.submit(t, newRequest("req1", "analyse"))
	f.tick(t)

	dataset := f.job(t, "req1", "generate_dataset")
	f.report(t, models.RunJobTaskID(dataset.ID, 1), models.StageFinalized,
		models.JobResults{ExitCode: 0, OutputCount: 1}, true)
	f.tick(t) // dataset succeeds
	f.tick(t) // analyse starts

	analyse := f.job(t, "req1", "analyse")
	require.Equal(t, models.StateRunning, analyse.State)

	task, err := f.store.GetTask(models.RunJobTaskID(analyse.ID, 1))
	require.NoError(t, err)
	var def models.JobDefinition
	require.NoError(t, json.Unmarshal(task.Definition, &def))
	assert.Equal(t, []string{dataset.ID}, def.InputJobIDs)
	assert.False(t, def.AllowDatabaseAccess)
}

func TestTaskAPIRejectsWrongBackend(t *testing.T) {
	f := newSchedulerFixture(t)
	f.submit(t, newRequest("req1", "generate_dataset"))
	f.tick(t)

	job := f.job(t, "req1", "generate_dataset")
	err := f.taskAPI.ApplyUpdate("emis", models.TaskUpdate{
		TaskID: models.RunJobTaskID(job.ID, 1),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestTaskAPIRecordsLastSeen(t *testing.T) {
	f := newSchedulerFixture(t)
	_, err := f.taskAPI.ActiveTasks("tpp")
	require.NoError(t, err)

	seen, err := f.store.FlagValue("tpp", models.FlagLastSeenAt)
	require.NoError(t, err)
	assert.NotEmpty(t, seen)
}
