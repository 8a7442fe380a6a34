package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/opensafely-core/jobrunner/internal/executor"
	"github.com/opensafely-core/jobrunner/internal/models"
	"github.com/opensafely-core/jobrunner/internal/redact"
)

// Agent drives the executor from the controller's task list.
type Agent struct {
	Client   *Client
	Executor executor.API
	DBStatus DBStatusProber
	Log      *zap.Logger

	// PollInterval is the delay between loop iterations.
	PollInterval time.Duration
}

// Run polls for tasks until the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	interval := a.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	a.Log.Info("agent started", zap.String("backend", a.Client.Backend))
	for {
		if err := a.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.Log.Error("task loop iteration failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Tick performs one iteration of the task loop: fetch the active task list
// and advance every task by one step. Task handling errors are logged and do
// not abort the iteration; the task is simply retried on the next tick.
func (a *Agent) Tick(ctx context.Context) error {
	tasks, err := a.Client.GetActiveTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch active tasks: %w", err)
	}

	for _, task := range tasks {
		if err := a.handleTask(ctx, task); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.Log.Error("failed to handle task",
				zap.String("task", task.ID),
				zap.String("type", string(task.Type)),
				zap.Error(err))
		}
	}
	return nil
}

func (a *Agent) handleTask(ctx context.Context, task models.AgentTask) error {
	switch task.Type {
	case models.TaskRunJob:
		return a.handleRunJob(ctx, task)
	case models.TaskCancelJob:
		return a.handleCancelJob(ctx, task)
	case models.TaskDBStatus:
		return a.handleDBStatus(ctx, task)
	default:
		return fmt.Errorf("unknown task type %q", task.Type)
	}
}

// handleRunJob advances a job by at most one stage per tick. Each executor
// call is idempotent, so a crash between the call and the controller update
// just means the next tick repeats the step.
func (a *Agent) handleRunJob(ctx context.Context, task models.AgentTask) error {
	job, err := decodeJob(task)
	if err != nil {
		return err
	}

	status, err := a.Executor.GetStatus(ctx, job, false)
	if err != nil {
		return a.handleJobError(ctx, task, job, err)
	}

	switch status.Stage {
	case models.StageError, models.StageFinalized:
		// Job has finished, and we've already persisted outputs and logs.
		return a.updateComplete(ctx, task, status)

	case models.StageExecuting:
		// Job is still running; just report where we are.
		return a.update(ctx, task, status)

	case models.StageUnknown:
		if err := a.update(ctx, task, executor.Status{Stage: models.StagePreparing}); err != nil {
			return err
		}
		status, err = a.Executor.Prepare(ctx, job)
		if err != nil {
			return a.handleJobError(ctx, task, job, err)
		}
		return a.update(ctx, task, status)

	case models.StagePrepared:
		status, err = a.Executor.Execute(ctx, job)
		if err != nil {
			return a.handleJobError(ctx, task, job, err)
		}
		return a.update(ctx, task, status)

	case models.StageExecuted:
		if err := a.update(ctx, task, executor.Status{Stage: models.StageFinalizing}); err != nil {
			return err
		}
		status, err = a.Executor.Finalize(ctx, job, false, "")
		if err != nil {
			return a.handleJobError(ctx, task, job, err)
		}
		if err := a.Executor.Cleanup(ctx, job); err != nil {
			a.Log.Warn("failed to clean up job", zap.String("job", job.ID), zap.Error(err))
		}
		return a.updateComplete(ctx, task, status)

	default:
		return fmt.Errorf("job %s in unexpected stage %q", job.ID, status.Stage)
	}
}

// handleJobError distinguishes fatal job errors from transient
// infrastructure failures. A JobError means this job can never complete, so
// we finalize it as errored and report the task complete; anything else is
// left for the next tick to retry.
func (a *Agent) handleJobError(ctx context.Context, task models.AgentTask, job *models.JobDefinition, err error) error {
	var jobErr *executor.JobError
	if !errors.As(err, &jobErr) {
		return err
	}

	a.Log.Info("job failed", zap.String("job", job.ID), zap.String("error", jobErr.Msg))
	status, ferr := a.Executor.Finalize(ctx, job, false, jobErr.Msg)
	if ferr != nil {
		return fmt.Errorf("failed to finalize errored job %s: %w", job.ID, ferr)
	}
	if cerr := a.Executor.Cleanup(ctx, job); cerr != nil {
		a.Log.Warn("failed to clean up job", zap.String("job", job.ID), zap.Error(cerr))
	}
	return a.updateComplete(ctx, task, status)
}

// handleCancelJob winds a job down from whatever stage it is in, salvaging
// logs and recording a cancelled result.
func (a *Agent) handleCancelJob(ctx context.Context, task models.AgentTask) error {
	job, err := decodeJob(task)
	if err != nil {
		return err
	}

	status, err := a.Executor.GetStatus(ctx, job, true)
	if err != nil {
		return err
	}
	if err := a.update(ctx, task, status); err != nil {
		return err
	}

	switch status.Stage {
	case models.StageFinalized:
		// Finished before the cancellation landed; nothing to undo.

	case models.StageExecuting:
		if _, err := a.Executor.Terminate(ctx, job); err != nil {
			return err
		}
		if err := a.update(ctx, task, executor.Status{Stage: models.StageExecuted}); err != nil {
			return err
		}
		status, err = a.Executor.Finalize(ctx, job, true, "")
		if err != nil {
			return err
		}

	default:
		// UNKNOWN, PREPARED, EXECUTED or ERROR: nothing is running, just
		// record the cancellation.
		status, err = a.Executor.Finalize(ctx, job, true, "")
		if err != nil {
			return err
		}
	}

	if err := a.Executor.Cleanup(ctx, job); err != nil {
		a.Log.Warn("failed to clean up job", zap.String("job", job.ID), zap.Error(err))
	}
	return a.updateComplete(ctx, task, status)
}

// handleDBStatus runs the maintenance probe and reports its outcome. The
// task is always reported complete, even on probe failure; the controller
// schedules a fresh probe when it wants another answer.
func (a *Agent) handleDBStatus(ctx context.Context, task models.AgentTask) error {
	var results models.DBStatusResults
	if a.DBStatus == nil {
		// The controller thinks this backend is probe-capable but the agent
		// has no probe configured. Complete the task with an error so it does
		// not stay active forever.
		a.Log.Error("received dbstatus task but no probe is configured",
			zap.String("task", task.ID))
		results = models.DBStatusResults{Error: "no database status probe configured on this agent"}
	} else {
		results = a.DBStatus.Probe(ctx, task)
	}

	payload, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to encode dbstatus results: %w", err)
	}
	return a.Client.UpdateController(ctx, models.TaskUpdate{
		TaskID:      task.ID,
		Results:     payload,
		Complete:    true,
		TimestampNS: time.Now().UnixNano(),
	})
}

func (a *Agent) update(ctx context.Context, task models.AgentTask, status executor.Status) error {
	return a.send(ctx, task, status, false)
}

func (a *Agent) updateComplete(ctx context.Context, task models.AgentTask, status executor.Status) error {
	return a.send(ctx, task, status, true)
}

func (a *Agent) send(ctx context.Context, task models.AgentTask, status executor.Status, complete bool) error {
	update := models.TaskUpdate{
		TaskID:      task.ID,
		Stage:       status.Stage,
		Complete:    complete,
		TimestampNS: status.TimestampNS,
	}
	if update.TimestampNS == 0 {
		update.TimestampNS = time.Now().UnixNano()
	}

	if results := redact.Results(status.Results); results != nil {
		payload, err := json.Marshal(results)
		if err != nil {
			return fmt.Errorf("failed to encode job results: %w", err)
		}
		update.Results = payload
	}
	return a.Client.UpdateController(ctx, update)
}

func decodeJob(task models.AgentTask) (*models.JobDefinition, error) {
	var job models.JobDefinition
	if err := json.Unmarshal(task.Definition, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job definition for task %s: %w", task.ID, err)
	}
	if job.TaskID == "" {
		job.TaskID = task.ID
	}
	return &job, nil
}
