package controller

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/opensafely-core/jobrunner/internal/db"
	"github.com/opensafely-core/jobrunner/internal/models"
)

// TaskAPI is the controller side of the agent protocol: it serves the active
// task list and folds agent reports back into the task store. Job state is
// not touched here; the scheduler reads the updated tasks on its next tick.
type TaskAPI struct {
	Store *db.Store
	Log   *zap.Logger

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

func (t *TaskAPI) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// ActiveTasks returns the agent-visible view of a backend's outstanding
// tasks, and records that the backend has been seen alive.
func (t *TaskAPI) ActiveTasks(backend string) ([]models.AgentTask, error) {
	tasks, err := t.Store.ActiveTasksForBackend(backend)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks for backend %s: %w", backend, err)
	}

	now := t.now()
	if _, err := t.Store.SetFlag(backend, models.FlagLastSeenAt,
		now.UTC().Format(time.RFC3339), now.Unix()); err != nil {
		t.Log.Warn("failed to record backend last-seen-at",
			zap.String("backend", backend), zap.Error(err))
	}

	agentTasks := make([]models.AgentTask, 0, len(tasks))
	for _, task := range tasks {
		agentTasks = append(agentTasks, models.AgentTaskFromTask(task))
	}
	return agentTasks, nil
}

// ApplyUpdate records an agent's report against its task. The task must
// belong to the authenticated backend. Completed DBSTATUS probes flip the
// backend's maintenance mode flag directly; everything else waits for the
// scheduler.
func (t *TaskAPI) ApplyUpdate(backend string, update models.TaskUpdate) error {
	task, err := t.Store.GetTask(update.TaskID)
	if err != nil {
		return err
	}
	if task.Backend != backend {
		return fmt.Errorf("task %s does not belong to backend %s: %w",
			update.TaskID, backend, db.ErrNotFound)
	}

	if err := t.Store.UpdateTaskFromAgent(update.TaskID, update.Stage,
		update.Results, update.Complete, update.TimestampNS, t.now().Unix()); err != nil {
		return err
	}

	if task.Type == models.TaskDBStatus && update.Complete {
		t.applyDBStatus(backend, update)
	}
	return nil
}

func (t *TaskAPI) applyDBStatus(backend string, update models.TaskUpdate) {
	var results models.DBStatusResults
	if err := json.Unmarshal(update.Results, &results); err != nil {
		t.Log.Error("failed to decode dbstatus results",
			zap.String("task", update.TaskID), zap.Error(err))
		return
	}
	if results.Error != "" {
		// Probe failed; keep whatever mode we last knew.
		t.Log.Error("dbstatus probe reported an error",
			zap.String("backend", backend), zap.String("error", results.Error))
		return
	}

	manual, err := t.Store.FlagValue(backend, models.FlagManualDBMaintenance)
	if err != nil {
		t.Log.Error("failed to read manual maintenance flag", zap.Error(err))
		return
	}
	if manual != "" {
		// An operator pinned maintenance mode; probes must not clear it.
		return
	}

	mode := ""
	if results.Status == models.DBMaintenanceStatus {
		mode = models.ModeDBMaintenance
	}
	if _, err := t.Store.SetFlag(backend, models.FlagMode, mode, t.now().Unix()); err != nil {
		t.Log.Error("failed to set maintenance mode flag", zap.Error(err))
		return
	}
	t.Log.Info("database maintenance mode updated",
		zap.String("backend", backend), zap.String("mode", mode))
}
