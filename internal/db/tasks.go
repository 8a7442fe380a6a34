package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opensafely-core/jobrunner/internal/models"
)

const taskColumns = `id, backend, type, definition, active, created_at,
	finished_at, agent_stage, agent_complete, agent_results, agent_timestamp_ns`

func insertTask(q querier, task *models.Task) error {
	definition := task.Definition
	if len(definition) == 0 {
		definition = json.RawMessage("{}")
	}
	_, err := q.Exec(
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Backend, task.Type, string(definition), task.Active,
		task.CreatedAt, task.FinishedAt, task.AgentStage, task.AgentComplete,
		string(task.AgentResults), task.AgentTimestampNS,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
	}
	return nil
}

// InsertTask stores a new task row.
func (s *Store) InsertTask(task *models.Task) error {
	return insertTask(s.conn, task)
}

// CreateTaskForJob atomically inserts a task and persists the job state
// change that goes with it. A crash between the two would leave a job
// claiming to run with no task, or a task no job knows about, so they commit
// together.
func (s *Store) CreateTaskForJob(task *models.Task, job *models.Job) error {
	return s.WithTransaction(func(tx *sql.Tx) error {
		if err := insertTask(tx, task); err != nil {
			return err
		}
		return updateJob(tx, job)
	})
}

// GetTask fetches a single task by id.
func (s *Store) GetTask(id string) (*models.Task, error) {
	row := s.conn.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return task, nil
}

// ActiveTasksForBackend returns the tasks an agent poll should receive,
// oldest first.
func (s *Store) ActiveTasksForBackend(backend string) ([]*models.Task, error) {
	return s.queryTasks(
		`SELECT `+taskColumns+` FROM tasks
		 WHERE backend = ? AND active = 1 ORDER BY created_at, id`, backend)
}

// ActiveTaskForJob returns the most recent active task whose id belongs to
// the given job, or nil if the job has none. RUNJOB and CANCELJOB task ids
// are both prefixed with the job id so a single pattern covers both.
func (s *Store) ActiveTaskForJob(jobID string) (*models.Task, error) {
	row := s.conn.QueryRow(
		`SELECT `+taskColumns+` FROM tasks
		 WHERE active = 1 AND id LIKE ? ORDER BY id DESC LIMIT 1`, jobID+"-%")
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active task for job %s: %w", jobID, err)
	}
	return task, nil
}

// LatestTaskForJob returns the most recent task for a job regardless of
// whether it is still active, or nil if the job has never had one. Attempt
// numbers are zero-padded and cancel tasks sort after the task they cancel,
// so the lexically greatest id is the newest task.
func (s *Store) LatestTaskForJob(jobID string) (*models.Task, error) {
	row := s.conn.QueryRow(
		`SELECT `+taskColumns+` FROM tasks
		 WHERE id LIKE ? ORDER BY id DESC LIMIT 1`, jobID+"-%")
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find latest task for job %s: %w", jobID, err)
	}
	return task, nil
}

// RunJobTaskCount returns how many RUNJOB tasks have ever been issued for a
// job. It numbers the next attempt and enforces the retry budget.
func (s *Store) RunJobTaskCount(jobID string) (int, error) {
	var n int
	err := s.conn.QueryRow(
		`SELECT COUNT(*) FROM tasks WHERE type = ? AND id LIKE ?`,
		models.TaskRunJob, jobID+"-%").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count runjob tasks for job %s: %w", jobID, err)
	}
	return n, nil
}

// MarkTaskInactive retires a task so agents stop receiving it.
func (s *Store) MarkTaskInactive(id string, finishedAt int64) error {
	_, err := s.conn.Exec(
		`UPDATE tasks SET active = 0, finished_at = ? WHERE id = ? AND active = 1`,
		finishedAt, id)
	if err != nil {
		return fmt.Errorf("failed to mark task %s inactive: %w", id, err)
	}
	return nil
}

// UpdateTaskFromAgent records an agent's report against a task. Completion
// also retires the task.
func (s *Store) UpdateTaskFromAgent(id string, stage models.Stage, results json.RawMessage, complete bool, timestampNS, now int64) error {
	query := `
		UPDATE tasks SET
			agent_stage = ?, agent_complete = ?, agent_results = ?,
			agent_timestamp_ns = ?,
			active = CASE WHEN ? THEN 0 ELSE active END,
			finished_at = CASE WHEN ? THEN ? ELSE finished_at END
		WHERE id = ?`

	res, err := s.conn.Exec(query,
		stage, complete, string(results), timestampNS, complete, complete, now, id)
	if err != nil {
		return fmt.Errorf("failed to update task %s from agent: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update task %s from agent: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("update task %s: %w", id, ErrNotFound)
	}
	return nil
}

// HasActiveTaskOfType reports whether the backend has an outstanding task of
// the given type. Used to avoid issuing overlapping DBSTATUS probes.
func (s *Store) HasActiveTaskOfType(backend string, taskType models.TaskType) (bool, error) {
	var n int
	err := s.conn.QueryRow(
		`SELECT COUNT(*) FROM tasks WHERE backend = ? AND type = ? AND active = 1`,
		backend, taskType).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check active %s tasks: %w", taskType, err)
	}
	return n > 0, nil
}

// LastTaskCreatedAt returns the creation time of the newest task of a type
// on a backend, or zero if there have been none.
func (s *Store) LastTaskCreatedAt(backend string, taskType models.TaskType) (int64, error) {
	var created sql.NullInt64
	err := s.conn.QueryRow(
		`SELECT MAX(created_at) FROM tasks WHERE backend = ? AND type = ?`,
		backend, taskType).Scan(&created)
	if err != nil {
		return 0, fmt.Errorf("failed to find last %s task: %w", taskType, err)
	}
	return created.Int64, nil
}

func (s *Store) queryTasks(query string, args ...any) ([]*models.Task, error) {
	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*models.Task, error) {
	var task models.Task
	var definition, results string
	err := row.Scan(
		&task.ID, &task.Backend, &task.Type, &definition, &task.Active,
		&task.CreatedAt, &task.FinishedAt, &task.AgentStage,
		&task.AgentComplete, &results, &task.AgentTimestampNS,
	)
	if err != nil {
		return nil, err
	}
	task.Definition = json.RawMessage(definition)
	if results != "" {
		task.AgentResults = json.RawMessage(results)
	}
	return &task, nil
}
