package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/opensafely-core/jobrunner/internal/models"
)

const jobColumns = `id, job_request_id, state, repo_url, commit_sha, workspace,
	database_name, action, requires_outputs_from, wait_for_job_ids,
	run_command, output_spec, status_message, status_code, cancelled,
	requires_db, backend, created_at, updated_at, started_at, completed_at,
	status_code_updated_at`

func insertJob(q querier, job *models.Job) error {
	query := `
		INSERT INTO job (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := q.Exec(query,
		job.ID, job.JobRequestID, job.State, job.RepoURL, job.Commit,
		job.Workspace, job.DatabaseName, job.Action,
		encodeStrings(job.RequiresOutputsFrom), encodeStrings(job.WaitForJobIDs),
		encodeStrings(job.RunCommand), encodeStringMap(job.OutputSpec),
		job.StatusMessage, job.StatusCode, job.Cancelled, job.RequiresDB,
		job.Backend, job.CreatedAt, job.UpdatedAt, job.StartedAt,
		job.CompletedAt, job.StatusCodeUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}
	return nil
}

// InsertJob stores a new job row.
func (s *Store) InsertJob(job *models.Job) error {
	return insertJob(s.conn, job)
}

// UpdateJob persists the scheduler-mutable fields of a job. The cancelled
// flag is deliberately excluded: it belongs to the sync loop, and a scheduler
// write based on a stale read must not clobber a cancellation that landed in
// between.
func (s *Store) UpdateJob(job *models.Job) error {
	return updateJob(s.conn, job)
}

func updateJob(q querier, job *models.Job) error {
	query := `
		UPDATE job SET
			state = ?, wait_for_job_ids = ?, status_message = ?, status_code = ?,
			updated_at = ?, started_at = ?, completed_at = ?,
			status_code_updated_at = ?
		WHERE id = ?`

	res, err := q.Exec(query,
		job.State, encodeStrings(job.WaitForJobIDs), job.StatusMessage,
		job.StatusCode, job.UpdatedAt, job.StartedAt, job.CompletedAt,
		job.StatusCodeUpdatedAt, job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update job %s: %w", job.ID, ErrNotFound)
	}
	return nil
}

// GetJob fetches a single job by id.
func (s *Store) GetJob(id string) (*models.Job, error) {
	row := s.conn.QueryRow(`SELECT `+jobColumns+` FROM job WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return job, nil
}

// ActiveJobs returns every pending or running job across all backends,
// oldest first. This is the scheduler's working set; the partial state index
// keeps it cheap regardless of history size.
func (s *Store) ActiveJobs() ([]*models.Job, error) {
	return s.queryJobs(
		`SELECT `+jobColumns+` FROM job
		 WHERE state IN (?, ?) ORDER BY created_at, id`,
		models.StatePending, models.StateRunning)
}

// ActiveJobsForBackend returns the pending and running jobs of one backend.
func (s *Store) ActiveJobsForBackend(backend string) ([]*models.Job, error) {
	return s.queryJobs(
		`SELECT `+jobColumns+` FROM job
		 WHERE backend = ? AND state IN (?, ?) ORDER BY created_at, id`,
		backend, models.StatePending, models.StateRunning)
}

// JobsForRequest returns every job belonging to a request.
func (s *Store) JobsForRequest(requestID string) ([]*models.Job, error) {
	return s.queryJobs(
		`SELECT `+jobColumns+` FROM job
		 WHERE job_request_id = ? ORDER BY created_at, id`, requestID)
}

// JobsByIDs fetches the given jobs. Missing ids are silently omitted; the
// caller decides whether that matters.
func (s *Store) JobsByIDs(ids []string) ([]*models.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return s.queryJobs(
		`SELECT `+jobColumns+` FROM job WHERE id IN (`+placeholders+`)`, args...)
}

// JobsForWorkspace returns all jobs ever run in a workspace on a backend,
// newest first. The job builder reduces this to the latest job per action to
// decide which dependencies already have outputs.
func (s *Store) JobsForWorkspace(backend, workspace string) ([]*models.Job, error) {
	return s.queryJobs(
		`SELECT `+jobColumns+` FROM job
		 WHERE backend = ? AND workspace = ? ORDER BY created_at DESC, id`,
		backend, workspace)
}

// MarkJobsCancelled flips the cancelled flag on the named actions of a
// request. It is the only write the sync loop makes to job rows.
func (s *Store) MarkJobsCancelled(requestID string, actions []string) error {
	if len(actions) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(actions)), ", ")
	args := []any{requestID}
	for _, action := range actions {
		args = append(args, action)
	}
	_, err := s.conn.Exec(
		`UPDATE job SET cancelled = 1
		 WHERE job_request_id = ? AND action IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to mark jobs cancelled for request %s: %w", requestID, err)
	}
	return nil
}

func (s *Store) queryJobs(query string, args ...any) ([]*models.Job, error) {
	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var requiresOutputs, waitFor, runCommand, outputSpec string
	err := row.Scan(
		&job.ID, &job.JobRequestID, &job.State, &job.RepoURL, &job.Commit,
		&job.Workspace, &job.DatabaseName, &job.Action, &requiresOutputs,
		&waitFor, &runCommand, &outputSpec,
		&job.StatusMessage, &job.StatusCode, &job.Cancelled, &job.RequiresDB,
		&job.Backend, &job.CreatedAt, &job.UpdatedAt, &job.StartedAt,
		&job.CompletedAt, &job.StatusCodeUpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.RequiresOutputsFrom = decodeStrings(requiresOutputs)
	job.WaitForJobIDs = decodeStrings(waitFor)
	job.RunCommand = decodeStrings(runCommand)
	job.OutputSpec = decodeStringMap(outputSpec)
	return &job, nil
}
