package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/opensafely-core/jobrunner/internal/models"
)

const jobRequestColumns = `id, backend, workspace, repo_url, branch, commit_sha,
	requested_actions, cancelled_actions, database_name,
	force_run_dependencies, codelists_ok, original`

// UpsertJobRequest inserts a job request or, if it already exists, updates
// its cancellation list. Everything else about a request is immutable once
// stored, so repeated syncs of the same request are idempotent.
func (s *Store) UpsertJobRequest(req *models.JobRequest, now int64) error {
	query := `
		INSERT INTO job_request (` + jobRequestColumns + `, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			cancelled_actions = excluded.cancelled_actions`

	original := req.Original
	if len(original) == 0 {
		original = []byte("{}")
	}

	_, err := s.conn.Exec(query,
		req.ID, req.Backend, req.Workspace, req.RepoURL, req.Branch, req.Commit,
		encodeStrings(req.RequestedActions), encodeStrings(req.CancelledActions),
		req.DatabaseName, req.ForceRunDependencies, req.CodelistsOK,
		string(original), now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert job request %s: %w", req.ID, err)
	}
	return nil
}

// GetJobRequest fetches a single job request by id.
func (s *Store) GetJobRequest(id string) (*models.JobRequest, error) {
	row := s.conn.QueryRow(
		`SELECT `+jobRequestColumns+` FROM job_request WHERE id = ?`, id)
	req, err := scanJobRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job request %s: %w", id, err)
	}
	return req, nil
}

// UnexpandedJobRequests returns requests which have not yet been expanded
// into jobs, oldest first.
func (s *Store) UnexpandedJobRequests() ([]*models.JobRequest, error) {
	rows, err := s.conn.Query(
		`SELECT ` + jobRequestColumns + ` FROM job_request
		 WHERE expanded = 0 ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list unexpanded job requests: %w", err)
	}
	defer rows.Close()

	var reqs []*models.JobRequest
	for rows.Next() {
		req, err := scanJobRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job request: %w", err)
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// CreateJobs records the result of expanding a request: the new jobs are
// inserted and the request is marked expanded, atomically. A request is only
// ever expanded once.
func (s *Store) CreateJobs(requestID string, jobs []*models.Job) error {
	return s.WithTransaction(func(tx *sql.Tx) error {
		for _, job := range jobs {
			if err := insertJob(tx, job); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(
			`UPDATE job_request SET expanded = 1 WHERE id = ?`, requestID); err != nil {
			return fmt.Errorf("failed to mark request %s expanded: %w", requestID, err)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobRequest(row rowScanner) (*models.JobRequest, error) {
	var req models.JobRequest
	var requested, cancelled, original string
	err := row.Scan(
		&req.ID, &req.Backend, &req.Workspace, &req.RepoURL, &req.Branch,
		&req.Commit, &requested, &cancelled, &req.DatabaseName,
		&req.ForceRunDependencies, &req.CodelistsOK, &original,
	)
	if err != nil {
		return nil, err
	}
	req.RequestedActions = decodeStrings(requested)
	req.CancelledActions = decodeStrings(cancelled)
	req.Original = []byte(original)
	return &req, nil
}
