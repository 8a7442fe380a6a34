package models

import "encoding/json"

// JobRequestEnvelope is the wire form of a job request, as posted to the
// controller's create endpoint and as served by the job-server sync API.
type JobRequestEnvelope struct {
	ID                   string   `json:"identifier"`
	Backend              string   `json:"backend"`
	RepoURL              string   `json:"repo_url"`
	Commit               string   `json:"commit"`
	Branch               string   `json:"branch"`
	Workspace            string   `json:"workspace"`
	RequestedActions     []string `json:"requested_actions"`
	CancelledActions     []string `json:"cancelled_actions"`
	CodelistsOK          bool     `json:"codelists_ok"`
	DatabaseName         string   `json:"database_name"`
	ForceRunDependencies bool     `json:"force_run_dependencies"`
}

// ToJobRequest converts the wire form to the internal model, keeping the
// verbatim payload for audit.
func (e *JobRequestEnvelope) ToJobRequest() *JobRequest {
	original, _ := json.Marshal(e)
	return &JobRequest{
		ID:                   e.ID,
		RepoURL:              e.RepoURL,
		Commit:               e.Commit,
		Branch:               e.Branch,
		RequestedActions:     e.RequestedActions,
		CancelledActions:     e.CancelledActions,
		Workspace:            e.Workspace,
		CodelistsOK:          e.CodelistsOK,
		DatabaseName:         e.DatabaseName,
		ForceRunDependencies: e.ForceRunDependencies,
		Backend:              e.Backend,
		Original:             original,
	}
}

// JobStatus is the externally-visible state of a job, reported both to the
// job-server sync API and to RAP status queries. Output filenames and
// anything else derived from patient data never appear here.
type JobStatus struct {
	ID            string     `json:"identifier"`
	JobRequestID  string     `json:"job_request_id"`
	Action        string     `json:"action"`
	Workspace     string     `json:"workspace"`
	Backend       string     `json:"backend"`
	State         State      `json:"status"`
	StatusCode    StatusCode `json:"status_code"`
	StatusMessage string     `json:"status_message"`
	CreatedAt     int64      `json:"created_at"`
	UpdatedAt     int64      `json:"updated_at"`
	StartedAt     int64      `json:"started_at,omitempty"`
	CompletedAt   int64      `json:"completed_at,omitempty"`
}

// StatusFromJob extracts the reportable view of a job.
func StatusFromJob(j *Job) JobStatus {
	return JobStatus{
		ID:            j.ID,
		JobRequestID:  j.JobRequestID,
		Action:        j.Action,
		Workspace:     j.Workspace,
		Backend:       j.Backend,
		State:         j.State,
		StatusCode:    j.StatusCode,
		StatusMessage: j.StatusMessage,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
	}
}

// BackendStatus is the flag state of one backend as served by the backend
// status endpoint.
type BackendStatus struct {
	Backend string            `json:"backend"`
	Flags   map[string]string `json:"flags"`
}
