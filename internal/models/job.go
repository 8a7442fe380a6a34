package models

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base32"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// JobRequest is our internal representation of a user-initiated execution
// intent as received from the job-server. It is immutable after creation
// apart from the cancellation list, which the sync loop may extend.
type JobRequest struct {
	ID                   string
	RepoURL              string
	Commit               string
	Branch               string
	RequestedActions     []string
	CancelledActions     []string
	Workspace            string
	CodelistsOK          bool
	DatabaseName         string
	ForceRunDependencies bool
	Backend              string

	// Original holds the verbatim JSON payload from the job-server, kept for
	// forensic and audit purposes.
	Original []byte
}

// RunAllAction is the wildcard action name meaning "run everything".
const RunAllAction = "run_all"

// ErrorAction is the pseudo-action used to communicate request-level
// failures back to the job-server: when a JobRequest is broken we create a
// single terminal job with this action name whose status message carries the
// error.
const ErrorAction = "__error__"

// Job is one execution of one action, owned by exactly one JobRequest.
type Job struct {
	ID           string
	JobRequestID string
	State        State
	RepoURL      string
	Commit       string
	Workspace    string
	DatabaseName string
	Action       string

	// RequiresOutputsFrom lists action names whose outputs must be staged
	// into this job's volume before it runs.
	RequiresOutputsFrom []string

	// WaitForJobIDs lists the job ids this job must await. It is the subset
	// of dependency actions which had not already succeeded when this job was
	// scheduled.
	WaitForJobIDs []string

	// RunCommand is the full command to execute, image first.
	RunCommand []string

	// OutputSpec maps glob pattern -> privacy level.
	//
	// Note the produced filenames themselves never come back: agents report
	// only counts and flags, so the controller stores none.
	OutputSpec map[string]string

	StatusMessage string
	StatusCode    StatusCode

	// Cancelled is set by the sync loop when the user cancels this action.
	// The scheduler never writes it.
	Cancelled bool

	RequiresDB bool
	Backend    string

	// Unix seconds.
	CreatedAt   int64
	UpdatedAt   int64
	StartedAt   int64
	CompletedAt int64

	// Unix nanoseconds; sub-second precision matters because status codes
	// can transition in well under a second.
	StatusCodeUpdatedAt int64
}

// NewJobID derives a deterministic job id from the request id and action.
// Actions are unique within a request, so the pair gives global uniqueness,
// and re-expanding the same request always produces the same ids — no orphan
// jobs if the database has to be rebuilt mid-request.
func NewJobID(jobRequestID, action string) string {
	digest := sha1.Sum([]byte(jobRequestID + "\n" + action))
	return strings.ToLower(base32.StdEncoding.EncodeToString(digest[:10]))
}

// NewRequestID returns a fresh ULID suitable for locally-created job
// requests (e.g. the add-job admin command). Request ids from the job-server
// are used verbatim.
func NewRequestID() string {
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String())
}

// Slug is a human-readable identifier used in logs to make debugging easier.
func (j *Job) Slug() string {
	return j.Workspace + "-" + j.Action + "-" + j.ID
}

// IsActive reports whether the scheduler still needs to evaluate this job.
func (j *Job) IsActive() bool {
	return j.State == StatePending || j.State == StateRunning
}
