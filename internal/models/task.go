package models

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Task is an externally-dispatchable unit of work handed from the controller
// to an agent. The controller owns the row; the agent only ever sees the
// immutable AgentTask view and reports stage updates through the task API.
type Task struct {
	ID      string
	Backend string
	Type    TaskType

	// Definition is the opaque JSON payload the agent needs to execute the
	// task without further server calls. For RUNJOB/CANCELJOB tasks it is a
	// serialized JobDefinition.
	Definition json.RawMessage

	Active bool

	// Controller-side timestamps, unix seconds.
	CreatedAt  int64
	FinishedAt int64

	// Fields reported by the agent.
	AgentStage       Stage
	AgentComplete    bool
	AgentResults     json.RawMessage
	AgentTimestampNS int64
}

// RunJobTaskID constructs the id for the numbered RUNJOB attempt for a job.
// The attempt number is zero-padded so task ids sort lexically in creation
// order.
func RunJobTaskID(jobID string, attempt int) string {
	return fmt.Sprintf("%s-%03d", jobID, attempt)
}

// CancelTaskID constructs the id of the CANCELJOB task paired with a RUNJOB
// task.
func CancelTaskID(runJobTaskID string) string {
	return runJobTaskID + "-cancel"
}

// DBStatusTaskID constructs an id for a database status probe. The date
// prefix is not strictly necessary but helps with debugging.
func DBStatusTaskID(now time.Time) string {
	u := ulid.MustNew(ulid.Timestamp(now), rand.Reader)
	return fmt.Sprintf("dbstatus-%s-%s", now.Format("2006-01-02"), u.String())
}

// AgentTask is the wire representation of a task as served by
// GET /{backend}/tasks/. It carries everything the agent needs and nothing
// it can mutate.
type AgentTask struct {
	ID         string          `json:"id"`
	Backend    string          `json:"backend"`
	Type       TaskType        `json:"type"`
	Definition json.RawMessage `json:"definition"`
	CreatedAt  int64           `json:"created_at"`
}

// AgentTaskFromTask extracts the agent-visible view of a task.
func AgentTaskFromTask(t *Task) AgentTask {
	return AgentTask{
		ID:         t.ID,
		Backend:    t.Backend,
		Type:       t.Type,
		Definition: t.Definition,
		CreatedAt:  t.CreatedAt,
	}
}

// TaskUpdate is the payload of POST /{backend}/task/update/: an agent's
// report of a task's current stage and, on completion, its results.
type TaskUpdate struct {
	TaskID      string          `json:"task_id"`
	Stage       Stage           `json:"stage"`
	Results     json.RawMessage `json:"results,omitempty"`
	Complete    bool            `json:"complete"`
	TimestampNS int64           `json:"timestamp_ns,omitempty"`
}

// JobDefinition is the full description of a job execution, built by the
// controller and consumed by the agent's executor. It must be sufficient for
// offline execution: the agent makes no further controller calls while
// running it.
type JobDefinition struct {
	ID           string `json:"id"`
	JobRequestID string `json:"job_request_id"`
	TaskID       string `json:"task_id"`
	RepoURL      string `json:"repo_url"`
	Commit       string `json:"commit"`
	Workspace    string `json:"workspace"`
	Action       string `json:"action"`
	CreatedAt    int64  `json:"created_at"`

	Image string   `json:"image"`
	Args  []string `json:"args"`

	Env map[string]string `json:"env"`

	// InputJobIDs identifies the finalized jobs whose outputs must be copied
	// into the volume during prepare.
	InputJobIDs []string `json:"input_job_ids"`

	// OutputSpec maps glob pattern -> privacy level.
	OutputSpec map[string]string `json:"output_spec"`

	AllowDatabaseAccess bool   `json:"allow_database_access"`
	DatabaseName        string `json:"database_name,omitempty"`

	CPUCount    float64 `json:"cpu_count,omitempty"`
	MemoryLimit string  `json:"memory_limit,omitempty"`
}

// JobResults is the redacted result payload an agent reports when a
// RUNJOB/CANCELJOB task finishes. Filenames never appear here; only counts
// and flags, so nothing sensitive crosses the trust boundary.
type JobResults struct {
	ExitCode            int    `json:"exit_code"`
	ImageID             string `json:"image_id"`
	Message             string `json:"message,omitempty"`
	OutputCount         int    `json:"output_count"`
	HasUnmatchedPatterns bool  `json:"has_unmatched_patterns"`
	Cancelled           bool   `json:"cancelled"`

	// Error carries agent-side failure detail when the task errored rather
	// than ran to completion.
	Error string `json:"error,omitempty"`

	// TimestampNS records when these results were finalized.
	TimestampNS int64 `json:"timestamp_ns,omitempty"`
}

// DBStatusResults is the result payload of a DBSTATUS probe.
type DBStatusResults struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// DBMaintenanceStatus is the only non-empty status a DBSTATUS probe is
// allowed to report; anything else is rejected so that a compromised probe
// container cannot exfiltrate data through the status channel.
const DBMaintenanceStatus = "db-maintenance"
