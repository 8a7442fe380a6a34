package models

// State is the coarse job lifecycle state the controller uses to decide how
// to handle a job. PENDING and RUNNING are the only states the scheduler
// evaluates; FAILED and SUCCEEDED are terminal.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateFailed    State = "failed"
	StateSucceeded State = "succeeded"
)

// IsTerminal returns true once a job can never change state again.
func (s State) IsTerminal() bool {
	return s == StateFailed || s == StateSucceeded
}

// StatusCode is the fine-grained machine-readable state of a job. In
// contrast to State these play no role in scheduling decisions beyond the
// transitions encoded here; they exist to report precisely what is happening
// with a job to users and telemetry.
type StatusCode string

const (
	// PENDING codes
	CodeCreated              StatusCode = "created"
	CodeInitiated            StatusCode = "initiated"
	CodeWaitingPaused        StatusCode = "paused"
	CodeWaitingDBMaintenance StatusCode = "waiting_db_maintenance"
	CodeWaitingOnDependencies StatusCode = "waiting_on_dependencies"
	CodeWaitingOnWorkers     StatusCode = "waiting_on_workers"
	CodeWaitingOnDBWorkers   StatusCode = "waiting_on_db_workers"
	CodeWaitingOnReboot      StatusCode = "waiting_on_reboot"
	CodeWaitingOnNewTask     StatusCode = "waiting_on_new_task"

	// RUNNING codes, these mirror the agent-side executor stages and are the
	// normal happy path
	CodePreparing  StatusCode = "preparing"
	CodePrepared   StatusCode = "prepared"
	CodeExecuting  StatusCode = "executing"
	CodeExecuted   StatusCode = "executed"
	CodeFinalizing StatusCode = "finalizing"
	CodeFinalized  StatusCode = "finalized"

	// SUCCEEDED
	CodeSucceeded StatusCode = "succeeded"

	// FAILED codes
	CodeDependencyFailed  StatusCode = "dependency_failed"
	CodeNonzeroExit       StatusCode = "nonzero_exit"
	CodeCancelledByUser   StatusCode = "cancelled_by_user"
	CodeUnmatchedPatterns StatusCode = "unmatched_patterns"
	CodeInternalError     StatusCode = "internal_error"
	CodeKilledByAdmin     StatusCode = "killed_by_admin"
	CodeStaleCodelists    StatusCode = "stale_codelists"
	CodeJobError          StatusCode = "job_error"
)

var finalCodes = map[StatusCode]bool{
	CodeSucceeded:         true,
	CodeDependencyFailed:  true,
	CodeNonzeroExit:       true,
	CodeCancelledByUser:   true,
	CodeUnmatchedPatterns: true,
	CodeInternalError:     true,
	CodeKilledByAdmin:     true,
	CodeStaleCodelists:    true,
	CodeJobError:          true,
}

// resetCodes send a job back to PENDING: the controller deactivated its task
// and it will be re-admitted from scratch.
var resetCodes = map[StatusCode]bool{
	CodeWaitingOnReboot:      true,
	CodeWaitingDBMaintenance: true,
	CodeWaitingOnNewTask:     true,
}

// runningCodes move a job into (or keep it in) the RUNNING state.
var runningCodes = map[StatusCode]bool{
	CodeInitiated:  true,
	CodePreparing:  true,
	CodePrepared:   true,
	CodeExecuting:  true,
	CodeExecuted:   true,
	CodeFinalizing: true,
	CodeFinalized:  true,
}

// IsFinal returns true for codes that accompany a terminal State.
func (c StatusCode) IsFinal() bool { return finalCodes[c] }

// IsReset returns true for codes that reset a job back to PENDING.
func (c StatusCode) IsReset() bool { return resetCodes[c] }

// IsRunning returns true for codes associated with the RUNNING state.
func (c StatusCode) IsRunning() bool { return runningCodes[c] }

// StatusCodeFromStage maps an agent-reported stage onto a StatusCode.
// Unknown or non-mappable stages return the supplied default; this protects
// the controller against version skew in agent reports.
func StatusCodeFromStage(stage Stage, def StatusCode) StatusCode {
	switch stage {
	case StagePreparing:
		return CodePreparing
	case StagePrepared:
		return CodePrepared
	case StageExecuting:
		return CodeExecuting
	case StageExecuted:
		return CodeExecuted
	case StageFinalizing:
		return CodeFinalizing
	case StageFinalized:
		return CodeFinalized
	}
	return def
}

// Stage is the agent-visible phase of a task, computed on demand from
// container and disk state. The agent never persists it.
type Stage string

const (
	StageUnknown    Stage = "unknown"
	StagePreparing  Stage = "preparing"
	StagePrepared   Stage = "prepared"
	StageExecuting  Stage = "executing"
	StageExecuted   Stage = "executed"
	StageFinalizing Stage = "finalizing"
	StageFinalized  Stage = "finalized"
	StageError      Stage = "error"
)

// TaskType distinguishes the three kinds of work the controller can hand to
// an agent.
type TaskType string

const (
	TaskRunJob    TaskType = "runjob"
	TaskCancelJob TaskType = "canceljob"
	TaskDBStatus  TaskType = "dbstatus"
)
