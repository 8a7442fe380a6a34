// Package executor runs jobs on behalf of the agent.
//
// The executor is a state machine over externally-observable state: nothing
// is held in memory between calls, so the agent can crash and resume and
// every method can be safely re-invoked. The stage of a job is computed on
// demand from the container runtime and the filesystem.
package executor

import (
	"context"

	"github.com/opensafely-core/jobrunner/internal/models"
)

// Status is the observed state of a job's execution.
type Status struct {
	Stage models.Stage

	// TimestampNS records when the job entered this stage, where known.
	TimestampNS int64

	// Results is only populated once the job is finalized.
	Results *models.JobResults
}

// API is the interface between the agent's task loop and a concrete
// execution backend. All methods are idempotent: calling one when the job is
// already past the relevant stage returns the current status unchanged.
type API interface {
	// Prepare stages the job's code and input files. UNKNOWN -> PREPARED.
	Prepare(ctx context.Context, job *models.JobDefinition) (Status, error)

	// Execute starts the job container. PREPARED -> EXECUTING.
	Execute(ctx context.Context, job *models.JobDefinition) (Status, error)

	// Finalize persists outputs, logs and result metadata once the container
	// has finished. EXECUTED -> FINALIZED. With cancelled set it may be
	// called from any stage after PREPARING; with errMsg set it records a
	// fatal execution error.
	Finalize(ctx context.Context, job *models.JobDefinition, cancelled bool, errMsg string) (Status, error)

	// Terminate kills a running container ahead of a cancelled finalize.
	Terminate(ctx context.Context, job *models.JobDefinition) (Status, error)

	// Cleanup removes the container and working files. Terminal state is
	// unaffected; result metadata survives cleanup.
	Cleanup(ctx context.Context, job *models.JobDefinition) error

	// GetStatus reports the job's current stage. The cancelled flag tells
	// the executor an in-flight cancellation is in progress, which affects
	// how an absent container is interpreted.
	GetStatus(ctx context.Context, job *models.JobDefinition, cancelled bool) (Status, error)
}
