package executor

import (
	"context"
	"sync"

	"github.com/opensafely-core/jobrunner/internal/models"
)

// Stub is an in-memory API implementation for tests. Stage transitions are
// immediate and synchronous; results can be scripted per job, as can errors
// per method.
type Stub struct {
	mu sync.Mutex

	stages  map[string]models.Stage
	results map[string]*models.JobResults

	// Errors scripted by method name ("prepare", "execute", "finalize",
	// "terminate", "cleanup", "status").
	Errors map[string]error

	// Calls records method invocations as "method:jobID".
	Calls []string

	// AutoExecuted makes Execute land directly in EXECUTED, as if the
	// container ran and finished instantly.
	AutoExecuted bool
}

var _ API = (*Stub)(nil)

// NewStub returns an empty stub executor.
func NewStub() *Stub {
	return &Stub{
		stages:  make(map[string]models.Stage),
		results: make(map[string]*models.JobResults),
		Errors:  make(map[string]error),
	}
}

// SetStage forces a job into a stage.
func (s *Stub) SetStage(jobID string, stage models.Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages[jobID] = stage
}

// SetResults scripts the results Finalize will record for a job.
func (s *Stub) SetResults(jobID string, results *models.JobResults) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[jobID] = results
}

func (s *Stub) record(method, jobID string) error {
	s.Calls = append(s.Calls, method+":"+jobID)
	return s.Errors[method]
}

func (s *Stub) Prepare(ctx context.Context, job *models.JobDefinition) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("prepare", job.ID); err != nil {
		return Status{}, err
	}
	if s.stages[job.ID] == models.StageUnknown || s.stages[job.ID] == "" {
		s.stages[job.ID] = models.StagePrepared
	}
	return s.statusLocked(job.ID), nil
}

func (s *Stub) Execute(ctx context.Context, job *models.JobDefinition) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("execute", job.ID); err != nil {
		return Status{}, err
	}
	if s.stages[job.ID] == models.StagePrepared {
		if s.AutoExecuted {
			s.stages[job.ID] = models.StageExecuted
		} else {
			s.stages[job.ID] = models.StageExecuting
		}
	}
	return s.statusLocked(job.ID), nil
}

func (s *Stub) Finalize(ctx context.Context, job *models.JobDefinition, cancelled bool, errMsg string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("finalize", job.ID); err != nil {
		return Status{}, err
	}

	results := s.results[job.ID]
	if results == nil {
		results = &models.JobResults{ExitCode: 0, OutputCount: 1, Message: "Completed successfully"}
	}
	if cancelled {
		results = &models.JobResults{ExitCode: 137, Cancelled: true, Message: "Job cancelled by system"}
	}
	if errMsg != "" {
		results = &models.JobResults{Error: errMsg, Message: "Job errored"}
		s.stages[job.ID] = models.StageError
	} else {
		s.stages[job.ID] = models.StageFinalized
	}
	s.results[job.ID] = results
	return s.statusLocked(job.ID), nil
}

func (s *Stub) Terminate(ctx context.Context, job *models.JobDefinition) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("terminate", job.ID); err != nil {
		return Status{}, err
	}
	if s.stages[job.ID] == models.StageExecuting || s.stages[job.ID] == models.StagePrepared {
		s.stages[job.ID] = models.StageExecuted
	}
	return s.statusLocked(job.ID), nil
}

func (s *Stub) Cleanup(ctx context.Context, job *models.JobDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record("cleanup", job.ID)
}

func (s *Stub) GetStatus(ctx context.Context, job *models.JobDefinition, cancelled bool) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("status", job.ID); err != nil {
		return Status{}, err
	}
	return s.statusLocked(job.ID), nil
}

func (s *Stub) statusLocked(jobID string) Status {
	stage := s.stages[jobID]
	if stage == "" {
		stage = models.StageUnknown
	}
	status := Status{Stage: stage}
	if stage == models.StageFinalized || stage == models.StageError {
		status.Results = s.results[jobID]
	}
	return status
}
