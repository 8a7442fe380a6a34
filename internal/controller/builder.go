// Package controller schedules jobs: it expands job requests into jobs,
// walks each active job through its state machine and hands work to agents
// as tasks.
package controller

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/opensafely-core/jobrunner/internal/config"
	"github.com/opensafely-core/jobrunner/internal/db"
	"github.com/opensafely-core/jobrunner/internal/git"
	"github.com/opensafely-core/jobrunner/internal/models"
	"github.com/opensafely-core/jobrunner/internal/pipeline"
)

// RequestError marks a job request as invalid: the request can never produce
// runnable jobs and the failure is the user's to fix, not ours.
type RequestError struct {
	Msg string
}

func (e *RequestError) Error() string {
	return e.Msg
}

// errNothingToDo reports that every requested action has already run. This is
// a success from the user's point of view.
var errNothingToDo = errors.New("All actions have already run")

// errStaleCodelists reports that the codelists in the study repo are out of
// date with respect to their upstream source, which would silently produce
// wrong results for database jobs.
var errStaleCodelists = errors.New(
	"Codelists are out of date (run `opensafely codelists update` and commit the changes)")

var workspacePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ProjectReader fetches a file from a study repo at a commit.
type ProjectReader interface {
	ReadFile(ctx context.Context, repoURL, commit, path string) ([]byte, error)
}

// Builder expands job requests into jobs.
type Builder struct {
	Store  *db.Store
	Repos  ProjectReader
	Config *config.Controller
	Log    *zap.Logger

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

func (b *Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// ExpandRequests turns every not-yet-expanded job request into jobs. A
// request is always expanded exactly once: broken requests produce a single
// terminal job carrying the error, so the failure reaches the user through
// the same sync channel as everything else.
func (b *Builder) ExpandRequests(ctx context.Context) error {
	requests, err := b.Store.UnexpandedJobRequests()
	if err != nil {
		return fmt.Errorf("failed to load unexpanded job requests: %w", err)
	}

	for _, req := range requests {
		if err := b.expand(ctx, req); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Leave the request unexpanded; transient failures (git outage,
			// db error) resolve themselves on a later tick.
			b.Log.Error("failed to expand job request",
				zap.String("request", req.ID), zap.Error(err))
		}
	}
	return nil
}

func (b *Builder) expand(ctx context.Context, req *models.JobRequest) error {
	jobs, err := b.buildJobs(ctx, req)

	switch {
	case err == nil:

	case errors.Is(err, errNothingToDo):
		jobs = []*models.Job{b.terminalJob(req, req.RequestedActions[0],
			models.StateSucceeded, models.CodeSucceeded, err.Error())}

	case errors.Is(err, errStaleCodelists):
		jobs = []*models.Job{b.terminalJob(req, models.ErrorAction,
			models.StateFailed, models.CodeStaleCodelists, err.Error())}

	case isRequestError(err):
		jobs = []*models.Job{b.terminalJob(req, models.ErrorAction,
			models.StateFailed, models.CodeInternalError, err.Error())}

	default:
		// Transient; retried next tick.
		return err
	}

	if err := b.Store.CreateJobs(req.ID, jobs); err != nil {
		return fmt.Errorf("failed to create jobs for request %s: %w", req.ID, err)
	}

	for _, job := range jobs {
		b.Log.Info("created job",
			zap.String("job", job.ID),
			zap.String("request", req.ID),
			zap.String("workspace", job.Workspace),
			zap.String("action", job.Action),
			zap.String("state", string(job.State)))
	}
	return nil
}

// isRequestError classifies failures that no amount of retrying will fix;
// they are reported to the user rather than logged and retried.
func isRequestError(err error) bool {
	var (
		reqErr     *RequestError
		fileErr    *git.FileNotFoundError
		valErr     *pipeline.ValidationError
		unknownErr *pipeline.UnknownActionError
		cycleErr   *pipeline.CycleError
		missingErr *pipeline.MissingDependencyError
	)
	return errors.As(err, &reqErr) ||
		errors.As(err, &fileErr) ||
		errors.As(err, &valErr) ||
		errors.As(err, &unknownErr) ||
		errors.As(err, &cycleErr) ||
		errors.As(err, &missingErr)
}

func (b *Builder) buildJobs(ctx context.Context, req *models.JobRequest) ([]*models.Job, error) {
	if err := b.validateRequest(req); err != nil {
		return nil, err
	}

	data, err := b.Repos.ReadFile(ctx, req.RepoURL, req.Commit, "project.yaml")
	if err != nil {
		var notFound *git.FileNotFoundError
		if errors.As(err, &notFound) {
			return nil, &RequestError{Msg: "No project.yaml file found in this commit"}
		}
		return nil, err
	}

	proj, err := pipeline.Load(data, b.Config.AllowedImages)
	if err != nil {
		return nil, err
	}

	requested := req.RequestedActions
	if slices.Contains(requested, models.RunAllAction) {
		requested = proj.ActionNames()
	}
	requestedSet := make(map[string]bool, len(requested))
	for _, action := range requested {
		requestedSet[action] = true
	}

	previous, err := b.Store.JobsForWorkspace(req.Backend, req.Workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to load workspace history: %w", err)
	}
	// Newest first, so the first job seen per action is its latest run.
	latest := make(map[string]*models.Job)
	for _, job := range previous {
		if _, ok := latest[job.Action]; !ok {
			latest[job.Action] = job
		}
	}

	state := &buildState{
		req:       req,
		proj:      proj,
		latest:    latest,
		requested: requestedSet,
		byAction:  make(map[string]*models.Job),
	}
	for _, action := range requested {
		if _, err := b.addJob(state, action); err != nil {
			return nil, err
		}
	}

	if len(state.jobs) == 0 {
		return nil, errNothingToDo
	}

	if !req.CodelistsOK {
		for _, job := range state.jobs {
			if job.RequiresDB {
				return nil, errStaleCodelists
			}
		}
	}
	return state.jobs, nil
}

type buildState struct {
	req       *models.JobRequest
	proj      *pipeline.Pipeline
	latest    map[string]*models.Job
	requested map[string]bool

	jobs     []*models.Job
	byAction map[string]*models.Job
}

// addJob creates a job for the action if one is needed, recursing into its
// dependencies first. It returns the job this action is satisfied by when
// that job is still to finish (newly created or already active), so the
// caller can wait on it; a nil job means the action's outputs already exist.
func (b *Builder) addJob(state *buildState, action string) (*models.Job, error) {
	if job, ok := state.byAction[action]; ok {
		return job, nil
	}

	existing := state.latest[action]
	if !shouldRun(existing, state.requested[action], state.req.ForceRunDependencies) {
		if existing != nil && existing.IsActive() {
			return existing, nil
		}
		return nil, nil
	}

	spec, err := state.proj.Action(action)
	if err != nil {
		return nil, err
	}
	command, err := spec.Command()
	if err != nil {
		return nil, err
	}

	now := b.now()
	job := &models.Job{
		ID:                  models.NewJobID(state.req.ID, action),
		JobRequestID:        state.req.ID,
		State:               models.StatePending,
		RepoURL:             state.req.RepoURL,
		Commit:              state.req.Commit,
		Workspace:           state.req.Workspace,
		Action:              action,
		RequiresOutputsFrom: spec.Needs,
		RunCommand:          command,
		OutputSpec:          spec.FlattenedOutputSpec(),
		StatusMessage:       "Created",
		StatusCode:          models.CodeCreated,
		RequiresDB:          spec.IsDatabaseAction(),
		Backend:             state.req.Backend,
		CreatedAt:           now.Unix(),
		UpdatedAt:           now.Unix(),
		StatusCodeUpdatedAt: now.UnixNano(),
	}
	if job.RequiresDB {
		job.DatabaseName = state.req.DatabaseName
		if job.DatabaseName == "" {
			job.DatabaseName = "default"
		}
	}

	// Register before recursing; the graph is already known acyclic but this
	// also deduplicates shared dependencies.
	state.byAction[action] = job
	state.jobs = append(state.jobs, job)

	for _, dep := range spec.Needs {
		waitFor, err := b.addJob(state, dep)
		if err != nil {
			return nil, err
		}
		if waitFor != nil {
			job.WaitForJobIDs = append(job.WaitForJobIDs, waitFor.ID)
		}
	}
	return job, nil
}

// shouldRun decides whether an action needs a fresh job. An already active
// job is always reused; beyond that, explicitly requested actions and failed
// previous runs rerun, successful previous runs do not unless dependencies
// are being force-run.
func shouldRun(existing *models.Job, requested, forceDependencies bool) bool {
	if existing != nil && existing.IsActive() {
		return false
	}
	if requested || forceDependencies {
		return true
	}
	if existing == nil {
		return true
	}
	return existing.State == models.StateFailed
}

func (b *Builder) validateRequest(req *models.JobRequest) error {
	if !slices.Contains(b.Config.Backends, req.Backend) {
		return &RequestError{Msg: fmt.Sprintf("Unknown backend %q", req.Backend)}
	}
	if req.Workspace == "" {
		return &RequestError{Msg: "Workspace name cannot be blank"}
	}
	if !workspacePattern.MatchString(req.Workspace) {
		return &RequestError{Msg: "Invalid workspace name: " + req.Workspace}
	}
	if len(req.RequestedActions) == 0 {
		return &RequestError{Msg: "At least one action must be requested"}
	}
	if req.RepoURL == "" || req.Commit == "" {
		return &RequestError{Msg: "Job request must specify a repo and commit"}
	}
	return nil
}

// terminalJob records the outcome of a request which produced no runnable
// jobs, so the result still reaches the user through the normal sync
// channel.
func (b *Builder) terminalJob(req *models.JobRequest, action string, state models.State, code models.StatusCode, message string) *models.Job {
	now := b.now()
	return &models.Job{
		ID:                  models.NewJobID(req.ID, action),
		JobRequestID:        req.ID,
		State:               state,
		RepoURL:             req.RepoURL,
		Commit:              req.Commit,
		Workspace:           req.Workspace,
		Action:              action,
		StatusMessage:       message,
		StatusCode:          code,
		Backend:             req.Backend,
		CreatedAt:           now.Unix(),
		UpdatedAt:           now.Unix(),
		CompletedAt:         now.Unix(),
		StatusCodeUpdatedAt: now.UnixNano(),
	}
}
