package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opensafely-core/jobrunner/internal/config"
	"github.com/opensafely-core/jobrunner/internal/db"
	"github.com/opensafely-core/jobrunner/internal/git"
	"github.com/opensafely-core/jobrunner/internal/models"
)

const testProjectYAML = `
version: "4"
actions:
  generate_dataset:
    run: ehrql:v1 generate-dataset analysis/dataset_definition.py --output output/dataset.csv
    outputs:
      highly_sensitive:
        dataset: output/dataset.csv
  analyse:
    run: python:v2 analysis/analyse.py
    needs: [generate_dataset]
    outputs:
      moderately_sensitive:
        report: output/report.txt
`

// fakeRepos serves a fixed project.yaml, or a scripted error.
type fakeRepos struct {
	content []byte
	err     error
}

func (f *fakeRepos) ReadFile(ctx context.Context, repoURL, commit, path string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.content, nil
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func testConfig() *config.Controller {
	return &config.Controller{
		Common: config.Common{
			Backends:       []string{"tpp"},
			DockerRegistry: "ghcr.io/opensafely-core",
		},
		AllowedImages:           map[string]bool{"ehrql": true, "python": true},
		MaxWorkers:              map[string]int{"tpp": 10},
		MaxDBWorkers:            map[string]int{"tpp": 2},
		MaxTaskRetries:          3,
		MaintenancePollInterval: 5 * time.Minute,
		MaintenanceBackends:     map[string]bool{},
	}
}

func testBuilder(t *testing.T, repos ProjectReader) (*Builder, *db.Store, *fakeClock) {
	t.Helper()
	store, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	builder := &Builder{
		Store:  store,
		Repos:  repos,
		Config: testConfig(),
		Log:    zap.NewNop(),
		Now:    clock.Now,
	}
	return builder, store, clock
}

func newRequest(id string, actions ...string) *models.JobRequest {
	return &models.JobRequest{
		ID:               id,
		RepoURL:          "https://github.com/opensafely/study",
		Commit:           "abc123def",
		RequestedActions: actions,
		Workspace:        "testing",
		CodelistsOK:      true,
		Backend:          "tpp",
		Original:         []byte(`{}`),
	}
}

func expandRequest(t *testing.T, builder *Builder, store *db.Store, req *models.JobRequest) []*models.Job {
	t.Helper()
	require.NoError(t, store.UpsertJobRequest(req, builder.now().Unix()))
	require.NoError(t, builder.ExpandRequests(context.Background()))
	jobs, err := store.JobsForRequest(req.ID)
	require.NoError(t, err)
	return jobs
}

func jobByAction(t *testing.T, jobs []*models.Job, action string) *models.Job {
	t.Helper()
	for _, job := range jobs {
		if job.Action == action {
			return job
		}
	}
	t.Fatalf("no job for action %s", action)
	return nil
}

func TestBuilderCreatesJobsWithDependencies(t *testing.T) {
	builder, store, _ := testBuilder(t, &fakeRepos{content: []byte(testProjectYAML)})

	jobs := expandRequest(t, builder, store, newRequest("req1", "analyse"))
	require.Len(t, jobs, 2)

	analyse := jobByAction(t, jobs, "analyse")
	dataset := jobByAction(t, jobs, "generate_dataset")

	assert.Equal(t, models.StatePending, analyse.State)
	assert.Equal(t, models.CodeCreated, analyse.StatusCode)
	assert.Equal(t, []string{dataset.ID}, analyse.WaitForJobIDs)
	assert.Equal(t, []string{"generate_dataset"}, analyse.RequiresOutputsFrom)
	assert.Equal(t, []string{"python:v2", "analysis/analyse.py"}, analyse.RunCommand)
	assert.False(t, analyse.RequiresDB)

	assert.True(t, dataset.RequiresDB)
	assert.Equal(t, "default", dataset.DatabaseName)
	assert.Equal(t, map[string]string{"output/dataset.csv": "highly_sensitive"}, dataset.OutputSpec)

	// Requests expand exactly once.
	unexpanded, err := store.UnexpandedJobRequests()
	require.NoError(t, err)
	assert.Empty(t, unexpanded)
}

func TestBuilderRunAll(t *testing.T) {
	builder, store, _ := testBuilder(t, &fakeRepos{content: []byte(testProjectYAML)})

	jobs := expandRequest(t, builder, store, newRequest("req1", models.RunAllAction))
	assert.Len(t, jobs, 2)
}

func TestBuilderSkipsSucceededDependencies(t *testing.T) {
	builder, store, _ := testBuilder(t, &fakeRepos{content: []byte(testProjectYAML)})

	previous := &models.Job{
		ID:           "prev1",
		JobRequestID: "req0",
		State:        models.StateSucceeded,
		Workspace:    "testing",
		Action:       "generate_dataset",
		Backend:      "tpp",
		StatusCode:   models.CodeSucceeded,
		CreatedAt:    50,
	}
	require.NoError(t, store.InsertJob(previous))

	jobs := expandRequest(t, builder, store, newRequest("req1", "analyse"))
	require.Len(t, jobs, 1)
	assert.Equal(t, "analyse", jobs[0].Action)
	assert.Empty(t, jobs[0].WaitForJobIDs)
	// The dependency's outputs are still needed at task creation time.
	assert.Equal(t, []string{"generate_dataset"}, jobs[0].RequiresOutputsFrom)
}

func TestBuilderRerunsFailedDependencies(t *testing.T) {
	builder, store, _ := testBuilder(t, &fakeRepos{content: []byte(testProjectYAML)})

	previous := &models.Job{
		ID:           "prev1",
		JobRequestID: "req0",
		State:        models.StateFailed,
		Workspace:    "testing",
		Action:       "generate_dataset",
		Backend:      "tpp",
		StatusCode:   models.CodeNonzeroExit,
		CreatedAt:    50,
	}
	require.NoError(t, store.InsertJob(previous))

	jobs := expandRequest(t, builder, store, newRequest("req1", "analyse"))
	require.Len(t, jobs, 2)
	analyse := jobByAction(t, jobs, "analyse")
	dataset := jobByAction(t, jobs, "generate_dataset")
	assert.Equal(t, []string{dataset.ID}, analyse.WaitForJobIDs)
}

func TestBuilderWaitsOnActiveDependency(t *testing.T) {
	builder, store, _ := testBuilder(t, &fakeRepos{content: []byte(testProjectYAML)})

	active := &models.Job{
		ID:           "active1",
		JobRequestID: "req0",
		State:        models.StateRunning,
		Workspace:    "testing",
		Action:       "generate_dataset",
		Backend:      "tpp",
		StatusCode:   models.CodeExecuting,
		CreatedAt:    50,
	}
	require.NoError(t, store.InsertJob(active))

	jobs := expandRequest(t, builder, store, newRequest("req1", "analyse"))
	require.Len(t, jobs, 1)
	assert.Equal(t, []string{"active1"}, jobs[0].WaitForJobIDs)
}

func TestBuilderNothingToDoIsSuccess(t *testing.T) {
	builder, store, _ := testBuilder(t, &fakeRepos{content: []byte(testProjectYAML)})

	active := &models.Job{
		ID:           "active1",
		JobRequestID: "req0",
		State:        models.StateRunning,
		Workspace:    "testing",
		Action:       "analyse",
		Backend:      "tpp",
		StatusCode:   models.CodeExecuting,
		CreatedAt:    50,
	}
	require.NoError(t, store.InsertJob(active))
	// The dependency already succeeded, so nothing at all needs to run.
	previous := &models.Job{
		ID:           "prev1",
		JobRequestID: "req0",
		State:        models.StateSucceeded,
		Workspace:    "testing",
		Action:       "generate_dataset",
		Backend:      "tpp",
		StatusCode:   models.CodeSucceeded,
		CreatedAt:    40,
	}
	require.NoError(t, store.InsertJob(previous))

	jobs := expandRequest(t, builder, store, newRequest("req1", "analyse"))
	require.Len(t, jobs, 1)
	assert.Equal(t, models.StateSucceeded, jobs[0].State)
	assert.Equal(t, models.CodeSucceeded, jobs[0].StatusCode)
	assert.Equal(t, "analyse", jobs[0].Action)
	assert.Equal(t, "All actions have already run", jobs[0].StatusMessage)
}

func TestBuilderStaleCodelists(t *testing.T) {
	builder, store, _ := testBuilder(t, &fakeRepos{content: []byte(testProjectYAML)})

	req := newRequest("req1", "generate_dataset")
	req.CodelistsOK = false

	jobs := expandRequest(t, builder, store, req)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.StateFailed, jobs[0].State)
	assert.Equal(t, models.CodeStaleCodelists, jobs[0].StatusCode)
	assert.Equal(t, models.ErrorAction, jobs[0].Action)
}

func TestBuilderInvalidRequest(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.JobRequest)
	}{
		{"bad workspace", func(r *models.JobRequest) { r.Workspace = "not/a/workspace" }},
		{"blank workspace", func(r *models.JobRequest) { r.Workspace = "" }},
		{"unknown backend", func(r *models.JobRequest) { r.Backend = "emis" }},
		{"no actions", func(r *models.JobRequest) { r.RequestedActions = nil }},
		{"no commit", func(r *models.JobRequest) { r.Commit = "" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			builder, store, _ := testBuilder(t, &fakeRepos{content: []byte(testProjectYAML)})
			req := newRequest("req1", "analyse")
			tc.mutate(req)

			require.NoError(t, store.UpsertJobRequest(req, 100))
			require.NoError(t, builder.ExpandRequests(context.Background()))

			jobs, err := store.JobsForRequest(req.ID)
			require.NoError(t, err)
			require.Len(t, jobs, 1)
			assert.Equal(t, models.StateFailed, jobs[0].State)
			assert.Equal(t, models.CodeInternalError, jobs[0].StatusCode)
			assert.Equal(t, models.ErrorAction, jobs[0].Action)
			assert.NotEmpty(t, jobs[0].StatusMessage)
		})
	}
}

func TestBuilderMissingProjectFile(t *testing.T) {
	builder, store, _ := testBuilder(t,
		&fakeRepos{err: &git.FileNotFoundError{Path: "project.yaml"}})

	jobs := expandRequest(t, builder, store, newRequest("req1", "analyse"))
	require.Len(t, jobs, 1)
	assert.Equal(t, models.StateFailed, jobs[0].State)
	assert.Equal(t, "No project.yaml file found in this commit", jobs[0].StatusMessage)
}

func TestBuilderUnknownAction(t *testing.T) {
	builder, store, _ := testBuilder(t, &fakeRepos{content: []byte(testProjectYAML)})

	jobs := expandRequest(t, builder, store, newRequest("req1", "no_such_action"))
	require.Len(t, jobs, 1)
	assert.Equal(t, models.StateFailed, jobs[0].State)
	assert.Equal(t, models.CodeInternalError, jobs[0].StatusCode)
}

func TestBuilderTransientErrorLeavesRequestUnexpanded(t *testing.T) {
	builder, store, _ := testBuilder(t, &fakeRepos{err: errors.New("network unreachable")})

	req := newRequest("req1", "analyse")
	require.NoError(t, store.UpsertJobRequest(req, 100))
	require.NoError(t, builder.ExpandRequests(context.Background()))

	jobs, err := store.JobsForRequest(req.ID)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	unexpanded, err := store.UnexpandedJobRequests()
	require.NoError(t, err)
	assert.Len(t, unexpanded, 1)
}

func TestBuilderForceRunDependencies(t *testing.T) {
	builder, store, _ := testBuilder(t, &fakeRepos{content: []byte(testProjectYAML)})

	previous := &models.Job{
		ID:           "prev1",
		JobRequestID: "req0",
		State:        models.StateSucceeded,
		Workspace:    "testing",
		Action:       "generate_dataset",
		Backend:      "tpp",
		StatusCode:   models.CodeSucceeded,
		CreatedAt:    50,
	}
	require.NoError(t, store.InsertJob(previous))

	req := newRequest("req1", "analyse")
	req.ForceRunDependencies = true
	jobs := expandRequest(t, builder, store, req)
	assert.Len(t, jobs, 2)
}
