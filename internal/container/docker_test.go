package container

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunArgs(t *testing.T) {
	spec := RunSpec{
		Name:         "os-job-abc",
		Image:        "ghcr.io/opensafely-core/ehrql:v1",
		Args:         []string{"generate-dataset", "analysis/dataset.py"},
		Env:          map[string]string{"B": "2", "A": "1"},
		WorkspaceDir: "/srv/work/abc",
		Label:        "tpp",
		AllowNetwork: true,
		CPUs:         2,
		Memory:       "4g",
	}

	args := runArgs(spec)
	joined := strings.Join(args, " ")

	assert.Equal(t, "run", args[0])
	assert.Contains(t, joined, "--name os-job-abc")
	assert.Contains(t, joined, "--label "+LabelKey+"=tpp")
	assert.Contains(t, joined, "--volume /srv/work/abc:/workspace")
	assert.Contains(t, joined, "--cpus 2")
	assert.Contains(t, joined, "--memory 4g")
	assert.NotContains(t, joined, "--network none", "db jobs keep networking")

	// Env vars come out in sorted order.
	assert.Contains(t, joined, "--env A=1 --env B=2")

	// Image then command last.
	assert.Equal(t,
		[]string{"ghcr.io/opensafely-core/ehrql:v1", "generate-dataset", "analysis/dataset.py"},
		args[len(args)-3:])
}

func TestRunArgs_NetworkDisabledByDefault(t *testing.T) {
	args := runArgs(RunSpec{Name: "n", Image: "python:latest", WorkspaceDir: "/d"})
	assert.Contains(t, strings.Join(args, " "), "--network none")
}

func TestIsNoSuchObject(t *testing.T) {
	assert.True(t, isNoSuchObject(errors.New("Error: No such container: foo")))
	assert.True(t, isNoSuchObject(errors.New("Error: no such image")))
	assert.True(t, isNoSuchObject(errors.New("container foo not found")))
	assert.False(t, isNoSuchObject(errors.New("permission denied")))
}

func TestIsNotRunning(t *testing.T) {
	assert.True(t, isNotRunning(errors.New("Error: Container abc is not running")))
	assert.False(t, isNotRunning(errors.New("no such container")))
}
