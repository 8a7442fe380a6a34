// Package container drives the docker (or podman) CLI for job execution.
//
// Job containers run detached with a bind-mounted workspace directory;
// database access is granted by leaving networking enabled, everything else
// runs with networking disabled.
package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strconv"
	"strings"
)

// LabelKey marks every object we create so cleanup can find them.
const LabelKey = "jobrunner-local"

// RunSpec describes a detached container run.
type RunSpec struct {
	Name  string
	Image string
	Args  []string
	Env   map[string]string

	// WorkspaceDir is bind-mounted at /workspace inside the container.
	WorkspaceDir string

	// Label value for LabelKey, used to find our containers later.
	Label string

	// AllowNetwork leaves networking enabled; jobs that do not talk to the
	// database get none.
	AllowNetwork bool

	CPUs   float64
	Memory string
}

// State is the subset of `docker inspect` output the executor cares about.
type State struct {
	Exists    bool
	Running   bool
	ExitCode  int
	OOMKilled bool
	Error     string
	Image     string
}

// CLI runs containers via the docker or podman command line.
type CLI struct {
	runtime string
}

// NewCLI creates a container CLI adapter for the given runtime binary.
func NewCLI(runtime string) *CLI {
	if runtime == "" {
		runtime = "docker"
	}
	return &CLI{runtime: runtime}
}

// RunDetached starts a container in the background and returns immediately.
func (c *CLI) RunDetached(ctx context.Context, spec RunSpec) error {
	if _, err := c.exec(ctx, runArgs(spec)...); err != nil {
		return fmt.Errorf("failed to start container %s: %w", spec.Name, err)
	}
	return nil
}

func runArgs(spec RunSpec) []string {
	args := []string{
		"run", "--detach", "--init",
		"--name", spec.Name,
		"--label", LabelKey + "=" + spec.Label,
		"--volume", spec.WorkspaceDir + ":/workspace",
		"--workdir", "/workspace",
	}
	if !spec.AllowNetwork {
		args = append(args, "--network", "none")
	}
	if spec.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(spec.CPUs, 'f', -1, 64))
	}
	if spec.Memory != "" {
		args = append(args, "--memory", spec.Memory)
	}
	for _, name := range sortedKeys(spec.Env) {
		args = append(args, "--env", name+"="+spec.Env[name])
	}
	args = append(args, spec.Image)
	args = append(args, spec.Args...)
	return args
}

// Inspect reports the current state of a container. A container that does
// not exist is not an error.
func (c *CLI) Inspect(ctx context.Context, name string) (State, error) {
	out, err := c.exec(ctx, "container", "inspect", "--format", "{{json .}}", name)
	if err != nil {
		if isNoSuchObject(err) {
			return State{Exists: false}, nil
		}
		return State{}, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}

	var inspect struct {
		Image string `json:"Image"`
		State struct {
			Running   bool   `json:"Running"`
			ExitCode  int    `json:"ExitCode"`
			OOMKilled bool   `json:"OOMKilled"`
			Error     string `json:"Error"`
		} `json:"State"`
	}
	if err := json.Unmarshal([]byte(out), &inspect); err != nil {
		return State{}, fmt.Errorf("failed to parse inspect output for %s: %w", name, err)
	}

	return State{
		Exists:    true,
		Running:   inspect.State.Running,
		ExitCode:  inspect.State.ExitCode,
		OOMKilled: inspect.State.OOMKilled,
		Error:     inspect.State.Error,
		Image:     inspect.Image,
	}, nil
}

// Kill terminates a running container. Killing a container that is already
// gone is not an error.
func (c *CLI) Kill(ctx context.Context, name string) error {
	if _, err := c.exec(ctx, "kill", name); err != nil && !isNoSuchObject(err) && !isNotRunning(err) {
		return fmt.Errorf("failed to kill container %s: %w", name, err)
	}
	return nil
}

// Remove deletes a container, forcing termination if needed. Removing a
// container that is already gone is not an error.
func (c *CLI) Remove(ctx context.Context, name string) error {
	if _, err := c.exec(ctx, "rm", "--force", name); err != nil && !isNoSuchObject(err) {
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return nil
}

// WriteLogs streams the container's combined output, with timestamps, into w.
func (c *CLI) WriteLogs(ctx context.Context, name string, w io.Writer) error {
	cmd := exec.CommandContext(ctx, c.runtime, "logs", "--timestamps", name)
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to fetch logs for container %s: %w", name, err)
	}
	return nil
}

// ListLabelled returns the names of all containers (running or not) carrying
// our label with the given value.
func (c *CLI) ListLabelled(ctx context.Context, label string) ([]string, error) {
	out, err := c.exec(ctx, "ps", "--all",
		"--filter", "label="+LabelKey+"="+label,
		"--format", "{{.Names}}")
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var names []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// ImageID resolves an image reference to its content digest, for recording
// exactly what ran.
func (c *CLI) ImageID(ctx context.Context, image string) (string, error) {
	out, err := c.exec(ctx, "image", "inspect", "--format", "{{.Id}}", image)
	if err != nil {
		if isNoSuchObject(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to inspect image %s: %w", image, err)
	}
	return strings.TrimSpace(out), nil
}

// RunCaptured runs a container to completion in the foreground and returns
// its stdout. Used for short probe commands, not jobs.
func (c *CLI) RunCaptured(ctx context.Context, image string, cmd []string, env map[string]string) (string, error) {
	args := []string{"run", "--rm"}
	for _, name := range sortedKeys(env) {
		args = append(args, "--env", name+"="+env[name])
	}
	args = append(args, image)
	args = append(args, cmd...)

	out, err := c.exec(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("failed to run %s: %w", image, err)
	}
	return out, nil
}

// Pull fetches an image from the registry.
func (c *CLI) Pull(ctx context.Context, image string) error {
	if _, err := c.exec(ctx, "pull", "--quiet", image); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	return nil
}

func (c *CLI) exec(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.runtime, args...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%s %s failed: %s",
				c.runtime, args[0], strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("%s %s failed: %w", c.runtime, args[0], err)
	}
	return string(out), nil
}

func isNoSuchObject(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such") || strings.Contains(msg, "not found")
}

func isNotRunning(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "is not running")
}

// sortedKeys gives deterministic argv ordering so logs and tests are stable.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
