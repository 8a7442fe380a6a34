// Package pipeline parses and validates project.yaml files.
//
// A pipeline declares named actions, each with a run command, optional
// dependencies on other actions, and an output specification keyed by privacy
// level. The controller turns validated actions into jobs; nothing in this
// package touches the database or the network.
package pipeline

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// RunAll is the pseudo-action meaning "every action in the pipeline".
const RunAll = "run_all"

// Privacy levels an output spec may use.
const (
	PrivacyHigh   = "highly_sensitive"
	PrivacyMedium = "moderately_sensitive"
)

// ValidationError describes a problem with a project.yaml file. The message
// is shown directly to study authors, so it names the offending action or
// output rather than a file position.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "invalid project.yaml: " + e.Message
}

// UnknownActionError is returned when a requested action does not exist in
// the pipeline.
type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("action %q not found in project.yaml", e.Action)
}

// Pipeline is a parsed and validated project.yaml.
type Pipeline struct {
	Version Version            `yaml:"version"`
	Actions map[string]*Action `yaml:"actions"`
}

// Version is the project.yaml format version. Study authors write it both
// quoted and bare, so it parses from any scalar that looks like a number.
type Version float64

func (v *Version) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := strconv.ParseFloat(node.Value, 64)
	if err != nil {
		return fmt.Errorf("invalid version %q", node.Value)
	}
	*v = Version(parsed)
	return nil
}

// Action is one named step of a pipeline.
type Action struct {
	// Run is the raw run command: an image name with version tag followed by
	// arguments, e.g. "ehrql:v1 generate-dataset analysis/dataset.py".
	Run string `yaml:"run"`

	// Needs lists actions whose outputs this action consumes.
	Needs []string `yaml:"needs"`

	// Outputs maps privacy level -> output name -> file glob pattern.
	Outputs map[string]map[string]string `yaml:"outputs"`

	// Config is an arbitrary mapping serialized to JSON and appended to the
	// run command as a --config argument.
	Config map[string]any `yaml:"config"`
}

// dbImages are the images which talk to the backend database; actions
// running them are subject to the db-worker cap and maintenance windows.
var dbImages = map[string]bool{
	"ehrql":     true,
	"sqlrunner": true,
}

// Load parses and validates a project.yaml file.
func Load(data []byte, allowedImages map[string]bool) (*Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, &ValidationError{Message: "not valid YAML: " + err.Error()}
	}
	if err := p.validate(allowedImages); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Pipeline) validate(allowedImages map[string]bool) error {
	if p.Version == 0 {
		return &ValidationError{Message: "a `version` is required"}
	}
	if len(p.Actions) == 0 {
		return &ValidationError{Message: "at least one action is required"}
	}
	if _, ok := p.Actions[RunAll]; ok {
		return &ValidationError{Message: "`run_all` is a reserved action name"}
	}

	seenOutputs := make(map[string]string)
	for _, name := range p.ActionNames() {
		action := p.Actions[name]
		if err := validateAction(name, action, allowedImages); err != nil {
			return err
		}
		for _, patterns := range action.Outputs {
			for _, pattern := range patterns {
				if other, dup := seenOutputs[pattern]; dup && other != name {
					return &ValidationError{Message: fmt.Sprintf(
						"output %q is produced by both %q and %q", pattern, other, name)}
				}
				seenOutputs[pattern] = name
			}
		}
	}

	// Needs must reference real actions and form a DAG.
	if _, err := NewGraph(p); err != nil {
		return err
	}
	return nil
}

func validateAction(name string, action *Action, allowedImages map[string]bool) error {
	if action == nil || action.Run == "" {
		return &ValidationError{Message: fmt.Sprintf("action %q has no run command", name)}
	}

	image, _, err := splitRun(action.Run)
	if err != nil {
		return &ValidationError{Message: fmt.Sprintf("action %q: %v", name, err)}
	}
	base, tag, ok := strings.Cut(image, ":")
	if !ok || tag == "" {
		return &ValidationError{Message: fmt.Sprintf(
			"action %q must specify a version for image %q, e.g. %s:v1", name, image, image)}
	}
	if !allowedImages[base] {
		return &ValidationError{Message: fmt.Sprintf(
			"action %q uses unsupported image %q", name, base)}
	}

	if len(action.Outputs) == 0 {
		return &ValidationError{Message: fmt.Sprintf("action %q has no outputs", name)}
	}
	for level, patterns := range action.Outputs {
		if level != PrivacyHigh && level != PrivacyMedium {
			return &ValidationError{Message: fmt.Sprintf(
				"action %q: %q is not a valid privacy level (must be %s or %s)",
				name, level, PrivacyHigh, PrivacyMedium)}
		}
		for outputName, pattern := range patterns {
			if err := validateOutputPath(pattern); err != nil {
				return &ValidationError{Message: fmt.Sprintf(
					"action %q output %q: %v", name, outputName, err)}
			}
		}
	}
	return nil
}

// validateOutputPath rejects patterns which could escape the job's workspace
// directory.
func validateOutputPath(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty path")
	}
	if strings.HasPrefix(pattern, "/") || strings.Contains(pattern, ":") {
		return fmt.Errorf("path %q must be relative", pattern)
	}
	for _, part := range strings.Split(path.Clean(pattern), "/") {
		if part == ".." {
			return fmt.Errorf("path %q must not contain '..'", pattern)
		}
	}
	return nil
}

// ActionNames returns every action name in sorted order.
func (p *Pipeline) ActionNames() []string {
	names := make([]string, 0, len(p.Actions))
	for name := range p.Actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Action returns the named action or an UnknownActionError.
func (p *Pipeline) Action(name string) (*Action, error) {
	action, ok := p.Actions[name]
	if !ok {
		return nil, &UnknownActionError{Action: name}
	}
	return action, nil
}

// ImageName returns the image part of the run command without its version
// tag.
func (a *Action) ImageName() string {
	image, _, err := splitRun(a.Run)
	if err != nil {
		return ""
	}
	base, _, _ := strings.Cut(image, ":")
	return base
}

// IsDatabaseAction reports whether this action's image gets database access.
func (a *Action) IsDatabaseAction() bool {
	return dbImages[a.ImageName()]
}

// Command returns the full run command as an argv slice, image first. The
// optional config mapping is appended as a --config JSON argument so tools
// with structured configuration do not need to squeeze it into flags.
func (a *Action) Command() ([]string, error) {
	parts, err := splitCommand(a.Run)
	if err != nil {
		return nil, err
	}
	if len(a.Config) > 0 {
		cfg, err := json.Marshal(a.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize action config: %w", err)
		}
		parts = append(parts, "--config", string(cfg))
	}
	return parts, nil
}

// FlattenedOutputSpec maps every output glob pattern to its privacy level,
// which is the shape the rest of the system works with.
func (a *Action) FlattenedOutputSpec() map[string]string {
	spec := make(map[string]string)
	for level, patterns := range a.Outputs {
		for _, pattern := range patterns {
			spec[pattern] = level
		}
	}
	return spec
}

func splitRun(run string) (image string, args []string, err error) {
	parts, err := splitCommand(run)
	if err != nil {
		return "", nil, err
	}
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("empty run command")
	}
	return parts[0], parts[1:], nil
}
