// Package config loads deployment configuration from the environment.
//
// Configuration is read once at startup and treated as immutable; changing
// any of it requires a restart. Validation failures are fatal: a process
// with a broken configuration must not come up half-working.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Common holds settings shared by the controller and agent processes.
type Common struct {
	// Backends is the list of backend identifiers this deployment knows
	// about. For the controller this is every backend it owns; for an agent
	// it contains just its own backend.
	Backends []string

	// JobLoopInterval is the tick interval of the scheduler and agent loops.
	JobLoopInterval time.Duration

	// DockerRegistry is prepended to image names from the pipeline.
	DockerRegistry string
}

// Controller holds controller-process settings.
type Controller struct {
	Common

	// DatabaseFile is the path of the embedded SQLite database.
	DatabaseFile string

	// BindAddr is the listen address of the HTTP API.
	BindAddr string

	// JobServerEndpoint is the base URL of the external job-server API.
	JobServerEndpoint string

	// JobServerTokens maps backend -> token for outbound sync requests to the
	// job-server.
	JobServerTokens map[string]string

	// TaskAPITokens maps backend -> token its agent must present on task API
	// requests. Distinct from the job-server credential: the two cross
	// different trust boundaries.
	TaskAPITokens map[string]string

	// ClientTokens maps client token -> backends it may query via the RAP
	// endpoints.
	ClientTokens map[string][]string

	// SyncInterval is the tick interval of the job-server sync loop.
	SyncInterval time.Duration

	// MaintenancePollInterval is the minimum gap between DBSTATUS probes.
	MaintenancePollInterval time.Duration

	// MaintenanceBackends is the set of backends whose database supports
	// maintenance-mode probing.
	MaintenanceBackends map[string]bool

	// MaxWorkers and MaxDBWorkers cap concurrent executing jobs per backend.
	MaxWorkers   map[string]int
	MaxDBWorkers map[string]int

	// MaxTaskRetries bounds how many fresh RUNJOB tasks the controller will
	// issue for a job after non-fatal task errors.
	MaxTaskRetries int

	// JobCPUCount and JobMemoryLimit are per-backend container resource
	// limits passed through to job definitions.
	JobCPUCount    map[string]float64
	JobMemoryLimit map[string]string

	// PrivateRepoToken authenticates git fetches of private study repos.
	PrivateRepoToken string

	// GitRepoDir caches fetched study repositories.
	GitRepoDir string

	// AllowedImages is the set of image names actions may run.
	AllowedImages map[string]bool
}

// Agent holds agent-process settings.
type Agent struct {
	Common

	// Backend is the single backend this agent serves.
	Backend string

	// TaskAPIEndpoint is the controller's task API base URL.
	TaskAPIEndpoint string

	// TaskAPIToken authenticates this agent to the controller.
	TaskAPIToken string

	// HighPrivacyDir and MediumPrivacyDir are the storage bases for the two
	// output privacy levels.
	HighPrivacyDir   string
	MediumPrivacyDir string

	// DatabaseURLs maps database name -> connection string, injected into DB
	// jobs at execution time and never written to the task store.
	DatabaseURLs map[string]string

	// UsingDummyDataBackend disables database secret injection entirely.
	UsingDummyDataBackend bool

	// DBStatusImage is the database utils image used to probe maintenance
	// mode. Empty disables DBSTATUS handling on this agent.
	DBStatusImage string

	// GitRepoDir caches fetched study repositories.
	GitRepoDir string

	// PrivateRepoToken authenticates git fetches of private study repos.
	PrivateRepoToken string

	// DockerRuntime selects the container CLI, "docker" unless overridden.
	DockerRuntime string

	// CleanUpDockerObjects can be disabled to leave containers and volumes
	// in place for debugging.
	CleanUpDockerObjects bool
}

// Error reports an invalid or missing configuration value.
type Error struct {
	Var    string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Var, e.Reason)
}

const (
	defaultJobLoopInterval = 5 * time.Second
	defaultSyncInterval    = 30 * time.Second
	defaultMaintenancePoll = 5 * time.Minute
	defaultMaxWorkers      = 10
	defaultMaxTaskRetries  = 3
	defaultDockerRegistry  = "ghcr.io/opensafely-core"
)

// defaultAllowedImages is the fixed set of run-command prefixes a pipeline
// may reference.
var defaultAllowedImages = []string{"ehrql", "stata-mp", "r", "jupyter", "python", "sqlrunner"}

// LoadController builds controller configuration from the environment.
func LoadController(getenv func(string) string) (*Controller, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	common, err := loadCommon(getenv)
	if err != nil {
		return nil, err
	}

	cfg := &Controller{
		Common:            *common,
		DatabaseFile:      envDefault(getenv, "DATABASE_FILE", "jobrunner.sqlite"),
		BindAddr:          envDefault(getenv, "CONTROLLER_BIND_ADDR", ":8000"),
		JobServerEndpoint: envDefault(getenv, "JOB_SERVER_ENDPOINT", "https://jobs.opensafely.org/api/v2/"),
		JobServerTokens:   make(map[string]string),
		TaskAPITokens:     make(map[string]string),
		ClientTokens:      make(map[string][]string),
		MaxWorkers:        make(map[string]int),
		MaxDBWorkers:      make(map[string]int),
		JobCPUCount:       make(map[string]float64),
		JobMemoryLimit:    make(map[string]string),
		PrivateRepoToken:  getenv("PRIVATE_REPO_ACCESS_TOKEN"),
		GitRepoDir:        envDefault(getenv, "GIT_REPO_DIR", "repos"),
		AllowedImages:     make(map[string]bool),
	}

	for _, image := range defaultAllowedImages {
		cfg.AllowedImages[image] = true
	}

	cfg.SyncInterval, err = envDuration(getenv, "SYNC_INTERVAL", defaultSyncInterval)
	if err != nil {
		return nil, err
	}
	cfg.MaintenancePollInterval, err = envDuration(getenv, "MAINTENANCE_POLL_INTERVAL", defaultMaintenancePoll)
	if err != nil {
		return nil, err
	}
	cfg.MaxTaskRetries, err = envInt(getenv, "MAX_TASK_RETRIES", defaultMaxTaskRetries)
	if err != nil {
		return nil, err
	}

	cfg.MaintenanceBackends = make(map[string]bool)
	for _, backend := range splitList(getenv("MAINTENANCE_ENABLED_BACKENDS")) {
		cfg.MaintenanceBackends[backend] = true
	}

	for _, backend := range cfg.Backends {
		prefix := strings.ToUpper(strings.ReplaceAll(backend, "-", "_"))

		token := getenv(prefix + "_JOB_SERVER_TOKEN")
		if token == "" {
			return nil, &Error{Var: prefix + "_JOB_SERVER_TOKEN", Reason: "must be set for backend " + backend}
		}
		cfg.JobServerTokens[backend] = token

		taskToken := getenv(prefix + "_TASK_API_TOKEN")
		if taskToken == "" {
			return nil, &Error{Var: prefix + "_TASK_API_TOKEN", Reason: "must be set for backend " + backend}
		}
		cfg.TaskAPITokens[backend] = taskToken

		for _, clientToken := range splitList(getenv(prefix + "_CLIENT_TOKENS")) {
			cfg.ClientTokens[clientToken] = append(cfg.ClientTokens[clientToken], backend)
		}

		workers, err := envInt(getenv, prefix+"_MAX_WORKERS", defaultMaxWorkers)
		if err != nil {
			return nil, err
		}
		cfg.MaxWorkers[backend] = workers

		dbWorkers, err := envInt(getenv, prefix+"_MAX_DB_WORKERS", workers)
		if err != nil {
			return nil, err
		}
		cfg.MaxDBWorkers[backend] = dbWorkers

		if v := getenv(prefix + "_JOB_CPU_COUNT"); v != "" {
			cpu, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, &Error{Var: prefix + "_JOB_CPU_COUNT", Reason: "not a number: " + v}
			}
			cfg.JobCPUCount[backend] = cpu
		}
		if v := getenv(prefix + "_JOB_MEMORY_LIMIT"); v != "" {
			cfg.JobMemoryLimit[backend] = v
		}
	}

	return cfg, nil
}

// LoadAgent builds agent configuration from the environment.
func LoadAgent(getenv func(string) string) (*Agent, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	backend := getenv("BACKEND")
	if backend == "" {
		return nil, &Error{Var: "BACKEND", Reason: "must be set"}
	}

	common, err := loadCommonBackends(getenv, []string{backend})
	if err != nil {
		return nil, err
	}

	cfg := &Agent{
		Common:           *common,
		Backend:          backend,
		TaskAPIEndpoint:  getenv("TASK_API_ENDPOINT"),
		TaskAPIToken:     getenv("TASK_API_TOKEN"),
		HighPrivacyDir:   getenv("HIGH_PRIVACY_STORAGE_BASE"),
		MediumPrivacyDir: getenv("MEDIUM_PRIVACY_STORAGE_BASE"),
		DatabaseURLs:     make(map[string]string),
		DBStatusImage:    getenv("DB_STATUS_IMAGE"),
		GitRepoDir:       envDefault(getenv, "GIT_REPO_DIR", "repos"),
		PrivateRepoToken: getenv("PRIVATE_REPO_ACCESS_TOKEN"),
		DockerRuntime:    envDefault(getenv, "DOCKER_RUNTIME", "docker"),
	}

	if cfg.TaskAPIEndpoint == "" {
		return nil, &Error{Var: "TASK_API_ENDPOINT", Reason: "must be set"}
	}
	if cfg.TaskAPIToken == "" {
		return nil, &Error{Var: "TASK_API_TOKEN", Reason: "must be set"}
	}
	if cfg.HighPrivacyDir == "" {
		return nil, &Error{Var: "HIGH_PRIVACY_STORAGE_BASE", Reason: "must be set"}
	}

	if url := getenv("DEFAULT_DATABASE_URL"); url != "" {
		cfg.DatabaseURLs["default"] = url
	}
	for _, pair := range splitList(getenv("DATABASE_URLS")) {
		name, url, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, &Error{Var: "DATABASE_URLS", Reason: "expected name=url pairs, got " + pair}
		}
		cfg.DatabaseURLs[name] = url
	}

	cfg.UsingDummyDataBackend = envBool(getenv, "USING_DUMMY_DATA_BACKEND")
	cfg.CleanUpDockerObjects = !envBool(getenv, "KEEP_DOCKER_OBJECTS")

	return cfg, nil
}

func loadCommon(getenv func(string) string) (*Common, error) {
	backends := splitList(getenv("BACKENDS"))
	if len(backends) == 0 {
		return nil, &Error{Var: "BACKENDS", Reason: "must list at least one backend"}
	}
	return loadCommonBackends(getenv, backends)
}

func loadCommonBackends(getenv func(string) string, backends []string) (*Common, error) {
	interval, err := envDuration(getenv, "JOB_LOOP_INTERVAL", defaultJobLoopInterval)
	if err != nil {
		return nil, err
	}
	return &Common{
		Backends:        backends,
		JobLoopInterval: interval,
		DockerRegistry:  envDefault(getenv, "DOCKER_REGISTRY", defaultDockerRegistry),
	}, nil
}

func envDefault(getenv func(string) string, name, def string) string {
	if v := getenv(name); v != "" {
		return v
	}
	return def
}

func envDuration(getenv func(string) string, name string, def time.Duration) (time.Duration, error) {
	v := getenv(name)
	if v == "" {
		return def, nil
	}
	// Accept both plain seconds and Go duration syntax.
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, &Error{Var: name, Reason: "not a duration: " + v}
	}
	return d, nil
}

func envInt(getenv func(string) string, name string, def int) (int, error) {
	v := getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &Error{Var: name, Reason: "not an integer: " + v}
	}
	return n, nil
}

func envBool(getenv func(string) string, name string) bool {
	switch strings.ToLower(getenv(name)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
