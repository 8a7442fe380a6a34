package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeEnv(vars map[string]string) func(string) string {
	return func(name string) string { return vars[name] }
}

func TestLoadController_Defaults(t *testing.T) {
	cfg, err := LoadController(fakeEnv(map[string]string{
		"BACKENDS":             "tpp",
		"TPP_JOB_SERVER_TOKEN": "secret",
		"TPP_TASK_API_TOKEN":   "agent-secret",
	}))
	require.NoError(t, err)

	assert.Equal(t, []string{"tpp"}, cfg.Backends)
	assert.Equal(t, 5*time.Second, cfg.JobLoopInterval)
	assert.Equal(t, 30*time.Second, cfg.SyncInterval)
	assert.Equal(t, 10, cfg.MaxWorkers["tpp"])
	assert.Equal(t, 10, cfg.MaxDBWorkers["tpp"], "db workers default to worker cap")
	assert.Equal(t, 3, cfg.MaxTaskRetries)
	assert.Equal(t, "secret", cfg.JobServerTokens["tpp"])
	assert.Equal(t, "agent-secret", cfg.TaskAPITokens["tpp"])
	assert.True(t, cfg.AllowedImages["ehrql"])
}

func TestLoadController_PerBackendOverrides(t *testing.T) {
	cfg, err := LoadController(fakeEnv(map[string]string{
		"BACKENDS":              "tpp,emis",
		"TPP_JOB_SERVER_TOKEN":  "t1",
		"EMIS_JOB_SERVER_TOKEN": "t2",
		"TPP_TASK_API_TOKEN":    "a1",
		"EMIS_TASK_API_TOKEN":   "a2",
		"TPP_MAX_WORKERS":       "4",
		"TPP_MAX_DB_WORKERS":    "2",
		"TPP_JOB_MEMORY_LIMIT":  "16g",
		"TPP_JOB_CPU_COUNT":     "2.5",
	}))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.MaxWorkers["tpp"])
	assert.Equal(t, 2, cfg.MaxDBWorkers["tpp"])
	assert.Equal(t, 10, cfg.MaxWorkers["emis"])
	assert.Equal(t, "16g", cfg.JobMemoryLimit["tpp"])
	assert.Equal(t, 2.5, cfg.JobCPUCount["tpp"])
}

func TestLoadController_ClientTokens(t *testing.T) {
	cfg, err := LoadController(fakeEnv(map[string]string{
		"BACKENDS":              "tpp,emis",
		"TPP_JOB_SERVER_TOKEN":  "t1",
		"EMIS_JOB_SERVER_TOKEN": "t2",
		"TPP_TASK_API_TOKEN":    "a1",
		"EMIS_TASK_API_TOKEN":   "a2",
		"TPP_CLIENT_TOKENS":     "alpha,beta",
		"EMIS_CLIENT_TOKENS":    "alpha",
	}))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"tpp", "emis"}, cfg.ClientTokens["alpha"])
	assert.Equal(t, []string{"tpp"}, cfg.ClientTokens["beta"])
}

func TestLoadController_MissingBackends(t *testing.T) {
	_, err := LoadController(fakeEnv(nil))
	require.Error(t, err)

	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "BACKENDS", cfgErr.Var)
}

func TestLoadController_MissingToken(t *testing.T) {
	_, err := LoadController(fakeEnv(map[string]string{"BACKENDS": "tpp"}))
	require.Error(t, err)

	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "TPP_JOB_SERVER_TOKEN", cfgErr.Var)
}

func TestLoadController_MissingTaskAPIToken(t *testing.T) {
	_, err := LoadController(fakeEnv(map[string]string{
		"BACKENDS":             "tpp",
		"TPP_JOB_SERVER_TOKEN": "secret",
	}))
	require.Error(t, err)

	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "TPP_TASK_API_TOKEN", cfgErr.Var)
}

func TestLoadController_IntervalAsSeconds(t *testing.T) {
	cfg, err := LoadController(fakeEnv(map[string]string{
		"BACKENDS":             "tpp",
		"TPP_JOB_SERVER_TOKEN": "x",
		"TPP_TASK_API_TOKEN":   "y",
		"JOB_LOOP_INTERVAL":    "2",
		"SYNC_INTERVAL":        "45s",
	}))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.JobLoopInterval)
	assert.Equal(t, 45*time.Second, cfg.SyncInterval)
}

func TestLoadAgent(t *testing.T) {
	cfg, err := LoadAgent(fakeEnv(map[string]string{
		"BACKEND":                   "tpp",
		"TASK_API_ENDPOINT":         "http://controller:8000",
		"TASK_API_TOKEN":            "token",
		"HIGH_PRIVACY_STORAGE_BASE": "/srv/high",
		"MEDIUM_PRIVACY_STORAGE_BASE": "/srv/medium",
		"DATABASE_URLS":             "default=mssql://db/one,full=mssql://db/two",
	}))
	require.NoError(t, err)

	assert.Equal(t, "tpp", cfg.Backend)
	assert.Equal(t, "/srv/high", cfg.HighPrivacyDir)
	assert.Equal(t, "mssql://db/one", cfg.DatabaseURLs["default"])
	assert.Equal(t, "mssql://db/two", cfg.DatabaseURLs["full"])
	assert.True(t, cfg.CleanUpDockerObjects)
	assert.Equal(t, "docker", cfg.DockerRuntime)
}

func TestLoadAgent_MissingRequired(t *testing.T) {
	cases := []struct {
		name string
		vars map[string]string
		want string
	}{
		{"backend", map[string]string{}, "BACKEND"},
		{"endpoint", map[string]string{"BACKEND": "tpp"}, "TASK_API_ENDPOINT"},
		{
			"token",
			map[string]string{"BACKEND": "tpp", "TASK_API_ENDPOINT": "http://c"},
			"TASK_API_TOKEN",
		},
		{
			"storage",
			map[string]string{"BACKEND": "tpp", "TASK_API_ENDPOINT": "http://c", "TASK_API_TOKEN": "t"},
			"HIGH_PRIVACY_STORAGE_BASE",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadAgent(fakeEnv(tc.vars))
			var cfgErr *Error
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tc.want, cfgErr.Var)
		})
	}
}
