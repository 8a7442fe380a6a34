package agent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/opensafely-core/jobrunner/internal/models"
)

// statusRunner is the slice of the container runtime the probe needs.
type statusRunner interface {
	RunCaptured(ctx context.Context, image string, cmd []string, env map[string]string) (string, error)
}

// DBStatusProber answers DBSTATUS tasks.
type DBStatusProber interface {
	Probe(ctx context.Context, task models.AgentTask) models.DBStatusResults
}

// DockerDBStatus probes database maintenance mode by running the database
// utils image against the real database.
type DockerDBStatus struct {
	Containers statusRunner

	// Image is the database utils image to run, including tag.
	Image string

	// DatabaseURLs maps database name to DSN, as for job execution.
	DatabaseURLs map[string]string

	Log *zap.Logger
}

// allowedStatuses is the closed set of statuses the probe may report. The
// probe container talks to the database, so its output is untrusted and
// anything outside this set is treated as a probe failure rather than
// forwarded to the controller.
var allowedStatuses = map[string]bool{
	"":                         true,
	models.DBMaintenanceStatus: true,
}

// Probe runs the in_maintenance_mode command and returns its verdict. Errors
// are reported in the results rather than returned: a DBSTATUS task is
// always completed in one shot.
func (p *DockerDBStatus) Probe(ctx context.Context, task models.AgentTask) models.DBStatusResults {
	dbURL, ok := p.DatabaseURLs["default"]
	if !ok || dbURL == "" {
		return models.DBStatusResults{Error: "no default database configured"}
	}

	out, err := p.Containers.RunCaptured(ctx, p.Image,
		[]string{"in_maintenance_mode"},
		map[string]string{"DATABASE_URL": dbURL})
	if err != nil {
		p.Log.Error("db status probe failed", zap.String("task", task.ID), zap.Error(err))
		return models.DBStatusResults{Error: fmt.Sprintf("failed to run status probe: %v", err)}
	}

	status := lastLine(out)
	if !allowedStatuses[status] {
		p.Log.Error("db status probe returned unexpected status",
			zap.String("task", task.ID), zap.String("status", status))
		return models.DBStatusResults{Error: fmt.Sprintf("unexpected status %q from probe", status)}
	}

	p.Log.Info("db status probe complete",
		zap.String("task", task.ID), zap.String("status", status))
	return models.DBStatusResults{Status: status}
}

func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
