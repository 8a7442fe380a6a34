package executor

import (
	"os"
	"path/filepath"
	"time"
)

// metadataDirName is the directory inside each workspace holding action logs.
const metadataDirName = "metadata"

// timestampFile marks a job volume as fully prepared; its content is the
// preparation time in nanoseconds.
const timestampFile = ".opensafely-timestamp"

// ContainerName returns the container name for a job.
func ContainerName(jobID string) string {
	return "os-job-" + jobID
}

func (l *Local) highPrivacyWorkspace(workspace string) string {
	return filepath.Join(l.HighPrivacyDir, "workspaces", workspace)
}

func (l *Local) mediumPrivacyWorkspace(workspace string) string {
	if l.MediumPrivacyDir == "" {
		return ""
	}
	return filepath.Join(l.MediumPrivacyDir, "workspaces", workspace)
}

// workspaceIsArchived checks for the archive marker left when a workspace is
// moved to cold storage.
func (l *Local) workspaceIsArchived(workspace string) bool {
	archive := filepath.Join(l.HighPrivacyDir, "archives", workspace+".tar.zstd")
	_, err := os.Stat(archive)
	return err == nil
}

// volumeDir is the job's working directory, bind-mounted at /workspace in
// the container.
func (l *Local) volumeDir(jobID string) string {
	return filepath.Join(l.HighPrivacyDir, "volumes", "os-volume-"+jobID)
}

// logDir returns the directory for a job's logs and result metadata,
// bucketed by month to keep directory sizes manageable.
func (l *Local) logDir(jobID string) string {
	month := time.Now().UTC().Format("2006-01")
	return filepath.Join(l.HighPrivacyDir, "logs", month, ContainerName(jobID))
}

// findLogDir locates the existing log dir for a job, which may be in an
// earlier month bucket than today's.
func (l *Local) findLogDir(jobID string) string {
	matches, _ := filepath.Glob(
		filepath.Join(l.HighPrivacyDir, "logs", "*", ContainerName(jobID)))
	if len(matches) == 0 {
		return ""
	}
	// Month buckets sort lexically; take the newest.
	return matches[len(matches)-1]
}
