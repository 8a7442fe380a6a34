package executor

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/opensafely-core/jobrunner/internal/models"
	"github.com/opensafely-core/jobrunner/internal/pipeline"
)

// findMatchingOutputs walks the job volume and matches files against the
// output spec. Returns filename -> privacy level plus the patterns which
// matched nothing.
func (l *Local) findMatchingOutputs(job *models.JobDefinition) (map[string]string, []string, error) {
	volume := os.DirFS(l.volumeDir(job.ID))

	outputs := make(map[string]string)
	var unmatched []string

	patterns := make([]string, 0, len(job.OutputSpec))
	for pattern := range job.OutputSpec {
		patterns = append(patterns, pattern)
	}
	sort.Strings(patterns)

	for _, pattern := range patterns {
		matches, err := doublestar.Glob(volume, pattern)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid output pattern %q: %w", pattern, err)
		}
		found := false
		for _, match := range matches {
			info, err := fs.Stat(volume, match)
			if err != nil || info.IsDir() {
				continue
			}
			found = true
			outputs[match] = job.OutputSpec[pattern]
		}
		if !found {
			unmatched = append(unmatched, pattern)
		}
	}
	return outputs, unmatched, nil
}

// unmatchedOutputs lists files the job created which no pattern matched, to
// help users spot typos in their output specs. "Created" means modified
// after the volume was prepared.
func (l *Local) unmatchedOutputs(job *models.JobDefinition, matched map[string]string) []string {
	volumeDir := l.volumeDir(job.ID)
	stamp, err := os.Stat(filepath.Join(volumeDir, timestampFile))
	if err != nil {
		return nil
	}
	prepared := stamp.ModTime()

	var created []string
	filepath.WalkDir(volumeDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(volumeDir, path)
		if err != nil || rel == timestampFile {
			return nil
		}
		if _, ok := matched[rel]; ok {
			return nil
		}
		info, err := d.Info()
		if err == nil && info.ModTime().After(prepared) {
			created = append(created, filepath.ToSlash(rel))
		}
		return nil
	})
	sort.Strings(created)
	if len(created) > 10 {
		created = created[:10]
	}
	return created
}

// persistOutputs copies matched outputs into long-term workspace storage.
// Everything lands in the high privacy workspace; moderately sensitive files
// are additionally released to the medium privacy workspace.
func (l *Local) persistOutputs(job *models.JobDefinition, outputs map[string]string) error {
	volumeDir := l.volumeDir(job.ID)
	highDir := l.highPrivacyWorkspace(job.Workspace)
	mediumDir := l.mediumPrivacyWorkspace(job.Workspace)

	for filename, level := range outputs {
		src := filepath.Join(volumeDir, filename)
		if err := copyFile(src, filepath.Join(highDir, filename)); err != nil {
			return fmt.Errorf("failed to persist output %s: %w", filename, err)
		}
		if level == pipeline.PrivacyMedium && mediumDir != "" {
			if err := copyFile(src, filepath.Join(mediumDir, filename)); err != nil {
				return fmt.Errorf("failed to release output %s: %w", filename, err)
			}
		}
	}

	// Remove files from the previous run of this action which this run no
	// longer produced, so stale outputs cannot be mistaken for fresh ones.
	return l.deleteObsoleteOutputs(job, outputs)
}

// deleteObsoleteOutputs removes previously-persisted outputs of this action
// which the latest run did not produce.
func (l *Local) deleteObsoleteOutputs(job *models.JobDefinition, outputs map[string]string) error {
	previous, err := l.readJobMetadata(job.ID)
	if err != nil || previous == nil {
		return nil
	}
	for filename, level := range previous.Outputs {
		if _, still := outputs[filename]; still {
			continue
		}
		os.Remove(filepath.Join(l.highPrivacyWorkspace(job.Workspace), filename))
		if level == pipeline.PrivacyMedium && l.mediumPrivacyWorkspace(job.Workspace) != "" {
			os.Remove(filepath.Join(l.mediumPrivacyWorkspace(job.Workspace), filename))
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// writeTimestamp marks the volume as prepared.
func writeTimestamp(volumeDir string, now time.Time) error {
	data := strconv.FormatInt(now.UnixNano(), 10)
	return os.WriteFile(filepath.Join(volumeDir, timestampFile), []byte(data), 0o644)
}

// readTimestamp returns the preparation time in nanoseconds, or 0 if the
// volume has not finished preparing.
func readTimestamp(volumeDir string) int64 {
	data, err := os.ReadFile(filepath.Join(volumeDir, timestampFile))
	if err != nil {
		return 0
	}
	ns, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return ns
}
