package executor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opensafely-core/jobrunner/internal/models"
)

// JobMetadata captures everything we know about a finished job. It is
// written next to the job's logs and is the durable record finalize leaves
// behind; the task results reported to the controller are derived from it.
type JobMetadata struct {
	JobID        string `json:"job_id"`
	JobRequestID string `json:"job_request_id"`
	TaskID       string `json:"task_id"`
	Action       string `json:"action"`
	Workspace    string `json:"workspace"`
	Commit       string `json:"commit"`

	ExitCode  int    `json:"exit_code"`
	OOMKilled bool   `json:"oom_killed"`
	ImageID   string `json:"image_id"`

	// Outputs maps produced filename -> privacy level.
	Outputs           map[string]string `json:"outputs"`
	UnmatchedPatterns []string          `json:"unmatched_patterns,omitempty"`
	UnmatchedOutputs  []string          `json:"unmatched_outputs,omitempty"`

	StatusMessage string `json:"status_message"`
	Hint          string `json:"hint,omitempty"`

	Cancelled bool   `json:"cancelled"`
	Error     string `json:"error,omitempty"`

	CreatedAt   int64 `json:"created_at"`
	CompletedAt int64 `json:"completed_at"`
	TimestampNS int64 `json:"timestamp_ns"`
}

// Results reduces the metadata to the redacted payload reported across the
// trust boundary. Filenames stay on this side; only counts and flags leave.
func (m *JobMetadata) Results() *models.JobResults {
	return &models.JobResults{
		ExitCode:             m.ExitCode,
		ImageID:              m.ImageID,
		Message:              m.StatusMessage,
		OutputCount:          len(m.Outputs),
		HasUnmatchedPatterns: len(m.UnmatchedPatterns) > 0,
		Cancelled:            m.Cancelled,
		Error:                m.Error,
		TimestampNS:          m.TimestampNS,
	}
}

const metadataFile = "metadata.json"

// writeJobMetadata persists the metadata into the job's log dir.
func (l *Local) writeJobMetadata(meta *JobMetadata) error {
	dir := l.findLogDir(meta.JobID)
	if dir == "" {
		dir = l.logDir(meta.JobID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create log dir: %w", err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode job metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write job metadata: %w", err)
	}
	return nil
}

// readJobMetadata loads the stored metadata for a job, or nil if the job has
// never been finalized.
func (l *Local) readJobMetadata(jobID string) (*JobMetadata, error) {
	dir := l.findLogDir(jobID)
	if dir == "" {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job metadata: %w", err)
	}

	var meta JobMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse job metadata: %w", err)
	}
	return &meta, nil
}

// readTaskMetadata loads metadata only if it belongs to the current task.
// Metadata from an earlier attempt must not make a retried job look
// finalized.
func (l *Local) readTaskMetadata(job *models.JobDefinition) (*JobMetadata, error) {
	meta, err := l.readJobMetadata(job.ID)
	if err != nil {
		return nil, err
	}
	if meta == nil || meta.TaskID != job.TaskID {
		return nil, nil
	}
	return meta, nil
}
