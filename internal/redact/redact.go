// Package redact strips information that must not cross the trust boundary
// between an agent and the controller.
package redact

import "github.com/opensafely-core/jobrunner/internal/models"

// Results returns a copy of the results safe to report to the controller.
// The executor already reduces outputs to a count, but the status message of
// an unmatched-patterns result names the patterns and candidate files, which
// are filenames; blank it and let the controller substitute a generic
// message pointing at the job log.
func Results(r *models.JobResults) *models.JobResults {
	if r == nil {
		return nil
	}
	redacted := *r
	if redacted.HasUnmatchedPatterns {
		redacted.Message = ""
	}
	return &redacted
}
