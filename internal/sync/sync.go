// Package sync exchanges state with the job-server: it pulls job requests
// down and pushes job statuses and backend flags back up.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opensafely-core/jobrunner/internal/config"
	"github.com/opensafely-core/jobrunner/internal/db"
	"github.com/opensafely-core/jobrunner/internal/models"
)

// Syncer performs one poll/push cycle per tick against the job-server.
type Syncer struct {
	Store  *db.Store
	Config *config.Controller
	Log    *zap.Logger

	// HTTP is the underlying client; a default is used when nil.
	HTTP *http.Client
}

func (s *Syncer) httpClient() *http.Client {
	if s.HTTP != nil {
		return s.HTTP
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// Tick syncs every backend. Backends fail independently; one unreachable
// job-server token must not stall the others.
func (s *Syncer) Tick(ctx context.Context) error {
	for _, backend := range s.Config.Backends {
		if err := s.syncBackend(ctx, backend); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.Log.Error("sync failed",
				zap.String("backend", backend), zap.Error(err))
		}
	}
	return nil
}

func (s *Syncer) syncBackend(ctx context.Context, backend string) error {
	requests, err := s.fetchRequests(ctx, backend)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	ids := make([]string, 0, len(requests))
	for _, envelope := range requests {
		if envelope.Backend == "" {
			envelope.Backend = backend
		}
		if envelope.Backend != backend {
			s.Log.Warn("job request for wrong backend ignored",
				zap.String("request", envelope.ID),
				zap.String("backend", envelope.Backend))
			continue
		}
		req := envelope.ToJobRequest()
		if err := s.Store.UpsertJobRequest(req, now); err != nil {
			return fmt.Errorf("failed to store job request %s: %w", req.ID, err)
		}
		if err := s.Store.MarkJobsCancelled(req.ID, req.CancelledActions); err != nil {
			return err
		}
		ids = append(ids, req.ID)
	}

	return s.pushStatuses(ctx, backend, ids)
}

func (s *Syncer) fetchRequests(ctx context.Context, backend string) ([]*models.JobRequestEnvelope, error) {
	u, err := s.apiURL("job-requests")
	if err != nil {
		return nil, err
	}
	u += "?" + url.Values{"backend": []string{backend}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build job-requests request: %w", err)
	}
	req.Header.Set("Authorization", s.Config.JobServerTokens[backend])

	resp, err := s.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch job requests: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpError("job-requests", resp)
	}

	var payload struct {
		Results []*models.JobRequestEnvelope `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode job requests: %w", err)
	}
	return payload.Results, nil
}

// pushStatuses reports the state of every job belonging to the synced
// requests, plus this backend's flags, back to the job-server.
func (s *Syncer) pushStatuses(ctx context.Context, backend string, requestIDs []string) error {
	statuses := make([]models.JobStatus, 0)
	for _, id := range requestIDs {
		jobs, err := s.Store.JobsForRequest(id)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			statuses = append(statuses, models.StatusFromJob(job))
		}
	}

	flags, err := s.flagsHeader(backend)
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]any{"jobs": statuses})
	if err != nil {
		return fmt.Errorf("failed to encode job statuses: %w", err)
	}

	u, err := s.apiURL("jobs")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build jobs request: %w", err)
	}
	req.Header.Set("Authorization", s.Config.JobServerTokens[backend])
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Flags", flags)

	resp, err := s.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("failed to push job statuses: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return httpError("jobs", resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (s *Syncer) flagsHeader(backend string) (string, error) {
	flags, err := s.Store.Flags(backend)
	if err != nil {
		return "", err
	}
	m := make(map[string]string, len(flags))
	for _, flag := range flags {
		m[flag.ID] = flag.Value
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode flags: %w", err)
	}
	return string(encoded), nil
}

func (s *Syncer) apiURL(parts ...string) (string, error) {
	base, err := url.Parse(s.Config.JobServerEndpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse job-server endpoint: %w", err)
	}
	return base.JoinPath(parts...).String() + "/", nil
}

func httpError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return fmt.Errorf("job-server %s returned %s", op, resp.Status)
	}
	return fmt.Errorf("job-server %s returned %s: %s", op, resp.Status, msg)
}
