package web

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opensafely-core/jobrunner/internal/controller"
	"github.com/opensafely-core/jobrunner/internal/db"
	"github.com/opensafely-core/jobrunner/internal/models"
)

type handlers struct {
	store         *db.Store
	taskAPI       *controller.TaskAPI
	backendTokens map[string]string
	clientTokens  map[string][]string
	log           *zap.Logger
}

// agentAuth authenticates an agent request against its backend's token. A
// token that matches no backend at all is unauthenticated (401); a token
// valid for a different backend than the path is authenticated but not
// authorized (403).
func (h *handlers) agentAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		backend := r.PathValue("backend")
		expected, ok := h.backendTokens[backend]
		if !ok {
			http.Error(w, "unknown backend", http.StatusNotFound)
			return
		}
		token := r.Header.Get("Authorization")
		if token == "" {
			http.Error(w, "missing Authorization header", http.StatusUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1 {
			next(w, r)
			return
		}
		for other, t := range h.backendTokens {
			if other != backend && subtle.ConstantTimeCompare([]byte(token), []byte(t)) == 1 {
				http.Error(w, "token not valid for backend "+backend, http.StatusForbidden)
				return
			}
		}
		http.Error(w, "invalid token", http.StatusUnauthorized)
	}
}

// clientAuth authenticates a RAP client and passes the handler the backends
// its token covers.
func (h *handlers) clientAuth(next func(w http.ResponseWriter, r *http.Request, backends []string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if token == "" {
			http.Error(w, "missing Authorization header", http.StatusUnauthorized)
			return
		}
		backends, ok := h.clientTokens[token]
		if !ok {
			http.Error(w, "invalid token", http.StatusForbidden)
			return
		}
		next(w, r, backends)
	}
}

func (h *handlers) tasks(w http.ResponseWriter, r *http.Request) {
	backend := r.PathValue("backend")
	tasks, err := h.taskAPI.ActiveTasks(backend)
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (h *handlers) taskUpdate(w http.ResponseWriter, r *http.Request) {
	backend := r.PathValue("backend")

	var update models.TaskUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if update.TaskID == "" {
		http.Error(w, "task_id is required", http.StatusBadRequest)
		return
	}

	if err := h.taskAPI.ApplyUpdate(backend, update); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		h.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

func (h *handlers) rapCreate(w http.ResponseWriter, r *http.Request, backends []string) {
	var envelope models.JobRequestEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if envelope.ID == "" {
		http.Error(w, "identifier is required", http.StatusBadRequest)
		return
	}
	if !slices.Contains(backends, envelope.Backend) {
		http.Error(w, "token not valid for backend "+envelope.Backend, http.StatusForbidden)
		return
	}

	req := envelope.ToJobRequest()
	if err := h.store.UpsertJobRequest(req, time.Now().Unix()); err != nil {
		h.serverError(w, r, err)
		return
	}
	if err := h.store.MarkJobsCancelled(req.ID, req.CancelledActions); err != nil {
		h.serverError(w, r, err)
		return
	}

	h.log.Info("job request received",
		zap.String("request", req.ID),
		zap.String("backend", req.Backend),
		zap.String("workspace", req.Workspace))
	writeJSON(w, http.StatusCreated, map[string]string{"result": "created"})
}

func (h *handlers) rapCancel(w http.ResponseWriter, r *http.Request, backends []string) {
	var payload struct {
		ID      string   `json:"identifier"`
		Actions []string `json:"actions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if payload.ID == "" || len(payload.Actions) == 0 {
		http.Error(w, "identifier and actions are required", http.StatusBadRequest)
		return
	}

	req, err := h.store.GetJobRequest(payload.ID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.Error(w, "job request not found", http.StatusNotFound)
			return
		}
		h.serverError(w, r, err)
		return
	}
	if !slices.Contains(backends, req.Backend) {
		http.Error(w, "token not valid for backend "+req.Backend, http.StatusForbidden)
		return
	}

	for _, action := range payload.Actions {
		if !slices.Contains(req.CancelledActions, action) {
			req.CancelledActions = append(req.CancelledActions, action)
		}
	}
	if err := h.store.UpsertJobRequest(req, time.Now().Unix()); err != nil {
		h.serverError(w, r, err)
		return
	}
	if err := h.store.MarkJobsCancelled(req.ID, req.CancelledActions); err != nil {
		h.serverError(w, r, err)
		return
	}

	h.log.Info("cancellation received",
		zap.String("request", req.ID), zap.Strings("actions", payload.Actions))
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

func (h *handlers) rapStatus(w http.ResponseWriter, r *http.Request, backends []string) {
	ids := splitParam(r.URL.Query().Get("rap_ids"))
	if len(ids) == 0 {
		http.Error(w, "rap_ids is required", http.StatusBadRequest)
		return
	}

	statuses := make(map[string][]models.JobStatus, len(ids))
	for _, id := range ids {
		req, err := h.store.GetJobRequest(id)
		if errors.Is(err, db.ErrNotFound) {
			// Unknown requests report as empty, not an error: the caller may
			// ask before the controller has synced.
			statuses[id] = []models.JobStatus{}
			continue
		}
		if err != nil {
			h.serverError(w, r, err)
			return
		}
		if !slices.Contains(backends, req.Backend) {
			http.Error(w, "token not valid for backend "+req.Backend, http.StatusForbidden)
			return
		}

		jobs, err := h.store.JobsForRequest(id)
		if err != nil {
			h.serverError(w, r, err)
			return
		}
		list := make([]models.JobStatus, 0, len(jobs))
		for _, job := range jobs {
			list = append(list, models.StatusFromJob(job))
		}
		statuses[id] = list
	}
	writeJSON(w, http.StatusOK, map[string]any{"raps": statuses})
}

func (h *handlers) backendStatus(w http.ResponseWriter, r *http.Request, backends []string) {
	requested := splitParam(r.URL.Query().Get("backends"))
	if len(requested) == 0 {
		requested = backends
	}

	result := make([]models.BackendStatus, 0, len(requested))
	for _, backend := range requested {
		if !slices.Contains(backends, backend) {
			http.Error(w, "token not valid for backend "+backend, http.StatusForbidden)
			return
		}
		flags, err := h.store.Flags(backend)
		if err != nil {
			h.serverError(w, r, err)
			return
		}
		status := models.BackendStatus{Backend: backend, Flags: make(map[string]string)}
		for _, flag := range flags {
			status.Flags[flag.ID] = flag.Value
		}
		result = append(result, status)
	}
	writeJSON(w, http.StatusOK, map[string]any{"backends": result})
}

func (h *handlers) serverError(w http.ResponseWriter, r *http.Request, err error) {
	h.log.Error("request failed",
		zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func splitParam(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
