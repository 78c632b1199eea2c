package handler

import (
	"encoding/json"
	"net/http"

	"github.com/openportal-dev/openportal/internal/registry"
)

// createSandboxRequest is the body of POST /api/sandboxes.
type createSandboxRequest struct {
	Name      string             `json:"name"`
	Resources registry.Resources `json:"resources"`
}

// execRequest is the body of POST /api/sandboxes/{sandboxID}/exec.
type execRequest struct {
	Command []string `json:"command"`
}

// execResponse renders command output as text rather than base64 bytes.
type execResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// CreateSandbox creates a new sandbox.
// POST /api/sandboxes
func (h *Handler) CreateSandbox(w http.ResponseWriter, r *http.Request) {
	var req createSandboxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	entry, err := h.sandboxes.Create(r.Context(), req.Name, req.Resources)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.JSON(w, http.StatusCreated, entry)
}

// ListSandboxes returns every sandbox annotated with observed status.
// GET /api/sandboxes
func (h *Handler) ListSandboxes(w http.ResponseWriter, r *http.Request) {
	annotated, err := h.sandboxes.List(r.Context())
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, annotated)
}

// GetSandbox returns one sandbox entry.
// GET /api/sandboxes/{sandboxID}
func (h *Handler) GetSandbox(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sandboxID(w, r)
	if !ok {
		return
	}

	entry, err := h.sandboxes.Get(r.Context(), id)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, entry)
}

// StartSandbox boots a new instance for a stopped sandbox, restoring the
// last snapshot when one exists.
// POST /api/sandboxes/{sandboxID}/start
func (h *Handler) StartSandbox(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sandboxID(w, r)
	if !ok {
		return
	}

	entry, err := h.sandboxes.Start(r.Context(), id)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, entry)
}

// StopSandbox snapshots and terminates a sandbox's instance.
// POST /api/sandboxes/{sandboxID}/stop
func (h *Handler) StopSandbox(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sandboxID(w, r)
	if !ok {
		return
	}

	if err := h.sandboxes.Stop(r.Context(), id); err != nil {
		h.serviceError(w, err)
		return
	}
	h.JSON(w, http.StatusNoContent, nil)
}

// DeleteSandbox removes a sandbox, its workspace, and its instance.
// DELETE /api/sandboxes/{sandboxID}
func (h *Handler) DeleteSandbox(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sandboxID(w, r)
	if !ok {
		return
	}

	if err := h.sandboxes.Delete(r.Context(), id); err != nil {
		h.serviceError(w, err)
		return
	}
	h.JSON(w, http.StatusNoContent, nil)
}

// OpenSandbox returns the tunnel URL of a live sandbox's service port.
// GET /api/sandboxes/{sandboxID}/open
func (h *Handler) OpenSandbox(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sandboxID(w, r)
	if !ok {
		return
	}

	url, err := h.sandboxes.Open(r.Context(), id)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"url": url})
}

// ExecSandbox runs a command inside a live sandbox.
// POST /api/sandboxes/{sandboxID}/exec
func (h *Handler) ExecSandbox(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sandboxID(w, r)
	if !ok {
		return
	}

	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Command) == 0 {
		h.Error(w, http.StatusBadRequest, "command is required")
		return
	}

	result, err := h.sandboxes.Exec(r.Context(), id, req.Command)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, execResponse{
		ExitCode: result.ExitCode,
		Stdout:   string(result.Stdout),
		Stderr:   string(result.Stderr),
	})
}
