// Package handler exposes the sandbox control interface over HTTP as a thin
// JSON layer on top of the lifecycle controller. Presentation and auth live
// elsewhere; this layer only decodes requests, dispatches, and maps errors
// to status codes.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/openportal-dev/openportal/internal/config"
	"github.com/openportal-dev/openportal/internal/registry"
	"github.com/openportal-dev/openportal/internal/service"
)

// Handler holds the HTTP route implementations.
type Handler struct {
	sandboxes *service.Service
	cfg       *config.Config
	logger    *zap.Logger
}

// New creates a Handler.
func New(sandboxes *service.Service, cfg *config.Config, logger *zap.Logger) *Handler {
	return &Handler{sandboxes: sandboxes, cfg: cfg, logger: logger}
}

// Routes returns the API router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/status", h.GetStatus)

	r.Route("/sandboxes", func(r chi.Router) {
		r.Post("/", h.CreateSandbox)
		r.Get("/", h.ListSandboxes)

		r.Route("/{sandboxID}", func(r chi.Router) {
			r.Get("/", h.GetSandbox)
			r.Delete("/", h.DeleteSandbox)
			r.Post("/start", h.StartSandbox)
			r.Post("/stop", h.StopSandbox)
			r.Get("/open", h.OpenSandbox)
			r.Post("/exec", h.ExecSandbox)
		})
	})

	return r
}

// JSON writes v as a JSON response.
func (h *Handler) JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

// Error writes a JSON error response.
func (h *Handler) Error(w http.ResponseWriter, status int, msg string) {
	h.JSON(w, status, map[string]string{"error": msg})
}

// serviceError maps controller errors to HTTP status codes.
func (h *Handler) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		h.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrIllegalTransition),
		errors.Is(err, service.ErrNotLive),
		errors.Is(err, registry.ErrConflict):
		h.Error(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("request failed", zap.Error(err))
		h.Error(w, http.StatusInternalServerError, err.Error())
	}
}

// sandboxID extracts and validates the {sandboxID} URL parameter. A written
// response is signaled by ok == false.
func (h *Handler) sandboxID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "sandboxID")
	if err := service.ValidateSandboxID(id); err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}
