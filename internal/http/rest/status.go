package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/update_agent/internal/device"
	"github.com/italolelis/update_agent/internal/logctx"
	"github.com/italolelis/update_agent/internal/updatemodule"
)

// DeviceReader is the part of the device state exposed over the API.
type DeviceReader interface {
	DeviceType() (string, error)
	LoadProvides() (map[string]string, error)
}

type ProvidesResponse struct {
	DeviceType string            `json:"device_type,omitempty"`
	Provides   map[string]string `json:"provides"`
}

type ModulesResponse struct {
	Modules []string `json:"modules"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusHandler serves read-only information about the device and its update
// modules.
type StatusHandler struct {
	device      DeviceReader
	modulesPath string
}

func NewStatusHandler(dev DeviceReader, modulesPath string) *StatusHandler {
	return &StatusHandler{device: dev, modulesPath: modulesPath}
}

func (h *StatusHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", h.HandleHealth)
	r.Get("/provides", h.HandleProvides)
	r.Get("/modules", h.HandleModules)

	return r
}

func (h *StatusHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleProvides returns the device type and the provides of the installed artifact.
func (h *StatusHandler) HandleProvides(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	deviceType, err := h.device.DeviceType()
	if err != nil && !errors.Is(err, device.ErrNotFound) {
		logger.Error("failed to read device type", "err", err)
		writeJSON(w, r, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})

		return
	}

	provides, err := h.device.LoadProvides()
	if err != nil {
		logger.Error("failed to load provides", "err", err)
		writeJSON(w, r, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})

		return
	}

	writeJSON(w, r, http.StatusOK, ProvidesResponse{DeviceType: deviceType, Provides: provides})
}

// HandleModules lists the installed update modules.
func (h *StatusHandler) HandleModules(w http.ResponseWriter, r *http.Request) {
	modules, err := updatemodule.DiscoverUpdateModules(h.modulesPath)
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to discover update modules", "err", err)
		writeJSON(w, r, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})

		return
	}

	writeJSON(w, r, http.StatusOK, ModulesResponse{Modules: modules})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}
