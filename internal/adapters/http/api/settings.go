package api

import (
	"net/http"

	service "github.com/okian/tutorrisk/internal/app"
)

// SettingsDependencies defines the interface for runtime tunables.
type SettingsDependencies interface {
	Settings() service.Settings
	PatchSettings(p service.SettingsPatch) (service.Settings, error)
}

// SettingsHandler reads and updates runtime tunables.
type SettingsHandler struct {
	deps SettingsDependencies
}

// NewSettingsHandler creates a new settings handler.
func NewSettingsHandler(deps SettingsDependencies) *SettingsHandler {
	return &SettingsHandler{deps: deps}
}

// HandleGet handles GET /v1/settings.
func (h *SettingsHandler) HandleGet(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toSettings(h.deps.Settings()))
}

// HandlePatch handles PATCH /v1/settings. The update applies whole or not at all.
func (h *SettingsHandler) HandlePatch(w http.ResponseWriter, r *http.Request) {
	var req settingsPatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, badRequest("api.patch_settings", err))
		return
	}
	next, err := h.deps.PatchSettings(req.toPatch())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettings(next))
}
