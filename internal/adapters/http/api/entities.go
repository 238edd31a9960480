package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/okian/tutorrisk/internal/domain/model"
)

// EntityDependencies defines the interface for entity operations.
type EntityDependencies interface {
	UpsertEntity(ctx context.Context, e model.Entity) error
	GetRiskScore(ctx context.Context, entityID string) (model.RiskScore, error)
}

// EntitiesHandler handles entity profile and risk score requests.
type EntitiesHandler struct {
	deps EntityDependencies
}

// NewEntitiesHandler creates a new entities handler.
func NewEntitiesHandler(deps EntityDependencies) *EntitiesHandler {
	return &EntitiesHandler{deps: deps}
}

// HandlePutEntity handles PUT /v1/entities/{id}.
func (h *EntitiesHandler) HandlePutEntity(w http.ResponseWriter, r *http.Request) {
	const op = "api.put_entity"
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeServiceError(w, badRequest(op, errors.New("missing id")))
		return
	}
	var req entityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, badRequest(op, err))
		return
	}
	kind, err := model.ParseEntityKind(req.Kind)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	e := model.Entity{ID: id, Kind: kind, Attributes: req.Attributes}
	if err := h.deps.UpsertEntity(r.Context(), e); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entityResponse{ID: e.ID, Kind: string(e.Kind), Attributes: e.Attributes})
}

// HandleGetRisk handles GET /v1/entities/{id}/risk.
func (h *EntitiesHandler) HandleGetRisk(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeServiceError(w, badRequest("api.get_risk", errors.New("missing id")))
		return
	}
	score, err := h.deps.GetRiskScore(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRiskScore(score))
}
