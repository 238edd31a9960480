package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/okian/tutorrisk/internal/domain/model"
	"github.com/okian/tutorrisk/internal/domain/predictor"
)

// ModelDependencies defines the interface for model management.
type ModelDependencies interface {
	ReloadModel(ctx context.Context, kind model.PredictionKind) (*predictor.Artifact, error)
}

// ModelHandler reloads model artifacts.
type ModelHandler struct {
	deps ModelDependencies
}

// NewModelHandler creates a new model handler.
func NewModelHandler(deps ModelDependencies) *ModelHandler {
	return &ModelHandler{deps: deps}
}

// HandleReload handles POST /v1/model/{kind}/reload.
func (h *ModelHandler) HandleReload(w http.ResponseWriter, r *http.Request) {
	kind, err := model.ParsePredictionKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	a, err := h.deps.ReloadModel(r.Context(), kind)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, modelResponse{
		Kind:         string(kind),
		Version:      a.Version,
		FeatureNames: a.FeatureNames,
		TrainedAt:    a.TrainedAt,
		Metrics:      a.Metrics,
	})
}
