package api

import (
	"context"
	"fmt"
	"net/http"

	service "github.com/okian/tutorrisk/internal/app"
	"github.com/okian/tutorrisk/internal/domain/model"
)

// PredictionDependencies defines the interface for prediction operations.
type PredictionDependencies interface {
	Predict(ctx context.Context, key model.PairKey) (model.PredictionResult, error)
	Refresh(ctx context.Context, key model.PairKey) (model.PredictionResult, error)
	BatchGenerate(ctx context.Context, keys []model.PairKey) ([]model.PredictionResult, error)
	PredictSession(ctx context.Context, req model.SessionRequest) (service.SessionPrediction, error)
}

// PredictionsHandler handles prediction requests.
type PredictionsHandler struct {
	deps         PredictionDependencies
	maxBatchSize int
}

// NewPredictionsHandler creates a new predictions handler.
func NewPredictionsHandler(deps PredictionDependencies, maxBatchSize int) *PredictionsHandler {
	return &PredictionsHandler{deps: deps, maxBatchSize: maxBatchSize}
}

// HandleGetPrediction handles GET /v1/predictions?subject_id=&counterpart_id=.
// A fresh stored result is returned as is; otherwise one is computed.
func (h *PredictionsHandler) HandleGetPrediction(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := model.PairKey{SubjectID: q.Get("subject_id"), CounterpartID: q.Get("counterpart_id")}
	res, err := h.deps.Predict(r.Context(), key)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPrediction(res))
}

// HandleRefresh handles POST /v1/predictions/refresh.
func (h *PredictionsHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, badRequest("api.refresh_prediction", err))
		return
	}
	res, err := h.deps.Refresh(r.Context(), req.key())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPrediction(res))
}

// HandleBatch handles POST /v1/predictions/batch. Pairs that fail are left
// out of the response; the rest keep request order.
func (h *PredictionsHandler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	const op = "api.batch_predictions"
	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, badRequest(op, err))
		return
	}
	if len(req.Pairs) > h.maxBatchSize {
		writeError(w, http.StatusBadRequest, "limit_exceeded",
			fmt.Errorf("%s: %w: %d pairs, max %d", op, ErrLimitExceeded, len(req.Pairs), h.maxBatchSize))
		return
	}
	keys := make([]model.PairKey, len(req.Pairs))
	for i, p := range req.Pairs {
		keys[i] = p.key()
	}
	results, err := h.deps.BatchGenerate(r.Context(), keys)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := batchResponse{
		Requested:   len(keys),
		Generated:   len(results),
		Predictions: make([]predictionResponse, len(results)),
	}
	for i, res := range results {
		out.Predictions[i] = toPrediction(res)
	}
	writeJSON(w, http.StatusOK, out)
}

// HandlePredictSession handles POST /v1/sessions/predict.
func (h *PredictionsHandler) HandlePredictSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, badRequest("api.predict_session", err))
		return
	}
	sp, err := h.deps.PredictSession(r.Context(), req.toModel())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionPrediction(sp))
}
