package api

import (
	"context"
	"net/http"

	"github.com/okian/tutorrisk/internal/domain/model"
)

// EventDependencies defines the interface for event ingestion.
type EventDependencies interface {
	Ingest(ctx context.Context, source string, e model.Event) (duplicate bool, err error)
}

// EventsHandler handles event requests.
type EventsHandler struct {
	deps EventDependencies
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(deps EventDependencies) *EventsHandler {
	return &EventsHandler{deps: deps}
}

// HandlePostEvent handles POST /v1/events. Accepted events are processed
// asynchronously; a replayed event_id is acknowledged as a duplicate.
func (h *EventsHandler) HandlePostEvent(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_event"
	var req model.EventPayload
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, badRequest(op, err))
		return
	}
	e, err := req.ToEvent()
	if err != nil {
		writeServiceError(w, err)
		return
	}

	duplicate, err := h.deps.Ingest(r.Context(), "http", e)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if duplicate {
		writeJSON(w, http.StatusOK, ackResponse{Status: "duplicate", Duplicate: true})
		return
	}
	writeJSON(w, http.StatusAccepted, ackResponse{Status: "accepted"})
}
