package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shaiso/Stepflow/internal/eventbus"
)

// maxEventBody — предел размера тела события.
const maxEventBody = 1 << 20

// SendEvent принимает событие и создаёт runs подписанных функций.
// POST /api/v1/events
func (h *Handler) SendEvent(w http.ResponseWriter, r *http.Request) {
	var req SendEventRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody)).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	res, err := h.events.Publish(r.Context(), req.Event())
	if err != nil {
		if errors.Is(err, eventbus.ErrEmptyEventName) {
			BadRequest(w, "event name is required")
			return
		}
		InternalError(w, h.logger, err)
		return
	}

	Accepted(w, SendEventResponse{EventID: res.EventID, RunIDs: res.RunIDs})
}
