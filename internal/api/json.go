package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"farmroute/internal/model"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	writeJSON(w, status, Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// writeError maps domain errors onto problem responses. Conflict-class
// failures (claimed deliveries, capacity, illegal transitions) all map
// to 409 with the specific detail in the body.
func writeError(w http.ResponseWriter, err error, instance string) {
	var conflict *model.ConflictError
	var capacity *model.CapacityError
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", err.Error(), instance)
	case errors.Is(err, model.ErrInvalidCoordinate),
		errors.Is(err, model.ErrInvalidInput):
		writeProblem(w, http.StatusBadRequest, "Invalid Request", err.Error(), instance)
	case errors.Is(err, model.ErrForbidden):
		writeProblem(w, http.StatusForbidden, "Forbidden", err.Error(), instance)
	case errors.As(err, &conflict):
		writeProblem(w, http.StatusConflict, "Deliveries Unavailable", err.Error(), instance)
	case errors.As(err, &capacity):
		writeProblem(w, http.StatusConflict, "Capacity Exceeded", err.Error(), instance)
	case errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrEmptyBatch):
		writeProblem(w, http.StatusConflict, "Conflict", err.Error(), instance)
	default:
		writeProblem(w, http.StatusInternalServerError, "Internal Error", err.Error(), instance)
	}
}
