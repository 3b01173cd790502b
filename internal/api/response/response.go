// Package response writes management API responses.
package response

import (
	"encoding/json"
	"errors"
	"net/http"

	"schedgate/internal/schedule"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorResponse{Error: message})
}

// StatusOf maps service errors: VALIDATION 400, not found 404,
// CONFIGURATION 422, run in progress 409, anything else 500.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, schedule.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, schedule.ErrRunInProgress):
		return http.StatusConflict
	}
	switch schedule.Classify(err) {
	case schedule.CategoryValidation:
		return http.StatusBadRequest
	case schedule.CategoryConfiguration:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// WriteServiceError writes err with its mapped status. Internal failures
// hide their message.
func WriteServiceError(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	resp := ErrorResponse{Error: err.Error()}
	switch status {
	case http.StatusBadRequest:
		resp.Code = schedule.ErrorCode(schedule.CategoryValidation)
	case http.StatusUnprocessableEntity:
		resp.Code = schedule.ErrorCode(schedule.CategoryConfiguration)
	case http.StatusInternalServerError:
		resp.Error = "internal error"
	}
	WriteJSON(w, status, resp)
}
