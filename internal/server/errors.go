package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Outcome classes surfaced to callers. Every failure carries a
// machine-readable status, a name, and a human-readable message.
const (
	nameBadRequest = "BAD_REQUEST"
	nameNotFound   = "NOT_FOUND"
	nameGone       = "GONE"
	nameInternal   = "INTERNAL_SERVER_ERROR"
)

// apiError is the JSON body of every failure response.
type apiError struct {
	Status  int    `json:"status"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

func badRequest(format string, args ...any) *response {
	return errorResponse(http.StatusBadRequest, nameBadRequest, format, args...)
}

func notFound(format string, args ...any) *response {
	return errorResponse(http.StatusNotFound, nameNotFound, format, args...)
}

func gone(format string, args ...any) *response {
	return errorResponse(http.StatusGone, nameGone, format, args...)
}

func internal(format string, args ...any) *response {
	return errorResponse(http.StatusInternalServerError, nameInternal, format, args...)
}

// writeError emits a failure directly, outside the query pipeline.
// Used by middleware that rejects a request before any pipeline runs.
func writeError(w http.ResponseWriter, status int, name, format string, args ...any) {
	write(w, "", errorResponse(status, name, format, args...))
}

func errorResponse(status int, name, format string, args ...any) *response {
	body, _ := json.Marshal(apiError{
		Status:  status,
		Name:    name,
		Message: fmt.Sprintf(format, args...),
	})
	return &response{
		status:      status,
		contentType: "application/json",
		body:        body,
	}
}
