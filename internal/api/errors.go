package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"yuzu/coach/internal/hume"
	"yuzu/coach/internal/jobs"
	"yuzu/coach/internal/store"
)

var ErrPermissionDenied = errors.New("Not enough permissions")

// httpError carries a status and client-facing detail chosen by a handler.
type httpError struct {
	status int
	detail string
}

func (e *httpError) Error() string { return e.detail }

func badRequest(detail string) error { return &httpError{http.StatusBadRequest, detail} }
func conflict(detail string) error   { return &httpError{http.StatusConflict, detail} }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeError is the single place errors become HTTP responses.
func writeError(w http.ResponseWriter, err error) {
	var he *httpError
	switch {
	case errors.As(err, &he):
		writeDetail(w, he.status, he.detail)
	case errors.Is(err, store.ErrNotFound):
		writeDetail(w, http.StatusNotFound, "Call session not found")
	case errors.Is(err, ErrPermissionDenied):
		writeDetail(w, http.StatusForbidden, ErrPermissionDenied.Error())
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrAlreadySet):
		writeDetail(w, http.StatusConflict, "Call session is not in a valid state for this operation")
	case errors.Is(err, jobs.ErrAlreadyQueued):
		writeDetail(w, http.StatusConflict, "Analysis already in progress")
	case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrClosed):
		writeDetail(w, http.StatusServiceUnavailable, "Analysis queue unavailable, try again later")
	case errors.Is(err, hume.ErrNotConfigured), errors.Is(err, hume.ErrVendor):
		writeDetail(w, http.StatusBadGateway, hume.Detail(err))
	default:
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
	}
}
