package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"proxysupervisor/internal/pool"
)

// writeJSON encodes v as the response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErrorMessage writes a plain {"error": message} body at status.
func writeErrorMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writePoolError maps a pool.Error's Kind to the status codes in §7 and
// writes the response. A non-pool.Error is treated as InternalFailure.
func writePoolError(w http.ResponseWriter, err error) {
	var perr *pool.Error
	if errors.As(err, &perr) {
		writeErrorMessage(w, statusForKind(perr.Kind), perr.Message)
		return
	}
	writeErrorMessage(w, http.StatusInternalServerError, err.Error())
}

func statusForKind(k pool.Kind) int {
	switch k {
	case pool.KindNotFound:
		return http.StatusNotFound
	case pool.KindNoAvailableWorker:
		return http.StatusServiceUnavailable
	case pool.KindProvisionerFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
