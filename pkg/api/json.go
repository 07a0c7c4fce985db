package api

import (
	"encoding/json"
	"net/http"

	"github.com/kaosmaps/sandboxd/pkg/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusForError maps an apperr.Kind to its HTTP status per the error
// handling design: NotFound/AuthFailure/ValidationError get their natural
// codes, everything else (DriverError, IntegrityError, CorruptStore,
// TransientExternal, Canceled) is a 500 from the caller's perspective.
func statusForError(err error) int {
	switch {
	case apperr.Is(err, apperr.NotFound):
		return http.StatusNotFound
	case apperr.Is(err, apperr.AuthFailure):
		return http.StatusUnauthorized
	case apperr.Is(err, apperr.ValidationError):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeAppError(w http.ResponseWriter, err error) {
	writeError(w, statusForError(err), err.Error())
}
