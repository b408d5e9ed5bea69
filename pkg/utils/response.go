package utils

import (
	"log/slog"
	"net/http"
)

// RespondText writes a plain-text response.
func RespondText(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(message)); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}
