package server

import (
	"errors"
	"net/http"

	"filestream/internal/api"
)

// writeMiddlewareError answers in the same JSON error shape as the handlers.
func writeMiddlewareError(w http.ResponseWriter, status int, message string) {
	api.WriteError(w, status, errors.New(message))
}
