// Package api provides HTTP API handlers for the gazegrid service.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ayusman/gazegrid/internal/app"
	"github.com/ayusman/gazegrid/internal/grid"
)

// Controller is the part of the application the handlers drive.
type Controller interface {
	Start(ctx context.Context) error
	Stop() error
	Status() app.Status
	Stats() app.Stats
	SetEnabled(enabled bool)
	IsEnabled() bool
	Trigger() error
	SetArity(a grid.Arity) error
	Arity() grid.Arity
	Arities() []grid.Arity
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
