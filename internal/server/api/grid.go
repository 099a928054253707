package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ayusman/gazegrid/internal/app"
	"github.com/ayusman/gazegrid/internal/grid"
)

// GridHandler handles GET and PUT requests for the grid arity.
type GridHandler struct {
	ctrl Controller
}

// NewGridHandler creates a new GridHandler.
func NewGridHandler(ctrl Controller) *GridHandler {
	return &GridHandler{ctrl: ctrl}
}

type gridResponse struct {
	Arity     int   `json:"arity"`
	Columns   int   `json:"columns"`
	Rows      int   `json:"rows"`
	Available []int `json:"available"`
}

type setGridRequest struct {
	Arity int `json:"arity"`
}

// ServeHTTP implements the http.Handler interface.
func (h *GridHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.get(w, r)
	case http.MethodPut:
		h.set(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *GridHandler) response() gridResponse {
	a := h.ctrl.Arity()
	cols, rows, _ := a.Dimensions()
	available := make([]int, 0, len(grid.Arities))
	for _, loaded := range h.ctrl.Arities() {
		available = append(available, int(loaded))
	}
	return gridResponse{Arity: int(a), Columns: cols, Rows: rows, Available: available}
}

// get handles GET /api/grid.
func (h *GridHandler) get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.response())
}

// set handles PUT /api/grid. Changing the arity is refused while detection
// is enabled.
func (h *GridHandler) set(w http.ResponseWriter, r *http.Request) {
	var req setGridRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	arity := grid.Arity(req.Arity)
	if !arity.Valid() {
		writeError(w, http.StatusBadRequest, "Arity must be 4, 6 or 9")
		return
	}

	if err := h.ctrl.SetArity(arity); err != nil {
		if errors.Is(err, app.ErrDetectionRunning) {
			writeError(w, http.StatusConflict, "Stop detection before changing the grid")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, h.response())
}
