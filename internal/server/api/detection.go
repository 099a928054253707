package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ayusman/gazegrid/internal/app"
)

// DetectionHandler toggles automatic detection and reports its state.
type DetectionHandler struct {
	ctrl Controller
}

// NewDetectionHandler creates a new DetectionHandler.
func NewDetectionHandler(ctrl Controller) *DetectionHandler {
	return &DetectionHandler{ctrl: ctrl}
}

type detectionRequest struct {
	Enabled *bool `json:"enabled"`
}

type detectionResponse struct {
	app.Status
	Stats app.Stats `json:"stats"`
}

// ServeHTTP implements the http.Handler interface.
func (h *DetectionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.response())
	case http.MethodPost:
		h.toggle(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *DetectionHandler) response() detectionResponse {
	return detectionResponse{Status: h.ctrl.Status(), Stats: h.ctrl.Stats()}
}

// toggle handles POST /api/detection. Enabling detection opens the camera
// when it is not already streaming.
func (h *DetectionHandler) toggle(w http.ResponseWriter, r *http.Request) {
	var req detectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	if *req.Enabled {
		if err := h.ctrl.Start(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	h.ctrl.SetEnabled(*req.Enabled)

	writeJSON(w, http.StatusOK, h.response())
}

// CaptureHandler requests a single capture.
type CaptureHandler struct {
	ctrl Controller
}

// NewCaptureHandler creates a new CaptureHandler.
func NewCaptureHandler(ctrl Controller) *CaptureHandler {
	return &CaptureHandler{ctrl: ctrl}
}

// ServeHTTP handles POST /api/capture.
func (h *CaptureHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.ctrl.Trigger(); err != nil {
		if errors.Is(err, app.ErrNotStarted) {
			writeError(w, http.StatusConflict, "Camera is not started")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
