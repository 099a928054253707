package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ayusman/gazegrid/internal/store"
)

// EstimatesHandler serves stored estimates.
type EstimatesHandler struct {
	store *store.Store
}

// NewEstimatesHandler creates a new EstimatesHandler with the given store.
func NewEstimatesHandler(s *store.Store) *EstimatesHandler {
	return &EstimatesHandler{store: s}
}

type listEstimatesResponse struct {
	Estimates []*store.Estimate `json:"estimates"`
}

// ServeHTTP handles GET /api/estimates. The optional session and limit
// query parameters filter the result.
func (h *EstimatesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}

	var estimates []*store.Estimate
	if session := r.URL.Query().Get("session"); session != "" {
		estimates, err = h.store.Estimates().ListBySession(session, limit)
	} else {
		estimates, err = h.store.Estimates().Recent(limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list estimates")
		return
	}
	if estimates == nil {
		estimates = []*store.Estimate{}
	}

	writeJSON(w, http.StatusOK, listEstimatesResponse{Estimates: estimates})
}

// SessionsHandler serves recorded capture sessions.
type SessionsHandler struct {
	store *store.Store
}

// NewSessionsHandler creates a new SessionsHandler with the given store.
func NewSessionsHandler(s *store.Store) *SessionsHandler {
	return &SessionsHandler{store: s}
}

type listSessionsResponse struct {
	Sessions []*store.Session `json:"sessions"`
}

type sessionResponse struct {
	*store.Session
	Outcomes map[string]int `json:"outcomes"`
}

// ServeHTTP handles GET /api/sessions and GET /api/sessions/{id}.
func (h *SessionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/api/sessions"), "/")
	if id == "" {
		h.list(w, r)
		return
	}
	h.get(w, r, id)
}

func (h *SessionsHandler) list(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	sessions, err := h.store.Sessions().List(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*store.Session{}
	}
	writeJSON(w, http.StatusOK, listSessionsResponse{Sessions: sessions})
}

func (h *SessionsHandler) get(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := h.store.Sessions().GetByID(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get session")
		return
	}

	counts, err := h.store.Estimates().CountByOutcome(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count estimates")
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{Session: sess, Outcomes: counts})
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid limit")
	}
	return n, nil
}
