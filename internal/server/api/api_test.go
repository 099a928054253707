package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ayusman/gazegrid/internal/app"
	"github.com/ayusman/gazegrid/internal/grid"
	"github.com/ayusman/gazegrid/internal/pipeline"
	"github.com/ayusman/gazegrid/internal/store"
)

type fakeController struct {
	running  bool
	enabled  bool
	arity    grid.Arity
	loaded   []grid.Arity
	startErr error
	triggers int
}

func newFakeController() *fakeController {
	return &fakeController{arity: grid.Arity4, loaded: []grid.Arity{grid.Arity4, grid.Arity9}}
}

func (f *fakeController) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeController) Stop() error {
	f.running = false
	return nil
}

func (f *fakeController) Status() app.Status {
	return app.Status{Running: f.running, Enabled: f.enabled, Arity: int(f.arity)}
}

func (f *fakeController) Stats() app.Stats { return app.Stats{Passes: uint64(f.triggers)} }

func (f *fakeController) SetEnabled(enabled bool) { f.enabled = enabled }

func (f *fakeController) IsEnabled() bool { return f.enabled }

func (f *fakeController) Trigger() error {
	if !f.running {
		return app.ErrNotStarted
	}
	f.triggers++
	return nil
}

func (f *fakeController) SetArity(a grid.Arity) error {
	if f.enabled {
		return app.ErrDetectionRunning
	}
	for _, l := range f.loaded {
		if l == a {
			f.arity = a
			return nil
		}
	}
	return errors.New("no model loaded")
}

func (f *fakeController) Arity() grid.Arity { return f.arity }

func (f *fakeController) Arities() []grid.Arity { return f.loaded }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func do(h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGridHandler(t *testing.T) {
	t.Run("get returns the active grid", func(t *testing.T) {
		h := NewGridHandler(newFakeController())
		rec := do(h, http.MethodGet, "/api/grid", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}

		var resp gridResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp.Arity != 4 || resp.Columns != 2 || resp.Rows != 2 {
			t.Errorf("unexpected grid %+v", resp)
		}
		if len(resp.Available) != 2 || resp.Available[1] != 9 {
			t.Errorf("unexpected available arities %v", resp.Available)
		}
	})

	tests := []struct {
		name       string
		enabled    bool
		body       interface{}
		wantStatus int
		wantArity  grid.Arity
	}{
		{"switches arity", false, setGridRequest{Arity: 9}, http.StatusOK, grid.Arity9},
		{"rejects unsupported arity", false, setGridRequest{Arity: 5}, http.StatusBadRequest, grid.Arity4},
		{"rejects arity without a model", false, setGridRequest{Arity: 6}, http.StatusBadRequest, grid.Arity4},
		{"conflicts while detection runs", true, setGridRequest{Arity: 9}, http.StatusConflict, grid.Arity4},
		{"rejects invalid json", false, "not json", http.StatusBadRequest, grid.Arity4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := newFakeController()
			ctrl.enabled = tt.enabled
			rec := do(NewGridHandler(ctrl), http.MethodPut, "/api/grid", tt.body)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if ctrl.arity != tt.wantArity {
				t.Errorf("expected arity %d, got %d", tt.wantArity, ctrl.arity)
			}
		})
	}

	t.Run("method not allowed", func(t *testing.T) {
		rec := do(NewGridHandler(newFakeController()), http.MethodDelete, "/api/grid", nil)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})
}

func TestDetectionHandler(t *testing.T) {
	t.Run("enable starts the camera", func(t *testing.T) {
		ctrl := newFakeController()
		on := true
		rec := do(NewDetectionHandler(ctrl), http.MethodPost, "/api/detection", detectionRequest{Enabled: &on})

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
		if !ctrl.running || !ctrl.enabled {
			t.Errorf("expected running and enabled, got %+v", ctrl)
		}

		var resp map[string]interface{}
		json.NewDecoder(rec.Body).Decode(&resp)
		if resp["enabled"] != true || resp["running"] != true {
			t.Errorf("unexpected response %v", resp)
		}
		if _, ok := resp["stats"]; !ok {
			t.Error("expected stats in response")
		}
	})

	t.Run("disable leaves the camera open", func(t *testing.T) {
		ctrl := newFakeController()
		ctrl.running, ctrl.enabled = true, true
		off := false
		rec := do(NewDetectionHandler(ctrl), http.MethodPost, "/api/detection", detectionRequest{Enabled: &off})

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
		if !ctrl.running || ctrl.enabled {
			t.Errorf("expected running and disabled, got %+v", ctrl)
		}
	})

	t.Run("start failure", func(t *testing.T) {
		ctrl := newFakeController()
		ctrl.startErr = errors.New("camera busy")
		on := true
		rec := do(NewDetectionHandler(ctrl), http.MethodPost, "/api/detection", detectionRequest{Enabled: &on})

		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
		}
		if ctrl.enabled {
			t.Error("detection should stay disabled")
		}
	})

	t.Run("missing enabled", func(t *testing.T) {
		rec := do(NewDetectionHandler(newFakeController()), http.MethodPost, "/api/detection", map[string]int{})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})
}

func TestCaptureHandler(t *testing.T) {
	ctrl := newFakeController()
	h := NewCaptureHandler(ctrl)

	rec := do(h, http.MethodPost, "/api/capture", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected status %d before start, got %d", http.StatusConflict, rec.Code)
	}

	ctrl.running = true
	rec = do(h, http.MethodPost, "/api/capture", nil)
	if rec.Code != http.StatusAccepted {
		t.Errorf("expected status %d, got %d", http.StatusAccepted, rec.Code)
	}
	if ctrl.triggers != 1 {
		t.Errorf("expected one trigger, got %d", ctrl.triggers)
	}

	rec = do(h, http.MethodGet, "/api/capture", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}

func seedSession(t *testing.T, s *store.Store) *store.Session {
	t.Helper()
	sess := &store.Session{Source: "mock", FrameWidth: 640, FrameHeight: 480, Arity: 4}
	if err := s.Sessions().Create(sess); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	results := []pipeline.Result{
		{Outcome: pipeline.OutcomeEstimated, Class: 1, Arity: grid.Arity4, Region: image.Rect(320, 0, 640, 240), FrameSequence: 1},
		{Outcome: pipeline.OutcomeEstimated, Class: 3, Arity: grid.Arity4, Region: image.Rect(320, 240, 640, 480), FrameSequence: 2},
		{Outcome: pipeline.OutcomeNoFace, Class: -1, Arity: grid.Arity4, FrameSequence: 3},
	}
	batch := make([]*store.Estimate, 0, len(results))
	for _, r := range results {
		e := app.ToEstimate(r)
		e.SessionID = sess.ID
		batch = append(batch, e)
	}
	if err := s.Estimates().CreateBatch(batch); err != nil {
		t.Fatalf("failed to create estimates: %v", err)
	}
	return sess
}

func TestEstimatesHandler(t *testing.T) {
	s := newTestStore(t)
	sess := seedSession(t, s)
	h := NewEstimatesHandler(s)

	t.Run("filters by session with a limit", func(t *testing.T) {
		rec := do(h, http.MethodGet, "/api/estimates?session="+sess.ID+"&limit=2", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
		var resp listEstimatesResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if len(resp.Estimates) != 2 {
			t.Errorf("expected 2 estimates, got %d", len(resp.Estimates))
		}
	})

	t.Run("unknown session is empty", func(t *testing.T) {
		rec := do(h, http.MethodGet, "/api/estimates?session=nope", nil)
		var resp map[string][]interface{}
		json.NewDecoder(rec.Body).Decode(&resp)
		if resp["estimates"] == nil || len(resp["estimates"]) != 0 {
			t.Errorf("expected an empty list, got %v", resp)
		}
	})

	t.Run("invalid limit", func(t *testing.T) {
		rec := do(h, http.MethodGet, "/api/estimates?limit=abc", nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})
}

func TestSessionsHandler(t *testing.T) {
	s := newTestStore(t)
	sess := seedSession(t, s)
	h := NewSessionsHandler(s)

	t.Run("list", func(t *testing.T) {
		rec := do(h, http.MethodGet, "/api/sessions", nil)
		var resp listSessionsResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if len(resp.Sessions) != 1 || resp.Sessions[0].ID != sess.ID {
			t.Errorf("unexpected sessions %+v", resp.Sessions)
		}
	})

	t.Run("get with outcome counts", func(t *testing.T) {
		rec := do(h, http.MethodGet, "/api/sessions/"+sess.ID, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
		var resp struct {
			ID       string         `json:"id"`
			Outcomes map[string]int `json:"outcomes"`
		}
		json.NewDecoder(rec.Body).Decode(&resp)
		if resp.ID != sess.ID || resp.Outcomes["estimated"] != 2 || resp.Outcomes["no_face"] != 1 {
			t.Errorf("unexpected response %+v", resp)
		}
	})

	t.Run("not found", func(t *testing.T) {
		rec := do(h, http.MethodGet, "/api/sessions/missing", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})
}
