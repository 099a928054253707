package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ayusman/gazegrid/internal/store"
)

func TestAPI_CaptureWorkflow(t *testing.T) {
	// Setup
	tmpDir := t.TempDir()
	s, err := store.New(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	defer s.Close()

	a := newTestAppWithStore(t, s)
	srv := New(Config{Store: s, App: a})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := ts.Client()

	// 1. Subscribe to live results
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/live"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s error = %v", wsURL, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for srv.live.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// 2. Capture before the camera is open is refused
	resp, err := client.Post(ts.URL+"/api/capture", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/capture error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("POST /api/capture status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}

	// 3. Enable detection, which opens the camera
	resp, err = client.Post(ts.URL+"/api/detection", "application/json", bytes.NewBufferString(`{"enabled": true}`))
	if err != nil {
		t.Fatalf("POST /api/detection error = %v", err)
	}
	var status struct {
		Running   bool   `json:"running"`
		Enabled   bool   `json:"enabled"`
		SessionID string `json:"session_id"`
	}
	json.NewDecoder(resp.Body).Decode(&status)
	resp.Body.Close()
	if !status.Running || !status.Enabled || status.SessionID == "" {
		t.Fatalf("unexpected detection status %+v", status)
	}

	// 4. Changing the grid while detection runs conflicts
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/grid", bytes.NewBufferString(`{"arity": 9}`))
	resp, _ = client.Do(req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("PUT /api/grid status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}

	// 5. A manual capture produces a live estimate
	resp, _ = client.Post(ts.URL+"/api/capture", "application/json", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /api/capture status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var live struct {
		Estimate struct {
			Outcome string `json:"outcome"`
			Class   int    `json:"class"`
		} `json:"estimate"`
	}
	if err := conn.ReadJSON(&live); err != nil {
		t.Fatalf("read live message error = %v", err)
	}
	if live.Estimate.Outcome != "estimated" || live.Estimate.Class != 1 {
		t.Errorf("unexpected live estimate %+v", live.Estimate)
	}

	// 6. Stopping flushes the estimates to the session
	a.Stop()
	resp, _ = client.Get(ts.URL + "/api/sessions/" + status.SessionID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/sessions/%s status = %d, want %d", status.SessionID, resp.StatusCode, http.StatusOK)
	}
	var sess struct {
		Status   string         `json:"status"`
		Outcomes map[string]int `json:"outcomes"`
	}
	json.NewDecoder(resp.Body).Decode(&sess)
	resp.Body.Close()
	if sess.Status != "stopped" || sess.Outcomes["estimated"] < 1 {
		t.Errorf("unexpected session %+v", sess)
	}
}

func TestAPI_HealthTracksDetection(t *testing.T) {
	a := newTestApp(t)
	ts := httptest.NewServer(New(Config{App: a}))
	defer ts.Close()

	capture := func() string {
		resp, err := ts.Client().Get(ts.URL + "/api/health")
		if err != nil {
			t.Fatalf("GET /api/health error = %v", err)
		}
		defer resp.Body.Close()
		var health struct {
			Status  string `json:"status"`
			Capture string `json:"capture"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
			t.Fatalf("decode health: %v", err)
		}
		if health.Status != "ok" {
			t.Errorf("status = %s, want ok", health.Status)
		}
		return health.Capture
	}

	if got := capture(); got != "idle" {
		t.Errorf("capture before detection = %s, want idle", got)
	}

	resp, err := ts.Client().Post(ts.URL+"/api/detection", "application/json", bytes.NewBufferString(`{"enabled": true}`))
	if err != nil {
		t.Fatalf("POST /api/detection error = %v", err)
	}
	resp.Body.Close()
	if got := capture(); got != "previewing" {
		t.Errorf("capture while detecting = %s, want previewing", got)
	}

	a.Stop()
	if got := capture(); got != "idle" {
		t.Errorf("capture after stop = %s, want idle", got)
	}
}
