package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ayusman/gazegrid/internal/geometry"
)

// newTestStore creates a new Store in a temporary directory.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func newTestSession(t *testing.T, s *Store) *Session {
	t.Helper()
	sess := &Session{FrameWidth: 640, FrameHeight: 480, Arity: 4}
	if err := s.Sessions().Create(sess); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return sess
}

func TestNewStore_CreatesDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "gazegrid.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file should exist after creating store")
	}
}

func TestNewStore_RunsMigrations(t *testing.T) {
	s := newTestStore(t)

	for _, table := range []string{"sessions", "estimates", "settings"} {
		var name string
		err := s.DB().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q should exist after migrations: %v", table, err)
		}
	}
}

func TestStore_ForeignKeysEnabled(t *testing.T) {
	s := newTestStore(t)

	var fkEnabled int
	if err := s.DB().QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		t.Fatalf("failed to check foreign keys pragma: %v", err)
	}
	if fkEnabled != 1 {
		t.Error("foreign keys should be enabled")
	}

	err := s.Estimates().Create(&Estimate{SessionID: "missing", Outcome: "no_face", Arity: 4})
	if err == nil {
		t.Error("estimate for an unknown session should be rejected")
	}
}

func TestStore_Close(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("close should not return error: %v", err)
	}
	if _, err := s.DB().Exec("SELECT 1"); err == nil {
		t.Error("DB operations should fail after close")
	}
}

func TestSessionRepository(t *testing.T) {
	s := newTestStore(t)
	repo := s.Sessions()

	sess := newTestSession(t, s)
	if sess.ID == "" || sess.Status != SessionRunning || sess.StartedAt.IsZero() {
		t.Fatalf("create should fill id, status and start time: %+v", sess)
	}

	got, err := repo.GetByID(sess.ID)
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if got.FrameWidth != 640 || got.Source != "camera" || got.EndedAt != nil {
		t.Errorf("unexpected session %+v", got)
	}

	if err := repo.End(sess.ID, SessionFailed, "permit timeout"); err != nil {
		t.Fatalf("failed to end session: %v", err)
	}
	got, _ = repo.GetByID(sess.ID)
	if got.Status != SessionFailed || got.Error != "permit timeout" || got.EndedAt == nil {
		t.Errorf("session not ended: %+v", got)
	}

	if err := repo.End("nope", SessionStopped, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := repo.GetByID("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	newTestSession(t, s)
	list, err := repo.List(10)
	if err != nil {
		t.Fatalf("failed to list sessions: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(list))
	}
}

func TestEstimateRepository(t *testing.T) {
	s := newTestStore(t)
	repo := s.Estimates()
	sess := newTestSession(t, s)

	estimated := &Estimate{
		SessionID:     sess.ID,
		FrameSeq:      12,
		Outcome:       "estimated",
		Arity:         4,
		Class:         1,
		Probabilities: []float32{0.1, 0.7, 0.05, 0.15},
		Region:        Region{X: 320, Y: 240, W: 320, H: 240},
		Face:          geometry.FaceBox{X: 0.3, Y: 0.3, W: 0.3, H: 0.4},
		Landmarks:     []geometry.Point{{X: 1, Y: 2}},
		Tracked:       true,
		Timings:       map[string]float64{"detect_ms": 4.5},
		TotalMs:       9.25,
	}
	noFace := &Estimate{SessionID: sess.ID, FrameSeq: 13, Outcome: "no_face", Arity: 4, Class: -1}

	if err := repo.CreateBatch([]*Estimate{estimated, noFace}); err != nil {
		t.Fatalf("failed to create estimates: %v", err)
	}
	if estimated.ID == "" || noFace.ID == "" {
		t.Fatal("ids should be assigned")
	}

	got, err := repo.GetByID(estimated.ID)
	if err != nil {
		t.Fatalf("failed to get estimate: %v", err)
	}
	if got.Class != 1 || got.Region != estimated.Region || !got.Tracked {
		t.Errorf("unexpected estimate %+v", got)
	}
	if len(got.Probabilities) != 4 || got.Probabilities[1] != 0.7 {
		t.Errorf("probabilities lost: %v", got.Probabilities)
	}
	if got.Face != estimated.Face || len(got.Landmarks) != 1 || got.Timings["detect_ms"] != 4.5 {
		t.Errorf("diagnostics lost: %+v", got)
	}

	empty, err := repo.GetByID(noFace.ID)
	if err != nil {
		t.Fatalf("failed to get estimate: %v", err)
	}
	if len(empty.Probabilities) != 0 || empty.Class != -1 {
		t.Errorf("unexpected no-face estimate %+v", empty)
	}

	list, err := repo.ListBySession(sess.ID, 10)
	if err != nil {
		t.Fatalf("failed to list estimates: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 estimates, got %d", len(list))
	}

	counts, err := repo.CountByOutcome(sess.ID)
	if err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if counts["estimated"] != 1 || counts["no_face"] != 1 {
		t.Errorf("unexpected counts %v", counts)
	}

	recent, err := repo.Recent(1)
	if err != nil || len(recent) != 1 {
		t.Errorf("expected 1 recent estimate, got %d (%v)", len(recent), err)
	}

	deleted, err := repo.DeleteBefore(time.Now().Add(time.Hour))
	if err != nil || deleted != 2 {
		t.Errorf("expected 2 deleted, got %d (%v)", deleted, err)
	}
}

func TestEstimateRepository_CascadeDelete(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)
	if err := s.Estimates().Create(&Estimate{SessionID: sess.ID, Outcome: "no_face", Arity: 4, Class: -1}); err != nil {
		t.Fatalf("failed to create estimate: %v", err)
	}

	if _, err := s.DB().Exec(`DELETE FROM sessions WHERE id = ?`, sess.ID); err != nil {
		t.Fatalf("failed to delete session: %v", err)
	}

	list, err := s.Estimates().ListBySession(sess.ID, 10)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("estimates should be removed with their session, got %d", len(list))
	}
}

func TestSettingsRepository(t *testing.T) {
	s := newTestStore(t)
	repo := s.Settings()

	if _, err := repo.Get(SettingGridArity); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if n, err := repo.GetInt(SettingGridArity, 4); err != nil || n != 4 {
		t.Errorf("expected default 4, got %d (%v)", n, err)
	}

	if err := repo.SetInt(SettingGridArity, 6); err != nil {
		t.Fatalf("failed to set: %v", err)
	}
	if err := repo.SetInt(SettingGridArity, 9); err != nil {
		t.Fatalf("failed to overwrite: %v", err)
	}
	if n, _ := repo.GetInt(SettingGridArity, 4); n != 9 {
		t.Errorf("expected 9, got %d", n)
	}

	repo.Set(SettingAutoStart, "yes please")
	if n, err := repo.GetInt(SettingAutoStart, -1); err != nil || n != -1 {
		t.Errorf("non-numeric value should give the default, got %d (%v)", n, err)
	}
}
