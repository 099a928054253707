package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ayusman/gazegrid/internal/geometry"
)

// Region is a screen rectangle in pixels.
type Region struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Estimate records the result of one analyzed frame.
type Estimate struct {
	ID            string             `json:"id"`
	SessionID     string             `json:"session_id"`
	FrameSeq      uint64             `json:"frame_seq"`
	Outcome       string             `json:"outcome"`
	Arity         int                `json:"arity"`
	Class         int                `json:"class"`
	Probabilities []float32          `json:"probabilities"`
	Region        Region             `json:"region"`
	Face          geometry.FaceBox   `json:"face"`
	Landmarks     []geometry.Point   `json:"landmarks,omitempty"`
	Tracked       bool               `json:"tracked"`
	Timings       map[string]float64 `json:"timings,omitempty"`
	TotalMs       float64            `json:"total_ms"`
	CreatedAt     time.Time          `json:"created_at"`
}

// EstimateRepository provides operations for estimates.
type EstimateRepository struct {
	db *sql.DB
}

// Estimates returns the estimate repository for this store.
func (s *Store) Estimates() *EstimateRepository {
	return &EstimateRepository{db: s.db}
}

// Create inserts a single estimate.
func (r *EstimateRepository) Create(e *Estimate) error {
	return r.CreateBatch([]*Estimate{e})
}

// CreateBatch inserts estimates in a single transaction. Empty IDs are
// filled with new UUIDs.
func (r *EstimateRepository) CreateBatch(estimates []*Estimate) error {
	if len(estimates) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO estimates (id, session_id, frame_seq, outcome, arity, class,
			probabilities, region_x, region_y, region_w, region_h, face, landmarks, tracked, timings, total_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range estimates {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now()
		}
		probs, err := marshalText(e.Probabilities, "[]")
		if err != nil {
			return err
		}
		face, err := marshalText(e.Face, "{}")
		if err != nil {
			return err
		}
		landmarks, err := marshalText(e.Landmarks, "[]")
		if err != nil {
			return err
		}
		timings, err := marshalText(e.Timings, "{}")
		if err != nil {
			return err
		}

		if _, err := stmt.Exec(e.ID, e.SessionID, int64(e.FrameSeq), e.Outcome, e.Arity, e.Class,
			probs, e.Region.X, e.Region.Y, e.Region.W, e.Region.H, face, landmarks, e.Tracked,
			timings, e.TotalMs, e.CreatedAt); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetByID retrieves an estimate by its ID.
func (r *EstimateRepository) GetByID(id string) (*Estimate, error) {
	row := r.db.QueryRow(selectEstimates+` WHERE id = ?`, id)
	e, err := scanEstimate(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// ListBySession retrieves the newest estimates of a session.
func (r *EstimateRepository) ListBySession(sessionID string, limit int) ([]*Estimate, error) {
	return r.query(selectEstimates+` WHERE session_id = ? ORDER BY created_at DESC, frame_seq DESC LIMIT ?`,
		sessionID, normalizeLimit(limit))
}

// Recent retrieves the newest estimates across all sessions.
func (r *EstimateRepository) Recent(limit int) ([]*Estimate, error) {
	return r.query(selectEstimates+` ORDER BY created_at DESC, frame_seq DESC LIMIT ?`, normalizeLimit(limit))
}

// CountByOutcome returns the number of estimates per outcome for a session.
func (r *EstimateRepository) CountByOutcome(sessionID string) (map[string]int, error) {
	rows, err := r.db.Query(
		`SELECT outcome, COUNT(*) FROM estimates WHERE session_id = ? GROUP BY outcome`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

// DeleteBefore removes estimates older than t and returns how many were
// deleted.
func (r *EstimateRepository) DeleteBefore(t time.Time) (int64, error) {
	result, err := r.db.Exec(`DELETE FROM estimates WHERE created_at < ?`, t)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const selectEstimates = `SELECT id, session_id, frame_seq, outcome, arity, class, probabilities,
	region_x, region_y, region_w, region_h, face, landmarks, tracked, timings, total_ms, created_at
	FROM estimates`

func (r *EstimateRepository) query(q string, args ...any) ([]*Estimate, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var estimates []*Estimate
	for rows.Next() {
		e, err := scanEstimate(rows)
		if err != nil {
			return nil, err
		}
		estimates = append(estimates, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return estimates, nil
}

func scanEstimate(row scanner) (*Estimate, error) {
	e := &Estimate{}
	var seq int64
	var probs, face, landmarks, timings string
	err := row.Scan(&e.ID, &e.SessionID, &seq, &e.Outcome, &e.Arity, &e.Class, &probs,
		&e.Region.X, &e.Region.Y, &e.Region.W, &e.Region.H, &face, &landmarks, &e.Tracked,
		&timings, &e.TotalMs, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.FrameSeq = uint64(seq)

	for _, f := range []struct {
		text string
		dst  any
	}{
		{probs, &e.Probabilities},
		{face, &e.Face},
		{landmarks, &e.Landmarks},
		{timings, &e.Timings},
	} {
		if err := json.Unmarshal([]byte(f.text), f.dst); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func marshalText(v any, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
