package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a capture session.
type SessionStatus string

const (
	SessionRunning SessionStatus = "running"
	SessionStopped SessionStatus = "stopped"
	SessionFailed  SessionStatus = "failed"
)

// Session records one open-to-close camera session.
type Session struct {
	ID          string        `json:"id"`
	DeviceID    int           `json:"device_id"`
	Source      string        `json:"source"`
	FrameWidth  int           `json:"frame_width"`
	FrameHeight int           `json:"frame_height"`
	Arity       int           `json:"arity"`
	Status      SessionStatus `json:"status"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
}

// SessionRepository provides CRUD operations for sessions.
type SessionRepository struct {
	db *sql.DB
}

// Sessions returns the session repository for this store.
func (s *Store) Sessions() *SessionRepository {
	return &SessionRepository{db: s.db}
}

// Create inserts a running session. An empty ID is filled with a new UUID.
func (r *SessionRepository) Create(sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.Source == "" {
		sess.Source = "camera"
	}
	sess.Status = SessionRunning
	sess.StartedAt = time.Now()

	_, err := r.db.Exec(
		`INSERT INTO sessions (id, device_id, source, frame_width, frame_height, arity, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.DeviceID, sess.Source, sess.FrameWidth, sess.FrameHeight, sess.Arity,
		string(sess.Status), sess.StartedAt,
	)
	return err
}

// End marks a session finished with the given status and error message.
func (r *SessionRepository) End(id string, status SessionStatus, errMsg string) error {
	result, err := r.db.Exec(
		`UPDATE sessions SET status = ?, error = ?, ended_at = ? WHERE id = ?`,
		string(status), errMsg, time.Now(), id,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID retrieves a session by its ID.
func (r *SessionRepository) GetByID(id string) (*Session, error) {
	row := r.db.QueryRow(
		`SELECT id, device_id, source, frame_width, frame_height, arity, status, error, started_at, ended_at
		 FROM sessions WHERE id = ?`,
		id,
	)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return sess, nil
}

// List retrieves the most recent sessions, newest first.
func (r *SessionRepository) List(limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(
		`SELECT id, device_id, source, frame_width, frame_height, arity, status, error, started_at, ended_at
		 FROM sessions ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	sess := &Session{}
	var status string
	var ended sql.NullTime
	err := row.Scan(&sess.ID, &sess.DeviceID, &sess.Source, &sess.FrameWidth, &sess.FrameHeight,
		&sess.Arity, &status, &sess.Error, &sess.StartedAt, &ended)
	if err != nil {
		return nil, err
	}
	sess.Status = SessionStatus(status)
	if ended.Valid {
		t := ended.Time
		sess.EndedAt = &t
	}
	return sess, nil
}
