package store

// runMigrations executes all database migrations.
func (s *Store) runMigrations() error {
	migrations := []string{
		// Sessions table - one row per camera session
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			device_id INTEGER NOT NULL DEFAULT 0,
			source TEXT NOT NULL DEFAULT 'camera',
			frame_width INTEGER NOT NULL,
			frame_height INTEGER NOT NULL,
			arity INTEGER NOT NULL CHECK(arity IN (4, 6, 9)),
			status TEXT NOT NULL CHECK(status IN ('running', 'stopped', 'failed')),
			error TEXT NOT NULL DEFAULT '',
			started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME
		)`,

		// Estimates table - one row per analyzed frame
		`CREATE TABLE IF NOT EXISTS estimates (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			frame_seq INTEGER NOT NULL,
			outcome TEXT NOT NULL CHECK(outcome IN ('no_face', 'eyes_unavailable', 'estimated')),
			arity INTEGER NOT NULL,
			class INTEGER NOT NULL DEFAULT -1,
			probabilities TEXT NOT NULL DEFAULT '[]',
			region_x INTEGER NOT NULL DEFAULT 0,
			region_y INTEGER NOT NULL DEFAULT 0,
			region_w INTEGER NOT NULL DEFAULT 0,
			region_h INTEGER NOT NULL DEFAULT 0,
			face TEXT NOT NULL DEFAULT '{}',
			landmarks TEXT NOT NULL DEFAULT '[]',
			tracked INTEGER NOT NULL DEFAULT 0,
			timings TEXT NOT NULL DEFAULT '{}',
			total_ms REAL NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Settings table - stores application settings as key-value pairs
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		// Indexes for better query performance
		`CREATE INDEX IF NOT EXISTS idx_estimates_session_id ON estimates(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_estimates_created_at ON estimates(created_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
