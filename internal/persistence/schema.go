package persistence

import (
	"context"
)

// initSchema creates the tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS lists (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		status INTEGER NOT NULL,
		max_depth INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS steps (
		id TEXT PRIMARY KEY,
		list_id TEXT NOT NULL,
		description TEXT NOT NULL,
		category TEXT NOT NULL,
		declared_paths TEXT,
		verify_command TEXT,
		status INTEGER NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		soft_retries INTEGER NOT NULL DEFAULT 0,
		result TEXT,
		verify_output TEXT,
		error TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (list_id) REFERENCES lists(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_steps_list_id ON steps(list_id);

	CREATE TABLE IF NOT EXISTS step_dependencies (
		step_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		PRIMARY KEY (step_id, depends_on_id),
		FOREIGN KEY (step_id) REFERENCES steps(id) ON DELETE CASCADE,
		FOREIGN KEY (depends_on_id) REFERENCES steps(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_step_dependencies_step_id ON step_dependencies(step_id);

	CREATE TABLE IF NOT EXISTS tier_attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		step_id TEXT NOT NULL,
		tier TEXT NOT NULL,
		rank INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT,
		cost REAL NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (step_id) REFERENCES steps(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tier_attempts_step_id ON tier_attempts(step_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
