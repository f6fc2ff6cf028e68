package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aristath/stepflow/internal/task"
	_ "modernc.org/sqlite"
)

// ListSummary is the overview row for one stored task list.
type ListSummary struct {
	ID        string
	Title     string
	Status    task.ListStatus
	StepCount int
	Cost      float64
}

// Store persists task lists, their steps, and per-step tier histories so a
// run can be inspected or resumed after the process exits.
type Store interface {
	SaveList(ctx context.Context, list *task.TaskList) error
	GetList(ctx context.Context, listID string) (*task.TaskList, error)
	ListSummaries(ctx context.Context) ([]ListSummary, error)

	// SaveStep upserts one step of an already-saved list, including its
	// tier history. Used for incremental progress during execution.
	SaveStep(ctx context.Context, step *task.TaskStep) error

	Close() error
}

// SQLiteStore implements Store on SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a store at dbPath. Parent directories are
// created as needed. WAL mode and a busy timeout keep concurrent step saves
// from tripping over each other.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return initStore(ctx, db)
}

// NewMemoryStore creates an in-memory store for tests. The shared cache lets
// every connection of the pool see the same database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("opening memory database: %w", err)
	}
	return initStore(ctx, db)
}

func initStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	// modernc.org/sqlite ignores _foreign_keys in the DSN; set it per pool.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	// One connection for primary queries, one for per-row subqueries.
	db.SetMaxOpenConns(2)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
