package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/aristath/stepflow/internal/task"
)

// SaveList upserts a list and all of its steps in one transaction.
func (s *SQLiteStore) SaveList(ctx context.Context, list *task.TaskList) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO lists (id, title, status, max_depth, created_at, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			max_depth = excluded.max_depth,
			updated_at = CURRENT_TIMESTAMP
	`, list.ID, list.Title, list.Status, list.MaxDepth)
	if err != nil {
		return fmt.Errorf("upserting list: %w", err)
	}

	for _, step := range list.Steps {
		if err := upsertStep(ctx, tx, step); err != nil {
			return err
		}
	}
	// Dependencies reference step rows, so they go in after every step exists.
	for _, step := range list.Steps {
		if err := replaceDependencies(ctx, tx, step); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

// SaveStep upserts one step and its tier history.
func (s *SQLiteStore) SaveStep(ctx context.Context, step *task.TaskStep) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertStep(ctx, tx, step); err != nil {
		return err
	}
	if err := replaceDependencies(ctx, tx, step); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

func upsertStep(ctx context.Context, tx *sql.Tx, step *task.TaskStep) error {
	errorStr := ""
	if step.Err != nil {
		errorStr = step.Err.Error()
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO steps (id, list_id, description, category, declared_paths,
			verify_command, status, attempt_count, soft_retries, result,
			verify_output, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			category = excluded.category,
			declared_paths = excluded.declared_paths,
			verify_command = excluded.verify_command,
			status = excluded.status,
			attempt_count = excluded.attempt_count,
			soft_retries = excluded.soft_retries,
			result = excluded.result,
			verify_output = excluded.verify_output,
			error = excluded.error,
			updated_at = CURRENT_TIMESTAMP
	`, step.ID, step.ListID, step.Description, step.Category.String(),
		strings.Join(step.DeclaredPaths, ","), step.VerifyCommand, step.Status,
		step.AttemptCount, step.SoftRetries, step.Result, step.VerifyOutput, errorStr)
	if err != nil {
		return fmt.Errorf("upserting step %s: %w", step.ID, err)
	}

	// Tier history is append-only in memory; replacing the rows keeps the
	// upsert idempotent.
	if _, err := tx.ExecContext(ctx, `DELETE FROM tier_attempts WHERE step_id = ?`, step.ID); err != nil {
		return fmt.Errorf("clearing attempts for %s: %w", step.ID, err)
	}
	for _, a := range step.TierHistory {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tier_attempts (step_id, tier, rank, outcome, detail, cost)
			VALUES (?, ?, ?, ?, ?, ?)
		`, step.ID, a.Tier, a.Rank, string(a.Outcome), a.Detail, a.Cost)
		if err != nil {
			return fmt.Errorf("inserting attempt for %s: %w", step.ID, err)
		}
	}
	return nil
}

func replaceDependencies(ctx context.Context, tx *sql.Tx, step *task.TaskStep) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM step_dependencies WHERE step_id = ?`, step.ID); err != nil {
		return fmt.Errorf("clearing dependencies for %s: %w", step.ID, err)
	}
	for _, depID := range step.DependsOn {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO step_dependencies (step_id, depends_on_id) VALUES (?, ?)
		`, step.ID, depID)
		if err != nil {
			return fmt.Errorf("inserting dependency %s -> %s: %w", step.ID, depID, err)
		}
	}
	return nil
}

// GetList loads a list with its steps, dependencies, and tier histories.
func (s *SQLiteStore) GetList(ctx context.Context, listID string) (*task.TaskList, error) {
	list := &task.TaskList{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, status, max_depth FROM lists WHERE id = ?
	`, listID).Scan(&list.ID, &list.Title, &list.Status, &list.MaxDepth)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("list not found: %s", listID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying list: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, category, declared_paths, verify_command,
			status, attempt_count, soft_retries, result, verify_output, error
		FROM steps WHERE list_id = ? ORDER BY created_at, id
	`, listID)
	if err != nil {
		return nil, fmt.Errorf("querying steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		step := &task.TaskStep{ListID: listID}
		var category, declaredPaths, errorStr string
		if err := rows.Scan(&step.ID, &step.Description, &category, &declaredPaths,
			&step.VerifyCommand, &step.Status, &step.AttemptCount, &step.SoftRetries,
			&step.Result, &step.VerifyOutput, &errorStr); err != nil {
			return nil, fmt.Errorf("scanning step: %w", err)
		}
		if step.Category, err = task.ParseCategory(category); err != nil {
			return nil, fmt.Errorf("step %s: %w", step.ID, err)
		}
		if declaredPaths != "" {
			step.DeclaredPaths = strings.Split(declaredPaths, ",")
		}
		if errorStr != "" {
			step.Err = errors.New(errorStr)
		}
		list.Steps = append(list.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating steps: %w", err)
	}

	for _, step := range list.Steps {
		if err := s.loadStepDetail(ctx, step); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func (s *SQLiteStore) loadStepDetail(ctx context.Context, step *task.TaskStep) error {
	depRows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id FROM step_dependencies WHERE step_id = ? ORDER BY depends_on_id
	`, step.ID)
	if err != nil {
		return fmt.Errorf("querying dependencies: %w", err)
	}
	defer depRows.Close()
	for depRows.Next() {
		var depID string
		if err := depRows.Scan(&depID); err != nil {
			return fmt.Errorf("scanning dependency: %w", err)
		}
		step.DependsOn = append(step.DependsOn, depID)
	}
	if err := depRows.Err(); err != nil {
		return fmt.Errorf("iterating dependencies: %w", err)
	}

	attemptRows, err := s.db.QueryContext(ctx, `
		SELECT tier, rank, outcome, detail, cost FROM tier_attempts
		WHERE step_id = ? ORDER BY id
	`, step.ID)
	if err != nil {
		return fmt.Errorf("querying attempts: %w", err)
	}
	defer attemptRows.Close()
	for attemptRows.Next() {
		var a task.TierAttempt
		var outcome string
		if err := attemptRows.Scan(&a.Tier, &a.Rank, &outcome, &a.Detail, &a.Cost); err != nil {
			return fmt.Errorf("scanning attempt: %w", err)
		}
		a.Outcome = task.AttemptOutcome(outcome)
		step.TierHistory = append(step.TierHistory, a)
	}
	return attemptRows.Err()
}

// ListSummaries returns an overview of every stored list, newest first.
func (s *SQLiteStore) ListSummaries(ctx context.Context) ([]ListSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.title, l.status,
			(SELECT COUNT(*) FROM steps WHERE list_id = l.id),
			COALESCE((SELECT SUM(cost) FROM tier_attempts ta
				JOIN steps st ON ta.step_id = st.id WHERE st.list_id = l.id), 0)
		FROM lists l ORDER BY l.created_at DESC, l.id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying lists: %w", err)
	}
	defer rows.Close()

	var summaries []ListSummary
	for rows.Next() {
		var sum ListSummary
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.Status, &sum.StepCount, &sum.Cost); err != nil {
			return nil, fmt.Errorf("scanning list: %w", err)
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}
