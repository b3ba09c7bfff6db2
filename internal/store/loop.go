package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateLoop creates a new loop record.
func (s *Store) CreateLoop(ctx context.Context, loop *Loop) error {
	if loop.ID == "" {
		loop.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if loop.CreatedAt.IsZero() {
		loop.CreatedAt = now
	}
	loop.UpdatedAt = now
	if loop.Status == "" {
		loop.Status = LoopRunning
	}

	configJSON, err := json.Marshal(loop.Config)
	if err != nil {
		return fmt.Errorf("failed to serialize loop config: %w", err)
	}
	logJSON, err := json.Marshal(loop.IterationLog)
	if err != nil {
		return fmt.Errorf("failed to serialize iteration log: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO loops (id, workspace_path, prd_id, status, config, current_iteration, total_stories_completed, total_stories_failed, iteration_log, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, loop.ID, loop.WorkspacePath, loop.PRDID, loop.Status, string(configJSON), loop.CurrentIteration,
		loop.TotalStoriesCompleted, loop.TotalStoriesFailed, string(logJSON), loop.CreatedAt, loop.UpdatedAt)
	return err
}

// GetLoop retrieves a loop by ID.
func (s *Store) GetLoop(ctx context.Context, id string) (*Loop, error) {
	row := s.db.QueryRowContext(ctx, loopSelect+` WHERE id = ?`, id)
	loop, err := scanLoop(row)
	if err != nil {
		return nil, notFoundOr(err, "loop", id)
	}
	return loop, nil
}

// ListLoopsByStatus returns loops in any of the given statuses.
func (s *Store) ListLoopsByStatus(ctx context.Context, statuses ...string) ([]*Loop, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := loopSelect + ` WHERE status IN (?` + repeatPlaceholder(len(statuses)-1) + `) ORDER BY created_at ASC`
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Loop
	for rows.Next() {
		loop, err := scanLoop(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, loop)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateLoopStatus transitions a loop's status.
func (s *Store) UpdateLoopStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE loops SET status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("loop %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordIteration appends an entry to the loop's iteration log and updates
// counters in one transaction.
func (s *Store) RecordIteration(ctx context.Context, id string, entry IterationEntry, completed, failed bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var logJSON string
	if err := tx.QueryRowContext(ctx, `SELECT iteration_log FROM loops WHERE id = ?`, id).Scan(&logJSON); err != nil {
		return notFoundOr(err, "loop", id)
	}

	var log []IterationEntry
	if err := json.Unmarshal([]byte(logJSON), &log); err != nil {
		return fmt.Errorf("failed to deserialize iteration log: %w", err)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	log = append(log, entry)

	updatedJSON, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("failed to serialize iteration log: %w", err)
	}

	completedDelta := 0
	if completed {
		completedDelta = 1
	}
	failedDelta := 0
	if failed {
		failedDelta = 1
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE loops
		SET iteration_log = ?,
		    current_iteration = ?,
		    total_stories_completed = total_stories_completed + ?,
		    total_stories_failed = total_stories_failed + ?,
		    updated_at = ?
		WHERE id = ?
	`, string(updatedJSON), entry.Iteration, completedDelta, failedDelta, time.Now().UTC(), id); err != nil {
		return err
	}

	return tx.Commit()
}

const loopSelect = `
	SELECT id, workspace_path, prd_id, status, config, current_iteration, total_stories_completed, total_stories_failed, iteration_log, created_at, updated_at
	FROM loops`

func scanLoop(row rowScanner) (*Loop, error) {
	loop := &Loop{}
	var configJSON, logJSON string
	err := row.Scan(&loop.ID, &loop.WorkspacePath, &loop.PRDID, &loop.Status, &configJSON, &loop.CurrentIteration,
		&loop.TotalStoriesCompleted, &loop.TotalStoriesFailed, &logJSON, &loop.CreatedAt, &loop.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(configJSON), &loop.Config); err != nil {
		return nil, fmt.Errorf("failed to deserialize loop config: %w", err)
	}
	if err := json.Unmarshal([]byte(logJSON), &loop.IterationLog); err != nil {
		return nil, fmt.Errorf("failed to deserialize iteration log: %w", err)
	}
	return loop, nil
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}
