package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateStory creates a new user story.
func (s *Store) CreateStory(ctx context.Context, story *UserStory) error {
	if story.ID == "" {
		story.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if story.CreatedAt.IsZero() {
		story.CreatedAt = now
	}
	story.UpdatedAt = now
	if story.Status == "" {
		story.Status = StoryPending
	}
	if story.Priority == "" {
		story.Priority = PriorityMedium
	}
	if story.MaxAttempts <= 0 {
		story.MaxAttempts = 3
	}

	criteriaJSON, err := json.Marshal(story.AcceptanceCriteria)
	if err != nil {
		return fmt.Errorf("failed to serialize acceptance criteria: %w", err)
	}
	dependsJSON, err := json.Marshal(story.DependsOn)
	if err != nil {
		return fmt.Errorf("failed to serialize dependencies: %w", err)
	}
	learningsJSON, err := json.Marshal(story.Learnings)
	if err != nil {
		return fmt.Errorf("failed to serialize learnings: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO prd_stories (id, prd_id, workspace_path, title, description, acceptance_criteria, priority, depends_on, status, attempts, max_attempts, learnings, external_ref, sort_order, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, story.ID, story.PRDID, story.WorkspacePath, story.Title, story.Description, string(criteriaJSON), story.Priority,
		string(dependsJSON), story.Status, story.Attempts, story.MaxAttempts, string(learningsJSON), story.ExternalRef,
		story.SortOrder, story.CreatedAt, story.UpdatedAt)
	return err
}

// GetStory retrieves a story by ID.
func (s *Store) GetStory(ctx context.Context, id string) (*UserStory, error) {
	row := s.db.QueryRowContext(ctx, storySelect+` WHERE id = ?`, id)
	story, err := scanStory(row)
	if err != nil {
		return nil, notFoundOr(err, "story", id)
	}
	return story, nil
}

// ListStories returns all stories for a PRD in stable sort order.
func (s *Store) ListStories(ctx context.Context, prdID string) ([]*UserStory, error) {
	rows, err := s.db.QueryContext(ctx, storySelect+` WHERE prd_id = ? ORDER BY sort_order ASC, created_at ASC, id ASC`, prdID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*UserStory
	for rows.Next() {
		story, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, story)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateStoryStatus transitions a story's status. A story that reached
// completed never regresses to any other state.
func (s *Store) UpdateStoryStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE prd_stories SET status = ?, updated_at = ?
		WHERE id = ? AND status != ?
	`, status, time.Now().UTC(), id, StoryCompleted)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Either missing or already completed. Distinguish for the caller.
		existing, err := s.GetStory(ctx, id)
		if err != nil {
			return err
		}
		if existing.Status == StoryCompleted && status != StoryCompleted {
			return fmt.Errorf("story %s is completed and cannot transition to %s", id, status)
		}
	}
	return nil
}

// IncrementStoryAttempts bumps the attempt counter and returns the new value.
func (s *Store) IncrementStoryAttempts(ctx context.Context, id string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE prd_stories SET attempts = attempts + 1, updated_at = ? WHERE id = ?
	`, time.Now().UTC(), id)
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return 0, fmt.Errorf("story %s: %w", id, ErrNotFound)
	}

	var attempts int
	if err := s.db.QueryRowContext(ctx, `SELECT attempts FROM prd_stories WHERE id = ?`, id).Scan(&attempts); err != nil {
		return 0, err
	}
	return attempts, nil
}

// AppendStoryLearning appends a learning note to a story.
func (s *Store) AppendStoryLearning(ctx context.Context, id, learning string) error {
	story, err := s.GetStory(ctx, id)
	if err != nil {
		return err
	}
	learnings := append(story.Learnings, learning)
	learningsJSON, err := json.Marshal(learnings)
	if err != nil {
		return fmt.Errorf("failed to serialize learnings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE prd_stories SET learnings = ?, updated_at = ? WHERE id = ?
	`, string(learningsJSON), time.Now().UTC(), id)
	return err
}

// ResetInProgressStories resets in_progress stories for a PRD back to
// pending. Used by startup recovery so an orphaned story is retriable.
func (s *Store) ResetInProgressStories(ctx context.Context, prdID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE prd_stories SET status = ?, updated_at = ? WHERE prd_id = ? AND status = ?
	`, StoryPending, time.Now().UTC(), prdID, StoryInProgress)
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

const storySelect = `
	SELECT id, prd_id, workspace_path, title, description, acceptance_criteria, priority, depends_on, status, attempts, max_attempts, learnings, external_ref, sort_order, created_at, updated_at
	FROM prd_stories`

func scanStory(row rowScanner) (*UserStory, error) {
	story := &UserStory{}
	var criteriaJSON, dependsJSON, learningsJSON string
	err := row.Scan(&story.ID, &story.PRDID, &story.WorkspacePath, &story.Title, &story.Description, &criteriaJSON,
		&story.Priority, &dependsJSON, &story.Status, &story.Attempts, &story.MaxAttempts, &learningsJSON,
		&story.ExternalRef, &story.SortOrder, &story.CreatedAt, &story.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(criteriaJSON), &story.AcceptanceCriteria); err != nil {
		return nil, fmt.Errorf("failed to deserialize acceptance criteria: %w", err)
	}
	if err := json.Unmarshal([]byte(dependsJSON), &story.DependsOn); err != nil {
		return nil, fmt.Errorf("failed to deserialize dependencies: %w", err)
	}
	if err := json.Unmarshal([]byte(learningsJSON), &story.Learnings); err != nil {
		return nil, fmt.Errorf("failed to deserialize learnings: %w", err)
	}
	return story, nil
}
