package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AddMemory appends an entry to per-workspace project memory.
func (s *Store) AddMemory(ctx context.Context, entry *MemoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Category == "" {
		entry.Category = "context"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_memory (id, workspace_path, category, content, story_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.WorkspacePath, entry.Category, entry.Content, entry.StoryID, entry.CreatedAt)
	return err
}

// ListMemory returns all memory entries for a workspace in creation order.
func (s *Store) ListMemory(ctx context.Context, workspacePath string) ([]*MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_path, category, content, story_id, created_at
		FROM project_memory WHERE workspace_path = ? ORDER BY created_at ASC, id ASC
	`, workspacePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*MemoryEntry
	for rows.Next() {
		entry := &MemoryEntry{}
		if err := rows.Scan(&entry.ID, &entry.WorkspacePath, &entry.Category, &entry.Content, &entry.StoryID, &entry.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
