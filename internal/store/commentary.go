package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AppendCommentary persists one commentary output.
func (s *Store) AppendCommentary(ctx context.Context, entry *CommentaryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commentary_history (id, workspace_id, conversation_id, text, personality, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.WorkspaceID, entry.ConversationID, entry.Text, entry.Personality, entry.CreatedAt)
	return err
}

// ListCommentary returns the most recent commentary for a workspace, newest
// first, capped at limit.
func (s *Store) ListCommentary(ctx context.Context, workspaceID string, limit int) ([]*CommentaryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, conversation_id, text, personality, created_at
		FROM commentary_history WHERE workspace_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, workspaceID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*CommentaryEntry
	for rows.Next() {
		entry := &CommentaryEntry{}
		if err := rows.Scan(&entry.ID, &entry.WorkspaceID, &entry.ConversationID, &entry.Text, &entry.Personality, &entry.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
