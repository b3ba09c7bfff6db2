package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CreateArtifact persists an artifact extracted from assistant output.
func (s *Store) CreateArtifact(ctx context.Context, artifact *Artifact) error {
	if artifact.ID == "" {
		artifact.ID = uuid.New().String()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, conversation_id, message_id, type, title, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, artifact.ID, artifact.ConversationID, artifact.MessageID, artifact.Type, artifact.Title, artifact.Content, artifact.CreatedAt)
	return err
}

// ListArtifacts returns all artifacts for a conversation in creation order.
func (s *Store) ListArtifacts(ctx context.Context, conversationID string) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, message_id, type, title, content, created_at
		FROM artifacts WHERE conversation_id = ? ORDER BY created_at ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Artifact
	for rows.Next() {
		artifact := &Artifact{}
		if err := rows.Scan(&artifact.ID, &artifact.ConversationID, &artifact.MessageID, &artifact.Type, &artifact.Title, &artifact.Content, &artifact.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
