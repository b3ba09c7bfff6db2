package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateConversation creates a new conversation.
func (s *Store) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, workspace_path, resume_token, total_tokens, compact_summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, conv.ID, conv.WorkspacePath, conv.ResumeToken, conv.TotalTokens, conv.CompactSummary, conv.CreatedAt, conv.UpdatedAt)
	return err
}

// GetConversation retrieves a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	conv := &Conversation{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_path, resume_token, total_tokens, compact_summary, created_at, updated_at
		FROM conversations WHERE id = ?
	`, id).Scan(&conv.ID, &conv.WorkspacePath, &conv.ResumeToken, &conv.TotalTokens, &conv.CompactSummary, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, notFoundOr(err, "conversation", id)
	}
	return conv, nil
}

// SetResumeToken stores the agent-assigned resume token on a conversation.
func (s *Store) SetResumeToken(ctx context.Context, conversationID, token string) error {
	return s.touchConversation(ctx, conversationID, `resume_token = ?`, token)
}

// ClearResumeToken removes the resume token. The next turn must begin a
// fresh agent session.
func (s *Store) ClearResumeToken(ctx context.Context, conversationID string) error {
	return s.touchConversation(ctx, conversationID, `resume_token = ''`)
}

// SetCompactSummary stores the compaction summary text for reference.
func (s *Store) SetCompactSummary(ctx context.Context, conversationID, summary string) error {
	return s.touchConversation(ctx, conversationID, `compact_summary = ?`, summary)
}

// SetTotalTokens records the latest observed prompt token total.
func (s *Store) SetTotalTokens(ctx context.Context, conversationID string, tokens int64) error {
	return s.touchConversation(ctx, conversationID, `total_tokens = ?`, tokens)
}

func (s *Store) touchConversation(ctx context.Context, id, setClause string, args ...any) error {
	query := `UPDATE conversations SET ` + setClause + `, updated_at = ? WHERE id = ?`
	args = append(args, time.Now().UTC(), id)
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}
