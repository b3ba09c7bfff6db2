package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendMessage appends a message to a conversation.
func (s *Store) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	contentJSON, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("failed to serialize message content: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, model, token_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, msg.Role, string(contentJSON), msg.Model, msg.TokenCount, msg.CreatedAt)
	return err
}

// GetMessage retrieves a message by ID.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, role, content, model, token_count, created_at
		FROM messages WHERE id = ?
	`, id)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, notFoundOr(err, "message", id)
	}
	return msg, nil
}

// ListMessages returns all messages for a conversation in chronological order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, model, token_count, created_at
		FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ReplaceMessages atomically rewrites a conversation's message sequence and
// clears the resume token. Used by compaction: the replacement begins with
// the synthetic summary message followed by the kept messages.
func (s *Store) ReplaceMessages(ctx context.Context, conversationID string, replacement []*Message, summary string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}

	// Reassign creation times so chronological order survives the rewrite
	// even when kept messages share a timestamp with the summary.
	base := time.Now().UTC().Add(-time.Duration(len(replacement)) * time.Millisecond)
	for i, msg := range replacement {
		if msg.ID == "" {
			msg.ID = uuid.New().String()
		}
		msg.ConversationID = conversationID
		msg.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)

		contentJSON, err := json.Marshal(msg.Content)
		if err != nil {
			return fmt.Errorf("failed to serialize message content: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, role, content, model, token_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, msg.ID, msg.ConversationID, msg.Role, string(contentJSON), msg.Model, msg.TokenCount, msg.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert replacement message: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE conversations SET resume_token = '', compact_summary = ?, updated_at = ? WHERE id = ?
	`, summary, time.Now().UTC(), conversationID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}

	return tx.Commit()
}

// NormalizeForModel converts private nudge blocks to text blocks. Persisted
// history may contain nudges, but they must never reach an external model
// as a distinct type.
func NormalizeForModel(msgs []*Message) []*Message {
	out := make([]*Message, len(msgs))
	for i, msg := range msgs {
		normalized := *msg
		normalized.Content = make([]Block, len(msg.Content))
		for j, b := range msg.Content {
			if b.Type == BlockNudge {
				b.Type = BlockText
			}
			normalized.Content[j] = b
		}
		out[i] = &normalized
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	msg := &Message{}
	var contentJSON string
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &contentJSON, &msg.Model, &msg.TokenCount, &msg.CreatedAt); err != nil {
		return nil, err
	}
	if contentJSON != "" && contentJSON != "[]" {
		if err := json.Unmarshal([]byte(contentJSON), &msg.Content); err != nil {
			return nil, fmt.Errorf("failed to deserialize message content: %w", err)
		}
	}
	return msg, nil
}
