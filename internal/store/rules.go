package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreatePermissionRule creates a new permission rule.
func (s *Store) CreatePermissionRule(ctx context.Context, rule *PermissionRule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	if rule.Scope == "" {
		rule.Scope = ScopeGlobal
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permission_rules (id, scope, workspace_path, conversation_id, tool_selector, input_pattern, verdict, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rule.ID, rule.Scope, rule.WorkspacePath, rule.ConversationID, rule.ToolSelector, rule.InputPattern, rule.Verdict, rule.CreatedAt)
	return err
}

// DeletePermissionRule deletes a rule by ID.
func (s *Store) DeletePermissionRule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM permission_rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("permission rule %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListPermissionRules returns the applicable rules for an invocation,
// concatenated in scope order: global, then workspace, then session.
func (s *Store) ListPermissionRules(ctx context.Context, workspacePath, conversationID string) ([]*PermissionRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, workspace_path, conversation_id, tool_selector, input_pattern, verdict, created_at
		FROM permission_rules
		WHERE scope = ?
		   OR (scope = ? AND workspace_path = ?)
		   OR (scope = ? AND conversation_id = ?)
		ORDER BY CASE scope WHEN ? THEN 0 WHEN ? THEN 1 ELSE 2 END, created_at ASC
	`, ScopeGlobal, ScopeWorkspace, workspacePath, ScopeSession, conversationID, ScopeGlobal, ScopeWorkspace)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*PermissionRule
	for rows.Next() {
		rule := &PermissionRule{}
		if err := rows.Scan(&rule.ID, &rule.Scope, &rule.WorkspacePath, &rule.ConversationID,
			&rule.ToolSelector, &rule.InputPattern, &rule.Verdict, &rule.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
