package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EnsureWorkspace returns the workspace for a path, creating it when absent.
func (s *Store) EnsureWorkspace(ctx context.Context, path, name string) (*Workspace, error) {
	ws, err := s.GetWorkspaceByPath(ctx, path)
	if err == nil {
		return ws, nil
	}

	ws = &Workspace{
		ID:        uuid.New().String(),
		Path:      path,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, path, name, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO NOTHING
	`, ws.ID, ws.Path, ws.Name, ws.CreatedAt); err != nil {
		return nil, err
	}
	// Re-read in case a concurrent insert won.
	return s.GetWorkspaceByPath(ctx, path)
}

// GetWorkspaceByPath retrieves a workspace by filesystem path.
func (s *Store) GetWorkspaceByPath(ctx context.Context, path string) (*Workspace, error) {
	ws := &Workspace{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, path, name, created_at FROM workspaces WHERE path = ?
	`, path).Scan(&ws.ID, &ws.Path, &ws.Name, &ws.CreatedAt)
	if err != nil {
		return nil, notFoundOr(err, "workspace", path)
	}
	return ws, nil
}

// GetWorkspace retrieves a workspace by id.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	ws := &Workspace{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, path, name, created_at FROM workspaces WHERE id = ?
	`, id).Scan(&ws.ID, &ws.Path, &ws.Name, &ws.CreatedAt)
	if err != nil {
		return nil, notFoundOr(err, "workspace", id)
	}
	return ws, nil
}
