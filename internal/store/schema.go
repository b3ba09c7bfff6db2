package store

// initSchema creates the database tables if they don't exist.
func (s *Store) initSchema() error {
	if err := s.initConversationSchema(); err != nil {
		return err
	}
	if err := s.initLoopSchema(); err != nil {
		return err
	}
	return s.initAncillarySchema()
}

func (s *Store) initConversationSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		workspace_path TEXT NOT NULL DEFAULT '',
		resume_token TEXT NOT NULL DEFAULT '',
		total_tokens INTEGER NOT NULL DEFAULT 0,
		compact_summary TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '[]',
		model TEXT NOT NULL DEFAULT '',
		token_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation_id ON messages(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at);
	`)
	return err
}

func (s *Store) initLoopSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS prd_stories (
		id TEXT PRIMARY KEY,
		prd_id TEXT NOT NULL DEFAULT '',
		workspace_path TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		acceptance_criteria TEXT NOT NULL DEFAULT '[]',
		priority TEXT NOT NULL DEFAULT 'medium',
		depends_on TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		learnings TEXT NOT NULL DEFAULT '[]',
		external_ref TEXT NOT NULL DEFAULT '',
		sort_order INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_prd_stories_prd_id ON prd_stories(prd_id);
	CREATE INDEX IF NOT EXISTS idx_prd_stories_status ON prd_stories(status);

	CREATE TABLE IF NOT EXISTS loops (
		id TEXT PRIMARY KEY,
		workspace_path TEXT NOT NULL DEFAULT '',
		prd_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'running',
		config TEXT NOT NULL DEFAULT '{}',
		current_iteration INTEGER NOT NULL DEFAULT 0,
		total_stories_completed INTEGER NOT NULL DEFAULT 0,
		total_stories_failed INTEGER NOT NULL DEFAULT 0,
		iteration_log TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_loops_status ON loops(status);
	`)
	return err
}

func (s *Store) initAncillarySchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS permission_rules (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL DEFAULT 'global',
		workspace_path TEXT NOT NULL DEFAULT '',
		conversation_id TEXT NOT NULL DEFAULT '',
		tool_selector TEXT NOT NULL,
		input_pattern TEXT NOT NULL DEFAULT '',
		verdict TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_permission_rules_scope ON permission_rules(scope);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS commentary_history (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL,
		personality TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_commentary_workspace ON commentary_history(workspace_id, created_at);

	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		message_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_artifacts_conversation ON artifacts(conversation_id);

	CREATE TABLE IF NOT EXISTS project_memory (
		id TEXT PRIMARY KEY,
		workspace_path TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT 'context',
		content TEXT NOT NULL,
		story_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_project_memory_workspace ON project_memory(workspace_path, category);

	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);
	`)
	return err
}
