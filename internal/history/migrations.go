package history

import (
	"fmt"

	"persona/internal/logging"
)

// initialize creates the schema and runs migrations from legacy layouts.
func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS interaction_history (
		platform TEXT NOT NULL,
		external_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		actor_handle TEXT,
		full_text TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		is_agent_authored INTEGER NOT NULL DEFAULT 0,
		conversation_id TEXT,
		in_reply_to_external_id TEXT,
		in_reply_to_actor_id TEXT,
		in_reply_to_handle TEXT,
		prompt TEXT,
		character_id TEXT,
		PRIMARY KEY (platform, external_id)
	);

	CREATE INDEX IF NOT EXISTS idx_history_actor ON interaction_history(platform, actor_id);
	CREATE INDEX IF NOT EXISTS idx_history_conversation ON interaction_history(platform, conversation_id);
	CREATE INDEX IF NOT EXISTS idx_history_created_at ON interaction_history(created_at);
	CREATE INDEX IF NOT EXISTS idx_history_reply_actor ON interaction_history(in_reply_to_actor_id, created_at);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		platform TEXT NOT NULL,
		channel_id TEXT,
		message_id TEXT,
		user_id TEXT,
		handle TEXT,
		session_id TEXT,
		content TEXT NOT NULL,
		message_type TEXT NOT NULL DEFAULT 'text',
		is_agent_response INTEGER NOT NULL DEFAULT 0,
		prompt TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chat_channel ON chat_messages(platform, channel_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_chat_session ON chat_messages(session_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	if err := s.migrateLegacyPosts(); err != nil {
		return err
	}

	return nil
}

// migrateLegacyPosts folds the pre-0.3 `posts` table into
// interaction_history and drops it. Rows carry over with their original
// timestamps; duplicates are ignored so re-running is safe.
func (s *Store) migrateLegacyPosts() error {
	var name string
	err := s.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name='posts'",
	).Scan(&name)
	if err != nil {
		// No legacy table
		return nil
	}

	logging.Store("Migrating legacy posts table into interaction_history")

	_, err = s.db.Exec(`
		INSERT OR IGNORE INTO interaction_history (
			platform, external_id, actor_id, actor_handle, full_text,
			created_at, is_agent_authored, conversation_id, prompt, character_id
		)
		SELECT
			COALESCE(platform, 'twitter'),
			post_id,
			author_id,
			author_handle,
			body,
			posted_at,
			COALESCE(is_agent_post, 0),
			conversation_id,
			prompt,
			character_id
		FROM posts
		WHERE post_id IS NOT NULL;
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate posts: %w", err)
	}

	if _, err := s.db.Exec("DROP TABLE IF EXISTS posts"); err != nil {
		return fmt.Errorf("failed to drop legacy posts table: %w", err)
	}

	logging.Store("Legacy posts migration complete")
	return nil
}
