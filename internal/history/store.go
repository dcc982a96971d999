// Package history implements the durable interaction log backing the
// engagement policy and the similarity filter. Every inbound and outbound
// message per platform is appended here and never mutated.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"persona/internal/logging"
)

// InteractionRecord is one observed or produced message on a platform.
type InteractionRecord struct {
	Platform            string
	ExternalID          string
	ActorID             string
	ActorHandle         string
	Text                string
	CreatedAt           time.Time
	IsAgentAuthored     bool
	ConversationID      string
	InReplyToExternalID string
	InReplyToActorID    string
	InReplyToHandle     string
	PromptUsed          string

	// CharacterID scopes rows to the character that observed or produced
	// them, so multiple characters can share one database.
	CharacterID string
}

// ValidationError reports which required fields were missing on a write.
// The flag map is keyed by column name; true means the field was absent.
type ValidationError struct {
	Missing map[string]bool
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Missing))
	for f, missing := range e.Missing {
		if missing {
			fields = append(fields, f)
		}
	}
	sort.Strings(fields)
	return fmt.Sprintf("missing required fields: %s", strings.Join(fields, ", "))
}

// Store is the SQLite-backed history log. A single connection guarded by
// a mutex; per-statement atomicity only, no cross-statement transactions.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the SQLite database at the given path.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening history store at path: %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.Get(logging.CategoryStore).Error("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	store := &Store{db: db, dbPath: path}
	if err := store.initialize(); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}
	logging.StoreDebug("History schema initialized")

	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// DB exposes the underlying handle so the embedding index can share the
// same database file and WAL.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Append validates and inserts a record. Validation happens before
// storage; the returned *ValidationError enumerates every missing field.
// Agent-authored rows get wall-clock CreatedAt assigned at insert when
// none is set; observed rows must carry the platform timestamp.
func (s *Store) Append(record InteractionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.IsAgentAuthored && record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	missing := map[string]bool{
		"external_id": record.ExternalID == "",
		"actor_id":    record.ActorID == "",
		"full_text":   record.Text == "",
		"created_at":  record.CreatedAt.IsZero(),
	}
	if record.IsAgentAuthored && record.InReplyToExternalID != "" {
		// A reply must name the actor it replies to
		missing["in_reply_to_actor_id"] = record.InReplyToActorID == ""
	}
	for _, m := range missing {
		if m {
			err := &ValidationError{Missing: missing}
			logging.Get(logging.CategoryStore).Error("Append rejected: %v", err)
			return err
		}
	}

	agentAuthored := 0
	if record.IsAgentAuthored {
		agentAuthored = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO interaction_history (
			platform, external_id, actor_id, actor_handle, full_text,
			created_at, is_agent_authored, conversation_id,
			in_reply_to_external_id, in_reply_to_actor_id, in_reply_to_handle,
			prompt, character_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Platform, record.ExternalID, record.ActorID, record.ActorHandle,
		record.Text, record.CreatedAt.UTC().UnixMilli(), agentAuthored,
		nullable(record.ConversationID), nullable(record.InReplyToExternalID),
		nullable(record.InReplyToActorID), nullable(record.InReplyToHandle),
		nullable(record.PromptUsed), nullable(record.CharacterID),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Append failed for %s/%s: %v", record.Platform, record.ExternalID, err)
		return fmt.Errorf("failed to insert record: %w", err)
	}

	logging.StoreDebug("Appended %s/%s (agent=%v)", record.Platform, record.ExternalID, record.IsAgentAuthored)
	return nil
}

// FindByExternalID returns the record with the given platform-scoped id,
// or nil if none exists. Read failures degrade to nil with a logged error.
func (s *Store) FindByExternalID(platform, externalID string) *InteractionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(selectColumns+`
		FROM interaction_history
		WHERE platform = ? AND external_id = ?
		LIMIT 1`, platform, externalID)

	record, err := scanRecord(row)
	if err != nil {
		if err != sql.ErrNoRows {
			logging.Get(logging.CategoryStore).Error("FindByExternalID %s/%s failed: %v", platform, externalID, err)
		}
		return nil
	}
	return record
}

// ListByActor returns up to limit records by an actor, most recent first,
// optionally restricted to one conversation. Read failures degrade to an
// empty result with a logged error.
func (s *Store) ListByActor(platform, actorID string, limit int, conversationID string) []InteractionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	query := selectColumns + `
		FROM interaction_history
		WHERE platform = ? AND actor_id = ?`
	args := []interface{}{platform, actorID}

	if conversationID != "" {
		query += " AND conversation_id = ?"
		args = append(args, conversationID)
	}

	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	return s.queryRecords(query, args...)
}

// ListByConversation returns up to limit records in a conversation, most
// recent first. Read failures degrade to an empty result.
func (s *Store) ListByConversation(platform, conversationID string, limit int) []InteractionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	return s.queryRecords(selectColumns+`
		FROM interaction_history
		WHERE platform = ? AND conversation_id = ?
		ORDER BY created_at DESC LIMIT ?`,
		platform, conversationID, limit)
}

// CountReplies counts agent-authored records replying to the given actor
// since the cutoff. This is the primitive behind interaction limiting.
// Read failures degrade to zero with a logged error.
func (s *Store) CountReplies(actorID string, since time.Time) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM interaction_history
		WHERE is_agent_authored = 1
		AND in_reply_to_actor_id = ?
		AND created_at >= ?`,
		actorID, since.UTC().UnixMilli(),
	).Scan(&count)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("CountReplies for %s failed: %v", actorID, err)
		return 0
	}
	return count
}

const selectColumns = `
	SELECT platform, external_id, actor_id, actor_handle, full_text,
		created_at, is_agent_authored,
		COALESCE(conversation_id, ''), COALESCE(in_reply_to_external_id, ''),
		COALESCE(in_reply_to_actor_id, ''), COALESCE(in_reply_to_handle, ''),
		COALESCE(prompt, ''), COALESCE(character_id, '')`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*InteractionRecord, error) {
	var r InteractionRecord
	var createdAtMs int64
	var agentAuthored int

	err := row.Scan(
		&r.Platform, &r.ExternalID, &r.ActorID, &r.ActorHandle, &r.Text,
		&createdAtMs, &agentAuthored,
		&r.ConversationID, &r.InReplyToExternalID,
		&r.InReplyToActorID, &r.InReplyToHandle,
		&r.PromptUsed, &r.CharacterID,
	)
	if err != nil {
		return nil, err
	}

	r.CreatedAt = time.UnixMilli(createdAtMs).UTC()
	r.IsAgentAuthored = agentAuthored != 0
	return &r, nil
}

func (s *Store) queryRecords(query string, args ...interface{}) []InteractionRecord {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("query failed: %v", err)
		return nil
	}
	defer rows.Close()

	var records []InteractionRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Error("row scan failed: %v", err)
			continue
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		logging.Get(logging.CategoryStore).Error("row iteration failed: %v", err)
	}
	return records
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// FormatForPrompt renders records as "@handle: text" lines for use as
// conversational context in generation prompts.
func FormatForPrompt(records []InteractionRecord) string {
	var b strings.Builder
	for i, r := range records {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "@%s: %s", r.ActorHandle, r.Text)
	}
	return b.String()
}
