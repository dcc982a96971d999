package history

import (
	"fmt"
	"time"

	"persona/internal/logging"
)

// ChatMessage is one message in a Telegram/Discord/CLI session. Unlike
// interaction records these are keyed by an autoincrement id; platforms
// like the CLI have no external message ids at all.
type ChatMessage struct {
	ID              int64
	Platform        string
	ChannelID       string
	MessageID       string
	UserID          string
	Handle          string
	SessionID       string
	Content         string
	MessageType     string // text, sticker, image, voice
	IsAgentResponse bool
	Prompt          string
	CreatedAt       time.Time
}

// SaveChatMessage appends a chat message to the log.
func (s *Store) SaveChatMessage(msg ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.Content == "" {
		err := &ValidationError{Missing: map[string]bool{"content": true}}
		logging.Get(logging.CategoryStore).Error("SaveChatMessage rejected: %v", err)
		return err
	}
	if msg.MessageType == "" {
		msg.MessageType = "text"
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	agentResponse := 0
	if msg.IsAgentResponse {
		agentResponse = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO chat_messages (
			platform, channel_id, message_id, user_id, handle, session_id,
			content, message_type, is_agent_response, prompt, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.Platform, nullable(msg.ChannelID), nullable(msg.MessageID),
		nullable(msg.UserID), nullable(msg.Handle), nullable(msg.SessionID),
		msg.Content, msg.MessageType, agentResponse, nullable(msg.Prompt),
		msg.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("SaveChatMessage failed: %v", err)
		return fmt.Errorf("failed to insert chat message: %w", err)
	}
	return nil
}

// RecentByChannel returns the last limit messages in a channel, oldest
// first, for building conversational context. Read failures degrade to
// an empty result with a logged error.
func (s *Store) RecentByChannel(platform, channelID string, limit int) []ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT id, platform, COALESCE(channel_id, ''), COALESCE(message_id, ''),
			COALESCE(user_id, ''), COALESCE(handle, ''), COALESCE(session_id, ''),
			content, message_type, is_agent_response, COALESCE(prompt, ''), created_at
		FROM chat_messages
		WHERE platform = ? AND channel_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`,
		platform, channelID, limit)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("RecentByChannel failed: %v", err)
		return nil
	}
	defer rows.Close()

	var messages []ChatMessage
	for rows.Next() {
		var m ChatMessage
		var createdAtMs int64
		var agentResponse int
		if err := rows.Scan(
			&m.ID, &m.Platform, &m.ChannelID, &m.MessageID,
			&m.UserID, &m.Handle, &m.SessionID,
			&m.Content, &m.MessageType, &agentResponse, &m.Prompt, &createdAtMs,
		); err != nil {
			logging.Get(logging.CategoryStore).Error("chat row scan failed: %v", err)
			continue
		}
		m.CreatedAt = time.UnixMilli(createdAtMs).UTC()
		m.IsAgentResponse = agentResponse != 0
		messages = append(messages, m)
	}

	// Reverse to oldest-first for prompt context
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages
}
