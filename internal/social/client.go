// Package social holds the platform clients and the action orchestration
// that turns scheduler firings into posted content.
package social

import (
	"context"
	"errors"
	"fmt"
	"time"

	"persona/internal/history"
	"persona/internal/logging"
)

// ErrMalformed marks a raw platform payload missing required fields.
var ErrMalformed = errors.New("malformed platform item")

// Post is a validated platform message, inbound or outbound.
type Post struct {
	ExternalID          string
	ActorID             string
	ActorHandle         string
	Text                string
	CreatedAt           time.Time
	ConversationID      string
	InReplyToExternalID string
	InReplyToActorID    string
	InReplyToHandle     string
}

// Media is an attachment for an enriched send.
type Media struct {
	Data     []byte
	MIMEType string
}

// Client is a platform transport. Implementations are thin; everything
// that requires judgment lives in the orchestrator.
type Client interface {
	// Platform returns the platform key used in stored records.
	Platform() string

	// Login resolves the agent's own actor id on the platform.
	Login(ctx context.Context) (string, error)

	// FetchTimeline returns raw home-timeline items, newest first.
	FetchTimeline(ctx context.Context, limit int) ([]RawItem, error)

	// SearchMentions returns raw items mentioning the agent.
	SearchMentions(ctx context.Context, limit int) ([]RawItem, error)

	// SendText posts text, optionally as a reply. Returns the created post.
	SendText(ctx context.Context, text, inReplyToExternalID string) (*Post, error)

	// SendWithMedia posts text with an attachment.
	SendWithMedia(ctx context.Context, text string, media Media) (*Post, error)
}

// RawItem is an unvalidated platform payload. Timestamps arrive as
// RFC3339 strings; ParseRawItem is the only way a RawItem becomes a Post.
type RawItem struct {
	ExternalID          string `json:"external_id"`
	ActorID             string `json:"actor_id"`
	ActorHandle         string `json:"actor_handle"`
	Text                string `json:"text"`
	CreatedAt           string `json:"created_at"`
	ConversationID      string `json:"conversation_id"`
	InReplyToExternalID string `json:"in_reply_to_external_id"`
	InReplyToActorID    string `json:"in_reply_to_actor_id"`
	InReplyToHandle     string `json:"in_reply_to_handle"`
}

// ParseRawItem validates a raw payload into a Post. Items missing any
// of id, actor, handle, text, or a parseable timestamp are malformed.
func ParseRawItem(item RawItem) (*Post, error) {
	if item.ExternalID == "" || item.ActorID == "" || item.ActorHandle == "" || item.Text == "" {
		return nil, fmt.Errorf("%w: id=%q actor=%q", ErrMalformed, item.ExternalID, item.ActorID)
	}
	createdAt, err := time.Parse(time.RFC3339, item.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp %q: %v", ErrMalformed, item.CreatedAt, err)
	}
	return &Post{
		ExternalID:          item.ExternalID,
		ActorID:             item.ActorID,
		ActorHandle:         item.ActorHandle,
		Text:                item.Text,
		CreatedAt:           createdAt,
		ConversationID:      item.ConversationID,
		InReplyToExternalID: item.InReplyToExternalID,
		InReplyToActorID:    item.InReplyToActorID,
		InReplyToHandle:     item.InReplyToHandle,
	}, nil
}

// parseAll converts raw items to records for the given platform,
// dropping malformed entries with a debug log.
func parseAll(platform, characterID string, items []RawItem) []history.InteractionRecord {
	records := make([]history.InteractionRecord, 0, len(items))
	for _, item := range items {
		post, err := ParseRawItem(item)
		if err != nil {
			logging.SocialDebug("dropping malformed item: %v", err)
			continue
		}
		records = append(records, toRecord(platform, characterID, post, false, ""))
	}
	return records
}

// toRecord maps a Post onto the history schema.
func toRecord(platform, characterID string, post *Post, agentAuthored bool, prompt string) history.InteractionRecord {
	return history.InteractionRecord{
		Platform:            platform,
		ExternalID:          post.ExternalID,
		ActorID:             post.ActorID,
		ActorHandle:         post.ActorHandle,
		Text:                post.Text,
		CreatedAt:           post.CreatedAt,
		IsAgentAuthored:     agentAuthored,
		ConversationID:      post.ConversationID,
		InReplyToExternalID: post.InReplyToExternalID,
		InReplyToActorID:    post.InReplyToActorID,
		InReplyToHandle:     post.InReplyToHandle,
		PromptUsed:          prompt,
		CharacterID:         characterID,
	}
}
