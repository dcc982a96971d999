// Package policy holds the stateless decision functions that determine
// whether a candidate interaction should be skipped. All state lives in
// the history store; the policy only reads it.
package policy

import (
	"sort"
	"strings"
	"time"

	"persona/internal/config"
	"persona/internal/history"
	"persona/internal/logging"
)

// Policy evaluates candidates against the character's engagement knobs.
// Store read failures surface as empty results, which the checks treat
// as "no information"; the conservative rules below still apply.
type Policy struct {
	store     *history.Store
	character *config.Character
}

// New creates a Policy for one character.
func New(store *history.Store, character *config.Character) *Policy {
	return &Policy{store: store, character: character}
}

// ShouldSkipMention decides whether a mention is ineligible for a reply.
// Checks run in precedence order; the first that trips short-circuits.
func (p *Policy) ShouldSkipMention(candidate history.InteractionRecord, ownActorID string) bool {
	// 1. Malformed candidate
	if candidate.ExternalID == "" || candidate.ActorID == "" {
		logging.Policy("Skipping mention: missing external or actor id")
		return true
	}

	// 2. The character's own post
	if candidate.ActorID == ownActorID || strings.EqualFold(candidate.ActorHandle, p.character.Username) {
		logging.PolicyDebug("Skipping mention %s: own post", candidate.ExternalID)
		return true
	}

	// 3. The character already has a foothold in this conversation and
	// the mention is not addressed to it
	if candidate.ConversationID != "" {
		existing := p.store.ListByActor(candidate.Platform, ownActorID, 1, candidate.ConversationID)
		if len(existing) > 0 && candidate.InReplyToActorID != ownActorID {
			logging.Policy("Skipping mention %s: character already in conversation %s and mention is not a reply to it",
				candidate.ExternalID, candidate.ConversationID)
			return true
		}
	}

	// 4. Idempotence guard: already processed
	if p.store.FindByExternalID(candidate.Platform, candidate.ExternalID) != nil {
		logging.Policy("Skipping mention %s: already processed", candidate.ExternalID)
		return true
	}

	// 5. Per-user rate limit. The window is global per user pair, not
	// per conversation, and the limit is inclusive (>=).
	since := time.Now().Add(-p.character.InteractionTimeout())
	count := p.store.CountReplies(candidate.ActorID, since)
	if count >= p.character.InteractionLimit() {
		logging.Policy("Skipping mention %s: %d interactions with user %s at limit %d",
			candidate.ExternalID, count, candidate.ActorID, p.character.InteractionLimit())
		return true
	}
	logging.PolicyDebug("Mention %s has %d interactions with user %s", candidate.ExternalID, count, candidate.ActorID)

	// 6. Block list
	if p.character.IsBlocked(candidate.ActorHandle) {
		logging.Policy("Skipping mention %s: user %s is blocked", candidate.ExternalID, candidate.ActorHandle)
		return true
	}

	// 7. Mention is itself a reply to somebody else
	if p.character.PostingBehavior.IgnoreReplies &&
		candidate.InReplyToExternalID != "" && candidate.InReplyToActorID != ownActorID {
		logging.Policy("Skipping mention %s: reply to another user and ignore_replies is set", candidate.ExternalID)
		return true
	}

	return false
}

// FilterTimelineCandidates removes ineligible timeline items: the
// character's own posts, anything carrying a raw URL, authored by a
// blocked handle, already answered, or whose author is at the
// interaction limit. Order-preserving.
func (p *Policy) FilterTimelineCandidates(candidates []history.InteractionRecord) []history.InteractionRecord {
	since := time.Now().Add(-p.character.InteractionTimeout())

	filtered := make([]history.InteractionRecord, 0, len(candidates))
	for _, c := range candidates {
		if strings.EqualFold(c.ActorHandle, p.character.Username) {
			logging.PolicyDebug("Filtered %s: own post", c.ExternalID)
			continue
		}
		if strings.Contains(c.Text, "http") {
			logging.PolicyDebug("Filtered %s: contains URL", c.ExternalID)
			continue
		}
		if p.character.IsBlocked(c.ActorHandle) {
			logging.PolicyDebug("Filtered %s: blocked handle %s", c.ExternalID, c.ActorHandle)
			continue
		}
		if p.store.FindByExternalID(c.Platform, c.ExternalID) != nil {
			logging.PolicyDebug("Filtered %s: already answered", c.ExternalID)
			continue
		}
		if p.store.CountReplies(c.ActorID, since) >= p.character.InteractionLimit() {
			logging.PolicyDebug("Filtered %s: author %s at interaction limit", c.ExternalID, c.ActorID)
			continue
		}
		filtered = append(filtered, c)
	}
	return filtered
}

// SortOldestFirst orders a mention batch FIFO by creation time so a
// reply to an earlier message is sent before a reply to a later one.
func SortOldestFirst(records []history.InteractionRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}
