package policy

import (
	"testing"
	"time"

	"persona/internal/config"
	"persona/internal/history"
)

const ownActorID = "agent-1"

func newTestPolicy(t *testing.T) (*Policy, *history.Store) {
	t.Helper()
	store, err := history.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	character := &config.Character{
		Username: "aster",
		PostingBehavior: config.PostingBehavior{
			InteractionLimit:     2,
			InteractionTimeoutMs: int64(time.Hour / time.Millisecond),
			BlockedHandles:       []string{"spammer"},
		},
	}
	return New(store, character), store
}

func mention(externalID, actorID string, createdAt time.Time) history.InteractionRecord {
	return history.InteractionRecord{
		Platform:       "twitter",
		ExternalID:     externalID,
		ActorID:        actorID,
		ActorHandle:    "user_" + actorID,
		Text:           "hey @aster",
		CreatedAt:      createdAt,
		ConversationID: "conv-" + externalID,
	}
}

func agentReply(store *history.Store, t *testing.T, externalID, parentActorID string, createdAt time.Time) {
	t.Helper()
	err := store.Append(history.InteractionRecord{
		Platform:            "twitter",
		ExternalID:          externalID,
		ActorID:             ownActorID,
		ActorHandle:         "aster",
		Text:                "reply " + externalID,
		CreatedAt:           createdAt,
		IsAgentAuthored:     true,
		InReplyToExternalID: "parent-" + externalID,
		InReplyToActorID:    parentActorID,
	})
	if err != nil {
		t.Fatalf("Failed to seed agent reply: %v", err)
	}
}

func TestSkipMissingIDs(t *testing.T) {
	p, _ := newTestPolicy(t)

	m := mention("", "u1", time.Now())
	if !p.ShouldSkipMention(m, ownActorID) {
		t.Error("Expected skip for missing external id")
	}

	m = mention("m1", "", time.Now())
	if !p.ShouldSkipMention(m, ownActorID) {
		t.Error("Expected skip for missing actor id")
	}
}

func TestSkipOwnPost(t *testing.T) {
	p, _ := newTestPolicy(t)

	m := mention("m1", ownActorID, time.Now())
	if !p.ShouldSkipMention(m, ownActorID) {
		t.Error("Expected skip for the character's own post")
	}

	m = mention("m2", "u1", time.Now())
	m.ActorHandle = "Aster" // handle match is case-insensitive
	if !p.ShouldSkipMention(m, ownActorID) {
		t.Error("Expected skip for the character's own handle")
	}
}

func TestSkipReplyToOtherUserWhenIgnoringReplies(t *testing.T) {
	p, _ := newTestPolicy(t)
	p.character.PostingBehavior.IgnoreReplies = true

	m := mention("m1", "u1", time.Now())
	m.InReplyToExternalID = "t9"
	m.InReplyToActorID = "someone-else"
	if !p.ShouldSkipMention(m, ownActorID) {
		t.Error("Expected skip for a reply to another user with ignore_replies set")
	}

	// A reply addressed to the agent is still eligible
	m.InReplyToActorID = ownActorID
	if p.ShouldSkipMention(m, ownActorID) {
		t.Error("Expected no skip for a reply to the agent")
	}
}

func TestSkipWhenAlreadyInConversation(t *testing.T) {
	p, store := newTestPolicy(t)

	// Agent already has a post in conv-m1
	err := store.Append(history.InteractionRecord{
		Platform:        "twitter",
		ExternalID:      "prior",
		ActorID:         ownActorID,
		ActorHandle:     "aster",
		Text:            "earlier reply",
		CreatedAt:       time.Now().Add(-10 * time.Minute),
		IsAgentAuthored: true,
		ConversationID:  "conv-m1",
	})
	if err != nil {
		t.Fatal(err)
	}

	// Mention in the same conversation, not addressed to the agent
	m := mention("m1", "u1", time.Now())
	m.InReplyToActorID = "someone-else"
	if !p.ShouldSkipMention(m, ownActorID) {
		t.Error("Expected skip: agent has a foothold and mention is not addressed to it")
	}

	// Same conversation but addressed to the agent: eligible
	m.InReplyToActorID = ownActorID
	if p.ShouldSkipMention(m, ownActorID) {
		t.Error("Expected no skip when mention replies to the agent")
	}
}

func TestSkipAlreadyProcessedIsIdempotent(t *testing.T) {
	p, store := newTestPolicy(t)

	m := mention("m1", "u1", time.Now())
	if p.ShouldSkipMention(m, ownActorID) {
		t.Fatal("Fresh mention should not be skipped")
	}

	if err := store.Append(m); err != nil {
		t.Fatal(err)
	}

	// Replaying the same mention always skips
	for i := 0; i < 3; i++ {
		if !p.ShouldSkipMention(m, ownActorID) {
			t.Error("Expected skip for already-processed mention")
		}
	}
}

func TestSkipAtInteractionLimit(t *testing.T) {
	p, store := newTestPolicy(t)

	now := time.Now()
	agentReply(store, t, "r1", "u1", now.Add(-10*time.Minute))
	agentReply(store, t, "r2", "u1", now.Add(-5*time.Minute))

	m := mention("m9", "u1", now)
	if !p.ShouldSkipMention(m, ownActorID) {
		t.Error("Expected skip at interaction limit (>= rule)")
	}

	// A different user is unaffected
	m2 := mention("m10", "u2", now)
	if p.ShouldSkipMention(m2, ownActorID) {
		t.Error("Expected no skip for a user under the limit")
	}
}

func TestInteractionLimitWindowExpires(t *testing.T) {
	p, store := newTestPolicy(t)

	// Replies older than the timeout window do not count
	old := time.Now().Add(-2 * time.Hour)
	agentReply(store, t, "r1", "u1", old)
	agentReply(store, t, "r2", "u1", old.Add(time.Minute))

	m := mention("m1", "u1", time.Now())
	if p.ShouldSkipMention(m, ownActorID) {
		t.Error("Expected no skip when prior replies are outside the window")
	}
}

func TestSkipBlockedHandle(t *testing.T) {
	p, _ := newTestPolicy(t)

	m := mention("m1", "u1", time.Now())
	m.ActorHandle = "spammer"
	if !p.ShouldSkipMention(m, ownActorID) {
		t.Error("Expected skip for blocked handle")
	}
}

func TestFilterTimelineCandidates(t *testing.T) {
	p, store := newTestPolicy(t)
	now := time.Now()

	answered := mention("answered", "u3", now)
	if err := store.Append(answered); err != nil {
		t.Fatal(err)
	}

	// u4 is at the limit
	agentReply(store, t, "r1", "u4", now.Add(-10*time.Minute))
	agentReply(store, t, "r2", "u4", now.Add(-5*time.Minute))

	withURL := mention("url", "u1", now)
	withURL.Text = "check https://example.com out"
	blocked := mention("blocked", "u2", now)
	blocked.ActorHandle = "spammer"
	overLimit := mention("limit", "u4", now)
	keeper := mention("keeper", "u5", now)

	in := []history.InteractionRecord{withURL, blocked, answered, overLimit, keeper}
	out := p.FilterTimelineCandidates(in)

	if len(out) != 1 {
		t.Fatalf("Expected 1 candidate to survive, got %d", len(out))
	}
	if out[0].ExternalID != "keeper" {
		t.Errorf("Expected keeper to survive, got %s", out[0].ExternalID)
	}
}

func TestFilterPreservesOrder(t *testing.T) {
	p, _ := newTestPolicy(t)
	now := time.Now()

	a := mention("a", "u1", now)
	b := mention("b", "u2", now)
	c := mention("c", "u3", now)

	out := p.FilterTimelineCandidates([]history.InteractionRecord{c, a, b})
	if len(out) != 3 {
		t.Fatalf("Expected all 3, got %d", len(out))
	}
	if out[0].ExternalID != "c" || out[1].ExternalID != "a" || out[2].ExternalID != "b" {
		t.Error("Filter must not reorder candidates")
	}
}

func TestSortOldestFirst(t *testing.T) {
	now := time.Now()
	records := []history.InteractionRecord{
		mention("m3", "u1", now.Add(2*time.Minute)),
		mention("m1", "u2", now),
		mention("m2", "u3", now.Add(time.Minute)),
	}

	SortOldestFirst(records)

	for i, want := range []string{"m1", "m2", "m3"} {
		if records[i].ExternalID != want {
			t.Errorf("Position %d: expected %s, got %s", i, want, records[i].ExternalID)
		}
	}
}
