package social

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"persona/internal/config"
	"persona/internal/dedup"
	"persona/internal/generation"
	"persona/internal/history"
)

// slotEngine returns orthogonal one-hot vectors per distinct text, so
// identical texts score 1.0 and distinct texts score 0.0.
type slotEngine struct {
	mu    sync.Mutex
	slots map[string]int
	dims  int
}

func newSlotEngine(dims int) *slotEngine {
	return &slotEngine{slots: make(map[string]int), dims: dims}
}

func (e *slotEngine) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	slot, ok := e.slots[text]
	if !ok {
		slot = len(e.slots) % e.dims
		e.slots[text] = slot
	}
	vec := make([]float32, e.dims)
	vec[slot] = 1
	return vec, nil
}

func (e *slotEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *slotEngine) Dimensions() int { return e.dims }
func (e *slotEngine) Name() string    { return "slot" }

// fakeGen serves texts from a queue; the last entry repeats forever.
type fakeGen struct {
	texts      []string
	topicHints []int
	replyHints []int
}

func (g *fakeGen) next() string {
	if len(g.texts) == 0 {
		return ""
	}
	t := g.texts[0]
	if len(g.texts) > 1 {
		g.texts = g.texts[1:]
	}
	return t
}

func (g *fakeGen) TopicPost(_ context.Context, ch *config.Character, opts generation.TopicOptions) (*generation.Result, error) {
	hint := opts.MaxLengthHint
	if hint == 0 {
		hint = ch.MaxPostLength()
	}
	g.topicHints = append(g.topicHints, hint)
	text := g.next()
	if text == "" {
		return nil, errors.New("nothing to generate")
	}
	return &generation.Result{Prompt: "topic prompt", Text: text, Topic: "t", Adjective: "a"}, nil
}

func (g *fakeGen) Reply(_ context.Context, ch *config.Character, _ string, opts generation.ReplyOptions) (*generation.Result, error) {
	hint := opts.MaxLengthHint
	if hint == 0 {
		hint = ch.MaxPostLength()
	}
	g.replyHints = append(g.replyHints, hint)
	text := g.next()
	if text == "" {
		return nil, errors.New("nothing to generate")
	}
	return &generation.Result{Prompt: "reply prompt", Text: text}, nil
}

func (g *fakeGen) Summarize(_ context.Context, _ *config.Character, post string) (string, error) {
	return "summary: " + post, nil
}

func (g *fakeGen) ImagePrompt(_ context.Context, _ *config.Character, _ string) (string, error) {
	return "an image", nil
}

// fakeClient is a scripted platform transport.
type fakeClient struct {
	timeline []RawItem
	mentions []RawItem

	sentTexts   []string
	sentParents []string
	mediaSends  int
	mediaErr    error
	nextID      int
}

func (c *fakeClient) Platform() string { return "twitter" }

func (c *fakeClient) Login(context.Context) (string, error) { return "agent-1", nil }

func (c *fakeClient) FetchTimeline(context.Context, int) ([]RawItem, error) {
	return c.timeline, nil
}

func (c *fakeClient) SearchMentions(context.Context, int) ([]RawItem, error) {
	return c.mentions, nil
}

func (c *fakeClient) SendText(_ context.Context, text, inReplyTo string) (*Post, error) {
	c.sentTexts = append(c.sentTexts, text)
	c.sentParents = append(c.sentParents, inReplyTo)
	c.nextID++
	post := &Post{
		ExternalID:  "sent-" + strconv.Itoa(c.nextID),
		ActorID:     "agent-1",
		ActorHandle: "aster",
		Text:        text,
		CreatedAt:   time.Now(),
	}
	if inReplyTo != "" {
		post.InReplyToExternalID = inReplyTo
		post.InReplyToActorID = "user-of-" + inReplyTo
		post.ConversationID = "conv-" + inReplyTo
	}
	return post, nil
}

func (c *fakeClient) SendWithMedia(ctx context.Context, text string, _ Media) (*Post, error) {
	c.mediaSends++
	if c.mediaErr != nil {
		return nil, c.mediaErr
	}
	return c.SendText(ctx, text, "")
}

func newTestOrchestrator(t *testing.T, client Client, gen ContentGenerator) (*Orchestrator, *history.Store, *dedup.Filter) {
	t.Helper()

	store, err := history.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	filter, err := dedup.New(store.DB(), newSlotEngine(8), dedup.Options{Dimensions: 8})
	require.NoError(t, err)

	ch := &config.Character{
		AgentName:    "Aster",
		Username:     "aster",
		InternalName: "aster",
		Model:        "m",
	}

	orch := NewOrchestrator(ch, client, store, filter, gen)
	orch.SetReplyDelay(0)
	require.NoError(t, orch.Login(context.Background()))
	return orch, store, filter
}

func mentionItem(id, actor, handle, text string, createdAt time.Time) RawItem {
	return RawItem{
		ExternalID:     id,
		ActorID:        actor,
		ActorHandle:    handle,
		Text:           text,
		CreatedAt:      createdAt.Format(time.RFC3339),
		ConversationID: "conv-" + id,
	}
}

func TestTopicPostPersistsAndIndexes(t *testing.T) {
	client := &fakeClient{}
	gen := &fakeGen{texts: []string{"a fresh thought"}}
	orch, store, filter := newTestOrchestrator(t, client, gen)

	orch.PostToTimeline(context.Background())

	require.Equal(t, []string{"a fresh thought"}, client.sentTexts)

	record := store.FindByExternalID("twitter", "sent-1")
	require.NotNil(t, record)
	assert.True(t, record.IsAgentAuthored)
	assert.Equal(t, "topic prompt", record.PromptUsed)
	assert.Equal(t, "agent-1", record.ActorID)

	count, err := filter.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestTopicPostTooSimilarAborts(t *testing.T) {
	client := &fakeClient{}
	gen := &fakeGen{texts: []string{"the same old take"}}
	orch, store, filter := newTestOrchestrator(t, client, gen)

	// Seed the index with the exact text the generator will keep producing.
	require.NoError(t, filter.Store(context.Background(), "aster", "prior-1", "the same old take", "summary"))

	orch.PostToTimeline(context.Background())

	assert.Empty(t, client.sentTexts)
	assert.Nil(t, store.FindByExternalID("twitter", "sent-1"))
	// A similarity failure does not shrink the length hint.
	assert.Equal(t, []int{280, 280, 280, 280, 280}, gen.topicHints)
}

func TestTopicPostOverLengthAbortsWithNoWrites(t *testing.T) {
	long := ""
	for len(long) <= platformHardLimit {
		long += "overlong words keep coming "
	}
	client := &fakeClient{}
	gen := &fakeGen{texts: []string{long}}
	orch, store, filter := newTestOrchestrator(t, client, gen)

	orch.PostToTimeline(context.Background())

	assert.Empty(t, client.sentTexts)
	assert.Nil(t, store.FindByExternalID("twitter", "sent-1"))
	count, err := filter.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
	// Each over-length attempt shrinks the hint by the step.
	assert.Equal(t, []int{280, 230, 180, 130, 80}, gen.topicHints)
}

func TestTopicPostLengthCountsCharactersNotBytes(t *testing.T) {
	// 200 characters, but well over 280 bytes of UTF-8. The limit is a
	// character count, so this must go out on the first attempt.
	accented := strings.Repeat("é", 200)
	client := &fakeClient{}
	gen := &fakeGen{texts: []string{accented}}
	orch, store, _ := newTestOrchestrator(t, client, gen)

	orch.PostToTimeline(context.Background())

	require.Equal(t, []string{accented}, client.sentTexts)
	require.NotNil(t, store.FindByExternalID("twitter", "sent-1"))
	assert.Equal(t, []int{280}, gen.topicHints)
}

func TestMentionReplyCreatesLinkedRecords(t *testing.T) {
	client := &fakeClient{
		mentions: []RawItem{
			mentionItem("m1", "user-9", "friend", "hello @aster what do you think", time.Now().Add(-time.Minute)),
		},
	}
	gen := &fakeGen{texts: []string{"thinking about it"}}
	orch, store, _ := newTestOrchestrator(t, client, gen)

	orch.ReplyToMentions(context.Background())

	require.Equal(t, []string{"thinking about it"}, client.sentTexts)
	require.Equal(t, []string{"m1"}, client.sentParents)

	inbound := store.FindByExternalID("twitter", "m1")
	require.NotNil(t, inbound)
	assert.False(t, inbound.IsAgentAuthored)
	assert.Equal(t, "user-9", inbound.ActorID)

	outbound := store.FindByExternalID("twitter", "sent-1")
	require.NotNil(t, outbound)
	assert.True(t, outbound.IsAgentAuthored)
	assert.Equal(t, "m1", outbound.InReplyToExternalID)
}

func TestSecondSweepSendsNothing(t *testing.T) {
	client := &fakeClient{
		mentions: []RawItem{
			mentionItem("m1", "user-9", "friend", "hello @aster are you around", time.Now().Add(-time.Minute)),
		},
	}
	gen := &fakeGen{texts: []string{"here now"}}
	orch, _, _ := newTestOrchestrator(t, client, gen)

	orch.ReplyToMentions(context.Background())
	require.Len(t, client.sentTexts, 1)

	orch.ReplyToMentions(context.Background())
	assert.Len(t, client.sentTexts, 1, "already-processed mention must not be answered again")
}

func TestMentionsAnsweredOldestFirst(t *testing.T) {
	now := time.Now()
	client := &fakeClient{
		mentions: []RawItem{
			mentionItem("m-new", "user-2", "second", "newest mention for @aster", now),
			mentionItem("m-old", "user-1", "first", "oldest mention for @aster", now.Add(-time.Hour)),
			mentionItem("m-mid", "user-3", "third", "middle mention for @aster", now.Add(-30*time.Minute)),
		},
	}
	gen := &fakeGen{texts: []string{"reply one", "reply two", "reply three"}}
	orch, _, _ := newTestOrchestrator(t, client, gen)

	orch.ReplyToMentions(context.Background())

	assert.Equal(t, []string{"m-old", "m-mid", "m-new"}, client.sentParents)
}

func TestMalformedMentionsDropped(t *testing.T) {
	client := &fakeClient{
		mentions: []RawItem{
			{ExternalID: "m-bad", Text: "no actor id here"},
			{ExternalID: "m-bad2", ActorID: "u", ActorHandle: "h", Text: "bad timestamp", CreatedAt: "yesterday"},
			mentionItem("m-good", "user-1", "friend", "a real mention of @aster", time.Now().Add(-time.Minute)),
		},
	}
	gen := &fakeGen{texts: []string{"only one reply"}}
	orch, _, _ := newTestOrchestrator(t, client, gen)

	orch.ReplyToMentions(context.Background())

	assert.Equal(t, []string{"m-good"}, client.sentParents)
}

func TestRespondToTimelinePicksMostRecentClean(t *testing.T) {
	now := time.Now()
	client := &fakeClient{
		timeline: []RawItem{
			mentionItem("t1", "user-1", "early", "an older take on the market", now.Add(-2*time.Hour)),
			mentionItem("t2", "user-2", "linker", "check this out http://spam.example", now),
			mentionItem("t3", "user-3", "recent", "a recent thought worth engaging", now.Add(-10*time.Minute)),
		},
	}
	gen := &fakeGen{texts: []string{"engaging reply"}}
	orch, _, _ := newTestOrchestrator(t, client, gen)

	orch.RespondToTimeline(context.Background())

	// The URL-bearing post is filtered; t3 is the newest survivor.
	assert.Equal(t, []string{"t3"}, client.sentParents)
}

func TestRespondToTimelineEmptyAfterFilter(t *testing.T) {
	client := &fakeClient{
		timeline: []RawItem{
			mentionItem("t1", "user-1", "linker", "all spam http://spam.example", time.Now()),
		},
	}
	gen := &fakeGen{texts: []string{"should never send"}}
	orch, _, _ := newTestOrchestrator(t, client, gen)

	orch.RespondToTimeline(context.Background())
	assert.Empty(t, client.sentTexts)
}

func TestMediaSendFallsBackToText(t *testing.T) {
	client := &fakeClient{mediaErr: errors.New("media endpoint down")}
	gen := &fakeGen{texts: []string{"post with a picture"}}
	orch, store, _ := newTestOrchestrator(t, client, gen)

	orch.character.PostingBehavior.GenerateImagePrompt = true
	orch.character.PostingBehavior.ImagePromptChance = 1.0
	orch.SetMediaHook(func(context.Context, string) (*Media, error) {
		return &Media{Data: []byte{1, 2, 3}, MIMEType: "image/jpeg"}, nil
	})

	orch.PostToTimeline(context.Background())

	assert.Equal(t, 1, client.mediaSends)
	require.Equal(t, []string{"post with a picture"}, client.sentTexts)
	assert.NotNil(t, store.FindByExternalID("twitter", "sent-1"))
}

func TestMediaHookFailureFallsBackToText(t *testing.T) {
	client := &fakeClient{}
	gen := &fakeGen{texts: []string{"plain after hook failure"}}
	orch, _, _ := newTestOrchestrator(t, client, gen)

	orch.character.PostingBehavior.GenerateImagePrompt = true
	orch.character.PostingBehavior.ImagePromptChance = 1.0
	orch.SetMediaHook(func(context.Context, string) (*Media, error) {
		return nil, errors.New("image model offline")
	})

	orch.PostToTimeline(context.Background())

	assert.Zero(t, client.mediaSends)
	assert.Equal(t, []string{"plain after hook failure"}, client.sentTexts)
}

func TestParseRawItemValidation(t *testing.T) {
	valid := RawItem{
		ExternalID:  "1",
		ActorID:     "u1",
		ActorHandle: "h",
		Text:        "hello",
		CreatedAt:   time.Now().Format(time.RFC3339),
	}
	post, err := ParseRawItem(valid)
	require.NoError(t, err)
	assert.Equal(t, "1", post.ExternalID)

	cases := []RawItem{
		{},
		{ExternalID: "1", ActorID: "u1", ActorHandle: "h", Text: "x", CreatedAt: "not a time"},
		{ExternalID: "1", ActorHandle: "h", Text: "x", CreatedAt: time.Now().Format(time.RFC3339)},
		{ExternalID: "1", ActorID: "u1", ActorHandle: "h", CreatedAt: time.Now().Format(time.RFC3339)},
	}
	for i, item := range cases {
		_, err := ParseRawItem(item)
		assert.ErrorIs(t, err, ErrMalformed, fmt.Sprintf("case %d", i))
	}
}
