package generation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"persona/internal/config"
)

// scriptedClient routes refusal-check prompts to a fixed verdict and
// serves generation prompts from a queue.
type scriptedClient struct {
	replies  []string
	verdicts []string
	requests []Request
}

func (c *scriptedClient) Complete(_ context.Context, req Request) (string, error) {
	c.requests = append(c.requests, req)
	if strings.Contains(req.Prompt, "qualifies as a refusal") {
		if len(c.verdicts) == 0 {
			return "NO", nil
		}
		v := c.verdicts[0]
		c.verdicts = c.verdicts[1:]
		return v, nil
	}
	if len(c.replies) == 0 {
		return "", errors.New("no scripted reply left")
	}
	r := c.replies[0]
	c.replies = c.replies[1:]
	return r, nil
}

func testCharacter() *config.Character {
	return &config.Character{
		AgentName:      "Aster",
		Username:       "aster",
		InternalName:   "aster",
		Bio:            []string{"stargazer", "night owl", "builder"},
		Lore:           []string{"lives in an observatory"},
		PostDirections: []string{"keep it short"},
		Topics:         []string{"telescopes"},
		Adjectives:     []string{"wistful"},
		Model:          "main-model",
		FallbackModel:  "backup-model",
		Temperature:    0.7,
	}
}

func TestTopicPostUsesTopicAndAdjective(t *testing.T) {
	client := &scriptedClient{replies: []string{"the sky keeps its own hours"}}
	g := New(client)

	res, err := g.TopicPost(context.Background(), testCharacter(), TopicOptions{})
	require.NoError(t, err)

	assert.Equal(t, "the sky keeps its own hours", res.Text)
	assert.Equal(t, "telescopes", res.Topic)
	assert.Equal(t, "wistful", res.Adjective)
	assert.Contains(t, res.Prompt, "telescopes")
	assert.Contains(t, res.Prompt, "wistful")
	assert.Equal(t, "main-model", client.requests[0].Model)
}

func TestReplyShortPostGetsShortPrompt(t *testing.T) {
	client := &scriptedClient{replies: []string{"gm boss"}}
	g := New(client)

	res, err := g.Reply(context.Background(), testCharacter(), "gm", ReplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, "gm boss", res.Text)
	assert.Contains(t, res.Prompt, "very short post")
}

func TestReplyLongPostGetsFullPrompt(t *testing.T) {
	client := &scriptedClient{replies: []string{"a measured thought"}}
	g := New(client)

	original := "what do you all think the next decade of astronomy looks like?"
	res, err := g.Reply(context.Background(), testCharacter(), original, ReplyOptions{})
	require.NoError(t, err)
	assert.Contains(t, res.Prompt, original)
	assert.NotContains(t, res.Prompt, "very short post")
}

func TestReplyIncludesHistoryContext(t *testing.T) {
	client := &scriptedClient{replies: []string{"as I said before"}}
	g := New(client)

	_, err := g.Reply(context.Background(), testCharacter(),
		"tell me more about what you mentioned earlier please",
		ReplyOptions{History: "@user: earlier message"})
	require.NoError(t, err)
	assert.Contains(t, client.requests[0].Prompt, "Recent conversation")
	assert.Contains(t, client.requests[0].Prompt, "@user: earlier message")
}

func TestChatReplyUsesChatModelAndOneLiner(t *testing.T) {
	ch := testCharacter()
	ch.PostingBehavior.ChatModel = "chat-model"
	client := &scriptedClient{replies: []string{"first line.\nsecond line."}}
	g := New(client)

	res, err := g.Reply(context.Background(), ch,
		"hey how are you doing today over there in the observatory",
		ReplyOptions{Chat: true})
	require.NoError(t, err)

	assert.Equal(t, "chat-model", client.requests[0].Model)
	assert.Equal(t, "first line", res.Text)
}

func TestRefusalFallsBackAfterThreshold(t *testing.T) {
	refusal := "I can't generate content like that"
	client := &scriptedClient{
		replies:  []string{refusal, refusal, refusal, "fallback voice"},
		verdicts: []string{"YES", "YES", "YES"},
	}
	g := New(client)

	res, err := g.TopicPost(context.Background(), testCharacter(), TopicOptions{})
	require.NoError(t, err)
	assert.Equal(t, "fallback voice", res.Text)

	last := client.requests[len(client.requests)-1]
	assert.Equal(t, "backup-model", last.Model)
}

func TestTooLongOutputRegenerates(t *testing.T) {
	ch := testCharacter()
	ch.PostingBehavior.MaxPostLength = 20
	client := &scriptedClient{
		replies: []string{"this output is definitely much longer than twenty characters", "short and sweet"},
	}
	g := New(client)

	res, err := g.TopicPost(context.Background(), ch, TopicOptions{})
	require.NoError(t, err)
	assert.Equal(t, "short and sweet", res.Text)
}

func TestLengthLimitCountsCharactersNotBytes(t *testing.T) {
	ch := testCharacter()
	ch.PostingBehavior.MaxPostLength = 20
	// 18 characters but 36 bytes of UTF-8; must be accepted first try.
	accented := strings.Repeat("é", 18)
	client := &scriptedClient{replies: []string{accented}}
	g := New(client)

	res, err := g.TopicPost(context.Background(), ch, TopicOptions{})
	require.NoError(t, err)
	assert.Equal(t, accented, res.Text)
}

func TestMaxLengthHintOverridesCharacter(t *testing.T) {
	client := &scriptedClient{
		replies: []string{"a reply that is over the shrunken hint limit", "tiny"},
	}
	g := New(client)

	res, err := g.Reply(context.Background(), testCharacter(),
		"please share your longest possible thought about stars",
		ReplyOptions{MaxLengthHint: 10})
	require.NoError(t, err)
	assert.Equal(t, "tiny", res.Text)
}

func TestCompletionErrorPropagates(t *testing.T) {
	g := New(&scriptedClient{})
	_, err := g.TopicPost(context.Background(), testCharacter(), TopicOptions{})
	require.Error(t, err)
}

func TestSummarize(t *testing.T) {
	client := &scriptedClient{replies: []string{"a post about stars"}}
	g := New(client)

	summary, err := g.Summarize(context.Background(), testCharacter(), "the stars are out tonight and they are beautiful")
	require.NoError(t, err)
	assert.Equal(t, "a post about stars", summary)
	assert.Equal(t, float64(0), client.requests[0].Temperature)
}

func TestImagePrompt(t *testing.T) {
	client := &scriptedClient{replies: []string{"an observatory under a meteor shower"}}
	g := New(client)

	prompt, err := g.ImagePrompt(context.Background(), testCharacter(), "meteor night")
	require.NoError(t, err)
	assert.Equal(t, "an observatory under a meteor shower", prompt)
}

func TestExpandTemplateMissingKeysBlank(t *testing.T) {
	out := expandTemplate("hello {{name}}, {{missing}}!", map[string]string{"name": "world"})
	assert.Equal(t, "hello world, !", out)
}

func TestFormatOutputRemovePeriods(t *testing.T) {
	ch := testCharacter()
	ch.PostingBehavior.RemovePeriods = true
	g := New(&scriptedClient{})

	out := g.formatOutput("one. two. three.", ch, false)
	assert.Equal(t, "one two three", out)
}
