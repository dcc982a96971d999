package generation

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"persona/internal/config"
	"persona/internal/logging"
)

// refusalThreshold is how many refused completions are tolerated before
// switching to the character's fallback model.
const refusalThreshold = 3

// shortPostThreshold: posts at or under this length get the short-form
// reply prompt.
const shortPostThreshold = 20

// Result carries a generated post plus the prompt that produced it, so
// callers can persist both.
type Result struct {
	Prompt string
	Text   string

	// Topic posts only.
	Topic     string
	Adjective string
}

// Generator turns characters and inbound posts into voiced output text.
type Generator struct {
	client Client

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a Generator backed by the given completion client.
func New(client Client) *Generator {
	return &Generator{
		client: client,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ReplyOptions tunes reply generation per platform.
type ReplyOptions struct {
	// Chat selects the conversational prompt and the character's chat
	// model when configured.
	Chat bool

	// History is recent conversation context, already formatted.
	History string

	// MaxLengthHint overrides the character's max post length for the
	// generation attempt. Zero means use the character's setting.
	MaxLengthHint int
}

// TopicOptions tunes topic post generation.
type TopicOptions struct {
	// MaxLengthHint overrides the character's max post length for this
	// attempt. Zero means use the character's setting.
	MaxLengthHint int
}

// TopicPost generates a standalone post about a random topic from the
// character's list, styled by a random adjective.
func (g *Generator) TopicPost(ctx context.Context, ch *config.Character, opts TopicOptions) (*Result, error) {
	g.mu.Lock()
	vars := personaVars(g.rng, ch)
	topic := pickOne(g.rng, ch.Topics)
	adjective := pickOne(g.rng, ch.Adjectives)
	g.mu.Unlock()

	vars["topic"] = topic
	vars["adjective"] = adjective

	maxLength := ch.MaxPostLength()
	if opts.MaxLengthHint > 0 {
		maxLength = opts.MaxLengthHint
	}

	prompt := expandTemplate(topicPromptTemplate, vars)
	text, err := g.completeWithRetries(ctx, ch, prompt, ch.Model, maxLength)
	if err != nil {
		return nil, fmt.Errorf("topic post generation failed: %w", err)
	}

	text = g.formatOutput(text, ch, false)
	logging.Generation("%s: topic post generated (topic=%q adjective=%q len=%d)", ch.Username, topic, adjective, utf8.RuneCountInString(text))
	return &Result{Prompt: prompt, Text: text, Topic: topic, Adjective: adjective}, nil
}

// Reply generates a reply to an inbound post.
func (g *Generator) Reply(ctx context.Context, ch *config.Character, originalPost string, opts ReplyOptions) (*Result, error) {
	g.mu.Lock()
	vars := personaVars(g.rng, ch)
	g.mu.Unlock()

	vars["originalPost"] = originalPost
	vars["chatRules"] = strings.Join(ch.PostingBehavior.ChatRules, "\n")

	var template string
	switch {
	case utf8.RuneCountInString(originalPost) <= shortPostThreshold:
		template = replyShortPromptTemplate
	case opts.Chat:
		template = chatReplyPromptTemplate
	default:
		template = replyPromptTemplate
	}

	prompt := expandTemplate(template, vars)
	prompt = withKnowledge(prompt, ch.Knowledge)
	if opts.History != "" {
		prompt = "# Recent conversation\n" + opts.History + "\n\n" + prompt
	}

	model := ch.Model
	if opts.Chat && ch.PostingBehavior.ChatModel != "" {
		model = ch.PostingBehavior.ChatModel
	}

	maxLength := ch.MaxPostLength()
	if opts.MaxLengthHint > 0 {
		maxLength = opts.MaxLengthHint
	}

	text, err := g.completeWithRetries(ctx, ch, prompt, model, maxLength)
	if err != nil {
		return nil, fmt.Errorf("reply generation failed: %w", err)
	}

	text = g.formatOutput(text, ch, opts.Chat)
	return &Result{Prompt: prompt, Text: text}, nil
}

// ImagePrompt generates a one-sentence image model prompt for a post.
func (g *Generator) ImagePrompt(ctx context.Context, ch *config.Character, post string) (string, error) {
	g.mu.Lock()
	vars := personaVars(g.rng, ch)
	g.mu.Unlock()
	vars["originalPost"] = post

	prompt := expandTemplate(imagePromptTemplate, vars)
	text, err := g.client.Complete(ctx, Request{
		Model:       ch.Model,
		Prompt:      prompt,
		Temperature: ch.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("image prompt generation failed: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// Summarize compresses a post to a one-sentence summary, used for the
// secondary similarity vector.
func (g *Generator) Summarize(ctx context.Context, ch *config.Character, post string) (string, error) {
	prompt := expandTemplate(summaryPromptTemplate, map[string]string{"originalPost": post})
	text, err := g.client.Complete(ctx, Request{
		Model:       ch.Model,
		Prompt:      prompt,
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("summary generation failed: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// completeWithRetries generates text and regenerates while the output
// is a refusal or exceeds maxLength. After refusalThreshold refusals the
// character's fallback model takes over for one final attempt.
func (g *Generator) completeWithRetries(ctx context.Context, ch *config.Character, prompt, model string, maxLength int) (string, error) {
	text, err := g.client.Complete(ctx, Request{
		Model:       model,
		Prompt:      prompt,
		Temperature: ch.Temperature,
	})
	if err != nil {
		return "", err
	}

	refusals := 0
	for attempt := 0; attempt < 10; attempt++ {
		refused, err := g.isRefusal(ctx, ch, model, text)
		if err != nil {
			return "", err
		}

		// Limits are in characters, not bytes, so multibyte output is not
		// penalized for its encoding.
		if !refused && utf8.RuneCountInString(text) <= maxLength {
			return text, nil
		}

		if refused {
			refusals++
			logging.Generation("%s: completion refused, attempt %d/%d", ch.Username, refusals, refusalThreshold)
			if refusals >= refusalThreshold && ch.FallbackModel != "" {
				logging.Generation("%s: switching to fallback model %s", ch.Username, ch.FallbackModel)
				return g.client.Complete(ctx, Request{
					Model:       ch.FallbackModel,
					Prompt:      prompt,
					Temperature: ch.Temperature,
				})
			}
		} else {
			logging.GenerationDebug("%s: output too long (%d > %d), regenerating", ch.Username, utf8.RuneCountInString(text), maxLength)
		}

		text, err = g.client.Complete(ctx, Request{
			Model:       model,
			Prompt:      prompt,
			Temperature: ch.Temperature,
		})
		if err != nil {
			return "", err
		}
	}

	return "", fmt.Errorf("could not produce acceptable output after repeated attempts")
}

// isRefusal asks the model whether its own output was a safety refusal.
func (g *Generator) isRefusal(ctx context.Context, ch *config.Character, model, reply string) (bool, error) {
	prompt := expandTemplate(refusalCheckTemplate, map[string]string{
		"agentName": ch.AgentName,
		"username":  ch.Username,
		"reply":     reply,
	})
	verdict, err := g.client.Complete(ctx, Request{
		Model:       model,
		Prompt:      prompt,
		Temperature: 0,
	})
	if err != nil {
		return false, fmt.Errorf("refusal check failed: %w", err)
	}
	return strings.EqualFold(strings.TrimSpace(verdict), "YES"), nil
}

// formatOutput applies the character's post-processing rules.
func (g *Generator) formatOutput(text string, ch *config.Character, chat bool) string {
	out := strings.ReplaceAll(text, `\n`, "\n")

	removePeriods := ch.PostingBehavior.RemovePeriods
	firstSentence := ch.PostingBehavior.OnlyKeepFirstSentence
	if chat {
		// Chat replies are forced terse one-liners.
		removePeriods = true
		firstSentence = true
	}

	if removePeriods {
		out = strings.ReplaceAll(out, ".", "")
	}
	if firstSentence {
		if idx := strings.Index(out, "\n"); idx >= 0 {
			out = out[:idx]
		}
	}
	return strings.TrimSpace(out)
}
