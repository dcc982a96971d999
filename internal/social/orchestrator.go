package social

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
	"unicode/utf8"

	"persona/internal/config"
	"persona/internal/dedup"
	"persona/internal/generation"
	"persona/internal/history"
	"persona/internal/logging"
	"persona/internal/policy"
)

const (
	// maxCycleAttempts bounds the generate/screen retry loop.
	maxCycleAttempts = 5

	// lengthShrinkStep is subtracted from the length hint after an
	// over-length attempt.
	lengthShrinkStep = 50

	// platformHardLimit is the non-negotiable post length ceiling. The
	// character's max length is a prompt hint; this one is enforced.
	platformHardLimit = 280

	// historyContextLimit caps how many prior records feed a reply prompt.
	historyContextLimit = 10

	timelineFetchLimit = 50
	mentionsFetchLimit = 10
)

// ErrAttemptsExhausted means no acceptable post came out of the retry loop.
var ErrAttemptsExhausted = errors.New("generation attempts exhausted")

// ContentGenerator is the slice of the generation capability the
// orchestrator consumes.
type ContentGenerator interface {
	TopicPost(ctx context.Context, ch *config.Character, opts generation.TopicOptions) (*generation.Result, error)
	Reply(ctx context.Context, ch *config.Character, originalPost string, opts generation.ReplyOptions) (*generation.Result, error)
	Summarize(ctx context.Context, ch *config.Character, post string) (string, error)
	ImagePrompt(ctx context.Context, ch *config.Character, post string) (string, error)
}

// MediaHook produces an attachment for an image prompt. Optional; when
// nil, posts go out as plain text.
type MediaHook func(ctx context.Context, imagePrompt string) (*Media, error)

// Orchestrator drives one character's posting actions on one platform.
// Every public method is a complete cycle: errors inside a cycle are
// logged and swallowed here so a scheduler firing never kills the timer
// over a transient failure.
type Orchestrator struct {
	character *config.Character
	client    Client
	store     *history.Store
	filter    *dedup.Filter
	policy    *policy.Policy
	gen       ContentGenerator
	mediaHook MediaHook

	// replyDelay spaces out mention replies so a sweep does not burst.
	replyDelay time.Duration

	rng *rand.Rand
}

// NewOrchestrator wires a character to its platform client and stores.
func NewOrchestrator(ch *config.Character, client Client, store *history.Store, filter *dedup.Filter, gen ContentGenerator) *Orchestrator {
	return &Orchestrator{
		character:  ch,
		client:     client,
		store:      store,
		filter:     filter,
		policy:     policy.New(store, ch),
		gen:        gen,
		replyDelay: 15 * time.Second,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetMediaHook installs the attachment producer for image-enriched posts.
func (o *Orchestrator) SetMediaHook(hook MediaHook) {
	o.mediaHook = hook
}

// SetReplyDelay overrides the pause between mention replies.
func (o *Orchestrator) SetReplyDelay(d time.Duration) {
	o.replyDelay = d
}

// Login resolves and caches the character's actor id on the platform.
func (o *Orchestrator) Login(ctx context.Context) error {
	actorID, err := o.client.Login(ctx)
	if err != nil {
		return fmt.Errorf("login failed for %s: %w", o.character.Username, err)
	}
	o.character.ActorID = actorID
	logging.Social("%s: logged in to %s as actor %s", o.character.Username, o.client.Platform(), actorID)
	return nil
}

// PostToTimeline runs one topic post cycle: generate until the output
// clears the similarity filter and the length ceiling, send (with media
// when configured, falling back to text), then persist the record, the
// summary, and the embedding.
func (o *Orchestrator) PostToTimeline(ctx context.Context) {
	logging.Social("%s: topic post cycle starting", o.character.Username)

	result, err := o.generateAcceptable(ctx, func(hint int) (*generation.Result, error) {
		return o.gen.TopicPost(ctx, o.character, generation.TopicOptions{MaxLengthHint: hint})
	})
	if err != nil {
		logging.Get(logging.CategorySocial).Error("%s: topic post cycle aborted: %v", o.character.Username, err)
		return
	}

	sent, err := o.sendWithOptionalMedia(ctx, result.Text)
	if err != nil {
		logging.Get(logging.CategorySocial).Error("%s: failed to send topic post: %v", o.character.Username, err)
		return
	}
	logging.Social("%s: topic post sent: %s", o.character.Username, sent.ExternalID)

	if err := o.persistOutbound(sent, result.Prompt); err != nil {
		logging.Get(logging.CategorySocial).Error("%s: failed to persist topic post: %v", o.character.Username, err)
		return
	}

	o.indexPost(ctx, sent)
}

// RespondToTimeline runs one auto-responder cycle: fetch the home
// timeline, filter to engageable candidates, reply to the most recent.
func (o *Orchestrator) RespondToTimeline(ctx context.Context) {
	logging.Social("%s: timeline response cycle starting", o.character.Username)

	items, err := o.client.FetchTimeline(ctx, timelineFetchLimit)
	if err != nil {
		logging.Get(logging.CategorySocial).Error("%s: timeline fetch failed: %v", o.character.Username, err)
		return
	}

	candidates := parseAll(o.client.Platform(), o.characterID(), items)
	candidates = o.policy.FilterTimelineCandidates(candidates)
	logging.Social("%s: %d candidates after filtering", o.character.Username, len(candidates))
	if len(candidates) == 0 {
		return
	}

	target := candidates[0]
	for _, c := range candidates[1:] {
		if c.CreatedAt.After(target.CreatedAt) {
			target = c
		}
	}

	ownHistory := o.store.ListByActor(o.client.Platform(), o.character.ActorID, historyContextLimit, "")
	userHistory := o.store.ListByActor(o.client.Platform(), target.ActorID, historyContextLimit, "")
	promptContext := history.FormatForPrompt(append(ownHistory, userHistory...))

	o.replyTo(ctx, target, promptContext)
}

// ReplyToMentions runs one mention sweep: oldest mention first, policy
// screened, one reply per surviving mention. Per-mention failures are
// logged and do not stop the sweep.
func (o *Orchestrator) ReplyToMentions(ctx context.Context) {
	logging.Social("%s: mention sweep starting", o.character.Username)

	items, err := o.client.SearchMentions(ctx, mentionsFetchLimit)
	if err != nil {
		logging.Get(logging.CategorySocial).Error("%s: mention search failed: %v", o.character.Username, err)
		return
	}

	mentions := parseAll(o.client.Platform(), o.characterID(), items)
	policy.SortOldestFirst(mentions)
	logging.Social("%s: found %d mentions", o.character.Username, len(mentions))

	for _, mention := range mentions {
		if o.policy.ShouldSkipMention(mention, o.character.ActorID) {
			continue
		}
		logging.Social("%s: processing mention %s from @%s", o.character.Username, mention.ExternalID, mention.ActorHandle)

		if o.replyDelay > 0 {
			select {
			case <-time.After(o.replyDelay):
			case <-ctx.Done():
				return
			}
		}

		userHistory := o.store.ListByActor(o.client.Platform(), mention.ActorID, historyContextLimit, "")
		if mention.ConversationID != "" {
			userHistory = append(userHistory,
				o.store.ListByConversation(o.client.Platform(), mention.ConversationID, historyContextLimit)...)
		}

		o.replyTo(ctx, mention, history.FormatForPrompt(userHistory))
	}
}

// replyTo generates, sends, and persists one reply to an inbound record.
// The inbound record itself is persisted alongside the reply so future
// sweeps see the mention as already processed.
func (o *Orchestrator) replyTo(ctx context.Context, inbound history.InteractionRecord, promptContext string) {
	result, err := o.generateAcceptable(ctx, func(hint int) (*generation.Result, error) {
		return o.gen.Reply(ctx, o.character, inbound.Text, generation.ReplyOptions{
			History:       promptContext,
			MaxLengthHint: hint,
		})
	})
	if err != nil {
		logging.Get(logging.CategorySocial).Error("%s: reply to %s aborted: %v", o.character.Username, inbound.ExternalID, err)
		return
	}

	sent, err := o.client.SendText(ctx, result.Text, inbound.ExternalID)
	if err != nil {
		logging.Get(logging.CategorySocial).Error("%s: failed to send reply to %s: %v", o.character.Username, inbound.ExternalID, err)
		return
	}
	logging.Social("%s: reply sent: %s -> %s", o.character.Username, sent.ExternalID, inbound.ExternalID)

	// Parent first so the conversation is linked even if indexing the
	// outbound row fails.
	if existing := o.store.FindByExternalID(inbound.Platform, inbound.ExternalID); existing == nil {
		if err := o.store.Append(inbound); err != nil {
			logging.Get(logging.CategorySocial).Error("%s: failed to persist inbound %s: %v", o.character.Username, inbound.ExternalID, err)
		}
	}

	if err := o.persistOutbound(sent, result.Prompt); err != nil {
		logging.Get(logging.CategorySocial).Error("%s: failed to persist reply %s: %v", o.character.Username, sent.ExternalID, err)
	}
}

// generateAcceptable is the shared retry loop: regenerate while the
// output is too similar to prior posts or over the hard length limit.
// A similarity failure keeps the hint; a length failure shrinks it.
func (o *Orchestrator) generateAcceptable(ctx context.Context, produce func(hint int) (*generation.Result, error)) (*generation.Result, error) {
	hint := o.character.MaxPostLength()

	for attempt := 1; attempt <= maxCycleAttempts; attempt++ {
		result, err := produce(hint)
		if err != nil {
			return nil, err
		}

		tooSimilar, err := o.filter.IsTooSimilar(ctx, o.character.Username, result.Text)
		if err != nil {
			return nil, fmt.Errorf("similarity check failed: %w", err)
		}
		if tooSimilar {
			logging.Social("%s: output too similar to prior posts, attempt %d/%d", o.character.Username, attempt, maxCycleAttempts)
			continue
		}

		if length := utf8.RuneCountInString(result.Text); length > platformHardLimit {
			logging.Social("%s: output is %d chars, over the %d limit, attempt %d/%d", o.character.Username, length, platformHardLimit, attempt, maxCycleAttempts)
			hint -= lengthShrinkStep
			continue
		}

		return result, nil
	}

	return nil, ErrAttemptsExhausted
}

// sendWithOptionalMedia sends a topic post, attaching a generated image
// when the character's behavior rolls one. Media failures fall back to
// plain text rather than dropping the post.
func (o *Orchestrator) sendWithOptionalMedia(ctx context.Context, text string) (*Post, error) {
	behavior := o.character.PostingBehavior
	wantImage := behavior.GenerateImagePrompt && o.mediaHook != nil
	if wantImage {
		chance := behavior.ImagePromptChance
		if chance <= 0 {
			chance = 0.3
		}
		wantImage = o.rng.Float64() < chance
	}

	if wantImage {
		media, err := o.buildMedia(ctx, text)
		if err != nil {
			logging.Get(logging.CategorySocial).Warn("%s: media generation failed, falling back to text: %v", o.character.Username, err)
		} else {
			sent, err := o.client.SendWithMedia(ctx, text, *media)
			if err == nil {
				return sent, nil
			}
			logging.Get(logging.CategorySocial).Warn("%s: media send failed, falling back to text: %v", o.character.Username, err)
		}
	}

	return o.client.SendText(ctx, text, "")
}

func (o *Orchestrator) buildMedia(ctx context.Context, text string) (*Media, error) {
	imagePrompt, err := o.gen.ImagePrompt(ctx, o.character, text)
	if err != nil {
		return nil, err
	}
	return o.mediaHook(ctx, imagePrompt)
}

// persistOutbound stores an agent-authored post in the history.
func (o *Orchestrator) persistOutbound(sent *Post, prompt string) error {
	record := toRecord(o.client.Platform(), o.characterID(), sent, true, prompt)
	if record.ActorID == "" {
		record.ActorID = o.character.ActorID
	}
	if record.ActorHandle == "" {
		record.ActorHandle = o.character.Username
	}
	return o.store.Append(record)
}

// indexPost summarizes a sent post and stores both vectors in the
// similarity index. Failures here are logged; the post is already out.
func (o *Orchestrator) indexPost(ctx context.Context, sent *Post) {
	summary, err := o.gen.Summarize(ctx, o.character, sent.Text)
	if err != nil {
		logging.Get(logging.CategorySocial).Error("%s: summary generation failed for %s: %v", o.character.Username, sent.ExternalID, err)
		return
	}
	if err := o.filter.Store(ctx, o.character.Username, sent.ExternalID, sent.Text, summary); err != nil {
		logging.Get(logging.CategorySocial).Error("%s: failed to index post %s: %v", o.character.Username, sent.ExternalID, err)
		return
	}
	logging.SocialDebug("%s: post %s indexed", o.character.Username, sent.ExternalID)
}

func (o *Orchestrator) characterID() string {
	return o.character.Username
}
