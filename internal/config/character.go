package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PostingBehavior holds the policy knobs that govern when and how a
// character posts. Interval fields are milliseconds in the JSON files.
type PostingBehavior struct {
	TopicIntervalMs int64 `json:"topic_interval_ms"`
	ReplyIntervalMs int64 `json:"reply_interval_ms"`

	// Jitter bounds in minutes, applied around the base intervals.
	LowerBoundPostingInterval int64 `json:"lower_bound_posting_interval"`
	UpperBoundPostingInterval int64 `json:"upper_bound_posting_interval"`

	MaxPostLength int `json:"max_post_length"`

	// Users the character never engages with.
	BlockedHandles []string `json:"blocked_handles"`

	// Per-user engagement caps.
	InteractionLimit     int   `json:"interaction_limit"`
	InteractionTimeoutMs int64 `json:"interaction_timeout_ms"`

	IgnoreReplies bool `json:"ignore_replies"`

	// Output formatting applied after generation.
	RemovePeriods         bool `json:"remove_periods"`
	OnlyKeepFirstSentence bool `json:"only_keep_first_sentence"`

	// Chat platforms can use a cheaper model and extra style rules.
	ChatModel string   `json:"chat_model"`
	ChatRules []string `json:"chat_rules"`

	// Media enrichment for topic posts.
	GenerateImagePrompt bool    `json:"generate_image_prompt"`
	ImagePromptChance   float64 `json:"image_prompt_chance"`

	// Telegram extras.
	StickerChance float64  `json:"sticker_chance"`
	StickerFiles  []string `json:"sticker_files"`
}

// Character is a persona definition plus its policy knobs. The core only
// reads it; secrets are injected from the environment at load time.
type Character struct {
	AgentName    string `json:"agent_name"`
	Username     string `json:"username"` // platform handle, lowercase
	InternalName string `json:"internal_name"`

	Bio            []string `json:"bio"`
	Lore           []string `json:"lore"`
	PostDirections []string `json:"post_directions"`
	Topics         []string `json:"topics"`
	Adjectives     []string `json:"adjectives"`
	Knowledge      string   `json:"knowledge"`

	Model         string  `json:"model"`
	FallbackModel string  `json:"fallback_model"`
	Temperature   float64 `json:"temperature"`

	TelegramBotUsername string   `json:"telegram_bot_username"`
	DiscordBotUsername  string   `json:"discord_bot_username"`
	DiscordChannels     []string `json:"discord_channels"`

	PostingBehavior PostingBehavior `json:"posting_behavior"`

	// Injected from environment, never stored in the JSON files.
	TwitterPassword string `json:"-"`
	TelegramAPIKey  string `json:"-"`
	DiscordAPIKey   string `json:"-"`

	// Resolved at login, not part of the file.
	ActorID string `json:"-"`
}

// Posting behavior defaults matching the original cadence.
const (
	DefaultTopicInterval      = 45 * time.Minute
	DefaultReplyInterval      = 15 * time.Minute
	DefaultMentionInterval    = 10 * time.Minute
	DefaultInteractionLimit   = 3
	DefaultInteractionTimeout = time.Hour
	DefaultMaxPostLength      = 280
)

// TopicInterval returns the configured topic posting interval or the default.
func (c *Character) TopicInterval() time.Duration {
	if c.PostingBehavior.TopicIntervalMs > 0 {
		return time.Duration(c.PostingBehavior.TopicIntervalMs) * time.Millisecond
	}
	return DefaultTopicInterval
}

// ReplyInterval returns the configured auto-reply interval or the default.
func (c *Character) ReplyInterval() time.Duration {
	if c.PostingBehavior.ReplyIntervalMs > 0 {
		return time.Duration(c.PostingBehavior.ReplyIntervalMs) * time.Millisecond
	}
	return DefaultReplyInterval
}

// InteractionLimit returns the per-user reply cap.
func (c *Character) InteractionLimit() int {
	if c.PostingBehavior.InteractionLimit > 0 {
		return c.PostingBehavior.InteractionLimit
	}
	return DefaultInteractionLimit
}

// InteractionTimeout returns the window the interaction limit applies over.
func (c *Character) InteractionTimeout() time.Duration {
	if c.PostingBehavior.InteractionTimeoutMs > 0 {
		return time.Duration(c.PostingBehavior.InteractionTimeoutMs) * time.Millisecond
	}
	return DefaultInteractionTimeout
}

// MaxPostLength returns the length hint passed to generation.
func (c *Character) MaxPostLength() int {
	if c.PostingBehavior.MaxPostLength > 0 {
		return c.PostingBehavior.MaxPostLength
	}
	return DefaultMaxPostLength
}

// IsBlocked reports whether a handle is on the character's block list.
func (c *Character) IsBlocked(handle string) bool {
	for _, h := range c.PostingBehavior.BlockedHandles {
		if strings.EqualFold(h, handle) {
			return true
		}
	}
	return false
}

// JitterBounds derives the [lower, upper] scheduling window around a base
// interval from the character's posting behavior.
func (c *Character) JitterBounds(base time.Duration, defaultBoundMinutes int64) (time.Duration, time.Duration) {
	lowerMin := c.PostingBehavior.LowerBoundPostingInterval
	if lowerMin <= 0 {
		lowerMin = defaultBoundMinutes
	}
	upperMin := c.PostingBehavior.UpperBoundPostingInterval
	if upperMin <= 0 {
		upperMin = defaultBoundMinutes
	}

	lower := base - time.Duration(lowerMin)*time.Minute
	upper := base + time.Duration(upperMin)*time.Minute
	if lower < time.Minute {
		lower = time.Minute
	}
	if upper < lower {
		upper = lower
	}
	return lower, upper
}

// LoadCharacters reads every *.json character file in dir and injects
// the per-character secrets from AGENT_<INTERNAL_NAME>_* env vars.
func LoadCharacters(dir string) ([]*Character, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read characters dir: %w", err)
	}

	var characters []*Character
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		ch, err := LoadCharacter(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("character %s: %w", entry.Name(), err)
		}
		characters = append(characters, ch)
	}

	if len(characters) == 0 {
		return nil, fmt.Errorf("no character files found in %s", dir)
	}
	return characters, nil
}

// LoadCharacter reads a single character JSON file.
func LoadCharacter(path string) (*Character, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read character file: %w", err)
	}

	var ch Character
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, fmt.Errorf("failed to parse character file: %w", err)
	}

	if ch.Username == "" {
		return nil, fmt.Errorf("character file missing username")
	}
	if ch.InternalName == "" {
		ch.InternalName = ch.Username
	}

	prefix := "AGENT_" + strings.ToUpper(ch.InternalName) + "_"
	ch.TwitterPassword = os.Getenv(prefix + "TWITTER_PASSWORD")
	ch.TelegramAPIKey = os.Getenv(prefix + "TELEGRAM_API_KEY")
	ch.DiscordAPIKey = os.Getenv(prefix + "DISCORD_API_KEY")

	return &ch, nil
}

// FindCharacter returns the character with the given username.
func FindCharacter(characters []*Character, username string) (*Character, error) {
	for _, ch := range characters {
		if ch.Username == username {
			return ch, nil
		}
	}
	return nil, fmt.Errorf("character not found: %s", username)
}
