package social

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"persona/internal/config"
	"persona/internal/generation"
	"persona/internal/history"
	"persona/internal/logging"
)

const discordAPIBase = "https://discord.com/api/v10"

// discordMessage is the subset of the channel message payload we read.
type discordMessage struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Author  struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Bot      bool   `json:"bot"`
	} `json:"author"`
	Mentions []struct {
		Username string `json:"username"`
	} `json:"mentions"`
}

// DiscordProvider polls configured channels over REST and replies when
// the bot is mentioned.
type DiscordProvider struct {
	character *config.Character
	store     *history.Store
	gen       ContentGenerator

	channelIDs   []string
	apiBase      string
	pollInterval time.Duration
	httpClient   *http.Client
	sessionID    string

	mu      sync.Mutex
	lastIDs map[string]string
	stop    chan struct{}
	done    chan struct{}
	started bool
}

// NewDiscordProvider creates the provider. The character must carry a
// Discord API key and bot username; channelIDs are the channels swept.
func NewDiscordProvider(ch *config.Character, store *history.Store, gen ContentGenerator, channelIDs []string) (*DiscordProvider, error) {
	if ch.DiscordAPIKey == "" {
		return nil, fmt.Errorf("no Discord API key found for %s", ch.InternalName)
	}
	if ch.DiscordBotUsername == "" {
		return nil, fmt.Errorf("no Discord bot username found for %s", ch.InternalName)
	}
	if len(channelIDs) == 0 {
		return nil, fmt.Errorf("no Discord channels configured for %s", ch.InternalName)
	}
	return &DiscordProvider{
		character:    ch,
		store:        store,
		gen:          gen,
		channelIDs:   channelIDs,
		apiBase:      discordAPIBase,
		pollInterval: 10 * time.Second,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		sessionID:    uuid.NewString(),
		lastIDs:      make(map[string]string),
	}, nil
}

// SetAPIBase overrides the REST endpoint, used by tests.
func (d *DiscordProvider) SetAPIBase(base string) {
	d.apiBase = strings.TrimSuffix(base, "/")
}

// SetPollInterval overrides the channel sweep cadence.
func (d *DiscordProvider) SetPollInterval(interval time.Duration) {
	d.pollInterval = interval
}

// Start launches the polling loop.
func (d *DiscordProvider) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("discord provider already started for %s", d.character.InternalName)
	}
	d.started = true
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	stop, done := d.stop, d.done
	d.mu.Unlock()

	logging.Discord("bot started for %s, watching %d channels", d.character.InternalName, len(d.channelIDs))
	go d.pollLoop(ctx, stop, done)
	return nil
}

// Stop halts the polling loop and waits for it to exit.
func (d *DiscordProvider) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	close(d.stop)
	done := d.done
	d.mu.Unlock()

	<-done
	logging.Discord("bot stopped for %s", d.character.InternalName)
}

func (d *DiscordProvider) pollLoop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	// Prime the cursors so old messages are not replayed on start.
	for _, channelID := range d.channelIDs {
		d.primeCursor(ctx, channelID)
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, channelID := range d.channelIDs {
				d.sweepChannel(ctx, channelID)
			}
		}
	}
}

// primeCursor records the newest message id in a channel so the first
// sweep only considers messages that arrive afterwards.
func (d *DiscordProvider) primeCursor(ctx context.Context, channelID string) {
	messages, err := d.fetchMessages(ctx, channelID, "")
	if err != nil {
		logging.Get(logging.CategoryDiscord).Error("failed to prime channel %s: %v", channelID, err)
		return
	}
	if len(messages) > 0 {
		d.mu.Lock()
		d.lastIDs[channelID] = messages[0].ID
		d.mu.Unlock()
	}
}

// sweepChannel processes messages newer than the channel cursor.
func (d *DiscordProvider) sweepChannel(ctx context.Context, channelID string) {
	d.mu.Lock()
	after := d.lastIDs[channelID]
	d.mu.Unlock()

	messages, err := d.fetchMessages(ctx, channelID, after)
	if err != nil {
		logging.Get(logging.CategoryDiscord).Error("failed to fetch channel %s: %v", channelID, err)
		return
	}
	if len(messages) == 0 {
		return
	}

	d.mu.Lock()
	d.lastIDs[channelID] = messages[0].ID
	d.mu.Unlock()

	// The API returns newest first; handle in arrival order.
	for i := len(messages) - 1; i >= 0; i-- {
		d.handleMessage(ctx, channelID, messages[i])
	}
}

func (d *DiscordProvider) fetchMessages(ctx context.Context, channelID, after string) ([]discordMessage, error) {
	endpoint := fmt.Sprintf("%s/channels/%s/messages?limit=50", d.apiBase, url.PathEscape(channelID))
	if after != "" {
		endpoint += "&after=" + url.QueryEscape(after)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+d.character.DiscordAPIKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("message fetch failed with status %d: %s", resp.StatusCode, string(body))
	}

	var messages []discordMessage
	if err := json.Unmarshal(body, &messages); err != nil {
		return nil, fmt.Errorf("failed to parse messages: %w", err)
	}
	return messages, nil
}

// handleMessage replies when the bot is mentioned. Errors are logged;
// one bad message never stops the sweep.
func (d *DiscordProvider) handleMessage(ctx context.Context, channelID string, msg discordMessage) {
	if msg.Author.Bot || msg.Content == "" {
		return
	}

	mentioned := false
	for _, mention := range msg.Mentions {
		if mention.Username == d.character.DiscordBotUsername {
			mentioned = true
			break
		}
	}
	if !mentioned && !strings.Contains(msg.Content, "@"+d.character.DiscordBotUsername) {
		return
	}

	logging.Discord("bot mentioned in channel %s: %s", channelID, msg.Content)

	if err := d.store.SaveChatMessage(history.ChatMessage{
		Platform:  "discord",
		ChannelID: channelID,
		MessageID: msg.ID,
		UserID:    msg.Author.ID,
		Handle:    msg.Author.Username,
		SessionID: d.sessionID,
		Content:   msg.Content,
	}); err != nil {
		logging.Get(logging.CategoryDiscord).Error("failed to save inbound message: %v", err)
	}

	recent := d.store.RecentByChannel("discord", channelID, historyContextLimit)
	result, err := d.gen.Reply(ctx, d.character, msg.Content, generation.ReplyOptions{
		Chat:    true,
		History: formatChatHistory(recent),
	})
	if err != nil {
		logging.Get(logging.CategoryDiscord).Error("reply generation failed: %v", err)
		return
	}

	if err := d.sendReply(ctx, channelID, msg.ID, result.Text); err != nil {
		logging.Get(logging.CategoryDiscord).Error("failed to send reply: %v", err)
		return
	}

	if err := d.store.SaveChatMessage(history.ChatMessage{
		Platform:        "discord",
		ChannelID:       channelID,
		UserID:          d.character.Username,
		Handle:          d.character.DiscordBotUsername,
		SessionID:       d.sessionID,
		Content:         result.Text,
		IsAgentResponse: true,
		Prompt:          result.Prompt,
	}); err != nil {
		logging.Get(logging.CategoryDiscord).Error("failed to save outbound message: %v", err)
	}
}

func (d *DiscordProvider) sendReply(ctx context.Context, channelID, replyToID, text string) error {
	payload := map[string]interface{}{
		"content": text,
		"message_reference": map[string]string{
			"message_id": replyToID,
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/channels/%s/messages", d.apiBase, url.PathEscape(channelID))
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+d.character.DiscordAPIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("send failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
