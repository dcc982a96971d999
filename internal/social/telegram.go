package social

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"persona/internal/config"
	"persona/internal/generation"
	"persona/internal/history"
	"persona/internal/logging"
)

const telegramAPIBase = "https://api.telegram.org"

// telegramUpdate is the subset of the Bot API update payload we read.
type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64  `json:"message_id"`
		Text      string `json:"text"`
		From      *struct {
			ID       int64  `json:"id"`
			Username string `json:"username"`
			IsBot    bool   `json:"is_bot"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		ReplyToMessage *struct {
			From *struct {
				Username string `json:"username"`
			} `json:"from"`
		} `json:"reply_to_message"`
	} `json:"message"`
}

// TelegramProvider long-polls the Bot API and replies when the bot is
// mentioned by name or someone replies to one of its messages.
type TelegramProvider struct {
	character *config.Character
	store     *history.Store
	gen       ContentGenerator

	apiBase    string
	httpClient *http.Client
	sessionID  string

	mu      sync.Mutex
	rng     *rand.Rand
	stop    chan struct{}
	done    chan struct{}
	started bool
}

// NewTelegramProvider creates the provider. The character must carry a
// Telegram API key and bot username.
func NewTelegramProvider(ch *config.Character, store *history.Store, gen ContentGenerator) (*TelegramProvider, error) {
	if ch.TelegramAPIKey == "" {
		return nil, fmt.Errorf("no Telegram API key found for %s", ch.InternalName)
	}
	if ch.TelegramBotUsername == "" {
		return nil, fmt.Errorf("no Telegram bot username found for %s", ch.InternalName)
	}
	return &TelegramProvider{
		character:  ch,
		store:      store,
		gen:        gen,
		apiBase:    telegramAPIBase,
		httpClient: &http.Client{Timeout: 65 * time.Second},
		sessionID:  uuid.NewString(),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// SetAPIBase overrides the Bot API endpoint, used by tests.
func (t *TelegramProvider) SetAPIBase(base string) {
	t.apiBase = strings.TrimSuffix(base, "/")
}

// Start launches the long-poll loop.
func (t *TelegramProvider) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("telegram provider already started for %s", t.character.InternalName)
	}
	t.started = true
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	stop, done := t.stop, t.done
	t.mu.Unlock()

	logging.Telegram("bot started for %s", t.character.InternalName)
	go t.pollLoop(ctx, stop, done)
	return nil
}

// Stop halts the long-poll loop and waits for it to exit.
func (t *TelegramProvider) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	close(t.stop)
	done := t.done
	t.mu.Unlock()

	<-done
	logging.Telegram("bot stopped for %s", t.character.InternalName)
}

func (t *TelegramProvider) pollLoop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	var offset int64
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		updates, err := t.getUpdates(ctx, offset)
		if err != nil {
			logging.Get(logging.CategoryTelegram).Error("getUpdates failed: %v", err)
			select {
			case <-time.After(5 * time.Second):
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			t.handleUpdate(ctx, update)
		}
	}
}

func (t *TelegramProvider) getUpdates(ctx context.Context, offset int64) ([]telegramUpdate, error) {
	url := fmt.Sprintf("%s/bot%s/getUpdates?timeout=60&offset=%d", t.apiBase, t.character.TelegramAPIKey, offset)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("getUpdates failed with status %d: %s", resp.StatusCode, string(body))
	}

	var out struct {
		OK     bool             `json:"ok"`
		Result []telegramUpdate `json:"result"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse updates: %w", err)
	}
	if !out.OK {
		return nil, fmt.Errorf("getUpdates returned ok=false")
	}
	return out.Result, nil
}

// handleUpdate replies to a single update when it triggers the bot.
// Errors are logged; one bad message never kills the poll loop.
func (t *TelegramProvider) handleUpdate(ctx context.Context, update telegramUpdate) {
	msg := update.Message
	if msg == nil || msg.Text == "" || msg.From == nil || msg.From.Username == "" || msg.From.IsBot {
		return
	}

	mentioned := strings.Contains(msg.Text, "@"+t.character.TelegramBotUsername)
	repliedTo := msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil &&
		msg.ReplyToMessage.From.Username == t.character.TelegramBotUsername
	if !mentioned && !repliedTo {
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	logging.Telegram("bot triggered in chat %s by @%s", chatID, msg.From.Username)

	if err := t.store.SaveChatMessage(history.ChatMessage{
		Platform:  "telegram",
		ChannelID: chatID,
		MessageID: strconv.FormatInt(msg.MessageID, 10),
		UserID:    strconv.FormatInt(msg.From.ID, 10),
		Handle:    msg.From.Username,
		SessionID: t.sessionID,
		Content:   msg.Text,
	}); err != nil {
		logging.Get(logging.CategoryTelegram).Error("failed to save inbound message: %v", err)
	}

	recent := t.store.RecentByChannel("telegram", chatID, historyContextLimit)
	promptContext := formatChatHistory(recent)

	result, err := t.gen.Reply(ctx, t.character, msg.Text, generation.ReplyOptions{
		Chat:    true,
		History: promptContext,
	})
	if err != nil {
		logging.Get(logging.CategoryTelegram).Error("reply generation failed: %v", err)
		return
	}

	if err := t.sendMessage(ctx, msg.Chat.ID, msg.MessageID, result.Text); err != nil {
		logging.Get(logging.CategoryTelegram).Error("failed to send reply: %v", err)
		return
	}

	if err := t.store.SaveChatMessage(history.ChatMessage{
		Platform:        "telegram",
		ChannelID:       chatID,
		UserID:          t.character.Username,
		Handle:          t.character.TelegramBotUsername,
		SessionID:       t.sessionID,
		Content:         result.Text,
		IsAgentResponse: true,
		Prompt:          result.Prompt,
	}); err != nil {
		logging.Get(logging.CategoryTelegram).Error("failed to save outbound message: %v", err)
	}

	t.maybeSendSticker(ctx, msg.Chat.ID)
}

func (t *TelegramProvider) sendMessage(ctx context.Context, chatID, replyToMessageID int64, text string) error {
	payload := map[string]interface{}{
		"chat_id": chatID,
		"text":    text,
		"reply_parameters": map[string]interface{}{
			"message_id": replyToMessageID,
		},
	}
	return t.callMethod(ctx, "sendMessage", payload)
}

// maybeSendSticker rolls the character's sticker chance after a reply.
func (t *TelegramProvider) maybeSendSticker(ctx context.Context, chatID int64) {
	behavior := t.character.PostingBehavior
	chance := behavior.StickerChance
	if chance <= 0 {
		chance = 0.01
	}

	t.mu.Lock()
	roll := t.rng.Float64()
	t.mu.Unlock()
	if roll >= chance {
		return
	}

	if len(behavior.StickerFiles) == 0 {
		logging.Get(logging.CategoryTelegram).Warn("no sticker files configured for %s", t.character.InternalName)
		return
	}

	t.mu.Lock()
	sticker := behavior.StickerFiles[t.rng.Intn(len(behavior.StickerFiles))]
	t.mu.Unlock()

	payload := map[string]interface{}{
		"chat_id": chatID,
		"sticker": sticker,
	}
	if err := t.callMethod(ctx, "sendSticker", payload); err != nil {
		logging.Get(logging.CategoryTelegram).Error("failed to send sticker: %v", err)
	}
}

func (t *TelegramProvider) callMethod(ctx context.Context, method string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", t.apiBase, t.character.TelegramAPIKey, method)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s failed with status %d: %s", method, resp.StatusCode, string(body))
	}
	return nil
}

// formatChatHistory renders chat messages as prompt context lines.
func formatChatHistory(messages []history.ChatMessage) string {
	var lines []string
	for _, msg := range messages {
		lines = append(lines, "@"+msg.Handle+": "+msg.Content)
	}
	return strings.Join(lines, "\n")
}
