package social

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"persona/internal/logging"
)

// APIClientConfig configures the REST platform client.
type APIClientConfig struct {
	BaseURL  string
	Token    string
	Platform string // record platform key, defaults to "twitter"
	Username string
	Timeout  time.Duration
}

// APIClient is a thin JSON client for a Twitter-style posting API. It
// only moves payloads; all screening happens upstream.
type APIClient struct {
	baseURL    string
	token      string
	platform   string
	username   string
	httpClient *http.Client
}

// NewAPIClient creates the REST client.
func NewAPIClient(config APIClientConfig) *APIClient {
	if config.Platform == "" {
		config.Platform = "twitter"
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &APIClient{
		baseURL:  config.BaseURL,
		token:    config.Token,
		platform: config.Platform,
		username: config.Username,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Platform returns the record platform key.
func (c *APIClient) Platform() string {
	return c.platform
}

// Login resolves the account's actor id from the API.
func (c *APIClient) Login(ctx context.Context) (string, error) {
	var out struct {
		ActorID string `json:"actor_id"`
	}
	if err := c.get(ctx, "/v1/users/"+url.PathEscape(c.username), &out); err != nil {
		return "", fmt.Errorf("failed to resolve actor id: %w", err)
	}
	if out.ActorID == "" {
		return "", fmt.Errorf("no actor id for user %s", c.username)
	}
	return out.ActorID, nil
}

// FetchTimeline returns raw home timeline items.
func (c *APIClient) FetchTimeline(ctx context.Context, limit int) ([]RawItem, error) {
	var out struct {
		Items []RawItem `json:"items"`
	}
	path := "/v1/timeline?limit=" + strconv.Itoa(limit)
	if err := c.get(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("timeline fetch failed: %w", err)
	}
	logging.SocialDebug("fetched %d timeline items", len(out.Items))
	return out.Items, nil
}

// SearchMentions returns raw items mentioning the account.
func (c *APIClient) SearchMentions(ctx context.Context, limit int) ([]RawItem, error) {
	var out struct {
		Items []RawItem `json:"items"`
	}
	path := "/v1/mentions?handle=" + url.QueryEscape(c.username) + "&limit=" + strconv.Itoa(limit)
	if err := c.get(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("mention search failed: %w", err)
	}
	logging.SocialDebug("fetched %d mention items", len(out.Items))
	return out.Items, nil
}

// SendText posts text, optionally as a reply.
func (c *APIClient) SendText(ctx context.Context, text, inReplyToExternalID string) (*Post, error) {
	payload := map[string]string{"text": text}
	if inReplyToExternalID != "" {
		payload["in_reply_to"] = inReplyToExternalID
	}
	return c.createPost(ctx, payload)
}

// SendWithMedia posts text with a base64-encoded attachment.
func (c *APIClient) SendWithMedia(ctx context.Context, text string, media Media) (*Post, error) {
	payload := map[string]string{
		"text":       text,
		"media":      base64.StdEncoding.EncodeToString(media.Data),
		"media_type": media.MIMEType,
	}
	return c.createPost(ctx, payload)
}

func (c *APIClient) createPost(ctx context.Context, payload map[string]string) (*Post, error) {
	var out struct {
		Post RawItem `json:"post"`
	}
	if err := c.post(ctx, "/v1/posts", payload, &out); err != nil {
		return nil, fmt.Errorf("send failed: %w", err)
	}
	created, err := ParseRawItem(out.Post)
	if err != nil {
		return nil, fmt.Errorf("send returned unusable post: %w", err)
	}
	return created, nil
}

func (c *APIClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, out)
}

func (c *APIClient) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *APIClient) do(req *http.Request, out interface{}) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
