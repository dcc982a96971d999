// Package generation produces character-voiced post text through an
// OpenAI-compatible completion API, including the refusal and length
// retry handling that keeps output postable.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"persona/internal/logging"
)

// maxOutputTokens caps completions at short-post size.
const maxOutputTokens = 70

// Request is one completion call.
type Request struct {
	Model       string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Client produces completions. Implementations must be safe for
// concurrent use.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// ClientConfig configures the HTTP completion client.
type ClientConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// DefaultClientConfig returns defaults for an OpenAI-compatible endpoint.
func DefaultClientConfig(apiKey string) ClientConfig {
	return ClientConfig{
		APIKey:  apiKey,
		BaseURL: "https://api.openai.com/v1",
		Timeout: 2 * time.Minute,
	}
}

// HTTPClient talks to any OpenAI-compatible chat completions endpoint.
type HTTPClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client

	mu          sync.Mutex
	lastRequest time.Time
}

// NewHTTPClient creates a completion client with custom config.
func NewHTTPClient(config ClientConfig) *HTTPClient {
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}
	return &HTTPClient{
		apiKey:  config.APIKey,
		baseURL: strings.TrimSuffix(config.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends the prompt and returns the trimmed completion text.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (string, error) {
	// Auto-apply timeout if context has no deadline
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	startTime := time.Now()
	logging.GenerationDebug("Complete: model=%s prompt_len=%d", req.Model, len(req.Prompt))

	if c.apiKey == "" {
		return "", fmt.Errorf("API key not configured")
	}
	if req.Model == "" {
		return "", fmt.Errorf("model not specified")
	}

	// Rate limiting
	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = maxOutputTokens
	}

	reqBody := chatRequest{
		Model:       req.Model,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}

	// Retry loop for rate limits
	maxRetries := 3
	var lastErr error

	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			time.Sleep(time.Duration(1<<uint(i-1)) * time.Second)
		}

		jsonData, err := json.Marshal(reqBody)
		if err != nil {
			return "", fmt.Errorf("failed to marshal request: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			return "", fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limit exceeded (429)")
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		}

		var cr chatResponse
		if err := json.Unmarshal(body, &cr); err != nil {
			return "", fmt.Errorf("failed to parse response: %w", err)
		}
		if cr.Error != nil {
			return "", fmt.Errorf("API error: %s", cr.Error.Message)
		}
		if len(cr.Choices) == 0 || cr.Choices[0].Message.Content == "" {
			return "", fmt.Errorf("no completion returned")
		}

		response := strings.TrimSpace(cr.Choices[0].Message.Content)
		logging.Generation("Complete: model=%s completed in %v response_len=%d", req.Model, time.Since(startTime), len(response))
		return response, nil
	}

	logging.Get(logging.CategoryGeneration).Error("Complete: max retries exceeded after %v: %v", time.Since(startTime), lastErr)
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}
