// Package reasoning provides the HTTP client for an OpenAI-compatible
// reasoning service, implementing core.Reasoner.
package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/agentmesh/agentmesh/core"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client talks to a chat-completions endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     core.Logger
}

// NewClient creates a reasoning client. Empty arguments fall back to the
// OPENAI_API_KEY, OPENAI_BASE_URL and AGENTMESH_MODEL environment variables.
func NewClient(apiKey, baseURL, model string, logger core.Logger) *Client {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if baseURL == "" {
		baseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if model == "" {
		model = os.Getenv("AGENTMESH_MODEL")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: 180 * time.Second},
		logger:     logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// GenerateResponse sends the prompt plus conversation history and returns
// the model's reply.
func (c *Client) GenerateResponse(ctx context.Context, prompt string, options *core.ReasoningOptions) (*core.ReasoningResponse, error) {
	if options == nil {
		options = &core.ReasoningOptions{}
	}

	model := options.Model
	if model == "" {
		model = c.model
	}

	messages := make([]chatMessage, 0, len(options.History)+2)
	if options.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: core.RoleSystem, Content: options.SystemPrompt})
	}
	for _, m := range options.History {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, chatMessage{Role: core.RoleUser, Content: prompt})

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: options.Temperature,
		MaxTokens:   options.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling reasoning service: %w", core.ErrConnectionFailed)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("reading reasoning reply: %w", core.ErrConnectionFailed)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Reasoning service error", map[string]interface{}{
			"status": resp.StatusCode,
			"model":  model,
		})
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, fmt.Errorf("reasoning service returned %d: %w", resp.StatusCode, core.ErrRequestFailed)
		}
		return nil, fmt.Errorf("reasoning service rejected the request with %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshaling reasoning reply: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("reasoning service error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("reasoning reply has no choices")
	}

	return &core.ReasoningResponse{
		Content: parsed.Choices[0].Message.Content,
		Model:   parsed.Model,
		Usage: core.TokenUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}
