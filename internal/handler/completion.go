// Package handler provides the default task handlers: prompt templates sent
// to an OpenAI-style chat completion endpoint whose JSON replies become the
// task output.
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/agent-orchestrator/internal/model"
)

const defaultCompletionTimeout = 60 * time.Second

// Message is one chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the body sent to the completion endpoint
type CompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Completer produces a reply for a chat request
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// CompletionClient calls a chat completion endpoint over HTTP
type CompletionClient struct {
	logger     *zap.Logger
	httpClient *http.Client
	endpoint   string
	apiKey     string
}

// NewCompletionClient creates a client posting to endpoint
func NewCompletionClient(endpoint, apiKey string, timeout time.Duration, logger *zap.Logger) *CompletionClient {
	if timeout <= 0 {
		timeout = defaultCompletionTimeout
	}
	return &CompletionClient{
		logger:   logger.Named("completion-client"),
		endpoint: endpoint,
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Complete sends req and returns the content of the first choice
func (c *CompletionClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	c.logger.Debug("Requesting completion",
		zap.String("model", req.Model),
		zap.Int("messages", len(req.Messages)))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var parsed completionResponse
	decodeErr := json.Unmarshal(data, &parsed)

	if resp.StatusCode >= 400 {
		msg := http.StatusText(resp.StatusCode)
		if decodeErr == nil && parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		err := fmt.Errorf("completion failed with status %d: %s", resp.StatusCode, msg)
		if resp.StatusCode == http.StatusBadRequest {
			return "", model.NewValidationError("prompt", "%v", err)
		}
		return "", err
	}
	if decodeErr != nil {
		return "", fmt.Errorf("failed to decode response: %w", decodeErr)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("completion returned no choices")
	}

	return parsed.Choices[0].Message.Content, nil
}
