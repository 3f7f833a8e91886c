package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/agent-orchestrator/internal/agent"
	"github.com/t77yq/agent-orchestrator/internal/model"
)

// PromptHandler turns a task into a chat prompt and parses the JSON reply
type PromptHandler struct {
	logger      *zap.Logger
	client      Completer
	description string
	instruction string
	parameters  map[string]string
}

// NewPromptHandler creates a handler that asks the model to follow
// instruction for the task input
func NewPromptHandler(client Completer, description, instruction string, parameters map[string]string, logger *zap.Logger) *PromptHandler {
	return &PromptHandler{
		logger:      logger,
		client:      client,
		description: description,
		instruction: instruction,
		parameters:  parameters,
	}
}

// Capability implements agent.Describer
func (h *PromptHandler) Capability() model.Capability {
	return model.Capability{
		Description: h.description,
		Parameters:  h.parameters,
	}
}

// Handle implements agent.Handler
func (h *PromptHandler) Handle(ctx context.Context, task model.Task, tc agent.TaskContext) (json.RawMessage, error) {
	if len(task.Input) > 0 && !json.Valid(task.Input) {
		return nil, model.NewValidationError("input", "task %s input is not valid JSON", task.ID)
	}

	req := CompletionRequest{
		Model:       tc.Config.Model,
		Temperature: tc.Config.Temperature,
		MaxTokens:   tc.Config.MaxTokens,
		Messages:    h.messages(task, tc),
	}

	reply, err := h.client.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	output, err := extractJSON(reply)
	if err != nil {
		h.logger.Warn("Model reply is not JSON",
			zap.String("task_id", task.ID),
			zap.String("task_type", task.Type),
			zap.Int("reply_length", len(reply)))
		return nil, err
	}

	tc.Memory.Remember("last:"+task.Type, output)
	return output, nil
}

func (h *PromptHandler) messages(task model.Task, tc agent.TaskContext) []Message {
	var msgs []Message
	if tc.Config.SystemPrompt != "" {
		msgs = append(msgs, Message{Role: "system", Content: tc.Config.SystemPrompt})
	}

	var b strings.Builder
	b.WriteString(h.instruction)
	b.WriteString("\n\nInput:\n")
	if len(task.Input) > 0 {
		b.Write(task.Input)
	} else {
		b.WriteString("{}")
	}

	if len(tc.RelevantMemory) > 0 {
		fmt.Fprintf(&b, "\n\nRecent results for %s (relevance %.1f):\n", task.Type, tc.Relevance)
		for _, entry := range tc.RelevantMemory {
			b.WriteString("- ")
			b.Write(entry.Output)
			b.WriteString("\n")
		}
	}

	b.WriteString("\n\nRespond with a single JSON object only.")
	msgs = append(msgs, Message{Role: "user", Content: b.String()})
	return msgs
}

// extractJSON returns the first JSON value found in a model reply, which may
// be wrapped in prose or a fenced code block
func extractJSON(reply string) (json.RawMessage, error) {
	start := strings.IndexAny(reply, "{[")
	if start < 0 {
		return nil, fmt.Errorf("model reply contains no JSON")
	}

	dec := json.NewDecoder(strings.NewReader(reply[start:]))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse model reply: %w", err)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return nil, fmt.Errorf("failed to parse model reply: %w", err)
	}
	return compact.Bytes(), nil
}
