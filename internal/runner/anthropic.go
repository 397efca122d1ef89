package runner

import (
	"context"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"herdctl/internal/model"
)

// AnthropicRunner drives the Anthropic Messages API. Grounded on
// pkg/agent/internal/llmimpl/anthropic/client.go's ClaudeClient: same
// anthropic.NewClient(option.WithAPIKey(...)) construction and the same
// "wrap a synchronous call in a goroutine, emit chunks" Stream() shape,
// expanded here to emit the full output-message variant set instead of
// llm.StreamChunk.
type AnthropicRunner struct {
	client anthropic.Client
}

// NewAnthropicRunner constructs a runner bound to an API key.
func NewAnthropicRunner(apiKey string) *AnthropicRunner {
	return &AnthropicRunner{
		client: anthropic.NewClient(
			option.WithAPIKey(apiKey),
			option.WithMaxRetries(0),
		),
	}
}

func (r *AnthropicRunner) Run(ctx context.Context, req Request) (<-chan model.OutputMessage, error) {
	ch := make(chan model.OutputMessage, 8)

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	go func() {
		defer close(ch)

		select {
		case ch <- sessionStartMessage(sessionID):
		case <-ctx.Done():
			return
		}

		modelName := anthropic.Model(req.Model)
		if modelName == "" {
			modelName = anthropic.ModelClaudeSonnet4_5
		}

		params := anthropic.MessageNewParams{
			Model:     modelName,
			MaxTokens: 4096,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
			},
		}
		if req.SystemPrompt != "" {
			params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
		}

		resp, err := r.client.Messages.New(ctx, params)
		if err != nil {
			send(ctx, ch, errorMessage(classifiedKind(err), classifyTransportError(err, false)))
			return
		}
		if resp == nil || len(resp.Content) == 0 {
			send(ctx, ch, errorMessage("empty_response", classifyTransportError(errEmptyResponse{}, true)))
			return
		}

		for i := range resp.Content {
			block := &resp.Content[i]
			switch block.Type {
			case "text":
				send(ctx, ch, model.OutputMessage{
					Variant: model.MessageAssistant,
					Content: block.AsText().Text,
				})
			case "tool_use":
				toolUse := block.AsToolUse()
				var input map[string]any
				_ = json.Unmarshal(toolUse.Input, &input)
				send(ctx, ch, model.OutputMessage{
					Variant:   model.MessageToolUse,
					ToolUseID: toolUse.ID,
					ToolName:  toolUse.Name,
					ToolInput: input,
				})
			}
		}

		if resp.Usage.InputTokens != 0 || resp.Usage.OutputTokens != 0 {
			send(ctx, ch, model.OutputMessage{
				Variant:           model.MessageSystem,
				Subtype:           "usage",
				UsageInputTokens:  int(resp.Usage.InputTokens),
				UsageOutputTokens: int(resp.Usage.OutputTokens),
			})
		}
	}()

	return ch, nil
}

type errEmptyResponse struct{}

func (errEmptyResponse) Error() string { return "received empty or nil response from Claude API" }

func classifiedKind(err error) string {
	if err == nil {
		return ""
	}
	return "sdk_error"
}

func send(ctx context.Context, ch chan<- model.OutputMessage, msg model.OutputMessage) {
	select {
	case ch <- msg:
	case <-ctx.Done():
	}
}
