package runner

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"herdctl/internal/model"
)

// OpenAIRunner drives the OpenAI Responses API. Grounded on
// pkg/agent/internal/llmimpl/openaiofficial/client.go's OfficialClient:
// same openai.NewClient(option.WithAPIKey(...)) construction and its
// system/user text-concatenation convention for the Responses API, which
// has no separate system-role message slot.
type OpenAIRunner struct {
	client openai.Client
}

// NewOpenAIRunner constructs a runner bound to an API key.
func NewOpenAIRunner(apiKey string) *OpenAIRunner {
	return &OpenAIRunner{client: openai.NewClient(option.WithAPIKey(apiKey))}
}

func (r *OpenAIRunner) Run(ctx context.Context, req Request) (<-chan model.OutputMessage, error) {
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

		input := req.Prompt
		if req.SystemPrompt != "" {
			input = fmt.Sprintf("System: %s\n\n%s", req.SystemPrompt, req.Prompt)
		}

		modelName := req.Model
		if modelName == "" {
			modelName = openai.ChatModelGPT5
		}

		resp, err := r.client.Responses.New(ctx, responses.ResponseNewParams{
			Model: modelName,
			Input: responses.ResponseNewParamsInputUnion{OfString: openai.String(input)},
		})
		if err != nil {
			send(ctx, ch, errorMessage("sdk_error", classifyTransportError(err, false)))
			return
		}
		if resp == nil {
			send(ctx, ch, errorMessage("empty_response", classifyTransportError(errEmptyResponse{}, true)))
			return
		}

		send(ctx, ch, model.OutputMessage{
			Variant: model.MessageAssistant,
			Content: resp.OutputText(),
		})

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
