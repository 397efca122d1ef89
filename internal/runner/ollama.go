package runner

import (
	"context"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/ollama/ollama/api"

	"herdctl/internal/model"
)

// OllamaRunner drives a local Ollama server. Grounded on
// pkg/agent/internal/llmimpl/ollama/client.go's Client: same
// url.Parse + api.NewClient(parsedURL, http.DefaultClient) construction,
// falling back to the local default host on a malformed URL.
type OllamaRunner struct {
	client *api.Client
}

// NewOllamaRunner constructs a runner against hostURL (e.g.
// "http://localhost:11434").
func NewOllamaRunner(hostURL string) *OllamaRunner {
	parsed, err := url.Parse(hostURL)
	if err != nil || hostURL == "" {
		parsed, _ = url.Parse("http://localhost:11434")
	}
	return &OllamaRunner{client: api.NewClient(parsed, http.DefaultClient)}
}

func (r *OllamaRunner) Run(ctx context.Context, req Request) (<-chan model.OutputMessage, error) {
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

		var messages []api.Message
		if req.SystemPrompt != "" {
			messages = append(messages, api.Message{Role: "system", Content: req.SystemPrompt})
		}
		messages = append(messages, api.Message{Role: "user", Content: req.Prompt})

		stream := false
		var assembled string
		var promptTokens, completionTokens int
		chatErr := r.client.Chat(ctx, &api.ChatRequest{
			Model:    req.Model,
			Messages: messages,
			Stream:   &stream,
		}, func(resp api.ChatResponse) error {
			assembled += resp.Message.Content
			promptTokens = resp.PromptEvalCount
			completionTokens = resp.EvalCount
			return nil
		})
		if chatErr != nil {
			send(ctx, ch, errorMessage("sdk_error", classifyTransportError(chatErr, false)))
			return
		}

		send(ctx, ch, model.OutputMessage{Variant: model.MessageAssistant, Content: assembled})

		if promptTokens != 0 || completionTokens != 0 {
			send(ctx, ch, model.OutputMessage{
				Variant:           model.MessageSystem,
				Subtype:           "usage",
				UsageInputTokens:  promptTokens,
				UsageOutputTokens: completionTokens,
			})
		}
	}()

	return ch, nil
}
