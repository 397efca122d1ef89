package runner

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"herdctl/internal/model"
)

// GeminiRunner drives the Google GenAI API. Grounded on
// pkg/agent/internal/llmimpl/google/client.go's GeminiClient: client
// creation is deferred to first use (genai.NewClient needs a context),
// so the constructor only stores the api key.
type GeminiRunner struct {
	apiKey string

	mu     sync.Mutex
	client *genai.Client
}

// NewGeminiRunner constructs a runner bound to an API key.
func NewGeminiRunner(apiKey string) *GeminiRunner {
	return &GeminiRunner{apiKey: apiKey}
}

func (r *GeminiRunner) ensureClient(ctx context.Context) (*genai.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: r.apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, err
	}
	r.client = client
	return client, nil
}

func (r *GeminiRunner) Run(ctx context.Context, req Request) (<-chan model.OutputMessage, error) {
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

		client, err := r.ensureClient(ctx)
		if err != nil {
			send(ctx, ch, errorMessage("sdk_initialization", classifyTransportError(err, false)))
			return
		}

		modelName := req.Model
		if modelName == "" {
			modelName = "gemini-2.5-flash"
		}

		var config *genai.GenerateContentConfig
		if req.SystemPrompt != "" {
			config = &genai.GenerateContentConfig{
				SystemInstruction: genai.NewContentFromText(req.SystemPrompt, genai.RoleUser),
			}
		}

		resp, err := client.Models.GenerateContent(ctx, modelName, genai.Text(req.Prompt), config)
		if err != nil {
			send(ctx, ch, errorMessage("sdk_error", classifyTransportError(err, true)))
			return
		}
		if resp == nil || len(resp.Candidates) == 0 {
			send(ctx, ch, errorMessage("empty_response", classifyTransportError(errEmptyResponse{}, true)))
			return
		}

		send(ctx, ch, model.OutputMessage{Variant: model.MessageAssistant, Content: resp.Text()})

		if resp.UsageMetadata != nil {
			send(ctx, ch, model.OutputMessage{
				Variant:           model.MessageSystem,
				Subtype:           "usage",
				UsageInputTokens:  int(resp.UsageMetadata.PromptTokenCount),
				UsageOutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			})
		}
	}()

	return ch, nil
}
