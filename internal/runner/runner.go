// Package runner implements the pluggable Runner Interface (§4.3): given
// an agent, a prompt, a working directory, and an optional resume session
// id, drive the configured LLM backend and emit a lazy, ordered stream of
// model.OutputMessage values carrying the same variants as the job output
// log. Concrete backends (internal/runner/anthropic.go, openai.go,
// ollama.go, gemini.go) are grounded on the teacher's own
// pkg/agent/internal/llmimpl/* client wrappers, generalized from a single
// synchronous Complete/Stream pair to the richer system/assistant/
// tool_use/tool_result/error message stream the spec calls for.
package runner

import (
	"context"
	"strings"

	"herdctl/internal/herderrors"
	"herdctl/internal/model"
)

// Request is the Runner contract's input (§4.3).
type Request struct {
	AgentName          string
	Model              string
	SystemPrompt       string
	Prompt             string
	WorkingDirectory   string
	SessionID          string // non-empty to resume
	AllowedTools       []string
	DeniedTools        []string
	InjectedToolServers []string
}

// Runner is implemented by every pluggable backend.
type Runner interface {
	// Run starts the backend and returns a channel of output messages. The
	// channel is closed when the stream ends (successfully or not); a
	// terminal error, if any, arrives as a MessageError before close.
	// Cancelling ctx stops the stream early.
	Run(ctx context.Context, req Request) (<-chan model.OutputMessage, error)
}

// Registry resolves a backend name (§3 Agent.runnerBackend) to a Runner.
type Registry struct {
	backends map[string]Runner
}

// NewRegistry constructs a Registry from a name->Runner map.
func NewRegistry(backends map[string]Runner) *Registry {
	return &Registry{backends: backends}
}

// Get looks up a backend by name.
func (r *Registry) Get(name string) (Runner, error) {
	b, ok := r.backends[name]
	if !ok {
		available := make([]string, 0, len(r.backends))
		for k := range r.backends {
			available = append(available, k)
		}
		return nil, &herderrors.SDKInitializationError{
			Classification: "missingApiKey",
			Cause:          errUnknownBackend{name: name, available: available},
		}
	}
	return b, nil
}

type errUnknownBackend struct {
	name      string
	available []string
}

func (e errUnknownBackend) Error() string {
	return "unknown runner backend " + e.name + " (available: " + strings.Join(e.available, ", ") + ")"
}

// sessionStartMessage is the announcement convention every backend emits
// as its first message (§4.3): "the runner announces sessionId via a
// system message of subtype session_start early in the stream; absence
// means a fresh session."
func sessionStartMessage(sessionID string) model.OutputMessage {
	return model.OutputMessage{
		Variant:   model.MessageSystem,
		Subtype:   "session_start",
		SessionID: sessionID,
	}
}

func errorMessage(kind string, err error) model.OutputMessage {
	return model.OutputMessage{
		Variant:      model.MessageError,
		ErrorKind:    kind,
		ErrorMessage: err.Error(),
	}
}

// classifyTransportError maps a raw SDK/network error to either an
// SDKInitializationError (call never got a response) or an
// SDKStreamingError (stream started then failed), following the
// classification patterns in
// pkg/agent/internal/llmimpl/anthropic/client.go's classifyError: string
// matching on well-known substrings since each SDK's error types are not
// uniformly introspectable across backends.
func classifyTransportError(err error, midStream bool) error {
	if err == nil {
		return nil
	}
	lower := strings.ToLower(err.Error())

	isRateLimited := strings.Contains(lower, "rate") || strings.Contains(lower, "429") || strings.Contains(lower, "quota")
	isNetwork := strings.Contains(lower, "timeout") || strings.Contains(lower, "connection") ||
		strings.Contains(lower, "network") || strings.Contains(lower, "eof") || strings.Contains(lower, "reset")
	isAuth := strings.Contains(lower, "auth") || strings.Contains(lower, "api key") || strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized")

	if !midStream {
		switch {
		case isAuth:
			return &herderrors.SDKInitializationError{Classification: "missingApiKey", Cause: err}
		case isNetwork:
			return &herderrors.SDKInitializationError{Classification: "network", Cause: err}
		default:
			return &herderrors.SDKInitializationError{Classification: "network", Cause: err}
		}
	}

	return &herderrors.SDKStreamingError{
		IsRecoverable: isNetwork && !isAuth,
		IsRateLimited: isRateLimited,
		Cause:         err,
	}
}
