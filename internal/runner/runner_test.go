package runner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herdctl/internal/herderrors"
	"herdctl/internal/model"
)

type noopRunner struct{}

func (noopRunner) Run(ctx context.Context, req Request) (<-chan model.OutputMessage, error) {
	out := make(chan model.OutputMessage)
	close(out)
	return out, nil
}

func TestRegistryGetReturnsRegisteredBackend(t *testing.T) {
	r := NewRegistry(map[string]Runner{"anthropic": noopRunner{}})
	backend, err := r.Get("anthropic")
	require.NoError(t, err)
	assert.NotNil(t, backend)
}

func TestRegistryGetUnknownBackendReturnsSDKInitializationError(t *testing.T) {
	r := NewRegistry(map[string]Runner{"anthropic": noopRunner{}})
	_, err := r.Get("nonexistent")
	require.Error(t, err)

	var initErr *herderrors.SDKInitializationError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "missingApiKey", initErr.Classification)
}

func TestClassifyTransportErrorAuthFailureAtStart(t *testing.T) {
	err := classifyTransportError(errors.New("401 unauthorized: invalid api key"), false)
	var initErr *herderrors.SDKInitializationError
	require.ErrorAs(t, err, &initErr)
	assert.True(t, initErr.IsMissingAPIKey())
}

func TestClassifyTransportErrorNetworkFailureAtStart(t *testing.T) {
	err := classifyTransportError(errors.New("dial tcp: connection timeout"), false)
	var initErr *herderrors.SDKInitializationError
	require.ErrorAs(t, err, &initErr)
	assert.True(t, initErr.IsNetworkError())
}

func TestClassifyTransportErrorMidStreamIsRecoverable(t *testing.T) {
	err := classifyTransportError(errors.New("unexpected EOF"), true)
	var streamErr *herderrors.SDKStreamingError
	require.ErrorAs(t, err, &streamErr)
	assert.True(t, streamErr.IsRecoverable)
	assert.False(t, streamErr.IsRateLimited)
}

func TestClassifyTransportErrorRateLimitedMidStreamNotRecoverable(t *testing.T) {
	err := classifyTransportError(errors.New("429 too many requests, rate limited"), true)
	var streamErr *herderrors.SDKStreamingError
	require.ErrorAs(t, err, &streamErr)
	assert.True(t, streamErr.IsRateLimited)
	assert.False(t, streamErr.IsRecoverable)
}

func TestClassifyTransportErrorNilIsNil(t *testing.T) {
	assert.Nil(t, classifyTransportError(nil, false))
}
