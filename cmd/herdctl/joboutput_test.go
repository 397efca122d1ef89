package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"herdctl/internal/eventbus"
	"herdctl/internal/fleet"
	"herdctl/internal/logx"
	"herdctl/internal/model"
	"herdctl/internal/runner"
)

type instantRunner struct{}

func (instantRunner) Run(ctx context.Context, req runner.Request) (<-chan model.OutputMessage, error) {
	out := make(chan model.OutputMessage)
	close(out)
	return out, nil
}

func newTestFleet(t *testing.T) *fleet.Manager {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "worker.yaml"), []byte(`
name: worker
model: claude-sonnet-4
prompt: "go"
runner_backend: anthropic
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "herdctl.yaml"), []byte(`
version: 1
fleet:
  name: testfleet
agents:
  - path: worker.yaml
`), 0o644))

	bus := eventbus.New(logx.New("test"))
	registry := runner.NewRegistry(map[string]runner.Runner{"anthropic": instantRunner{}})
	f := fleet.New(filepath.Join(dir, "herdctl.yaml"), t.TempDir(), bus, logx.New("test"), registry, time.Now)
	require.NoError(t, f.Initialize(context.Background()))
	return f
}

func TestJobOutputHandlerMissingJobReturns404(t *testing.T) {
	f := newTestFleet(t)
	req := httptest.NewRequest(http.MethodGet, "/jobs/does-not-exist/output", nil)
	req.SetPathValue("id", "does-not-exist")
	rec := httptest.NewRecorder()

	jobOutputHandler(f)(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobOutputHandlerReplaysHistoryForCompletedJob(t *testing.T) {
	f := newTestFleet(t)

	result, err := f.Trigger(context.Background(), "worker", "", fleet.TriggerOptions{Prompt: "hi"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := f.Store().ReadJob(result.JobID)
		return err == nil && job != nil && job.Status == model.JobCompleted
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.Store().AppendOutput(result.JobID, model.OutputMessage{
		Variant: model.MessageAssistant,
		Content: "hello from history",
	}))

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+result.JobID+"/output", nil)
	req.SetPathValue("id", result.JobID)
	rec := httptest.NewRecorder()

	jobOutputHandler(f)(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	scanner := bufio.NewScanner(rec.Body)
	found := false
	for scanner.Scan() {
		var msg model.OutputMessage
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &msg))
		if msg.Content == "hello from history" {
			found = true
		}
	}
	require.True(t, found, "replayed history should include the appended message")
}
