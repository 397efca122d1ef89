package fleet

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herdctl/internal/eventbus"
	"herdctl/internal/logx"
	"herdctl/internal/model"
	"herdctl/internal/runner"
)

// instantRunner completes every request immediately with no output.
type instantRunner struct{}

func (instantRunner) Run(ctx context.Context, req runner.Request) (<-chan model.OutputMessage, error) {
	out := make(chan model.OutputMessage)
	close(out)
	return out, nil
}

func writeMinimalFleet(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	agentYAML := `
name: worker
model: claude-sonnet-4
prompt: "do the thing"
runner_backend: anthropic
max_concurrent: 2
schedules:
  - name: nightly
    type: cron
    expression: "@daily"
    enabled: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "worker.yaml"), []byte(agentYAML), 0o644))

	rootYAML := `
version: 1
fleet:
  name: testfleet
agents:
  - path: worker.yaml
`
	rootPath := filepath.Join(dir, "herdctl.yaml")
	require.NoError(t, os.WriteFile(rootPath, []byte(rootYAML), 0o644))
	return rootPath
}

func newTestManager(t *testing.T, configPath string) *Manager {
	t.Helper()
	bus := eventbus.New(logx.New("test"))
	log := logx.New("test")
	registry := runner.NewRegistry(map[string]runner.Runner{"anthropic": instantRunner{}})
	stateDir := t.TempDir()
	return New(configPath, stateDir, bus, log, registry, time.Now)
}

func TestInitializeBuildsOneControllerPerAgent(t *testing.T) {
	configPath := writeMinimalFleet(t)
	m := newTestManager(t, configPath)

	require.NoError(t, m.Initialize(context.Background()))
	assert.Equal(t, model.FleetInitialized, m.Status())

	infos := m.GetAgentInfo()
	require.Len(t, infos, 1)
	assert.Equal(t, "worker", infos[0].Agent.QualifiedName)
}

func TestTriggerUnknownAgentReturnsNotFound(t *testing.T) {
	configPath := writeMinimalFleet(t)
	m := newTestManager(t, configPath)
	require.NoError(t, m.Initialize(context.Background()))

	_, err := m.Trigger(context.Background(), "testfleet.nonexistent", "", TriggerOptions{})
	require.Error(t, err)
}

func TestTriggerAdmitsAgainstInitializedController(t *testing.T) {
	configPath := writeMinimalFleet(t)
	m := newTestManager(t, configPath)
	require.NoError(t, m.Initialize(context.Background()))

	result, err := m.Trigger(context.Background(), "worker", "", TriggerOptions{Prompt: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, result.JobID)
}

func TestStopTransitionsToStoppedWithNoRunningJobs(t *testing.T) {
	configPath := writeMinimalFleet(t)
	m := newTestManager(t, configPath)
	require.NoError(t, m.Initialize(context.Background()))
	require.NoError(t, m.Start(context.Background()))

	err := m.Stop(context.Background(), StopOptions{Timeout: time.Second, CancelOnTimeout: true, CancelTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, model.FleetStopped, m.Status())
}

func TestOperationsRejectedAfterStop(t *testing.T) {
	configPath := writeMinimalFleet(t)
	m := newTestManager(t, configPath)
	require.NoError(t, m.Initialize(context.Background()))
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop(context.Background(), StopOptions{Timeout: time.Second}))

	_, err := m.Trigger(context.Background(), "worker", "", TriggerOptions{})
	require.Error(t, err)
}

func TestGetFleetStatusAggregatesAgentCounts(t *testing.T) {
	configPath := writeMinimalFleet(t)
	m := newTestManager(t, configPath)
	require.NoError(t, m.Initialize(context.Background()))

	status := m.GetFleetStatus()
	assert.Equal(t, 1, status.TotalAgents)
	assert.Equal(t, 1, status.IdleAgents)
	assert.Equal(t, 1, status.TotalSchedules)
}
