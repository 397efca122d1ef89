package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herdctl/internal/herderrors"
	"herdctl/internal/logx"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadResolvesSingleAgentFleet(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "worker.yaml"), `
name: worker
model: claude-sonnet-4
prompt: "go"
`)
	writeFile(t, filepath.Join(dir, "herdctl.yaml"), `
version: 1
fleet:
  name: myfleet
agents:
  - path: worker.yaml
`)

	fleet, err := NewLoader(logx.New("test")).Load(filepath.Join(dir, "herdctl.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "myfleet", fleet.Name)
	require.Len(t, fleet.Agents, 1)
	assert.Equal(t, "worker", fleet.Agents[0].QualifiedName)
	assert.Equal(t, 1, fleet.Agents[0].MaxConcurrent, "defaults to 1 when unset")
}

func TestLoadAppliesDefaultsBelowAgentValues(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "worker.yaml"), `
name: worker
model: claude-sonnet-4
`)
	writeFile(t, filepath.Join(dir, "herdctl.yaml"), `
version: 1
fleet:
  name: myfleet
defaults:
  model: default-model
  max_concurrent: 5
agents:
  - path: worker.yaml
`)

	fleet, err := NewLoader(logx.New("test")).Load(filepath.Join(dir, "herdctl.yaml"))
	require.NoError(t, err)
	require.Len(t, fleet.Agents, 1)
	assert.Equal(t, "claude-sonnet-4", fleet.Agents[0].Model, "agent's own value wins over defaults")
	assert.Equal(t, 5, fleet.Agents[0].MaxConcurrent, "default fills the gap the agent left unset")
}

func TestLoadInterpolatesEnvironmentReferences(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "worker.yaml"), `
name: worker
model: "${TEST_HERDCTL_MODEL}"
`)
	writeFile(t, filepath.Join(dir, "herdctl.yaml"), `
version: 1
fleet:
  name: myfleet
agents:
  - path: worker.yaml
`)

	t.Setenv("TEST_HERDCTL_MODEL", "claude-opus-4")

	fleet, err := NewLoader(logx.New("test")).Load(filepath.Join(dir, "herdctl.yaml"))
	require.NoError(t, err)
	require.Len(t, fleet.Agents, 1)
	assert.Equal(t, "claude-opus-4", fleet.Agents[0].Model)
}

func TestLoadDetectsFleetCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a", "herdctl.yaml"), `
version: 1
fleet:
  name: a
fleets:
  - path: ../b/herdctl.yaml
`)
	writeFile(t, filepath.Join(dir, "b", "herdctl.yaml"), `
version: 1
fleet:
  name: b
fleets:
  - path: ../a/herdctl.yaml
`)

	_, err := NewLoader(logx.New("test")).Load(filepath.Join(dir, "a", "herdctl.yaml"))
	require.Error(t, err)
	var cycleErr *herderrors.FleetCycleError
	require.ErrorAs(t, err, &cycleErr)
}

func TestLoadRejectsDuplicateChildFleetNames(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "child1", "herdctl.yaml"), `
version: 1
fleet:
  name: dup
`)
	writeFile(t, filepath.Join(dir, "child2", "herdctl.yaml"), `
version: 1
fleet:
  name: dup
`)
	writeFile(t, filepath.Join(dir, "herdctl.yaml"), `
version: 1
fleet:
  name: root
fleets:
  - path: child1/herdctl.yaml
  - path: child2/herdctl.yaml
`)

	_, err := NewLoader(logx.New("test")).Load(filepath.Join(dir, "herdctl.yaml"))
	require.Error(t, err)
	var collision *herderrors.FleetNameCollisionError
	require.ErrorAs(t, err, &collision)
}

func TestLoadMissingRootReturnsConfigNotFoundWithSearchedPaths(t *testing.T) {
	dir := t.TempDir()
	_, err := NewLoader(logx.New("test")).Load(filepath.Join(dir, "does-not-exist.yaml"))
	require.Error(t, err)
	var notFound *herderrors.ConfigNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestLoadAgentMissingNameFailsSchemaValidation(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "worker.yaml"), `
model: claude-sonnet-4
`)
	writeFile(t, filepath.Join(dir, "herdctl.yaml"), `
version: 1
fleet:
  name: myfleet
agents:
  - path: worker.yaml
`)

	_, err := NewLoader(logx.New("test")).Load(filepath.Join(dir, "herdctl.yaml"))
	require.Error(t, err)
	var agentErr *herderrors.AgentLoadError
	require.ErrorAs(t, err, &agentErr)
}

func TestLoadSubFleetOverridesMergeOntoChildDocument(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "child", "worker.yaml"), `
name: worker
model: claude-sonnet-4
`)
	writeFile(t, filepath.Join(dir, "child", "herdctl.yaml"), `
version: 1
fleet:
  name: child
agents:
  - path: worker.yaml
`)
	writeFile(t, filepath.Join(dir, "herdctl.yaml"), `
version: 1
fleet:
  name: root
fleets:
  - path: child/herdctl.yaml
    overrides:
      fleet:
        name: renamed-child
`)

	fleet, err := NewLoader(logx.New("test")).Load(filepath.Join(dir, "herdctl.yaml"))
	require.NoError(t, err)
	require.Len(t, fleet.Agents, 1)
	assert.Equal(t, "renamed-child.worker", fleet.Agents[0].QualifiedName)
}
