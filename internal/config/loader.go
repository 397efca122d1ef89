// Package config implements the Config Loader (§4.1): resolving an explicit
// path, a directory, or the current working directory to a root
// herdctl.yaml, recursively descending into referenced sub-fleets and
// agents, interpolating environment references, merging defaults and
// overrides, and producing a flat model.ResolvedFleet.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"herdctl/internal/herderrors"
	"herdctl/internal/logx"
	"herdctl/internal/model"
)

var fleetNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

var rootConfigNames = []string{"herdctl.yaml", "herdctl.yml"}

// Loader resolves a root config path plus every fleet/agent it references
// into a model.ResolvedFleet.
type Loader struct {
	log *logx.Logger
}

// NewLoader constructs a Loader.
func NewLoader(log *logx.Logger) *Loader {
	return &Loader{log: log}
}

// Load resolves pathOrDir (an explicit file, a directory to search upward
// from, or "" to search from the current working directory) into a fully
// resolved fleet (§4.1 Inputs/Operation).
func (l *Loader) Load(pathOrDir string) (*model.ResolvedFleet, error) {
	rootPath, searched, err := resolveRootPath(pathOrDir)
	if err != nil {
		return nil, err
	}
	if rootPath == "" {
		return nil, &herderrors.ConfigNotFoundError{SearchedPaths: searched}
	}

	envOverlay := loadDotenvOverlay(filepath.Dir(rootPath))
	lookup := EnvLookup(envOverlay)

	visited := map[string]bool{}
	defaults := map[string]any{}

	resolved, err := l.loadFleet(rootPath, "", "", nil, nil, defaults, lookup, visited)
	if err != nil {
		return nil, err
	}

	web := resolved.web
	if web == nil {
		web = &model.WebConfig{}
	}

	agents := flattenAgents(resolved)
	sort.Slice(agents, func(i, j int) bool { return agents[i].QualifiedName < agents[j].QualifiedName })

	return &model.ResolvedFleet{
		Name:   resolved.name,
		Agents: agents,
		Web:    web,
	}, nil
}

// resolvedNode is the loader's internal tree shape before flattening.
type resolvedNode struct {
	name     string
	fullPath []string
	agents   []model.Agent
	children []*resolvedNode
	web      *model.WebConfig
}

func flattenAgents(n *resolvedNode) []model.Agent {
	out := append([]model.Agent{}, n.agents...)
	for _, c := range n.children {
		out = append(out, flattenAgents(c)...)
	}
	return out
}

// loadFleet reads, interpolates, validates and recurses into one fleet
// file. docPath, if non-empty, is read in place of path's own contents —
// used to substitute an overrides-merged temp document while keeping path
// as the identity for cycle detection and relative-path resolution of the
// fleet's own children (§4.1 step 4). parentDefaults is the effective
// defaults cascading down from ancestors (§4.1 step 5).
func (l *Loader) loadFleet(
	path string,
	docPath string,
	nameOverride string,
	fleetPath []string,
	chain []string,
	parentDefaults map[string]any,
	lookup func(string) (string, bool),
	visited map[string]bool,
) (*resolvedNode, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, &herderrors.FleetLoadError{FleetPath: path, Cause: err}
	}
	if visited[absPath] {
		return nil, &herderrors.FleetCycleError{Chain: append(append([]string{}, chain...), absPath)}
	}
	isRoot := len(chain) == 0
	visited[absPath] = true
	chain = append(chain, absPath)

	readPath := absPath
	if docPath != "" {
		readPath = docPath
	}
	raw, err := readFleetFile(readPath)
	if err != nil {
		return nil, &herderrors.FleetLoadError{FleetPath: absPath, Cause: err}
	}

	name := resolveFleetName(nameOverride, raw.Fleet.Name, absPath)
	if !fleetNamePattern.MatchString(name) || containsDot(name) {
		return nil, &herderrors.InvalidFleetNameError{Name: name, Pattern: fleetNamePattern.String()}
	}

	// The root fleet's own name is not part of any qualified name: root
	// agents keep their bare name and sub-fleet agents are prefixed only by
	// the sub-fleet names below the root.
	thisFleetPath := append([]string{}, fleetPath...)
	if !isRoot {
		thisFleetPath = append(thisFleetPath, name)
	}

	effectiveDefaults, err := DeepMerge(parentDefaults, raw.Defaults)
	if err != nil {
		return nil, &herderrors.FleetLoadError{FleetPath: absPath, Cause: err}
	}

	node := &resolvedNode{name: name, fullPath: thisFleetPath}

	if isRoot && raw.Web != nil {
		node.web = &model.WebConfig{
			Enabled:            raw.Web.Enabled,
			Host:               raw.Web.Host,
			Port:               raw.Web.Port,
			SessionExpiryHours: raw.Web.SessionExpiryHours,
		}
	}

	dir := filepath.Dir(absPath)

	for _, agentRef := range raw.Agents {
		agent, err := l.loadAgent(dir, agentRef, thisFleetPath, effectiveDefaults, lookup)
		if err != nil {
			return nil, err
		}
		node.agents = append(node.agents, agent)
	}

	seenChildNames := map[string]string{} // name -> referring path, for collision detection
	for _, fleetRef := range raw.Fleets {
		childPath := filepath.Join(dir, fleetRef.Path)

		childVisited := visited // share cycle-detection set; branches don't need independent copies
		childDefaults, err := mergedChildDefaults(effectiveDefaults, fleetRef.Overrides)
		if err != nil {
			return nil, &herderrors.FleetLoadError{FleetPath: childPath, Cause: err}
		}

		child, err := l.loadFleetWithOverrides(childPath, fleetRef.Name, thisFleetPath, chain, childDefaults, fleetRef.Overrides, lookup, childVisited)
		if err != nil {
			return nil, err
		}

		if firstPath, ok := seenChildNames[child.name]; ok {
			return nil, &herderrors.FleetNameCollisionError{Name: child.name, FirstPath: firstPath, SecondPath: childPath}
		}
		seenChildNames[child.name] = childPath

		node.children = append(node.children, child)
	}

	delete(visited, absPath)
	return node, nil
}

// loadFleetWithOverrides loads childPath then deep-merges the reference's
// overrides fragment onto the raw fleet document before the recursive
// descent continues (§4.1 step 4).
func (l *Loader) loadFleetWithOverrides(
	path string,
	nameOverride string,
	fleetPath []string,
	chain []string,
	defaults map[string]any,
	overrides map[string]any,
	lookup func(string) (string, bool),
	visited map[string]bool,
) (*resolvedNode, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, &herderrors.FleetLoadError{FleetPath: path, Cause: err}
	}
	if visited[absPath] {
		return nil, &herderrors.FleetCycleError{Chain: append(append([]string{}, chain...), absPath)}
	}

	if len(overrides) == 0 {
		return l.loadFleet(path, "", nameOverride, fleetPath, chain, defaults, lookup, visited)
	}

	raw, err := readFleetFile(absPath)
	if err != nil {
		return nil, &herderrors.FleetLoadError{FleetPath: absPath, Cause: err}
	}

	rawMap, err := structToMap(raw)
	if err != nil {
		return nil, &herderrors.FleetLoadError{FleetPath: absPath, Cause: err}
	}
	mergedMap, err := DeepMerge(rawMap, overrides)
	if err != nil {
		return nil, &herderrors.FleetLoadError{FleetPath: absPath, Cause: err}
	}
	// Sub-fleet web config is stripped unless the reference's overrides
	// explicitly set `web` (§4.1 step 4).
	if _, explicitWeb := overrides["web"]; !explicitWeb {
		delete(mergedMap, "web")
	}

	tmp, err := os.CreateTemp("", "herdctl-fleet-override-*.yaml")
	if err != nil {
		return nil, &herderrors.FleetLoadError{FleetPath: absPath, Cause: err}
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	data, err := yaml.Marshal(mergedMap)
	if err != nil {
		return nil, &herderrors.FleetLoadError{FleetPath: absPath, Cause: err}
	}
	if _, err := tmp.Write(data); err != nil {
		return nil, &herderrors.FleetLoadError{FleetPath: absPath, Cause: err}
	}
	tmp.Close()

	return l.loadFleet(absPath, tmp.Name(), nameOverride, fleetPath, chain, defaults, lookup, visited)
}

// loadAgent loads, interpolates, validates, and merges overrides/defaults
// for one agent reference (§4.1 step 5/6).
func (l *Loader) loadAgent(
	fleetDir string,
	ref RawAgentRef,
	fleetPath []string,
	effectiveDefaults map[string]any,
	lookup func(string) (string, bool),
) (model.Agent, error) {
	agentPath := filepath.Join(fleetDir, ref.Path)
	absAgentPath, err := filepath.Abs(agentPath)
	if err != nil {
		return model.Agent{}, &herderrors.AgentLoadError{AgentPath: agentPath, Cause: err}
	}

	raw, err := readAgentFile(absAgentPath)
	if err != nil {
		return model.Agent{}, &herderrors.AgentLoadError{AgentPath: absAgentPath, Cause: err}
	}

	withDefaults, err := mergeAgentWithDefaults(raw, effectiveDefaults)
	if err != nil {
		return model.Agent{}, &herderrors.AgentLoadError{AgentPath: absAgentPath, Cause: err}
	}

	withOverrides, err := ApplyOverridesToStruct(withDefaults, ref.Overrides)
	if err != nil {
		return model.Agent{}, &herderrors.AgentLoadError{AgentPath: absAgentPath, Cause: err}
	}

	interpolated := interpolateAgent(withOverrides, lookup)

	if !fleetNamePattern.MatchString(interpolated.Name) {
		return model.Agent{}, &herderrors.AgentLoadError{
			AgentPath: absAgentPath,
			Cause:     &herderrors.InvalidFleetNameError{Name: interpolated.Name, Pattern: fleetNamePattern.String()},
		}
	}

	agentDir := filepath.Dir(absAgentPath)
	workDir := normalizeWorkingDirectory(interpolated.WorkingDirectory, agentDir)

	agent := rawToAgent(interpolated, workDir, fleetPath, absAgentPath)
	return agent, nil
}

func resolveFleetName(refName, ownName, path string) string {
	if refName != "" {
		return refName
	}
	if ownName != "" {
		return ownName
	}
	return filepath.Base(filepath.Dir(path))
}

func containsDot(s string) bool {
	for _, r := range s {
		if r == '.' {
			return true
		}
	}
	return false
}

func resolveRootPath(pathOrDir string) (string, []string, error) {
	var searched []string

	if pathOrDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", nil, fmt.Errorf("getwd: %w", err)
		}
		return searchUpward(cwd, &searched)
	}

	info, err := os.Stat(pathOrDir)
	if err != nil {
		searched = append(searched, pathOrDir)
		return "", searched, nil
	}
	if !info.IsDir() {
		return pathOrDir, nil, nil
	}
	return searchUpward(pathOrDir, &searched)
}

func searchUpward(start string, searched *[]string) (string, []string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", *searched, err
	}
	for {
		for _, name := range rootConfigNames {
			candidate := filepath.Join(dir, name)
			*searched = append(*searched, candidate)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, *searched, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", *searched, nil
		}
		dir = parent
	}
}

func loadDotenvOverlay(dir string) map[string]string {
	envPath := filepath.Join(dir, ".env")
	overlay, err := godotenv.Read(envPath)
	if err != nil {
		return map[string]string{}
	}
	return overlay
}

func readFleetFile(path string) (RawFleetFile, error) {
	var raw RawFleetFile
	data, err := os.ReadFile(path)
	if err != nil {
		return raw, &herderrors.FileReadError{Path: path, Cause: err}
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return raw, &herderrors.SchemaValidationError{Path: path, Issues: []string{err.Error()}}
	}
	if raw.Version == 0 {
		raw.Version = 1
	}
	return raw, nil
}

func readAgentFile(path string) (RawAgentFile, error) {
	var raw RawAgentFile
	data, err := os.ReadFile(path)
	if err != nil {
		return raw, &herderrors.FileReadError{Path: path, Cause: err}
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return raw, &herderrors.SchemaValidationError{Path: path, Issues: []string{err.Error()}}
	}
	if raw.Name == "" {
		return raw, &herderrors.SchemaValidationError{Path: path, Issues: []string{"agent name is required"}}
	}
	return raw, nil
}

func mergedChildDefaults(parentDefaults map[string]any, childOverrides map[string]any) (map[string]any, error) {
	// Only the `defaults` key of a reference's overrides feeds the child's
	// inherited-defaults cascade (§4.1 step 5); the rest is applied to the
	// loaded document itself in loadFleetWithOverrides.
	if nested, ok := childOverrides["defaults"].(map[string]any); ok {
		return DeepMerge(parentDefaults, nested)
	}
	return cloneMap(parentDefaults), nil
}

func mergeAgentWithDefaults(agent RawAgentFile, defaults map[string]any) (RawAgentFile, error) {
	if len(defaults) == 0 {
		return agent, nil
	}
	// Defaults are the gap-filler: agent-file values win, so merge the
	// agent on top of defaults rather than the other way around.
	agentJSON, err := structToMap(agent)
	if err != nil {
		return agent, err
	}
	merged, err := DeepMerge(defaults, agentJSON)
	if err != nil {
		return agent, err
	}
	return mapToAgentStruct(merged)
}

func interpolateAgent(agent RawAgentFile, lookup func(string) (string, bool)) RawAgentFile {
	m, err := structToMap(agent)
	if err != nil {
		return agent
	}
	interpolated := InterpolateStrings(m, lookup)
	out, ok := interpolated.(map[string]any)
	if !ok {
		return agent
	}
	result, err := mapToAgentStruct(out)
	if err != nil {
		return agent
	}
	return result
}

func normalizeWorkingDirectory(raw any, agentDir string) string {
	s, _ := raw.(string)
	if s == "" {
		return agentDir
	}
	if filepath.IsAbs(s) {
		return s
	}
	return filepath.Join(agentDir, s)
}

func rawToAgent(raw RawAgentFile, workDir string, fleetPath []string, configPath string) model.Agent {
	agent := model.Agent{
		Name:             raw.Name,
		FleetPath:        fleetPath,
		QualifiedName:    model.QualifyName(fleetPath, raw.Name),
		Description:      raw.Description,
		Model:            raw.Model,
		Prompt:           raw.Prompt,
		WorkingDirectory: workDir,
		PermissionMode:   model.PermissionMode(orDefault(raw.PermissionMode, string(model.PermissionDefault))),
		AllowedTools:     raw.AllowedTools,
		DeniedTools:      raw.DeniedTools,
		RunnerBackend:    raw.RunnerBackend,
		Runtime:          model.RuntimeKind(orDefault(raw.Runtime, string(model.RuntimeSDK))),
		MaxConcurrent:    orDefaultInt(raw.MaxConcurrent, 1),
		ConfigPath:       configPath,
	}

	for _, s := range raw.Schedules {
		enabled := true
		if s.Enabled != nil {
			enabled = *s.Enabled
		}
		agent.Schedules = append(agent.Schedules, model.Schedule{
			AgentName:     agent.QualifiedName,
			Name:          s.Name,
			Type:          model.ScheduleType(s.Type),
			Expression:    orDefault(s.Expression, s.Interval),
			Enabled:       enabled,
			Prompt:        s.Prompt,
			ResumeSession: s.ResumeSession,
			Status:        scheduleStatusFor(enabled),
		})
	}

	if len(raw.Chat) > 0 {
		agent.Chat.Platforms = make(map[string]model.PlatformChatConfig, len(raw.Chat))
		for platform, c := range raw.Chat {
			agent.Chat.Platforms[platform] = model.PlatformChatConfig{
				Enabled:            c.Enabled,
				Channels:           c.Channels,
				SessionExpiryHours: c.SessionExpiryHours,
			}
		}
	}

	if raw.Docker != nil {
		agent.Docker = model.DockerConfig{
			Enabled:       raw.Docker.Enabled,
			Image:         raw.Docker.Image,
			Memory:        raw.Docker.Memory,
			CPUShares:     raw.Docker.CPUShares,
			User:          raw.Docker.User,
			Network:       raw.Docker.Network,
			Volumes:       raw.Docker.Volumes,
			WorkspaceMode: raw.Docker.WorkspaceMode,
			MaxContainers: raw.Docker.MaxContainers,
			Ephemeral:     raw.Docker.Ephemeral,
		}
	}

	return agent
}

func scheduleStatusFor(enabled bool) model.ScheduleStatus {
	if enabled {
		return model.ScheduleIdle
	}
	return model.ScheduleDisabled
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
