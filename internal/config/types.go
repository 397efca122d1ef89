package config

// RawFleetRef is one entry of a fleet file's `fleets:` list.
type RawFleetRef struct {
	Path      string         `yaml:"path" json:"path"`
	Name      string         `yaml:"name,omitempty" json:"name,omitempty"`
	Overrides map[string]any `yaml:"overrides,omitempty" json:"overrides,omitempty"`
}

// RawAgentRef is one entry of a fleet file's `agents:` list.
type RawAgentRef struct {
	Path      string         `yaml:"path" json:"path"`
	Overrides map[string]any `yaml:"overrides,omitempty" json:"overrides,omitempty"`
}

// RawWebConfig is the root-only dashboard config block.
type RawWebConfig struct {
	Enabled            bool   `yaml:"enabled" json:"enabled"`
	Host               string `yaml:"host" json:"host"`
	Port               int    `yaml:"port" json:"port"`
	SessionExpiryHours int    `yaml:"session_expiry_hours,omitempty" json:"session_expiry_hours,omitempty"`
}

// RawFleetFile is the parsed shape of a root or sub-fleet YAML document
// (§6 Config file).
type RawFleetFile struct {
	Version int `yaml:"version" json:"version"`
	Fleet   struct {
		Name string `yaml:"name,omitempty" json:"name,omitempty"`
	} `yaml:"fleet" json:"fleet"`
	Web      *RawWebConfig  `yaml:"web,omitempty" json:"web,omitempty"`
	Defaults map[string]any `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	Fleets   []RawFleetRef  `yaml:"fleets,omitempty" json:"fleets,omitempty"`
	Agents   []RawAgentRef  `yaml:"agents,omitempty" json:"agents,omitempty"`
}

// RawScheduleFile is one entry of an agent file's `schedules:` list.
type RawScheduleFile struct {
	Name          string `yaml:"name" json:"name"`
	Type          string `yaml:"type" json:"type"`
	Expression    string `yaml:"expression,omitempty" json:"expression,omitempty"`
	Interval      string `yaml:"interval,omitempty" json:"interval,omitempty"`
	Enabled       *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Prompt        string `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	ResumeSession bool   `yaml:"resume_session,omitempty" json:"resume_session,omitempty"`
}

// RawDockerConfig mirrors the agent file's docker block (§6).
type RawDockerConfig struct {
	Enabled       bool     `yaml:"enabled" json:"enabled"`
	Image         string   `yaml:"image,omitempty" json:"image,omitempty"`
	Memory        string   `yaml:"memory,omitempty" json:"memory,omitempty"`
	CPUShares     int      `yaml:"cpu_shares,omitempty" json:"cpu_shares,omitempty"`
	User          string   `yaml:"user,omitempty" json:"user,omitempty"`
	Network       string   `yaml:"network,omitempty" json:"network,omitempty"`
	Volumes       []string `yaml:"volumes,omitempty" json:"volumes,omitempty"`
	WorkspaceMode string   `yaml:"workspace_mode,omitempty" json:"workspace_mode,omitempty"`
	MaxContainers int      `yaml:"max_containers,omitempty" json:"max_containers,omitempty"`
	Ephemeral     bool     `yaml:"ephemeral,omitempty" json:"ephemeral,omitempty"`
}

// RawPlatformChatConfig is one platform's block under an agent's `chat:`.
type RawPlatformChatConfig struct {
	Enabled            bool     `yaml:"enabled" json:"enabled"`
	Channels           []string `yaml:"channels,omitempty" json:"channels,omitempty"`
	SessionExpiryHours int      `yaml:"session_expiry_hours,omitempty" json:"session_expiry_hours,omitempty"`
}

// RawAgentFile is the parsed shape of an agent YAML document (§6 Agent file).
type RawAgentFile struct {
	Name             string                           `yaml:"name" json:"name"`
	Description      string                           `yaml:"description,omitempty" json:"description,omitempty"`
	Model            string                           `yaml:"model,omitempty" json:"model,omitempty"`
	Prompt           string                           `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	WorkingDirectory any                               `yaml:"working_directory,omitempty" json:"working_directory,omitempty"`
	PermissionMode   string                           `yaml:"permission_mode,omitempty" json:"permission_mode,omitempty"`
	AllowedTools     []string                         `yaml:"allowed_tools,omitempty" json:"allowed_tools,omitempty"`
	DeniedTools      []string                         `yaml:"denied_tools,omitempty" json:"denied_tools,omitempty"`
	RunnerBackend    string                           `yaml:"runner_backend,omitempty" json:"runner_backend,omitempty"`
	MaxConcurrent    int                              `yaml:"max_concurrent,omitempty" json:"max_concurrent,omitempty"`
	Schedules        []RawScheduleFile                `yaml:"schedules,omitempty" json:"schedules,omitempty"`
	Chat             map[string]RawPlatformChatConfig `yaml:"chat,omitempty" json:"chat,omitempty"`
	Runtime          string                           `yaml:"runtime,omitempty" json:"runtime,omitempty"`
	Docker           *RawDockerConfig                 `yaml:"docker,omitempty" json:"docker,omitempty"`
}
