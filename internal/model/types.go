// Package model holds the data model shared by every herdctl component:
// resolved agents, schedules, jobs, job output messages, chat session
// pointers, and fleet state (§3 DATA MODEL).
package model

import "time"

// PermissionMode controls what the runner backend is allowed to do without
// confirmation.
type PermissionMode string

const (
	PermissionDefault          PermissionMode = "default"
	PermissionAcceptEdits      PermissionMode = "acceptEdits"
	PermissionBypassPermissions PermissionMode = "bypassPermissions"
	PermissionPlan             PermissionMode = "plan"
)

// RuntimeKind selects how the runner backend is invoked.
type RuntimeKind string

const (
	RuntimeSDK RuntimeKind = "sdk"
	RuntimeCLI RuntimeKind = "cli"
)

// DockerConfig mirrors the agent file's optional docker sandboxing block.
type DockerConfig struct {
	Enabled       bool
	Image         string
	Memory        string
	CPUShares     int
	User          string
	Network       string
	Volumes       []string
	WorkspaceMode string
	MaxContainers int
	Ephemeral     bool
}

// ScheduleType is one of the four trigger sources a schedule can carry.
type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
	ScheduleWebhook  ScheduleType = "webhook"
	ScheduleChat     ScheduleType = "chat"
)

// ScheduleStatus tracks whether a schedule is currently idle, mid-run, or
// administratively disabled.
type ScheduleStatus string

const (
	ScheduleIdle     ScheduleStatus = "idle"
	ScheduleRunning  ScheduleStatus = "running"
	ScheduleDisabled ScheduleStatus = "disabled"
)

// Schedule is a recurrence attached to an agent (§3 Schedule).
type Schedule struct {
	AgentName    string
	Name         string
	Type         ScheduleType
	Expression   string // duration string, 5-field cron, or @shorthand
	Enabled      bool
	Prompt       string
	ResumeSession bool

	LastRunAt time.Time
	NextRunAt time.Time
	RunCount  int
	Status    ScheduleStatus
}

// ChatConfig is the per-platform chat configuration block on an agent.
type ChatConfig struct {
	Platforms map[string]PlatformChatConfig
}

// PlatformChatConfig configures chat triggering for one platform tag
// (e.g. "discord", "slack").
type PlatformChatConfig struct {
	Enabled           bool
	Channels          []string
	SessionExpiryHours int
}

// Agent is a fully resolved agent (§3 Agent (resolved)).
type Agent struct {
	Name          string // local name, pattern ^[A-Za-z0-9][A-Za-z0-9_-]*$
	FleetPath     []string
	QualifiedName string

	Description    string
	Model          string
	Prompt         string
	WorkingDirectory string
	PermissionMode PermissionMode
	AllowedTools   []string
	DeniedTools    []string
	RunnerBackend  string // e.g. "anthropic", "openai", "ollama", "gemini"
	Runtime        RuntimeKind
	MaxConcurrent  int
	Schedules      []Schedule
	Chat           ChatConfig
	Docker         DockerConfig

	ConfigPath string // absolute path of the agent file this came from
}

// QualifyName computes the dot-joined qualified name for a fleetPath+name
// pair, per §3's invariant.
func QualifyName(fleetPath []string, name string) string {
	if len(fleetPath) == 0 {
		return name
	}
	out := ""
	for _, seg := range fleetPath {
		out += seg + "."
	}
	return out + name
}

// WebConfig is the root fleet's optional dashboard configuration.
type WebConfig struct {
	Enabled            bool
	Host               string
	Port               int
	SessionExpiryHours int
}

// ResolvedFleet is the Config Loader's output: a flat agent list plus the
// root fleet's aggregate configuration.
type ResolvedFleet struct {
	Name   string
	Agents []Agent
	Web    *WebConfig
}

// TriggerType records what caused a job to run.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerSchedule TriggerType = "schedule"
	TriggerWebhook  TriggerType = "webhook"
	TriggerChat     TriggerType = "chat"
	TriggerFork     TriggerType = "fork"
)

// JobStatus is a job's lifecycle stage.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is one execution of an agent (§3 Job).
type Job struct {
	ID             string `yaml:"id"`
	Agent          string `yaml:"agent"` // qualified name
	Schedule       string `yaml:"schedule,omitempty"`
	TriggerType    TriggerType `yaml:"trigger_type"`
	ForkedFrom     string `yaml:"forked_from,omitempty"`
	SessionID      string `yaml:"session_id,omitempty"`
	Status         JobStatus `yaml:"status"`
	StartedAt      time.Time `yaml:"started_at"`
	FinishedAt     time.Time `yaml:"finished_at,omitempty"`
	DurationSeconds float64  `yaml:"duration_seconds,omitempty"`
	ExitReason     string `yaml:"exit_reason,omitempty"`
	Prompt         string `yaml:"prompt,omitempty"`
	Summary        string `yaml:"summary,omitempty"`
	OutputFile     string `yaml:"output_file"`
	ContextPercent float64 `yaml:"context_percent,omitempty"`
}

// MessageVariant is the tagged-union discriminator for job output
// messages (§3 Job output message).
type MessageVariant string

const (
	MessageSystem     MessageVariant = "system"
	MessageAssistant  MessageVariant = "assistant"
	MessageToolUse    MessageVariant = "tool_use"
	MessageToolResult MessageVariant = "tool_result"
	MessageError      MessageVariant = "error"
)

// OutputMessage is one line of a job's `<jobId>.jsonl` log.
type OutputMessage struct {
	Variant   MessageVariant `json:"variant"`
	Timestamp time.Time      `json:"timestamp"`

	// system
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// assistant
	Content string `json:"content,omitempty"`

	// tool_use
	ToolUseID string         `json:"tool_use_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`

	// tool_result
	ToolResultFor string `json:"tool_result_for,omitempty"`
	ToolOutput    string `json:"tool_output,omitempty"`
	IsError       bool   `json:"is_error,omitempty"`

	// error
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// usage (optional, any variant may carry it to update contextPercent)
	UsageInputTokens  int `json:"usage_input_tokens,omitempty"`
	UsageOutputTokens int `json:"usage_output_tokens,omitempty"`
}

// ChatSessionPointer is the per-channel session record in a platform's
// chat-session file (§3 Chat session pointer).
type ChatSessionPointer struct {
	ChannelID     string    `yaml:"channel_id"`
	SessionID     string    `yaml:"session_id"`
	LastMessageAt time.Time `yaml:"last_message_at"`
}

// FleetStatus is the Fleet Manager's top-level lifecycle state (§4.7).
type FleetStatus string

const (
	FleetUninitialized FleetStatus = "uninitialized"
	FleetInitialized   FleetStatus = "initialized"
	FleetRunning       FleetStatus = "running"
	FleetStopping      FleetStatus = "stopping"
	FleetStopped       FleetStatus = "stopped"
	FleetError         FleetStatus = "error"
)

// FleetState is the aggregate, always-derived snapshot described in §3
// Fleet state.
type FleetState struct {
	Status FleetStatus

	TotalAgents   int
	IdleAgents    int
	RunningAgents int

	TotalSchedules   int
	RunningSchedules int

	RunningJobs int

	LastError string
	Timestamp time.Time
}
